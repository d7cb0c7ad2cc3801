// Package peer implements one live connection's state machine: handshake,
// direction discipline, and the read loop that forwards decoded frames to
// the router queue without interpreting them (spec §4.4).
package peer

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mindsgn-studio/swarmline/internal/bitfield"
	"github.com/mindsgn-studio/swarmline/internal/wire"
)

// State is one of the peer session lifecycle states.
type State int

const (
	Connecting State = iota
	Handshaking
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Direction distinguishes an outbound (we dialed) from an inbound (we
// accepted) connection; it governs who speaks first in the handshake.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

// connReadTimeout bounds how long a read may block before the session is
// treated as dead. The core spec imposes no intrinsic read timeout, but a
// long-lived daemon still needs one to reclaim half-open sockets.
const connReadTimeout = 3 * time.Minute

// connectTimeout bounds the handshake exchange on an already-connected
// socket.
const connectTimeout = 10 * time.Second

// Event is a decoded inbound message tagged with the session it arrived on,
// queued to the router without interpretation (spec §5 "Cyclic references":
// sessions pass their own peer-id by value, never holding a router
// reference).
type Event struct {
	PeerID  [20]byte
	Message *wire.Message // nil when Err is set
	Err     error         // set when the read loop ends (disconnect)
}

// Session is one peer connection and its negotiated flags.
type Session struct {
	conn      net.Conn
	direction Direction
	infoHash  [20]byte
	ourID     [20]byte

	mu             sync.Mutex // serializes writes per session
	state          State
	remoteID       [20]byte
	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool
	PiecesClaimed  map[uint32]struct{}

	numPieces uint32
}

// New wraps an already-connected socket. The caller decides direction:
// Outbound for a dialed connection, Inbound for an accepted one.
func New(conn net.Conn, direction Direction, infoHash, ourID [20]byte, numPieces uint32) *Session {
	return &Session{
		conn:           conn,
		direction:      direction,
		infoHash:       infoHash,
		ourID:          ourID,
		state:          Connecting,
		AmChoking:      true,
		PeerChoking:    true,
		PiecesClaimed:  make(map[uint32]struct{}),
		numPieces:      numPieces,
	}
}

// RemoteID returns the peer-id learned during handshake. Valid only once
// the session has reached Active.
func (s *Session) RemoteID() [20]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Handshake performs the direction-disciplined handshake exchange: an
// outbound connection sends first then reads; an inbound connection reads
// first then sends, matching the BitTorrent convention that the initiator
// speaks first.
func (s *Session) Handshake() error {
	s.setState(Handshaking)
	s.conn.SetDeadline(time.Now().Add(connectTimeout))
	defer s.conn.SetDeadline(time.Time{})

	local := wire.NewHandshake(s.infoHash, s.ourID)

	var remote wire.Handshake
	var err error
	switch s.direction {
	case Outbound:
		if err = wire.WriteHandshake(s.conn, local); err != nil {
			return err
		}
		remote, err = wire.ReadHandshake(s.conn)
	case Inbound:
		remote, err = wire.ReadHandshake(s.conn)
		if err == nil {
			err = wire.WriteHandshake(s.conn, local)
		}
	}
	if err != nil {
		return err
	}

	if remote.InfoHash != s.infoHash {
		return &wire.ProtocolError{Reason: "info_hash mismatch"}
	}

	s.mu.Lock()
	s.remoteID = remote.PeerID
	s.state = Active
	s.mu.Unlock()
	return nil
}

// SendInitialGreeting sends Bitfield (only if any local piece is complete)
// then Unchoke, as required immediately upon reaching Active and before any
// inbound frame is processed.
func (s *Session) SendInitialGreeting(have *bitfield.Bitfield) error {
	if have != nil && have.Count() > 0 {
		if err := s.SendBitfield(have); err != nil {
			return err
		}
	}
	return s.Unchoke()
}

// Run reads frames until error or close, forwarding each as an Event. It
// never interprets the message; frame ordering from this peer is preserved
// into events by construction (one reader goroutine, synchronous send).
func (s *Session) Run(events chan<- Event) {
	for {
		s.conn.SetReadDeadline(time.Now().Add(connReadTimeout))
		msg, err := wire.ReadMessage(s.conn)
		if err != nil {
			s.setState(Closed)
			events <- Event{PeerID: s.remoteIDUnlocked(), Err: err}
			return
		}
		if msg == nil {
			continue // keep-alive: silently consumed, no event
		}
		events <- Event{PeerID: s.remoteIDUnlocked(), Message: msg}
	}
}

func (s *Session) remoteIDUnlocked() [20]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteID
}

// Send writes msg to the peer. Writes are serialized per session.
func (s *Session) Send(msg *wire.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(connReadTimeout))
	return wire.WriteMessage(s.conn, msg)
}

// Choke sends Choke and records that we are choking the peer.
func (s *Session) Choke() error {
	s.mu.Lock()
	s.AmChoking = true
	s.mu.Unlock()
	return s.Send(wire.MessageChoke())
}

// Unchoke sends Unchoke and records that we are not choking the peer.
func (s *Session) Unchoke() error {
	s.mu.Lock()
	s.AmChoking = false
	s.mu.Unlock()
	return s.Send(wire.MessageUnchoke())
}

// SendInterested sends Interested and records am_interested.
func (s *Session) SendInterested() error {
	s.mu.Lock()
	s.AmInterested = true
	s.mu.Unlock()
	return s.Send(wire.MessageInterested())
}

// SendNotInterested sends NotInterested and clears am_interested.
func (s *Session) SendNotInterested() error {
	s.mu.Lock()
	s.AmInterested = false
	s.mu.Unlock()
	return s.Send(wire.MessageNotInterested())
}

// SendBitfield sends our current have-vector, packed MSB-first.
func (s *Session) SendBitfield(have *bitfield.Bitfield) error {
	return s.Send(wire.MessageBitfield(have.Bytes()))
}

// SendHave announces that we now have the given piece.
func (s *Session) SendHave(index uint32) error {
	return s.Send(wire.MessageHave(index))
}

// SendRequest asks for a block.
func (s *Session) SendRequest(index, begin, length uint32) error {
	return s.Send(wire.MessageRequest(index, begin, length))
}

// SendPiece delivers a requested block.
func (s *Session) SendPiece(index, begin uint32, block []byte) error {
	return s.Send(wire.MessagePiece(index, begin, block))
}

// Close closes the underlying socket; the pending Run goroutine's next read
// terminates with an I/O error and exits.
func (s *Session) Close() error {
	s.setState(Closed)
	return s.conn.Close()
}

// RecordClaim validates and records that the peer claims piece i (spec I4:
// every claimed index is < total piece count).
func (s *Session) RecordClaim(index uint32) error {
	if index >= s.numPieces {
		return fmt.Errorf("peer: claimed piece index %d >= piece count %d", index, s.numPieces)
	}
	s.mu.Lock()
	s.PiecesClaimed[index] = struct{}{}
	s.mu.Unlock()
	return nil
}

// ReplaceClaims overwrites the claimed set from a Bitfield message, dropping
// indices at or beyond numPieces (spec §6: "Bitfield semantics", extra bits
// masked to piece count).
func (s *Session) ReplaceClaims(bools []bool) {
	claims := make(map[uint32]struct{})
	for i, v := range bools {
		if !v || uint32(i) >= s.numPieces {
			continue
		}
		claims[uint32(i)] = struct{}{}
	}
	s.mu.Lock()
	s.PiecesClaimed = claims
	s.mu.Unlock()
}

// ClaimsSnapshot returns a copy of the currently-claimed piece index set.
func (s *Session) ClaimsSnapshot() map[uint32]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint32]struct{}, len(s.PiecesClaimed))
	for k := range s.PiecesClaimed {
		out[k] = struct{}{}
	}
	return out
}

// SetPeerChoking records a Choke/Unchoke observed from the peer.
func (s *Session) SetPeerChoking(choking bool) {
	s.mu.Lock()
	s.PeerChoking = choking
	s.mu.Unlock()
}

// IsPeerChoking reports whether the remote side is currently choking us
// (spec I6: outbound Request only issued when false).
func (s *Session) IsPeerChoking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PeerChoking
}

// SetPeerInterested records an Interested/NotInterested observed from the
// peer.
func (s *Session) SetPeerInterested(interested bool) {
	s.mu.Lock()
	s.PeerInterested = interested
	s.mu.Unlock()
}
