// Package router implements the single-threaded event consumer that owns
// SwarmState: it is the sole mutator of piece ownership, peer interest, and
// choking, so no locking is required around that state (spec §4.5, §5).
package router

import (
	"errors"
	"log"
	"sort"
	"sync"

	"github.com/mindsgn-studio/swarmline/internal/bitfield"
	"github.com/mindsgn-studio/swarmline/internal/peer"
	"github.com/mindsgn-studio/swarmline/internal/piece"
	"github.com/mindsgn-studio/swarmline/internal/wire"
)

// BlockSize is the router's request granularity.
const BlockSize = piece.BlockSize

// Router is the single consumer of SwarmState: the piece store and the
// peer-id -> session registry.
type Router struct {
	store *piece.Store

	mu       sync.Mutex // guards sessions only; events are processed by one goroutine
	sessions map[[20]byte]*peer.Session

	events      chan peer.Event
	newSessions chan *peer.Session

	// OnPieceComplete is invoked once a piece transitions to complete,
	// before the Have fan-out. Used by swarm to persist to storage/resume
	// (spec §6 "Persisted state").
	OnPieceComplete func(index uint32, record *piece.Record)
	// OnGlobalComplete is invoked exactly once, when every piece is
	// complete, before the router drains and returns.
	OnGlobalComplete func()

	done bool
}

// New builds a Router over store. queueSize bounds the event queue depth.
func New(store *piece.Store, queueSize int) *Router {
	return &Router{
		store:       store,
		sessions:    make(map[[20]byte]*peer.Session),
		events:      make(chan peer.Event, queueSize),
		newSessions: make(chan *peer.Session, queueSize),
	}
}

// Attach registers an Active session and starts forwarding its decoded
// frames into the shared event queue. The caller must have already
// completed the handshake and sent the initial Bitfield/Unchoke greeting.
func (r *Router) Attach(s *peer.Session) {
	r.newSessions <- s
}

// Run consumes the event queue until done is closed or completion fires
// and the queue drains. It is the router's sole event-processing goroutine:
// the piece store is unreachable from session goroutines, and the session
// map is only written here, with r.mu held so that SessionIDs can read it
// from other goroutines (spec §5).
func (r *Router) Run(done <-chan struct{}) {
	for {
		select {
		case s := <-r.newSessions:
			r.registerSession(s)
			go s.Run(r.events)

		case ev, ok := <-r.events:
			if !ok {
				return
			}
			r.handleEvent(ev)
			if r.done {
				r.drain()
				return
			}

		case <-done:
			r.closeAllSessions()
			return
		}
	}
}

// drain consumes whatever is already queued without issuing further
// outbound traffic, per spec §4.5 "completion is sticky".
func (r *Router) drain() {
	for {
		select {
		case <-r.events:
		default:
			return
		}
	}
}

func (r *Router) registerSession(s *peer.Session) {
	r.mu.Lock()
	r.sessions[s.RemoteID()] = s
	r.mu.Unlock()
}

func (r *Router) removeSession(id [20]byte) {
	r.mu.Lock()
	s := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

func (r *Router) closeAllSessions() {
	r.mu.Lock()
	sessions := make([]*peer.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[[20]byte]*peer.Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

// SessionIDs returns the peer-ids of every currently-attached session, for
// reporting purposes (e.g. the TUI's peer count column).
func (r *Router) SessionIDs() [][20]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][20]byte, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

func (r *Router) sessionsSnapshot() []*peer.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*peer.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Router) handleEvent(ev peer.Event) {
	s := r.sessions[ev.PeerID]
	if s == nil {
		return // already removed; stale event from a closed session
	}

	if ev.Err != nil {
		// Queue closure or transport/protocol error on next dequeue: remove
		// the peer and continue (spec §4.5 "Failure semantics").
		r.removeSession(ev.PeerID)
		return
	}

	msg := ev.Message
	switch msg.ID {
	case wire.Choke:
		s.SetPeerChoking(true)

	case wire.Unchoke:
		s.SetPeerChoking(false)
		r.sendMissingRequestsForClaims(s)

	case wire.Interested:
		s.SetPeerInterested(true)

	case wire.NotInterested:
		s.SetPeerInterested(false)

	case wire.Have:
		index, err := wire.HaveIndex(msg)
		if err != nil {
			r.removeSession(ev.PeerID)
			return
		}
		if err := s.RecordClaim(index); err != nil {
			r.removeSession(ev.PeerID)
			return
		}
		if rec := r.store.Get(index); rec != nil && !rec.Complete {
			if s.IsPeerChoking() {
				s.SendInterested()
			} else {
				r.sendRequestsForPiece(s, rec)
			}
		}

	case wire.Bitfield:
		bf := bitfield.NewBytes(msg.Payload, uint32(len(msg.Payload))*8)
		log.Printf("router: peer %x advertised bitfield %s", ev.PeerID, bf.Hex())
		s.ReplaceClaims(bitfield.Unpack(msg.Payload))
		if r.anyClaimedIncomplete(s) {
			if s.IsPeerChoking() {
				s.SendInterested()
			} else {
				r.sendMissingRequestsForClaims(s)
			}
		}

	case wire.Request:
		index, begin, length, err := wire.RequestFields(msg)
		if err != nil {
			return
		}
		r.serviceRequest(s, index, begin, length)

	case wire.Piece:
		index, begin, block, err := wire.PieceFields(msg)
		if err != nil {
			return
		}
		if r.receiveBlock(index, begin, block) {
			r.removeSession(ev.PeerID)
		}

	case wire.Cancel:
		// no-op in core (spec §9 open question)

	case wire.Extended:
		// decoded at the wire layer, never acted upon in core

	default:
		r.removeSession(ev.PeerID)
	}
}

// sendMissingRequestsForClaims issues Requests for every missing block of
// every piece s claims, in ascending (piece index, begin) order.
func (r *Router) sendMissingRequestsForClaims(s *peer.Session) {
	if s.IsPeerChoking() {
		return // I6: outbound Request only while peer_choking == false
	}
	for _, index := range sortedIndices(s.ClaimsSnapshot()) {
		rec := r.store.Get(index)
		if rec == nil || rec.Complete {
			continue
		}
		r.sendRequestsForPiece(s, rec)
	}
}

func (r *Router) sendRequestsForPiece(s *peer.Session, rec *piece.Record) {
	if s.IsPeerChoking() {
		return
	}
	for _, b := range rec.MissingBlocks(BlockSize) {
		s.SendRequest(b.Index, b.Begin, b.Length)
	}
}

func (r *Router) anyClaimedIncomplete(s *peer.Session) bool {
	for index := range s.ClaimsSnapshot() {
		if rec := r.store.Get(index); rec != nil && !rec.Complete {
			return true
		}
	}
	return false
}

// serviceRequest implements the spec's deliberately loose check (spec §9
// open question): only the first byte of the requested range is checked
// for receipt, not the full range.
func (r *Router) serviceRequest(s *peer.Session, index, begin, length uint32) {
	rec := r.store.Get(index)
	if rec == nil || !rec.HasByteAt(begin) {
		return // silently drop, no Cancel echo
	}
	end := uint64(begin) + uint64(length)
	if end > uint64(len(rec.Buffer)) {
		return
	}
	s.SendPiece(index, begin, rec.Buffer[begin:end])
}

// receiveBlock applies an inbound Piece payload to the store. It reports
// true when the block exceeded the piece's boundaries — a ProtocolViolation
// per spec §8, which the caller enforces by tearing down the session.
func (r *Router) receiveBlock(index, begin uint32, block []byte) (violation bool) {
	rec := r.store.Get(index)
	if rec == nil {
		return false
	}
	completed, err := rec.AddBlock(begin, block)
	if err != nil {
		var dm *piece.DigestMismatchError
		if !errors.As(err, &dm) {
			return true // out-of-bounds block: ProtocolViolation
		}
		// DigestMismatchError: the store already reset the piece for retry.
		return false
	}
	if completed {
		r.completePiece(index)
	}
	return false
}

// completePiece runs the internal CompletePiece(i) reaction: persist hook,
// then broadcast Have(i) to every session in parallel, then check for
// global completion.
func (r *Router) completePiece(index uint32) {
	rec := r.store.Get(index)
	if r.OnPieceComplete != nil {
		r.OnPieceComplete(index, rec)
	}

	sessions := r.sessionsSnapshot()
	var wg sync.WaitGroup
	wg.Add(len(sessions))
	for _, s := range sessions {
		go func(s *peer.Session) {
			defer wg.Done()
			s.SendHave(index)
		}(s)
	}
	wg.Wait()

	if r.store.AllComplete() {
		r.done = true
		if r.OnGlobalComplete != nil {
			r.OnGlobalComplete()
		}
	}
}

func sortedIndices(m map[uint32]struct{}) []uint32 {
	out := make([]uint32, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
