// Package wire implements the BitTorrent peer wire protocol: the 68-byte
// handshake and the length-prefixed message codec (spec §4.2).
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/mindsgn-studio/swarmline/internal/bencode"
)

// ProtocolString is the fixed protocol identifier sent in every handshake.
const ProtocolString = "BitTorrent protocol"

// ExtensionReservedByte is the index (from the start of the 8 reserved
// handshake bytes) and ExtensionReservedBit the mask within it that signals
// BEP-10 extended-messaging support. Bit 20 counted from the LSB across all
// 8 reserved bytes lands in byte 5, masked 0x10.
const (
	ExtensionReservedByte = 5
	ExtensionReservedBit  = 0x10
)

// ProtocolError reports a peer violating the wire protocol: malformed
// frames, a bad handshake, or an unexpected message shape. Session-scoped
// per the error taxonomy (spec §7).
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("wire: protocol violation: %s", e.Reason)
}

// TransportError wraps an underlying I/O failure (closed connection, reset,
// timeout). Session-scoped per the error taxonomy (spec §7).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("wire: transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func protoErr(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

func transportErr(op string, err error) error {
	return &TransportError{Op: op, Err: err}
}

// Handshake is the decoded 68-byte handshake frame.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// SupportsExtended reports whether the reserved bytes advertise BEP-10
// extended-messaging support.
func (h Handshake) SupportsExtended() bool {
	return h.Reserved[ExtensionReservedByte]&ExtensionReservedBit != 0
}

// NewHandshake builds a Handshake for the given info-hash and peer-id, with
// the extended-messaging bit set.
func NewHandshake(infoHash, peerID [20]byte) Handshake {
	h := Handshake{InfoHash: infoHash, PeerID: peerID}
	h.Reserved[ExtensionReservedByte] |= ExtensionReservedBit
	return h
}

// WriteHandshake serializes and writes the handshake frame.
func WriteHandshake(w io.Writer, h Handshake) error {
	buf := make([]byte, 68)
	buf[0] = byte(len(ProtocolString))
	copy(buf[1:20], ProtocolString)
	copy(buf[20:28], h.Reserved[:])
	copy(buf[28:48], h.InfoHash[:])
	copy(buf[48:68], h.PeerID[:])
	if _, err := w.Write(buf); err != nil {
		return transportErr("handshake write", err)
	}
	return nil
}

// ReadHandshake reads and validates the 68-byte handshake frame.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	buf := make([]byte, 68)
	if _, err := io.ReadFull(r, buf); err != nil {
		return h, transportErr("handshake read", err)
	}

	if buf[0] != byte(len(ProtocolString)) {
		return h, protoErr("invalid protocol identifier length %d", buf[0])
	}
	if string(buf[1:20]) != ProtocolString {
		return h, protoErr("unrecognized protocol identifier %q", buf[1:20])
	}

	copy(h.Reserved[:], buf[20:28])
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return h, nil
}

// MessageID identifies the BitTorrent wire message type (BEP 3), plus the
// BEP-10 extended message used for the post-handshake extension dictionary.
type MessageID uint8

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	Extended      MessageID = 20
)

// Message is a single BitTorrent wire message. A nil *Message represents a
// keep-alive (zero-length frame).
type Message struct {
	ID      MessageID
	Payload []byte
}

// Serialize encodes m to <length prefix><id><payload>. A nil receiver
// produces the 4-byte zero keep-alive frame.
func (m *Message) Serialize() []byte {
	if m == nil {
		return make([]byte, 4)
	}
	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// WriteMessage serializes and writes m.
func WriteMessage(w io.Writer, m *Message) error {
	if _, err := w.Write(m.Serialize()); err != nil {
		return transportErr("message write", err)
	}
	return nil
}

// ReadMessage reads one frame: nil for a keep-alive, otherwise a populated
// Message. Malformed frames (payload too short for the declared id) yield a
// ProtocolError.
func ReadMessage(r io.Reader) (*Message, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, transportErr("length prefix read", err)
	}
	if length == 0 {
		return nil, nil // keep-alive
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, transportErr("message body read", err)
	}

	msg := &Message{ID: MessageID(buf[0]), Payload: buf[1:]}
	if err := validatePayload(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// validatePayload enforces the fixed payload shapes the spec defines for
// each standard message kind. Request/Cancel/Piece/Have carry fixed-width
// integer fields; a short payload can never be a legitimate message.
func validatePayload(m *Message) error {
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested:
		if len(m.Payload) != 0 {
			return protoErr("message id %d must carry no payload, got %d bytes", m.ID, len(m.Payload))
		}
	case Have:
		if len(m.Payload) != 4 {
			return protoErr("have payload must be 4 bytes, got %d", len(m.Payload))
		}
	case Bitfield:
		// length is torrent-dependent; any size (including zero pieces) is valid.
	case Request, Cancel:
		if len(m.Payload) != 12 {
			return protoErr("request/cancel payload must be 12 bytes, got %d", len(m.Payload))
		}
	case Piece:
		if len(m.Payload) < 8 {
			return protoErr("piece payload must be at least 8 bytes, got %d", len(m.Payload))
		}
	case Extended:
		if len(m.Payload) < 1 {
			return protoErr("extended payload must carry an extended-id byte")
		}
	default:
		return protoErr("unknown message id %d", m.ID)
	}
	return nil
}

// MessageChoke builds a choke message.
func MessageChoke() *Message { return &Message{ID: Choke} }

// MessageUnchoke builds an unchoke message.
func MessageUnchoke() *Message { return &Message{ID: Unchoke} }

// MessageInterested builds an interested message.
func MessageInterested() *Message { return &Message{ID: Interested} }

// MessageNotInterested builds a not-interested message.
func MessageNotInterested() *Message { return &Message{ID: NotInterested} }

// MessageHave builds a have message for the given piece index.
func MessageHave(index uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return &Message{ID: Have, Payload: payload}
}

// MessageBitfield builds a bitfield message from already-packed bytes.
func MessageBitfield(packed []byte) *Message {
	return &Message{ID: Bitfield, Payload: packed}
}

// MessageRequest builds a request message for a block.
func MessageRequest(index, begin, length uint32) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return &Message{ID: Request, Payload: payload}
}

// MessagePiece builds a piece message carrying a data block.
func MessagePiece(index, begin uint32, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	copy(payload[8:], block)
	return &Message{ID: Piece, Payload: payload}
}

// MessageCancel builds a cancel message for a previously requested block.
func MessageCancel(index, begin, length uint32) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return &Message{ID: Cancel, Payload: payload}
}

// RequestFields decodes the index/begin/length fields of a Request or
// Cancel message.
func RequestFields(m *Message) (index, begin, length uint32, err error) {
	if m.ID != Request && m.ID != Cancel {
		return 0, 0, 0, protoErr("message id %d has no request fields", m.ID)
	}
	index = binary.BigEndian.Uint32(m.Payload[0:4])
	begin = binary.BigEndian.Uint32(m.Payload[4:8])
	length = binary.BigEndian.Uint32(m.Payload[8:12])
	return index, begin, length, nil
}

// HaveIndex decodes the piece index of a Have message.
func HaveIndex(m *Message) (uint32, error) {
	if m.ID != Have {
		return 0, protoErr("message id %d is not have", m.ID)
	}
	return binary.BigEndian.Uint32(m.Payload), nil
}

// PieceFields decodes the index/begin/block of a Piece message.
func PieceFields(m *Message) (index, begin uint32, block []byte, err error) {
	if m.ID != Piece {
		return 0, 0, nil, protoErr("message id %d is not piece", m.ID)
	}
	index = binary.BigEndian.Uint32(m.Payload[0:4])
	begin = binary.BigEndian.Uint32(m.Payload[4:8])
	return index, begin, m.Payload[8:], nil
}

// ExtendedHandshake is the bencoded sub-dictionary carried by the first
// Extended message (BEP 10 "m" dict and metadata). The core only decodes it
// for forward-compatibility; it never acts on the contents.
type ExtendedHandshake struct {
	Dict bencode.Dict
}

// MessageExtendedHandshake builds an Extended message with sub-id 0 (the
// handshake itself) carrying dict.
func MessageExtendedHandshake(dict bencode.Dict) *Message {
	payload := append([]byte{0}, dict.Encode()...)
	return &Message{ID: Extended, Payload: payload}
}

// DecodeExtended splits an Extended message into its sub-id and, for the
// handshake sub-id (0), its bencoded dictionary.
func DecodeExtended(m *Message) (subID byte, dict bencode.Dict, err error) {
	if m.ID != Extended {
		return 0, nil, protoErr("message id %d is not extended", m.ID)
	}
	subID = m.Payload[0]
	if subID != 0 {
		return subID, nil, nil // unrecognized extension message, not acted upon
	}
	val, err := bencode.NewDecoder(m.Payload[1:]).Decode()
	if err != nil {
		return subID, nil, protoErr("malformed extended handshake: %v", err)
	}
	dict, ok := val.(bencode.Dict)
	if !ok {
		return subID, nil, protoErr("extended handshake payload must be a dictionary")
	}
	return subID, dict, nil
}
