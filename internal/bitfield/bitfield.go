// Package bitfield implements the packed, MSB-first boolean vector used to
// advertise piece availability on the wire (BitTorrent's Bitfield message).
package bitfield

// Bitfield is a dense, byte-packed sequence of booleans indexed by piece
// number. Bit (7 - (i mod 8)) of byte (i / 8) holds element i.
type Bitfield struct {
	bytes []byte
	n     uint32 // logical length in bits (piece count), <= 8*len(bytes)
}

// New returns an all-false Bitfield over n pieces.
func New(n uint32) *Bitfield {
	return &Bitfield{bytes: make([]byte, NumBytes(n)), n: n}
}

// NewBytes wraps an existing packed byte slice as a Bitfield over n pieces.
// Trailing bits beyond n (within the final byte) are not cleared by this
// constructor; callers that receive bytes from the wire should rely on Test
// only up to n, which Len and the iteration helpers already enforce.
func NewBytes(b []byte, n uint32) *Bitfield {
	bf := &Bitfield{bytes: make([]byte, NumBytes(n)), n: n}
	copy(bf.bytes, b)
	return bf
}

// NumBytes returns ceil(n/8), the number of bytes needed to pack n bits.
func NumBytes(n uint32) int {
	return int((n + 7) / 8)
}

// Len returns the logical piece count this Bitfield was constructed with.
func (b *Bitfield) Len() uint32 { return b.n }

// Bytes returns the packed representation. The caller must not mutate it
// directly except through Set.
func (b *Bitfield) Bytes() []byte { return b.bytes }

// Test reports whether piece i is marked present. Indices outside [0, Len())
// are reported as false rather than panicking, since callers in the wire
// codec receive untrusted indices.
func (b *Bitfield) Test(i uint32) bool {
	if i >= b.n {
		return false
	}
	byteIndex := i / 8
	bitIndex := 7 - (i % 8)
	return b.bytes[byteIndex]&(1<<bitIndex) != 0
}

// Set marks piece i present. Indices outside [0, Len()) are ignored.
func (b *Bitfield) Set(i uint32) {
	if i >= b.n {
		return
	}
	byteIndex := i / 8
	bitIndex := 7 - (i % 8)
	b.bytes[byteIndex] |= 1 << bitIndex
}

// Count returns the number of set bits within [0, Len()).
func (b *Bitfield) Count() uint32 {
	var c uint32
	for i := uint32(0); i < b.n; i++ {
		if b.Test(i) {
			c++
		}
	}
	return c
}

// All reports whether every piece in [0, Len()) is set.
func (b *Bitfield) All() bool {
	for i := uint32(0); i < b.n; i++ {
		if !b.Test(i) {
			return false
		}
	}
	return true
}

// Pack converts a logical sequence of booleans into the packed MSB-first
// byte representation, padding the input with trailing false to a multiple
// of 8 bits. Round-tripping through Unpack on a length that is already a
// multiple of 8 is the identity (spec property P1).
func Pack(bools []bool) []byte {
	out := make([]byte, NumBytes(uint32(len(bools))))
	for i, v := range bools {
		if !v {
			continue
		}
		byteIndex := i / 8
		bitIndex := uint(7 - (i % 8))
		out[byteIndex] |= 1 << bitIndex
	}
	return out
}

// Unpack converts a packed MSB-first byte slice into exactly 8*len(b)
// booleans. Callers truncate to the true piece count themselves.
func Unpack(b []byte) []bool {
	out := make([]bool, 8*len(b))
	for i := range out {
		byteIndex := i / 8
		bitIndex := uint(7 - (i % 8))
		out[i] = b[byteIndex]&(1<<bitIndex) != 0
	}
	return out
}

// Hex renders the packed bytes as a hex string, for debug logging.
func (b *Bitfield) Hex() string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 2*len(b.bytes))
	for i, c := range b.bytes {
		out[2*i] = hexDigits[c>>4]
		out[2*i+1] = hexDigits[c&0xf]
	}
	return string(out)
}
