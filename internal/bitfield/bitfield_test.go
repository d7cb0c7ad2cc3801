package bitfield

import "testing"

func TestPackUnpackRoundTrip(t *testing.T) {
	bools := []bool{true, false, true, true, false, false, false, true}
	packed := Pack(bools)
	if len(packed) != 1 {
		t.Fatalf("expected 1 byte, got %d", len(packed))
	}
	if packed[0] != 0xB1 {
		t.Fatalf("expected 0xB1, got %#x", packed[0])
	}
	unpacked := Unpack(packed)
	for i, v := range bools {
		if unpacked[i] != v {
			t.Fatalf("bit %d: expected %v, got %v", i, v, unpacked[i])
		}
	}
}

func TestPackPadsToByteBoundary(t *testing.T) {
	bools := []bool{true, true}
	packed := Pack(bools)
	if len(packed) != 1 {
		t.Fatalf("expected 1 byte, got %d", len(packed))
	}
	if packed[0] != 0xC0 {
		t.Fatalf("expected 0xC0, got %#x", packed[0])
	}
}

func TestUnpackPackIdentityOnByteMultiple(t *testing.T) {
	b := []byte{0xAA, 0x55}
	bools := Unpack(b)
	if len(bools) != 16 {
		t.Fatalf("expected 16 bools, got %d", len(bools))
	}
	repacked := Pack(bools)
	if len(repacked) != len(b) || repacked[0] != b[0] || repacked[1] != b[1] {
		t.Fatalf("round trip mismatch: got %v want %v", repacked, b)
	}
}

func TestSetAndTest(t *testing.T) {
	bf := New(10)
	if bf.Count() != 0 {
		t.Fatalf("expected 0 set bits initially")
	}
	bf.Set(0)
	bf.Set(9)
	if !bf.Test(0) || !bf.Test(9) {
		t.Fatalf("expected bits 0 and 9 set")
	}
	if bf.Test(1) {
		t.Fatalf("expected bit 1 unset")
	}
	if bf.Count() != 2 {
		t.Fatalf("expected 2 set bits, got %d", bf.Count())
	}
}

func TestTestOutOfRangeIsFalse(t *testing.T) {
	bf := New(4)
	if bf.Test(100) {
		t.Fatalf("expected out-of-range Test to be false")
	}
}

func TestTrailingBitsIgnoredBeyondPieceCount(t *testing.T) {
	// Two bytes, all 16 bits set, but only 10 pieces exist.
	bf := NewBytes([]byte{0xFF, 0xFF}, 10)
	for i := uint32(0); i < 10; i++ {
		if !bf.Test(i) {
			t.Fatalf("expected piece %d set", i)
		}
	}
	if bf.Count() != 10 {
		t.Fatalf("expected count truncated to 10, got %d", bf.Count())
	}
}

func TestAll(t *testing.T) {
	bf := New(3)
	if bf.All() {
		t.Fatalf("expected All() false on empty bitfield")
	}
	bf.Set(0)
	bf.Set(1)
	bf.Set(2)
	if !bf.All() {
		t.Fatalf("expected All() true once every piece set")
	}
}
