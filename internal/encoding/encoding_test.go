package encoding

import (
	"slices"
	"testing"
)

func TestRuns_RoundTrip(t *testing.T) {
	in := []uint16{1, 1, 1, 2, 2, 3}
	for i := 0; i < 50; i++ {
		in = append(in, 7)
	}
	in = append(in, 9, 10, 10, 10)

	out, err := DecodeRuns(EncodeRuns(in), 0)
	if err != nil {
		t.Fatalf("DecodeRuns: %v", err)
	}
	if !slices.Equal(in, out) {
		t.Fatalf("mismatch: got %v want %v", out, in)
	}
}

func TestRuns_SingleColorIsOnePair(t *testing.T) {
	in := make([]uint16, 4096)
	enc := EncodeRuns(in)
	// varint(0) + varint(4096) = 1 + 2 bytes -> 4 base64 chars.
	if len(enc) != 4 {
		t.Fatalf("encoded length: got %d (%q)", len(enc), enc)
	}
	if _, err := DecodeRuns(enc, 100); err == nil {
		t.Fatalf("expected bound error")
	}
}

func TestFloats_RoundTrip(t *testing.T) {
	in := []float32{0, -1.5, 3.25, 1e9}
	out, err := DecodeFloat32s(EncodeFloat32s(in))
	if err != nil || !slices.Equal(in, out) {
		t.Fatalf("floats: got %v err %v", out, err)
	}
	idx := []uint32{0, 1, 2, 0, 2, 3}
	got, err := DecodeUint32s(EncodeUint32s(idx))
	if err != nil || !slices.Equal(idx, got) {
		t.Fatalf("uint32s: got %v err %v", got, err)
	}
	if _, err := DecodeFloat32s("AAA="); err == nil {
		t.Fatalf("expected length error")
	}
}
