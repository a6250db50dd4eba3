package secretbuf

import (
	"bytes"
	"testing"
)

func TestAllocAndFreeZeroes(t *testing.T) {
	buf := Alloc(32)
	b := buf.Bytes()
	for i := range b {
		b[i] = 0xAB
	}
	buf.Free()
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d = %#x after Free, want 0", i, v)
		}
	}

	b = buf.Bytes()
	if b != nil {
		t.Fatalf("Bytes() after Free = %v, want nil", b)
	}
}

func TestFreeIsIdempotent(t *testing.T) {
	buf := Alloc(16)
	buf.Free()
	buf.Free() // must not panic or double-unlock
}

func TestFromBytesTakesOwnership(t *testing.T) {
	src := []byte("a very secret value")
	cp := append([]byte(nil), src...)
	buf := FromBytes(cp)
	if !bytes.Equal(buf.Bytes(), src) {
		t.Fatal("FromBytes did not preserve content")
	}
	buf.Free()
	if !bytes.Equal(cp, make([]byte, len(cp))) {
		t.Fatal("underlying array not zeroed after Free")
	}
}

func TestZeroBytes(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	ZeroBytes(b)
	for _, v := range b {
		if v != 0 {
			t.Fatalf("ZeroBytes left non-zero byte: %v", b)
		}
	}
}
