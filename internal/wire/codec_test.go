package wire

import (
	"bytes"
	"testing"
)

func TestPrimitivesRoundTrip(t *testing.T) {
	w := NewWriter(0)
	w.WriteU8(0xAB)
	w.WriteU16(0x1234)
	w.WriteU32(0xDEADBEEF)
	w.WriteU64(0x0102030405060708)
	w.WriteBytes([]byte("hello"))
	w.WriteString("world")

	r := NewReader(w.Bytes())

	u8, err := r.ReadU8()
	if err != nil || u8 != 0xAB {
		t.Fatalf("ReadU8 = %v, %v", u8, err)
	}
	u16, err := r.ReadU16()
	if err != nil || u16 != 0x1234 {
		t.Fatalf("ReadU16 = %v, %v", u16, err)
	}
	u32, err := r.ReadU32()
	if err != nil || u32 != 0xDEADBEEF {
		t.Fatalf("ReadU32 = %v, %v", u32, err)
	}
	u64, err := r.ReadU64()
	if err != nil || u64 != 0x0102030405060708 {
		t.Fatalf("ReadU64 = %v, %v", u64, err)
	}
	b, err := r.ReadBytes()
	if err != nil || !bytes.Equal(b, []byte("hello")) {
		t.Fatalf("ReadBytes = %v, %v", b, err)
	}
	s, err := r.ReadString()
	if err != nil || s != "world" {
		t.Fatalf("ReadString = %v, %v", s, err)
	}
	if r.Remaining() != 0 {
		t.Fatalf("Remaining = %d, want 0", r.Remaining())
	}
}

func TestFieldsRoundTripAndEndTag(t *testing.T) {
	w := NewWriter(0)
	w.WriteField(1, []byte("a"))
	w.WriteField(2, []byte("bb"))
	w.WriteEnd()

	r := NewReader(w.Bytes())
	fields, err := r.ReadFields()
	if err != nil {
		t.Fatalf("ReadFields: %v", err)
	}
	if len(fields) != 2 {
		t.Fatalf("len(fields) = %d, want 2", len(fields))
	}
	if fields[0].Tag != 1 || string(fields[0].Value) != "a" {
		t.Fatalf("fields[0] = %+v", fields[0])
	}
	if fields[1].Tag != 2 || string(fields[1].Value) != "bb" {
		t.Fatalf("fields[1] = %+v", fields[1])
	}
}

func TestDuplicateTagLastWins(t *testing.T) {
	w := NewWriter(0)
	w.WriteField(5, []byte("first"))
	w.WriteField(5, []byte("second"))
	w.WriteEnd()

	r := NewReader(w.Bytes())
	fields, err := r.ReadFields()
	if err != nil {
		t.Fatalf("ReadFields: %v", err)
	}
	m := LastByTag(fields)
	if string(m[5]) != "second" {
		t.Fatalf("LastByTag[5] = %q, want %q", m[5], "second")
	}
}

func TestUnknownTagSkipped(t *testing.T) {
	w := NewWriter(0)
	w.WriteField(1, []byte("known"))
	w.WriteField(0xFE, []byte("from-the-future"))
	w.WriteField(2, []byte("also-known"))
	w.WriteEnd()

	r := NewReader(w.Bytes())
	fields, err := r.ReadFields()
	if err != nil {
		t.Fatalf("ReadFields: %v", err)
	}
	if len(fields) != 3 {
		t.Fatalf("len(fields) = %d, want 3 (unknown tags are returned, not dropped)", len(fields))
	}
}

func TestTruncatedInput(t *testing.T) {
	cases := [][]byte{
		{},
		{0x01},             // tag with no length
		{0x01, 0, 0, 0, 5}, // length but no value
	}
	for i, buf := range cases {
		r := NewReader(buf)
		if _, err := r.ReadFields(); err == nil {
			t.Errorf("case %d: expected truncation error, got nil", i)
		}
	}
}

func TestLengthOverflow(t *testing.T) {
	buf := []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 'x'}
	r := NewReader(buf)
	if _, err := r.ReadFields(); err == nil {
		t.Fatal("expected overflow error, got nil")
	}
}
