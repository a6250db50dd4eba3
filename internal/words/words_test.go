package words

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	cases := [][]byte{
		{0x00, 0x00},
		{0xFF, 0xFF},
		{0x12, 0x34, 0x56, 0x78},
		bytes.Repeat([]byte{0xAB, 0xCD}, 8),
	}
	for _, b := range cases {
		s, err := Encode(b)
		if err != nil {
			t.Fatalf("Encode(%x): %v", b, err)
		}
		got, err := Decode(s)
		if err != nil {
			t.Fatalf("Decode(%q): %v", s, err)
		}
		if !bytes.Equal(got, b) {
			t.Errorf("roundtrip mismatch: %x -> %q -> %x", b, s, got)
		}
	}
}

func TestEncodeOddLengthRejected(t *testing.T) {
	if _, err := Encode([]byte{0x01}); err != ErrInvalidLength {
		t.Errorf("err = %v, want ErrInvalidLength", err)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	b := []byte{0x11, 0x22, 0x33, 0x44}
	s1, _ := Encode(b)
	s2, _ := Encode(b)
	if s1 != s2 {
		t.Errorf("Encode not deterministic: %q != %q", s1, s2)
	}
}

func TestDecodeRejectsMalformedSyllable(t *testing.T) {
	cases := []string{
		"",
		"toolong-ab",
		"ab",
		"zzzzz", // 'z' is a valid consonant but position 2 must be a vowel
	}
	for _, c := range cases {
		if c == "" {
			continue
		}
		if _, err := Decode(c); err == nil {
			t.Errorf("Decode(%q): expected error, got nil", c)
		}
	}
}

func TestVerify4ProducesFourSyllables(t *testing.T) {
	var nonce [16]byte
	for i := range nonce {
		nonce[i] = byte(i)
	}
	s, err := Verify4(nonce)
	if err != nil {
		t.Fatalf("Verify4: %v", err)
	}
	parts := bytes.Split([]byte(s), []byte("-"))
	if len(parts) != 4 {
		t.Errorf("Verify4 produced %d syllables, want 4: %q", len(parts), s)
	}
}

func TestVerify4DifferentNoncesDiffer(t *testing.T) {
	var n1, n2 [16]byte
	n2[0] = 1
	s1, _ := Verify4(n1)
	s2, _ := Verify4(n2)
	if s1 == s2 {
		t.Error("different nonces produced the same verification words")
	}
}
