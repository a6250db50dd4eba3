package ebox

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// guidSize is the byte length of a PartGUID (128 bits).
const guidSize = 16

// ZeroGUID is the uninitialized PartGUID; a TemplatePart with a zero
// GUID has no stable identifier beyond its pubkey/slot.
var ZeroGUID = PartGUID{}

// PartGUID identifies a TemplatePart independent of its recipient
// pubkey, so a part's key can be rotated without losing its place in
// challenge/response bookkeeping.
type PartGUID [guidSize]byte

// NewPartGUID generates a random PartGUID using crypto/rand.
func NewPartGUID() (PartGUID, error) {
	var id PartGUID
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return ZeroGUID, wrapErr("ebox.NewPartGUID", KindCrypto, err)
	}
	return id, nil
}

// ParsePartGUID parses a PartGUID from its hex text form.
func ParsePartGUID(s string) (PartGUID, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	if len(s) != guidSize*2 {
		return ZeroGUID, wrapErr("ebox.ParsePartGUID", KindInvalidFormat,
			fmt.Errorf("got %d hex chars, want %d", len(s), guidSize*2))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ZeroGUID, wrapErr("ebox.ParsePartGUID", KindInvalidFormat, err)
	}
	var id PartGUID
	copy(id[:], raw)
	return id, nil
}

// PartGUIDFromBytes builds a PartGUID from an exactly-16-byte slice.
func PartGUIDFromBytes(b []byte) (PartGUID, error) {
	if len(b) != guidSize {
		return ZeroGUID, wrapErr("ebox.PartGUIDFromBytes", KindInvalidFormat,
			fmt.Errorf("got %d bytes, want %d", len(b), guidSize))
	}
	var id PartGUID
	copy(id[:], b)
	return id, nil
}

// String returns the GUID's hex representation.
func (g PartGUID) String() string { return hex.EncodeToString(g[:]) }

// Bytes returns the GUID's bytes.
func (g PartGUID) Bytes() []byte { return g[:] }

// IsZero reports whether g is the uninitialized GUID.
func (g PartGUID) IsZero() bool { return g == ZeroGUID }

// Equal reports whether g and other are the same GUID.
func (g PartGUID) Equal(other PartGUID) bool { return g == other }

// MarshalText implements encoding.TextMarshaler.
func (g PartGUID) MarshalText() ([]byte, error) { return []byte(g.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (g *PartGUID) UnmarshalText(text []byte) error {
	parsed, err := ParsePartGUID(string(text))
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}
