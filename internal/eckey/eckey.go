// Package eckey wraps crypto/ecdh public keys with a curve tag so they
// can be written to and read from the wire codec without the caller
// needing to know the curve ahead of time. A hardware token's ECDH
// capability is parameterized by whatever curve its certificate uses;
// ebox parts must carry that choice alongside the point bytes.
package eckey

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
)

// Curve identifies the elliptic curve a PublicKey's point belongs to.
// The numeric values are the wire tag and must not be renumbered.
type Curve uint8

const (
	// CurveUnknown marks a point whose curve byte this build does not
	// recognize. Its raw bytes are preserved for round-tripping but it
	// cannot be used for ECDH.
	CurveUnknown Curve = 0
	// CurveP256 is NIST P-256, the curve most PIV tokens provision.
	CurveP256 Curve = 1
	// CurveP384 is NIST P-384.
	CurveP384 Curve = 2
)

// String returns the curve's canonical name, or "unknown(n)".
func (c Curve) String() string {
	switch c {
	case CurveP256:
		return "P-256"
	case CurveP384:
		return "P-384"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

func (c Curve) ecdhCurve() (ecdh.Curve, error) {
	switch c {
	case CurveP256:
		return ecdh.P256(), nil
	case CurveP384:
		return ecdh.P384(), nil
	default:
		return nil, fmt.Errorf("eckey: unsupported curve %s", c)
	}
}

// ErrOpaqueKey is returned when an operation that needs a usable point
// (ECDH, re-derivation) is attempted on a PublicKey whose curve was not
// recognized at parse time.
var ErrOpaqueKey = errors.New("eckey: key is opaque (unrecognized curve)")

// PublicKey is a curve-tagged EC public key. The zero value is not
// valid; construct one with FromECDH or Parse.
type PublicKey struct {
	curve Curve
	raw   []byte // uncompressed point bytes, as crypto/ecdh encodes them
	pub   *ecdh.PublicKey
}

// FromECDH wraps an *ecdh.PublicKey produced by a recognized curve.
func FromECDH(curve Curve, pub *ecdh.PublicKey) (PublicKey, error) {
	if _, err := curve.ecdhCurve(); err != nil {
		return PublicKey{}, err
	}
	return PublicKey{curve: curve, raw: pub.Bytes(), pub: pub}, nil
}

// Parse builds a PublicKey from a curve tag and raw point bytes. If the
// curve tag is not recognized, the key is kept opaque: Bytes returns
// the raw point bytes unchanged, Curve reports CurveUnknown (the
// original tag is not kept), and ECDH fails with ErrOpaqueKey.
func Parse(curve Curve, raw []byte) (PublicKey, error) {
	ec, err := curve.ecdhCurve()
	if err != nil {
		cp := make([]byte, len(raw))
		copy(cp, raw)
		return PublicKey{curve: CurveUnknown, raw: cp}, nil
	}
	pub, err := ec.NewPublicKey(raw)
	if err != nil {
		return PublicKey{}, fmt.Errorf("eckey: parse %s point: %w", curve, err)
	}
	return PublicKey{curve: curve, raw: pub.Bytes(), pub: pub}, nil
}

// Curve returns the key's curve tag.
func (k PublicKey) Curve() Curve { return k.curve }

// Bytes returns the raw point encoding, suitable for Parse or for
// writing to the wire.
func (k PublicKey) Bytes() []byte { return k.raw }

// ECDH returns the underlying *ecdh.PublicKey, or ErrOpaqueKey if this
// key's curve was not recognized at parse time.
func (k PublicKey) ECDH() (*ecdh.PublicKey, error) {
	if k.pub == nil {
		return nil, ErrOpaqueKey
	}
	return k.pub, nil
}

// IsZero reports whether k is the unconstructed zero value.
func (k PublicKey) IsZero() bool { return k.raw == nil }

// Equal reports whether k and other encode the same curve and point.
func (k PublicKey) Equal(other PublicKey) bool {
	if k.curve != other.curve || len(k.raw) != len(other.raw) {
		return false
	}
	for i := range k.raw {
		if k.raw[i] != other.raw[i] {
			return false
		}
	}
	return true
}

// PrivateKey is a curve-tagged EC private key, used by SoftwareProvider
// implementations and by template/ebox creation helpers that generate
// ephemeral keys in-process.
type PrivateKey struct {
	curve Curve
	priv  *ecdh.PrivateKey
}

// Generate creates a new ephemeral private key on curve.
func Generate(curve Curve) (PrivateKey, error) {
	ec, err := curve.ecdhCurve()
	if err != nil {
		return PrivateKey{}, err
	}
	priv, err := ec.GenerateKey(rand.Reader)
	if err != nil {
		return PrivateKey{}, fmt.Errorf("eckey: generate %s key: %w", curve, err)
	}
	return PrivateKey{curve: curve, priv: priv}, nil
}

// Curve returns the private key's curve tag.
func (k PrivateKey) Curve() Curve { return k.curve }

// PublicKey returns the corresponding public key.
func (k PrivateKey) PublicKey() PublicKey {
	pub := k.priv.PublicKey()
	return PublicKey{curve: k.curve, raw: pub.Bytes(), pub: pub}
}

// ECDH computes the shared secret between k and peer. peer must be on
// the same curve as k.
func (k PrivateKey) ECDH(peer PublicKey) ([]byte, error) {
	if peer.curve != k.curve {
		return nil, fmt.Errorf("eckey: curve mismatch: key is %s, peer is %s", k.curve, peer.curve)
	}
	peerKey, err := peer.ECDH()
	if err != nil {
		return nil, err
	}
	secret, err := k.priv.ECDH(peerKey)
	if err != nil {
		return nil, fmt.Errorf("eckey: ecdh: %w", err)
	}
	return secret, nil
}

// Bytes returns the raw scalar bytes of the private key. Callers must
// zero the returned slice (via secretbuf) once they are done with it.
func (k PrivateKey) Bytes() []byte { return k.priv.Bytes() }
