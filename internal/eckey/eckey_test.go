package eckey

import (
	"bytes"
	"testing"
)

func TestGenerateECDHRoundtrip(t *testing.T) {
	curves := []Curve{CurveP256, CurveP384}
	for _, c := range curves {
		t.Run(c.String(), func(t *testing.T) {
			alice, err := Generate(c)
			if err != nil {
				t.Fatalf("Generate(alice): %v", err)
			}
			bob, err := Generate(c)
			if err != nil {
				t.Fatalf("Generate(bob): %v", err)
			}

			s1, err := alice.ECDH(bob.PublicKey())
			if err != nil {
				t.Fatalf("alice.ECDH: %v", err)
			}
			s2, err := bob.ECDH(alice.PublicKey())
			if err != nil {
				t.Fatalf("bob.ECDH: %v", err)
			}
			if !bytes.Equal(s1, s2) {
				t.Fatal("shared secrets differ")
			}
		})
	}
}

func TestParseRoundtrip(t *testing.T) {
	priv, err := Generate(CurveP256)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	pub := priv.PublicKey()

	parsed, err := Parse(pub.Curve(), pub.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !parsed.Equal(pub) {
		t.Fatal("parsed key does not equal original")
	}
}

func TestParseUnknownCurveIsOpaque(t *testing.T) {
	raw := []byte{0x04, 0x01, 0x02, 0x03}
	k, err := Parse(Curve(0xFE), raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if k.Curve() != CurveUnknown {
		t.Fatalf("Curve() = %v, want CurveUnknown", k.Curve())
	}
	if !bytes.Equal(k.Bytes(), raw) {
		t.Fatal("opaque key did not preserve raw bytes")
	}
	if _, err := k.ECDH(); err != ErrOpaqueKey {
		t.Fatalf("ECDH() error = %v, want ErrOpaqueKey", err)
	}
}

func TestCurveMismatchRejected(t *testing.T) {
	a, err := Generate(CurveP256)
	if err != nil {
		t.Fatalf("Generate(a): %v", err)
	}
	b, err := Generate(CurveP384)
	if err != nil {
		t.Fatalf("Generate(b): %v", err)
	}
	if _, err := a.ECDH(b.PublicKey()); err == nil {
		t.Fatal("expected curve mismatch error, got nil")
	}
}

func TestEqualDistinguishesCurve(t *testing.T) {
	a, _ := Generate(CurveP256)
	pa := a.PublicKey()
	opaque, _ := Parse(CurveUnknown, pa.Bytes())
	if pa.Equal(opaque) {
		t.Fatal("keys with different curve tags compared equal")
	}
}
