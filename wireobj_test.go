package ebox

import (
	"testing"

	"github.com/eboxcore/ebox/internal/eckey"
)

func TestConfigTypeString(t *testing.T) {
	if ConfigPrimary.String() != "PRIMARY" {
		t.Fatalf("ConfigPrimary.String() = %q", ConfigPrimary.String())
	}
	if ConfigRecovery.String() != "RECOVERY" {
		t.Fatalf("ConfigRecovery.String() = %q", ConfigRecovery.String())
	}
	if ConfigType(99).String() != "unknown(99)" {
		t.Fatalf("ConfigType(99).String() = %q", ConfigType(99).String())
	}
}

func TestEncodeReadECKeyRoundtrip(t *testing.T) {
	for _, curve := range []eckey.Curve{eckey.CurveP256, eckey.CurveP384} {
		priv, err := eckey.Generate(curve)
		if err != nil {
			t.Fatalf("eckey.Generate(%s): %v", curve, err)
		}
		pub := priv.PublicKey()

		encoded := encodeECKey(pub)
		decoded, err := readECKey(encoded)
		if err != nil {
			t.Fatalf("readECKey(%s): %v", curve, err)
		}
		if !decoded.Equal(pub) {
			t.Fatalf("roundtrip mismatch for %s", curve)
		}
	}
}

func TestReadECKeyRejectsEmptyField(t *testing.T) {
	if _, err := readECKey(nil); !Is(err, KindInvalidFormat) {
		t.Fatalf("empty field: got %v, want KindInvalidFormat", err)
	}
}
