package ebox

import (
	"context"
	"testing"

	"github.com/eboxcore/ebox/internal/eckey"
	"github.com/eboxcore/ebox/internal/sealedbox"
)

func TestUnsealPartTwiceFails(t *testing.T) {
	tpl, priv := buildPrimaryTemplate(t, eckey.CurveP256)
	e, err := Create(tpl, []byte("a master key of sufficient size"), nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	provider := sealedbox.SoftwareProvider{Private: priv}
	if err := e.UnsealPart(context.Background(), 0, 0, provider); err != nil {
		t.Fatalf("first UnsealPart: %v", err)
	}
	if err := e.UnsealPart(context.Background(), 0, 0, provider); !Is(err, KindAgain) {
		t.Fatalf("second UnsealPart: got %v, want KindAgain", err)
	}
}

func TestUnsealPartRejectsOutOfRangeIndices(t *testing.T) {
	tpl, priv := buildPrimaryTemplate(t, eckey.CurveP256)
	e, err := Create(tpl, []byte("a master key of sufficient size"), nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	provider := sealedbox.SoftwareProvider{Private: priv}
	if err := e.UnsealPart(context.Background(), 5, 0, provider); !Is(err, KindInvalidArg) {
		t.Fatalf("bad config index: got %v, want KindInvalidArg", err)
	}
	if err := e.UnsealPart(context.Background(), 0, 5, provider); !Is(err, KindInvalidArg) {
		t.Fatalf("bad part index: got %v, want KindInvalidArg", err)
	}
}

func TestUnlockRejectsNonPrimaryConfig(t *testing.T) {
	tpl := NewTemplate()
	cfg, _ := tpl.AllocConfig(ConfigRecovery)
	cfg.AddPart(TemplatePart{RecipientPubkey: genPubkey(t, eckey.CurveP256)})
	cfg.AddPart(TemplatePart{RecipientPubkey: genPubkey(t, eckey.CurveP256)})
	cfg.SetThreshold(1)
	tpl.AddConfig(cfg)

	e, err := Create(tpl, []byte("a master key of sufficient size"), nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e.Unlock(0); !Is(err, KindInvalidArg) {
		t.Fatalf("Unlock on RECOVERY config: got %v, want KindInvalidArg", err)
	}
}

func TestUnlockRejectsOutOfRangeConfig(t *testing.T) {
	tpl, _ := buildPrimaryTemplate(t, eckey.CurveP256)
	e, err := Create(tpl, []byte("a master key of sufficient size"), nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e.Unlock(3); !Is(err, KindInvalidArg) {
		t.Fatalf("Unlock with bad config index: got %v, want KindInvalidArg", err)
	}
}
