package ebox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/eboxcore/ebox/internal/sealedbox"
)

// ErrAlreadyUnlocked is returned by Unlock/Recover when the ebox
// already holds a recovered key.
var ErrAlreadyUnlocked = errors.New("ebox: already unlocked")

// UnsealPart unseals the sealed box of Configs[cfgIndex].Parts[partIndex]
// using provider, and stores the resulting plaintext on that part for
// a subsequent Unlock or Recover call to consume. For a PRIMARY
// config's part the plaintext is the master key itself; for a
// RECOVERY config's part it is an x-coordinate-prefixed Shamir share.
//
// provider is consulted directly (no challenge/response envelope):
// this is the path for a hardware token attached to the same machine
// performing the unlock, as opposed to a remote holder reached via
// GenChallenge/ProcessResponse.
func (e *Ebox) UnsealPart(ctx context.Context, cfgIndex, partIndex int, provider sealedbox.Provider) error {
	const op = "ebox.Ebox.UnsealPart"
	m := e.metrics()
	_, part, err := e.part(cfgIndex, partIndex)
	if err != nil {
		return wrapErr(op, KindInvalidArg, err)
	}
	if part.unsealed {
		return wrapErr(op, KindAgain, fmt.Errorf("part already unsealed"))
	}

	plaintext, err := sealedbox.Unseal(ctx, provider, part.TemplatePart.RecipientPubkey, part.SealedBox)
	if err != nil {
		kind := KindCrypto
		switch err {
		case sealedbox.ErrDecryptionFailed:
			kind = KindAuthFailed
		case sealedbox.ErrInvalidCiphertext:
			kind = KindInvalidFormat
		}
		m.unsealTotal.WithLabelValues("error").Inc()
		e.logger().Warn("part unseal failed", slog.Int("config", cfgIndex), slog.Int("part", partIndex), slog.String("kind", kind.String()))
		return wrapErr(op, kind, err)
	}

	part.plaintext = plaintext
	part.unsealed = true
	m.unsealTotal.WithLabelValues("ok").Inc()
	return nil
}

func (e *Ebox) part(cfgIndex, partIndex int) (*EboxConfig, *EboxPart, error) {
	if cfgIndex < 0 || cfgIndex >= len(e.Configs) {
		return nil, nil, fmt.Errorf("config index %d out of range", cfgIndex)
	}
	cfg := e.Configs[cfgIndex]
	if partIndex < 0 || partIndex >= len(cfg.Parts) {
		return nil, nil, fmt.Errorf("part index %d out of range", partIndex)
	}
	return cfg, cfg.Parts[partIndex], nil
}

// Unlock completes a PRIMARY config: at least one of its parts must
// already be unsealed via UnsealPart. It stores the recovered key on
// the ebox and marks the config satisfied.
func (e *Ebox) Unlock(cfgIndex int) ([]byte, error) {
	const op = "ebox.Ebox.Unlock"
	if e.recoveredKey != nil {
		return nil, wrapErr(op, KindInvalidState, ErrAlreadyUnlocked)
	}
	if cfgIndex < 0 || cfgIndex >= len(e.Configs) {
		return nil, wrapErr(op, KindInvalidArg, fmt.Errorf("config index %d out of range", cfgIndex))
	}
	cfg := e.Configs[cfgIndex]
	if cfg.Type != ConfigPrimary {
		return nil, wrapErr(op, KindInvalidArg, fmt.Errorf("config %d is not PRIMARY", cfgIndex))
	}

	var unsealedPart *EboxPart
	for _, p := range cfg.Parts {
		if p.unsealed {
			unsealedPart = p
			break
		}
	}
	if unsealedPart == nil {
		return nil, wrapErr(op, KindInvalidState, fmt.Errorf("no part of config %d has been unsealed", cfgIndex))
	}
	if len(unsealedPart.plaintext) == 0 {
		return nil, wrapErr(op, KindInvalidState, fmt.Errorf("unsealed part carried an empty key"))
	}

	e.recoveredKey = unsealedPart.plaintext
	cfg.satisfied = true
	e.logger().Info("primary unlock succeeded", slog.Int("config", cfgIndex))
	e.metrics().unlockTotal.WithLabelValues("ok").Inc()
	return e.recoveredKey, nil
}
