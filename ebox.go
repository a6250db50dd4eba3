package ebox

import (
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/sync/errgroup"

	"github.com/eboxcore/ebox/internal/eckey"
	"github.com/eboxcore/ebox/internal/recovery"
	"github.com/eboxcore/ebox/internal/sealedbox"
	"github.com/eboxcore/ebox/internal/secretbuf"
	"github.com/eboxcore/ebox/internal/shamir"
	"github.com/eboxcore/ebox/internal/wire"
)

// recoveryKeySize is the length in bytes of the intermediate recovery
// key generated per RECOVERY config.
const recoveryKeySize = 32

// EboxPart is a sealed instantiation of a TemplatePart: the
// recipient's identifying metadata (snapshotted from the template)
// plus the sealed box addressed to that recipient. For a PRIMARY
// config the sealed box wraps the master key directly; for a RECOVERY
// config it wraps one Shamir share (x-coordinate prefixed) of the
// config's recovery key.
type EboxPart struct {
	TemplatePart TemplatePart
	SealedBox    []byte

	// plaintext and unsealed are runtime-only: populated by UnsealPart
	// once an external oracle has answered the ECDH for this part, or
	// by ProcessResponse once a remote holder has answered a
	// challenge. Neither is ever serialized; both are reset by Clone.
	plaintext []byte
	unsealed  bool

	// outstandingChallenge, ephemeralPriv and fulfilled track an
	// in-flight GenChallenge/ProcessResponse exchange for this part.
	// Also runtime-only.
	outstandingChallenge *Challenge
	ephemeralPriv        eckey.PrivateKey
	fulfilled            bool
}

// Unsealed reports whether this part's sealed box has been opened in
// the current unlock/recover attempt.
func (p *EboxPart) Unsealed() bool { return p.unsealed }

// EboxConfig is a sealed instantiation of a TemplateConfig.
type EboxConfig struct {
	Type      ConfigType
	Threshold uint8
	Parts     []*EboxPart

	// RecoveryPayloadNonce and RecoveryPayloadCiphertext hold the
	// AEAD(rk, aad=header, key||token) payload for a RECOVERY config.
	// Both are nil for a PRIMARY config.
	RecoveryPayloadNonce      []byte
	RecoveryPayloadCiphertext []byte

	// satisfied is runtime-only: true once enough parts are unsealed
	// (primary) or enough shares combined and the payload verified
	// (recovery) to have produced a key for this config.
	satisfied bool
}

// Satisfied reports whether this config's share of the master key has
// been recovered in the current unlock/recover attempt.
func (c *EboxConfig) Satisfied() bool { return c.satisfied }

// Ebox is a sealed key-escrow container: a master key split and
// encrypted per the policy described by its embedded Template
// snapshot. The embedded template is independent of whatever Template
// value was used to create it; mutating the original afterward has no
// effect on the Ebox.
type Ebox struct {
	Version  uint8
	Template *Template
	Configs  []*EboxConfig

	// recoveredKey and recoveredToken are set only after a successful
	// Unlock or Recover call.
	recoveredKey   []byte
	recoveredToken []byte

	log *slog.Logger
	met *Metrics
}

// Create seals key (and optionally token) under tpl: every PRIMARY
// config's sole part gets key sealed to it directly; every RECOVERY
// config gets a fresh recovery key whose Shamir shares are sealed to
// its parts, with key||token itself AEAD-encrypted under that recovery
// key. tpl is deep-cloned; later mutation of tpl does not affect the
// returned Ebox.
func Create(tpl *Template, key []byte, token []byte) (*Ebox, error) {
	const op = "ebox.Create"
	if len(key) == 0 {
		return nil, wrapErr(op, KindInvalidArg, fmt.Errorf("key must not be empty"))
	}

	snapshot := tpl.Clone()
	e := &Ebox{Version: eboxVersion, Template: snapshot}

	for _, cfg := range snapshot.Configs {
		switch cfg.Type {
		case ConfigPrimary:
			ec, err := sealPrimaryConfig(cfg, key)
			if err != nil {
				return nil, err
			}
			e.Configs = append(e.Configs, ec)
		case ConfigRecovery:
			ec, err := sealRecoveryConfig(cfg, key, token)
			if err != nil {
				return nil, err
			}
			e.Configs = append(e.Configs, ec)
		default:
			return nil, wrapErr(op, KindInvalidArg, fmt.Errorf("unknown config type %d", cfg.Type))
		}
	}
	return e, nil
}

func sealPrimaryConfig(cfg *TemplateConfig, key []byte) (*EboxConfig, error) {
	const op = "ebox.Create"
	part := cfg.Parts[0]
	if part.RecipientPubkey.IsZero() {
		return nil, wrapErr(op, KindNoKey, fmt.Errorf("primary part has no recipient pubkey"))
	}
	sealed, err := sealedbox.Seal(part.RecipientPubkey, key)
	if err != nil {
		return nil, wrapErr(op, KindCrypto, err)
	}
	return &EboxConfig{
		Type:      ConfigPrimary,
		Threshold: cfg.Threshold,
		Parts:     []*EboxPart{{TemplatePart: part, SealedBox: sealed}},
	}, nil
}

func sealRecoveryConfig(cfg *TemplateConfig, key, token []byte) (*EboxConfig, error) {
	const op = "ebox.Create"
	for _, part := range cfg.Parts {
		if part.RecipientPubkey.IsZero() {
			return nil, wrapErr(op, KindNoKey, fmt.Errorf("recovery part has no recipient pubkey"))
		}
	}

	rkBuf := secretbuf.Alloc(recoveryKeySize)
	defer rkBuf.Free()
	if _, err := io.ReadFull(rand.Reader, rkBuf.Bytes()); err != nil {
		return nil, wrapErr(op, KindCrypto, err)
	}

	payload := wire.NewWriter(len(key) + len(token) + 8)
	payload.WriteBytes(key)
	payload.WriteBytes(token)

	aad := configHeaderAAD(cfg)
	nonce, ciphertext, err := aeadSeal(rkBuf.Bytes(), aad, payload.Bytes())
	if err != nil {
		return nil, wrapErr(op, KindCrypto, err)
	}

	shares, err := shamir.Split(rkBuf.Bytes(), len(cfg.Parts), int(cfg.Threshold))
	if err != nil {
		return nil, wrapErr(op, KindInvalidArg, err)
	}

	ec := &EboxConfig{
		Type:                      ConfigRecovery,
		Threshold:                 cfg.Threshold,
		RecoveryPayloadNonce:      nonce,
		RecoveryPayloadCiphertext: ciphertext,
	}
	ec.Parts, err = sealShares(cfg.Parts, shares)
	if err != nil {
		return nil, wrapErr(op, KindCrypto, err)
	}
	return ec, nil
}

// sealShares seals each of shares[i] under cfg.Parts[i]'s recipient
// pubkey concurrently, one goroutine per part. Every goroutine only
// ever touches its own index of the result slice, so this is safe
// despite the per-object single-threading rule elsewhere in the
// package: the EboxConfig being built here isn't yet reachable from
// any caller.
func sealShares(parts []TemplatePart, shares []shamir.Share) ([]*EboxPart, error) {
	out := make([]*EboxPart, len(parts))
	g := new(errgroup.Group)
	for i, part := range parts {
		i, part := i, part
		g.Go(func() (sealErr error) {
			defer recovery.RecoverWithCallback(NopLogger(), "ebox.sealShares", func(r any) {
				sealErr = fmt.Errorf("panic sealing share %d: %v", i, r)
			})
			shareBytes := append([]byte{shares[i].X}, shares[i].Y...)
			sealed, err := sealedbox.Seal(part.RecipientPubkey, shareBytes)
			secretbuf.ZeroBytes(shareBytes)
			if err != nil {
				return err
			}
			out[i] = &EboxPart{TemplatePart: part, SealedBox: sealed}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// configHeaderAAD renders the portion of a config's wire header that
// exists before any recovery payload is computed (type, part count,
// threshold), binding the AEAD to this config's shape so a payload
// cannot be replayed onto a config with a different policy.
func configHeaderAAD(cfg *TemplateConfig) []byte {
	return []byte{uint8(cfg.Type), uint8(len(cfg.Parts)), cfg.Threshold}
}

func aeadSeal(key, aad, plaintext []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, err
	}
	n := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, n); err != nil {
		return nil, nil, err
	}
	ct := aead.Seal(nil, n, plaintext, aad)
	return n, ct, nil
}

func aeadOpen(key, aad, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, aad)
}

// Key returns the recovered master key after a successful Unlock or
// Recover call, or nil if the ebox has not yet been unlocked.
func (e *Ebox) Key() []byte { return e.recoveredKey }

// Token returns the recovered optional token, if one was present when
// the ebox was created and a RECOVERY config has been used to recover
// it. Returns nil if unset or if the ebox was unlocked via a PRIMARY
// config (which never carries a token).
func (e *Ebox) Token() []byte { return e.recoveredToken }

// Clone returns a deep copy of e, including its embedded template, but
// resets all runtime unlock/recover state (no part is unsealed, no
// config is satisfied, no key is recovered) — matching the "decrypt
// state resets on clone" lifecycle rule.
func (e *Ebox) Clone() *Ebox {
	out := &Ebox{Version: e.Version, Template: e.Template.Clone(), log: e.log, met: e.met}
	for _, cfg := range e.Configs {
		nc := &EboxConfig{
			Type:      cfg.Type,
			Threshold: cfg.Threshold,
		}
		if cfg.RecoveryPayloadNonce != nil {
			nc.RecoveryPayloadNonce = append([]byte(nil), cfg.RecoveryPayloadNonce...)
			nc.RecoveryPayloadCiphertext = append([]byte(nil), cfg.RecoveryPayloadCiphertext...)
		}
		for _, p := range cfg.Parts {
			nc.Parts = append(nc.Parts, &EboxPart{
				TemplatePart: p.TemplatePart.clone(),
				SealedBox:    append([]byte(nil), p.SealedBox...),
			})
		}
		out.Configs = append(out.Configs, nc)
	}
	return out
}

// Serialize renders e in the wire format described in §6.1.
func (e *Ebox) Serialize() []byte {
	w := wire.NewWriter(512)
	w.WriteU8(eboxMagic0)
	w.WriteU8(eboxMagic1)
	w.WriteU8(e.Version)
	w.WriteU8(uint8(len(e.Configs)))
	for _, cfg := range e.Configs {
		writeEboxConfig(w, cfg)
	}
	return w.Bytes()
}

func writeEboxConfig(w *wire.Writer, cfg *EboxConfig) {
	w.WriteU8(uint8(cfg.Type))
	w.WriteU8(uint8(len(cfg.Parts)))
	w.WriteU8(cfg.Threshold)
	if cfg.Type == ConfigRecovery {
		w.WriteBytes(cfg.RecoveryPayloadNonce)
		w.WriteBytes(cfg.RecoveryPayloadCiphertext)
	}
	for _, p := range cfg.Parts {
		writeEboxPart(w, p)
	}
}

func writeEboxPart(w *wire.Writer, p *EboxPart) {
	w.WriteField(tagPubkey, encodeECKey(p.TemplatePart.RecipientPubkey))
	if p.TemplatePart.Name != "" {
		w.WriteField(tagName, []byte(p.TemplatePart.Name))
	}
	if !p.TemplatePart.CardAuthPubkey.IsZero() {
		w.WriteField(tagCardAuthKey, encodeECKey(p.TemplatePart.CardAuthPubkey))
	}
	if !p.TemplatePart.GUID.IsZero() {
		w.WriteField(tagGUID, p.TemplatePart.GUID.Bytes())
	}
	w.WriteField(tagSealedBox, p.SealedBox)
	w.WriteEnd()
}

// ParseEbox parses an Ebox from its wire form, as produced by
// Serialize.
func ParseEbox(buf []byte) (*Ebox, error) {
	const op = "ebox.ParseEbox"
	r := wire.NewReader(buf)

	m0, err := r.ReadU8()
	if err != nil {
		return nil, wrapErr(op, KindInvalidFormat, err)
	}
	m1, err := r.ReadU8()
	if err != nil {
		return nil, wrapErr(op, KindInvalidFormat, err)
	}
	if m0 != eboxMagic0 || m1 != eboxMagic1 {
		return nil, wrapErr(op, KindInvalidFormat, fmt.Errorf("bad magic %02x%02x", m0, m1))
	}
	version, err := r.ReadU8()
	if err != nil {
		return nil, wrapErr(op, KindInvalidFormat, err)
	}
	if version != eboxVersion {
		return nil, wrapErr(op, KindUnsupportedVersion, fmt.Errorf("ebox version %d", version))
	}
	nconfigs, err := r.ReadU8()
	if err != nil {
		return nil, wrapErr(op, KindInvalidFormat, err)
	}

	e := &Ebox{Version: version}
	tpl := &Template{Version: templateVersion}
	for i := uint8(0); i < nconfigs; i++ {
		cfg, tcfg, err := readEboxConfig(r)
		if err != nil {
			return nil, wrapErr(op, KindInvalidFormat, err)
		}
		e.Configs = append(e.Configs, cfg)
		tpl.Configs = append(tpl.Configs, tcfg)
	}
	e.Template = tpl
	return e, nil
}

func readEboxConfig(r *wire.Reader) (*EboxConfig, *TemplateConfig, error) {
	typ, err := r.ReadU8()
	if err != nil {
		return nil, nil, err
	}
	nparts, err := r.ReadU8()
	if err != nil {
		return nil, nil, err
	}
	threshold, err := r.ReadU8()
	if err != nil {
		return nil, nil, err
	}

	cfg := &EboxConfig{Type: ConfigType(typ), Threshold: threshold}
	tcfg := &TemplateConfig{Type: ConfigType(typ), Threshold: threshold}

	if ConfigType(typ) == ConfigRecovery {
		nonce, err := r.ReadBytes()
		if err != nil {
			return nil, nil, fmt.Errorf("recovery payload nonce: %w", err)
		}
		ciphertext, err := r.ReadBytes()
		if err != nil {
			return nil, nil, fmt.Errorf("recovery payload ciphertext: %w", err)
		}
		cfg.RecoveryPayloadNonce = nonce
		cfg.RecoveryPayloadCiphertext = ciphertext
	}

	for i := uint8(0); i < nparts; i++ {
		part, sealed, err := readEboxPart(r)
		if err != nil {
			return nil, nil, err
		}
		cfg.Parts = append(cfg.Parts, &EboxPart{TemplatePart: part, SealedBox: sealed})
		tcfg.Parts = append(tcfg.Parts, part)
	}
	return cfg, tcfg, nil
}

func readEboxPart(r *wire.Reader) (TemplatePart, []byte, error) {
	fields, err := r.ReadFields()
	if err != nil {
		return TemplatePart{}, nil, err
	}
	m := wire.LastByTag(fields)

	pubkeyRaw, ok := m[tagPubkey]
	if !ok {
		return TemplatePart{}, nil, fmt.Errorf("%w: ebox part missing pubkey", wire.ErrFieldMissing)
	}
	pubkey, err := readECKey(pubkeyRaw)
	if err != nil {
		return TemplatePart{}, nil, err
	}

	part := TemplatePart{RecipientPubkey: pubkey}
	if name, ok := m[tagName]; ok {
		part.Name = string(name)
	}
	if cak, ok := m[tagCardAuthKey]; ok {
		key, err := readECKey(cak)
		if err != nil {
			return TemplatePart{}, nil, err
		}
		part.CardAuthPubkey = key
	}
	if guid, ok := m[tagGUID]; ok {
		g, err := PartGUIDFromBytes(guid)
		if err != nil {
			return TemplatePart{}, nil, err
		}
		part.GUID = g
	}
	sealed, ok := m[tagSealedBox]
	if !ok {
		return TemplatePart{}, nil, fmt.Errorf("%w: ebox part missing sealed_box", wire.ErrFieldMissing)
	}
	return part, sealed, nil
}
