package ebox

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/eboxcore/ebox/internal/eckey"
	"github.com/eboxcore/ebox/internal/sealedbox"
	"github.com/eboxcore/ebox/internal/secretbuf"
	"github.com/eboxcore/ebox/internal/shamir"
	"github.com/eboxcore/ebox/internal/wire"
	"github.com/eboxcore/ebox/internal/words"
)

// ChallengeType distinguishes a recovery challenge from an audit
// liveness check that never actually releases a share.
type ChallengeType uint8

const (
	// ChallengeRecovery asks a holder to reveal their recovery share.
	ChallengeRecovery ChallengeType = 1
	// ChallengeVerifyAudit asks a holder to prove presence without
	// revealing anything secret; the core treats it identically to
	// ChallengeRecovery at the wire/crypto layer and leaves the
	// distinction to the caller's policy.
	ChallengeVerifyAudit ChallengeType = 2
)

// ErrNoChallenge is returned by ProcessResponse when a response
// doesn't match any outstanding challenge.
var ErrNoChallenge = errors.New("ebox: no outstanding challenge for response")

// Challenge is a recovery request addressed to one part of a RECOVERY
// config: a nonce and human-readable word code for voice-channel
// verification, plus the ephemeral public key the holder's response
// must be sealed against.
type Challenge struct {
	ID              uint8
	Type            ChallengeType
	Description     string
	Hostname        string
	CreatedAt       int64
	Words           string
	Nonce           [16]byte
	EphemeralPubkey eckey.PublicKey
}

// Serialize renders c per §6.1: version, type, id, then tagged fields.
func (c *Challenge) Serialize() []byte {
	w := wire.NewWriter(128)
	w.WriteU8(challengeVersion)
	w.WriteU8(uint8(c.Type))
	w.WriteU8(c.ID)
	if c.Hostname != "" {
		w.WriteField(tagHostname, []byte(c.Hostname))
	}
	var createdAt [8]byte
	putU64(createdAt[:], uint64(c.CreatedAt))
	w.WriteField(tagCreatedAt, createdAt[:])
	if c.Description != "" {
		w.WriteField(tagDescription, []byte(c.Description))
	}
	w.WriteField(tagWords, []byte(c.Words))
	w.WriteField(tagNonce, c.Nonce[:])
	w.WriteField(tagKeybox, encodeECKey(c.EphemeralPubkey))
	w.WriteEnd()
	return w.Bytes()
}

// ParseChallenge parses a Challenge from its wire form.
func ParseChallenge(buf []byte) (*Challenge, error) {
	const op = "ebox.ParseChallenge"
	r := wire.NewReader(buf)

	version, err := r.ReadU8()
	if err != nil {
		return nil, wrapErr(op, KindInvalidFormat, err)
	}
	if version != challengeVersion {
		return nil, wrapErr(op, KindUnsupportedVersion, fmt.Errorf("challenge version %d", version))
	}
	typ, err := r.ReadU8()
	if err != nil {
		return nil, wrapErr(op, KindInvalidFormat, err)
	}
	id, err := r.ReadU8()
	if err != nil {
		return nil, wrapErr(op, KindInvalidFormat, err)
	}
	fields, err := r.ReadFields()
	if err != nil {
		return nil, wrapErr(op, KindInvalidFormat, err)
	}
	m := wire.LastByTag(fields)

	c := &Challenge{ID: id, Type: ChallengeType(typ)}
	if hostname, ok := m[tagHostname]; ok {
		c.Hostname = string(hostname)
	}
	if ts, ok := m[tagCreatedAt]; ok {
		if len(ts) != 8 {
			return nil, wrapErr(op, KindInvalidFormat, fmt.Errorf("created_at field must be 8 bytes"))
		}
		c.CreatedAt = int64(getU64(ts))
	}
	if desc, ok := m[tagDescription]; ok {
		c.Description = string(desc)
	}
	if wordsVal, ok := m[tagWords]; ok {
		c.Words = string(wordsVal)
	}
	nonce, ok := m[tagNonce]
	if !ok || len(nonce) != 16 {
		return nil, wrapErr(op, KindInvalidFormat, fmt.Errorf("%w: missing or malformed nonce", wire.ErrFieldMissing))
	}
	copy(c.Nonce[:], nonce)
	keybox, ok := m[tagKeybox]
	if !ok {
		return nil, wrapErr(op, KindInvalidFormat, fmt.Errorf("%w: missing keybox", wire.ErrFieldMissing))
	}
	ephPub, err := readECKey(keybox)
	if err != nil {
		return nil, wrapErr(op, KindInvalidFormat, err)
	}
	c.EphemeralPubkey = ephPub

	return c, nil
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
}

func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// sealedEnvelope is a detached, self-describing sealed box: unlike the
// sealed boxes embedded in an EboxPart (where the recipient is implied
// by context), an envelope crossing the wire on its own — a challenge
// outer wrapper or a challenge response — carries its recipient
// pubkey explicitly so the far end can look up which key to answer
// with, per §6.1's SealedBox wire format.
type sealedEnvelope struct {
	RecipientPubkey eckey.PublicKey
	Box             []byte
}

func (e sealedEnvelope) serialize() []byte {
	w := wire.NewWriter(len(e.Box) + 64)
	w.WriteU8(sealedBoxVersion)
	w.WriteBytes(encodeECKey(e.RecipientPubkey))
	w.WriteBytes(e.Box)
	return w.Bytes()
}

func parseSealedEnvelope(buf []byte) (sealedEnvelope, error) {
	r := wire.NewReader(buf)
	version, err := r.ReadU8()
	if err != nil {
		return sealedEnvelope{}, err
	}
	if version != sealedBoxVersion {
		return sealedEnvelope{}, fmt.Errorf("%w: envelope version %d", ErrUnsupportedVersion, version)
	}
	recipientRaw, err := r.ReadBytes()
	if err != nil {
		return sealedEnvelope{}, err
	}
	recipient, err := readECKey(recipientRaw)
	if err != nil {
		return sealedEnvelope{}, err
	}
	box, err := r.ReadBytes()
	if err != nil {
		return sealedEnvelope{}, err
	}
	return sealedEnvelope{RecipientPubkey: recipient, Box: box}, nil
}

// GenChallenge issues a recovery challenge for Configs[cfgIndex].Parts[partIndex],
// returning the Challenge record and the serialized outer envelope to
// hand to that part's holder. cfgIndex must name a RECOVERY config and
// the part must not already be fulfilled.
func (e *Ebox) GenChallenge(cfgIndex, partIndex int, typ ChallengeType, description, hostname string, createdAt int64) (*Challenge, []byte, error) {
	const op = "ebox.Ebox.GenChallenge"
	cfg, part, err := e.part(cfgIndex, partIndex)
	if err != nil {
		return nil, nil, wrapErr(op, KindInvalidArg, err)
	}
	if cfg.Type != ConfigRecovery {
		return nil, nil, wrapErr(op, KindInvalidArg, fmt.Errorf("config %d is not RECOVERY", cfgIndex))
	}
	if part.fulfilled {
		return nil, nil, wrapErr(op, KindAgain, fmt.Errorf("part already fulfilled"))
	}

	ephemeralPriv, err := eckey.Generate(part.TemplatePart.RecipientPubkey.Curve())
	if err != nil {
		return nil, nil, wrapErr(op, KindCrypto, err)
	}
	var nonce [16]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, nil, wrapErr(op, KindCrypto, err)
	}
	verifyWords, err := words.Verify4(nonce)
	if err != nil {
		return nil, nil, wrapErr(op, KindCrypto, err)
	}

	challenge := &Challenge{
		ID:              uint8(partIndex + 1),
		Type:            typ,
		Description:     description,
		Hostname:        hostname,
		CreatedAt:       createdAt,
		Words:           verifyWords,
		Nonce:           nonce,
		EphemeralPubkey: ephemeralPriv.PublicKey(),
	}

	outerBox, err := sealedbox.Seal(part.TemplatePart.RecipientPubkey, challenge.Serialize())
	if err != nil {
		return nil, nil, wrapErr(op, KindCrypto, err)
	}
	envelope := sealedEnvelope{RecipientPubkey: part.TemplatePart.RecipientPubkey, Box: outerBox}

	part.outstandingChallenge = challenge
	part.ephemeralPriv = ephemeralPriv

	e.logger().Info("challenge generated", slog.Int(logKeyConfig, cfgIndex), slog.Int(logKeyPart, partIndex), slog.Int(logKeyChallenge, int(challenge.ID)))
	e.metrics().challengeTotal.WithLabelValues("generate", "ok").Inc()
	return challenge, envelope.serialize(), nil
}

// OpenChallengeEnvelope is the holder-side operation that unseals an
// outer challenge envelope (produced by GenChallenge) using the
// holder's own provider, returning the enclosed Challenge.
func OpenChallengeEnvelope(ctx context.Context, provider sealedbox.Provider, envelopeBytes []byte) (*Challenge, error) {
	const op = "ebox.OpenChallengeEnvelope"
	envelope, err := parseSealedEnvelope(envelopeBytes)
	if err != nil {
		return nil, wrapErr(op, KindInvalidFormat, err)
	}
	plaintext, err := sealedbox.Unseal(ctx, provider, envelope.RecipientPubkey, envelope.Box)
	if err != nil {
		return nil, wrapErr(op, classifyUnsealErr(err), err)
	}
	challenge, err := ParseChallenge(plaintext)
	if err != nil {
		return nil, err
	}
	return challenge, nil
}

// RespondToChallenge is the holder-side operation that unseals their
// own copy of a part's sealed share (the same bytes as the
// corresponding EboxPart.SealedBox) and re-seals it to the requester's
// ephemeral public key carried in challenge, producing the response
// envelope to send back.
func RespondToChallenge(ctx context.Context, provider sealedbox.Provider, recipientPubkey eckey.PublicKey, shareSealedBox []byte, challenge *Challenge) ([]byte, error) {
	const op = "ebox.RespondToChallenge"
	share, err := sealedbox.Unseal(ctx, provider, recipientPubkey, shareSealedBox)
	if err != nil {
		return nil, wrapErr(op, classifyUnsealErr(err), err)
	}
	defer secretbuf.ZeroBytes(share)

	respBox, err := sealedbox.Seal(challenge.EphemeralPubkey, share)
	if err != nil {
		return nil, wrapErr(op, KindCrypto, err)
	}
	envelope := sealedEnvelope{RecipientPubkey: challenge.EphemeralPubkey, Box: respBox}
	return envelope.serialize(), nil
}

func classifyUnsealErr(err error) Kind {
	switch err {
	case sealedbox.ErrDecryptionFailed:
		return KindAuthFailed
	case sealedbox.ErrInvalidCiphertext:
		return KindInvalidFormat
	default:
		return KindCrypto
	}
}

// ProcessResponse intakes a response envelope produced by
// RespondToChallenge, matching it to the outstanding challenge whose
// ephemeral public key equals the envelope's recipient pubkey. On
// success the matched part's share is stored and the part is marked
// fulfilled.
func (e *Ebox) ProcessResponse(cfgIndex int, respboxBytes []byte) (int, error) {
	const op = "ebox.Ebox.ProcessResponse"
	if cfgIndex < 0 || cfgIndex >= len(e.Configs) {
		return -1, wrapErr(op, KindInvalidArg, fmt.Errorf("config index %d out of range", cfgIndex))
	}
	cfg := e.Configs[cfgIndex]
	if cfg.Type != ConfigRecovery {
		return -1, wrapErr(op, KindInvalidArg, fmt.Errorf("config %d is not RECOVERY", cfgIndex))
	}

	envelope, err := parseSealedEnvelope(respboxBytes)
	if err != nil {
		return -1, wrapErr(op, KindInvalidFormat, err)
	}

	partIndex := -1
	for i, p := range cfg.Parts {
		if (p.outstandingChallenge != nil || p.fulfilled) && p.ephemeralPriv.PublicKey().Equal(envelope.RecipientPubkey) {
			partIndex = i
			break
		}
	}
	if partIndex == -1 {
		return -1, wrapErr(op, KindInvalidState, ErrNoChallenge)
	}
	part := cfg.Parts[partIndex]
	if part.fulfilled {
		return -1, wrapErr(op, KindAgain, fmt.Errorf("part %d already fulfilled", partIndex))
	}

	provider := sealedbox.SoftwareProvider{Private: part.ephemeralPriv}
	share, err := sealedbox.Unseal(context.Background(), provider, envelope.RecipientPubkey, envelope.Box)
	if err != nil {
		kind := classifyUnsealErr(err)
		e.metrics().challengeTotal.WithLabelValues("respond", "error").Inc()
		return -1, wrapErr(op, kind, err)
	}

	part.plaintext = share
	part.unsealed = true
	part.fulfilled = true
	part.outstandingChallenge = nil

	e.logger().Info("challenge response processed", slog.Int(logKeyConfig, cfgIndex), slog.Int(logKeyPart, partIndex))
	e.metrics().challengeTotal.WithLabelValues("respond", "ok").Inc()
	return partIndex, nil
}

// Recover completes a RECOVERY config once at least Threshold parts
// have been fulfilled via ProcessResponse. It tries every
// Threshold-sized subset of the fulfilled parts in lexicographically
// increasing order of part index, combining shares and decrypting the
// config's recovery payload, and stops at the first subset that
// verifies. A corrupted share only poisons the subsets that include
// it: if enough other parts are fulfilled, a combination excluding the
// bad one still succeeds, including on a later call once a further
// ProcessResponse has supplied it.
func (e *Ebox) Recover(cfgIndex int) ([]byte, error) {
	const op = "ebox.Ebox.Recover"
	if e.recoveredKey != nil {
		return nil, wrapErr(op, KindInvalidState, ErrAlreadyUnlocked)
	}
	if cfgIndex < 0 || cfgIndex >= len(e.Configs) {
		return nil, wrapErr(op, KindInvalidArg, fmt.Errorf("config index %d out of range", cfgIndex))
	}
	cfg := e.Configs[cfgIndex]
	if cfg.Type != ConfigRecovery {
		return nil, wrapErr(op, KindInvalidArg, fmt.Errorf("config %d is not RECOVERY", cfgIndex))
	}

	var fulfilledIdx []int
	for i, p := range cfg.Parts {
		if p.fulfilled {
			fulfilledIdx = append(fulfilledIdx, i)
		}
	}
	if len(fulfilledIdx) < int(cfg.Threshold) {
		e.metrics().recoverTotal.WithLabelValues("insufficient").Inc()
		return nil, wrapErr(op, KindInsufficient,
			fmt.Errorf("have %d fulfilled parts, need %d", len(fulfilledIdx), cfg.Threshold))
	}
	sort.Ints(fulfilledIdx)

	aad := ecConfigHeaderAAD(cfg)
	k := int(cfg.Threshold)

	var lastErr error
	next := nextCombination(len(fulfilledIdx), k)
	for combo := next(); combo != nil; combo = next() {
		chosen := make([]int, k)
		for i, ci := range combo {
			chosen[i] = fulfilledIdx[ci]
		}

		key, token, err := tryCombine(cfg, chosen, aad)
		if err != nil {
			lastErr = err
			continue
		}

		e.recoveredKey = key
		if len(token) > 0 {
			e.recoveredToken = token
		}
		cfg.satisfied = true

		e.logger().Info("recovery succeeded", slog.Int(logKeyConfig, cfgIndex), slog.Any("parts", chosen))
		e.metrics().recoverTotal.WithLabelValues("ok").Inc()
		return e.recoveredKey, nil
	}

	e.metrics().recoverTotal.WithLabelValues("corrupt").Inc()
	return nil, wrapErr(op, KindCorrupt, fmt.Errorf("no combination of %d fulfilled parts verified: %w", len(fulfilledIdx), lastErr))
}

// tryCombine combines the shares held by cfg.Parts[chosen] and decrypts
// cfg's recovery payload under the result, returning the recovered key
// and optional token. It returns an error (never panics) on a bad
// share, a GF(2⁸) combine failure, or an AEAD authentication failure,
// so Recover can simply move on to the next candidate subset.
func tryCombine(cfg *EboxConfig, chosen []int, aad []byte) (key, token []byte, err error) {
	shares := make([]shamir.Share, len(chosen))
	for i, idx := range chosen {
		raw := cfg.Parts[idx].plaintext
		if len(raw) < 1 {
			return nil, nil, fmt.Errorf("part %d share is empty", idx)
		}
		shares[i] = shamir.Share{X: raw[0], Y: append([]byte(nil), raw[1:]...)}
	}

	rkBytes, err := shamir.Combine(shares, len(chosen))
	if err != nil {
		return nil, nil, err
	}
	rkBuf := secretbuf.FromBytes(rkBytes)
	defer rkBuf.Free()

	payload, err := aeadOpen(rkBuf.Bytes(), aad, cfg.RecoveryPayloadNonce, cfg.RecoveryPayloadCiphertext)
	if err != nil {
		return nil, nil, err
	}

	r := wire.NewReader(payload)
	key, err = r.ReadBytes()
	if err != nil {
		return nil, nil, err
	}
	token, err = r.ReadBytes()
	if err != nil {
		return nil, nil, err
	}
	return key, token, nil
}

// nextCombination returns a generator of successive k-subsets of
// {0,...,n-1}, each represented as the subset's indices in increasing
// order, themselves produced in lexicographic order. The generator
// returns nil once every subset has been produced. Each step advances
// the rightmost index that can still grow and resets the indices after
// it to consecutive values.
func nextCombination(n, k int) func() []int {
	if k < 0 || k > n {
		return func() []int { return nil }
	}
	if k == 0 {
		done := false
		return func() []int {
			if done {
				return nil
			}
			done = true
			return []int{}
		}
	}

	idx := make([]int, k)
	for i := range idx {
		idx[i] = i
	}
	first := true
	return func() []int {
		if first {
			first = false
			return append([]int(nil), idx...)
		}
		i := k - 1
		for i >= 0 && idx[i] == i+n-k {
			i--
		}
		if i < 0 {
			return nil
		}
		idx[i]++
		for j := i + 1; j < k; j++ {
			idx[j] = idx[j-1] + 1
		}
		return append([]int(nil), idx...)
	}
}

// ecConfigHeaderAAD mirrors configHeaderAAD for an already-sealed
// EboxConfig, whose type/part-count/threshold are the same three
// values that were bound into the recovery payload's AAD at Create
// time.
func ecConfigHeaderAAD(cfg *EboxConfig) []byte {
	return []byte{uint8(cfg.Type), uint8(len(cfg.Parts)), cfg.Threshold}
}
