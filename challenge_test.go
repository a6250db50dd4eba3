package ebox

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/eboxcore/ebox/internal/eckey"
	"github.com/eboxcore/ebox/internal/sealedbox"
)

type holder struct {
	priv eckey.PrivateKey
}

func newHolder(t *testing.T, curve eckey.Curve) (holder, eckey.PublicKey) {
	t.Helper()
	priv, err := eckey.Generate(curve)
	if err != nil {
		t.Fatalf("generate holder key: %v", err)
	}
	return holder{priv: priv}, priv.PublicKey()
}

func (h holder) provider() sealedbox.Provider {
	return sealedbox.SoftwareProvider{Private: h.priv}
}

func buildRecoveryEbox(t *testing.T, n, k int) (*Ebox, []holder, []byte) {
	t.Helper()
	tpl := NewTemplate()
	cfg, err := tpl.AllocConfig(ConfigRecovery)
	if err != nil {
		t.Fatalf("AllocConfig: %v", err)
	}
	holders := make([]holder, n)
	for i := 0; i < n; i++ {
		h, pub := newHolder(t, eckey.CurveP256)
		holders[i] = h
		if err := cfg.AddPart(TemplatePart{RecipientPubkey: pub}); err != nil {
			t.Fatalf("AddPart %d: %v", i, err)
		}
	}
	if err := cfg.SetThreshold(k); err != nil {
		t.Fatalf("SetThreshold: %v", err)
	}
	if err := tpl.AddConfig(cfg); err != nil {
		t.Fatalf("AddConfig: %v", err)
	}

	key := []byte("a master key of arbitrary length")
	e, err := Create(tpl, key, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return e, holders, key
}

func answerChallenge(t *testing.T, e *Ebox, holders []holder, cfgIndex, partIndex int) []byte {
	t.Helper()
	challenge, envelope, err := e.GenChallenge(cfgIndex, partIndex, ChallengeRecovery, "recovery test", "host.example", 1700000000)
	if err != nil {
		t.Fatalf("GenChallenge(%d): %v", partIndex, err)
	}
	h := holders[partIndex]
	opened, err := OpenChallengeEnvelope(context.Background(), h.provider(), envelope)
	if err != nil {
		t.Fatalf("OpenChallengeEnvelope(%d): %v", partIndex, err)
	}
	if opened.Words != challenge.Words {
		t.Fatalf("holder's view of words %q != issuer's %q", opened.Words, challenge.Words)
	}

	shareBox := e.Configs[cfgIndex].Parts[partIndex].SealedBox
	respbox, err := RespondToChallenge(context.Background(), h.provider(), h.priv.PublicKey(), shareBox, opened)
	if err != nil {
		t.Fatalf("RespondToChallenge(%d): %v", partIndex, err)
	}
	return respbox
}

func TestRecoveryHappyPath(t *testing.T) {
	e, holders, key := buildRecoveryEbox(t, 3, 2)

	for _, idx := range []int{0, 2} {
		respbox := answerChallenge(t, e, holders, 0, idx)
		if _, err := e.ProcessResponse(0, respbox); err != nil {
			t.Fatalf("ProcessResponse(%d): %v", idx, err)
		}
	}

	recovered, err := e.Recover(0)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if string(recovered) != string(key) {
		t.Fatalf("recovered key mismatch: got %q want %q", recovered, key)
	}
}

func TestRecoveryInsufficientThenRetry(t *testing.T) {
	e, holders, key := buildRecoveryEbox(t, 3, 2)

	respbox := answerChallenge(t, e, holders, 0, 1)
	if _, err := e.ProcessResponse(0, respbox); err != nil {
		t.Fatalf("ProcessResponse: %v", err)
	}

	if _, err := e.Recover(0); !Is(err, KindInsufficient) {
		t.Fatalf("Recover with 1/2 shares: got %v, want KindInsufficient", err)
	}

	respbox2 := answerChallenge(t, e, holders, 0, 2)
	if _, err := e.ProcessResponse(0, respbox2); err != nil {
		t.Fatalf("ProcessResponse second: %v", err)
	}

	recovered, err := e.Recover(0)
	if err != nil {
		t.Fatalf("Recover after second response: %v", err)
	}
	if string(recovered) != string(key) {
		t.Fatalf("recovered key mismatch")
	}
}

func TestRecoveryDeterministicLowestIndices(t *testing.T) {
	e, holders, key := buildRecoveryEbox(t, 4, 2)

	for _, idx := range []int{3, 1, 2} {
		respbox := answerChallenge(t, e, holders, 0, idx)
		if _, err := e.ProcessResponse(0, respbox); err != nil {
			t.Fatalf("ProcessResponse(%d): %v", idx, err)
		}
	}

	var logBuf bytes.Buffer
	e.SetLogger(NewLoggerWithWriter("info", "json", &logBuf))
	recovered, err := e.Recover(0)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if string(recovered) != string(key) {
		t.Fatalf("recovered key mismatch")
	}
	if !strings.Contains(logBuf.String(), `"parts":[1,2]`) {
		t.Fatalf("Recover did not combine the lowest-indexed parts [1,2]: %s", logBuf.String())
	}
}

func TestProcessResponseRejectsDuplicateFulfillment(t *testing.T) {
	e, holders, _ := buildRecoveryEbox(t, 3, 2)

	respbox := answerChallenge(t, e, holders, 0, 0)
	if _, err := e.ProcessResponse(0, respbox); err != nil {
		t.Fatalf("first ProcessResponse: %v", err)
	}
	if _, err := e.ProcessResponse(0, respbox); !Is(err, KindAgain) {
		t.Fatalf("duplicate ProcessResponse: got %v, want KindAgain", err)
	}
}

func TestGenChallengeRejectsAlreadyFulfilledPart(t *testing.T) {
	e, holders, _ := buildRecoveryEbox(t, 3, 2)

	respbox := answerChallenge(t, e, holders, 0, 0)
	if _, err := e.ProcessResponse(0, respbox); err != nil {
		t.Fatalf("ProcessResponse: %v", err)
	}
	if _, _, err := e.GenChallenge(0, 0, ChallengeRecovery, "again", "host", 1); !Is(err, KindAgain) {
		t.Fatalf("GenChallenge on fulfilled part: got %v, want KindAgain", err)
	}
}

func TestProcessResponseNoMatchingChallenge(t *testing.T) {
	e, _, _ := buildRecoveryEbox(t, 3, 2)
	unrelated, _ := newHolder(t, eckey.CurveP256)

	box, err := sealedbox.Seal(unrelated.priv.PublicKey(), []byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	envelope := sealedEnvelope{RecipientPubkey: unrelated.priv.PublicKey(), Box: box}
	if _, err := e.ProcessResponse(0, envelope.serialize()); !Is(err, KindInvalidState) {
		t.Fatalf("ProcessResponse with no matching challenge: got %v, want KindInvalidState", err)
	}
}

func TestRecoverCorruptShareFails(t *testing.T) {
	e, holders, key := buildRecoveryEbox(t, 3, 2)

	for _, idx := range []int{0, 1} {
		respbox := answerChallenge(t, e, holders, 0, idx)
		if _, err := e.ProcessResponse(0, respbox); err != nil {
			t.Fatalf("ProcessResponse(%d): %v", idx, err)
		}
	}

	// Corrupt one recovered share's y-coordinate bytes in place.
	e.Configs[0].Parts[0].plaintext[1] ^= 0xFF

	if _, err := e.Recover(0); !Is(err, KindCorrupt) {
		t.Fatalf("Recover with only the corrupted combination available: got %v, want KindCorrupt", err)
	}

	// A third, valid responder makes {part 1, part 2} available, which
	// doesn't include the corrupted part 0 share — recover must retry
	// combinations rather than keep re-selecting {0,1} forever.
	respbox3 := answerChallenge(t, e, holders, 0, 2)
	if _, err := e.ProcessResponse(0, respbox3); err != nil {
		t.Fatalf("ProcessResponse(2): %v", err)
	}

	recovered, err := e.Recover(0)
	if err != nil {
		t.Fatalf("Recover after third response: %v", err)
	}
	if string(recovered) != string(key) {
		t.Fatalf("recovered key mismatch: got %q want %q", recovered, key)
	}
}

func TestChallengeSerializeRoundtrip(t *testing.T) {
	_, pub := newHolder(t, eckey.CurveP256)
	c := &Challenge{
		ID:              3,
		Type:            ChallengeRecovery,
		Description:     "quarterly audit",
		Hostname:        "vault-01",
		CreatedAt:       1700000000,
		Words:           "lodok-tukan",
		EphemeralPubkey: pub,
	}
	copy(c.Nonce[:], []byte("0123456789abcdef"))

	buf := c.Serialize()
	parsed, err := ParseChallenge(buf)
	if err != nil {
		t.Fatalf("ParseChallenge: %v", err)
	}
	if parsed.ID != c.ID || parsed.Type != c.Type || parsed.Description != c.Description ||
		parsed.Hostname != c.Hostname || parsed.CreatedAt != c.CreatedAt || parsed.Words != c.Words {
		t.Fatalf("roundtrip mismatch: got %+v, want %+v", parsed, c)
	}
	if parsed.Nonce != c.Nonce {
		t.Fatalf("nonce mismatch")
	}
	if !parsed.EphemeralPubkey.Equal(c.EphemeralPubkey) {
		t.Fatalf("ephemeral pubkey mismatch")
	}
}
