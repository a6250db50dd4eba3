package ebox

import (
	"fmt"

	"github.com/eboxcore/ebox/internal/eckey"
)

// Template wire constants (spec §6.1).
const (
	templateMagic0 = 0xEB
	templateMagic1 = 0xDA
	templateVersion = 1

	eboxMagic0 = 0xEB
	eboxMagic1 = 0x0C
	eboxVersion = 2

	challengeVersion = 1

	sealedBoxVersion = 1
)

// TemplatePart / EboxPart field tags (shared numbering, spec §6.1).
const (
	tagPubkey       uint8 = 1
	tagName         uint8 = 2
	tagCardAuthKey  uint8 = 3
	tagGUID         uint8 = 4
	tagSlotID       uint8 = 5
	tagSealedBox    uint8 = 5 // EboxPart reuses tag 5 for its sealed box, per spec §6.1
)

// Challenge field tags (spec §6.1).
const (
	tagHostname    uint8 = 1
	tagCreatedAt   uint8 = 2
	tagDescription uint8 = 3
	tagWords       uint8 = 4
	tagNonce       uint8 = 5
	tagKeybox      uint8 = 6
)

// ConfigType distinguishes a PRIMARY (single-holder) config from a
// RECOVERY (k-of-n) config. Recovery-only fields (threshold, sealed
// recovery payload) live only on configs tagged Recovery, per the
// tagged-variant design note in the specification this module follows.
type ConfigType uint8

const (
	// ConfigPrimary configs have exactly one part and threshold 1: the
	// master key is sealed directly to that part.
	ConfigPrimary ConfigType = 1
	// ConfigRecovery configs split an intermediate recovery key into
	// Shamir shares across their parts, k of which reconstruct it.
	ConfigRecovery ConfigType = 2
)

func (t ConfigType) String() string {
	switch t {
	case ConfigPrimary:
		return "PRIMARY"
	case ConfigRecovery:
		return "RECOVERY"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// encodeECKey renders k as a curve-tag byte followed by its raw point
// encoding, the value half of a (tag, len, value) field.
func encodeECKey(k eckey.PublicKey) []byte {
	raw := k.Bytes()
	buf := make([]byte, 0, 1+len(raw))
	buf = append(buf, uint8(k.Curve()))
	buf = append(buf, raw...)
	return buf
}

func readECKey(buf []byte) (eckey.PublicKey, error) {
	if len(buf) < 1 {
		return eckey.PublicKey{}, wrapErr("ebox.readECKey", KindInvalidFormat,
			fmt.Errorf("empty ec_pubkey field"))
	}
	curve := eckey.Curve(buf[0])
	key, err := eckey.Parse(curve, buf[1:])
	if err != nil {
		return eckey.PublicKey{}, wrapErr("ebox.readECKey", KindInvalidFormat, err)
	}
	return key, nil
}
