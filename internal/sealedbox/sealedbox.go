// Package sealedbox implements anonymous-sender sealed-box encryption:
// a sender with only a recipient's public key can seal a message that
// only the holder of the matching private key can open. It generalizes
// the fixed-X25519 construction to any curve internal/eckey supports,
// because the private key half may live inside a hardware token that
// only exposes an ECDH oracle rather than raw scalar access.
package sealedbox

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/eboxcore/ebox/internal/eckey"
	"github.com/eboxcore/ebox/internal/secretbuf"
)

const (
	nonceSize = chacha20poly1305.NonceSize
	keySize   = chacha20poly1305.KeySize
	tagSize   = 16

	hkdfInfo = "ebox-sealedbox-v1"
)

var (
	// ErrInvalidCiphertext is returned when a sealed box is too short or
	// its length fields don't fit the remaining input.
	ErrInvalidCiphertext = errors.New("sealedbox: invalid ciphertext")

	// ErrDecryptionFailed is returned when AEAD authentication fails,
	// whether because of corruption or because the wrong private key
	// (oracle) was used to unseal.
	ErrDecryptionFailed = errors.New("sealedbox: decryption failed")
)

// Provider is the capability a holder of a private key exposes to
// unseal a box: compute the ECDH shared secret between its own
// (possibly hardware-resident) private key for recipient and the
// sender's ephemeral public key. It never sees the private scalar.
type Provider interface {
	ECDH(ctx context.Context, recipient eckey.PublicKey, ephemeral eckey.PublicKey) ([]byte, error)
}

// SoftwareProvider implements Provider with an in-process private key,
// for tests and for callers that hold key material directly rather
// than through a hardware token.
type SoftwareProvider struct {
	Private eckey.PrivateKey
}

// ECDH implements Provider.
func (p SoftwareProvider) ECDH(_ context.Context, _ eckey.PublicKey, ephemeral eckey.PublicKey) ([]byte, error) {
	return p.Private.ECDH(ephemeral)
}

// Seal encrypts plaintext so that only the Provider holding
// recipient's matching private key can open it. A fresh ephemeral
// keypair on recipient's curve is generated per call, so sealing the
// same plaintext twice yields different ciphertexts.
func Seal(recipient eckey.PublicKey, plaintext []byte) ([]byte, error) {
	ephemeralPriv, err := eckey.Generate(recipient.Curve())
	if err != nil {
		return nil, fmt.Errorf("sealedbox: generate ephemeral key: %w", err)
	}
	ephemeralPub := ephemeralPriv.PublicKey()

	shared, err := ephemeralPriv.ECDH(recipient)
	if err != nil {
		return nil, fmt.Errorf("sealedbox: ecdh: %w", err)
	}
	sharedBuf := secretbuf.FromBytes(shared)
	defer sharedBuf.Free()

	symKeyBuf := secretbuf.Alloc(keySize)
	defer symKeyBuf.Free()
	if err := deriveKey(sharedBuf.Bytes(), ephemeralPub, recipient, symKeyBuf.Bytes()); err != nil {
		return nil, err
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("sealedbox: generate nonce: %w", err)
	}

	aead, err := chacha20poly1305.New(symKeyBuf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("sealedbox: new aead: %w", err)
	}

	ephBytes := ephemeralPub.Bytes()
	out := make([]byte, 0, 1+4+len(ephBytes)+nonceSize+len(plaintext)+tagSize)
	out = append(out, uint8(ephemeralPub.Curve()))
	out = appendU32(out, uint32(len(ephBytes)))
	out = append(out, ephBytes...)
	out = append(out, nonce[:]...)
	out = aead.Seal(out, nonce[:], plaintext, nil)

	return out, nil
}

// Unseal decrypts a box produced by Seal. recipient is the public key
// the box was sealed to; provider supplies the matching private half
// via ECDH and never needs to expose it directly.
func Unseal(ctx context.Context, provider Provider, recipient eckey.PublicKey, sealed []byte) ([]byte, error) {
	curve, ephBytes, rest, err := splitHeader(sealed)
	if err != nil {
		return nil, err
	}
	if len(rest) < nonceSize+tagSize {
		return nil, ErrInvalidCiphertext
	}
	nonce := rest[:nonceSize]
	ciphertext := rest[nonceSize:]

	ephemeralPub, err := eckey.Parse(curve, ephBytes)
	if err != nil {
		return nil, fmt.Errorf("sealedbox: parse ephemeral key: %w", err)
	}

	shared, err := provider.ECDH(ctx, recipient, ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("sealedbox: provider ecdh: %w", err)
	}
	sharedBuf := secretbuf.FromBytes(shared)
	defer sharedBuf.Free()

	symKeyBuf := secretbuf.Alloc(keySize)
	defer symKeyBuf.Free()
	if err := deriveKey(sharedBuf.Bytes(), ephemeralPub, recipient, symKeyBuf.Bytes()); err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(symKeyBuf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("sealedbox: new aead: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// deriveKey fills out (which must be keySize long) with the HKDF-SHA256
// expansion of shared, salted with both public keys so the symmetric
// key is bound to this specific exchange.
func deriveKey(shared []byte, ephemeral, recipient eckey.PublicKey, out []byte) error {
	salt := make([]byte, 0, len(ephemeral.Bytes())+len(recipient.Bytes()))
	salt = append(salt, ephemeral.Bytes()...)
	salt = append(salt, recipient.Bytes()...)

	reader := hkdf.New(sha256.New, shared, salt, []byte(hkdfInfo))
	if _, err := io.ReadFull(reader, out); err != nil {
		return fmt.Errorf("sealedbox: derive key: %w", err)
	}
	return nil
}

func appendU32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func splitHeader(sealed []byte) (curve eckey.Curve, ephBytes []byte, rest []byte, err error) {
	if len(sealed) < 5 {
		return 0, nil, nil, ErrInvalidCiphertext
	}
	curve = eckey.Curve(sealed[0])
	n := uint32(sealed[1])<<24 | uint32(sealed[2])<<16 | uint32(sealed[3])<<8 | uint32(sealed[4])
	sealed = sealed[5:]
	if uint64(n) > uint64(len(sealed)) {
		return 0, nil, nil, ErrInvalidCiphertext
	}
	ephBytes = sealed[:n]
	rest = sealed[n:]
	return curve, ephBytes, rest, nil
}
