// Package shamir implements Shamir secret sharing over GF(2^8),
// byte-wise: each byte of the secret is split independently using the
// same x-coordinates, so an n-share split of an L-byte secret produces
// n shares of L+1 bytes each (one x-coordinate byte, L y-coordinate
// bytes).
//
// No library in the retrieved reference corpus implements Shamir
// sharing; this is a from-scratch, self-contained implementation
// rather than a gap filled by a third-party dependency.
package shamir

import (
	"crypto/rand"
	"errors"
	"fmt"
)

var (
	// ErrThreshold is returned when threshold is out of the valid
	// [1, 255] range, or exceeds the share count.
	ErrThreshold = errors.New("shamir: invalid threshold")

	// ErrShareCount is returned when n is out of the valid [1, 255]
	// range.
	ErrShareCount = errors.New("shamir: invalid share count")

	// ErrEmptySecret is returned when Split is asked to share a
	// zero-length secret.
	ErrEmptySecret = errors.New("shamir: secret must not be empty")

	// ErrNotEnoughShares is returned when Combine is given fewer
	// shares than needed to determine the polynomial degree implied
	// by the caller's k.
	ErrNotEnoughShares = errors.New("shamir: not enough shares")

	// ErrShareLength is returned when the shares passed to Combine
	// don't all carry the same payload length.
	ErrShareLength = errors.New("shamir: mismatched share lengths")

	// ErrDuplicateX is returned when two shares passed to Combine
	// carry the same x-coordinate; the system would be
	// under-determined or contradictory.
	ErrDuplicateX = errors.New("shamir: duplicate share x-coordinate")
)

// Share is one point on the sharing polynomial: X is the non-zero
// x-coordinate (shared across all bytes of the secret), Y holds one
// y-coordinate byte per secret byte.
type Share struct {
	X byte
	Y []byte
}

// Split divides secret into n shares such that any k of them
// reconstruct it, while any k-1 reveal nothing about it. n and k must
// satisfy 1 <= k <= n <= 255.
func Split(secret []byte, n, k int) ([]Share, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	if n < 1 || n > 255 {
		return nil, ErrShareCount
	}
	if k < 1 || k > n {
		return nil, ErrThreshold
	}

	xs, err := distinctNonzeroXs(n)
	if err != nil {
		return nil, err
	}

	shares := make([]Share, n)
	for i, x := range xs {
		shares[i] = Share{X: x, Y: make([]byte, len(secret))}
	}

	coeffs := make([]byte, k)
	for byteIdx, secretByte := range secret {
		coeffs[0] = secretByte
		if k > 1 {
			if _, err := rand.Read(coeffs[1:]); err != nil {
				return nil, fmt.Errorf("shamir: generate coefficients: %w", err)
			}
		}
		for i, x := range xs {
			shares[i].Y[byteIdx] = evalPoly(coeffs, x)
		}
	}

	return shares, nil
}

// Combine reconstructs the secret from shares via Lagrange
// interpolation at x=0. It requires at least as many shares as the
// original threshold; callers must supply exactly the shares they
// intend to use (extra shares beyond the threshold are harmless but
// unnecessary, and shares from a different split must never be mixed
// in). Combining with fewer than the original threshold silently
// yields the wrong secret, as with any Shamir scheme: Combine has no
// way to distinguish "too few shares" from "correct k," so callers
// must track k themselves and pass minShares to get that check.
func Combine(shares []Share, minShares int) ([]byte, error) {
	if len(shares) < minShares {
		return nil, ErrNotEnoughShares
	}
	if len(shares) == 0 {
		return nil, ErrNotEnoughShares
	}

	secretLen := len(shares[0].Y)
	seen := make(map[byte]bool, len(shares))
	for _, s := range shares {
		if len(s.Y) != secretLen {
			return nil, ErrShareLength
		}
		if s.X == 0 {
			return nil, fmt.Errorf("shamir: share x-coordinate must be non-zero")
		}
		if seen[s.X] {
			return nil, ErrDuplicateX
		}
		seen[s.X] = true
	}

	secret := make([]byte, secretLen)
	for byteIdx := 0; byteIdx < secretLen; byteIdx++ {
		ys := make([]byte, len(shares))
		for i, s := range shares {
			ys[i] = s.Y[byteIdx]
		}
		secret[byteIdx] = interpolateAtZero(shares, ys)
	}
	return secret, nil
}

func distinctNonzeroXs(n int) ([]byte, error) {
	xs := make([]byte, 0, n)
	used := make(map[byte]bool, n)
	// x=0 is reserved for the secret itself in the interpolation
	// target, so shares never use it.
	for x := 1; len(xs) < n; x++ {
		if x > 255 {
			return nil, fmt.Errorf("shamir: cannot allocate %d distinct non-zero x-coordinates", n)
		}
		b := byte(x)
		if !used[b] {
			used[b] = true
			xs = append(xs, b)
		}
	}
	return xs, nil
}

// evalPoly evaluates the polynomial with the given coefficients
// (coeffs[0] is the constant term) at x, in GF(2^8).
func evalPoly(coeffs []byte, x byte) byte {
	var result byte
	for i := len(coeffs) - 1; i >= 0; i-- {
		result = gfAdd(gfMul(result, x), coeffs[i])
	}
	return result
}

// interpolateAtZero evaluates the Lagrange interpolation polynomial
// through (shares[i].X, ys[i]) at x=0.
func interpolateAtZero(shares []Share, ys []byte) byte {
	var result byte
	for i := range shares {
		xi := shares[i].X
		var basis byte = 1
		for j := range shares {
			if i == j {
				continue
			}
			xj := shares[j].X
			// basis *= xj / (xj - xi), evaluated at x=0 so the
			// numerator term is (0 - xj) = xj (GF(2^8) has
			// characteristic 2, so subtraction is addition/XOR).
			num := xj
			den := gfAdd(xj, xi)
			basis = gfMul(basis, gfMul(num, gfInv(den)))
		}
		result = gfAdd(result, gfMul(ys[i], basis))
	}
	return result
}

// gfAdd is addition in GF(2^8), which is XOR.
func gfAdd(a, b byte) byte { return a ^ b }

// gfMul multiplies a and b in GF(2^8) using the AES reduction
// polynomial x^8 + x^4 + x^3 + x + 1 (0x11B).
func gfMul(a, b byte) byte {
	var p byte
	for i := 0; i < 8; i++ {
		if b&1 != 0 {
			p ^= a
		}
		hiBitSet := a&0x80 != 0
		a <<= 1
		if hiBitSet {
			a ^= 0x1B
		}
		b >>= 1
	}
	return p
}

// gfInv returns the multiplicative inverse of a in GF(2^8) via
// exhaustive search; GF(2^8) has only 255 non-zero elements so this is
// fast and avoids needing extended-Euclid or log/antilog tables.
func gfInv(a byte) byte {
	if a == 0 {
		// The caller never asks for 0^-1 in a well-formed split
		// (distinct non-zero x-coordinates), but return 0 rather
		// than panic if it ever does.
		return 0
	}
	for candidate := 1; candidate < 256; candidate++ {
		if gfMul(a, byte(candidate)) == 1 {
			return byte(candidate)
		}
	}
	return 0
}
