package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Hash computes the lowercase-hex SHA-256 of the canonical byte form of v.
// The result is a pure function of the logical value, independent of how
// the value was constructed or which implementation computed it.
func Hash(v Value) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("hash: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes computes the lowercase-hex SHA-256 of raw bytes. Used where
// canonical bytes are already in hand (e.g. verifying a stored line).
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MustHash is like Hash but panics on error. Use only in tests or when
// the value is known to be canonicalizable.
func MustHash(v Value) string {
	h, err := Hash(v)
	if err != nil {
		panic(err)
	}
	return h
}
