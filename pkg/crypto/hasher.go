// Package crypto implements the content-hash and signature envelope carried
// by registry records: BLAKE3-256 over the canonical serialization, Ed25519
// over the raw hash bytes.
package crypto

import (
	"encoding/hex"
	"fmt"

	"github.com/loglineos/core/pkg/canonicalize"
	"lukechampine.com/blake3"
)

// HashBytes returns the hex BLAKE3-256 digest of raw bytes.
func HashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CanonicalHash returns the hex BLAKE3-256 digest of the canonical form of v.
func CanonicalHash(v any) (string, error) {
	b, err := canonicalize.Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashToBytes decodes a hex digest back to its 32 raw bytes.
func HashToBytes(hexDigest string) ([]byte, error) {
	b, err := hex.DecodeString(hexDigest)
	if err != nil {
		return nil, fmt.Errorf("invalid hash hex: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(b))
	}
	return b, nil
}
