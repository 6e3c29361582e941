// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing of ledger entries and certificates.
//
// Third-party auditors recompute every digest in this system as SHA-256 over
// the JCS form of the documented hashable structure, so the canonicalization
// here must stay byte-stable across releases.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// HashPrefix names the digest algorithm in every stored hash value.
const HashPrefix = "sha256:"

// JCS returns the RFC 8785 canonical JSON representation of v.
// v is first marshaled with encoding/json (so struct tags apply), then
// transformed into canonical form: sorted keys, no HTML escaping,
// shortest-form numbers.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the prefixed SHA-256 hex digest of the canonical
// JSON representation of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the prefixed SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return HashPrefix + hex.EncodeToString(sum[:])
}
