package certificate

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Signer holds the session's ed25519 identity for certificate signatures.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner generates a fresh keypair.
func NewSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Signer{priv: priv, pub: pub}, nil
}

// NewSignerFromSeed builds a signer from a 32-byte seed.
func NewSignerFromSeed(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// LoadOrGenerate reads a hex-encoded seed from path, generating and
// persisting one on first use so certificates across restarts share a key.
func LoadOrGenerate(path string) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("decode signing key %s: %w", path, err)
		}
		return NewSignerFromSeed(seed)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read signing key %s: %w", path, err)
	}

	s, err := NewSigner()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	encoded := hex.EncodeToString(s.priv.Seed())
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write signing key %s: %w", path, err)
	}
	return s, nil
}

func (s *Signer) Sign(data []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.priv, data)), nil
}

// PublicKey returns the hex-encoded public key embedded in certificates.
func (s *Signer) PublicKey() string {
	return hex.EncodeToString(s.pub)
}

// Private exposes the key for JWT export.
func (s *Signer) Private() ed25519.PrivateKey {
	return s.priv
}

// Verify checks a certificate signature against a hex public key.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size %d", len(pubKey))
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}
