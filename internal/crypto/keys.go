// Package crypto holds the identity and content-addressing primitives:
// ed25519 writer keypairs, blob digests, and hex helpers.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// KeyPair is one writer identity. Private is nil for identities this
// process cannot append as (remote writers' log replicas).
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh ed25519 writer identity.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// Writable reports whether this identity can sign log appends.
func (k *KeyPair) Writable() bool {
	return len(k.Private) > 0
}

// ToHex encodes a key (or any byte string) as lowercase hex.
func ToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// FromHex decodes a lowercase hex key string.
func FromHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode hex key: %w", err)
	}
	return b, nil
}
