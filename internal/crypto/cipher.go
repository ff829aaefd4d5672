package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	// NonceSize - размер nonce для AES-GCM (12 bytes стандартный размер)
	NonceSize = 12
	// SaltSize - размер соли для Argon2id
	SaltSize = 16
	// KeySize - размер симметричного ключа
	KeySize = 32
)

// Argon2id parameters for passphrase-derived keys.
const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4
)

// DeriveKey stretches a passphrase into a 32-byte encryption key with
// Argon2id.
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("salt must be %d bytes, got %d", SaltSize, len(salt))
	}
	return argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Threads, KeySize), nil
}

// GenerateSalt генерирует криптографически случайную соль
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// Encrypt seals data with AES-256-GCM.
// Result layout: nonce (12 bytes) + ciphertext + auth tag.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return append(nonce, aesGCM.Seal(nil, nonce, plaintext, nil)...), nil
}

// Decrypt opens data sealed by Encrypt.
func Decrypt(encrypted, key []byte) ([]byte, error) {
	if len(encrypted) < NonceSize {
		return nil, fmt.Errorf("encrypted data too short")
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := aesGCM.Open(nil, encrypted[:NonceSize], encrypted[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: authentication failed or corrupted data: %w", err)
	}
	return plaintext, nil
}
