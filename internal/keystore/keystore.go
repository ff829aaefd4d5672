// Package keystore persists a writer identity on disk, encrypted with a
// passphrase-derived key. The file layout is salt followed by the AES-GCM
// sealed key material; the GCM tag doubles as the passphrase check.
package keystore

import (
	"errors"
	"fmt"
	"os"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/iudanet/peerfs/internal/crypto"
)

// ErrBadPassphrase is returned when the stored identity cannot be opened
// with the given passphrase.
var ErrBadPassphrase = errors.New("wrong passphrase")

type identityFile struct {
	Public  []byte `msgpack:"public"`
	Private []byte `msgpack:"private"`
}

// Save encrypts keys with passphrase and writes them to path, readable by
// the owner only.
func Save(path string, keys *crypto.KeyPair, passphrase string) error {
	plain, err := msgpack.Marshal(identityFile{
		Public:  keys.Public,
		Private: keys.Private,
	})
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return err
	}
	key, err := crypto.DeriveKey(passphrase, salt)
	if err != nil {
		return err
	}
	sealed, err := crypto.Encrypt(plain, key)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, append(salt, sealed...), 0o600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	return nil
}

// Load reads and decrypts the identity stored at path.
func Load(path string, passphrase string) (*crypto.KeyPair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	if len(raw) <= crypto.SaltSize {
		return nil, fmt.Errorf("identity file %s is truncated", path)
	}

	key, err := crypto.DeriveKey(passphrase, raw[:crypto.SaltSize])
	if err != nil {
		return nil, err
	}
	plain, err := crypto.Decrypt(raw[crypto.SaltSize:], key)
	if err != nil {
		return nil, ErrBadPassphrase
	}

	var id identityFile
	if err := msgpack.Unmarshal(plain, &id); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	return &crypto.KeyPair{Public: id.Public, Private: id.Private}, nil
}
