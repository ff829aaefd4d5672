package crypto

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// BlobIDPrefix names the digest algorithm inside blob ids, so the id format
// stays self-describing if the algorithm ever changes.
const BlobIDPrefix = "blake2b-"

// HashBlob derives the content-addressed blob id for a byte string.
func HashBlob(data []byte) string {
	sum := blake2b.Sum256(data)
	return BlobIDPrefix + hex.EncodeToString(sum[:])
}
