// Package storage defines the ordered key-value contract the materialized
// index is built on: point reads, lexicographic prefix scans, and batched
// atomic writes. Keys are flat strings assembled from namespace segments,
// which keeps range scans simple instead of traversing nested containers.
package storage

import (
	"errors"
	"strings"
)

// Sep joins key segments. It sorts before every printable byte, so a
// namespace's entries form one contiguous key range.
const Sep = "\x00"

// Index namespaces.
const (
	NSMeta       = "_meta"
	NSFiles      = "files"
	NSChanges    = "changes"
	NSHistory    = "history"
	NSBlobs      = "blobs"
	NSBlobChunks = "blobchunks"
)

var (
	// ErrStorageClosed indicates that the store has been closed
	ErrStorageClosed = errors.New("storage is closed")
)

// Key assembles a flat store key from namespace and path segments,
// e.g. Key("files", "docs", "a.txt") -> "files\x00docs\x00a.txt".
func Key(segments ...string) string {
	return strings.Join(segments, Sep)
}

// SplitKey splits a flat store key back into its segments.
func SplitKey(key string) []string {
	return strings.Split(key, Sep)
}

// ReadTx is a read-only view of the store.
type ReadTx interface {
	// Get returns the value at key, or nil when the key is absent.
	Get(key string) ([]byte, error)

	// Scan visits every key with the given prefix in lexicographic key
	// order. Returning an error from fn stops the scan and propagates.
	Scan(prefix string, fn func(key string, value []byte) error) error
}

// Tx is a read-write transaction. All mutations made inside one Update
// either fully apply or are discarded.
type Tx interface {
	ReadTx

	Put(key string, value []byte) error
	Delete(key string) error

	// DeletePrefix removes every key with the given prefix.
	DeletePrefix(prefix string) error
}

// Store is an ordered key-value store with atomic batched writes. The apply
// engine is its only writer; callers are expected to serialize Update
// invocations themselves.
type Store interface {
	View(fn func(ReadTx) error) error
	Update(fn func(Tx) error) error
}
