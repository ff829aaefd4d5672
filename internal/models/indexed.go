package models

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Materialized index records. These are owned exclusively by the apply
// engine; everything else only reads them.

// IndexedFile is the current state of a path, keyed by the path itself.
// A path has at most one IndexedFile. OtherChanges holds the ids of sibling
// branches the current change did not supersede; it is empty iff the path is
// not conflicted. A deleted path with a non-empty conflict set is retained as
// a tombstone so the conflict stays visible.
type IndexedFile struct {
	Path         string   `msgpack:"path"`
	Timestamp    int64    `msgpack:"ts"` // local clock time of last change, unix millis
	Bytes        int64    `msgpack:"bytes"`
	Writer       []byte   `msgpack:"writer"`
	BlobID       string   `msgpack:"blob,omitempty"` // empty when deleted
	Change       string   `msgpack:"change"`         // id of the producing change
	NoMerge      bool     `msgpack:"nomerge"`
	OtherChanges []string `msgpack:"other"`
}

// Erased reports whether the record is a plain deletion marker: no content
// and no open branches. Readers treat such a path as absent, but the marker
// keeps its change id in play for parent computation.
func (f *IndexedFile) Erased() bool {
	return f.BlobID == "" && len(f.OtherChanges) == 0
}

// IndexedChange is the full record of a Change op plus the authoring writer
// key. Keyed by change id, append-only, never overwritten.
type IndexedChange struct {
	ID        string
	Parents   []string
	Writer    []byte
	Timestamp int64
	Details   Details
}

// RosterWriter is one entry of the writer roster inside IndexedMeta.
type RosterWriter struct {
	Key    []byte `msgpack:"key"`
	Name   string `msgpack:"name"`
	Admin  bool   `msgpack:"admin"`
	Frozen bool   `msgpack:"frozen"`
}

// IndexedMeta is the single workspace metadata record: owner, the owner's
// index-log key, the converged writer roster, and the id/timestamp of the
// last applied PutWriter.
type IndexedMeta struct {
	Owner      []byte         `msgpack:"owner"`
	OwnerIndex []byte         `msgpack:"ownerIndex"`
	Writers    []RosterWriter `msgpack:"writers"`
	Timestamp  int64          `msgpack:"ts"`
	Change     string         `msgpack:"change"`
}

type indexedChangeWire struct {
	ID        string      `msgpack:"id"`
	Parents   []string    `msgpack:"parents"`
	Writer    []byte      `msgpack:"writer"`
	Timestamp int64       `msgpack:"ts"`
	Details   wireDetails `msgpack:"details"`
}

// EncodeMsgpack implements msgpack.CustomEncoder; the Details union is
// flattened to its wire form.
func (c *IndexedChange) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.Encode(indexedChangeWire{
		ID:        c.ID,
		Parents:   c.Parents,
		Writer:    c.Writer,
		Timestamp: c.Timestamp,
		Details:   detailsToWire(c.Details),
	})
}

// DecodeMsgpack implements msgpack.CustomDecoder.
func (c *IndexedChange) DecodeMsgpack(dec *msgpack.Decoder) error {
	var w indexedChangeWire
	if err := dec.Decode(&w); err != nil {
		return err
	}
	details, err := detailsFromWire(w.Details)
	if err != nil {
		return err
	}
	parents := w.Parents
	if parents == nil {
		parents = []string{}
	}
	c.ID = w.ID
	c.Parents = parents
	c.Writer = w.Writer
	c.Timestamp = w.Timestamp
	c.Details = details
	return nil
}

// DecodeIndexedFile parses a stored IndexedFile value.
func DecodeIndexedFile(raw []byte) (*IndexedFile, error) {
	var f IndexedFile
	if err := msgpack.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode indexed file: %w", err)
	}
	if f.OtherChanges == nil {
		f.OtherChanges = []string{}
	}
	return &f, nil
}

// DecodeIndexedChange parses a stored IndexedChange value.
func DecodeIndexedChange(raw []byte) (*IndexedChange, error) {
	var c IndexedChange
	if err := msgpack.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode indexed change: %w", err)
	}
	return &c, nil
}

// DecodeIndexedMeta parses the stored workspace metadata record.
func DecodeIndexedMeta(raw []byte) (*IndexedMeta, error) {
	var m IndexedMeta
	if err := msgpack.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode indexed meta: %w", err)
	}
	return &m, nil
}

// Caller-facing read-side structures.

// FileInfo is the materialized view of a file returned by stat and list
// operations, with conflict branches resolved to their own FileInfo records.
type FileInfo struct {
	Path      string
	Timestamp int64
	Bytes     int64
	Writer    []byte
	Change    string
	NoMerge   bool
	// Conflict is true when unresolved sibling branches exist and the file
	// is not in no-merge mode (no-merge branches are reported only through
	// OtherChanges, reconciliation is the application's job).
	Conflict     bool
	OtherChanges []FileInfo
}

// FileState is one branch's content, as returned by ReadAllFileStates.
type FileState struct {
	Writer []byte
	Change string
	Data   []byte
}
