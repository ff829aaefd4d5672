// Package index contains the deterministic reducer that folds ordered
// batches of logged operations into the materialized index, and the
// read-side materialization of files, history and blobs.
//
// The indexer is the only writer of the store. It is invoked serially by
// the replication driver; one batch is one atomic store transaction. Apply
// is safe to re-invoke over historical batches: a per-log watermark records
// the highest applied sequence number and already-applied entries are
// skipped, so redelivery cannot double-append history.
package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/iudanet/peerfs/internal/crypto"
	"github.com/iudanet/peerfs/internal/models"
	"github.com/iudanet/peerfs/internal/oplog"
	"github.com/iudanet/peerfs/internal/roster"
	"github.com/iudanet/peerfs/internal/storage"
)

// Indexer reduces ordered operation batches into index mutations.
type Indexer struct {
	store  storage.Store
	owner  []byte // expected owner key; Declare from anyone else is ignored
	logger *slog.Logger
	tokens *tokenSource

	mu   sync.RWMutex
	meta *models.IndexedMeta // in-memory roster mirror
}

// New binds an indexer to a store. owner is the workspace owner's writer
// key, known from creation or from the workspace address being loaded.
func New(store storage.Store, owner []byte, logger *slog.Logger) (*Indexer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ix := &Indexer{
		store:  store,
		owner:  append([]byte(nil), owner...),
		logger: logger,
		tokens: newTokenSource(),
	}

	// Подхватываем уже существующую мету (повторное открытие воркспейса)
	err := store.View(func(tx storage.ReadTx) error {
		ix.meta = readMeta(tx)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load index meta: %w", err)
	}
	return ix, nil
}

// Meta returns a snapshot of the workspace metadata record, or nil before
// the owner's declaration has been indexed.
func (ix *Indexer) Meta() *models.IndexedMeta {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.meta == nil {
		return nil
	}
	cp := *ix.meta
	cp.Writers = append([]models.RosterWriter(nil), ix.meta.Writers...)
	return &cp
}

// ApplyBatch folds one log's entries into the index as a single atomic
// transaction. Entries at or below the log's watermark are skipped; the
// watermark advances inside the same transaction. Malformed or unauthorized
// entries are logged and skipped, never aborting the batch.
func (ix *Indexer) ApplyBatch(author []byte, entries []oplog.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	authorHex := crypto.ToHex(author)

	var batchMeta *models.IndexedMeta
	metaTouched := false

	err := ix.store.Update(func(tx storage.Tx) error {
		wm, err := readWatermark(tx, authorHex)
		if err != nil {
			return err
		}
		batchMeta = readMeta(tx)

		for _, e := range entries {
			if e.Seq <= wm {
				continue
			}
			touched, err := ix.applyEntry(tx, author, &batchMeta, e.Payload)
			if err != nil {
				return err
			}
			metaTouched = metaTouched || touched
			wm = e.Seq
		}
		return writeWatermark(tx, authorHex, wm)
	})
	if err != nil {
		return fmt.Errorf("apply batch from %s: %w", authorHex, err)
	}

	// Roster mirror is refreshed before returning, never lazily, so the
	// next permission check sees what this very batch changed.
	if metaTouched {
		ix.mu.Lock()
		ix.meta = batchMeta
		ix.mu.Unlock()
	}
	return nil
}

// Reset clears every index namespace, including watermarks, so the whole
// history can be replayed from scratch after a rebase.
func (ix *Indexer) Reset() error {
	err := ix.store.Update(func(tx storage.Tx) error {
		for _, ns := range []string{
			storage.NSMeta, storage.NSFiles, storage.NSChanges,
			storage.NSHistory, storage.NSBlobs, storage.NSBlobChunks,
		} {
			if err := tx.DeletePrefix(ns); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reset index: %w", err)
	}
	ix.mu.Lock()
	ix.meta = nil
	ix.mu.Unlock()
	return nil
}

// applyEntry reduces a single decoded operation. The returned bool reports
// whether the metadata record was mutated.
func (ix *Indexer) applyEntry(tx storage.Tx, author []byte, meta **models.IndexedMeta, payload []byte) (bool, error) {
	op, err := models.DecodeOp(payload)
	if err != nil {
		// per-entry failure: лог и пропуск, батч не прерываем
		ix.logger.Warn("skipping undecodable log entry", "writer", crypto.ToHex(author), "error", err)
		return false, nil
	}

	switch v := op.(type) {
	case models.Declare:
		if !bytes.Equal(author, ix.owner) {
			ix.logger.Error("ignoring declaration from non-owner log", "writer", crypto.ToHex(author))
			return false, nil
		}
		m := &models.IndexedMeta{
			Owner:      append([]byte(nil), author...),
			OwnerIndex: v.IndexKey,
			Writers: []models.RosterWriter{
				{Key: append([]byte(nil), author...), Admin: true},
			},
			Timestamp: v.Timestamp,
		}
		if err := putMeta(tx, m); err != nil {
			return false, err
		}
		*meta = m
		return true, nil

	case models.Change:
		if models.IsFileAction(v.Details) {
			return false, ix.applyFileChange(tx, author, v)
		}
		if pw, ok := v.Details.(models.PutWriter); ok {
			return ix.applyPutWriter(tx, author, meta, v, pw)
		}
		ix.logger.Warn("skipping change with unknown details", "writer", crypto.ToHex(author))
		return false, nil

	case models.BlobChunk:
		return false, applyBlobChunk(tx, v)

	default:
		ix.logger.Warn("skipping unrecognized operation", "writer", crypto.ToHex(author))
		return false, nil
	}
}

func (ix *Indexer) applyFileChange(tx storage.Tx, author []byte, ch models.Change) error {
	segments := SplitPath(models.DetailsPath(ch.Details))
	if len(segments) == 0 {
		ix.logger.Error("skipping change with invalid path",
			"path", models.DetailsPath(ch.Details), "change", ch.ID)
		return nil
	}
	fileKey := fileKeyFor(segments)

	// Conflict detection: branches the incoming change did not name as
	// superseded stay visible as otherChanges.
	current := readFile(tx, fileKey)
	currParents := GatherParents(current)
	conflictSet := subtract(currParents, ch.Parents)

	next := models.IndexedFile{
		Path:         CanonicalPath(segments),
		Timestamp:    ch.Timestamp,
		Writer:       append([]byte(nil), author...),
		Change:       ch.ID,
		OtherChanges: conflictSet,
	}

	switch d := ch.Details.(type) {
	case models.Put:
		next.BlobID = d.BlobID
		next.Bytes = d.Bytes
		next.NoMerge = d.NoMerge
		if err := putFile(tx, fileKey, &next); err != nil {
			return err
		}
	case models.Copy:
		next.BlobID = d.BlobID
		next.Bytes = d.Bytes
		if err := putFile(tx, fileKey, &next); err != nil {
			return err
		}
	case models.Delete:
		// The record stays either way: a conflicted tombstone while
		// branches remain open, otherwise a plain marker that reads as
		// absent but still anchors parents, so a concurrent put cannot
		// silently swallow the deletion.
		if err := putFile(tx, fileKey, &next); err != nil {
			return err
		}
	}

	indexed := models.IndexedChange{
		ID:        ch.ID,
		Parents:   ch.Parents,
		Writer:    append([]byte(nil), author...),
		Timestamp: ch.Timestamp,
		Details:   ch.Details,
	}
	raw, err := msgpack.Marshal(&indexed)
	if err != nil {
		return fmt.Errorf("encode indexed change: %w", err)
	}
	if err := tx.Put(storage.Key(storage.NSChanges, ch.ID), raw); err != nil {
		return err
	}
	return tx.Put(storage.Key(storage.NSHistory, ix.tokens.Next()), []byte(ch.ID))
}

func (ix *Indexer) applyPutWriter(tx storage.Tx, author []byte, meta **models.IndexedMeta, ch models.Change, pw models.PutWriter) (bool, error) {
	if *meta == nil {
		ix.logger.Error("skipping put-writer before declaration", "change", ch.ID)
		return false, nil
	}
	if err := roster.Apply(*meta, author, pw); err != nil {
		ix.logger.Warn("skipping unauthorized put-writer",
			"writer", crypto.ToHex(author), "target", crypto.ToHex(pw.Key), "error", err)
		return false, nil
	}
	(*meta).Change = ch.ID
	(*meta).Timestamp = ch.Timestamp
	if err := putMeta(tx, *meta); err != nil {
		return false, err
	}
	return true, nil
}

func applyBlobChunk(tx storage.Tx, bc models.BlobChunk) error {
	// запись существования блоба идемпотентна
	if err := tx.Put(storage.Key(storage.NSBlobs, bc.BlobID), []byte{}); err != nil {
		return err
	}
	return tx.Put(chunkKeyFor(bc.BlobID, bc.Chunk), bc.Value)
}

// GatherParents computes a file's current parent set: the current change
// plus every unresolved sibling branch.
func GatherParents(f *models.IndexedFile) []string {
	if f == nil {
		return []string{}
	}
	parents := []string{f.Change}
	return append(parents, f.OtherChanges...)
}

// subtract returns the members of set not present in remove, order
// preserved.
func subtract(set, remove []string) []string {
	out := []string{}
	for _, s := range set {
		found := false
		for _, r := range remove {
			if s == r {
				found = true
				break
			}
		}
		if !found {
			out = append(out, s)
		}
	}
	return out
}

// SplitPath splits a slash path into its non-empty segments.
func SplitPath(path string) []string {
	parts := strings.Split(path, "/")
	segments := parts[:0]
	for _, p := range parts {
		if p != "" {
			segments = append(segments, p)
		}
	}
	return segments
}

// CanonicalPath rebuilds the canonical absolute form of a segmented path.
func CanonicalPath(segments []string) string {
	return "/" + strings.Join(segments, "/")
}

func fileKeyFor(segments []string) string {
	return storage.Key(append([]string{storage.NSFiles}, segments...)...)
}

func chunkKeyFor(blobID string, chunk int) string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(chunk))
	return storage.Key(storage.NSBlobChunks, blobID, string(buf[:]))
}

func readFile(tx storage.ReadTx, key string) *models.IndexedFile {
	raw, err := tx.Get(key)
	if err != nil || raw == nil {
		return nil
	}
	f, err := models.DecodeIndexedFile(raw)
	if err != nil {
		// structural corruption reads as not-found
		return nil
	}
	return f
}

func putFile(tx storage.Tx, key string, f *models.IndexedFile) error {
	raw, err := msgpack.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode indexed file: %w", err)
	}
	return tx.Put(key, raw)
}

func readMeta(tx storage.ReadTx) *models.IndexedMeta {
	raw, err := tx.Get(storage.NSMeta)
	if err != nil || raw == nil {
		return nil
	}
	m, err := models.DecodeIndexedMeta(raw)
	if err != nil {
		return nil
	}
	return m
}

func putMeta(tx storage.Tx, m *models.IndexedMeta) error {
	raw, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode indexed meta: %w", err)
	}
	return tx.Put(storage.NSMeta, raw)
}

func watermarkKey(writerHex string) string {
	return storage.Key(storage.NSMeta, "applied", writerHex)
}

func readWatermark(tx storage.ReadTx, writerHex string) (uint64, error) {
	raw, err := tx.Get(watermarkKey(writerHex))
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(raw), nil
}

func writeWatermark(tx storage.Tx, writerHex string, seq uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return tx.Put(watermarkKey(writerHex), buf[:])
}
