// Package workspace is the top-level API of a peer-replicated virtual
// filesystem. A workspace owns one local database holding the writer's own
// signed log, replica logs pulled from peers, and the materialized index
// the reducer maintains over all of them.
//
// Every mutation goes through the local write path: permission screen,
// parent computation, append to the own log, then a synchronous index
// update so the writer reads its own writes.
package workspace

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/iudanet/peerfs/internal/crypto"
	"github.com/iudanet/peerfs/internal/index"
	"github.com/iudanet/peerfs/internal/models"
	"github.com/iudanet/peerfs/internal/oplog"
	"github.com/iudanet/peerfs/internal/roster"
	"github.com/iudanet/peerfs/internal/storage"
	"github.com/iudanet/peerfs/internal/storage/boltdb"
	"github.com/iudanet/peerfs/internal/writerctrl"
)

var (
	// ErrNotWriter indicates a mutation attempted by a key outside the
	// writer roster.
	ErrNotWriter = errors.New("not a workspace writer")
	// ErrWriterFrozen indicates a mutation attempted by a frozen writer.
	ErrWriterFrozen = errors.New("writer is frozen")
	// ErrFileNotFound indicates a read or mutation of an absent path.
	ErrFileNotFound = errors.New("file not found")
	// ErrInConflict indicates a copy or move whose source has unresolved
	// conflicts.
	ErrInConflict = errors.New("file has unresolved conflicts")
)

// identity record kept in the oplog store so a reopened workspace knows
// its owner without outside help.
const identityKey = "workspace"

type identityRecord struct {
	Owner []byte `msgpack:"owner"`
}

// Workspace is safe for concurrent use; local mutations are serialized so
// parent computation and the append they feed are atomic.
type Workspace struct {
	db      *boltdb.Storage
	keys    *crypto.KeyPair
	owner   []byte
	index   *index.Indexer
	logger  *slog.Logger
	invites *writerctrl.Registry

	mu        sync.Mutex
	logs      map[string]*oplog.Log // by writer hex, own log included
	lastOrder []entryRef
}

// Create initializes a brand new workspace owned by keys and declares it
// in the owner's log.
func Create(dbPath string, keys *crypto.KeyPair, logger *slog.Logger) (*Workspace, error) {
	if !keys.Writable() {
		return nil, ErrNotWriter
	}
	w, err := open(dbPath, keys, keys.Public, logger)
	if err != nil {
		return nil, err
	}

	declare := models.Declare{IndexKey: keys.Public, Timestamp: time.Now().UnixMilli()}
	if err := w.appendOp(declare); err != nil {
		w.Close()
		return nil, fmt.Errorf("declare workspace: %w", err)
	}
	if err := w.update(); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

// Join initializes an empty local replica of a workspace owned by another
// key. The replica has no content until it syncs with a peer.
func Join(dbPath string, keys *crypto.KeyPair, owner []byte, logger *slog.Logger) (*Workspace, error) {
	return open(dbPath, keys, owner, logger)
}

// Load reopens an existing workspace database.
func Load(dbPath string, keys *crypto.KeyPair, logger *slog.Logger) (*Workspace, error) {
	db, err := boltdb.New(dbPath)
	if err != nil {
		return nil, err
	}
	var raw []byte
	err = db.Oplog().View(func(tx storage.ReadTx) error {
		var err error
		raw, err = tx.Get(identityKey)
		return err
	})
	if err != nil || raw == nil {
		db.Close()
		return nil, fmt.Errorf("workspace identity missing: %w", err)
	}
	var id identityRecord
	if err := msgpack.Unmarshal(raw, &id); err != nil {
		db.Close()
		return nil, fmt.Errorf("decode workspace identity: %w", err)
	}

	w, err := attach(db, keys, id.Owner, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := w.update(); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

func open(dbPath string, keys *crypto.KeyPair, owner []byte, logger *slog.Logger) (*Workspace, error) {
	db, err := boltdb.New(dbPath)
	if err != nil {
		return nil, err
	}
	raw, err := msgpack.Marshal(identityRecord{Owner: owner})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("encode workspace identity: %w", err)
	}
	err = db.Oplog().Update(func(tx storage.Tx) error {
		return tx.Put(identityKey, raw)
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	w, err := attach(db, keys, owner, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

func attach(db *boltdb.Storage, keys *crypto.KeyPair, owner []byte, logger *slog.Logger) (*Workspace, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ix, err := index.New(db.Index(), owner, logger)
	if err != nil {
		return nil, err
	}
	w := &Workspace{
		db:      db,
		keys:    keys,
		owner:   append([]byte(nil), owner...),
		index:   ix,
		logger:  logger,
		invites: writerctrl.NewRegistry(),
		logs:    map[string]*oplog.Log{},
	}

	// Открываем свой лог и все реплики, накопленные в базе
	writers, err := oplog.Writers(db.Oplog())
	if err != nil {
		return nil, err
	}
	for _, wk := range writers {
		if _, err := w.logFor(wk); err != nil {
			return nil, err
		}
	}
	if _, err := w.logFor(keys.Public); err != nil {
		return nil, err
	}
	return w, nil
}

// Close releases the underlying database.
func (w *Workspace) Close() error {
	return w.db.Close()
}

// Key returns this replica's writer public key.
func (w *Workspace) Key() []byte { return append([]byte(nil), w.keys.Public...) }

// Owner returns the workspace owner's public key.
func (w *Workspace) Owner() []byte { return append([]byte(nil), w.owner...) }

// logFor returns the log for a writer key, opening a replica on first use.
// Callers that mutate concurrently must hold w.mu.
func (w *Workspace) logFor(key []byte) (*oplog.Log, error) {
	hexKey := crypto.ToHex(key)
	if l, ok := w.logs[hexKey]; ok {
		return l, nil
	}
	pair := &crypto.KeyPair{Public: append([]byte(nil), key...)}
	if bytes.Equal(key, w.keys.Public) {
		pair = w.keys
	}
	l, err := oplog.Open(w.db.Oplog(), pair)
	if err != nil {
		return nil, err
	}
	w.logs[hexKey] = l
	return l, nil
}

// WriteFile stores data at path. With noMerge set the change refuses to
// merge concurrent edits from other writers; their branches survive as
// non-conflicting alternatives.
func (w *Workspace) WriteFile(path string, data []byte, noMerge bool) error {
	segments := index.SplitPath(path)
	if len(segments) == 0 {
		return fmt.Errorf("write %q: %w", path, ErrFileNotFound)
	}
	if err := w.checkWritable(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	parents, err := w.index.Parents(path)
	if err != nil {
		return err
	}
	if noMerge {
		parents, err = w.ownBranchParents(parents)
		if err != nil {
			return err
		}
	}

	blobID := crypto.HashBlob(data)
	ch := models.Change{
		ID:        newChangeID(),
		Parents:   parents,
		Timestamp: time.Now().UnixMilli(),
		Details: models.Put{
			Path:    index.CanonicalPath(segments),
			BlobID:  blobID,
			Bytes:   int64(len(data)),
			Chunks:  chunkCount(len(data)),
			NoMerge: noMerge,
		},
	}
	if err := w.appendOp(ch); err != nil {
		return fmt.Errorf("write %q: %w", path, err)
	}
	if err := w.appendBlobLocked(blobID, data); err != nil {
		return fmt.Errorf("write %q: %w", path, err)
	}
	return w.updateLocked()
}

// DeleteFile removes a path. When the deletion races concurrent edits the
// path survives as a conflicted tombstone until resolved.
func (w *Workspace) DeleteFile(path string) error {
	if err := w.checkWritable(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	current, err := w.index.GetFile(path)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("delete %q: %w", path, ErrFileNotFound)
	}

	ch := models.Change{
		ID:        newChangeID(),
		Parents:   index.GatherParents(current),
		Timestamp: time.Now().UnixMilli(),
		Details:   models.Delete{Path: current.Path},
	}
	if err := w.appendOp(ch); err != nil {
		return fmt.Errorf("delete %q: %w", path, err)
	}
	return w.updateLocked()
}

// CopyFile duplicates src's current content at dst without re-uploading
// the blob. A conflicted source must be resolved first.
func (w *Workspace) CopyFile(src, dst string) error {
	dstSegments := index.SplitPath(dst)
	if len(dstSegments) == 0 {
		return fmt.Errorf("copy to %q: %w", dst, ErrFileNotFound)
	}
	if err := w.checkWritable(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.copyLocked(src, index.CanonicalPath(dstSegments)); err != nil {
		return err
	}
	return w.updateLocked()
}

// MoveFile is a copy followed by a delete of the source, appended together
// under the write lock.
func (w *Workspace) MoveFile(src, dst string) error {
	dstSegments := index.SplitPath(dst)
	if len(dstSegments) == 0 {
		return fmt.Errorf("move to %q: %w", dst, ErrFileNotFound)
	}
	if err := w.checkWritable(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.copyLocked(src, index.CanonicalPath(dstSegments)); err != nil {
		return err
	}

	source, err := w.index.GetFile(src)
	if err != nil {
		return err
	}
	del := models.Change{
		ID:        newChangeID(),
		Parents:   index.GatherParents(source),
		Timestamp: time.Now().UnixMilli(),
		Details:   models.Delete{Path: source.Path},
	}
	if err := w.appendOp(del); err != nil {
		return fmt.Errorf("move %q: %w", src, err)
	}
	return w.updateLocked()
}

func (w *Workspace) copyLocked(src, dst string) error {
	source, err := w.index.GetFile(src)
	if err != nil {
		return err
	}
	if source == nil || source.BlobID == "" {
		return fmt.Errorf("copy %q: %w", src, ErrFileNotFound)
	}
	// Любые открытые ветки блокируют копию, включая noMerge
	if len(source.OtherChanges) > 0 {
		return fmt.Errorf("copy %q: %w", src, ErrInConflict)
	}

	parents, err := w.index.Parents(dst)
	if err != nil {
		return err
	}
	ch := models.Change{
		ID:        newChangeID(),
		Parents:   parents,
		Timestamp: time.Now().UnixMilli(),
		Details: models.Copy{
			Path:   dst,
			BlobID: source.BlobID,
			Bytes:  source.Bytes,
		},
	}
	if err := w.appendOp(ch); err != nil {
		return fmt.Errorf("copy to %q: %w", dst, err)
	}
	return nil
}

// ReadFile returns the current content of path. Zero-length files resolve
// without touching blob storage.
func (w *Workspace) ReadFile(path string) ([]byte, error) {
	f, err := w.index.GetFile(path)
	if err != nil {
		return nil, err
	}
	if f == nil || f.BlobID == "" {
		return nil, fmt.Errorf("read %q: %w", path, ErrFileNotFound)
	}
	if f.Bytes == 0 {
		return []byte{}, nil
	}
	return w.index.ReadBlob(f.BlobID)
}

// ReadFileAt returns the content of path as of a specific change, usually
// one of the branches reported by Stat.
func (w *Workspace) ReadFileAt(path, changeID string) ([]byte, error) {
	ch, err := w.index.GetChange(changeID)
	if err != nil {
		return nil, err
	}
	if ch == nil || models.DetailsPath(ch.Details) != index.CanonicalPath(index.SplitPath(path)) {
		return nil, fmt.Errorf("read %q at %s: %w", path, changeID, ErrFileNotFound)
	}
	blobID, size := models.DetailsBlob(ch.Details)
	if blobID == "" {
		return nil, fmt.Errorf("read %q at %s: %w", path, changeID, ErrFileNotFound)
	}
	if size == 0 {
		return []byte{}, nil
	}
	return w.index.ReadBlob(blobID)
}

// Stat reports the merged view of a path, nil when absent.
func (w *Workspace) Stat(path string) (*models.FileInfo, error) {
	return w.index.Stat(path)
}

// List reports every file under prefix, ordered by path.
func (w *Workspace) List(prefix string) ([]models.FileInfo, error) {
	return w.index.List(prefix)
}

// ReadAllFileStates resolves the content of every live branch of a path.
func (w *Workspace) ReadAllFileStates(path string) ([]models.FileState, error) {
	return w.index.AllFileStates(path)
}

// History returns indexed file changes in apply order, optionally filtered
// by a glob pattern over paths.
func (w *Workspace) History(pattern string) ([]models.IndexedChange, error) {
	return w.index.History(pattern)
}

// ListWriters reports the current writer roster.
func (w *Workspace) ListWriters() []models.RosterWriter {
	meta := w.index.Meta()
	if meta == nil {
		return nil
	}
	return meta.Writers
}

// PutWriter adds a writer or updates its roster entry. Nil field pointers
// leave the corresponding attribute untouched. The local permission screen
// mirrors the apply-time rules, so unauthorized calls fail fast instead of
// producing a change every peer would reject.
func (w *Workspace) PutWriter(key []byte, name *string, admin, frozen *bool) error {
	pw := models.PutWriter{Key: append([]byte(nil), key...), Name: name, Admin: admin, Frozen: frozen}

	meta := w.index.Meta()
	if meta == nil {
		return ErrNotWriter
	}
	if roster.Find(meta, w.keys.Public) == nil {
		return ErrNotWriter
	}
	if err := roster.Authorize(meta, w.keys.Public, pw); err != nil {
		return err
	}
	if !w.keys.Writable() {
		return ErrNotWriter
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	parents := []string{}
	if meta.Change != "" {
		parents = []string{meta.Change}
	}
	ch := models.Change{
		ID:        newChangeID(),
		Parents:   parents,
		Timestamp: time.Now().UnixMilli(),
		Details:   pw,
	}
	if err := w.appendOp(ch); err != nil {
		return fmt.Errorf("put writer %s: %w", crypto.ToHex(key), err)
	}
	return w.updateLocked()
}

// CreateInvite mints a single-use invite an admin hands to a joining peer.
func (w *Workspace) CreateInvite() (string, error) {
	meta := w.index.Meta()
	if meta == nil || !roster.IsAdmin(meta, w.keys.Public) {
		return "", roster.ErrNotAdmin
	}
	invite, token, err := writerctrl.NewInvite(w.keys.Public)
	if err != nil {
		return "", err
	}
	w.invites.Issue(token)
	return invite, nil
}

// BuildInviteRequest prepares the admission request a joining peer sends
// to the invite's creator.
func BuildInviteRequest(invite string, writer []byte, name string) (writerctrl.UseInviteRequest, error) {
	_, token, err := writerctrl.ParseInvite(invite)
	if err != nil {
		return writerctrl.UseInviteRequest{}, err
	}
	return writerctrl.UseInviteRequest{
		Token:  token,
		Writer: append([]byte(nil), writer...),
		Name:   name,
	}, nil
}

// RedeemInvite handles a peer's admission request against this replica's
// outstanding invites. On success the requesting key joins the roster.
func (w *Workspace) RedeemInvite(req writerctrl.UseInviteRequest) writerctrl.UseInviteResponse {
	if err := w.invites.Redeem(req.Token); err != nil {
		return writerctrl.UseInviteResponse{Error: err.Error()}
	}
	if len(req.Writer) != models.WriterKeyLength {
		return writerctrl.UseInviteResponse{Error: "invalid writer key"}
	}
	var name *string
	if req.Name != "" {
		name = &req.Name
	}
	if err := w.PutWriter(req.Writer, name, nil, nil); err != nil {
		return writerctrl.UseInviteResponse{Error: err.Error()}
	}
	return writerctrl.UseInviteResponse{OK: true, Owner: w.Owner()}
}

// checkWritable screens local file mutations against the roster.
func (w *Workspace) checkWritable() error {
	if !w.keys.Writable() {
		return ErrNotWriter
	}
	meta := w.index.Meta()
	if meta == nil {
		return ErrNotWriter
	}
	if roster.Find(meta, w.keys.Public) == nil {
		return ErrNotWriter
	}
	if !roster.CanWrite(meta, w.keys.Public) {
		return ErrWriterFrozen
	}
	return nil
}

// appendBlobLocked logs data's chunks right behind the put that announced
// them, unless the blob is already indexed.
func (w *Workspace) appendBlobLocked(blobID string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	known, err := w.index.HasBlob(blobID)
	if err != nil {
		return err
	}
	if known {
		return nil
	}
	for i := 0; i < chunkCount(len(data)); i++ {
		lo := i * models.BlobChunkByteLength
		hi := min(lo+models.BlobChunkByteLength, len(data))
		bc := models.BlobChunk{BlobID: blobID, Chunk: i, Value: data[lo:hi]}
		if err := w.appendOp(bc); err != nil {
			return err
		}
	}
	return nil
}

func chunkCount(n int) int {
	return (n + models.BlobChunkByteLength - 1) / models.BlobChunkByteLength
}

// ownBranchParents filters a parent set down to the branches this writer
// authored. Foreign branches are deliberately left unclaimed.
func (w *Workspace) ownBranchParents(parents []string) ([]string, error) {
	own := []string{}
	for _, id := range parents {
		ch, err := w.index.GetChange(id)
		if err != nil {
			return nil, err
		}
		if ch != nil && bytes.Equal(ch.Writer, w.keys.Public) {
			own = append(own, id)
		}
	}
	return own, nil
}

func (w *Workspace) appendOp(op models.Op) error {
	raw, err := models.EncodeOp(op)
	if err != nil {
		return err
	}
	own, err := w.logFor(w.keys.Public)
	if err != nil {
		return err
	}
	_, err = own.Append(raw)
	return err
}

func newChangeID() string {
	return uuid.NewString()
}
