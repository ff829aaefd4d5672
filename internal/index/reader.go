package index

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/iudanet/peerfs/internal/models"
	"github.com/iudanet/peerfs/internal/storage"
)

var (
	// ErrBlobNotFound is returned when no chunks exist for a blob id.
	ErrBlobNotFound = errors.New("blob not found")
)

// GetFile returns the raw indexed record for a path, or nil when the path
// is absent or deleted without conflict.
func (ix *Indexer) GetFile(path string) (*models.IndexedFile, error) {
	segments := SplitPath(path)
	if len(segments) == 0 {
		return nil, nil
	}
	var f *models.IndexedFile
	err := ix.store.View(func(tx storage.ReadTx) error {
		f = readFile(tx, fileKeyFor(segments))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get file %q: %w", path, err)
	}
	if f != nil && f.Erased() {
		return nil, nil
	}
	return f, nil
}

// Parents returns the parent set a new change for this path must declare:
// the head change id plus every unresolved branch. Deletion markers still
// contribute their change id, so a write after a delete supersedes it
// instead of conflicting with it.
func (ix *Indexer) Parents(path string) ([]string, error) {
	segments := SplitPath(path)
	if len(segments) == 0 {
		return []string{}, nil
	}
	var f *models.IndexedFile
	err := ix.store.View(func(tx storage.ReadTx) error {
		f = readFile(tx, fileKeyFor(segments))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("parents of %q: %w", path, err)
	}
	return GatherParents(f), nil
}

// Stat materializes the caller-facing view of a path. A tombstone kept
// alive only by its conflicts reports zero bytes and an empty blob while
// the conflict flag stays raised.
func (ix *Indexer) Stat(path string) (*models.FileInfo, error) {
	f, err := ix.GetFile(path)
	if err != nil || f == nil {
		return nil, err
	}
	return ix.materialize(f)
}

// List materializes every file under the given path prefix, ordered by
// path. An empty or "/" prefix lists the whole workspace.
func (ix *Indexer) List(prefix string) ([]models.FileInfo, error) {
	scanPrefix := storage.NSFiles + storage.Sep
	if segments := SplitPath(prefix); len(segments) > 0 {
		scanPrefix = fileKeyFor(segments) + storage.Sep
	}

	var files []*models.IndexedFile
	err := ix.store.View(func(tx storage.ReadTx) error {
		return tx.Scan(scanPrefix, func(key string, value []byte) error {
			f, err := models.DecodeIndexedFile(value)
			if err != nil {
				ix.logger.Warn("skipping corrupt file record", "key", key, "error", err)
				return nil
			}
			if f.Erased() {
				return nil
			}
			files = append(files, f)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}

	// Exact match on the prefix itself is not covered by the scan.
	if segments := SplitPath(prefix); len(segments) > 0 {
		if f, err := ix.GetFile(prefix); err != nil {
			return nil, err
		} else if f != nil {
			files = append(files, f)
		}
	}

	infos := make([]models.FileInfo, 0, len(files))
	for _, f := range files {
		info, err := ix.materialize(f)
		if err != nil {
			return nil, err
		}
		infos = append(infos, *info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

// GetChange looks up an indexed change by id, returning nil when unknown.
func (ix *Indexer) GetChange(id string) (*models.IndexedChange, error) {
	var raw []byte
	err := ix.store.View(func(tx storage.ReadTx) error {
		var err error
		raw, err = tx.Get(storage.Key(storage.NSChanges, id))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get change %q: %w", id, err)
	}
	if raw == nil {
		return nil, nil
	}
	ch, err := models.DecodeIndexedChange(raw)
	if err != nil {
		return nil, fmt.Errorf("decode change %q: %w", id, err)
	}
	return ch, nil
}

// HasBlob reports whether any chunk data is indexed for a blob id. Writers
// use it to skip re-logging content the workspace already carries.
func (ix *Indexer) HasBlob(blobID string) (bool, error) {
	var found bool
	err := ix.store.View(func(tx storage.ReadTx) error {
		raw, err := tx.Get(storage.Key(storage.NSBlobs, blobID))
		found = raw != nil
		return err
	})
	if err != nil {
		return false, fmt.Errorf("has blob %q: %w", blobID, err)
	}
	return found, nil
}

// ReadBlob reassembles a blob from its chunks in chunk order.
func (ix *Indexer) ReadBlob(blobID string) ([]byte, error) {
	var data []byte
	found := false
	err := ix.store.View(func(tx storage.ReadTx) error {
		prefix := storage.Key(storage.NSBlobChunks, blobID) + storage.Sep
		return tx.Scan(prefix, func(key string, value []byte) error {
			found = true
			data = append(data, value...)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read blob %q: %w", blobID, err)
	}
	if !found {
		return nil, fmt.Errorf("read blob %q: %w", blobID, ErrBlobNotFound)
	}
	return data, nil
}

// History returns every indexed file change in apply order, oldest first.
// A non-empty glob pattern filters by the change's path; "**" and "*"
// carry their usual meanings.
func (ix *Indexer) History(pattern string) ([]models.IndexedChange, error) {
	var ids []string
	err := ix.store.View(func(tx storage.ReadTx) error {
		return tx.Scan(storage.NSHistory+storage.Sep, func(key string, value []byte) error {
			ids = append(ids, string(value))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("history scan: %w", err)
	}

	changes := make([]models.IndexedChange, 0, len(ids))
	for _, id := range ids {
		ch, err := ix.GetChange(id)
		if err != nil {
			return nil, err
		}
		if ch == nil {
			ix.logger.Warn("history entry without change record", "change", id)
			continue
		}
		if pattern != "" {
			path := models.DetailsPath(ch.Details)
			if path == "" || !matchGlob(pattern, path) {
				continue
			}
		}
		changes = append(changes, *ch)
	}
	return changes, nil
}

// AllFileStates resolves every live branch of a path, current head first,
// each with its own content.
func (ix *Indexer) AllFileStates(path string) ([]models.FileState, error) {
	f, err := ix.GetFile(path)
	if err != nil || f == nil {
		return nil, err
	}

	states := []models.FileState{}
	head, err := ix.branchState(f.Writer, f.Change, f.BlobID, f.Bytes)
	if err != nil {
		return nil, err
	}
	states = append(states, *head)

	for _, id := range f.OtherChanges {
		ch, err := ix.GetChange(id)
		if err != nil {
			return nil, err
		}
		if ch == nil {
			continue
		}
		blobID, bytes := models.DetailsBlob(ch.Details)
		st, err := ix.branchState(ch.Writer, ch.ID, blobID, bytes)
		if err != nil {
			return nil, err
		}
		states = append(states, *st)
	}
	return states, nil
}

func (ix *Indexer) branchState(writer []byte, changeID, blobID string, bytes int64) (*models.FileState, error) {
	st := &models.FileState{
		Writer: append([]byte(nil), writer...),
		Change: changeID,
		Data:   []byte{},
	}
	if blobID == "" || bytes == 0 {
		return st, nil
	}
	data, err := ix.ReadBlob(blobID)
	if err != nil {
		return nil, err
	}
	st.Data = data
	return st, nil
}

func (ix *Indexer) materialize(f *models.IndexedFile) (*models.FileInfo, error) {
	info := &models.FileInfo{
		Path:         f.Path,
		Timestamp:    f.Timestamp,
		Bytes:        f.Bytes,
		Writer:       append([]byte(nil), f.Writer...),
		Change:       f.Change,
		NoMerge:      f.NoMerge,
		OtherChanges: []models.FileInfo{},
	}
	for _, id := range f.OtherChanges {
		ch, err := ix.GetChange(id)
		if err != nil {
			return nil, err
		}
		if ch == nil {
			ix.logger.Warn("conflict branch without change record", "change", id)
			continue
		}
		_, bytes := models.DetailsBlob(ch.Details)
		info.OtherChanges = append(info.OtherChanges, models.FileInfo{
			Path:      models.DetailsPath(ch.Details),
			Timestamp: ch.Timestamp,
			Bytes:     bytes,
			Writer:    append([]byte(nil), ch.Writer...),
			Change:    ch.ID,
		})
	}
	info.Conflict = len(info.OtherChanges) > 0 && !f.NoMerge
	return info, nil
}

func matchGlob(pattern, path string) bool {
	ok, err := doublestar.Match(strings.TrimPrefix(pattern, "/"), strings.TrimPrefix(path, "/"))
	return err == nil && ok
}
