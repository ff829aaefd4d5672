// Package boltdb implements the storage contract on top of bbolt.
// One database file holds two buckets: the materialized index and the raw
// operation logs. bbolt's B-tree keeps keys sorted, which gives the prefix
// scans the index layout depends on, and its transactions give the
// all-or-nothing batch semantics the apply engine requires.
package boltdb

import (
	"bytes"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/peerfs/internal/storage"
)

var (
	// BoltDB bucket names
	bucketIndex = []byte("index")
	bucketOplog = []byte("oplog")
)

// Storage owns the bbolt database backing one workspace.
type Storage struct {
	db *bbolt.DB
}

// New opens (or creates) the workspace database at dbPath.
func New(dbPath string) (*Storage, error) {
	db, err := bbolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	s := &Storage{db: db}
	if err := s.initBuckets(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Index returns the store view over the materialized-index bucket.
func (s *Storage) Index() storage.Store {
	return &bucketStore{s: s, bucket: bucketIndex}
}

// Oplog returns the store view over the operation-log bucket.
func (s *Storage) Oplog() storage.Store {
	return &bucketStore{s: s, bucket: bucketOplog}
}

func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketIndex, bucketOplog} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %q: %w", b, err)
			}
		}
		return nil
	})
}

// bucketStore adapts one bolt bucket to the storage.Store contract.
type bucketStore struct {
	s      *Storage
	bucket []byte
}

func (b *bucketStore) View(fn func(storage.ReadTx) error) error {
	if b.s.db == nil {
		return storage.ErrStorageClosed
	}
	return b.s.db.View(func(tx *bbolt.Tx) error {
		return fn(&boltTx{b: tx.Bucket(b.bucket)})
	})
}

func (b *bucketStore) Update(fn func(storage.Tx) error) error {
	if b.s.db == nil {
		return storage.ErrStorageClosed
	}
	return b.s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltTx{b: tx.Bucket(b.bucket)})
	})
}

// boltTx implements both ReadTx and Tx over a single bolt bucket.
type boltTx struct {
	b *bbolt.Bucket
}

func (t *boltTx) Get(key string) ([]byte, error) {
	v := t.b.Get([]byte(key))
	if v == nil {
		return nil, nil
	}
	// bbolt память валидна только внутри транзакции - копируем
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (t *boltTx) Scan(prefix string, fn func(key string, value []byte) error) error {
	c := t.b.Cursor()
	p := []byte(prefix)
	for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
		val := make([]byte, len(v))
		copy(val, v)
		if err := fn(string(k), val); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTx) Put(key string, value []byte) error {
	return t.b.Put([]byte(key), value)
}

func (t *boltTx) Delete(key string) error {
	return t.b.Delete([]byte(key))
}

func (t *boltTx) DeletePrefix(prefix string) error {
	// Сначала собираем ключи, потом удаляем: мутация курсора во время
	// итерации в bbolt ненадежна.
	var keys [][]byte
	c := t.b.Cursor()
	p := []byte(prefix)
	for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := t.b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
