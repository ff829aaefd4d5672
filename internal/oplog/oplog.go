// Package oplog stores per-writer append-only operation logs. Every entry
// is signed by the writer's private key and verified on read, so a replica
// copied from a peer carries its own proof of authorship. The log knows
// nothing about operation semantics; payloads are opaque bytes.
package oplog

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/iudanet/peerfs/internal/crypto"
	"github.com/iudanet/peerfs/internal/storage"
)

const nsLog = "log"

var (
	// ErrNotWritable indicates an append on a log replica without the
	// private key.
	ErrNotWritable = errors.New("log is not writable")

	// ErrBadSignature indicates a stored or ingested entry whose signature
	// does not verify against the log's public key.
	ErrBadSignature = errors.New("log entry signature does not verify")

	// ErrGapInLog indicates ingested entries that do not contiguously
	// extend the replica.
	ErrGapInLog = errors.New("entries do not extend the log contiguously")
)

// Entry is one signed log record. Seq starts at 1.
type Entry struct {
	Seq     uint64 `msgpack:"seq"`
	Payload []byte `msgpack:"payload"`
	Sig     []byte `msgpack:"sig"`
}

// Log is one writer's append-only sequence, persisted in the oplog bucket
// under log\x00<writerHex>\x00<seq BE64>.
type Log struct {
	store storage.Store
	keys  *crypto.KeyPair

	mu     sync.Mutex
	length uint64
}

// Open binds a log for the given identity, loading its current length.
// A replica of a remote writer passes a KeyPair without the private key.
func Open(store storage.Store, keys *crypto.KeyPair) (*Log, error) {
	l := &Log{store: store, keys: keys}
	err := store.View(func(tx storage.ReadTx) error {
		return tx.Scan(l.entryPrefix(), func(key string, _ []byte) error {
			l.length++
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load log length: %w", err)
	}
	return l, nil
}

// PublicKey returns the writer key identifying this log.
func (l *Log) PublicKey() []byte {
	return l.keys.Public
}

// Writable reports whether this process can append to the log.
func (l *Log) Writable() bool {
	return l.keys.Writable()
}

// Len returns the number of entries in the log.
func (l *Log) Len() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.length
}

// Append signs payload and appends it, returning the assigned sequence
// number.
func (l *Log) Append(payload []byte) (uint64, error) {
	if !l.Writable() {
		return 0, ErrNotWritable
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.length + 1
	e := Entry{
		Seq:     seq,
		Payload: payload,
		Sig:     ed25519.Sign(l.keys.Private, signedBytes(seq, payload)),
	}
	if err := l.put(e); err != nil {
		return 0, err
	}
	l.length = seq
	return seq, nil
}

// Entries returns all entries with Seq > after, in order, verifying each
// signature.
func (l *Log) Entries(after uint64) ([]Entry, error) {
	var out []Entry
	err := l.store.View(func(tx storage.ReadTx) error {
		return tx.Scan(l.entryPrefix(), func(key string, value []byte) error {
			var e Entry
			if err := msgpack.Unmarshal(value, &e); err != nil {
				return fmt.Errorf("decode log entry: %w", err)
			}
			if e.Seq <= after {
				return nil
			}
			if !ed25519.Verify(ed25519.PublicKey(l.keys.Public), signedBytes(e.Seq, e.Payload), e.Sig) {
				return fmt.Errorf("%w: seq %d", ErrBadSignature, e.Seq)
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CopyFrom ingests entries produced by the writer's own log elsewhere.
// Entries at or below the current length are ignored; the remainder must
// extend the replica contiguously and carry valid signatures.
func (l *Log) CopyFrom(entries []Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range entries {
		if e.Seq <= l.length {
			continue
		}
		if e.Seq != l.length+1 {
			return fmt.Errorf("%w: have %d, got seq %d", ErrGapInLog, l.length, e.Seq)
		}
		if !ed25519.Verify(ed25519.PublicKey(l.keys.Public), signedBytes(e.Seq, e.Payload), e.Sig) {
			return fmt.Errorf("%w: seq %d", ErrBadSignature, e.Seq)
		}
		if err := l.put(e); err != nil {
			return err
		}
		l.length = e.Seq
	}
	return nil
}

func (l *Log) put(e Entry) error {
	raw, err := msgpack.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}
	return l.store.Update(func(tx storage.Tx) error {
		return tx.Put(l.entryKey(e.Seq), raw)
	})
}

func (l *Log) entryPrefix() string {
	return storage.Key(nsLog, crypto.ToHex(l.keys.Public)) + storage.Sep
}

func (l *Log) entryKey(seq uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return l.entryPrefix() + string(buf[:])
}

// signedBytes is the byte string signatures cover: the sequence number
// followed by the payload, so an entry cannot be replayed at another
// position.
func signedBytes(seq uint64, payload []byte) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(buf[:], payload...)
}

// Writers lists the distinct writer keys that have entries in store.
func Writers(store storage.Store) ([][]byte, error) {
	seen := map[string]bool{}
	var keys [][]byte
	err := store.View(func(tx storage.ReadTx) error {
		return tx.Scan(nsLog+storage.Sep, func(key string, _ []byte) error {
			rest := strings.TrimPrefix(key, nsLog+storage.Sep)
			hexKey, _, ok := strings.Cut(rest, storage.Sep)
			if !ok || seen[hexKey] {
				return nil
			}
			seen[hexKey] = true
			b, err := crypto.FromHex(hexKey)
			if err != nil {
				return nil
			}
			keys = append(keys, b)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list log writers: %w", err)
	}
	return keys, nil
}
