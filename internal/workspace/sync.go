package workspace

import (
	"fmt"
	"sort"

	"github.com/iudanet/peerfs/internal/crypto"
	"github.com/iudanet/peerfs/internal/models"
	"github.com/iudanet/peerfs/internal/oplog"
)

// entryRef identifies one applied log entry in the canonical order.
type entryRef struct {
	writer string // hex
	seq    uint64
}

// orderedEntry pairs a log entry with its canonical sort key.
type orderedEntry struct {
	writer    []byte
	writerHex string
	entry     oplog.Entry
	ts        int64
}

// LogWriters lists the writer keys of every log this replica carries,
// roster member or not.
func (w *Workspace) LogWriters() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	keys := make([][]byte, 0, len(w.logs))
	for hexKey := range w.logs {
		k, err := crypto.FromHex(hexKey)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return crypto.ToHex(keys[i]) < crypto.ToHex(keys[j])
	})
	return keys
}

// LogEntries exports a writer's log entries with sequence numbers above
// after, signatures included, for transfer to a peer.
func (w *Workspace) LogEntries(writerKey []byte, after uint64) ([]oplog.Entry, error) {
	w.mu.Lock()
	l, ok := w.logs[crypto.ToHex(writerKey)]
	w.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return l.Entries(after)
}

// Ingest verifies and stores a batch of a peer writer's log entries, then
// brings the index up to date. Logs from writers outside the roster are
// kept but not applied until the roster admits them.
func (w *Workspace) Ingest(writerKey []byte, entries []oplog.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	l, err := w.logFor(writerKey)
	if err != nil {
		return err
	}
	if err := l.CopyFrom(entries); err != nil {
		return fmt.Errorf("ingest log %s: %w", crypto.ToHex(writerKey), err)
	}
	return w.updateLocked()
}

// SyncWith exchanges log entries with a peer replica in both directions
// and converges both indexes.
func (w *Workspace) SyncWith(peer *Workspace) error {
	if err := w.pullFrom(peer); err != nil {
		return err
	}
	return peer.pullFrom(w)
}

func (w *Workspace) pullFrom(peer *Workspace) error {
	for _, key := range peer.LogWriters() {
		w.mu.Lock()
		var after uint64
		if l, ok := w.logs[crypto.ToHex(key)]; ok {
			after = l.Len()
		}
		w.mu.Unlock()

		entries, err := peer.LogEntries(key, after)
		if err != nil {
			return err
		}
		if err := w.Ingest(key, entries); err != nil {
			return err
		}
	}
	return nil
}

// Update re-derives the index from all roster logs. It is invoked
// automatically after local writes and ingests; calling it again is
// harmless.
func (w *Workspace) Update() error {
	return w.update()
}

func (w *Workspace) update() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.updateLocked()
}

// updateLocked folds every gated log into the index in the canonical
// total order. If the new order no longer extends the previously applied
// one, some writer's history landed between already-applied entries; the
// index is rebuilt from scratch so every replica converges on the same
// state. Applying a roster change can admit further logs, hence the
// fixpoint loop.
func (w *Workspace) updateLocked() error {
	for {
		gated := w.gatedLogs()
		order, err := w.canonicalOrder(gated)
		if err != nil {
			return err
		}

		start := len(w.lastOrder)
		if !extendsApplied(w.lastOrder, order) {
			if err := w.index.Reset(); err != nil {
				return err
			}
			start = 0
		}

		for batchStart := start; batchStart < len(order); {
			batchEnd := batchStart + 1
			for batchEnd < len(order) && order[batchEnd].writerHex == order[batchStart].writerHex {
				batchEnd++
			}
			batch := make([]oplog.Entry, 0, batchEnd-batchStart)
			for _, oe := range order[batchStart:batchEnd] {
				batch = append(batch, oe.entry)
			}
			if err := w.index.ApplyBatch(order[batchStart].writer, batch); err != nil {
				return err
			}
			batchStart = batchEnd
		}

		w.lastOrder = w.lastOrder[:0]
		for _, oe := range order {
			w.lastOrder = append(w.lastOrder, entryRef{writer: oe.writerHex, seq: oe.entry.Seq})
		}

		if len(w.gatedLogs()) == len(gated) {
			return nil
		}
	}
}

// gatedLogs returns the logs whose writers the index currently trusts:
// the owner always, everyone else by roster membership.
func (w *Workspace) gatedLogs() []*oplog.Log {
	meta := w.index.Meta()
	var logs []*oplog.Log
	for _, l := range w.logs {
		key := l.PublicKey()
		if crypto.ToHex(key) == crypto.ToHex(w.owner) {
			logs = append(logs, l)
			continue
		}
		if meta == nil {
			continue
		}
		for _, rw := range meta.Writers {
			if crypto.ToHex(rw.Key) == crypto.ToHex(key) {
				logs = append(logs, l)
				break
			}
		}
	}
	return logs
}

// canonicalOrder merges all gated logs into one deterministic total order:
// ascending by change timestamp, writer key and sequence number. Blob
// chunks carry no timestamp of their own and inherit the one of the change
// they follow, keeping a blob right behind the put that announced it.
func (w *Workspace) canonicalOrder(logs []*oplog.Log) ([]orderedEntry, error) {
	var order []orderedEntry
	for _, l := range logs {
		entries, err := l.Entries(0)
		if err != nil {
			return nil, err
		}
		stamped := make([]orderedEntry, len(entries))
		var ts int64
		for i, e := range entries {
			op, err := models.DecodeOp(e.Payload)
			if err == nil {
				switch v := op.(type) {
				case models.Declare:
					ts = v.Timestamp
				case models.Change:
					ts = v.Timestamp
				}
			}
			stamped[i] = orderedEntry{
				writer:    l.PublicKey(),
				writerHex: crypto.ToHex(l.PublicKey()),
				entry:     e,
				ts:        ts,
			}
		}
		// Часы писателя могли прыгнуть назад; порядок внутри лога важнее
		for i := 1; i < len(stamped); i++ {
			if stamped[i].ts < stamped[i-1].ts {
				stamped[i].ts = stamped[i-1].ts
			}
		}
		order = append(order, stamped...)
	}

	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.ts != b.ts {
			return a.ts < b.ts
		}
		if a.writerHex != b.writerHex {
			return a.writerHex < b.writerHex
		}
		return a.entry.Seq < b.entry.Seq
	})
	return order, nil
}

// extendsApplied reports whether the new order begins with every entry of
// the previously applied order, in the same positions.
func extendsApplied(applied []entryRef, order []orderedEntry) bool {
	if len(applied) > len(order) {
		return false
	}
	for i, ref := range applied {
		if order[i].writerHex != ref.writer || order[i].entry.Seq != ref.seq {
			return false
		}
	}
	return true
}
