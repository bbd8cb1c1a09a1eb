// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"sync"

	"github.com/google/btree"

	"github.com/absmach/pulse/core"
)

// bitset tracks which messages of a batch entry are still outstanding.
// Bit i set means message i has not been individually acknowledged.
type bitset struct {
	words []uint64
	size  int
}

func newBitset(size int) *bitset {
	b := &bitset{
		words: make([]uint64, (size+63)/64),
		size:  size,
	}
	for i := 0; i < size; i++ {
		b.words[i/64] |= 1 << (uint(i) % 64)
	}
	return b
}

func (b *bitset) clear(i int) {
	if i < 0 || i >= b.size {
		return
	}
	b.words[i/64] &^= 1 << (uint(i) % 64)
}

// clearUpTo clears bits [0..=i].
func (b *bitset) clearUpTo(i int) {
	for j := 0; j <= i && j < b.size; j++ {
		b.clear(j)
	}
}

func (b *bitset) empty() bool {
	for _, w := range b.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// batchEntry is one broker-addressable entry with outstanding bits.
type batchEntry struct {
	key         core.MessageID
	outstanding *bitset
	batchSize   int
}

// batchAckTracker translates per-message acks into broker-visible
// whole-entry acks. Entries are kept in an ordered map because the
// cumulative path needs lower-key lookup and range deletion. All
// operations, including per-entry bit mutations, run under one
// short-lived mutex so pruning cannot interleave with inserts.
type batchAckTracker struct {
	mu      sync.Mutex
	entries *btree.BTreeG[*batchEntry]
}

func newBatchAckTracker() *batchAckTracker {
	return &batchAckTracker{
		entries: btree.NewG(8, func(a, b *batchEntry) bool {
			return a.key.Less(b.key)
		}),
	}
}

// add registers a freshly split batch entry with all bits outstanding.
func (t *batchAckTracker) add(key core.MessageID, batchSize int) {
	t.mu.Lock()
	t.entries.ReplaceOrInsert(&batchEntry{
		key:         key.EntryKey(),
		outstanding: newBitset(batchSize),
		batchSize:   batchSize,
	})
	t.mu.Unlock()
}

// remove drops the entry for key, if present.
func (t *batchAckTracker) remove(key core.MessageID) {
	t.mu.Lock()
	t.entries.Delete(&batchEntry{key: key.EntryKey()})
	t.mu.Unlock()
}

// contains probes for an outstanding entry enclosing id.
func (t *batchAckTracker) contains(id core.MessageID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries.Has(&batchEntry{key: id.EntryKey()})
}

// isEmpty returns true when no batch entry is outstanding.
func (t *batchAckTracker) isEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries.Len() == 0
}

// clear drops all entries; done on subscribe completion and close.
func (t *batchAckTracker) clear() {
	t.mu.Lock()
	t.entries.Clear(false)
	t.mu.Unlock()
}

// markAck applies an ack addressed at one message of a batch entry.
//
// It returns ackable=true when the whole entry became broker-ackable
// (the caller then emits the entry-level ack), along with the batch
// size of the completed entry. When the entry is still partially
// outstanding under a cumulative ack, prior names the greatest strictly
// lower entry; that entry and everything below it have already been
// pruned and the caller must emit a cumulative ack at prior.
//
// An unknown entry reports ackable=true with a zero batch size: the
// batch completed earlier and re-acking it is a harmless no-op.
func (t *batchAckTracker) markAck(id core.MessageID, mode core.AckType) (ackable bool, batchSize int, prior *core.MessageID) {
	key := id.EntryKey()

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries.Get(&batchEntry{key: key})
	if !ok {
		return true, 0, nil
	}

	idx := int(id.BatchIndex)
	if mode == core.AckIndividual {
		entry.outstanding.clear(idx)
	} else {
		entry.outstanding.clearUpTo(idx)
	}

	if entry.outstanding.empty() {
		if mode == core.AckCumulative {
			t.removeUpToLocked(key)
		}
		t.entries.Delete(entry)
		return true, entry.batchSize, nil
	}

	if mode == core.AckCumulative {
		if lower, ok := t.lowerKeyLocked(key); ok {
			t.removeUpToLocked(lower)
			t.entries.Delete(&batchEntry{key: lower})
			return false, 0, &lower
		}
	}
	return false, 0, nil
}

// pruneBelow removes every entry with key strictly less than id. Used
// when a cumulative ack lands on a non-batch identifier, which logically
// covers all lower batch entries.
func (t *batchAckTracker) pruneBelow(id core.MessageID) {
	key := id.EntryKey()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries.Len() == 0 {
		return
	}
	t.removeUpToLocked(key)
}

// lowerKeyLocked returns the greatest key strictly less than key.
func (t *batchAckTracker) lowerKeyLocked(key core.MessageID) (core.MessageID, bool) {
	var lower core.MessageID
	found := false
	t.entries.DescendLessOrEqual(&batchEntry{key: key}, func(e *batchEntry) bool {
		if e.key.Compare(key) == 0 {
			return true
		}
		lower = e.key
		found = true
		return false
	})
	return lower, found
}

// removeUpToLocked removes every entry with key strictly less than key.
func (t *batchAckTracker) removeUpToLocked(key core.MessageID) {
	var doomed []*batchEntry
	t.entries.AscendLessThan(&batchEntry{key: key}, func(e *batchEntry) bool {
		doomed = append(doomed, e)
		return true
	})
	for _, e := range doomed {
		t.entries.Delete(e)
	}
}
