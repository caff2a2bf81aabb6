package memtable

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/emberkv/emberkv/internal/record"
)

// ErrFrozen is returned when Put (of a value or a tombstone) is
// attempted against a frozen MemTable; readers may still query it.
var ErrFrozen = errors.New("memtable: frozen")

// MemTable is the ordered, in-memory buffer of recent writes spec.md's
// §4.2 describes: a skip list keyed by raw bytes, tracking size and
// entry-count so the engine can decide when to rotate. Durability is
// the engine's concern (it owns the WAL and appends before calling
// Put); MemTable itself is purely an in-memory structure.
type MemTable struct {
	mu      sync.RWMutex
	sl      *skipList
	size    atomic.Int64 // sum of encoded key+value bytes
	entries atomic.Int64 // number of distinct keys
	frozen  atomic.Bool
}

// New creates an empty, mutable MemTable.
func New() *MemTable {
	return &MemTable{sl: newSkipList()}
}

// Put inserts or overwrites rec under key. Returns ErrFrozen if the
// MemTable has been frozen.
func (mt *MemTable) Put(key []byte, rec record.Record) error {
	if mt.frozen.Load() {
		return ErrFrozen
	}

	mt.mu.Lock()
	defer mt.mu.Unlock()

	if mt.frozen.Load() {
		return ErrFrozen
	}

	old, existed := mt.sl.put(key, rec)

	delta := int64(len(key) + len(rec.Value))
	if existed {
		delta -= int64(len(key) + len(old.Value))
	} else {
		mt.entries.Add(1)
	}
	mt.size.Add(delta)

	return nil
}

// Get looks up key, returning the record and whether it was found. A
// tombstone is returned as found=true with Kind==record.KindDelete;
// callers distinguish "not found" from "deleted" by inspecting Kind.
func (mt *MemTable) Get(key []byte) (record.Record, bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.sl.get(key)
}

// Size returns the sum of encoded key+value bytes currently held.
func (mt *MemTable) Size() int64 {
	return mt.size.Load()
}

// EntryCount returns the number of distinct keys currently held.
func (mt *MemTable) EntryCount() int64 {
	return mt.entries.Load()
}

// Freeze marks the MemTable immutable. Idempotent. Reads keep working;
// Put returns ErrFrozen from then on.
func (mt *MemTable) Freeze() {
	mt.frozen.Store(true)
}

// IsFrozen reports whether Freeze has been called.
func (mt *MemTable) IsFrozen() bool {
	return mt.frozen.Load()
}

// NewIterator returns an iterator over every key in the table, in
// ascending order. Safe to use concurrently with reads; per spec.md
// §4.2, only valid against a frozen table for the duration of a scan
// that must not observe concurrent writes (a live table's iterator can
// still observe writes that race with iteration, since the iterator
// walks the skip list without holding mu once it is positioned).
func (mt *MemTable) NewIterator() *Iterator {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.sl.newIterator()
}

// NewIteratorFrom returns an iterator starting at the first key >= start.
func (mt *MemTable) NewIteratorFrom(start []byte) *Iterator {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.sl.newIteratorFrom(start)
}
