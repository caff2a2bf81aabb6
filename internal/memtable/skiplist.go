package memtable

import (
	"bytes"
	"math/rand"
	"time"

	"github.com/emberkv/emberkv/internal/record"
)

// MaxLevel bounds the skip list's tower height.
const MaxLevel = 16

// node holds one key's current record.Record plus its forward pointers
// at each level it participates in.
type node struct {
	key  []byte
	rec  record.Record
	next []*node
}

// skipList is an ordered map from key to record.Record. It provides no
// synchronization of its own; MemTable guards every call with a single
// RWMutex, per spec.md's "single writer, many readers" contract.
type skipList struct {
	head  *node
	level int
	rnd   *rand.Rand
}

func newSkipList() *skipList {
	return &skipList{
		head:  &node{next: make([]*node, MaxLevel)},
		level: 1,
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (sl *skipList) randomLevel() int {
	lvl := 1
	for sl.rnd.Float64() < 0.5 && lvl < MaxLevel {
		lvl++
	}
	return lvl
}

// put inserts or overwrites the record stored under key, returning the
// previous record (if any) so MemTable can adjust its size accounting.
func (sl *skipList) put(key []byte, rec record.Record) (record.Record, bool) {
	update := make([]*node, MaxLevel)
	curr := sl.head

	for i := sl.level - 1; i >= 0; i-- {
		for curr.next[i] != nil && bytes.Compare(curr.next[i].key, key) < 0 {
			curr = curr.next[i]
		}
		update[i] = curr
	}

	curr = curr.next[0]
	if curr != nil && bytes.Equal(curr.key, key) {
		old := curr.rec
		curr.rec = rec
		return old, true
	}

	lvl := sl.randomLevel()
	if lvl > sl.level {
		for i := sl.level; i < lvl; i++ {
			update[i] = sl.head
		}
		sl.level = lvl
	}

	n := &node{
		key:  append([]byte(nil), key...),
		rec:  rec,
		next: make([]*node, lvl),
	}
	for i := 0; i < lvl; i++ {
		n.next[i] = update[i].next[i]
		update[i].next[i] = n
	}

	return record.Record{}, false
}

func (sl *skipList) get(key []byte) (record.Record, bool) {
	curr := sl.head
	for i := sl.level - 1; i >= 0; i-- {
		for curr.next[i] != nil && bytes.Compare(curr.next[i].key, key) < 0 {
			curr = curr.next[i]
		}
	}
	curr = curr.next[0]
	if curr != nil && bytes.Equal(curr.key, key) {
		return curr.rec, true
	}
	return record.Record{}, false
}

// Iterator walks a skipList front to back (or from a starting key). A
// frozen skipList is never written to again, so an iterator taken over
// a frozen MemTable stays stable for its whole lifetime, per spec.md
// §4.2's "range iteration over a frozen MemTable must be immutable".
type Iterator struct {
	curr *node
}

func (sl *skipList) newIterator() *Iterator {
	return &Iterator{curr: sl.head.next[0]}
}

// newIteratorFrom positions the iterator at the first key >= start (or
// the very first key, if start is empty).
func (sl *skipList) newIteratorFrom(start []byte) *Iterator {
	curr := sl.head
	for i := sl.level - 1; i >= 0; i-- {
		for curr.next[i] != nil && bytes.Compare(curr.next[i].key, start) < 0 {
			curr = curr.next[i]
		}
	}
	return &Iterator{curr: curr.next[0]}
}

// Valid reports whether the iterator currently points at an entry.
func (it *Iterator) Valid() bool { return it.curr != nil }

// Key returns the current entry's key. Only valid when Valid() is true.
func (it *Iterator) Key() []byte { return it.curr.key }

// Record returns the current entry's record. Only valid when Valid()
// is true.
func (it *Iterator) Record() record.Record { return it.curr.rec }

// Next advances the iterator to the following entry. Always returns
// nil; it satisfies record.Iterator alongside sources (SSTables, merge
// iterators) whose Next can fail on I/O or corruption.
func (it *Iterator) Next() error {
	if it.curr != nil {
		it.curr = it.curr.next[0]
	}
	return nil
}
