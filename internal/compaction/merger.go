// Package compaction implements the size-tiered merge scheduler spec.md
// §4.6 describes: level-0 and per-level triggers, a k-way merge that
// keeps the highest-sequence record per key, and crash-safe
// installation of merged output into the manifest, driven by two
// explicit triggers (level-0 file count, per-level size ratio) instead
// of a single flat "always merge the oldest N tables" policy.
package compaction

import (
	"bytes"
	"container/heap"

	"github.com/emberkv/emberkv/internal/record"
)

// heapItem wraps one source iterator as an entry of the merge heap.
type heapItem struct {
	it record.Iterator
}

type itemHeap []*heapItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	return bytes.Compare(h[i].it.Key(), h[j].it.Key()) < 0
}
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(*heapItem)) }
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MergeIterator is the k-way merge spec.md §4.6 calls for: for every
// distinct key across all sources, it surfaces the record with the
// highest sequence number and discards the rest, in (key ascending)
// order. Ties are broken by explicit sequence-number comparison rather
// than source order, since level-0 and a stale level-1 sibling can
// disagree about which iterator is "newest".
type MergeIterator struct {
	h       *itemHeap
	current record.Record
	valid   bool
}

// NewMergeIterator builds a merge over sources, which need not be
// pre-sorted relative to each other but must each individually yield
// keys in ascending order.
func NewMergeIterator(sources []record.Iterator) (*MergeIterator, error) {
	h := &itemHeap{}
	heap.Init(h)
	for _, s := range sources {
		if s.Valid() {
			heap.Push(h, &heapItem{it: s})
		}
	}

	mi := &MergeIterator{h: h}
	if err := mi.advance(); err != nil {
		return nil, err
	}
	return mi, nil
}

func (mi *MergeIterator) advance() error {
	if mi.h.Len() == 0 {
		mi.valid = false
		return nil
	}

	key := (*mi.h)[0].it.Key()
	var best record.Record
	first := true

	for mi.h.Len() > 0 && bytes.Equal((*mi.h)[0].it.Key(), key) {
		item := heap.Pop(mi.h).(*heapItem)
		rec := item.it.Record()
		if first || rec.Seq > best.Seq {
			best = rec
			first = false
		}

		if err := item.it.Next(); err != nil {
			return err
		}
		if item.it.Valid() {
			heap.Push(mi.h, item)
		}
	}

	mi.current = best
	mi.valid = true
	return nil
}

// Valid reports whether the merge currently has a record to return.
func (mi *MergeIterator) Valid() bool { return mi.valid }

// Key returns the current merged record's key.
func (mi *MergeIterator) Key() []byte { return mi.current.Key }

// Record returns the current winning record.
func (mi *MergeIterator) Record() record.Record { return mi.current }

// Next advances past the current key, across every source that shared it.
func (mi *MergeIterator) Next() error { return mi.advance() }
