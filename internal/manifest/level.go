package manifest

import (
	"bytes"
	"sort"
	"sync"
)

// Level holds the SSTable handles for one level of the tree. Level 0
// keeps insertion order reversed (newest file id first) since its
// tables may overlap in key range; levels >= 1 stay sorted by min key,
// enforcing the "disjoint sibling ranges" invariant spec.md §3 and §8
// require, so a lookup is a single binary search.
type Level struct {
	mu     sync.Mutex
	number int
	tables []*Handle
}

func newLevel(number int) *Level {
	return &Level{number: number}
}

// Number returns the level's index.
func (l *Level) Number() int { return l.number }

// Snapshot returns a copy of the current table list with an additional
// reference acquired on each handle; the caller must Release every
// returned handle once done. Taking the snapshot and releasing the
// lock before any I/O is spec.md §5's "readers copy references
// (ref-counted) and release the lock before I/O".
func (l *Level) Snapshot() []*Handle {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*Handle, len(l.tables))
	for i, h := range l.tables {
		out[i] = h.Acquire()
	}
	return out
}

// Count returns the number of tables currently in the level.
func (l *Level) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tables)
}

// TotalBytes returns the sum of on-disk sizes of every table in the
// level, the quantity spec.md §4.6's level-i >= 1 compaction trigger
// compares against `base_size * multiplier^i`.
func (l *Level) TotalBytes() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total int64
	for _, h := range l.tables {
		total += h.Reader().Size()
	}
	return total
}

// add inserts h in the level's canonical order.
func (l *Level) add(h *Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addLocked(h)
}

func (l *Level) addLocked(h *Handle) {
	if l.number == 0 {
		// Newest (highest file id) first.
		idx := sort.Search(len(l.tables), func(i int) bool {
			return l.tables[i].Reader().FileID() < h.Reader().FileID()
		})
		l.tables = append(l.tables, nil)
		copy(l.tables[idx+1:], l.tables[idx:])
		l.tables[idx] = h
		return
	}

	idx := sort.Search(len(l.tables), func(i int) bool {
		return bytes.Compare(l.tables[i].Reader().MinKey(), h.Reader().MinKey()) >= 0
	})
	l.tables = append(l.tables, nil)
	copy(l.tables[idx+1:], l.tables[idx:])
	l.tables[idx] = h
}

// remove drops the handles in remove from the level's list and marks
// each obsolete. It takes l.mu itself.
func (l *Level) remove(remove []*Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()

	dead := make(map[*Handle]bool, len(remove))
	for _, h := range remove {
		dead[h] = true
	}

	kept := l.tables[:0:0]
	for _, h := range l.tables {
		if dead[h] {
			h.markObsolete()
			continue
		}
		kept = append(kept, h)
	}
	l.tables = kept
}

// FindOverlapping returns every table in the level whose key range
// intersects [minKey, maxKey], in the level's own order, each with an
// additional reference acquired that the caller must Release.
func (l *Level) FindOverlapping(minKey, maxKey []byte) []*Handle {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*Handle
	for _, h := range l.tables {
		r := h.Reader()
		if bytes.Compare(r.MinKey(), maxKey) <= 0 && bytes.Compare(r.MaxKey(), minKey) >= 0 {
			out = append(out, h.Acquire())
		}
	}
	return out
}

// FindContaining returns the at-most-one table in a sorted level
// (number >= 1) whose key range could contain key, via binary search
// per spec.md §4.5.
func (l *Level) FindContaining(key []byte) *Handle {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := sort.Search(len(l.tables), func(i int) bool {
		return bytes.Compare(l.tables[i].Reader().MaxKey(), key) >= 0
	})
	if i >= len(l.tables) {
		return nil
	}
	h := l.tables[i]
	if bytes.Compare(h.Reader().MinKey(), key) > 0 {
		return nil
	}
	return h.Acquire()
}
