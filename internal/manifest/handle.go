// Package manifest implements the per-level SSTable directory spec.md
// §4.5 describes: one ordered list of table handles per level, kept in
// memory and reconstructed at Open by listing level_<i>/*.sst and
// loading each table's footer. Level 0 stays in newest-file-id-first
// order for reads; levels >= 1 stay sorted by min key so a lookup is a
// single binary search.
package manifest

import (
	"os"
	"sync/atomic"

	"github.com/emberkv/emberkv/internal/sstable"
)

// Handle is a ref-counted reference to a published SSTable, satisfying
// spec.md §9's "cyclic references" note: the manifest holds one strong
// reference for as long as the table is installed, and a reader
// acquires an additional reference for the duration of a lookup.
// Obsoleting a handle (after a compaction installs its replacement)
// releases the manifest's own reference; the underlying file is
// deleted only once the last acquired reference is released, matching
// the SSTable state machine `Published -> Obsoleted -> Deleted` of
// spec.md §4.7.
type Handle struct {
	reader   *sstable.Reader
	refs     atomic.Int32
	obsolete atomic.Bool
}

func newHandle(r *sstable.Reader) *Handle {
	h := &Handle{reader: r}
	h.refs.Store(1)
	return h
}

// Reader returns the underlying SSTable reader.
func (h *Handle) Reader() *sstable.Reader { return h.reader }

// Acquire takes an additional reference, to be released via Release
// once the caller is done reading through this handle.
func (h *Handle) Acquire() *Handle {
	h.refs.Add(1)
	return h
}

// Release drops a reference. When the count reaches zero the
// underlying file is closed, and removed from disk if the handle had
// been marked obsolete.
func (h *Handle) Release() {
	if h.refs.Add(-1) > 0 {
		return
	}
	h.reader.Close()
	if h.obsolete.Load() {
		os.Remove(h.reader.Path())
	}
}

// markObsolete flags the handle as removed from the manifest and
// releases the manifest's own reference, so the file is deleted as
// soon as every in-flight reader releases theirs.
func (h *Handle) markObsolete() {
	h.obsolete.Store(true)
	h.Release()
}
