package engine

import (
	"bytes"
	"context"
	"fmt"

	"github.com/emberkv/emberkv/internal/compaction"
	"github.com/emberkv/emberkv/internal/manifest"
	"github.com/emberkv/emberkv/internal/record"
)

// KV is one key/value pair surfaced by a range scan.
type KV struct {
	Key   []byte
	Value []byte
}

// ScanIterator streams the merged, tombstone-free view of every key in
// [start, end) across the active MemTable, the frozen MemTable, and
// every table whose range overlaps the scan, newest version of each
// key winning (spec.md §4.8's range scan, built on the same k-way merge
// compaction uses). end == nil means unbounded.
type ScanIterator struct {
	ctx     context.Context
	end     []byte
	merged  *compaction.MergeIterator
	handles []*manifest.Handle

	cur       KV
	err       error
	exhausted bool
}

// Scan opens a ScanIterator over [start, end). The caller must call
// Close when done to release acquired table references, even if Next
// is never called or returns false early.
func (e *Engine) Scan(ctx context.Context, start, end []byte) (*ScanIterator, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	e.statsMu.Lock()
	e.stats.Scans++
	e.statsMu.Unlock()

	var sources []record.Iterator
	var handles []*manifest.Handle

	if mt := e.active.Load(); mt != nil {
		sources = append(sources, mt.NewIteratorFrom(start))
	}
	if mt := e.frozen.Load(); mt != nil {
		sources = append(sources, mt.NewIteratorFrom(start))
	}

	l0 := e.manifest.Level(0).Snapshot()
	handles = append(handles, l0...)
	for _, h := range l0 {
		it, err := h.Reader().NewIteratorFrom(start)
		if err != nil {
			releaseAll(handles)
			return nil, fmt.Errorf("engine: scan: level-0 iterator: %w", err)
		}
		sources = append(sources, it)
	}

	for i := 1; i < e.manifest.MaxLevels(); i++ {
		overlap := e.manifest.Level(i).FindOverlapping(start, upperBoundOrMax(end))
		handles = append(handles, overlap...)
		for _, h := range overlap {
			it, err := h.Reader().NewIteratorFrom(start)
			if err != nil {
				releaseAll(handles)
				return nil, fmt.Errorf("engine: scan: level iterator: %w", err)
			}
			sources = append(sources, it)
		}
	}

	merged, err := compaction.NewMergeIterator(sources)
	if err != nil {
		releaseAll(handles)
		return nil, fmt.Errorf("engine: scan: merge: %w", err)
	}

	return &ScanIterator{ctx: ctx, end: end, merged: merged, handles: handles}, nil
}

// upperBoundOrMax returns end, or a sentinel key no real key exceeds
// when the scan is unbounded, so FindOverlapping still gets a usable
// upper bound for its range-intersection check.
func upperBoundOrMax(end []byte) []byte {
	if end == nil {
		return bytes.Repeat([]byte{0xff}, 256)
	}
	return end
}

// Next advances the iterator to the next live, in-range key, skipping
// tombstones (a scan never surfaces a deleted key) and stopping once
// end is reached. It reports whether a value is available; call KV to
// retrieve it.
func (si *ScanIterator) Next() bool {
	if si.err != nil || si.exhausted {
		return false
	}

	for si.merged.Valid() {
		if si.ctx != nil && si.ctx.Err() != nil {
			si.err = si.ctx.Err()
			si.exhausted = true
			return false
		}
		if si.end != nil && bytes.Compare(si.merged.Key(), si.end) >= 0 {
			si.exhausted = true
			return false
		}

		rec := si.merged.Record()
		if err := si.merged.Next(); err != nil {
			si.err = err
			si.exhausted = true
			return false
		}
		if rec.IsTombstone() {
			continue
		}
		si.cur = KV{Key: rec.Key, Value: rec.Value}
		return true
	}

	si.exhausted = true
	return false
}

// KV returns the current key/value pair. Only valid immediately after
// a call to Next returned true.
func (si *ScanIterator) KV() KV { return si.cur }

// Err returns the first error encountered, if any (including a
// cancelled context).
func (si *ScanIterator) Err() error { return si.err }

// Close releases every table reference the scan acquired.
func (si *ScanIterator) Close() error {
	releaseAll(si.handles)
	si.handles = nil
	return nil
}
