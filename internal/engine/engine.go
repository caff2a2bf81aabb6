// Package engine coordinates the MemTable, WAL, manifest, and
// compaction scheduler into the single durable key-value core spec.md
// §4.8 describes: Put/Delete go through one write path (sequence
// assignment, WAL append, MemTable insert); Get and Scan read across
// the active MemTable, the frozen MemTable (if any), and every level in
// the manifest, newest data first. Rotation, flush, and compaction all
// feed a leveled manifest instead of one flat table slice.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/emberkv/emberkv/internal/codec"
	"github.com/emberkv/emberkv/internal/compaction"
	"github.com/emberkv/emberkv/internal/manifest"
	"github.com/emberkv/emberkv/internal/memtable"
	"github.com/emberkv/emberkv/internal/record"
	"github.com/emberkv/emberkv/internal/sstable"
	"github.com/emberkv/emberkv/internal/wal"
)

var (
	// ErrClosed is returned by any operation on a closed Engine.
	ErrClosed = errors.New("engine: closed")
	// ErrInvalidInput is returned when a key or value exceeds the
	// configured size bound.
	ErrInvalidInput = errors.New("engine: key or value exceeds configured size bound")
)

const activeWALName = "wal.log"

// Engine is the durable, single-process key-value core. One Engine owns
// one DataDir; concurrent Engines over the same directory are not
// supported (no inter-process locking is attempted, matching spec.md's
// single-writer-process assumption).
type Engine struct {
	cfg Config
	log *logrus.Logger

	writeMu sync.Mutex // serializes sequence assignment, WAL append, MemTable insert, rotation
	active  atomic.Pointer[memtable.MemTable]
	activeW atomic.Pointer[wal.Writer]
	frozen  atomic.Pointer[memtable.MemTable]

	seq      *record.SequenceAllocator
	fileIDs  atomic.Uint64
	manifest *manifest.Manifest

	sched *compaction.Scheduler

	flushCh chan flushJob

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group

	closed atomic.Bool

	statsMu sync.Mutex
	stats   Stats
}

type flushJob struct {
	mt      *memtable.MemTable
	walPath string
}

// Stats is a point-in-time snapshot of engine activity counters,
// surfaced by pkg/emberkv and the cmd/emberkv `stats` subcommand.
type Stats struct {
	Puts, Deletes, Gets, Scans uint64
	Flushes                    uint64
	Compactions                uint64
	BytesCompacted             uint64
	LevelCounts                []int
	MemtableBytes              int64
	MemtableEntries            int64
}

// Open opens or creates an Engine rooted at cfg.DataDir, replaying any
// WAL segments left from a prior run (spec.md §4.3 recovery: "oldest
// frozen segment first, then the active segment") before starting the
// background flush and compaction workers.
func Open(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create data dir: %w", err)
	}

	m, err := manifest.Open(cfg.DataDir, cfg.MaxLevels, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("engine: open manifest: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		log:      cfg.Logger,
		seq:      record.NewSequenceAllocator(m.HighestSeq()),
		manifest: m,
		flushCh:  make(chan flushJob, 1),
	}
	e.fileIDs.Store(maxExistingFileID(cfg.DataDir, m))

	if err := e.recover(); err != nil {
		m.Close()
		return nil, fmt.Errorf("engine: recover: %w", err)
	}

	e.sched = compaction.NewScheduler(compaction.Config{
		MaxLevels:           cfg.MaxLevels,
		L0Threshold:         cfg.L0CompactionThreshold,
		BaseSizeBytes:       cfg.CompactionBaseSizeBytes,
		LevelSizeMultiplier: cfg.LevelSizeMultiplier,
		TargetFileSize:      cfg.CompactionTargetFileSize,
		IndexInterval:       cfg.SSTableIndexInterval,
		BloomFPRate:         cfg.SSTableBloomFPRate,
		PollInterval:        cfg.CompactionPollInterval,
	}, m, e.nextFileID, e.log)

	ctx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(ctx)
	e.ctx, e.cancel, e.eg = ctx, cancel, eg

	eg.Go(func() error { return e.sched.Run(egCtx) })
	eg.Go(func() error { e.flushLoop(egCtx); return nil })

	return e, nil
}

func (e *Engine) nextFileID() uint64 { return e.fileIDs.Add(1) }

// recover replays leftover WAL segments from a prior run: any
// `wal.log.<id>` frozen segment is replayed and flushed synchronously
// (it was mid-flush when the process stopped), oldest id first, then
// `wal.log` itself (if present) is replayed into a fresh active
// MemTable and kept live, matching spec.md §4.3.
func (e *Engine) recover() error {
	frozenPaths, err := filepath.Glob(filepath.Join(e.cfg.DataDir, activeWALName+".*"))
	if err != nil {
		return err
	}
	sort.Slice(frozenPaths, func(i, j int) bool {
		return walSegmentID(frozenPaths[i]) < walSegmentID(frozenPaths[j])
	})

	for _, p := range frozenPaths {
		mt, w, err := e.replayWAL(p)
		if err != nil {
			return fmt.Errorf("recover frozen segment %s: %w", p, err)
		}
		w.Close()
		mt.Freeze()
		if err := e.flush(flushJob{mt: mt, walPath: p}); err != nil {
			return fmt.Errorf("flush recovered segment %s: %w", p, err)
		}
	}

	activePath := filepath.Join(e.cfg.DataDir, activeWALName)
	mt, w, err := e.replayWAL(activePath)
	if err != nil {
		return fmt.Errorf("recover active segment: %w", err)
	}
	e.active.Store(mt)
	e.activeW.Store(w)
	return nil
}

// replayWAL opens (creating if absent) the WAL at path, replays its
// frames into a fresh MemTable, and bumps the sequence allocator's
// high-water mark as it goes.
func (e *Engine) replayWAL(path string) (*memtable.MemTable, *wal.Writer, error) {
	w, err := wal.Open(path, wal.Options{SyncOnWrite: e.cfg.WALSyncOnWrite, Logger: e.log})
	if err != nil {
		return nil, nil, err
	}

	mt := memtable.New()
	_, err = w.Load(func(rec record.Record) {
		mt.Put(rec.Key, rec)
		e.seq.Observe(rec.Seq)
	})
	if err != nil {
		w.Close()
		return nil, nil, err
	}
	return mt, w, nil
}

func walSegmentID(path string) uint64 {
	base := filepath.Base(path)
	idx := strings.LastIndex(base, ".")
	if idx < 0 {
		return 0
	}
	n, err := strconv.ParseUint(base[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func maxExistingFileID(dataDir string, m *manifest.Manifest) uint64 {
	var max uint64
	for i := 0; i < m.MaxLevels(); i++ {
		for _, h := range m.Level(i).Snapshot() {
			if id := h.Reader().FileID(); id > max {
				max = id
			}
			h.Release()
		}
	}
	matches, _ := filepath.Glob(filepath.Join(dataDir, activeWALName+".*"))
	for _, p := range matches {
		if id := walSegmentID(p); id > max {
			max = id
		}
	}
	return max
}

// Put writes key=value as the newest version of key.
func (e *Engine) Put(key, value []byte) error {
	return e.write(record.Record{Key: key, Value: value, Kind: record.KindPut})
}

// Delete writes a tombstone for key, masking any older version visible
// through the MemTable or any level below it.
func (e *Engine) Delete(key []byte) error {
	return e.write(record.Record{Key: key, Kind: record.KindDelete})
}

func (e *Engine) write(rec record.Record) error {
	if len(rec.Key) > e.cfg.MaxKeySize || len(rec.Value) > e.cfg.MaxValueSize {
		return ErrInvalidInput
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.closed.Load() {
		return ErrClosed
	}

	rec.Seq = e.seq.Next()

	w := e.activeW.Load()
	if err := w.Append(rec); err != nil {
		return fmt.Errorf("engine: wal append: %w", err)
	}

	mt := e.active.Load()
	if err := mt.Put(rec.Key, rec); err != nil {
		return fmt.Errorf("engine: memtable put: %w", err)
	}

	e.statsMu.Lock()
	if rec.IsTombstone() {
		e.stats.Deletes++
	} else {
		e.stats.Puts++
	}
	e.statsMu.Unlock()

	if mt.Size() >= e.cfg.MemtableMaxBytes || mt.EntryCount() >= e.cfg.MemtableMaxEntries {
		e.rotate()
	}
	return nil
}

// rotate freezes the active MemTable and WAL and starts fresh ones for
// new writes. If a previous rotation's flush hasn't finished yet, it
// is a no-op: the caller's write has already been acknowledged (WAL +
// MemTable), and the next write past the threshold will try again.
// Must be called with writeMu held (spec.md §9 Open Question: writers
// never block on a slow flush).
func (e *Engine) rotate() {
	if e.frozen.Load() != nil {
		return
	}

	oldMT := e.active.Load()
	oldW := e.activeW.Load()
	oldMT.Freeze()

	frozenPath := filepath.Join(e.cfg.DataDir, fmt.Sprintf("%s.%d", activeWALName, e.nextFileID()))
	if err := os.Rename(oldW.Path(), frozenPath); err != nil {
		e.log.WithError(err).Error("engine: rotate: rename wal segment")
		return
	}

	newPath := filepath.Join(e.cfg.DataDir, activeWALName)
	newW, err := wal.Open(newPath, wal.Options{SyncOnWrite: e.cfg.WALSyncOnWrite, Logger: e.log})
	if err != nil {
		e.log.WithError(err).Error("engine: rotate: open new wal segment")
		return
	}

	e.frozen.Store(oldMT)
	e.active.Store(memtable.New())
	e.activeW.Store(newW)

	select {
	case e.flushCh <- flushJob{mt: oldMT, walPath: frozenPath}:
	default:
		// flushLoop already has one queued; unreachable in practice
		// since rotate() refuses to run while e.frozen is set, kept as
		// a safety net rather than a panic.
	}
}

func (e *Engine) flushLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-e.flushCh:
			if err := e.flush(job); err != nil {
				e.log.WithError(err).Error("engine: flush failed")
			}
		}
	}
}

// flush writes job.mt's contents as a new level-0 SSTable, installs it
// into the manifest, removes the now-redundant WAL segment, and wakes
// the compaction scheduler. Used both by the background flushLoop and
// synchronously during recovery of leftover frozen segments.
func (e *Engine) flush(job flushJob) error {
	it := job.mt.NewIterator()
	if !it.Valid() {
		e.frozen.CompareAndSwap(job.mt, nil)
		return wal.Remove(job.walPath)
	}

	path := filepath.Join(e.manifest.LevelDir(0), fmt.Sprintf("%06d.sst", e.nextFileID()))
	w, err := sstable.NewWriter(path, sstable.WriterOptions{
		IndexInterval: e.cfg.SSTableIndexInterval,
		BloomFPRate:   e.cfg.SSTableBloomFPRate,
		CapacityHint:  uint64(job.mt.EntryCount()),
	})
	if err != nil {
		return fmt.Errorf("flush: new writer: %w", err)
	}

	for it.Valid() {
		if err := w.Write(it.Record()); err != nil {
			w.Abandon()
			return fmt.Errorf("flush: write: %w", err)
		}
		it.Next()
	}

	reader, err := w.Finalize()
	if err != nil {
		return fmt.Errorf("flush: finalize: %w", err)
	}

	e.manifest.Install(0, []*sstable.Reader{reader}, nil)

	if err := wal.Remove(job.walPath); err != nil {
		e.log.WithError(err).Warn("flush: remove wal segment")
	}

	e.frozen.CompareAndSwap(job.mt, nil)

	e.statsMu.Lock()
	e.stats.Flushes++
	e.statsMu.Unlock()

	if e.sched != nil {
		e.sched.Trigger()
	}
	return nil
}

// Get returns the value for key if a live (non-tombstone) version of it
// is visible. Searches the active MemTable, the frozen MemTable (if
// any), level 0 newest-to-oldest, and levels >= 1 by a single binary
// search each, stopping at the first match (spec.md §4.8's read path).
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	if e.closed.Load() {
		return nil, false, ErrClosed
	}

	e.statsMu.Lock()
	e.stats.Gets++
	e.statsMu.Unlock()

	if mt := e.active.Load(); mt != nil {
		if rec, ok := mt.Get(key); ok {
			return resolve(rec)
		}
	}
	if mt := e.frozen.Load(); mt != nil {
		if rec, ok := mt.Get(key); ok {
			return resolve(rec)
		}
	}

	l0 := e.manifest.Level(0).Snapshot()
	defer releaseAll(l0)
	for _, h := range l0 {
		rec, found, err := h.Reader().Get(key)
		if err != nil {
			e.log.WithError(err).Warn("engine: get: level-0 table read error")
			continue
		}
		if found {
			return resolve(rec)
		}
	}

	for i := 1; i < e.manifest.MaxLevels(); i++ {
		h := e.manifest.Level(i).FindContaining(key)
		if h == nil {
			continue
		}
		rec, found, err := h.Reader().Get(key)
		h.Release()
		if err != nil {
			e.log.WithError(err).Warn("engine: get: level table read error")
			continue
		}
		if found {
			return resolve(rec)
		}
	}

	return nil, false, nil
}

func resolve(rec record.Record) ([]byte, bool, error) {
	if rec.IsTombstone() {
		return nil, false, nil
	}
	return codec.CopyBytes(rec.Value), true, nil
}

func releaseAll(hs []*manifest.Handle) {
	for _, h := range hs {
		h.Release()
	}
}

// Stats returns a snapshot of engine activity counters.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	snap := e.stats
	e.statsMu.Unlock()

	snap.LevelCounts = make([]int, e.manifest.MaxLevels())
	for i := range snap.LevelCounts {
		snap.LevelCounts[i] = e.manifest.Level(i).Count()
	}
	snap.Compactions, snap.BytesCompacted = e.sched.Stats()
	if mt := e.active.Load(); mt != nil {
		snap.MemtableBytes = mt.Size()
		snap.MemtableEntries = mt.EntryCount()
	}
	return snap
}

// Close stops the background workers and releases every resource the
// Engine holds. Safe to call once; a second call returns ErrClosed.
func (e *Engine) Close() error {
	e.writeMu.Lock()
	if e.closed.Load() {
		e.writeMu.Unlock()
		return ErrClosed
	}
	e.closed.Store(true)
	e.writeMu.Unlock()

	e.sched.Stop()
	e.cancel()
	_ = e.eg.Wait()

	var firstErr error
	if w := e.activeW.Load(); w != nil {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.manifest.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
