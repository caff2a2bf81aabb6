package compaction

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/emberkv/emberkv/internal/manifest"
	"github.com/emberkv/emberkv/internal/record"
	"github.com/emberkv/emberkv/internal/sstable"
)

// Config carries the tuning knobs spec.md §6 lists for the compaction
// scheduler.
type Config struct {
	// MaxLevels is the depth of the level hierarchy.
	MaxLevels int
	// L0Threshold is the level-0 table count that triggers a
	// level-0-to-1 compaction.
	L0Threshold int
	// BaseSizeBytes and LevelSizeMultiplier define the level i >= 1
	// trigger: total bytes in level i > BaseSizeBytes * multiplier^i.
	BaseSizeBytes       int64
	LevelSizeMultiplier float64
	// TargetFileSize bounds a compaction output file; output rolls
	// over to a new table at a key boundary once reached.
	TargetFileSize int64
	// IndexInterval and BloomFPRate are forwarded to every output
	// table's Writer.
	IndexInterval int
	BloomFPRate   float64
	// PollInterval is how often the scheduler checks level populations
	// absent an explicit Trigger wake-up.
	PollInterval time.Duration
}

// DefaultConfig returns spec.md §6's suggested defaults.
func DefaultConfig() Config {
	return Config{
		MaxLevels:           7,
		L0Threshold:         4,
		BaseSizeBytes:       8 << 20,
		LevelSizeMultiplier: 10,
		TargetFileSize:      16 << 20,
		IndexInterval:       sstable.DefaultIndexInterval,
		BloomFPRate:         sstable.DefaultBloomFPRate,
		PollInterval:        200 * time.Millisecond,
	}
}

// Scheduler runs the background compaction loop spec.md §4.6 and §5
// describe: it wakes on a poll interval or an explicit Trigger (sent
// after a flush installs a new level-0 table), evaluates every
// level's trigger condition, and merges the first level whose
// condition holds.
type Scheduler struct {
	cfg      Config
	manifest *manifest.Manifest
	nextID   func() uint64
	log      *logrus.Logger

	trigger chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup

	statsMu     sync.Mutex
	compactions uint64
	bytesMerged uint64
}

// NewScheduler builds a Scheduler. nextID allocates the monotonic file
// id for each output table, shared with the engine's flush path so
// every SSTable in the data directory carries a unique identifier.
func NewScheduler(cfg Config, m *manifest.Manifest, nextID func() uint64, log *logrus.Logger) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scheduler{
		cfg:      cfg,
		manifest: m,
		nextID:   nextID,
		log:      log,
		trigger:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Trigger wakes the scheduler without blocking if it is idle.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run executes the scheduler loop until ctx is cancelled or Stop is
// called. Intended to be run inside an errgroup.Group by the engine.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		case <-ticker.C:
		case <-s.trigger:
		}

		for {
			did, err := s.runOnePass(ctx)
			if err != nil {
				s.log.WithError(err).Warn("compaction: pass failed, will retry")
				break
			}
			if !did {
				break
			}
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

// Stop signals Run to return; safe to call more than once.
func (s *Scheduler) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// Stats returns the running totals this scheduler has accumulated.
func (s *Scheduler) Stats() (compactions, bytesMerged uint64) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.compactions, s.bytesMerged
}

// runOnePass evaluates triggers in order (level 0 first, then levels
// 1..MaxLevels-2 ascending) and performs at most one merge.
func (s *Scheduler) runOnePass(ctx context.Context) (bool, error) {
	l0 := s.manifest.Level(0)
	if l0.Count() >= s.cfg.L0Threshold {
		return true, s.compactLevelZero(ctx)
	}

	for i := 1; i < s.cfg.MaxLevels-1; i++ {
		level := s.manifest.Level(i)
		threshold := int64(float64(s.cfg.BaseSizeBytes) * math.Pow(s.cfg.LevelSizeMultiplier, float64(i)))
		if level.TotalBytes() > threshold {
			return true, s.compactLevel(ctx, i)
		}
	}

	return false, nil
}

func (s *Scheduler) compactLevelZero(ctx context.Context) error {
	inputs := s.manifest.Level(0).Snapshot()
	if len(inputs) == 0 {
		return nil
	}

	minKey, maxKey := unionRange(inputs)
	overlap := s.manifest.Level(1).FindOverlapping(minKey, maxKey)
	levels := make([]int, len(inputs), len(inputs)+len(overlap))
	for i := range inputs {
		levels[i] = 0
	}
	for range overlap {
		levels = append(levels, 1)
	}
	inputs = append(inputs, overlap...)

	return s.mergeAndInstall(ctx, inputs, levels, 1)
}

func (s *Scheduler) compactLevel(ctx context.Context, i int) error {
	snap := s.manifest.Level(i).Snapshot()
	if len(snap) == 0 {
		return nil
	}

	victim := snap[0]
	for _, h := range snap[1:] {
		if h.Reader().FileID() < victim.Reader().FileID() {
			victim = h
		}
	}
	for _, h := range snap {
		if h != victim {
			h.Release()
		}
	}

	overlap := s.manifest.Level(i + 1).FindOverlapping(victim.Reader().MinKey(), victim.Reader().MaxKey())
	inputs := append([]*manifest.Handle{victim}, overlap...)
	levels := make([]int, 1, 1+len(overlap))
	levels[0] = i
	for range overlap {
		levels = append(levels, i+1)
	}

	return s.mergeAndInstall(ctx, inputs, levels, i+1)
}

// mergeAndInstall runs the k-way merge over inputs and installs the
// output into targetLevel, dropping tombstones only when targetLevel
// is the deepest configured level (spec.md §4.6, §9 Open Questions).
// inputLevels carries each entry of inputs' originating level, in the
// same order, so every output table can be marked with the full set of
// inputs it supersedes (manifest.WriteSupersedeMarker) before any input
// is unlinked: spec.md §4.6 "Installation" admits a crash between an
// output's rename-into-place and its inputs' removal, and the marker
// is what lets the next Manifest.Open tell such a stale, not-yet-
// unlinked input apart from a legitimately published table.
func (s *Scheduler) mergeAndInstall(ctx context.Context, inputs []*manifest.Handle, inputLevels []int, targetLevel int) error {
	defer func() {
		for _, h := range inputs {
			h.Release()
		}
	}()

	isDeepest := targetLevel == s.cfg.MaxLevels-1

	refs := make([]manifest.SupersededRef, len(inputs))
	for i, h := range inputs {
		refs[i] = manifest.SupersededRef{Level: inputLevels[i], FileID: h.Reader().FileID()}
	}

	sources := make([]record.Iterator, 0, len(inputs))
	for _, h := range inputs {
		it, err := h.Reader().NewIterator()
		if err != nil {
			return fmt.Errorf("compaction: open iterator: %w", err)
		}
		sources = append(sources, it)
	}

	merged, err := NewMergeIterator(sources)
	if err != nil {
		return fmt.Errorf("compaction: merge: %w", err)
	}

	var outputs []*sstable.Reader
	var writer *sstable.Writer
	var mergedBytes uint64

	abandon := func() {
		if writer != nil {
			writer.Abandon()
		}
		for _, r := range outputs {
			r.Close()
		}
	}

	rollIfNeeded := func() error {
		if writer != nil && writer.Size() >= s.cfg.TargetFileSize {
			reader, err := writer.Finalize()
			if err != nil {
				return err
			}
			if err := manifest.WriteSupersedeMarker(reader.Path(), refs); err != nil {
				reader.Close()
				return err
			}
			outputs = append(outputs, reader)
			writer = nil
		}
		return nil
	}

	dir := s.manifest.LevelDir(targetLevel)

	for merged.Valid() {
		if ctx.Err() != nil {
			abandon()
			return ctx.Err()
		}

		rec := merged.Record()
		if !(rec.IsTombstone() && isDeepest) {
			if writer == nil {
				path := filepath.Join(dir, fmt.Sprintf("%06d.sst", s.nextID()))
				writer, err = sstable.NewWriter(path, sstable.WriterOptions{
					IndexInterval: s.cfg.IndexInterval,
					BloomFPRate:   s.cfg.BloomFPRate,
					CapacityHint:  1024,
				})
				if err != nil {
					abandon()
					return fmt.Errorf("compaction: new writer: %w", err)
				}
			}
			if err := writer.Write(rec); err != nil {
				abandon()
				return fmt.Errorf("compaction: write: %w", err)
			}
			mergedBytes += uint64(len(rec.Key) + len(rec.Value))

			if err := rollIfNeeded(); err != nil {
				abandon()
				return err
			}
		}

		if err := merged.Next(); err != nil {
			abandon()
			return fmt.Errorf("compaction: advance: %w", err)
		}
	}

	if writer != nil {
		reader, err := writer.Finalize()
		if err != nil {
			abandon()
			return fmt.Errorf("compaction: finalize: %w", err)
		}
		if err := manifest.WriteSupersedeMarker(reader.Path(), refs); err != nil {
			reader.Close()
			abandon()
			return fmt.Errorf("compaction: write supersede marker: %w", err)
		}
		outputs = append(outputs, reader)
	}

	s.manifest.Install(targetLevel, outputs, inputs)

	for _, r := range outputs {
		manifest.ClearSupersedeMarker(r.Path())
	}

	s.statsMu.Lock()
	s.compactions++
	s.bytesMerged += mergedBytes
	s.statsMu.Unlock()

	return nil
}

func unionRange(handles []*manifest.Handle) (min, max []byte) {
	for i, h := range handles {
		r := h.Reader()
		if i == 0 || bytes.Compare(r.MinKey(), min) < 0 {
			min = r.MinKey()
		}
		if i == 0 || bytes.Compare(r.MaxKey(), max) > 0 {
			max = r.MaxKey()
		}
	}
	return min, max
}
