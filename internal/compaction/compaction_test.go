package compaction

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/emberkv/emberkv/internal/manifest"
	"github.com/emberkv/emberkv/internal/record"
	"github.com/emberkv/emberkv/internal/sstable"
)

func newIDAllocator(start uint64) func() uint64 {
	var n atomic.Uint64
	n.Store(start)
	return func() uint64 { return n.Add(1) }
}

func writeLevelTable(t *testing.T, dataDir string, level, id int, recs []record.Record) {
	t.Helper()
	dir := filepath.Join(dataDir, fmt.Sprintf("level_%d", level))
	path := filepath.Join(dir, fmt.Sprintf("%06d.sst", id))
	w, err := sstable.NewWriter(path, sstable.WriterOptions{CapacityHint: uint64(len(recs))})
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, w.Write(r))
	}
	reader, err := w.Finalize()
	require.NoError(t, err)
	reader.Close()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxLevels = 3
	cfg.L0Threshold = 2
	return cfg
}

func TestCompactLevelZeroMergesIntoLevelOne(t *testing.T) {
	dir := t.TempDir()
	writeLevelTable(t, dir, 0, 1, []record.Record{
		{Key: []byte("a"), Value: []byte("1"), Kind: record.KindPut, Seq: 1},
	})
	writeLevelTable(t, dir, 0, 2, []record.Record{
		{Key: []byte("a"), Value: []byte("2"), Kind: record.KindPut, Seq: 2},
		{Key: []byte("b"), Value: []byte("3"), Kind: record.KindPut, Seq: 3},
	})

	m, err := manifest.Open(dir, 3, nil)
	require.NoError(t, err)
	defer m.Close()

	sched := NewScheduler(testConfig(), m, newIDAllocator(100), nil)
	require.NoError(t, sched.compactLevelZero(context.Background()))

	require.Equal(t, 0, m.Level(0).Count())
	require.Equal(t, 1, m.Level(1).Count())

	h := m.Level(1).FindContaining([]byte("a"))
	require.NotNil(t, h)
	got, found, err := h.Reader().Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("2"), got.Value) // higher seq wins
	h.Release()
}

func TestCompactionDropsTombstoneAtDeepestLevel(t *testing.T) {
	dir := t.TempDir()
	writeLevelTable(t, dir, 0, 1, []record.Record{
		{Key: []byte("k"), Kind: record.KindDelete, Seq: 5},
	})

	cfg := DefaultConfig()
	cfg.MaxLevels = 2 // level 1 (the compaction target here) is the deepest level
	m, err := manifest.Open(dir, 2, nil)
	require.NoError(t, err)
	defer m.Close()

	sched := NewScheduler(cfg, m, newIDAllocator(200), nil)
	require.NoError(t, sched.compactLevelZero(context.Background()))

	// The only record was a tombstone merged into the deepest level; nothing survives.
	require.Equal(t, 0, m.Level(1).Count())
}

func TestCompactionKeepsTombstoneAtNonDeepestLevel(t *testing.T) {
	dir := t.TempDir()
	writeLevelTable(t, dir, 1, 1, []record.Record{
		{Key: []byte("k"), Kind: record.KindDelete, Seq: 5},
	})

	cfg := DefaultConfig()
	cfg.MaxLevels = 5
	m, err := manifest.Open(dir, 5, nil)
	require.NoError(t, err)
	defer m.Close()

	sched := NewScheduler(cfg, m, newIDAllocator(300), nil)
	require.NoError(t, sched.compactLevel(context.Background(), 1))

	require.Equal(t, 1, m.Level(2).Count())
	h := m.Level(2).FindContaining([]byte("k"))
	require.NotNil(t, h)
	got, found, err := h.Reader().Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, got.IsTombstone())
	h.Release()
}
