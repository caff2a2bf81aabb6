package manifest

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/emberkv/emberkv/internal/record"
	"github.com/emberkv/emberkv/internal/sstable"
)

func buildTable(t *testing.T, dir string, id int, keys []string) *sstable.Reader {
	t.Helper()
	path := filepath.Join(dir, fmt.Sprintf("%06d.sst", id))
	w, err := sstable.NewWriter(path, sstable.WriterOptions{CapacityHint: uint64(len(keys))})
	require.NoError(t, err)
	for i, k := range keys {
		require.NoError(t, w.Write(record.Record{
			Key: []byte(k), Value: []byte("v"), Kind: record.KindPut, Seq: uint64(i + 1),
		}))
	}
	r, err := w.Finalize()
	require.NoError(t, err)
	return r
}

func TestOpenReconstructsLevels(t *testing.T) {
	dir := t.TempDir()
	r1 := buildTable(t, filepath.Join(dir, "level_0"), 1, []string{"a", "b"})
	r1.Close()
	r2 := buildTable(t, filepath.Join(dir, "level_0"), 2, []string{"c", "d"})
	r2.Close()

	m, err := Open(dir, 4, nil)
	require.NoError(t, err)
	defer m.Close()

	require.Equal(t, 2, m.Level(0).Count())
	snap := m.Level(0).Snapshot()
	defer func() {
		for _, h := range snap {
			h.Release()
		}
	}()
	require.EqualValues(t, 2, snap[0].Reader().FileID())
	require.EqualValues(t, 1, snap[1].Reader().FileID())
}

func TestLevelOneOrderedByMinKey(t *testing.T) {
	dir := t.TempDir()
	buildTable(t, filepath.Join(dir, "level_1"), 2, []string{"m", "n"}).Close()
	buildTable(t, filepath.Join(dir, "level_1"), 1, []string{"a", "b"}).Close()

	m, err := Open(dir, 4, nil)
	require.NoError(t, err)
	defer m.Close()

	snap := m.Level(1).Snapshot()
	defer func() {
		for _, h := range snap {
			h.Release()
		}
	}()
	require.Equal(t, []byte("a"), snap[0].Reader().MinKey())
	require.Equal(t, []byte("m"), snap[1].Reader().MinKey())
}

func TestFindContaining(t *testing.T) {
	dir := t.TempDir()
	buildTable(t, filepath.Join(dir, "level_1"), 1, []string{"a", "b", "c"}).Close()
	buildTable(t, filepath.Join(dir, "level_1"), 2, []string{"m", "n", "o"}).Close()

	m, err := Open(dir, 4, nil)
	require.NoError(t, err)
	defer m.Close()

	h := m.Level(1).FindContaining([]byte("b"))
	require.NotNil(t, h)
	require.EqualValues(t, 1, h.Reader().FileID())
	h.Release()

	require.Nil(t, m.Level(1).FindContaining([]byte("z")))
}

func TestInstallAddsAndObsoletes(t *testing.T) {
	dir := t.TempDir()
	old := buildTable(t, filepath.Join(dir, "level_0"), 1, []string{"a"})

	m, err := Open(dir, 4, nil)
	require.NoError(t, err)
	defer m.Close()

	require.Equal(t, 1, m.Level(0).Count())
	oldHandle := m.Level(0).Snapshot()[0]
	oldHandle.Release() // drop the snapshot ref taken above; keep manifest's own ref

	merged := buildTable(t, filepath.Join(dir, "level_1"), 10, []string{"a"})
	m.Install(1, []*sstable.Reader{merged}, []*Handle{oldHandle})

	require.Equal(t, 0, m.Level(0).Count())
	require.Equal(t, 1, m.Level(1).Count())
	old.Close()
}
