package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberkv/emberkv/internal/record"
)

func openWAL(t *testing.T, path string) *Writer {
	t.Helper()
	w, err := Open(path, Options{})
	require.NoError(t, err)
	return w
}

func TestWriteAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	walPath := filepath.Join(tmpDir, "test.wal")

	w := openWAL(t, walPath)

	testData := []record.Record{
		{Key: []byte("key1"), Value: []byte("value1"), Kind: record.KindPut, Seq: 1},
		{Key: []byte("key2"), Value: []byte("value2"), Kind: record.KindPut, Seq: 2},
		{Key: []byte("key3"), Value: []byte("value3"), Kind: record.KindPut, Seq: 3},
	}
	for _, rec := range testData {
		require.NoError(t, w.Append(rec))
	}
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	w2 := openWAL(t, walPath)
	defer w2.Close()

	loaded := make(map[string]record.Record)
	result, err := w2.Load(func(rec record.Record) {
		loaded[string(rec.Key)] = rec
	})
	require.NoError(t, err)

	assert.Equal(t, len(testData), result.Recovered)
	assert.False(t, result.Truncated)
	require.Len(t, loaded, len(testData))

	for _, want := range testData {
		got, ok := loaded[string(want.Key)]
		require.True(t, ok, "key %s not recovered", want.Key)
		assert.Equal(t, string(want.Value), string(got.Value))
		assert.Equal(t, want.Seq, got.Seq)
		assert.Equal(t, want.Kind, got.Kind)
	}
}

func TestTombstone(t *testing.T) {
	tmpDir := t.TempDir()
	walPath := filepath.Join(tmpDir, "test.wal")

	w := openWAL(t, walPath)
	require.NoError(t, w.Append(record.Record{Key: []byte("key1"), Value: []byte("value1"), Kind: record.KindPut, Seq: 1}))
	require.NoError(t, w.Append(record.Record{Key: []byte("key1"), Kind: record.KindDelete, Seq: 2}))
	require.NoError(t, w.Close())

	w2 := openWAL(t, walPath)
	defer w2.Close()

	var last record.Record
	result, err := w2.Load(func(rec record.Record) {
		if string(rec.Key) == "key1" {
			last = rec
		}
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Recovered)
	assert.True(t, last.IsTombstone())
	assert.Equal(t, uint64(2), last.Seq)
}

func TestClose(t *testing.T) {
	tmpDir := t.TempDir()
	walPath := filepath.Join(tmpDir, "test.wal")

	w := openWAL(t, walPath)
	require.NoError(t, w.Close())

	err := w.Append(record.Record{Key: []byte("key"), Value: []byte("value")})
	assert.ErrorIs(t, err, ErrClosed)

	err = w.Sync()
	assert.ErrorIs(t, err, ErrClosed)

	_, err = w.Load(func(record.Record) {})
	assert.ErrorIs(t, err, ErrClosed)

	assert.NoError(t, w.Close(), "second close must be safe")
}

func TestLoadEmptyFile(t *testing.T) {
	tmpDir := t.TempDir()
	walPath := filepath.Join(tmpDir, "empty.wal")

	f, err := os.Create(walPath)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w := openWAL(t, walPath)
	defer w.Close()

	result, err := w.Load(func(record.Record) {
		t.Error("Load callback should not be called for an empty file")
	})
	require.NoError(t, err)
	assert.Zero(t, result.Recovered)
	assert.False(t, result.Truncated)
}

func TestLoadTruncatesTornWrite(t *testing.T) {
	tmpDir := t.TempDir()
	walPath := filepath.Join(tmpDir, "torn.wal")

	w := openWAL(t, walPath)
	require.NoError(t, w.Append(record.Record{Key: []byte("key1"), Value: []byte("value1"), Kind: record.KindPut, Seq: 1}))
	require.NoError(t, w.Append(record.Record{Key: []byte("key2"), Value: []byte("value2"), Kind: record.KindPut, Seq: 2}))
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	info, err := os.Stat(walPath)
	require.NoError(t, err)
	fullSize := info.Size()

	require.NoError(t, os.Truncate(walPath, fullSize-10))

	w2 := openWAL(t, walPath)
	defer w2.Close()

	var keys []string
	result, err := w2.Load(func(rec record.Record) {
		keys = append(keys, string(rec.Key))
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Recovered)
	assert.True(t, result.Truncated)
	assert.Equal(t, []string{"key1"}, keys)

	info, err = os.Stat(walPath)
	require.NoError(t, err)
	assert.Less(t, info.Size(), fullSize)

	require.NoError(t, w2.Append(record.Record{Key: []byte("key3"), Value: []byte("value3"), Kind: record.KindPut, Seq: 3}))
	require.NoError(t, w2.Sync())

	keys = nil
	result, err = w2.Load(func(rec record.Record) {
		keys = append(keys, string(rec.Key))
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Recovered)
	assert.False(t, result.Truncated)
	assert.Equal(t, []string{"key1", "key3"}, keys)
}
