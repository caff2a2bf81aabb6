package emberkv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "test-db")
	db, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenClose(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "test-db")
	db, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestOpenEmptyDirRejected(t *testing.T) {
	_, err := Open(Options{})
	require.Error(t, err)
}

func TestPutGet(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Put("key1", "value1"))
	val, err := db.Get("key1")
	require.NoError(t, err)
	require.Equal(t, "value1", val)
}

func TestGetNotFound(t *testing.T) {
	db := openTestDB(t)

	_, err := db.Get("nonexistent")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Put("key1", "value1"))
	require.NoError(t, db.Delete("key1"))

	_, err := db.Get("key1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteNonExistent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Delete("nonexistent"))
}

func TestUpdate(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Put("key1", "value1"))
	require.NoError(t, db.Put("key1", "value2"))

	val, err := db.Get("key1")
	require.NoError(t, err)
	require.Equal(t, "value2", val)
}

func TestMultipleKeys(t *testing.T) {
	db := openTestDB(t)

	testData := map[string]string{"key1": "value1", "key2": "value2", "key3": "value3"}
	for k, v := range testData {
		require.NoError(t, db.Put(k, v))
	}
	for k, expected := range testData {
		val, err := db.Get(k)
		require.NoError(t, err)
		require.Equal(t, expected, val)
	}
}

func TestClosedDB(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "test-db")
	db, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	require.ErrorIs(t, db.Put("key", "value"), ErrClosed)
	require.ErrorIs(t, db.Delete("key"), ErrClosed)

	_, err = db.Get("key")
	require.ErrorIs(t, err, ErrClosed)
}

func TestScanOrderedRange(t *testing.T) {
	db := openTestDB(t)

	for _, k := range []string{"d", "b", "a", "c"} {
		require.NoError(t, db.Put(k, k+"-v"))
	}

	kvs, err := db.Scan(context.Background(), "", "")
	require.NoError(t, err)

	var keys []string
	for _, kv := range kvs {
		keys = append(keys, kv.Key)
	}
	require.Equal(t, []string{"a", "b", "c", "d"}, keys)
}

func TestStats(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Put("a", "1"))
	require.NoError(t, db.Delete("a"))

	stats, err := db.Stats()
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Puts)
	require.EqualValues(t, 1, stats.Deletes)
}
