// Package emberkv is the typed, string-keyed façade over internal/engine
// SPEC_FULL.md §4.10 calls for: a small wrapper most callers use
// instead of the byte-slice internal engine directly: sentinel errors
// plus Open/Put/Get/Delete/Close, with scan and stats operations added
// for the expanded module's surface.
package emberkv

import (
	"context"
	"errors"
	"fmt"

	"github.com/emberkv/emberkv/internal/engine"
)

var (
	// ErrNotFound is returned when a key is not present.
	ErrNotFound = errors.New("emberkv: key not found")
	// ErrClosed is returned by any operation on a closed DB.
	ErrClosed = errors.New("emberkv: db is closed")
)

// DB is an open key-value database backed by an LSM-tree on disk.
type DB struct {
	e *engine.Engine
}

// Options configures Open. A zero Options uses engine.DefaultConfig's
// tuning, rooted at Dir.
type Options struct {
	Dir string

	MemtableMaxBytes   int64
	MemtableMaxEntries int64

	MaxLevels             int
	LevelSizeMultiplier   float64
	L0CompactionThreshold int

	WALSyncOnWrite bool

	MaxKeySize   int
	MaxValueSize int
}

// Open opens (or creates) a database rooted at opts.Dir.
func Open(opts Options) (*DB, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("emberkv: dir cannot be empty")
	}

	cfg := engine.DefaultConfig(opts.Dir)
	if opts.MemtableMaxBytes > 0 {
		cfg.MemtableMaxBytes = opts.MemtableMaxBytes
	}
	if opts.MemtableMaxEntries > 0 {
		cfg.MemtableMaxEntries = opts.MemtableMaxEntries
	}
	if opts.MaxLevels > 0 {
		cfg.MaxLevels = opts.MaxLevels
	}
	if opts.LevelSizeMultiplier > 0 {
		cfg.LevelSizeMultiplier = opts.LevelSizeMultiplier
	}
	if opts.L0CompactionThreshold > 0 {
		cfg.L0CompactionThreshold = opts.L0CompactionThreshold
	}
	if opts.MaxKeySize > 0 {
		cfg.MaxKeySize = opts.MaxKeySize
	}
	if opts.MaxValueSize > 0 {
		cfg.MaxValueSize = opts.MaxValueSize
	}
	cfg.WALSyncOnWrite = opts.WALSyncOnWrite

	e, err := engine.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("emberkv: open: %w", err)
	}
	return &DB{e: e}, nil
}

// Close closes the database and releases every resource it holds.
func (db *DB) Close() error {
	if db.e == nil {
		return ErrClosed
	}
	if err := db.e.Close(); err != nil {
		if errors.Is(err, engine.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("emberkv: close: %w", err)
	}
	return nil
}

// Put stores value under key, overwriting any prior value.
func (db *DB) Put(key, value string) error {
	if db.e == nil {
		return ErrClosed
	}
	if err := db.e.Put([]byte(key), []byte(value)); err != nil {
		return translate(err)
	}
	return nil
}

// Get retrieves the value stored under key. Returns ErrNotFound if the
// key has no live value.
func (db *DB) Get(key string) (string, error) {
	if db.e == nil {
		return "", ErrClosed
	}
	val, found, err := db.e.Get([]byte(key))
	if err != nil {
		return "", translate(err)
	}
	if !found {
		return "", ErrNotFound
	}
	return string(val), nil
}

// Delete removes key. A missing key is not an error.
func (db *DB) Delete(key string) error {
	if db.e == nil {
		return ErrClosed
	}
	if err := db.e.Delete([]byte(key)); err != nil {
		return translate(err)
	}
	return nil
}

// KV is one key/value pair surfaced by Scan.
type KV struct {
	Key   string
	Value string
}

// Scan returns every live key in [start, end) in ascending order. An
// empty end means unbounded.
func (db *DB) Scan(ctx context.Context, start, end string) ([]KV, error) {
	if db.e == nil {
		return nil, ErrClosed
	}

	var startB, endB []byte
	if start != "" {
		startB = []byte(start)
	}
	if end != "" {
		endB = []byte(end)
	}

	it, err := db.e.Scan(ctx, startB, endB)
	if err != nil {
		return nil, translate(err)
	}
	defer it.Close()

	var out []KV
	for it.Next() {
		kv := it.KV()
		out = append(out, KV{Key: string(kv.Key), Value: string(kv.Value)})
	}
	if err := it.Err(); err != nil {
		return out, translate(err)
	}
	return out, nil
}

// Stats returns a snapshot of database activity and level population
// counters, surfaced by the `stats` CLI subcommand.
func (db *DB) Stats() (engine.Stats, error) {
	if db.e == nil {
		return engine.Stats{}, ErrClosed
	}
	return db.e.Stats(), nil
}

func translate(err error) error {
	if errors.Is(err, engine.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("emberkv: %w", err)
}
