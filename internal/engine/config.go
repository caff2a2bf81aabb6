package engine

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/emberkv/emberkv/internal/sstable"
)

// Config is the single construction-time configuration record spec.md
// §6 calls for: "The core exposes these as a single configuration
// record passed at construction; no global process state." There is no
// flag/env/file loading layer here — that's explicitly out of scope
// per spec.md §1, so every field is a plain Go value with a documented
// default.
type Config struct {
	// DataDir is the root directory for persistent state.
	DataDir string

	// MemtableMaxBytes is the encoded key+value byte threshold that
	// triggers a MemTable rotation.
	MemtableMaxBytes int64
	// MemtableMaxEntries is the distinct-key count threshold that
	// triggers a MemTable rotation.
	MemtableMaxEntries int64

	// MaxLevels is the depth of the level hierarchy.
	MaxLevels int
	// LevelSizeMultiplier is the per-level size growth factor used by
	// the compaction trigger for levels >= 1.
	LevelSizeMultiplier float64
	// CompactionBaseSizeBytes is the base_size spec.md §4.6's level
	// i >= 1 trigger compares against: bytes_i > base_size * multiplier^i.
	CompactionBaseSizeBytes int64
	// CompactionTargetFileSize bounds a compaction output file.
	CompactionTargetFileSize int64
	// L0CompactionThreshold is the level-0 table count that triggers a
	// level-0-to-1 compaction.
	L0CompactionThreshold int
	// CompactionPollInterval is how often the scheduler checks level
	// populations absent an explicit post-flush wake-up.
	CompactionPollInterval time.Duration

	// WALSyncOnWrite, if true, fsyncs the WAL on every Append.
	WALSyncOnWrite bool

	// SSTableIndexInterval controls how often a sparse index entry is
	// emitted (one per N records).
	SSTableIndexInterval int
	// SSTableBloomFPRate is the target false-positive rate for each
	// table's bloom filter.
	SSTableBloomFPRate float64

	// MaxKeySize and MaxValueSize bound individual writes; exceeding
	// either fails the write with ErrInvalidInput.
	MaxKeySize   int
	MaxValueSize int

	// Logger receives structured lifecycle and recovery logging. A
	// nil Logger falls back to logrus's standard logger.
	Logger *logrus.Logger
}

// DefaultConfig returns a Config with the defaults spec.md §6
// suggests, rooted at dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir: dataDir,

		MemtableMaxBytes:   4 << 20,
		MemtableMaxEntries: 10_000,

		MaxLevels:                7,
		LevelSizeMultiplier:      10,
		CompactionBaseSizeBytes:  8 << 20,
		CompactionTargetFileSize: 16 << 20,
		L0CompactionThreshold:    4,
		CompactionPollInterval:   200 * time.Millisecond,

		WALSyncOnWrite: false,

		SSTableIndexInterval: sstable.DefaultIndexInterval,
		SSTableBloomFPRate:   sstable.DefaultBloomFPRate,

		MaxKeySize:   1 << 16,
		MaxValueSize: 8 << 20,

		Logger: logrus.StandardLogger(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.DataDir)
	if c.MemtableMaxBytes <= 0 {
		c.MemtableMaxBytes = d.MemtableMaxBytes
	}
	if c.MemtableMaxEntries <= 0 {
		c.MemtableMaxEntries = d.MemtableMaxEntries
	}
	if c.MaxLevels <= 0 {
		c.MaxLevels = d.MaxLevels
	}
	if c.LevelSizeMultiplier <= 0 {
		c.LevelSizeMultiplier = d.LevelSizeMultiplier
	}
	if c.CompactionBaseSizeBytes <= 0 {
		c.CompactionBaseSizeBytes = d.CompactionBaseSizeBytes
	}
	if c.CompactionTargetFileSize <= 0 {
		c.CompactionTargetFileSize = d.CompactionTargetFileSize
	}
	if c.L0CompactionThreshold <= 0 {
		c.L0CompactionThreshold = d.L0CompactionThreshold
	}
	if c.CompactionPollInterval <= 0 {
		c.CompactionPollInterval = d.CompactionPollInterval
	}
	if c.SSTableIndexInterval <= 0 {
		c.SSTableIndexInterval = d.SSTableIndexInterval
	}
	if c.SSTableBloomFPRate <= 0 {
		c.SSTableBloomFPRate = d.SSTableBloomFPRate
	}
	if c.MaxKeySize <= 0 {
		c.MaxKeySize = d.MaxKeySize
	}
	if c.MaxValueSize <= 0 {
		c.MaxValueSize = d.MaxValueSize
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	return c
}
