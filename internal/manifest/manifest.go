package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/emberkv/emberkv/internal/sstable"
)

// Manifest owns the in-memory, per-level view of every published
// SSTable and the on-disk `level_<i>/` directories that back it.
// There is no separate manifest file: the directory listing itself is
// the source of truth, reconstructed at Open per spec.md §4.5. The one
// divergence that directory listing alone can't resolve — a crash
// between a compaction output's rename-into-place and its inputs being
// unlinked (spec.md §4.6 "Installation") — is handled by the small
// supersede-marker sidecars in supersede.go: Open consults them to
// finish discarding stale inputs before building each level's list.
type Manifest struct {
	dataDir string
	log     *logrus.Logger
	levels  []*Level
}

func levelDir(dataDir string, i int) string {
	return filepath.Join(dataDir, fmt.Sprintf("level_%d", i))
}

type rawTable struct {
	handle *Handle
	path   string
}

// Open reconstructs the manifest by globbing level_<i>/*.sst for every
// level in [0, maxLevels) and loading each table's footer. Orphaned
// `*.sst.tmp-*` staging files left by a crash mid-compaction (spec.md
// §4.6 "a crash before rename leaves orphan temp files") are removed.
// A table whose footer fails to parse is skipped and logged rather
// than failing Open, per spec.md §7's Corruption handling.
//
// A second pass then applies every supersede marker found: a table
// named as superseded by one of its own siblings' markers was an input
// to a compaction whose output was durably renamed into place before
// the crash that left it behind, so it is stale regardless of what the
// ordinary directory listing suggests — it is closed, deleted, and
// excluded from the level it would otherwise have joined, eliminating
// the overlapping-range duplicate spec.md §8's disjoint-levels property
// forbids.
func Open(dataDir string, maxLevels int, log *logrus.Logger) (*Manifest, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	m := &Manifest{dataDir: dataDir, log: log, levels: make([]*Level, maxLevels)}

	raw := make([]map[uint64]rawTable, maxLevels)
	superseded := make(map[int]map[uint64]bool)
	var markerPaths []string

	for i := 0; i < maxLevels; i++ {
		dir := levelDir(dataDir, i)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}

		tmpMatches, _ := filepath.Glob(filepath.Join(dir, "*.sst.tmp-*"))
		for _, p := range tmpMatches {
			os.Remove(p)
		}

		matches, err := filepath.Glob(filepath.Join(dir, "*.sst"))
		if err != nil {
			return nil, err
		}

		raw[i] = make(map[uint64]rawTable, len(matches))
		for _, p := range matches {
			reader, err := sstable.NewReader(p)
			if err != nil {
				log.WithFields(logrus.Fields{"path": p, "err": err}).Warn("manifest: skipping unreadable sstable")
				continue
			}
			raw[i][reader.FileID()] = rawTable{handle: newHandle(reader), path: p}

			refs, err := readSupersedeMarker(p)
			if err != nil {
				log.WithFields(logrus.Fields{"path": p, "err": err}).Warn("manifest: skipping unreadable supersede marker")
				continue
			}
			if len(refs) == 0 {
				continue
			}
			markerPaths = append(markerPaths, p)
			for _, ref := range refs {
				if superseded[ref.Level] == nil {
					superseded[ref.Level] = make(map[uint64]bool)
				}
				superseded[ref.Level][ref.FileID] = true
			}
		}
	}

	for i := 0; i < maxLevels; i++ {
		level := newLevel(i)
		for id, t := range raw[i] {
			if superseded[i][id] {
				log.WithFields(logrus.Fields{"path": t.path, "level": i}).
					Warn("manifest: discarding stale compaction input left by a crash before unlink")
				t.handle.reader.Close()
				os.Remove(t.path)
				continue
			}
			level.addLocked(t.handle)
		}
		m.levels[i] = level
	}

	for _, p := range markerPaths {
		removeSupersedeMarker(p)
	}

	return m, nil
}

// MaxLevels returns the number of levels this manifest was opened with.
func (m *Manifest) MaxLevels() int { return len(m.levels) }

// Level returns the Level at index i.
func (m *Manifest) Level(i int) *Level { return m.levels[i] }

// LevelDir returns the directory a new table for level i should be
// published into. Open creates every level directory up front.
func (m *Manifest) LevelDir(i int) string { return levelDir(m.dataDir, i) }

// HighestSeq scans every table's metadata across all levels and
// returns the largest sequence number observed, used to reconstruct
// the engine's sequence counter at recovery (spec.md §3 "Sequence
// numbers are ... persisted at least implicitly").
func (m *Manifest) HighestSeq() uint64 {
	var max uint64
	for _, level := range m.levels {
		for _, h := range level.Snapshot() {
			_, seqMax := h.Reader().SeqRange()
			if seqMax > max {
				max = seqMax
			}
			h.Release()
		}
	}
	return max
}

// Install publishes newTables into targetLevel and removes inputs from
// their source levels, in that order — spec.md §4.6's "manifest is
// atomically updated: add new tables, remove inputs", executed here as
// two in-memory mutations with add always preceding remove so a
// concurrent reader's snapshot never observes neither the new tables
// nor the old ones.
func (m *Manifest) Install(targetLevel int, newTables []*sstable.Reader, inputs []*Handle) {
	for _, r := range newTables {
		m.levels[targetLevel].add(newHandle(r))
	}

	bySrc := make(map[int][]*Handle)
	for _, h := range inputs {
		lvl := findLevelOf(m.levels, h)
		if lvl < 0 {
			continue
		}
		bySrc[lvl] = append(bySrc[lvl], h)
	}
	for lvl, hs := range bySrc {
		m.levels[lvl].remove(hs)
	}
}

func findLevelOf(levels []*Level, target *Handle) int {
	for _, l := range levels {
		l.mu.Lock()
		for _, h := range l.tables {
			if h == target {
				l.mu.Unlock()
				return l.number
			}
		}
		l.mu.Unlock()
	}
	return -1
}

// Close releases the manifest's own reference on every table. Safe to
// call once at engine shutdown.
func (m *Manifest) Close() error {
	var firstErr error
	for _, level := range m.levels {
		level.mu.Lock()
		for _, h := range level.tables {
			h.Release()
		}
		level.tables = nil
		level.mu.Unlock()
	}
	return firstErr
}
