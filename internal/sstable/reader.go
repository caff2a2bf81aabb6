package sstable

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/emberkv/emberkv/internal/bloom"
	"github.com/emberkv/emberkv/internal/codec"
	"github.com/emberkv/emberkv/internal/record"
)

// Reader opens a published SSTable file, keeping its metadata, sparse
// index, and bloom filter resident in memory (spec.md §9's "bloom
// persistence... left to the implementer"; this module keeps all three
// resident since a table's own index/bloom footprint is bounded by its
// key count, not the workload).
type Reader struct {
	path     string
	file     *os.File
	fileSize int64

	meta  metadata
	index []indexEntry
	bloom *bloom.Filter

	dataEnd uint64 // byte offset where the data section ends (== index_off)
	fileID  uint64
}

// NewReader opens path, validates its footer, and loads the index,
// bloom, and metadata blocks.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := stat.Size()
	if size < footerSize {
		f.Close()
		return nil, ErrBadMagic
	}

	footerBuf := make([]byte, footerSize)
	if _, err := f.ReadAt(footerBuf, size-footerSize); err != nil {
		f.Close()
		return nil, err
	}
	ft, err := decodeFooter(footerBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	indexBuf := make([]byte, ft.indexLen)
	if _, err := f.ReadAt(indexBuf, int64(ft.indexOff)); err != nil {
		f.Close()
		return nil, err
	}
	index, err := decodeIndex(indexBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	bloomBuf := make([]byte, ft.bloomLen)
	if _, err := f.ReadAt(bloomBuf, int64(ft.bloomOff)); err != nil {
		f.Close()
		return nil, err
	}
	bf, err := bloom.Decode(bloomBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	metaBuf := make([]byte, ft.metaLen)
	if _, err := f.ReadAt(metaBuf, int64(ft.metaOff)); err != nil {
		f.Close()
		return nil, err
	}
	meta, err := decodeMetadata(metaBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Reader{
		path:     path,
		file:     f,
		fileSize: size,
		meta:     meta,
		index:    index,
		bloom:    bf,
		dataEnd:  ft.indexOff,
		fileID:   ParseFileID(path),
	}, nil
}

// ParseFileID extracts the zero-padded monotonic file id from an
// SSTable's base filename (spec.md §6), returning 0 if the name
// doesn't parse.
func ParseFileID(path string) uint64 {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	n, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Path returns the file path this Reader was opened from.
func (r *Reader) Path() string { return r.path }

// FileID returns the table's monotonic file identifier.
func (r *Reader) FileID() uint64 { return r.fileID }

// MinKey and MaxKey return the inclusive key range covered by the
// table.
func (r *Reader) MinKey() []byte { return r.meta.minKey }
func (r *Reader) MaxKey() []byte { return r.meta.maxKey }

// KeyCount returns the number of distinct keys in the table.
func (r *Reader) KeyCount() uint64 { return r.meta.keyCount }

// SeqRange returns the lowest and highest sequence numbers recorded in
// this table, used to reconstruct the engine's sequence high-water
// mark at recovery.
func (r *Reader) SeqRange() (min, max uint64) { return r.meta.seqMin, r.meta.seqMax }

// Size returns the on-disk size of the data+index+bloom+meta+footer.
func (r *Reader) Size() int64 { return r.fileSize }

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// inRange reports whether key falls within [MinKey, MaxKey].
func (r *Reader) inRange(key []byte) bool {
	return bytes.Compare(key, r.meta.minKey) >= 0 && bytes.Compare(key, r.meta.maxKey) <= 0
}

// indexFloor returns the index of the greatest entry whose key is <=
// target, or -1 if target precedes every indexed key.
func (r *Reader) indexFloor(target []byte) int {
	i := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].key, target) > 0
	})
	return i - 1
}

// Get performs spec.md §4.4's four-step point lookup: range check,
// bloom check, sparse-index binary search, bounded linear scan.
func (r *Reader) Get(key []byte) (record.Record, bool, error) {
	if r.meta.keyCount == 0 || !r.inRange(key) {
		return record.Record{}, false, nil
	}
	if !r.bloom.MayContain(key) {
		return record.Record{}, false, nil
	}

	floor := r.indexFloor(key)
	if floor < 0 {
		floor = 0
	}
	start := int64(r.index[floor].offset)
	end := int64(r.dataEnd)
	if floor+1 < len(r.index) {
		end = int64(r.index[floor+1].offset)
	}

	buf := make([]byte, end-start)
	if _, err := r.file.ReadAt(buf, start); err != nil {
		return record.Record{}, false, err
	}

	for pos := 0; pos < len(buf); {
		rec, n, err := decodeRecordAt(buf[pos:])
		if err != nil {
			return record.Record{}, false, err
		}
		cmp := bytes.Compare(rec.Key, key)
		if cmp == 0 {
			return record.Record{
				Key:   codec.CopyBytes(rec.Key),
				Value: codec.CopyBytes(rec.Value),
				Kind:  rec.Kind,
				Seq:   rec.Seq,
			}, true, nil
		}
		if cmp > 0 {
			return record.Record{}, false, nil
		}
		pos += n
	}

	return record.Record{}, false, nil
}
