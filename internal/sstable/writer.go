package sstable

import (
	"bufio"
	"os"

	"github.com/google/uuid"

	"github.com/emberkv/emberkv/internal/bloom"
	"github.com/emberkv/emberkv/internal/record"
)

// DefaultIndexInterval is the default "every Nth record" sparse-index
// sampling rate spec.md §4.4 calls for.
const DefaultIndexInterval = 16

// DefaultBloomFPRate is the default target false-positive rate for a
// new table's bloom filter.
const DefaultBloomFPRate = 0.01

// WriterOptions configures a new table build.
type WriterOptions struct {
	// IndexInterval is how often a sparse index entry is emitted (one
	// per N records). Zero selects DefaultIndexInterval.
	IndexInterval int
	// BloomFPRate is the target false-positive rate the bloom filter is
	// sized for. Zero selects DefaultBloomFPRate.
	BloomFPRate float64
	// CapacityHint sizes the bloom filter; it should be the expected
	// number of distinct keys the table will hold.
	CapacityHint uint64
}

// Writer builds one SSTable from records delivered in ascending key
// order. It writes to a temporary file beside the final path and only
// becomes visible at Finalize, via rename-into-place, matching spec.md
// §4.4's "Write path".
type Writer struct {
	finalPath string
	tmpPath   string
	file      *os.File
	buf       *bufio.Writer
	offset    int64

	indexInterval int
	sinceIndex    int
	index         []indexEntry

	bloom *bloom.Filter
	opts  WriterOptions

	minKey, maxKey []byte
	keyCount       uint64
	seqMin, seqMax uint64
	haveSeq        bool
}

// NewWriter opens a temporary file for the table that will eventually
// be published at path.
func NewWriter(path string, opts WriterOptions) (*Writer, error) {
	if opts.IndexInterval <= 0 {
		opts.IndexInterval = DefaultIndexInterval
	}
	if opts.BloomFPRate <= 0 {
		opts.BloomFPRate = DefaultBloomFPRate
	}
	if opts.CapacityHint == 0 {
		opts.CapacityHint = 1024
	}

	tmpPath := path + ".tmp-" + uuid.NewString()
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}

	return &Writer{
		finalPath:     path,
		tmpPath:       tmpPath,
		file:          f,
		buf:           bufio.NewWriterSize(f, 32<<10),
		indexInterval: opts.IndexInterval,
		bloom:         bloom.New(opts.CapacityHint, opts.BloomFPRate),
		opts:          opts,
	}, nil
}

// Size returns the number of data bytes written so far, usable by a
// caller deciding when to roll the output over to a new table.
func (w *Writer) Size() int64 { return w.offset }

// KeyCount returns the number of records written so far.
func (w *Writer) KeyCount() uint64 { return w.keyCount }

// Write appends rec. Callers must supply records in strictly ascending
// key order; Write does not itself enforce that (the merge/flush
// callers already guarantee it).
func (w *Writer) Write(rec record.Record) error {
	if w.sinceIndex%w.indexInterval == 0 {
		w.index = append(w.index, indexEntry{
			key:    append([]byte(nil), rec.Key...),
			offset: uint64(w.offset),
		})
	}
	w.sinceIndex++

	enc := encodeRecord(rec)
	if _, err := w.buf.Write(enc); err != nil {
		return err
	}
	w.offset += int64(len(enc))

	w.bloom.Add(rec.Key)
	w.keyCount++
	if w.minKey == nil {
		w.minKey = append([]byte(nil), rec.Key...)
	}
	w.maxKey = append([]byte(nil), rec.Key...)

	if !w.haveSeq || rec.Seq < w.seqMin {
		w.seqMin = rec.Seq
	}
	if !w.haveSeq || rec.Seq > w.seqMax {
		w.seqMax = rec.Seq
	}
	w.haveSeq = true

	return nil
}

// Abandon closes and removes the temporary file without publishing
// it — used when a merge or flush is cancelled partway through.
func (w *Writer) Abandon() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	os.Remove(w.tmpPath)
	return err
}

// Finalize writes the index, bloom, and metadata blocks plus the
// footer, fsyncs, and renames the temporary file into place. It
// returns a Reader already opened on the published file.
func (w *Writer) Finalize() (*Reader, error) {
	if w.keyCount == 0 {
		w.Abandon()
		return nil, ErrEmptyTable
	}

	indexBytes := encodeIndex(w.index)
	indexOff := w.offset
	if _, err := w.buf.Write(indexBytes); err != nil {
		return nil, err
	}
	w.offset += int64(len(indexBytes))

	bloomBytes := w.bloom.Encode()
	bloomOff := w.offset
	if _, err := w.buf.Write(bloomBytes); err != nil {
		return nil, err
	}
	w.offset += int64(len(bloomBytes))

	metaBytes := metadata{
		minKey:            w.minKey,
		maxKey:            w.maxKey,
		keyCount:          w.keyCount,
		seqMin:            w.seqMin,
		seqMax:            w.seqMax,
		bloomFPRate:       w.opts.BloomFPRate,
		bloomCapacityHint: w.opts.CapacityHint,
	}.encode()
	metaOff := w.offset
	if _, err := w.buf.Write(metaBytes); err != nil {
		return nil, err
	}
	w.offset += int64(len(metaBytes))

	ft := footer{
		indexOff: uint64(indexOff),
		indexLen: uint32(len(indexBytes)),
		bloomOff: uint64(bloomOff),
		bloomLen: uint32(len(bloomBytes)),
		metaOff:  uint64(metaOff),
		metaLen:  uint32(len(metaBytes)),
	}
	if _, err := w.buf.Write(ft.encode()); err != nil {
		return nil, err
	}

	if err := w.buf.Flush(); err != nil {
		return nil, err
	}
	if err := w.file.Sync(); err != nil {
		return nil, err
	}
	if err := w.file.Close(); err != nil {
		return nil, err
	}
	w.file = nil

	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		return nil, err
	}

	return NewReader(w.finalPath)
}
