package sstable

import (
	"bytes"

	"github.com/emberkv/emberkv/internal/record"
)

// Iterator walks a table's data section in ascending key order,
// satisfying record.Iterator so scans and compaction can merge it
// alongside memtable iterators and other tables' iterators.
type Iterator struct {
	r   *Reader
	buf []byte
	pos int

	key   []byte
	rec   record.Record
	valid bool
}

// NewIterator returns an iterator over the whole table.
func (r *Reader) NewIterator() (*Iterator, error) {
	return r.newIteratorFrom(nil)
}

// NewIteratorFrom returns an iterator positioned at the first record
// with key >= start (or the first record, if start is empty),
// supporting spec.md §4.4's range-scan "binary-search the index to
// find the first record with key >= start".
func (r *Reader) NewIteratorFrom(start []byte) (*Iterator, error) {
	return r.newIteratorFrom(start)
}

func (r *Reader) newIteratorFrom(start []byte) (*Iterator, error) {
	if r.meta.keyCount == 0 {
		return &Iterator{r: r}, nil
	}

	var from int64
	if len(start) > 0 {
		floor := r.indexFloor(start)
		if floor < 0 {
			floor = 0
		}
		from = int64(r.index[floor].offset)
	}

	buf := make([]byte, int64(r.dataEnd)-from)
	if len(buf) > 0 {
		if _, err := r.file.ReadAt(buf, from); err != nil {
			return nil, err
		}
	}

	it := &Iterator{r: r, buf: buf}
	if err := it.advance(); err != nil {
		return nil, err
	}
	for it.valid && len(start) > 0 && bytes.Compare(it.key, start) < 0 {
		if err := it.advance(); err != nil {
			return nil, err
		}
	}
	return it, nil
}

func (it *Iterator) advance() error {
	if it.pos >= len(it.buf) {
		it.valid = false
		it.key, it.rec = nil, record.Record{}
		return nil
	}
	rec, n, err := decodeRecordAt(it.buf[it.pos:])
	if err != nil {
		return err
	}
	it.rec = rec
	it.key = rec.Key
	it.pos += n
	it.valid = true
	return nil
}

// Valid reports whether the iterator currently points at an entry.
func (it *Iterator) Valid() bool { return it.valid }

// Key returns the current entry's key.
func (it *Iterator) Key() []byte { return it.key }

// Record returns the current entry's record.
func (it *Iterator) Record() record.Record { return it.rec }

// Next advances to the next entry.
func (it *Iterator) Next() error { return it.advance() }
