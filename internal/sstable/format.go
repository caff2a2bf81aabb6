// Package sstable implements the immutable, indexed, bloom-filtered
// on-disk table format spec.md §4.4 describes: data blocks of
// key-sorted records, a sparse index, a bloom filter block, a metadata
// block, and a fixed-width footer, with a Writer/Reader/Iterator
// lifecycle: the builder consumes a sorted stream and finalize renames
// the result into place.
package sstable

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/emberkv/emberkv/internal/codec"
	"github.com/emberkv/emberkv/internal/record"
)

// magic identifies a valid EmberKV SSTable file; spelled out in ASCII
// as "EmbrKV1" padded with a leading 0x00, matching spec.md §6's
// "sentinel" footer magic.
const magic uint64 = 0x00456D6272_4B5631

// formatVersion is bumped whenever the on-disk layout changes.
const formatVersion uint32 = 1

// footerSize is the fixed width of the trailer spec.md §6 calls for:
// magic:8 + version:4 + index_off:8 + index_len:4 + bloom_off:8 +
// bloom_len:4 + meta_off:8 + meta_len:4.
const footerSize = 48

// ErrBadMagic is returned when a file's footer does not carry the
// expected magic number — spec.md §4.4's "malformed footer marks the
// SSTable unusable".
var ErrBadMagic = fmt.Errorf("sstable: bad magic or unsupported version")

// ErrEmptyTable is returned when Finalize is called without any
// records having been written.
var ErrEmptyTable = fmt.Errorf("sstable: no records written")

type footer struct {
	indexOff, bloomOff, metaOff uint64
	indexLen, bloomLen, metaLen uint32
}

func (f footer) encode() []byte {
	buf := make([]byte, footerSize)
	binary.LittleEndian.PutUint64(buf[0:8], magic)
	binary.LittleEndian.PutUint32(buf[8:12], formatVersion)
	binary.LittleEndian.PutUint64(buf[12:20], f.indexOff)
	binary.LittleEndian.PutUint32(buf[20:24], f.indexLen)
	binary.LittleEndian.PutUint64(buf[24:32], f.bloomOff)
	binary.LittleEndian.PutUint32(buf[32:36], f.bloomLen)
	binary.LittleEndian.PutUint64(buf[36:44], f.metaOff)
	binary.LittleEndian.PutUint32(buf[44:48], f.metaLen)
	return buf
}

func decodeFooter(buf []byte) (footer, error) {
	if len(buf) != footerSize {
		return footer{}, ErrBadMagic
	}
	if binary.LittleEndian.Uint64(buf[0:8]) != magic {
		return footer{}, ErrBadMagic
	}
	if binary.LittleEndian.Uint32(buf[8:12]) != formatVersion {
		return footer{}, ErrBadMagic
	}
	return footer{
		indexOff: binary.LittleEndian.Uint64(buf[12:20]),
		indexLen: binary.LittleEndian.Uint32(buf[20:24]),
		bloomOff: binary.LittleEndian.Uint64(buf[24:32]),
		bloomLen: binary.LittleEndian.Uint32(buf[32:36]),
		metaOff:  binary.LittleEndian.Uint64(buf[36:44]),
		metaLen:  binary.LittleEndian.Uint32(buf[44:48]),
	}, nil
}

// metadata is the fixed summary block spec.md §4.4 item 4 describes:
// min/max key, key count, sequence range, and the bloom sizing params
// the filter was built with. The filter's hash count is read back from
// the bloom block itself, not from these params.
type metadata struct {
	minKey, maxKey     []byte
	keyCount           uint64
	seqMin, seqMax     uint64
	bloomFPRate        float64
	bloomCapacityHint  uint64
}

func (m metadata) encode() []byte {
	buf := make([]byte, 0, 10+len(m.minKey)+10+len(m.maxKey)+8*5)
	buf = codec.PutUvarint(buf, uint64(len(m.minKey)))
	buf = append(buf, m.minKey...)
	buf = codec.PutUvarint(buf, uint64(len(m.maxKey)))
	buf = append(buf, m.maxKey...)

	var tail [40]byte
	binary.LittleEndian.PutUint64(tail[0:8], m.keyCount)
	binary.LittleEndian.PutUint64(tail[8:16], m.seqMin)
	binary.LittleEndian.PutUint64(tail[16:24], m.seqMax)
	binary.LittleEndian.PutUint64(tail[24:32], math.Float64bits(m.bloomFPRate))
	binary.LittleEndian.PutUint64(tail[32:40], m.bloomCapacityHint)
	buf = append(buf, tail[:]...)
	return buf
}

func decodeMetadata(buf []byte) (metadata, error) {
	r := codec.NewByteSliceReader(buf)

	minLen, err := codec.ReadUvarint(r)
	if err != nil {
		return metadata{}, ErrBadMagic
	}
	if r.Pos()+int(minLen) > len(buf) {
		return metadata{}, ErrBadMagic
	}
	minKey := append([]byte(nil), buf[r.Pos():r.Pos()+int(minLen)]...)
	advance(r, int(minLen))

	maxLen, err := codec.ReadUvarint(r)
	if err != nil {
		return metadata{}, ErrBadMagic
	}
	if r.Pos()+int(maxLen) > len(buf) {
		return metadata{}, ErrBadMagic
	}
	maxKey := append([]byte(nil), buf[r.Pos():r.Pos()+int(maxLen)]...)
	advance(r, int(maxLen))

	rest := r.Remaining()
	if len(rest) < 40 {
		return metadata{}, ErrBadMagic
	}

	return metadata{
		minKey:            minKey,
		maxKey:            maxKey,
		keyCount:          binary.LittleEndian.Uint64(rest[0:8]),
		seqMin:            binary.LittleEndian.Uint64(rest[8:16]),
		seqMax:            binary.LittleEndian.Uint64(rest[16:24]),
		bloomFPRate:       math.Float64frombits(binary.LittleEndian.Uint64(rest[24:32])),
		bloomCapacityHint: binary.LittleEndian.Uint64(rest[32:40]),
	}, nil
}

// advance consumes n raw bytes from a ByteSliceReader positioned right
// after a varint read, so callers can interleave varint-prefixed
// fields with raw byte spans without a second reader type.
func advance(r *codec.ByteSliceReader, n int) {
	for i := 0; i < n; i++ {
		if _, err := r.ReadByte(); err != nil {
			return
		}
	}
}

// indexEntry maps a sparsely-sampled key to the byte offset of its
// record within the data section.
type indexEntry struct {
	key    []byte
	offset uint64
}

func encodeIndex(entries []indexEntry) []byte {
	buf := codec.PutUvarint(nil, uint64(len(entries)))
	for _, e := range entries {
		buf = codec.PutUvarint(buf, uint64(len(e.key)))
		buf = append(buf, e.key...)
		var off [8]byte
		binary.LittleEndian.PutUint64(off[:], e.offset)
		buf = append(buf, off[:]...)
	}
	return buf
}

func decodeIndex(buf []byte) ([]indexEntry, error) {
	r := codec.NewByteSliceReader(buf)
	count, err := codec.ReadUvarint(r)
	if err != nil {
		return nil, ErrBadMagic
	}

	entries := make([]indexEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		klen, err := codec.ReadUvarint(r)
		if err != nil {
			return nil, ErrBadMagic
		}
		if r.Pos()+int(klen)+8 > len(buf) {
			return nil, ErrBadMagic
		}
		key := append([]byte(nil), buf[r.Pos():r.Pos()+int(klen)]...)
		advance(r, int(klen))

		off := binary.LittleEndian.Uint64(buf[r.Pos() : r.Pos()+8])
		advance(r, 8)

		entries = append(entries, indexEntry{key: key, offset: off})
	}
	return entries, nil
}

// encodeRecord writes [op:1][seq:8][key_len:varint][key][value_len:varint][value],
// the data-block record encoding of spec.md §4.4.
func encodeRecord(rec record.Record) []byte {
	buf := make([]byte, 0, 1+8+10+len(rec.Key)+10+len(rec.Value))
	buf = append(buf, byte(rec.Kind))
	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], rec.Seq)
	buf = append(buf, seqBuf[:]...)
	buf = codec.PutUvarint(buf, uint64(len(rec.Key)))
	buf = append(buf, rec.Key...)
	buf = codec.PutUvarint(buf, uint64(len(rec.Value)))
	buf = append(buf, rec.Value...)
	return buf
}

// decodeRecordAt decodes one record starting at buf[0], returning the
// record and the number of bytes consumed.
func decodeRecordAt(buf []byte) (record.Record, int, error) {
	if len(buf) < 1+8 {
		return record.Record{}, 0, ErrBadMagic
	}
	kind := record.Kind(buf[0])
	seq := binary.LittleEndian.Uint64(buf[1:9])
	pos := 9

	klen, n := binary.Uvarint(buf[pos:])
	if n <= 0 {
		return record.Record{}, 0, ErrBadMagic
	}
	pos += n
	if pos+int(klen) > len(buf) {
		return record.Record{}, 0, ErrBadMagic
	}
	key := buf[pos : pos+int(klen)]
	pos += int(klen)

	vlen, n := binary.Uvarint(buf[pos:])
	if n <= 0 {
		return record.Record{}, 0, ErrBadMagic
	}
	pos += n
	if pos+int(vlen) > len(buf) {
		return record.Record{}, 0, ErrBadMagic
	}
	val := buf[pos : pos+int(vlen)]
	pos += int(vlen)

	return record.Record{Key: key, Value: val, Kind: kind, Seq: seq}, pos, nil
}
