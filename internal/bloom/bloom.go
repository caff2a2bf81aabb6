// Package bloom implements the per-SSTable membership filter spec.md
// calls for: a fixed-size probabilistic bit array with no false
// negatives, letting a point lookup skip a table that provably does
// not contain the key before touching any data block.
package bloom

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/twmb/murmur3"
)

// Filter is a Bloom filter over arbitrary byte-string keys.
type Filter struct {
	bits      *bitset.BitSet
	numBits   uint64
	numHashes uint32
}

// New creates a Filter sized for capacity expected keys at the given
// target false-positive rate, using the standard
// m = -n*ln(p)/ln(2)^2, k = (m/n)*ln(2) sizing formulas.
func New(capacity uint64, falsePositiveRate float64) *Filter {
	if capacity == 0 {
		capacity = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	ln2 := math.Log(2)
	m := -(float64(capacity) * math.Log(falsePositiveRate)) / (ln2 * ln2)
	numBits := uint64(math.Ceil(m))
	if numBits < 8 {
		numBits = 8
	}

	k := (float64(numBits) / float64(capacity)) * ln2
	numHashes := uint32(math.Ceil(k))
	if numHashes < 1 {
		numHashes = 1
	}
	if numHashes > 30 {
		numHashes = 30
	}

	return &Filter{
		bits:      bitset.New(uint(numBits)),
		numBits:   numBits,
		numHashes: numHashes,
	}
}

// seeds derives the two independent 64-bit hashes the
// Kirsch-Mitzenmacher construction combines to synthesize numHashes
// probe positions from a single murmur3 pass over key.
func (f *Filter) seeds(key []byte) (h1, h2 uint64) {
	return murmur3.Sum128(key)
}

func (f *Filter) probe(key []byte, i uint32) uint64 {
	h1, h2 := f.seeds(key)
	return (h1 + uint64(i)*h2) % f.numBits
}

// Add records key as present in the filter.
func (f *Filter) Add(key []byte) {
	for i := uint32(0); i < f.numHashes; i++ {
		f.bits.Set(uint(f.probe(key, i)))
	}
}

// MayContain reports whether key might be in the set the filter was
// built from. A false result is a guarantee of absence; a true result
// may be a false positive.
func (f *Filter) MayContain(key []byte) bool {
	for i := uint32(0); i < f.numHashes; i++ {
		if !f.bits.Test(uint(f.probe(key, i))) {
			return false
		}
	}
	return true
}

// NumBits returns the size of the underlying bit array.
func (f *Filter) NumBits() uint64 { return f.numBits }

// NumHashes returns the number of probe positions per key.
func (f *Filter) NumHashes() uint32 { return f.numHashes }

// Encode serializes the filter as [numBits:8][numHashes:4][words...],
// the "bit array + hash count" block spec.md's SSTable layout (§4.4
// item 3) calls for.
func (f *Filter) Encode() []byte {
	words := f.bits.Bytes()
	buf := make([]byte, 8+4+8*len(words))
	binary.LittleEndian.PutUint64(buf[0:8], f.numBits)
	binary.LittleEndian.PutUint32(buf[8:12], f.numHashes)
	for i, w := range words {
		binary.LittleEndian.PutUint64(buf[12+8*i:20+8*i], w)
	}
	return buf
}

// Decode reconstructs a Filter previously produced by Encode.
func Decode(data []byte) (*Filter, error) {
	if len(data) < 12 {
		return nil, io.ErrUnexpectedEOF
	}
	numBits := binary.LittleEndian.Uint64(data[0:8])
	numHashes := binary.LittleEndian.Uint32(data[8:12])

	rest := data[12:]
	if len(rest)%8 != 0 {
		return nil, io.ErrUnexpectedEOF
	}
	words := make([]uint64, len(rest)/8)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(rest[8*i : 8*i+8])
	}

	bs := bitset.From(words)
	return &Filter{bits: bs, numBits: numBits, numHashes: numHashes}, nil
}
