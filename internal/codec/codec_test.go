package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUvarintRoundTrip(t *testing.T) {
	for _, n := range []uint64{0, 1, 127, 128, 300, 1 << 20, ^uint64(0)} {
		buf := PutUvarint(nil, n)
		r := NewByteSliceReader(buf)
		got, err := ReadUvarint(r)
		require.NoError(t, err)
		assert.Equal(t, n, got)
		assert.Equal(t, len(buf), r.Pos())
	}
}

func TestChecksumRoundTrip(t *testing.T) {
	payload := []byte("a record worth checksumming")
	sum := Checksum(payload)
	assert.True(t, VerifyChecksum(payload, sum))
	assert.False(t, VerifyChecksum(payload, sum+1))
}

func TestByteSliceReaderRemaining(t *testing.T) {
	buf := []byte{1, 2, 3, 4, 5}
	r := NewByteSliceReader(buf)

	b, err := r.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(1), b)
	assert.Equal(t, []byte{2, 3, 4, 5}, r.Remaining())
}

func TestCopyBytes(t *testing.T) {
	original := []byte("test data")
	copied := CopyBytes(original)

	assert.Equal(t, original, copied)

	copied[0] = 'X'
	assert.NotEqual(t, original[0], copied[0], "CopyBytes must not share the underlying array")
}

func TestCopyBytesNil(t *testing.T) {
	assert.Nil(t, CopyBytes(nil))
}

func TestCopyBytesEmpty(t *testing.T) {
	copied := CopyBytes([]byte{})
	assert.NotNil(t, copied)
	assert.Len(t, copied, 0)
}
