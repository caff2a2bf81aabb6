package bloom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndMayContain(t *testing.T) {
	f := New(1000, 0.01)

	present := make([][]byte, 0, 1000)
	for i := 0; i < 1000; i++ {
		k := []byte(fmt.Sprintf("key-%04d", i))
		f.Add(k)
		present = append(present, k)
	}

	for _, k := range present {
		assert.True(t, f.MayContain(k), "added key reported absent: %s", k)
	}
}

func TestNoFalseNegatives(t *testing.T) {
	f := New(200, 0.05)
	for i := 0; i < 200; i++ {
		f.Add([]byte(fmt.Sprintf("member-%d", i)))
	}
	for i := 0; i < 200; i++ {
		require.True(t, f.MayContain([]byte(fmt.Sprintf("member-%d", i))))
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := New(500, 0.02)
	for i := 0; i < 500; i++ {
		f.Add([]byte(fmt.Sprintf("rt-%d", i)))
	}

	encoded := f.Encode()
	decoded, err := Decode(encoded)
	require.NoError(t, err)

	assert.Equal(t, f.NumBits(), decoded.NumBits())
	assert.Equal(t, f.NumHashes(), decoded.NumHashes())

	for i := 0; i < 500; i++ {
		assert.True(t, decoded.MayContain([]byte(fmt.Sprintf("rt-%d", i))))
	}
}

func TestDecodeRejectsTruncatedData(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	require.Error(t, err)
}
