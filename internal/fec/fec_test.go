package fec

import (
	"testing"

	"github.com/klauspost/reedsolomon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet_ReconstructRecoversMissingData(t *testing.T) {
	const n, m, sz = 2, 2, 64

	original := [][]byte{
		bytesOf(sz, 1),
		bytesOf(sz, 2),
	}

	enc, err := reedsolomon.New(n, m)
	require.NoError(t, err)

	all := [][]byte{original[0], original[1], make([]byte, sz), make([]byte, sz)}
	require.NoError(t, enc.Encode(all))

	set := NewSet(n, m)
	set.StoreShard(0, pad(all[0]))
	set.StoreShard(2, pad(all[2]))
	set.StoreShard(3, pad(all[3]))

	require.True(t, set.ReadyToRecover())

	recovered := set.Reconstruct()
	require.Len(t, recovered, 1)
	assert.Equal(t, 1, recovered[0].Position)
	assert.Equal(t, pad(original[1]), recovered[0].Bytes)
}

func TestSet_NotReadyWithInsufficientShards(t *testing.T) {
	set := NewSet(4, 4)
	set.StoreShard(4, make([]byte, ShardSize))
	assert.False(t, set.ReadyToRecover())
}

func TestSet_ReconstructNoMissingData(t *testing.T) {
	const n, m, sz = 2, 2, 64

	enc, err := reedsolomon.New(n, m)
	require.NoError(t, err)
	all := [][]byte{bytesOf(sz, 3), bytesOf(sz, 4), make([]byte, sz), make([]byte, sz)}
	require.NoError(t, enc.Encode(all))

	set := NewSet(n, m)
	for i, s := range all {
		set.StoreShard(i, pad(s))
	}
	recovered := set.Reconstruct()
	assert.Empty(t, recovered)
}

func TestSet_ReconstructIsOneShot(t *testing.T) {
	set := NewSet(2, 2)
	set.StoreShard(0, make([]byte, ShardSize))
	set.StoreShard(1, make([]byte, ShardSize))
	first := set.Reconstruct()
	assert.True(t, set.Recovered())
	second := set.Reconstruct()
	assert.Empty(t, first)
	assert.Nil(t, second)
}

func TestSet_MatchesShape(t *testing.T) {
	set := NewSet(4, 2)
	assert.True(t, set.Matches(4, 2))
	assert.False(t, set.Matches(4, 3))
}

func bytesOf(n int, b byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func pad(b []byte) []byte {
	buf := make([]byte, ShardSize)
	copy(buf, b)
	return buf
}
