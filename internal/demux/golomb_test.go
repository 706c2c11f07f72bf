package demux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 1 010 011 00100 00101, then padding: code numbers 0 through 4.
var golombCodes = []byte{0xA6, 0x42, 0x80}

func TestExpGolomb_Unsigned(t *testing.T) {
	t.Parallel()
	g := NewExpGolomb(golombCodes)
	for want := uint32(0); want < 5; want++ {
		v, err := g.ReadUnsignedExpGolomb()
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
	assert.Equal(t, 7, g.BitsAvailable())

	_, err := g.ReadUnsignedExpGolomb()
	assert.ErrorIs(t, err, ErrNoBytesAvailable)
}

func TestExpGolomb_Signed(t *testing.T) {
	t.Parallel()
	g := NewExpGolomb(golombCodes)
	for _, want := range []int32{0, 1, -1, 2, -2} {
		v, err := g.ReadExpGolomb()
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
}

func TestExpGolomb_ReadBits(t *testing.T) {
	t.Parallel()
	g := NewExpGolomb([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x5A})

	v, err := g.ReadBits(32)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xFFFFFFFF), v)

	b, err := g.ReadBoolean()
	require.NoError(t, err)
	assert.False(t, b)

	require.NoError(t, g.SkipBits(3))
	v, err = g.ReadBits(4)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xA), v)

	_, err = g.ReadUnsignedByte()
	assert.ErrorIs(t, err, ErrNoBytesAvailable)
	assert.Zero(t, g.BitsAvailable())
}

func TestExpGolomb_Limits(t *testing.T) {
	t.Parallel()
	_, err := NewExpGolomb(make([]byte, 8)).ReadBits(33)
	assert.Error(t, err)

	_, err = NewExpGolomb(nil).ReadBoolean()
	assert.ErrorIs(t, err, ErrNoBytesAvailable)

	_, err = NewExpGolomb(make([]byte, 8)).ReadUnsignedExpGolomb()
	assert.Error(t, err, "more than 31 leading zeros")

	// 31 leading zeros then a 1 and 31 one bits: the largest code.
	largest := []byte{0x00, 0x00, 0x00, 0x01, 0xFF, 0xFF, 0xFF, 0xFE}
	v, err := NewExpGolomb(largest).ReadUnsignedExpGolomb()
	require.NoError(t, err)
	assert.Equal(t, uint32(1<<32-2), v)
}
