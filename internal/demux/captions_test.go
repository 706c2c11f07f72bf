package demux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/transmux/internal/tstest"
)

func TestCaptionParser_IgnoresOtherNALs(t *testing.T) {
	t.Parallel()
	c := NewCaptionParser(nil)
	assert.Empty(t, c.Push(NALUnit{Kind: NALSliceIDR, Data: tstest.Slice(true, 0), PTS: 10}))
	assert.Empty(t, c.Push(NALUnit{Kind: NALSEI, Data: []byte{0x06, 0x05, 0x01, 0x00, 0x80}, PTS: 20}))
	assert.Empty(t, c.Flush())
}

func TestCaptionParser_CueLifetime(t *testing.T) {
	t.Parallel()
	c := NewCaptionParser(nil)

	assert.Empty(t, c.update("CC1", "HELLO", 1000, nil))
	assert.Empty(t, c.update("CC1", "HELLO", 2000, nil), "unchanged text keeps the cue open")
	assert.Empty(t, c.update("CC3", "BONJOUR", 2500, nil))

	closed := c.update("CC1", "WORLD", 4000, nil)
	require.Len(t, closed, 1)
	assert.Equal(t, Caption{StartPTS: 1000, EndPTS: 4000, Text: "HELLO", Stream: "CC1"}, closed[0])

	c.lastPTS = 6000
	rest := c.Flush()
	require.Len(t, rest, 2)
	assert.Equal(t, Caption{StartPTS: 2500, EndPTS: 6000, Text: "BONJOUR", Stream: "CC3"}, rest[0])
	assert.Equal(t, Caption{StartPTS: 4000, EndPTS: 6000, Text: "WORLD", Stream: "CC1"}, rest[1])
	assert.Empty(t, c.Flush())
}

func TestCaptionParser_EndNeverBeforeStart(t *testing.T) {
	t.Parallel()
	c := NewCaptionParser(nil)
	c.update("cc708_1", "A", 5000, nil)
	closed := c.update("cc708_1", "B", 4000, nil)
	require.Len(t, closed, 1)
	assert.Equal(t, int64(5000), closed[0].EndPTS)

	c.lastPTS = 0
	rest := c.Flush()
	require.Len(t, rest, 1)
	assert.Equal(t, int64(4000), rest[0].EndPTS)
}

func TestCaptionParser_RepeatedControlCodes(t *testing.T) {
	t.Parallel()
	c := NewCaptionParser(nil)

	c.seiCount = 1
	assert.False(t, c.repeatedControl(0, 0x14, 0x2C))
	c.seiCount = 2
	assert.True(t, c.repeatedControl(0, 0x14, 0x2C), "second copy is dropped")
	c.seiCount = 3
	assert.False(t, c.repeatedControl(0, 0x14, 0x2C), "a third copy is a new command")

	assert.False(t, c.repeatedControl(0, 0x41, 0x42), "printable pairs are never dropped")
	c.seiCount = 10
	assert.False(t, c.repeatedControl(1, 0x14, 0x2C))
	c.seiCount = 20
	assert.False(t, c.repeatedControl(1, 0x14, 0x2C), "too far apart to be a repeat")
	assert.False(t, c.repeatedControl(5, 0x14, 0x2C))
}

func TestCaptionParser_PushTracksLastPTS(t *testing.T) {
	t.Parallel()
	c := NewCaptionParser(nil)
	c.update("CC1", "TEXT", 100, nil)
	c.Push(NALUnit{Kind: NALSEI, Data: tstest.CaptionSEI(tstest.Parity(0x14), tstest.Parity(0x2C)), PTS: 9000})
	c.Reset()
	assert.Empty(t, c.Flush(), "reset drops open cues")

	c.update("CC1", "TEXT", 100, nil)
	c.Push(NALUnit{Kind: NALSEI, Data: []byte{0x06, 0x05, 0x01, 0x00, 0x80}, PTS: 9000})
	rest := c.Flush()
	require.Len(t, rest, 1)
	assert.Equal(t, int64(9000), rest[0].EndPTS)
}
