package demux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/transmux/internal/mpegts"
	"github.com/zsiec/transmux/internal/tstest"
)

func audioPacket(pts int64, data []byte) mpegts.ElementaryPacket {
	return mpegts.ElementaryPacket{Kind: mpegts.KindAudio, PTS: pts, DTS: pts, HasPTS: true, Data: data}
}

func TestADTSParser_Frames(t *testing.T) {
	t.Parallel()
	payload := []byte{0x21, 0x10, 0x05, 0x20, 0xA4}
	data := append(tstest.ADTSFrame(3, 2, payload, false), tstest.ADTSFrame(3, 2, payload, true)...)

	p := NewADTSParser(nil)
	frames := p.Push(audioPacket(90000, data))
	require.Len(t, frames, 2)

	for i, f := range frames {
		assert.Equal(t, int64(90000+i*1920), f.PTS)
		assert.Equal(t, f.PTS, f.DTS)
		assert.Equal(t, 1024, f.SampleCount)
		assert.Equal(t, 2, f.AudioObjectType)
		assert.Equal(t, 2, f.ChannelCount)
		assert.Equal(t, 48000, f.SampleRate)
		assert.Equal(t, 3, f.SamplingFrequencyIndex)
		assert.Equal(t, 16, f.SampleSize)
		assert.Equal(t, payload, f.Data, "frame %d payload excludes header and CRC", i)
	}
}

func TestADTSParser_SampleRates(t *testing.T) {
	t.Parallel()
	tests := []struct {
		index    int
		rate     int
		duration int64
	}{
		{0, 96000, 960},
		{4, 44100, 2089},
		{8, 16000, 5760},
		{11, 8000, 11520},
	}
	for _, tt := range tests {
		p := NewADTSParser(nil)
		frame := tstest.ADTSFrame(tt.index, 1, []byte{1, 2, 3}, false)
		frames := p.Push(audioPacket(0, append(append([]byte{}, frame...), frame...)))
		require.Len(t, frames, 2)
		assert.Equal(t, tt.rate, frames[0].SampleRate)
		assert.Equal(t, 1, frames[0].ChannelCount)
		assert.Equal(t, tt.duration, frames[1].PTS, "rate %d", tt.rate)
	}
}

func TestADTSParser_SplitAtEveryOffset(t *testing.T) {
	t.Parallel()
	frame := tstest.ADTSFrame(4, 2, []byte{9, 8, 7, 6, 5, 4, 3, 2, 1}, false)
	want := NewADTSParser(nil).Push(audioPacket(1000, frame))
	require.Len(t, want, 1)

	for split := 1; split < len(frame); split++ {
		p := NewADTSParser(nil)
		got := p.Push(audioPacket(1000, frame[:split]))
		got = append(got, p.Push(audioPacket(1000, frame[split:]))...)
		require.Len(t, got, 1, "split %d", split)
		assert.Equal(t, want[0], got[0], "split %d", split)
	}
}

func TestADTSParser_Resync(t *testing.T) {
	t.Parallel()
	garbage := []byte{0x01, 0x02, 0x03, 0x04}
	frame := tstest.ADTSFrame(3, 2, []byte{1, 2, 3, 4}, false)

	p := NewADTSParser(nil)
	frames := p.Push(audioPacket(0, append(append([]byte{}, garbage...), frame...)))
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{1, 2, 3, 4}, frames[0].Data)
	assert.Equal(t, len(garbage), p.Skipped())
}

func TestADTSParser_IgnoresOtherKindsAndResets(t *testing.T) {
	t.Parallel()
	frame := tstest.ADTSFrame(3, 2, []byte{1, 2, 3, 4}, false)
	p := NewADTSParser(nil)

	assert.Empty(t, p.Push(mpegts.ElementaryPacket{Kind: mpegts.KindVideo, Data: frame}))

	assert.Empty(t, p.Push(audioPacket(0, frame[:9])))
	p.Reset()
	assert.Empty(t, p.Push(audioPacket(0, frame[9:])), "carry-over dropped by reset")
}

func TestADTSParser_ZeroLengthDoesNotStall(t *testing.T) {
	t.Parallel()
	bad := []byte{0xFF, 0xF1, 0x4C, 0x80, 0x00, 0x1F, 0xFC, 0x00}
	frame := tstest.ADTSFrame(3, 2, []byte{1, 2, 3, 4}, false)
	p := NewADTSParser(nil)
	frames := p.Push(audioPacket(0, append(bad, frame...)))
	require.Len(t, frames, 1)
}
