package demux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/transmux/internal/mpegts"
	"github.com/zsiec/transmux/internal/tstest"
)

var testSPS = tstest.SPSConfig{ProfileIdc: 100, LevelIdc: 31, Width: 1280, Height: 720}

func videoPacket(pts int64, data []byte) mpegts.ElementaryPacket {
	return mpegts.ElementaryPacket{Kind: mpegts.KindVideo, TrackID: 0x100, PTS: pts, DTS: pts, HasPTS: true, Data: data}
}

func extractAll(e *NALExtractor, chunks ...[]byte) [][]byte {
	var out [][]byte
	for _, c := range chunks {
		out = append(out, e.Push(c)...)
	}
	if last := e.Flush(); last != nil {
		out = append(out, last)
	}
	return out
}

func TestNALExtractor_StartCodes(t *testing.T) {
	t.Parallel()
	slice := tstest.Slice(true, 1)
	tests := []struct {
		name string
		data []byte
	}{
		{"four byte", tstest.AnnexB(tstest.AUD, tstest.PPS, slice)},
		{"three byte", append(append(append([]byte{0, 0, 1}, tstest.AUD...), append([]byte{0, 0, 1}, tstest.PPS...)...), append([]byte{0, 0, 1}, slice...)...)},
		{"leading garbage", append([]byte{0xAB, 0xCD}, tstest.AnnexB(tstest.AUD, tstest.PPS, slice)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var e NALExtractor
			got := extractAll(&e, tt.data)
			require.Len(t, got, 3)
			assert.Equal(t, tstest.AUD, got[0])
			assert.Equal(t, tstest.PPS, got[1])
			assert.Equal(t, slice, got[2])
		})
	}
}

func TestNALExtractor_HoldsLastUnit(t *testing.T) {
	t.Parallel()
	var e NALExtractor
	got := e.Push(tstest.AnnexB(tstest.AUD, tstest.Slice(false, 2)))
	require.Len(t, got, 1)
	assert.Equal(t, tstest.AUD, got[0])
	assert.Equal(t, tstest.Slice(false, 2), e.Flush())
	assert.Nil(t, e.Flush(), "flush clears the buffer")
}

func TestNALExtractor_SplitAtEveryOffset(t *testing.T) {
	t.Parallel()
	data := tstest.AnnexB(tstest.AUD, tstest.SPS(testSPS), tstest.PPS, tstest.Slice(true, 0))
	var whole NALExtractor
	want := extractAll(&whole, data)
	require.Len(t, want, 4)

	for split := 1; split < len(data); split++ {
		var e NALExtractor
		got := extractAll(&e, data[:split], data[split:])
		assert.Equal(t, want, got, "split %d", split)
	}
}

func TestNALExtractor_ByteAtATime(t *testing.T) {
	t.Parallel()
	data := tstest.AnnexB(tstest.AUD, tstest.PPS, tstest.Slice(false, 3), tstest.Slice(false, 4))
	chunks := make([][]byte, len(data))
	for i := range data {
		chunks[i] = data[i : i+1]
	}
	var e NALExtractor
	got := extractAll(&e, chunks...)
	require.Len(t, got, 4)
	assert.Equal(t, tstest.Slice(false, 4), got[3])
}

func TestNALExtractor_NoStartCode(t *testing.T) {
	t.Parallel()
	var e NALExtractor
	assert.Empty(t, e.Push([]byte{0x11, 0x22, 0x33, 0x44, 0x55}))
	assert.Nil(t, e.Flush())
}

func TestH264Parser_Classify(t *testing.T) {
	t.Parallel()
	p := NewH264Parser(nil)
	units, err := p.Push(videoPacket(100, tstest.AnnexB(
		tstest.AUD, tstest.SPS(testSPS), tstest.PPS, tstest.CaptionSEI(0x94, 0x2C), tstest.Slice(true, 0),
	)))
	require.NoError(t, err)
	last, err := p.Flush()
	require.NoError(t, err)
	units = append(units, last...)

	require.Len(t, units, 5)
	kinds := []NALKind{NALAUD, NALSPS, NALPPS, NALSEI, NALSliceIDR}
	for i, want := range kinds {
		assert.Equal(t, want, units[i].Kind, "unit %d is %s", i, units[i].Kind)
		assert.Equal(t, uint16(0x100), units[i].TrackID)
		assert.Equal(t, int64(100), units[i].PTS)
	}

	sps := units[1]
	require.NotNil(t, sps.Config)
	assert.Equal(t, 1280, sps.Config.Width)
	assert.Equal(t, 720, sps.Config.Height)
	assert.Equal(t, "avc1.64001f", sps.Config.CodecString())
	assert.NotEmpty(t, units[3].RBSP)
	assert.Nil(t, units[2].RBSP)
	assert.Nil(t, units[4].Config)
}

func TestH264Parser_OtherSliceTypes(t *testing.T) {
	t.Parallel()
	p := NewH264Parser(nil)
	_, err := p.Push(videoPacket(0, tstest.AnnexB(tstest.Slice(false, 1))))
	require.NoError(t, err)
	units, err := p.Flush()
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, NALOther, units[0].Kind)
	assert.Equal(t, uint8(1), units[0].Type)
}

func TestH264Parser_Timestamps(t *testing.T) {
	t.Parallel()
	p := NewH264Parser(nil)

	units, err := p.Push(videoPacket(100, tstest.AnnexB(tstest.AUD, tstest.Slice(true, 0))))
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, int64(100), units[0].PTS)

	// The pending slice is completed by the next packet and takes its
	// timestamps.
	units, err = p.Push(videoPacket(200, tstest.AnnexB(tstest.AUD, tstest.Slice(false, 1))))
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, NALSliceIDR, units[0].Kind)
	assert.Equal(t, int64(200), units[0].PTS)

	noPTS := mpegts.ElementaryPacket{Kind: mpegts.KindVideo, Data: tstest.AnnexB(tstest.AUD)}
	units, err = p.Push(noPTS)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, int64(200), units[0].PTS, "missing PTS keeps the previous one")
	assert.Equal(t, int64(200), units[0].DTS)
}

func TestH264Parser_BadSPS(t *testing.T) {
	t.Parallel()
	p := NewH264Parser(nil)
	_, err := p.Push(videoPacket(0, tstest.AnnexB([]byte{0x67, 0x64}, tstest.AUD)))
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "sps", pe.Component)
	assert.ErrorIs(t, err, ErrNoBytesAvailable)
}

func TestH264Parser_IgnoresAudio(t *testing.T) {
	t.Parallel()
	p := NewH264Parser(nil)
	units, err := p.Push(audioPacket(0, tstest.AnnexB(tstest.AUD, tstest.AUD)))
	require.NoError(t, err)
	assert.Empty(t, units)
}

func TestRemoveEmulationPrevention(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   []byte
		want []byte
	}{
		{"none", []byte{0x67, 0x01, 0x02}, []byte{0x67, 0x01, 0x02}},
		{"one", []byte{0x67, 0x00, 0x00, 0x03, 0x01}, []byte{0x67, 0x00, 0x00, 0x01}},
		{"two", []byte{0x67, 0x00, 0x00, 0x03, 0x01, 0x00, 0x00, 0x03, 0x00}, []byte{0x67, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00}},
		{"trailing", []byte{0x67, 0x00, 0x00, 0x03}, []byte{0x67, 0x00, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, RemoveEmulationPrevention(tt.in))
		})
	}
}
