package pipeline

import (
	"bytes"
	"encoding/binary"
	"testing"

	gomp4 "github.com/abema/go-mp4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/transmux/internal/mp4"
	"github.com/zsiec/transmux/internal/segment"
	"github.com/zsiec/transmux/internal/tstest"
)

type recorder struct {
	segments []string
	repairs  []string
	resync   map[string]int
	decode   int
}

func newRecorder() *recorder {
	return &recorder{resync: make(map[string]int)}
}

func (r *recorder) RecordSegment(kind string, _ int) { r.segments = append(r.segments, kind) }
func (r *recorder) RecordResync(component string, n int) { r.resync[component] += n }
func (r *recorder) RecordGopRepair(method string) { r.repairs = append(r.repairs, method) }
func (r *recorder) RecordDecodeError(string) { r.decode++ }

func topLevel(t *testing.T, data []byte) []string {
	t.Helper()
	var types []string
	_, err := gomp4.ReadBoxStructure(bytes.NewReader(data), func(h *gomp4.ReadHandle) (interface{}, error) {
		types = append(types, h.BoxInfo.Type.String())
		return nil, nil
	})
	require.NoError(t, err)
	return types
}

func trackIDs(t *testing.T, init []byte) []uint32 {
	t.Helper()
	boxes, err := gomp4.ExtractBoxWithPayload(bytes.NewReader(init), nil,
		gomp4.BoxPath{gomp4.BoxTypeMoov(), gomp4.BoxTypeTrak(), gomp4.BoxTypeTkhd()})
	require.NoError(t, err)
	var ids []uint32
	for _, b := range boxes {
		ids = append(ids, b.Payload.(*gomp4.Tkhd).TrackID)
	}
	return ids
}

func TestTransmuxer_EndToEnd(t *testing.T) {
	t.Parallel()
	m := tstest.NewMuxer(tstest.DefaultMuxConfig())
	tm := New()
	stats := newRecorder()
	tm.SetStats(stats)

	out, err := tm.Push(m.Segment(30, 47))
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, FormatTS, tm.Format())

	assert.Equal(t, "ftyp", string(out[4:8]))
	assert.Equal(t, []string{"ftyp", "moov", "moof", "mdat", "moof", "mdat"}, topLevel(t, out))
	assert.Equal(t, []string{"combined"}, stats.segments)
	assert.Empty(t, stats.repairs)
	assert.Zero(t, stats.decode)
}

func TestTransmuxer_Segments(t *testing.T) {
	t.Parallel()
	m := tstest.NewMuxer(tstest.DefaultMuxConfig())
	tm := New()

	seg, err := tm.PushSegment(m.Segment(30, 47))
	require.NoError(t, err)
	require.NotNil(t, seg)
	assert.Equal(t, "combined", seg.Type)
	assert.Equal(t, []uint32{0x100, 0x101}, trackIDs(t, seg.InitSegment))
	assert.Equal(t, 1280, seg.Info.Width)
	assert.Equal(t, 720, seg.Info.Height)
	assert.Equal(t, uint8(100), seg.Info.ProfileIdc)
	require.NotNil(t, seg.VideoTiming)
	require.NotNil(t, seg.AudioTiming)
	assert.Equal(t, int64(900000), seg.VideoTiming.StartPTS)
	assert.Equal(t, int64(990000), seg.VideoTiming.EndPTS)
	assert.Zero(t, seg.VideoTiming.BaseMediaDecodeTime)
	assert.Zero(t, seg.AudioTiming.BaseMediaDecodeTime)
	require.Len(t, seg.Gops, 1)

	// Audio is written first.
	timing, ok, err := mp4.ReadFragmentTiming(seg.Data, 48000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 47*1024.0/48000, timing.Duration, 1e-9)

	seg, err = tm.PushSegment(m.Segment(30, 47))
	require.NoError(t, err)
	require.NotNil(t, seg)
	assert.Equal(t, uint64(90000), seg.VideoTiming.BaseMediaDecodeTime)
	// 47 frames of 1920 ticks in, on the 48 kHz clock.
	timing, ok, err = mp4.ReadFragmentTiming(seg.Data, 48000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, float64(47*1920*48000/90000)/48000, timing.Time, 1e-9)
}

func TestTransmuxer_FirstSequenceNumber(t *testing.T) {
	t.Parallel()
	m := tstest.NewMuxer(tstest.DefaultMuxConfig())
	tm := New(WithFirstSequenceNumber(10))
	for i := range 2 {
		seg, err := tm.PushSegment(m.Segment(30, 47))
		require.NoError(t, err)
		require.NotNil(t, seg)
		assert.Equal(t, uint32(10+i), binary.BigEndian.Uint32(seg.Data[20:24]))
	}
}

func TestTransmuxer_GopFusion(t *testing.T) {
	t.Parallel()
	cfg := tstest.DefaultMuxConfig()
	cfg.NoAudio = true
	m := tstest.NewMuxer(cfg)
	tm := New()
	stats := newRecorder()
	tm.SetStats(stats)

	seg, err := tm.PushSegment(m.Segment(20, 0))
	require.NoError(t, err)
	require.NotNil(t, seg)
	assert.Equal(t, "video", seg.Type)

	// Frame 20 is not a keyframe; the cached GOP of frames 0-19 ends
	// exactly where the segment starts.
	seg, err = tm.PushSegment(m.Segment(20, 0))
	require.NoError(t, err)
	require.NotNil(t, seg)
	assert.Equal(t, []string{"fusion"}, stats.repairs)
	assert.Equal(t, int64(900000), seg.VideoTiming.StartDTS)
	assert.Equal(t, int64(20*3000), seg.VideoTiming.PrependedContentDuration)
	assert.Zero(t, seg.VideoTiming.BaseMediaDecodeTime)
}

func TestTransmuxer_KeyframePull(t *testing.T) {
	t.Parallel()
	cfg := tstest.DefaultMuxConfig()
	cfg.NoAudio = true
	m := tstest.NewMuxer(cfg)
	m.SkipFrames(20, 0)
	tm := New()
	stats := newRecorder()
	tm.SetStats(stats)

	seg, err := tm.PushSegment(m.Segment(20, 0))
	require.NoError(t, err)
	require.NotNil(t, seg)
	assert.Equal(t, []string{"pull"}, stats.repairs)
}

func TestTransmuxer_NoRemux(t *testing.T) {
	t.Parallel()
	m := tstest.NewMuxer(tstest.DefaultMuxConfig())
	tm := New(WithRemux(false))
	segs, err := tm.PushSegments(m.Segment(30, 47))
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, "video", segs[0].Type)
	assert.Equal(t, "audio", segs[1].Type)
	assert.Equal(t, []uint32{0x100}, trackIDs(t, segs[0].InitSegment))
	assert.Equal(t, []uint32{0x101}, trackIDs(t, segs[1].InitSegment))
}

func TestTransmuxer_TimedMetadata(t *testing.T) {
	t.Parallel()
	m := tstest.NewMuxer(tstest.DefaultMuxConfig())
	m.AddMetadata(900000+45000, tstest.ID3Tag(tstest.TXXXFrame("title", "news")))
	tm := New()

	seg, err := tm.PushSegment(m.Segment(30, 47))
	require.NoError(t, err)
	require.NotNil(t, seg)
	require.Len(t, seg.Metadata, 1)
	assert.InDelta(t, 0.5, seg.Metadata[0].CueTime, 1e-9)
	assert.Equal(t, "news", seg.Metadata[0].Frames[0].Value)
	assert.Equal(t, "15", seg.DispatchType)
}

func TestTransmuxer_SetBaseMediaDecodeTime(t *testing.T) {
	t.Parallel()
	m := tstest.NewMuxer(tstest.DefaultMuxConfig())
	tm := New(WithBaseMediaDecodeTime(45000))

	seg, err := tm.PushSegment(m.Segment(30, 47))
	require.NoError(t, err)
	require.NotNil(t, seg)
	assert.Equal(t, uint64(45000), seg.VideoTiming.BaseMediaDecodeTime)

	m.SkipFrames(300, 470)
	tm.SetBaseMediaDecodeTime(900000)
	seg, err = tm.PushSegment(m.Segment(30, 47))
	require.NoError(t, err)
	require.NotNil(t, seg)
	assert.Equal(t, uint64(900000), seg.VideoTiming.BaseMediaDecodeTime)
}

func TestTransmuxer_KeepOriginalTimestamps(t *testing.T) {
	t.Parallel()
	m := tstest.NewMuxer(tstest.DefaultMuxConfig())
	tm := New(WithKeepOriginalTimestamps(true))
	seg, err := tm.PushSegment(m.Segment(30, 47))
	require.NoError(t, err)
	require.NotNil(t, seg)
	assert.Equal(t, uint64(900000), seg.VideoTiming.BaseMediaDecodeTime)
	assert.Equal(t, uint64(900000), seg.AudioTiming.BaseMediaDecodeTime)
}

func TestTransmuxer_PackedAudio(t *testing.T) {
	t.Parallel()
	tm := New()

	seg, err := tm.PushSegment(tstest.RawAAC(900000, 10, 3, 2))
	require.NoError(t, err)
	require.NotNil(t, seg)
	assert.Equal(t, FormatAAC, tm.Format())
	assert.Equal(t, "audio", seg.Type)
	assert.Equal(t, []uint32{aacTrackID}, trackIDs(t, seg.InitSegment))
	assert.Equal(t, 48000, seg.Info.SampleRate)
	assert.Equal(t, 2, seg.Info.ChannelCount)
	require.Len(t, seg.Metadata, 1)
	assert.Zero(t, seg.Metadata[0].CueTime)
	assert.Zero(t, seg.AudioTiming.BaseMediaDecodeTime)
	assert.Equal(t, []string{"moof", "mdat"}, topLevel(t, seg.Data))

	seg, err = tm.PushSegment(tstest.RawAAC(900000+10*1920, 10, 3, 2))
	require.NoError(t, err)
	require.NotNil(t, seg)
	assert.Equal(t, uint64(10*1920), seg.AudioTiming.BaseMediaDecodeTime)
}

func TestTransmuxer_SwitchFormats(t *testing.T) {
	t.Parallel()
	m := tstest.NewMuxer(tstest.DefaultMuxConfig())
	tm := New()

	_, err := tm.PushSegment(m.Segment(30, 47))
	require.NoError(t, err)
	assert.Equal(t, FormatTS, tm.Format())

	seg, err := tm.PushSegment(tstest.RawAAC(990000, 10, 3, 2))
	require.NoError(t, err)
	require.NotNil(t, seg)
	assert.Equal(t, FormatAAC, tm.Format())
	assert.Equal(t, []uint32{0x101}, trackIDs(t, seg.InitSegment), "track survives the switch")

	seg, err = tm.PushSegment(m.Segment(30, 47))
	require.NoError(t, err)
	require.NotNil(t, seg)
	assert.Equal(t, FormatTS, tm.Format())
}

func TestTransmuxer_UnknownFormat(t *testing.T) {
	t.Parallel()
	tm := New()
	out, err := tm.Push(bytes.Repeat([]byte{0x00, 0x11}, 500))
	assert.ErrorIs(t, err, ErrUnknownFormat)
	assert.Nil(t, out)

	out, err = tm.Push(nil)
	assert.NoError(t, err)
	assert.Nil(t, out)
}

func TestTransmuxer_TablesOnly(t *testing.T) {
	t.Parallel()
	m := tstest.NewMuxer(tstest.DefaultMuxConfig())
	tm := New()
	seg, err := tm.PushSegment(m.Tables())
	require.NoError(t, err)
	assert.Nil(t, seg)
}

func TestTransmuxer_ChunkedFeed(t *testing.T) {
	t.Parallel()
	data := tstest.NewMuxer(tstest.DefaultMuxConfig()).Segment(30, 47)
	whole, err := New().Push(data)
	require.NoError(t, err)

	tm := New()
	for i := 0; i < len(data); i += 1000 {
		tm.Feed(data[i:min(i+1000, len(data))])
	}
	segs, err := tm.Flush()
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, whole, segs[0].Bytes())
}

func TestTransmuxer_Reset(t *testing.T) {
	t.Parallel()
	m := tstest.NewMuxer(tstest.DefaultMuxConfig())
	tm := New()
	data := m.Segment(30, 47)
	tm.Feed(data[:len(data)/2])
	tm.Reset()

	seg, err := tm.PushSegment(m.Segment(30, 47))
	require.NoError(t, err)
	require.NotNil(t, seg)
	assert.Len(t, seg.Gops, 1)
}

func TestAlignGopsWith_NoMatchSuppressesVideo(t *testing.T) {
	t.Parallel()
	m := tstest.NewMuxer(tstest.DefaultMuxConfig())
	tm := New()
	stats := newRecorder()
	tm.SetStats(stats)
	_, err := tm.PushSegment(m.Segment(30, 47))
	require.NoError(t, err)

	// Every alignment PTS is later than the next segment's only GOP.
	tm.AlignGopsWith([]segment.GopInfo{{PTS: m.VideoPTS(90)}, {PTS: m.VideoPTS(120)}})
	seg, err := tm.PushSegment(m.Segment(30, 47))
	require.NoError(t, err)
	require.NotNil(t, seg)
	assert.Equal(t, "audio", seg.Type, "video output suppressed")
	assert.Empty(t, seg.Gops)
	assert.Equal(t, []string{string(segment.RepairDropped)}, stats.repairs)
}

func TestAlignGopsWith_TrimsLeadingGops(t *testing.T) {
	t.Parallel()
	m := tstest.NewMuxer(tstest.DefaultMuxConfig())
	tm := New()
	stats := newRecorder()
	tm.SetStats(stats)

	_, err := tm.PushSegment(m.Segment(30, 47))
	require.NoError(t, err)

	// The next segment holds GOPs at frames 30, 60 and 90.
	tm.AlignGopsWith([]segment.GopInfo{{PTS: m.VideoPTS(60)}, {PTS: m.VideoPTS(90)}})
	seg, err := tm.PushSegment(m.Segment(90, 141))
	require.NoError(t, err)
	require.NotNil(t, seg)
	assert.Equal(t, "combined", seg.Type)
	require.Len(t, seg.Gops, 2)
	assert.Equal(t, m.VideoPTS(60), seg.Gops[0].PTS)
	assert.Equal(t, m.VideoPTS(90), seg.Gops[1].PTS)
	require.NotNil(t, seg.VideoTiming)
	assert.Equal(t, m.VideoPTS(60), seg.VideoTiming.StartPTS)
	assert.Equal(t, []string{string(segment.RepairAligned)}, stats.repairs)
}

func TestSniff(t *testing.T) {
	t.Parallel()
	adts := tstest.ADTSFrame(3, 2, []byte{1, 2, 3}, false)
	tests := []struct {
		name string
		data []byte
		want Format
	}{
		{"transport stream", tstest.PAT(0x1000), FormatTS},
		{"adts", adts, FormatAAC},
		{"id3 then adts", append(tstest.ID3Tag(tstest.TimestampFrame(1)), adts...), FormatAAC},
		{"two id3 tags", append(append(tstest.ID3Tag(), tstest.ID3Tag()...), adts...), FormatAAC},
		{"mp3", []byte{0xFF, 0xFB, 0x90, 0x00}, FormatTS},
		{"id3 only", tstest.ID3Tag(tstest.TimestampFrame(1)), FormatTS},
		{"empty", nil, FormatTS},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Sniff(tt.data), tt.name)
	}
	assert.Equal(t, "aac", FormatAAC.String())
}
