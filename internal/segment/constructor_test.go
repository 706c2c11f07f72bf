package segment

import (
	"bytes"
	"testing"

	gomp4 "github.com/abema/go-mp4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/transmux/internal/demux"
)

func generated(t *testing.T) (video, audio *Output) {
	t.Helper()
	v := newVideo(Options{})
	push(v, frames(90000, "KPPP", testSPS))
	video = v.GenerateBoxes()
	require.NotNil(t, video)

	a := NewAudioGenerator(NewAudioTrack(0x101), Options{})
	pushAudio(a, aacFrames(90000, 4, 48000, 3))
	audio = a.GenerateBoxes()
	require.NotNil(t, audio)
	return video, audio
}

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

func TestConstructor_Combined(t *testing.T) {
	t.Parallel()
	video, audio := generated(t)

	c := NewConstructor(Options{})
	c.AddTrack(video)
	c.AddTrack(audio)
	require.Equal(t, 2, c.Pending())
	seg := c.Finish()
	require.NotNil(t, seg)

	assert.Equal(t, "combined", seg.Type)
	assert.Equal(t, []string{"ftyp", "moov"}, topLevel(t, seg.InitSegment))
	assert.Equal(t, []string{"moof", "mdat", "moof", "mdat"}, topLevel(t, seg.Data))
	assert.True(t, bytes.HasPrefix(seg.Data, audio.Boxes), "audio first")
	assert.True(t, bytes.HasSuffix(seg.Data, video.Boxes))

	tkhds, err := gomp4.ExtractBoxWithPayload(bytes.NewReader(seg.InitSegment), nil,
		gomp4.BoxPath{gomp4.BoxTypeMoov(), gomp4.BoxTypeTrak(), gomp4.BoxTypeTkhd()})
	require.NoError(t, err)
	require.Len(t, tkhds, 2)
	assert.Equal(t, uint32(0x100), tkhds[0].Payload.(*gomp4.Tkhd).TrackID, "tracks in arrival order")
	assert.Equal(t, uint32(0x101), tkhds[1].Payload.(*gomp4.Tkhd).TrackID)

	assert.Equal(t, 1280, seg.Info.Width)
	assert.Zero(t, seg.Info.SampleRate)
	require.NotNil(t, seg.VideoTiming)
	require.NotNil(t, seg.AudioTiming)
	assert.Len(t, seg.Gops, 1)

	b := seg.Bytes()
	assert.Equal(t, "ftyp", string(b[4:8]))
	assert.Len(t, b, len(seg.InitSegment)+len(seg.Data))

	assert.Zero(t, c.Pending())
	assert.Nil(t, c.Finish())
}

func TestConstructor_SingleTrack(t *testing.T) {
	t.Parallel()
	_, audio := generated(t)
	c := NewConstructor(Options{})
	c.AddTrack(nil)
	c.AddTrack(audio)
	seg := c.Finish()
	require.NotNil(t, seg)
	assert.Equal(t, "audio", seg.Type)
	assert.Equal(t, 48000, seg.Info.SampleRate)
	assert.Nil(t, seg.VideoTiming)
}

func TestConstructor_CueTimes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		keep      bool
		wantStart float64
		wantEnd   float64
		wantCue   float64
	}{
		{"timeline relative", false, 1, 1.5, 0.5},
		{"original timestamps", true, 2, 2.5, 1.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			video, _ := generated(t)
			c := NewConstructor(Options{KeepOriginalTimestamps: tt.keep})
			c.AddTrack(video)
			c.AddCaptions(demux.Caption{StartPTS: 180000, EndPTS: 225000, Text: "hello", Stream: "CC1"})
			c.AddMetadata(&demux.ID3Tag{PTS: 135000, HasPTS: true, DispatchType: "15"})
			c.AddMetadata(nil)

			seg := c.Finish()
			require.NotNil(t, seg)
			require.Len(t, seg.Captions, 1)
			assert.Equal(t, "hello", seg.Captions[0].Text)
			assert.InDelta(t, tt.wantStart, seg.Captions[0].StartTime, 1e-9)
			assert.InDelta(t, tt.wantEnd, seg.Captions[0].EndTime, 1e-9)
			assert.Equal(t, map[string]bool{"CC1": true}, seg.CaptionStreams)

			require.Len(t, seg.Metadata, 1)
			assert.InDelta(t, tt.wantCue, seg.Metadata[0].CueTime, 1e-9)
			assert.Equal(t, "15", seg.DispatchType)
		})
	}
}

func TestConstructor_NothingToEmit(t *testing.T) {
	t.Parallel()
	c := NewConstructor(Options{})
	c.AddCaptions(demux.Caption{Text: "dropped"})
	assert.Nil(t, c.Finish())

	video, _ := generated(t)
	c.AddTrack(video)
	seg := c.Finish()
	require.NotNil(t, seg)
	assert.Empty(t, seg.Captions, "captions do not carry over")
}
