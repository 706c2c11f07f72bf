package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculateBaseMediaDecodeTime(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		audio      bool
		start      int64
		bmdt       uint64
		dts        int64
		keepOrig   bool
		wantResult uint64
	}{
		{name: "offset from timeline start", start: 90000, dts: 180000, wantResult: 90000},
		{name: "base decode time added", start: 90000, bmdt: 1000, dts: 180000, wantResult: 91000},
		{name: "keep original timestamps", start: 90000, dts: 180000, keepOrig: true, wantResult: 180000},
		{name: "audio clock", audio: true, start: 0, dts: 90000, wantResult: 48000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			track := NewVideoTrack(1)
			if tt.audio {
				track = NewAudioTrack(2)
				track.SampleRate = 48000
			}
			track.collect(tt.start, tt.start)
			track.TimelineStart.BaseMediaDecodeTime = tt.bmdt
			track.clearSegment()
			track.collect(tt.dts, tt.dts)

			assert.Equal(t, tt.wantResult, track.CalculateBaseMediaDecodeTime(tt.keepOrig))
			// The timeline anchor is left for the caller to move.
			assert.Equal(t, tt.bmdt, track.TimelineStart.BaseMediaDecodeTime)
		})
	}
}

func TestCalculateBaseMediaDecodeTime_ClampsAtZero(t *testing.T) {
	t.Parallel()
	track := NewVideoTrack(1)
	track.collect(90000, 90000)
	track.TimelineStart.DTS = 180000
	assert.Zero(t, track.CalculateBaseMediaDecodeTime(false))
}
