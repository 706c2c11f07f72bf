package mp4

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFragmentTiming(t *testing.T) {
	t.Parallel()

	v, data := videoFragment()
	v.BaseMediaDecodeTime = 180000
	video := Fragment(1, []*Track{v}, data)

	a := audioTrack()
	a.BaseMediaDecodeTime = 96000
	a.Samples = []Sample{{Duration: 1024, Size: 1}, {Duration: 1024, Size: 1}}
	audio := Fragment(1, []*Track{a}, []byte{1, 2})

	tests := []struct {
		name      string
		data      []byte
		timescale uint32
		want      FragmentTiming
	}{
		{"video", video, 90000, FragmentTiming{Time: 2, Duration: 6000.0 / 90000, HasDuration: true}},
		{"audio", audio, 48000, FragmentTiming{Time: 2, Duration: 2048.0 / 48000, HasDuration: true}},
		{"init then fragment", append(InitSegment([]*Track{v}), video...), 90000, FragmentTiming{Time: 2, Duration: 6000.0 / 90000, HasDuration: true}},
		{"second fragment ignored", append(append([]byte{}, audio...), video...), 48000, FragmentTiming{Time: 2, Duration: 2048.0 / 48000, HasDuration: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok, err := ReadFragmentTiming(tt.data, tt.timescale)
			require.NoError(t, err)
			require.True(t, ok)
			assert.InDelta(t, tt.want.Time, got.Time, 1e-9)
			assert.InDelta(t, tt.want.Duration, got.Duration, 1e-9)
			assert.Equal(t, tt.want.HasDuration, got.HasDuration)
		})
	}
}

func TestReadFragmentTiming_NoFragment(t *testing.T) {
	t.Parallel()
	_, ok, err := ReadFragmentTiming(InitSegment([]*Track{videoTrack()}), 90000)
	require.NoError(t, err)
	assert.False(t, ok)

	a := audioTrack()
	_, ok, err = ReadFragmentTiming(Fragment(1, []*Track{a}, nil), 48000)
	require.NoError(t, err)
	assert.True(t, ok, "a fragment without samples still has a start time")

	_, _, err = ReadFragmentTiming(nil, 0)
	assert.Error(t, err)
}
