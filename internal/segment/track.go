package segment

import (
	"github.com/zsiec/transmux/internal/mp4"
)

// TimelineStart anchors a track's decode timeline. PTS and DTS are the
// earliest timestamps seen since the last discontinuity;
// BaseMediaDecodeTime is the decode time those timestamps map to.
type TimelineStart struct {
	PTS    int64
	DTS    int64
	HasPTS bool
	HasDTS bool

	BaseMediaDecodeTime uint64
}

// TrackState is the mutable state of one output track. It is owned by a
// single generator and lives for the whole stream.
type TrackState struct {
	mp4.Track

	Codec         string
	TimelineStart TimelineStart

	minSegmentDTS int64
	maxSegmentDTS int64
	minSegmentPTS int64
	maxSegmentPTS int64
	hasSegment    bool
}

// NewVideoTrack returns the state of an H.264 track.
func NewVideoTrack(id uint32) *TrackState {
	return &TrackState{Track: mp4.Track{ID: id, Kind: mp4.TrackVideo}, Codec: "avc"}
}

// NewAudioTrack returns the state of an ADTS/AAC track.
func NewAudioTrack(id uint32) *TrackState {
	return &TrackState{Track: mp4.Track{ID: id, Kind: mp4.TrackAudio}, Codec: "adts"}
}

// collect widens the timeline start and the current segment's bounds to
// include pts and dts.
func (t *TrackState) collect(pts, dts int64) {
	if !t.TimelineStart.HasPTS || pts < t.TimelineStart.PTS {
		t.TimelineStart.PTS, t.TimelineStart.HasPTS = pts, true
	}
	if !t.TimelineStart.HasDTS || dts < t.TimelineStart.DTS {
		t.TimelineStart.DTS, t.TimelineStart.HasDTS = dts, true
	}
	if !t.hasSegment {
		t.minSegmentPTS, t.maxSegmentPTS = pts, pts
		t.minSegmentDTS, t.maxSegmentDTS = dts, dts
		t.hasSegment = true
		return
	}
	t.minSegmentPTS = min(t.minSegmentPTS, pts)
	t.maxSegmentPTS = max(t.maxSegmentPTS, pts)
	t.minSegmentDTS = min(t.minSegmentDTS, dts)
	t.maxSegmentDTS = max(t.maxSegmentDTS, dts)
}

// clearSegment forgets the current segment's bounds.
func (t *TrackState) clearSegment() {
	t.minSegmentDTS, t.maxSegmentDTS = 0, 0
	t.minSegmentPTS, t.maxSegmentPTS = 0, 0
	t.hasSegment = false
}

// ResetTimeline forgets the timeline start timestamps and the current
// segment's bounds; the next timestamp seen starts a new timeline at
// TimelineStart.BaseMediaDecodeTime.
func (t *TrackState) ResetTimeline() {
	t.TimelineStart.PTS, t.TimelineStart.HasPTS = 0, false
	t.TimelineStart.DTS, t.TimelineStart.HasDTS = 0, false
	t.clearSegment()
}

// MinSegmentDTS returns the earliest DTS of the current segment.
func (t *TrackState) MinSegmentDTS() (int64, bool) {
	return t.minSegmentDTS, t.hasSegment
}

// CalculateBaseMediaDecodeTime maps the segment's earliest DTS onto the
// timeline: the offset from the timeline start DTS (or the raw DTS when
// original timestamps are kept) is added to the timeline's base decode
// time and clamped at zero. Audio tracks are converted to the sample
// rate clock.
func (t *TrackState) CalculateBaseMediaDecodeTime(keepOriginalTimestamps bool) uint64 {
	minDTS := t.minSegmentDTS
	if !keepOriginalTimestamps {
		minDTS -= t.TimelineStart.DTS
	}
	bmdt := int64(t.TimelineStart.BaseMediaDecodeTime) + minDTS
	if bmdt < 0 {
		bmdt = 0
	}
	if t.Kind == mp4.TrackAudio && t.SampleRate > 0 {
		return uint64(bmdt) * uint64(t.SampleRate) / mp4.VideoTimescale
	}
	return uint64(bmdt)
}

// snapshot copies the descriptor so the caller may keep it after the
// generator moves on.
func (t *TrackState) snapshot() *mp4.Track {
	c := t.Track
	c.Samples = append([]mp4.Sample(nil), t.Samples...)
	c.SPS = append([][]byte(nil), t.SPS...)
	c.PPS = append([][]byte(nil), t.PPS...)
	return &c
}
