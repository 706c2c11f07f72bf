package segment

import (
	"log/slog"

	"github.com/zsiec/transmux/internal/demux"
	"github.com/zsiec/transmux/internal/mp4"
)

// CaptionCue is a caption with its times in seconds.
type CaptionCue struct {
	demux.Caption
	StartTime float64
	EndTime   float64
}

// MetadataCue is an ID3 tag with its time in seconds.
type MetadataCue struct {
	*demux.ID3Tag
	CueTime float64
}

// Info is the codec description of the segment's reference track.
type Info struct {
	Width                int
	Height               int
	ProfileIdc           uint8
	LevelIdc             uint8
	ProfileCompatibility uint8
	SarRatio             [2]int

	AudioObjectType        int
	ChannelCount           int
	SampleRate             int
	SamplingFrequencyIndex int
	SampleSize             int
}

// ConstructedSegment is the output of one transmuxed segment.
type ConstructedSegment struct {
	// Type is "video", "audio" or "combined".
	Type        string
	InitSegment []byte
	// Data is the moof+mdat of every track, audio first.
	Data []byte

	Info           Info
	Captions       []CaptionCue
	CaptionStreams map[string]bool
	Metadata       []MetadataCue
	DispatchType   string

	VideoTiming *Timing
	AudioTiming *Timing
	Gops        []GopInfo
}

// Bytes returns the init segment followed by the media data.
func (s *ConstructedSegment) Bytes() []byte {
	out := make([]byte, 0, len(s.InitSegment)+len(s.Data))
	out = append(out, s.InitSegment...)
	return append(out, s.Data...)
}

// Constructor collects the per-track fragments, captions and ID3 tags of
// one segment and combines them.
type Constructor struct {
	log  *slog.Logger
	opts Options

	tracks   []*mp4.Track
	boxes    [][]byte
	video    *Output
	audio    *Output
	captions []demux.Caption
	metadata []*demux.ID3Tag
	dispatch string
}

// NewConstructor creates a Constructor.
func NewConstructor(opts Options) *Constructor {
	return &Constructor{
		log:  opts.logger().With("component", "constructor"),
		opts: opts,
	}
}

// AddTrack queues a generator's output. Audio boxes are placed ahead of
// everything queued so far; video boxes are appended.
func (c *Constructor) AddTrack(out *Output) {
	if out == nil {
		return
	}
	c.tracks = append(c.tracks, out.Track)
	switch out.Track.Kind {
	case mp4.TrackAudio:
		c.audio = out
		c.boxes = append([][]byte{out.Boxes}, c.boxes...)
	default:
		c.video = out
		c.boxes = append(c.boxes, out.Boxes)
	}
}

// AddCaptions queues caption cues.
func (c *Constructor) AddCaptions(caps ...demux.Caption) {
	c.captions = append(c.captions, caps...)
}

// AddMetadata queues an ID3 tag.
func (c *Constructor) AddMetadata(tag *demux.ID3Tag) {
	if tag == nil {
		return
	}
	if tag.DispatchType != "" {
		c.dispatch = tag.DispatchType
	}
	c.metadata = append(c.metadata, tag)
}

// Pending returns the number of queued track outputs.
func (c *Constructor) Pending() int {
	return len(c.tracks)
}

// Finish builds the segment and clears the queue. It returns nil when no
// track produced output; queued captions and tags are then dropped too.
func (c *Constructor) Finish() *ConstructedSegment {
	defer c.Reset()
	if len(c.tracks) == 0 {
		return nil
	}

	seg := &ConstructedSegment{
		Type:           "combined",
		InitSegment:    mp4.InitSegment(c.tracks),
		CaptionStreams: make(map[string]bool),
		DispatchType:   c.dispatch,
	}
	if len(c.tracks) == 1 {
		seg.Type = c.tracks[0].Kind.String()
	}

	var size int
	for _, b := range c.boxes {
		size += len(b)
	}
	seg.Data = make([]byte, 0, size)
	for _, b := range c.boxes {
		seg.Data = append(seg.Data, b...)
	}

	var timelineStartPTS int64
	switch {
	case c.video != nil:
		t := c.video.Track
		timelineStartPTS = c.video.TimelineStart.PTS
		seg.Info = Info{
			Width:                t.Width,
			Height:               t.Height,
			ProfileIdc:           t.ProfileIdc,
			LevelIdc:             t.LevelIdc,
			ProfileCompatibility: t.ProfileCompatibility,
			SarRatio:             t.SarRatio,
		}
	case c.audio != nil:
		t := c.audio.Track
		timelineStartPTS = c.audio.TimelineStart.PTS
		seg.Info = Info{
			AudioObjectType:        t.AudioObjectType,
			ChannelCount:           t.ChannelCount,
			SampleRate:             t.SampleRate,
			SamplingFrequencyIndex: t.SamplingFrequencyIndex,
			SampleSize:             t.SampleSize,
		}
	}
	if c.video != nil {
		vt := c.video.Timing
		seg.VideoTiming = &vt
		seg.Gops = c.video.Gops
	}
	if c.audio != nil {
		at := c.audio.Timing
		seg.AudioTiming = &at
	}

	for _, cue := range c.captions {
		seg.Captions = append(seg.Captions, CaptionCue{
			Caption:   cue,
			StartTime: c.seconds(cue.StartPTS, timelineStartPTS),
			EndTime:   c.seconds(cue.EndPTS, timelineStartPTS),
		})
		seg.CaptionStreams[cue.Stream] = true
	}
	for _, tag := range c.metadata {
		seg.Metadata = append(seg.Metadata, MetadataCue{
			ID3Tag:  tag,
			CueTime: c.seconds(tag.PTS, timelineStartPTS),
		})
	}
	return seg
}

// Reset clears everything queued.
func (c *Constructor) Reset() {
	c.tracks = nil
	c.boxes = nil
	c.video = nil
	c.audio = nil
	c.captions = nil
	c.metadata = nil
}

// seconds converts a 90 kHz timestamp to seconds on the segment's
// timeline.
func (c *Constructor) seconds(ts, timelineStartPTS int64) float64 {
	if c.opts.KeepOriginalTimestamps {
		return float64(ts) / mp4.VideoTimescale
	}
	return float64(ts-timelineStartPTS) / mp4.VideoTimescale
}
