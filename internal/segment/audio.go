package segment

import (
	"log/slog"
	"math"

	"github.com/zsiec/transmux/internal/demux"
	"github.com/zsiec/transmux/internal/mp4"
)

const (
	samplesPerFrame = 1024
	maxSilenceFill  = mp4.VideoTimescale / 2
)

// AudioGenerator buffers one segment of AAC frames and turns it into a
// fragment.
type AudioGenerator struct {
	log   *slog.Logger
	opts  Options
	track *TrackState
	seq   uint32

	frames []demux.AACFrame

	earliestAllowedDTS int64
	appendStart        int64
	videoBaseTime      int64
	hasVideoBaseTime   bool
	silence            int
}

// NewAudioGenerator creates an AudioGenerator for track.
func NewAudioGenerator(track *TrackState, opts Options) *AudioGenerator {
	return &AudioGenerator{
		log:   opts.logger().With("component", "audio-segment", "track", track.ID),
		opts:  opts,
		track: track,
		seq:   opts.FirstSequenceNumber,
	}
}

// Track returns the generator's track state.
func (g *AudioGenerator) Track() *TrackState {
	return g.track
}

// Push buffers a frame and copies its header fields onto the track.
func (g *AudioGenerator) Push(f demux.AACFrame) {
	g.track.collect(f.PTS, f.DTS)
	g.track.AudioObjectType = f.AudioObjectType
	g.track.ChannelCount = f.ChannelCount
	g.track.SampleRate = f.SampleRate
	g.track.SamplingFrequencyIndex = f.SamplingFrequencyIndex
	g.track.SampleSize = f.SampleSize
	g.frames = append(g.frames, f)
}

// SetEarliestDts drops frames decoded before dts from later segments.
func (g *AudioGenerator) SetEarliestDts(dts int64) {
	g.earliestAllowedDTS = dts
}

// SetVideoBaseMediaDecodeTime records the decode time of the video
// fragment the audio will be played against.
func (g *AudioGenerator) SetVideoBaseMediaDecodeTime(t uint64) {
	g.videoBaseTime, g.hasVideoBaseTime = int64(t), true
}

// SetAudioAppendStart records where the player's audio buffer currently
// ends, in 90 kHz ticks. A gap between it and the next fragment is filled
// with silence.
func (g *AudioGenerator) SetAudioAppendStart(ts int64) {
	g.appendStart = ts
}

// SilenceInserted returns the number of silent frames the last
// GenerateBoxes call prepended.
func (g *AudioGenerator) SilenceInserted() int {
	return g.silence
}

// GenerateBoxes turns the buffered frames into a moof+mdat, or returns
// nil when no frame survives trimming.
func (g *AudioGenerator) GenerateBoxes() *Output {
	defer func() {
		g.frames = nil
		g.track.clearSegment()
	}()
	g.silence = 0
	if len(g.frames) == 0 {
		return nil
	}

	frames := g.trimByEarliestDts(g.frames)
	if len(frames) == 0 {
		g.log.Debug("all frames precede the earliest allowed dts", "dts", g.earliestAllowedDTS)
		return nil
	}
	g.track.BaseMediaDecodeTime = g.track.CalculateBaseMediaDecodeTime(g.opts.KeepOriginalTimestamps)

	frames, prefixed := g.prefixWithSilence(frames)

	samples := make([]mp4.Sample, len(frames))
	var size int
	for _, f := range frames {
		size += len(f.Data)
	}
	data := make([]byte, 0, size)
	for i, f := range frames {
		samples[i] = mp4.Sample{Duration: samplesPerFrame, Size: uint32(len(f.Data))}
		data = append(data, f.Data...)
	}
	g.track.Samples = samples

	frameDuration := g.frameDuration()
	duration := int64(len(frames)) * frameDuration
	out := &Output{
		Track: g.track.snapshot(),
		Boxes: mp4.Fragment(g.seq, []*mp4.Track{&g.track.Track}, data),
		Timing: Timing{
			StartDTS:                 frames[0].DTS,
			StartPTS:                 frames[0].PTS,
			EndDTS:                   frames[0].DTS + duration,
			EndPTS:                   frames[0].PTS + duration,
			BaseMediaDecodeTime:      g.track.BaseMediaDecodeTime * mp4.VideoTimescale / uint64(g.track.SampleRate),
			PrependedContentDuration: prefixed,
		},
		TimelineStart: g.track.TimelineStart,
	}
	g.seq++
	return out
}

// Cancel drops the buffered frames.
func (g *AudioGenerator) Cancel() {
	g.frames = nil
	g.track.clearSegment()
}

// frameDuration is one frame on the 90 kHz clock, rounded up.
func (g *AudioGenerator) frameDuration() int64 {
	return int64(math.Ceil(float64(mp4.VideoTimescale) * samplesPerFrame / float64(g.track.SampleRate)))
}

// trimByEarliestDts drops frames before the earliest allowed DTS and
// moves the segment start to the first frame kept.
func (g *AudioGenerator) trimByEarliestDts(frames []demux.AACFrame) []demux.AACFrame {
	if minDTS, _ := g.track.MinSegmentDTS(); minDTS >= g.earliestAllowedDTS {
		return frames
	}
	g.track.clearSegment()
	kept := frames[:0:0]
	for _, f := range frames {
		if f.DTS < g.earliestAllowedDTS {
			continue
		}
		kept = append(kept, f)
		if !g.track.hasSegment || f.DTS < g.track.minSegmentDTS {
			g.track.minSegmentDTS = f.DTS
			g.track.hasSegment = true
		}
		g.track.minSegmentPTS = g.track.minSegmentDTS
	}
	return kept
}

// prefixWithSilence fills the gap between the later of the append start
// and the video decode time, and the fragment's start, with whole silent
// frames. Gaps shorter than a frame, or of half a second or more, are
// left alone. It returns the frames and the inserted duration in 90 kHz
// ticks.
func (g *AudioGenerator) prefixWithSilence(frames []demux.AACFrame) ([]demux.AACFrame, int64) {
	if g.appendStart == 0 || !g.hasVideoBaseTime || g.videoBaseTime == 0 {
		return frames, 0
	}
	rate := float64(g.track.SampleRate)
	baseTime := float64(g.track.BaseMediaDecodeTime) * mp4.VideoTimescale / rate
	frameDuration := g.frameDuration()

	gap := baseTime - float64(max(g.appendStart, g.videoBaseTime))
	count := int64(math.Floor(gap / float64(frameDuration)))
	if count < 1 || gap >= maxSilenceFill {
		return frames, 0
	}

	silent, ok := SilentFrame(g.track.SampleRate)
	if !ok {
		silent = frames[0].Data
	}
	fill := count * frameDuration
	prefix := make([]demux.AACFrame, count, int(count)+len(frames))
	for i := range prefix {
		f := frames[0]
		f.Data = silent
		f.PTS -= int64(len(prefix)-i) * frameDuration
		f.DTS -= int64(len(prefix)-i) * frameDuration
		prefix[i] = f
	}
	g.track.BaseMediaDecodeTime -= uint64(math.Floor(float64(fill) * rate / mp4.VideoTimescale))
	g.silence = int(count)
	g.log.Debug("prefixed silence", "frames", count, "duration", fill)
	return append(prefix, frames...), fill
}
