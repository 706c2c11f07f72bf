package segment

import (
	"log/slog"

	"github.com/zsiec/transmux/internal/demux"
	"github.com/zsiec/transmux/internal/mp4"
)

// VideoGenerator buffers one segment of H.264 NAL units and turns it
// into a fragment. Segments that do not start on a keyframe are repaired
// from a cache of previous GOPs or by pulling the next keyframe forward.
type VideoGenerator struct {
	log   *slog.Logger
	opts  Options
	track *TrackState
	seq   uint32

	nals    []demux.NALUnit
	seenSPS bool
	seenPPS bool

	cache     GopCache
	alignWith []GopInfo
	repairs   []GopRepair
}

// NewVideoGenerator creates a VideoGenerator for track.
func NewVideoGenerator(track *TrackState, opts Options) *VideoGenerator {
	return &VideoGenerator{
		log:   opts.logger().With("component", "video-segment", "track", track.ID),
		opts:  opts,
		track: track,
		seq:   opts.FirstSequenceNumber,
	}
}

// Track returns the generator's track state.
func (g *VideoGenerator) Track() *TrackState {
	return g.track
}

// Push buffers a NAL unit. The first SPS and PPS of each segment update
// the track's codec configuration.
func (g *VideoGenerator) Push(nal demux.NALUnit) {
	g.track.collect(nal.PTS, nal.DTS)

	switch nal.Kind {
	case demux.NALSPS:
		if !g.seenSPS && nal.Config != nil {
			g.seenSPS = true
			cfg := nal.Config
			g.track.SPS = [][]byte{nal.Data}
			g.track.Width = cfg.Width
			g.track.Height = cfg.Height
			g.track.ProfileIdc = cfg.ProfileIdc
			g.track.LevelIdc = cfg.LevelIdc
			g.track.ProfileCompatibility = cfg.ProfileCompatibility
			g.track.SarRatio = cfg.SarRatio
		}
	case demux.NALPPS:
		if !g.seenPPS {
			g.seenPPS = true
			g.track.PPS = [][]byte{nal.Data}
		}
	}
	g.nals = append(g.nals, nal)
}

// AlignGopsWith sets the GOPs of another rendition that output should be
// trimmed to line up with. The list stays in effect until replaced.
func (g *VideoGenerator) AlignGopsWith(gops []GopInfo) {
	g.alignWith = append([]GopInfo(nil), gops...)
}

// Repairs returns the repairs applied by the last GenerateBoxes call.
func (g *VideoGenerator) Repairs() []GopRepair {
	return g.repairs
}

// GopCache returns the cache of recent GOPs.
func (g *VideoGenerator) GopCache() *GopCache {
	return &g.cache
}

// GenerateBoxes turns the buffered NAL units into a moof+mdat. It returns
// nil when there is nothing to emit: no access unit was buffered, or no
// GOP lines up with the alignment list.
func (g *VideoGenerator) GenerateBoxes() *Output {
	defer g.resetSegment()
	g.repairs = g.repairs[:0]

	nals := g.nals
	for len(nals) > 0 && nals[0].Kind != demux.NALAUD {
		nals = nals[1:]
	}
	if len(nals) == 0 {
		return nil
	}

	gops := groupFramesIntoGops(groupNALsIntoFrames(nals))

	var prepended int64
	if !gops.Gops[0].Frames[0].KeyFrame {
		if fused, ok := g.gopForFusion(nals[0]); ok {
			prepended = fused.Duration
			gops.prepend(fused)
			g.repairs = append(g.repairs, RepairFusion)
		} else if gops.extendFirstKeyFrame() {
			g.repairs = append(g.repairs, RepairPull)
		}
	}

	if len(g.alignWith) > 0 {
		var (
			aligned GopList
			ok      bool
		)
		if g.opts.AlignGopsAtEnd {
			aligned, ok = g.alignGopsAtEnd(gops)
		} else {
			aligned, ok = g.alignGopsAtStart(gops)
		}
		if !ok {
			g.cacheGop(gops.Gops[len(gops.Gops)-1])
			g.repairs = append(g.repairs, RepairDropped)
			g.log.Debug("no gop aligns, output suppressed", "gops", len(gops.Gops))
			return nil
		}
		if len(aligned.Gops) != len(gops.Gops) {
			g.repairs = append(g.repairs, RepairAligned)
		}
		g.track.clearSegment()
		gops = aligned
	}

	g.track.collect(gops.PTS, gops.DTS)
	samples, data := sampleTable(gops)
	g.track.Samples = samples
	g.track.BaseMediaDecodeTime = g.track.CalculateBaseMediaDecodeTime(g.opts.KeepOriginalTimestamps)

	first, last := gops.Gops[0], gops.Gops[len(gops.Gops)-1]
	out := &Output{
		Track: g.track.snapshot(),
		Boxes: mp4.Fragment(g.seq, []*mp4.Track{&g.track.Track}, data),
		Timing: Timing{
			StartDTS:                 first.DTS,
			StartPTS:                 first.PTS,
			EndDTS:                   last.DTS + last.Duration,
			EndPTS:                   last.PTS + last.Duration,
			BaseMediaDecodeTime:      g.track.BaseMediaDecodeTime,
			PrependedContentDuration: prepended,
		},
		TimelineStart: g.track.TimelineStart,
		Gops:          gops.info(),
	}
	g.seq++
	g.cacheGop(last)
	return out
}

// Cancel drops buffered NAL units, the GOP cache and the alignment list.
func (g *VideoGenerator) Cancel() {
	g.resetSegment()
	g.cache.Reset()
	g.alignWith = nil
}

func (g *VideoGenerator) resetSegment() {
	g.track.clearSegment()
	g.nals = nil
	g.seenSPS = false
	g.seenPPS = false
}

func (g *VideoGenerator) cacheGop(gop Gop) {
	g.cache.push(gop, firstOf(g.track.SPS), firstOf(g.track.PPS))
}

func (g *VideoGenerator) gopForFusion(nal demux.NALUnit) (Gop, bool) {
	return g.cache.nearest(nal.DTS, g.track.TimelineStart.DTS, firstOf(g.track.SPS), firstOf(g.track.PPS))
}

// alignGopsAtStart drops leading GOPs until one starts at a PTS in the
// alignment list. ok is false when every GOP would be dropped.
func (g *VideoGenerator) alignGopsAtStart(gops GopList) (GopList, bool) {
	alignIndex, gopIndex := 0, 0
	for alignIndex < len(g.alignWith) && gopIndex < len(gops.Gops) {
		align, gop := g.alignWith[alignIndex], gops.Gops[gopIndex]
		if align.PTS == gop.PTS {
			break
		}
		if gop.PTS > align.PTS {
			alignIndex++
			continue
		}
		gopIndex++
	}
	switch gopIndex {
	case 0:
		return gops, true
	case len(gops.Gops):
		return GopList{}, false
	}
	return gops.from(gopIndex), true
}

// alignGopsAtEnd walks both lists backwards looking for a GOP whose PTS
// is in the alignment list. Without an exact match, GOPs after the last
// alignment entry are still kept.
func (g *VideoGenerator) alignGopsAtEnd(gops GopList) (GopList, bool) {
	alignIndex := len(g.alignWith) - 1
	gopIndex := len(gops.Gops) - 1
	alignEnd := -1
	matched := false
	for alignIndex >= 0 && gopIndex >= 0 {
		align, gop := g.alignWith[alignIndex], gops.Gops[gopIndex]
		if align.PTS == gop.PTS {
			matched = true
			break
		}
		if align.PTS > gop.PTS {
			alignIndex--
			continue
		}
		if alignIndex == len(g.alignWith)-1 {
			alignEnd = gopIndex
		}
		gopIndex--
	}
	if !matched && alignEnd < 0 {
		return GopList{}, false
	}
	trim := alignEnd
	if matched {
		trim = gopIndex
	}
	if trim == 0 {
		return gops, true
	}
	return gops.from(trim), true
}

func firstOf(b [][]byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b[0]
}
