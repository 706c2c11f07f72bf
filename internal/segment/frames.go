package segment

import (
	"bytes"
	"encoding/binary"

	"github.com/zsiec/transmux/internal/demux"
	"github.com/zsiec/transmux/internal/mp4"
)

// Frame is one access unit: the NAL units from an AUD up to the next.
type Frame struct {
	NALs       []demux.NALUnit
	ByteLength int
	PTS        int64
	DTS        int64
	Duration   int64
	KeyFrame   bool
}

// Gop is a run of frames starting at a keyframe. The first GOP of a
// segment may start without one.
type Gop struct {
	Frames     []Frame
	ByteLength int
	NALCount   int
	PTS        int64
	DTS        int64
	Duration   int64
}

// GopList is the GOPs of one segment with their totals. PTS and DTS are
// the segment's start and may differ from the first GOP's after a
// keyframe pull.
type GopList struct {
	Gops       []Gop
	ByteLength int
	NALCount   int
	Duration   int64
	PTS        int64
	DTS        int64
}

// GopInfo identifies an emitted GOP. Lists of GopInfo from one rendition
// are used to align the GOPs of another.
type GopInfo struct {
	PTS        int64
	DTS        int64
	ByteLength int
}

// groupNALsIntoFrames splits nals at AUD boundaries. The first unit is
// expected to be an AUD. A frame lasts until the next AUD; the last frame
// reuses the previous frame's duration when it has none of its own.
func groupNALsIntoFrames(nals []demux.NALUnit) []Frame {
	var (
		frames []Frame
		cur    Frame
	)
	for _, nal := range nals {
		if nal.Kind == demux.NALAUD {
			if len(cur.NALs) > 0 {
				cur.Duration = nal.DTS - cur.DTS
				frames = append(frames, cur)
			}
			cur = Frame{
				NALs:       []demux.NALUnit{nal},
				ByteLength: len(nal.Data),
				PTS:        nal.PTS,
				DTS:        nal.DTS,
			}
			continue
		}
		if nal.Kind == demux.NALSliceIDR {
			cur.KeyFrame = true
		}
		cur.Duration = nal.DTS - cur.DTS
		cur.ByteLength += len(nal.Data)
		cur.NALs = append(cur.NALs, nal)
	}
	if len(frames) > 0 && cur.Duration <= 0 {
		cur.Duration = frames[len(frames)-1].Duration
	}
	return append(frames, cur)
}

// groupFramesIntoGops splits frames at keyframes.
func groupFramesIntoGops(frames []Frame) GopList {
	list := GopList{PTS: frames[0].PTS, DTS: frames[0].DTS}
	cur := Gop{PTS: frames[0].PTS, DTS: frames[0].DTS}
	add := func(g Gop) {
		list.Gops = append(list.Gops, g)
		list.ByteLength += g.ByteLength
		list.NALCount += g.NALCount
		list.Duration += g.Duration
	}
	for _, f := range frames {
		if f.KeyFrame {
			if len(cur.Frames) > 0 {
				add(cur)
			}
			cur = Gop{
				Frames:     []Frame{f},
				ByteLength: f.ByteLength,
				NALCount:   len(f.NALs),
				PTS:        f.PTS,
				DTS:        f.DTS,
				Duration:   f.Duration,
			}
			continue
		}
		cur.Frames = append(cur.Frames, f)
		cur.ByteLength += f.ByteLength
		cur.NALCount += len(f.NALs)
		cur.Duration += f.Duration
	}
	if len(list.Gops) > 0 && cur.Duration <= 0 {
		cur.Duration = list.Gops[len(list.Gops)-1].Duration
	}
	add(cur)
	return list
}

// prepend adds g in front of the list and moves the list's start to it.
func (l *GopList) prepend(g Gop) {
	l.Gops = append([]Gop{g}, l.Gops...)
	l.ByteLength += g.ByteLength
	l.NALCount += g.NALCount
	l.Duration += g.Duration
	l.PTS, l.DTS = g.PTS, g.DTS
}

// extendFirstKeyFrame drops a leading GOP that has no keyframe and
// stretches the next GOP's first frame back over the dropped span. It
// reports whether anything was dropped; a single GOP is left alone.
func (l *GopList) extendFirstKeyFrame() bool {
	if len(l.Gops) < 2 || l.Gops[0].Frames[0].KeyFrame {
		return false
	}
	dropped := l.Gops[0]
	l.Gops = l.Gops[1:]
	l.ByteLength -= dropped.ByteLength
	l.NALCount -= dropped.NALCount

	first := &l.Gops[0].Frames[0]
	first.DTS = dropped.DTS
	first.PTS = dropped.PTS
	first.Duration += dropped.Duration
	return true
}

// from returns the list starting at GOP i with its totals recomputed.
func (l GopList) from(i int) GopList {
	out := GopList{Gops: l.Gops[i:]}
	for _, g := range out.Gops {
		out.ByteLength += g.ByteLength
		out.NALCount += g.NALCount
		out.Duration += g.Duration
	}
	out.PTS, out.DTS = out.Gops[0].PTS, out.Gops[0].DTS
	return out
}

func (l GopList) info() []GopInfo {
	infos := make([]GopInfo, len(l.Gops))
	for i, g := range l.Gops {
		infos[i] = GopInfo{PTS: g.PTS, DTS: g.DTS, ByteLength: g.ByteLength}
	}
	return infos
}

// sampleTable builds one sample per frame and the mdat payload: every NAL
// unit prefixed with its 4-byte big-endian length.
func sampleTable(l GopList) ([]mp4.Sample, []byte) {
	var samples []mp4.Sample
	data := make([]byte, 0, l.ByteLength+4*l.NALCount)
	for _, g := range l.Gops {
		for _, f := range g.Frames {
			s := mp4.Sample{
				Duration:              uint32(max(f.Duration, 0)),
				Size:                  uint32(4*len(f.NALs) + f.ByteLength),
				CompositionTimeOffset: int32(f.PTS - f.DTS),
				Flags:                 mp4.FrameFlags(),
			}
			if f.KeyFrame {
				s.Flags = mp4.KeyframeFlags()
			}
			samples = append(samples, s)
			for _, nal := range f.NALs {
				data = appendLengthPrefixed(data, nal.Data)
			}
		}
	}
	return samples, data
}

func appendLengthPrefixed(dst, nal []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(nal)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, nal...)
}

const gopCacheSize = 6

type cachedGop struct {
	gop Gop
	sps []byte
	pps []byte
}

// GopCache holds the last GOP of recent segments, newest first, with the
// parameter sets they were coded with.
type GopCache struct {
	entries []cachedGop
}

func (c *GopCache) push(g Gop, sps, pps []byte) {
	c.entries = append([]cachedGop{{gop: g, sps: sps, pps: pps}}, c.entries...)
	if len(c.entries) > gopCacheSize {
		c.entries = c.entries[:gopCacheSize]
	}
}

// Len returns the number of cached GOPs.
func (c *GopCache) Len() int {
	return len(c.entries)
}

// Reset empties the cache.
func (c *GopCache) Reset() {
	c.entries = nil
}

const (
	fusionMaxGap     = 45000
	fusionMaxOverlap = 10000
)

// nearest returns the cached GOP that best precedes a segment starting at
// dts: same SPS and PPS, not before timelineDTS, and ending no more than
// fusionMaxOverlap ticks after or fusionMaxGap ticks before dts. The
// smallest distance wins.
func (c *GopCache) nearest(dts, timelineDTS int64, sps, pps []byte) (Gop, bool) {
	var (
		best     Gop
		bestDist int64
		found    bool
	)
	if sps == nil || pps == nil {
		return best, false
	}
	for _, e := range c.entries {
		if !bytes.Equal(e.sps, sps) || !bytes.Equal(e.pps, pps) {
			continue
		}
		if e.gop.DTS < timelineDTS {
			continue
		}
		dist := dts - e.gop.DTS - e.gop.Duration
		if dist < -fusionMaxOverlap || dist > fusionMaxGap {
			continue
		}
		if !found || dist < bestDist {
			best, bestDist, found = e.gop, dist, true
		}
	}
	return best, found
}
