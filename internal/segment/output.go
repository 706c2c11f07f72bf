package segment

import (
	"log/slog"

	"github.com/zsiec/transmux/internal/mp4"
)

// Options configures the generators and the constructor.
type Options struct {
	// KeepOriginalTimestamps writes the stream's own DTS as the decode
	// time instead of rebasing it onto TimelineStart.
	KeepOriginalTimestamps bool
	// FirstSequenceNumber is the mfhd sequence number of the first
	// fragment.
	FirstSequenceNumber uint32
	// AlignGopsAtEnd aligns GOPs from the end of the segment rather than
	// the start.
	AlignGopsAtEnd bool
	Logger         *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// Timing is a fragment's extent in 90 kHz ticks.
type Timing struct {
	StartDTS int64
	StartPTS int64
	EndDTS   int64
	EndPTS   int64
	// BaseMediaDecodeTime is the fragment's tfdt on the 90 kHz clock.
	BaseMediaDecodeTime uint64
	// PrependedContentDuration covers a fused GOP or inserted silence.
	PrependedContentDuration int64
}

// Output is one track's contribution to a segment.
type Output struct {
	Track *mp4.Track
	// Boxes is a complete moof+mdat.
	Boxes         []byte
	Timing        Timing
	TimelineStart TimelineStart
	// Gops lists the emitted GOPs. Video only.
	Gops []GopInfo
}

// GopRepair names how a segment that did not start on a keyframe, or
// that was aligned to another rendition, was handled.
type GopRepair string

// GOP repairs.
const (
	RepairFusion  GopRepair = "fusion"
	RepairPull    GopRepair = "pull"
	RepairAligned GopRepair = "aligned"
	RepairDropped GopRepair = "dropped"
)
