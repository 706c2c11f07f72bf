package mp4

// TrackKind selects the sample entry and handler of a track.
type TrackKind uint8

// Track kinds.
const (
	TrackVideo TrackKind = iota + 1
	TrackAudio
)

func (k TrackKind) String() string {
	switch k {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	}
	return "unknown"
}

// VideoTimescale is the movie and video media timescale: the 90 kHz
// MPEG-2 clock.
const VideoTimescale = 90000

// Track describes one track for both the initialization segment and a
// fragment. Codec fields are only read for the matching kind.
type Track struct {
	ID   uint32
	Kind TrackKind
	// Duration is written to tkhd and mdhd. Zero means unknown
	// (0xffffffff).
	Duration uint32

	// Fragment fields.
	BaseMediaDecodeTime uint64
	Samples             []Sample

	// Video.
	Width                int
	Height               int
	ProfileIdc           uint8
	ProfileCompatibility uint8
	LevelIdc             uint8
	// SarRatio is written as a pasp box when both values are set.
	SarRatio [2]int
	SPS      [][]byte
	PPS      [][]byte

	// Audio.
	AudioObjectType        int
	ChannelCount           int
	SampleRate             int
	SamplingFrequencyIndex int
	SampleSize             int
}

// Timescale returns the media timescale: the sample rate for audio,
// 90 kHz otherwise.
func (t *Track) Timescale() uint32 {
	if t.Kind == TrackAudio && t.SampleRate > 0 {
		return uint32(t.SampleRate)
	}
	return VideoTimescale
}

func (t *Track) duration() uint32 {
	if t.Duration == 0 {
		return 0xFFFFFFFF
	}
	return t.Duration
}

// Sample is one trun entry. Audio fragments only carry Duration and
// Size.
type Sample struct {
	Duration              uint32
	Size                  uint32
	CompositionTimeOffset int32
	Flags                 SampleFlags
}

// SampleFlags are the ISO-BMFF sample flags (ISO/IEC 14496-12 8.8.3.1).
type SampleFlags struct {
	IsLeading           uint8
	DependsOn           uint8
	IsDependedOn        uint8
	HasRedundancy       uint8
	PaddingValue        uint8
	IsNonSyncSample     uint8
	DegradationPriority uint16
}

// KeyframeFlags are the flags of a sync sample that depends on no other
// sample.
func KeyframeFlags() SampleFlags {
	return SampleFlags{DependsOn: 2}
}

// FrameFlags are the flags of a non-sync sample.
func FrameFlags() SampleFlags {
	return SampleFlags{DependsOn: 1, IsNonSyncSample: 1}
}

// Uint32 packs the flags into their 32-bit trun representation.
func (f SampleFlags) Uint32() uint32 {
	return uint32(f.IsLeading&0x03)<<26 |
		uint32(f.DependsOn&0x03)<<24 |
		uint32(f.IsDependedOn&0x03)<<22 |
		uint32(f.HasRedundancy&0x03)<<20 |
		uint32(f.PaddingValue&0x07)<<17 |
		uint32(f.IsNonSyncSample&0x01)<<16 |
		uint32(f.DegradationPriority)
}

// sdtpByte packs the flags into their sdtp entry.
func (f SampleFlags) sdtpByte() uint8 {
	return f.DependsOn<<4 | f.IsDependedOn<<2 | f.HasRedundancy
}
