package pipeline

import "log/slog"

// Options configures a Transmuxer.
type Options struct {
	// KeepOriginalTimestamps writes the stream's own timestamps as decode
	// times instead of rebasing them onto BaseMediaDecodeTime.
	KeepOriginalTimestamps bool
	// FirstSequenceNumber is the mfhd sequence number of each track's
	// first fragment.
	FirstSequenceNumber uint32
	// AlignGopsAtEnd aligns GOPs from the end of the segment when an
	// alignment list is set.
	AlignGopsAtEnd bool
	// BaseMediaDecodeTime is the decode time the first segment starts at.
	BaseMediaDecodeTime uint64
	// Remux combines the tracks of a segment into one output. When
	// false, every track is returned as its own segment.
	Remux bool

	Logger *slog.Logger
}

// Option sets a field of Options.
type Option func(*Options)

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{Remux: true}
}

// WithKeepOriginalTimestamps sets Options.KeepOriginalTimestamps.
func WithKeepOriginalTimestamps(keep bool) Option {
	return func(o *Options) { o.KeepOriginalTimestamps = keep }
}

// WithFirstSequenceNumber sets Options.FirstSequenceNumber.
func WithFirstSequenceNumber(seq uint32) Option {
	return func(o *Options) { o.FirstSequenceNumber = seq }
}

// WithAlignGopsAtEnd sets Options.AlignGopsAtEnd.
func WithAlignGopsAtEnd(atEnd bool) Option {
	return func(o *Options) { o.AlignGopsAtEnd = atEnd }
}

// WithBaseMediaDecodeTime sets Options.BaseMediaDecodeTime.
func WithBaseMediaDecodeTime(t uint64) Option {
	return func(o *Options) { o.BaseMediaDecodeTime = t }
}

// WithRemux sets Options.Remux.
func WithRemux(remux bool) Option {
	return func(o *Options) { o.Remux = remux }
}

// WithLogger sets the logger. A nil logger means slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(o *Options) { o.Logger = log }
}
