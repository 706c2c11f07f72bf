package pipeline

import (
	"log/slog"

	"github.com/zsiec/transmux/internal/demux"
	"github.com/zsiec/transmux/internal/mpegts"
	"github.com/zsiec/transmux/internal/segment"
)

// aacTrackID is the track ID of the audio track in packed audio, which
// has no PIDs to take one from.
const aacTrackID = 1

// Transmuxer converts MPEG-TS or packed ADTS segments into fragmented
// MP4. It is not safe for concurrent use; feed one stream from one
// goroutine.
type Transmuxer struct {
	log   *slog.Logger
	opts  Options
	stats StatsRecorder

	format     Format
	hasFlushed bool

	baseMediaDecodeTime uint64

	// MPEG-TS front end.
	demuxer *mpegts.Demuxer
	// Packed audio front end.
	scanner          *demux.RawAACScanner
	audioRollover    *mpegts.RolloverCorrector
	metadataRollover *mpegts.RolloverCorrector

	h264     *demux.H264Parser
	adts     *demux.ADTSParser
	captions *demux.CaptionParser
	metadata *demux.MetadataParser

	// Tracks survive a change of front end; generators do not.
	videoTrack  *segment.TrackState
	audioTrack  *segment.TrackState
	video       *segment.VideoGenerator
	audio       *segment.AudioGenerator
	constructor *segment.Constructor

	fed        int
	understood int64
}

// New creates a Transmuxer.
func New(opts ...Option) *Transmuxer {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Transmuxer{
		log:                 o.Logger.With("component", "transmuxer"),
		opts:                o,
		stats:               nopStats{},
		hasFlushed:          true,
		baseMediaDecodeTime: o.BaseMediaDecodeTime,
	}
}

// SetStats attaches a StatsRecorder.
func (t *Transmuxer) SetStats(s StatsRecorder) {
	if s == nil {
		s = nopStats{}
	}
	t.stats = s
}

// Format returns the container of the current segment.
func (t *Transmuxer) Format() Format {
	return t.format
}

// Push transmuxes one complete segment and returns the init segment and
// media data of every output back to back, or nil when nothing was
// produced.
func (t *Transmuxer) Push(chunk []byte) ([]byte, error) {
	segs, err := t.PushSegments(chunk)
	if err != nil || len(segs) == 0 {
		return nil, err
	}
	var out []byte
	for _, s := range segs {
		out = append(out, s.Bytes()...)
	}
	return out, nil
}

// PushSegment transmuxes one complete segment. With remuxing disabled
// only the first track's segment is returned; use PushSegments.
func (t *Transmuxer) PushSegment(chunk []byte) (*segment.ConstructedSegment, error) {
	segs, err := t.PushSegments(chunk)
	if err != nil || len(segs) == 0 {
		return nil, err
	}
	return segs[0], nil
}

// PushSegments transmuxes one complete segment.
func (t *Transmuxer) PushSegments(chunk []byte) ([]*segment.ConstructedSegment, error) {
	t.Feed(chunk)
	return t.Flush()
}

// Feed adds part of a segment. The first chunk after a flush selects the
// front end.
func (t *Transmuxer) Feed(chunk []byte) {
	if t.hasFlushed {
		format := Sniff(chunk)
		if format == FormatAAC && t.format != FormatAAC {
			t.setupAAC()
		} else if format != FormatAAC && t.format != FormatTS {
			t.setupTS()
		}
		t.hasFlushed = false
	}
	t.fed += len(chunk)

	switch t.format {
	case FormatTS:
		before := t.demuxer.Packets()
		for _, ep := range t.demuxer.Push(chunk) {
			t.route(ep)
		}
		t.understood += t.demuxer.Packets() - before
		if n := t.demuxer.Skipped(); n > 0 {
			t.stats.RecordResync("mpegts", n)
		}
	case FormatAAC:
		t.scanner.Push(chunk)
		t.drainScanner()
	}
}

// Flush ends the segment and returns what it produced. The error is
// ErrUnknownFormat when bytes were fed but none could be parsed.
func (t *Transmuxer) Flush() ([]*segment.ConstructedSegment, error) {
	t.hasFlushed = true
	if t.format == FormatUnknown {
		return nil, nil
	}

	switch t.format {
	case FormatTS:
		before := t.demuxer.Packets()
		for _, ep := range t.demuxer.Flush() {
			t.route(ep)
		}
		t.understood += t.demuxer.Packets() - before
	case FormatAAC:
		t.drainScanner()
		t.audioRollover.SignalEndOfSegment()
		t.metadataRollover.SignalEndOfSegment()
	}

	nals, err := t.h264.Flush()
	if err != nil {
		t.decodeError(err)
	}
	for _, nal := range nals {
		t.pushNAL(nal)
	}
	t.constructor.AddCaptions(t.captions.Flush()...)

	segs := t.generate()

	fed, understood := t.fed, t.understood
	t.endSegment()
	if len(segs) == 0 && fed > 0 && understood == 0 {
		return nil, ErrUnknownFormat
	}
	return segs, nil
}

// Reset drops all buffered data, cached GOPs and rollover state. Tracks
// and their timelines are kept.
func (t *Transmuxer) Reset() {
	if t.demuxer != nil {
		t.demuxer.Reset()
	}
	if t.scanner != nil {
		t.scanner.Reset()
		t.audioRollover.Discontinuity()
		t.metadataRollover.Discontinuity()
	}
	if t.h264 != nil {
		t.h264.Reset()
		t.adts.Reset()
		t.captions.Reset()
		t.metadata.Reset()
	}
	if t.video != nil {
		t.video.Cancel()
	}
	if t.audio != nil {
		t.audio.Cancel()
	}
	if t.constructor != nil {
		t.constructor.Reset()
	}
	t.fed, t.understood = 0, 0
	t.hasFlushed = true
}

// SetBaseMediaDecodeTime starts a new timeline: the next segment's
// earliest timestamps map to decode time bmdt. Cached GOPs and open
// captions are dropped. It is ignored when original timestamps are kept,
// apart from the discontinuity.
func (t *Transmuxer) SetBaseMediaDecodeTime(bmdt uint64) {
	if !t.opts.KeepOriginalTimestamps {
		t.baseMediaDecodeTime = bmdt
	}
	if t.audioTrack != nil {
		t.audioTrack.ResetTimeline()
		t.audioTrack.TimelineStart.BaseMediaDecodeTime = t.baseMediaDecodeTime
		if t.audioRollover != nil {
			t.audioRollover.Discontinuity()
		}
	}
	if t.videoTrack != nil {
		if t.video != nil {
			t.video.GopCache().Reset()
		}
		t.videoTrack.ResetTimeline()
		t.videoTrack.TimelineStart.BaseMediaDecodeTime = t.baseMediaDecodeTime
		if t.captions != nil {
			t.captions.Reset()
		}
	}
	if t.demuxer != nil {
		t.demuxer.Discontinuity()
	}
	if t.metadataRollover != nil {
		t.metadataRollover.Discontinuity()
	}
}

// SetAudioAppendStart sets where the player's audio buffer ends, in
// 90 kHz ticks, so a gap before the next audio fragment is filled with
// silence.
func (t *Transmuxer) SetAudioAppendStart(ts int64) {
	if t.audio != nil {
		t.audio.SetAudioAppendStart(ts)
	}
}

// AlignGopsWith trims video output to start on one of gops, usually the
// GopsInfo of another rendition's segment.
func (t *Transmuxer) AlignGopsWith(gops []segment.GopInfo) {
	if t.video != nil {
		t.video.AlignGopsWith(gops)
	}
}

func (t *Transmuxer) segmentOptions() segment.Options {
	return segment.Options{
		KeepOriginalTimestamps: t.opts.KeepOriginalTimestamps,
		FirstSequenceNumber:    t.opts.FirstSequenceNumber,
		AlignGopsAtEnd:         t.opts.AlignGopsAtEnd,
		Logger:                 t.opts.Logger,
	}
}

func (t *Transmuxer) newParsers() {
	log := t.opts.Logger
	t.h264 = demux.NewH264Parser(log)
	t.adts = demux.NewADTSParser(log)
	t.captions = demux.NewCaptionParser(log)
	t.metadata = demux.NewMetadataParser(log)
	t.constructor = segment.NewConstructor(t.segmentOptions())
	t.video, t.audio = nil, nil
}

func (t *Transmuxer) setupTS() {
	t.log.Debug("using transport stream front end")
	t.format = FormatTS
	t.demuxer = mpegts.NewDemuxer(mpegts.DemuxerOptLogger(t.opts.Logger))
	t.scanner, t.audioRollover, t.metadataRollover = nil, nil, nil
	t.newParsers()
}

func (t *Transmuxer) setupAAC() {
	t.log.Debug("using packed audio front end")
	t.format = FormatAAC
	t.demuxer = nil
	t.scanner = demux.NewRawAACScanner(t.opts.Logger)
	t.audioRollover = mpegts.NewRolloverCorrector()
	t.metadataRollover = mpegts.NewRolloverCorrector()
	t.newParsers()
}

// route hands a demuxed packet to its parser.
func (t *Transmuxer) route(ep mpegts.ElementaryPacket) {
	switch ep.Kind {
	case mpegts.KindTracks:
		t.setTracks(ep.Tracks)
	case mpegts.KindVideo:
		nals, err := t.h264.Push(ep)
		if err != nil {
			t.decodeError(err)
		}
		for _, nal := range nals {
			t.pushNAL(nal)
		}
	case mpegts.KindAudio:
		t.pushAudio(ep)
	case mpegts.KindTimedMetadata:
		if tag := t.metadata.Push(ep); tag != nil {
			t.constructor.AddMetadata(tag)
		}
	}
}

func (t *Transmuxer) drainScanner() {
	for {
		pkt, ok := t.scanner.Next()
		if !ok {
			break
		}
		t.understood++
		t.ensureAACTrack()
		switch pkt.Kind {
		case mpegts.KindAudio:
			t.audioRollover.Correct(&pkt)
			t.pushAudio(pkt)
		case mpegts.KindTimedMetadata:
			tag := t.metadata.Push(pkt)
			if tag == nil {
				continue
			}
			if ts, ok := tag.Timestamp(); ok {
				t.scanner.SetTimestamp(ts)
			}
			if tag.HasPTS {
				tag.PTS, tag.DTS = t.metadataRollover.CorrectTimestamps(tag.PTS, tag.DTS)
			}
			t.constructor.AddMetadata(tag)
		}
	}
	if n := t.scanner.Skipped(); n > 0 {
		t.stats.RecordResync("aac", n)
	}
}

func (t *Transmuxer) pushAudio(ep mpegts.ElementaryPacket) {
	frames := t.adts.Push(ep)
	if n := t.adts.Skipped(); n > 0 {
		t.stats.RecordResync("adts", n)
	}
	if t.audio == nil {
		return
	}
	for _, f := range frames {
		t.audio.Push(f)
	}
}

func (t *Transmuxer) pushNAL(nal demux.NALUnit) {
	t.constructor.AddCaptions(t.captions.Push(nal)...)
	if t.video != nil {
		t.video.Push(nal)
	}
}

// setTracks adopts the first video and audio tracks of the program and
// starts their generators.
func (t *Transmuxer) setTracks(tracks []mpegts.TrackDescriptor) {
	for _, d := range tracks {
		switch {
		case d.Kind == mpegts.KindVideo && t.videoTrack == nil:
			t.videoTrack = segment.NewVideoTrack(uint32(d.ID))
			t.videoTrack.TimelineStart.BaseMediaDecodeTime = t.baseMediaDecodeTime
		case d.Kind == mpegts.KindAudio && t.audioTrack == nil:
			t.audioTrack = segment.NewAudioTrack(uint32(d.ID))
			t.audioTrack.TimelineStart.BaseMediaDecodeTime = t.baseMediaDecodeTime
		}
	}
	if t.videoTrack != nil && t.video == nil {
		t.video = segment.NewVideoGenerator(t.videoTrack, t.segmentOptions())
	}
	if t.audioTrack != nil && t.audio == nil {
		t.audio = segment.NewAudioGenerator(t.audioTrack, t.segmentOptions())
	}
	t.log.Debug("tracks", "video", t.videoTrack != nil, "audio", t.audioTrack != nil)
}

func (t *Transmuxer) ensureAACTrack() {
	if t.audio != nil {
		return
	}
	if t.audioTrack == nil {
		t.audioTrack = segment.NewAudioTrack(aacTrackID)
		t.audioTrack.TimelineStart.BaseMediaDecodeTime = t.baseMediaDecodeTime
	}
	t.audio = segment.NewAudioGenerator(t.audioTrack, t.segmentOptions())
	t.log.Debug("tracks", "video", false, "audio", true)
}

// generate runs the generators, video first so audio can be trimmed and
// padded against it, and builds the segments.
func (t *Transmuxer) generate() []*segment.ConstructedSegment {
	var segs []*segment.ConstructedSegment
	finish := func() {
		if seg := t.constructor.Finish(); seg != nil {
			t.stats.RecordSegment(seg.Type, len(seg.InitSegment)+len(seg.Data))
			segs = append(segs, seg)
		}
	}

	if t.video != nil {
		out := t.video.GenerateBoxes()
		for _, r := range t.video.Repairs() {
			t.stats.RecordGopRepair(string(r))
		}
		if out != nil {
			if t.audio != nil {
				if !t.opts.KeepOriginalTimestamps {
					t.audioTrack.TimelineStart = out.TimelineStart
					t.audio.SetEarliestDts(out.TimelineStart.DTS - int64(t.baseMediaDecodeTime))
				}
				t.audio.SetVideoBaseMediaDecodeTime(out.Track.BaseMediaDecodeTime)
			}
			t.constructor.AddTrack(out)
			if !t.opts.Remux {
				finish()
			}
		}
	}
	if t.audio != nil {
		if out := t.audio.GenerateBoxes(); out != nil {
			t.constructor.AddTrack(out)
			if !t.opts.Remux {
				finish()
			}
		}
	}
	if t.opts.Remux {
		finish()
	}
	return segs
}

// decodeError records a NAL unit that failed to decode. The rest of the
// segment is still used.
func (t *Transmuxer) decodeError(err error) {
	t.log.Warn("nal unit decode failed", "error", err)
	t.stats.RecordDecodeError("h264")
}

// endSegment clears per-segment parser state so the next segment starts
// clean.
func (t *Transmuxer) endSegment() {
	if t.scanner != nil {
		t.scanner.Reset()
	}
	t.adts.Reset()
	t.metadata.Reset()
	t.constructor.Reset()
	t.fed, t.understood = 0, 0
}
