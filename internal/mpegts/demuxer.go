package mpegts

import "log/slog"

// Demuxer chains the packetizer, transport parser, elementary stream
// reassembler and one rollover corrector per stream type. It is the
// transport-stream front end of the transmuxer: bytes in, timestamp
// corrected elementary packets out.
type Demuxer struct {
	log        *slog.Logger
	packetizer *Packetizer
	parser     *TransportParser
	elementary *ElementaryStream

	videoRollover    *RolloverCorrector
	audioRollover    *RolloverCorrector
	metadataRollover *RolloverCorrector

	packets int64
}

// NewDemuxer creates a Demuxer.
func NewDemuxer(opts ...func(*Demuxer)) *Demuxer {
	d := &Demuxer{
		log:              slog.Default(),
		packetizer:       NewPacketizer(),
		videoRollover:    NewRolloverCorrector(),
		audioRollover:    NewRolloverCorrector(),
		metadataRollover: NewRolloverCorrector(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.parser = NewTransportParser(d.log)
	d.elementary = NewElementaryStream(d.log)
	return d
}

// DemuxerOptLogger sets the logger used by the demuxer and its stages.
func DemuxerOptLogger(log *slog.Logger) func(*Demuxer) {
	return func(d *Demuxer) {
		if log != nil {
			d.log = log
		}
	}
}

// Push feeds a chunk of transport stream and returns the elementary
// packets it completed.
func (d *Demuxer) Push(chunk []byte) []ElementaryPacket {
	d.packetizer.Push(chunk)
	var out []ElementaryPacket
	for {
		pkt, ok := d.packetizer.Next()
		if !ok {
			break
		}
		out = d.route(pkt, out)
	}
	return out
}

// Flush ends the segment. Resumable stages are flushed once, remaining
// units are corrected and every rollover corrector is told the segment
// is over.
func (d *Demuxer) Flush() []ElementaryPacket {
	var out []ElementaryPacket
	if pkt, ok := d.packetizer.Flush(); ok {
		out = d.route(pkt, out)
	}
	for _, ep := range d.elementary.Flush() {
		out = append(out, d.correct(ep))
	}
	d.videoRollover.SignalEndOfSegment()
	d.audioRollover.SignalEndOfSegment()
	d.metadataRollover.SignalEndOfSegment()
	return out
}

// Skipped returns and clears the number of bytes dropped to resync.
func (d *Demuxer) Skipped() int {
	return d.packetizer.Skipped()
}

// Packets returns the number of transport packets routed so far.
func (d *Demuxer) Packets() int64 {
	return d.packets
}

// ProgramMap returns the program map in effect, or nil.
func (d *Demuxer) ProgramMap() *ProgramMapTable {
	return d.parser.ProgramMap()
}

// Discontinuity tells every rollover corrector that the timeline
// restarts; buffered data is kept.
func (d *Demuxer) Discontinuity() {
	d.videoRollover.Discontinuity()
	d.audioRollover.Discontinuity()
	d.metadataRollover.Discontinuity()
}

// Reset drops all buffered and timeline state.
func (d *Demuxer) Reset() {
	d.packetizer.Reset()
	d.parser.Reset()
	d.elementary.Reset()
	d.Discontinuity()
}

func (d *Demuxer) route(pkt []byte, out []ElementaryPacket) []ElementaryPacket {
	d.packets++
	for _, u := range d.parser.Parse(pkt) {
		for _, ep := range d.elementary.Push(u) {
			out = append(out, d.correct(ep))
		}
	}
	return out
}

func (d *Demuxer) correct(ep ElementaryPacket) ElementaryPacket {
	switch ep.Kind {
	case KindVideo:
		d.videoRollover.Correct(&ep)
	case KindAudio:
		d.audioRollover.Correct(&ep)
	case KindTimedMetadata:
		d.metadataRollover.Correct(&ep)
	}
	return ep
}
