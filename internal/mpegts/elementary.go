package mpegts

import "log/slog"

// streamBuffer accumulates the payload fragments of one in-flight PES
// unit for a single stream type.
type streamBuffer struct {
	kind  PacketKind
	pid   uint16
	frags [][]byte
	size  int
}

func (b *streamBuffer) add(pid uint16, payload []byte) {
	if len(b.frags) == 0 {
		b.pid = pid
	}
	frag := make([]byte, len(payload))
	copy(frag, payload)
	b.frags = append(b.frags, frag)
	b.size += len(frag)
}

func (b *streamBuffer) clear() {
	b.frags = nil
	b.size = 0
}

// ElementaryStream reassembles PES units per stream type. A unit is
// completed when the next payload_unit_start_indicator for the same
// stream arrives or when the segment ends.
type ElementaryStream struct {
	log *slog.Logger

	video    streamBuffer
	audio    streamBuffer
	metadata streamBuffer

	pmt           *ProgramMapTable
	segmentHadPMT bool
}

// NewElementaryStream creates an ElementaryStream. If log is nil,
// slog.Default() is used.
func NewElementaryStream(log *slog.Logger) *ElementaryStream {
	if log == nil {
		log = slog.Default()
	}
	return &ElementaryStream{
		log:      log.With("component", "elementary-stream"),
		video:    streamBuffer{kind: KindVideo},
		audio:    streamBuffer{kind: KindAudio},
		metadata: streamBuffer{kind: KindTimedMetadata},
	}
}

// Push consumes one transport unit and returns any units it completed.
func (e *ElementaryStream) Push(u Unit) []ElementaryPacket {
	switch u.Kind {
	case UnitPES:
		buf := e.bufferFor(u.StreamType)
		if buf == nil {
			return nil
		}
		var out []ElementaryPacket
		if u.PayloadUnitStart {
			if pkt, ok := e.flushStream(buf, true); ok {
				out = append(out, pkt)
			}
		}
		buf.add(u.PID, u.Payload)
		return out

	case UnitPMT:
		e.pmt = u.ProgramMap
		if e.segmentHadPMT {
			return nil
		}
		e.segmentHadPMT = true
		return []ElementaryPacket{e.tracksPacket()}
	}
	return nil
}

// Flush ends the segment: if no track announcement went out but a
// program map is known, one is emitted first, followed by whatever the
// video, audio and metadata buffers can complete, in that order.
func (e *ElementaryStream) Flush() []ElementaryPacket {
	var out []ElementaryPacket
	if !e.segmentHadPMT && e.pmt != nil {
		out = append(out, e.tracksPacket())
	}
	e.segmentHadPMT = false

	for _, buf := range []*streamBuffer{&e.video, &e.audio, &e.metadata} {
		if pkt, ok := e.flushStream(buf, false); ok {
			out = append(out, pkt)
		}
	}
	return out
}

// Reset drops buffered fragments. The program map is kept.
func (e *ElementaryStream) Reset() {
	e.video.clear()
	e.audio.clear()
	e.metadata.clear()
}

func (e *ElementaryStream) bufferFor(streamType uint8) *streamBuffer {
	switch streamType {
	case StreamTypeH264:
		return &e.video
	case StreamTypeADTS:
		return &e.audio
	case StreamTypeMetadata:
		return &e.metadata
	}
	return nil
}

func (e *ElementaryStream) tracksPacket() ElementaryPacket {
	pkt := ElementaryPacket{Kind: KindTracks}
	if e.pmt.HasVideo {
		pkt.Tracks = append(pkt.Tracks, TrackDescriptor{ID: e.pmt.VideoPID, Kind: KindVideo, Codec: "avc"})
	}
	if e.pmt.HasAudio {
		pkt.Tracks = append(pkt.Tracks, TrackDescriptor{ID: e.pmt.AudioPID, Kind: KindAudio, Codec: "adts"})
	}
	return pkt
}

// flushStream assembles the buffered fragments into one unit. Video is
// always complete once parsed; other streams must have buffered the full
// PES_packet_length. A forced flush clears the buffer even when the unit
// could not be completed.
func (e *ElementaryStream) flushStream(buf *streamBuffer, force bool) (ElementaryPacket, bool) {
	if len(buf.frags) == 0 || buf.size < 9 {
		return ElementaryPacket{}, false
	}

	data := make([]byte, 0, buf.size)
	for _, frag := range buf.frags {
		data = append(data, frag...)
	}

	h, ok := parsePESHeader(data)
	if !ok {
		e.log.Debug("dropping unit without PES start code", "kind", buf.kind, "pid", buf.pid, "bytes", buf.size)
		if force {
			buf.clear()
		}
		return ElementaryPacket{}, false
	}

	flushable := buf.kind == KindVideo || h.packetLength <= buf.size
	pid := buf.pid
	if force || flushable {
		buf.clear()
	}
	if !flushable {
		return ElementaryPacket{}, false
	}

	end := len(data)
	if buf.kind != KindVideo && h.packetLength > 6 && h.packetLength < end {
		end = h.packetLength
	}
	start := h.dataStart
	if start > end {
		start = end
	}

	return ElementaryPacket{
		Kind:         buf.kind,
		TrackID:      pid,
		PTS:          h.pts,
		DTS:          h.dts,
		HasPTS:       h.hasPTS,
		DataAligned:  h.dataAligned,
		PacketLength: h.packetLength,
		Data:         data[start:end],
	}, true
}
