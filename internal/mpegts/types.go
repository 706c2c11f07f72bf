package mpegts

// Stream types recognized in the PMT. Anything else is ignored.
const (
	StreamTypeADTS     = 0x0F
	StreamTypeMetadata = 0x15
	StreamTypeH264     = 0x1B
)

const (
	pidPAT  = 0x0000
	pidNull = 0x1FFF
)

// UnitKind tags the result of parsing one transport packet.
type UnitKind uint8

// Transport packet kinds produced by TransportParser.
const (
	UnitPAT UnitKind = iota + 1
	UnitPMT
	UnitPES
)

func (k UnitKind) String() string {
	switch k {
	case UnitPAT:
		return "pat"
	case UnitPMT:
		return "pmt"
	case UnitPES:
		return "pes"
	}
	return "unknown"
}

// ProgramMapTable maps the active program's elementary PIDs to the
// streams the transmuxer understands. Only the first H.264 and ADTS PID
// is kept; every timed-metadata PID is recorded.
type ProgramMapTable struct {
	VideoPID uint16
	HasVideo bool
	AudioPID uint16
	HasAudio bool
	Metadata map[uint16]uint8
}

// StreamType returns the stream type routed to pid, or 0 when the PID
// is not part of the table.
func (m *ProgramMapTable) StreamType(pid uint16) uint8 {
	switch {
	case m.HasVideo && pid == m.VideoPID:
		return StreamTypeH264
	case m.HasAudio && pid == m.AudioPID:
		return StreamTypeADTS
	}
	return m.Metadata[pid]
}

// Unit is one parsed transport packet. PAT units carry PMTPID, PMT units
// carry ProgramMap and PES units carry the raw packet payload tagged with
// the stream type looked up from the program map.
type Unit struct {
	Kind             UnitKind
	PID              uint16
	PayloadUnitStart bool

	PMTPID     uint16
	ProgramMap *ProgramMapTable

	StreamType uint8
	Payload    []byte
}

// PacketKind tags an ElementaryPacket.
type PacketKind uint8

// Elementary packet kinds. KindTracks carries the track descriptors
// derived from a PMT instead of media data.
const (
	KindVideo PacketKind = iota + 1
	KindAudio
	KindTimedMetadata
	KindTracks
)

func (k PacketKind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindTimedMetadata:
		return "timed-metadata"
	case KindTracks:
		return "tracks"
	}
	return "unknown"
}

// TrackDescriptor announces one elementary stream of the program.
type TrackDescriptor struct {
	ID    uint16
	Kind  PacketKind
	Codec string
}

// ElementaryPacket is a reassembled PES unit (or a track announcement).
// PTS and DTS are 90 kHz ticks and are only meaningful when HasPTS is set.
type ElementaryPacket struct {
	Kind         PacketKind
	TrackID      uint16
	PTS          int64
	DTS          int64
	HasPTS       bool
	DataAligned  bool
	PacketLength int
	Data         []byte

	Tracks []TrackDescriptor
}
