package demux

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf16"

	"github.com/zsiec/transmux/internal/mpegts"
)

// TransportStreamTimestampOwner is the PRIV owner HLS packed audio uses
// to carry the MPEG-2 timestamp of the first following audio frame.
const TransportStreamTimestampOwner = "com.apple.streaming.transportStreamTimestamp"

const id3HeaderSize = 10

// ID3Frame is one decoded ID3v2 frame. Which fields are set depends on
// the frame ID: text frames set Value, TXXX sets Description and Value,
// WXXX sets Description and URL, PRIV sets Owner and Data.
type ID3Frame struct {
	ID          string
	Description string
	Value       string
	URL         string
	Owner       string
	Data        []byte
	// Timestamp is set for the transport stream timestamp PRIV frame.
	Timestamp    int64
	HasTimestamp bool
}

// ID3Tag is a complete ID3v2 tag found in the timed-metadata stream.
type ID3Tag struct {
	PTS    int64
	DTS    int64
	HasPTS bool
	Data   []byte
	Frames []ID3Frame
	// DispatchType identifies the metadata track for players: the PMT
	// stream type in hex.
	DispatchType string
}

// Timestamp returns the transport stream timestamp carried by the tag.
func (t *ID3Tag) Timestamp() (int64, bool) {
	for _, f := range t.Frames {
		if f.HasTimestamp {
			return f.Timestamp, true
		}
	}
	return 0, false
}

// MetadataParser collects timed-metadata packets into ID3 tags. A tag
// may span several PES packets; a data-aligned packet always starts a
// new tag.
type MetadataParser struct {
	log          *slog.Logger
	dispatchType string

	chunks   []mpegts.ElementaryPacket
	buffered int
	tagSize  int
}

// NewMetadataParser creates a MetadataParser. If log is nil,
// slog.Default() is used.
func NewMetadataParser(log *slog.Logger) *MetadataParser {
	if log == nil {
		log = slog.Default()
	}
	return &MetadataParser{
		log:          log.With("component", "id3"),
		dispatchType: fmt.Sprintf("%x", mpegts.StreamTypeMetadata),
	}
}

// Push adds a timed-metadata packet and returns the tag it completed, if
// any. Other packet kinds are ignored.
func (m *MetadataParser) Push(pkt mpegts.ElementaryPacket) *ID3Tag {
	if pkt.Kind != mpegts.KindTimedMetadata {
		return nil
	}
	if pkt.DataAligned {
		m.Reset()
	}

	if len(m.chunks) == 0 && (len(pkt.Data) < id3HeaderSize || !bytes.HasPrefix(pkt.Data, []byte("ID3"))) {
		m.log.Debug("skipping unrecognized metadata packet", "bytes", len(pkt.Data))
		return nil
	}

	m.chunks = append(m.chunks, pkt)
	m.buffered += len(pkt.Data)
	if len(m.chunks) == 1 {
		m.tagSize = syncSafeInt(pkt.Data[6:10]) + id3HeaderSize
	}
	if m.buffered < m.tagSize {
		return nil
	}

	first := m.chunks[0]
	tag := &ID3Tag{
		PTS:          first.PTS,
		DTS:          first.DTS,
		HasPTS:       first.HasPTS,
		Data:         make([]byte, 0, m.tagSize),
		DispatchType: m.dispatchType,
	}
	for _, c := range m.chunks {
		n := min(len(c.Data), m.tagSize-len(tag.Data))
		tag.Data = append(tag.Data, c.Data[:n]...)
	}
	m.Reset()

	tag.Frames = parseID3Frames(m.log, tag.Data)
	if ts, ok := tag.Timestamp(); ok && !tag.HasPTS {
		tag.PTS, tag.DTS, tag.HasPTS = ts, ts, true
	}
	return tag
}

// Reset drops a partially buffered tag.
func (m *MetadataParser) Reset() {
	m.chunks = nil
	m.buffered = 0
	m.tagSize = 0
}

// ParseID3 decodes the frames of a complete tag.
func ParseID3(data []byte) []ID3Frame {
	return parseID3Frames(slog.Default(), data)
}

func parseID3Frames(log *slog.Logger, data []byte) []ID3Frame {
	if len(data) < id3HeaderSize {
		return nil
	}
	version := data[3]
	tagEnd := len(data)

	frameStart := id3HeaderSize
	if data[5]&0x40 != 0 && len(data) >= 20 {
		// Extended header: skip it and clip padding off the end.
		frameStart += 4 + syncSafeInt(data[10:14])
		tagEnd -= syncSafeInt(data[16:20])
	}

	var frames []ID3Frame
	for frameStart+id3HeaderSize <= tagEnd {
		hdr := data[frameStart : frameStart+id3HeaderSize]
		var size int
		if version >= 4 {
			size = syncSafeInt(hdr[4:8])
		} else {
			size = int(binary.BigEndian.Uint32(hdr[4:8]))
		}
		if size < 1 || frameStart+id3HeaderSize+size > len(data) {
			if hdr[0] != 0 {
				log.Debug("malformed ID3 frame, skipping remaining metadata", "offset", frameStart)
			}
			break
		}

		body := data[frameStart+id3HeaderSize : frameStart+id3HeaderSize+size]
		frames = append(frames, decodeFrame(string(hdr[:4]), body))
		frameStart += id3HeaderSize + size
	}
	return frames
}

func decodeFrame(id string, body []byte) ID3Frame {
	f := ID3Frame{ID: id, Data: body}
	switch {
	case id == "PRIV":
		owner, data := splitLatin1(body)
		f.Owner, f.Data = owner, data
		if owner == TransportStreamTimestampOwner && len(data) >= 8 {
			f.Timestamp = int64(binary.BigEndian.Uint64(data[:8]) & (1<<33 - 1))
			f.HasTimestamp = true
		}
	case id == "TXXX" && len(body) > 0:
		f.Description, f.Value = splitText(body[0], body[1:])
	case id == "WXXX" && len(body) > 0:
		desc, rest := splitText(body[0], body[1:])
		f.Description, f.URL = desc, strings.TrimRight(rest, "\x00")
	case strings.HasPrefix(id, "T") && len(body) > 0:
		f.Value = decodeText(body[0], body[1:])
	case strings.HasPrefix(id, "W"):
		f.URL = strings.TrimRight(string(body), "\x00")
	}
	return f
}

// splitLatin1 splits a null-terminated ISO-8859-1 string from the bytes
// that follow it.
func splitLatin1(b []byte) (string, []byte) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return latin1(b), nil
	}
	return latin1(b[:i]), b[i+1:]
}

// splitText splits a terminated description from the value that
// follows, honoring the frame's text encoding.
func splitText(encoding byte, b []byte) (string, string) {
	term := []byte{0}
	if encoding == 1 || encoding == 2 {
		term = []byte{0, 0}
	}
	for i := 0; i+len(term) <= len(b); i += len(term) {
		if bytes.Equal(b[i:i+len(term)], term) {
			return decodeText(encoding, b[:i]), decodeText(encoding, b[i+len(term):])
		}
	}
	return decodeText(encoding, b), ""
}

// decodeText decodes ID3 text: 0 ISO-8859-1, 1 UTF-16 with BOM,
// 2 UTF-16BE, 3 UTF-8. Trailing terminators are dropped.
func decodeText(encoding byte, b []byte) string {
	switch encoding {
	case 0:
		return strings.TrimRight(latin1(b), "\x00")
	case 1, 2:
		bigEndian := true
		if encoding == 1 && len(b) >= 2 {
			switch {
			case b[0] == 0xFF && b[1] == 0xFE:
				bigEndian = false
				b = b[2:]
			case b[0] == 0xFE && b[1] == 0xFF:
				b = b[2:]
			}
		}
		units := make([]uint16, 0, len(b)/2)
		for i := 0; i+1 < len(b); i += 2 {
			if bigEndian {
				units = append(units, binary.BigEndian.Uint16(b[i:]))
			} else {
				units = append(units, binary.LittleEndian.Uint16(b[i:]))
			}
		}
		return strings.TrimRight(string(utf16.Decode(units)), "\x00")
	}
	return strings.TrimRight(string(b), "\x00")
}

func latin1(b []byte) string {
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}

// syncSafeInt decodes a 28-bit integer stored 7 bits per byte.
func syncSafeInt(b []byte) int {
	return int(b[0]&0x7F)<<21 | int(b[1]&0x7F)<<14 | int(b[2]&0x7F)<<7 | int(b[3]&0x7F)
}
