package demux

import (
	"log/slog"

	"github.com/zsiec/transmux/internal/mpegts"
)

// RawAACScanner splits a packed-audio stream (ID3 tags interleaved with
// ADTS frames, no transport stream) into elementary packets. Audio
// packets carry the most recent timestamp set with SetTimestamp; in
// packed audio that comes from the ID3 transport stream timestamp frame
// that precedes the audio.
type RawAACScanner struct {
	log       *slog.Logger
	buf       []byte
	pos       int
	timestamp int64
	skipped   int
}

// NewRawAACScanner creates a RawAACScanner. If log is nil,
// slog.Default() is used.
func NewRawAACScanner(log *slog.Logger) *RawAACScanner {
	if log == nil {
		log = slog.Default()
	}
	return &RawAACScanner{log: log.With("component", "aac-scanner")}
}

// Push appends data. Any partial tag or frame from the previous call is
// kept in front of it.
func (s *RawAACScanner) Push(data []byte) {
	rest := s.buf[s.pos:]
	buf := make([]byte, 0, len(rest)+len(data))
	buf = append(buf, rest...)
	buf = append(buf, data...)
	s.buf = buf
	s.pos = 0
}

// SetTimestamp sets the 90 kHz timestamp given to subsequent audio
// packets.
func (s *RawAACScanner) SetTimestamp(ts int64) {
	s.timestamp = ts
}

// Next returns the next complete ID3 tag (as a timed-metadata packet) or
// ADTS frame (as an audio packet). ok is false when the rest of the
// buffer cannot be completed yet.
func (s *RawAACScanner) Next() (pkt mpegts.ElementaryPacket, ok bool) {
	buf := s.buf
	start := s.pos
	for len(buf)-s.pos >= 3 {
		i := s.pos
		switch {
		case buf[i] == 'I' && buf[i+1] == 'D' && buf[i+2] == '3':
			if len(buf)-i < id3HeaderSize {
				return s.stall(start)
			}
			size := ID3TagSize(buf[i:])
			if i+size > len(buf) {
				return s.stall(start)
			}
			s.logSkip(start, i)
			s.pos = i + size
			return mpegts.ElementaryPacket{
				Kind: mpegts.KindTimedMetadata,
				Data: buf[i : i+size],
			}, true

		case buf[i] == 0xFF && buf[i+1]&0xF0 == 0xF0:
			if len(buf)-i < adtsHeaderSize {
				return s.stall(start)
			}
			size := adtsFrameLength(buf[i:])
			if size < adtsHeaderSize {
				s.pos++
				continue
			}
			if i+size > len(buf) {
				return s.stall(start)
			}
			s.logSkip(start, i)
			s.pos = i + size
			return mpegts.ElementaryPacket{
				Kind:   mpegts.KindAudio,
				PTS:    s.timestamp,
				DTS:    s.timestamp,
				HasPTS: true,
				Data:   buf[i : i+size],
			}, true
		}
		s.pos++
	}
	return s.stall(start)
}

func (s *RawAACScanner) stall(start int) (mpegts.ElementaryPacket, bool) {
	s.logSkip(start, s.pos)
	return mpegts.ElementaryPacket{}, false
}

func (s *RawAACScanner) logSkip(from, to int) {
	if to <= from {
		return
	}
	s.skipped += to - from
	s.log.Debug("skipped bytes that are neither ID3 nor ADTS", "offset", from, "skipped", to-from)
}

// Skipped returns and clears the number of bytes dropped while scanning.
func (s *RawAACScanner) Skipped() int {
	n := s.skipped
	s.skipped = 0
	return n
}

// Buffered reports how many bytes are waiting for more input.
func (s *RawAACScanner) Buffered() int {
	return len(s.buf) - s.pos
}

// Reset drops buffered data. The timestamp is kept.
func (s *RawAACScanner) Reset() {
	s.buf = nil
	s.pos = 0
}

// ID3TagSize returns the total size of the ID3v2 tag at the start of b,
// including its header and footer. b must hold at least 10 bytes.
func ID3TagSize(b []byte) int {
	size := syncSafeInt(b[6:10]) + id3HeaderSize
	if b[5]&0x10 != 0 {
		size += id3HeaderSize
	}
	return size
}
