package pipeline

import (
	"errors"

	"github.com/zsiec/transmux/internal/demux"
)

// ErrUnknownFormat is returned when a segment held bytes but none of them
// could be parsed as MPEG-TS or packed ADTS.
var ErrUnknownFormat = errors.New("pipeline: input is neither MPEG-TS nor ADTS")

// Format is the container of an input segment.
type Format uint8

// Input formats.
const (
	FormatUnknown Format = iota
	FormatTS
	FormatAAC
)

func (f Format) String() string {
	switch f {
	case FormatTS:
		return "ts"
	case FormatAAC:
		return "aac"
	}
	return "unknown"
}

// Sniff reports whether data looks like packed ADTS audio: an ADTS sync
// word with layer 0, after any leading ID3 tags. Everything else is
// treated as MPEG-TS.
func Sniff(data []byte) Format {
	offset := id3Offset(data)
	if len(data) >= offset+2 &&
		data[offset] == 0xFF &&
		data[offset+1]&0xF0 == 0xF0 &&
		data[offset+1]&0x16 == 0x10 {
		return FormatAAC
	}
	return FormatTS
}

func id3Offset(data []byte) int {
	offset := 0
	for len(data)-offset >= 10 &&
		data[offset] == 'I' && data[offset+1] == 'D' && data[offset+2] == '3' {
		offset += demux.ID3TagSize(data[offset:])
	}
	return offset
}
