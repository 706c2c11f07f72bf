package demux

import (
	"log/slog"

	"github.com/zsiec/transmux/internal/mpegts"
)

// SampleRates is the MPEG-4 sampling frequency table indexed by the ADTS
// sampling_frequency_index.
var SampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

const adtsHeaderSize = 7

// AACFrame is one raw AAC frame with its ADTS header decoded.
type AACFrame struct {
	PTS int64
	DTS int64
	// SampleCount is the number of PCM samples per channel, 1024 per raw
	// data block.
	SampleCount int

	AudioObjectType        int
	ChannelCount           int
	SampleRate             int
	SamplingFrequencyIndex int
	SampleSize             int

	// Data is the raw AAC payload without the ADTS header or CRC.
	Data []byte
}

// ADTSParser splits audio elementary packets into AAC frames. A frame
// split across packets is carried over and completed by the next Push;
// its timestamps are derived from the packet that completes it.
type ADTSParser struct {
	log     *slog.Logger
	buf     []byte
	skipped int
}

// NewADTSParser creates an ADTSParser. If log is nil, slog.Default() is
// used.
func NewADTSParser(log *slog.Logger) *ADTSParser {
	if log == nil {
		log = slog.Default()
	}
	return &ADTSParser{log: log.With("component", "adts")}
}

// Push parses an audio packet. Other packet kinds are ignored.
func (p *ADTSParser) Push(pkt mpegts.ElementaryPacket) []AACFrame {
	if pkt.Kind != mpegts.KindAudio {
		return nil
	}

	buf := pkt.Data
	if len(p.buf) > 0 {
		buf = make([]byte, 0, len(p.buf)+len(pkt.Data))
		buf = append(buf, p.buf...)
		buf = append(buf, pkt.Data...)
	}

	var frames []AACFrame
	frameNum := int64(0)
	skipStart := -1
	i := 0
	for i+adtsHeaderSize < len(buf) {
		if !isADTSHeader(buf[i:]) {
			if skipStart == -1 {
				skipStart = i
			}
			i++
			continue
		}
		if skipStart != -1 {
			p.logSkip(skipStart, i)
			skipStart = -1
		}

		protectionSkip := int(^buf[i+1]&0x01) * 2
		frameLength := adtsFrameLength(buf[i:])
		if frameLength < adtsHeaderSize+protectionSkip {
			// A zero or truncated length would never advance.
			skipStart = i
			i++
			continue
		}
		if len(buf)-i < frameLength {
			break
		}

		freqIndex := int(buf[i+2]&0x3C) >> 2
		sampleRate := SampleRates[freqIndex]
		sampleCount := (int(buf[i+6]&0x03) + 1) * 1024
		offset := frameNum * int64(sampleCount) * 90000 / int64(sampleRate)

		frames = append(frames, AACFrame{
			PTS:                    pkt.PTS + offset,
			DTS:                    pkt.DTS + offset,
			SampleCount:            sampleCount,
			AudioObjectType:        int(buf[i+2]>>6&0x03) + 1,
			ChannelCount:           int(buf[i+2]&0x01)<<2 | int(buf[i+3]&0xC0)>>6,
			SampleRate:             sampleRate,
			SamplingFrequencyIndex: freqIndex,
			SampleSize:             16,
			Data:                   buf[i+adtsHeaderSize+protectionSkip : i+frameLength],
		})

		frameNum++
		i += frameLength
	}
	if skipStart != -1 {
		p.logSkip(skipStart, i)
	}

	rest := buf[i:]
	p.buf = make([]byte, len(rest))
	copy(p.buf, rest)
	return frames
}

// Flush ends the segment. A partial frame is kept until Reset.
func (p *ADTSParser) Flush() {}

// Reset drops the carried-over bytes.
func (p *ADTSParser) Reset() {
	p.buf = nil
}

// Skipped returns and clears the number of bytes dropped while looking
// for a sync word.
func (p *ADTSParser) Skipped() int {
	n := p.skipped
	p.skipped = 0
	return n
}

func (p *ADTSParser) logSkip(from, to int) {
	p.skipped += to - from
	p.log.Debug("skipped bytes without ADTS sync word", "offset", from, "skipped", to-from)
}

// isADTSHeader checks the 12-bit sync word, layer 0 and a sampling
// frequency index that maps to a rate.
func isADTSHeader(b []byte) bool {
	return len(b) >= adtsHeaderSize &&
		b[0] == 0xFF && b[1]&0xF6 == 0xF0 &&
		int(b[2]&0x3C)>>2 < len(SampleRates)
}

// adtsFrameLength reads the 13-bit aac_frame_length spanning bytes 3-5,
// which includes the header.
func adtsFrameLength(b []byte) int {
	return int(b[3]&0x03)<<11 | int(b[4])<<3 | int(b[5]&0xE0)>>5
}
