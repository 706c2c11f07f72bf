package demux

import (
	"errors"
	"log/slog"

	"github.com/zsiec/transmux/internal/mpegts"
)

// NALKind classifies the NAL unit types the segmenter acts on.
type NALKind uint8

// H.264 NAL unit kinds (ITU-T H.264 Table 7-1). Everything not listed is
// NALOther and passed through untouched.
const (
	NALOther NALKind = iota
	NALSliceIDR
	NALSEI
	NALSPS
	NALPPS
	NALAUD
)

func (k NALKind) String() string {
	switch k {
	case NALSliceIDR:
		return "slice_layer_without_partitioning_rbsp_idr"
	case NALSEI:
		return "sei_rbsp"
	case NALSPS:
		return "seq_parameter_set_rbsp"
	case NALPPS:
		return "pic_parameter_set_rbsp"
	case NALAUD:
		return "access_unit_delimiter_rbsp"
	}
	return "other"
}

func nalKind(nalType uint8) NALKind {
	switch nalType {
	case 5:
		return NALSliceIDR
	case 6:
		return NALSEI
	case 7:
		return NALSPS
	case 8:
		return NALPPS
	case 9:
		return NALAUD
	}
	return NALOther
}

// NALUnit is one NAL unit with the timestamps of the packet that
// completed it.
type NALUnit struct {
	Kind    NALKind
	Type    uint8
	TrackID uint16
	PTS     int64
	DTS     int64

	// Data is the NAL unit including its header byte, emulation
	// prevention bytes intact.
	Data []byte
	// RBSP is set for SEI and SPS units: the payload after the header
	// byte with emulation prevention bytes removed.
	RBSP []byte
	// Config is the decoded SPS. It is nil for other kinds, or when the
	// SPS could not be decoded.
	Config *VideoProperties
}

// NALExtractor splits an Annex-B byte stream at start codes. The scan
// position survives across pushes so a start code split between two
// packets is still found.
type NALExtractor struct {
	buf       []byte
	syncPoint int
	i         int
	synced    bool
}

// Push appends data and returns the NAL units it completed. Returned
// slices are not modified by later calls.
func (e *NALExtractor) Push(data []byte) [][]byte {
	buf := make([]byte, 0, len(e.buf)+len(data))
	buf = append(buf, e.buf...)
	buf = append(buf, data...)
	e.buf = buf
	n := len(buf)

	// Move the sync point onto the first start code.
	found := false
	for ; e.syncPoint < n-3; e.syncPoint++ {
		if buf[e.syncPoint] == 0 && buf[e.syncPoint+1] == 0 && buf[e.syncPoint+2] == 1 {
			e.i = e.syncPoint + 5
			found = true
			break
		}
	}
	if !found {
		e.trim()
		return nil
	}
	e.synced = true

	// A boundary looks like
	//
	//	0 0 1 .. NAL .. 0 0 1
	//	^ sync point        ^ i
	//
	// or, with a four-byte start code or trailing zeros,
	//
	//	0 0 1 .. NAL .. 0 0 0
	//	^ sync point        ^ i
	var nals [][]byte
	for e.i < n {
		switch buf[e.i] {
		case 0:
			if buf[e.i-1] != 0 {
				e.i += 2
				break
			}
			if buf[e.i-2] != 0 {
				e.i++
				break
			}
			if e.syncPoint+3 != e.i-2 {
				nals = append(nals, buf[e.syncPoint+3:e.i-2])
			}
			// Drop trailing zeros up to the 1 of the next start code.
			for {
				e.i++
				if e.i >= n || buf[e.i] == 1 {
					break
				}
			}
			e.syncPoint = e.i - 2
			e.i += 3
		case 1:
			if buf[e.i-1] != 0 || buf[e.i-2] != 0 {
				e.i += 3
				break
			}
			if e.syncPoint+3 != e.i-2 {
				nals = append(nals, buf[e.syncPoint+3:e.i-2])
			}
			e.syncPoint = e.i - 2
			e.i += 3
		default:
			e.i += 3
		}
	}
	e.trim()
	return nals
}

func (e *NALExtractor) trim() {
	e.buf = e.buf[e.syncPoint:]
	e.i -= e.syncPoint
	e.syncPoint = 0
}

// Flush returns the bytes after the last start code, if any, and clears
// the buffer.
func (e *NALExtractor) Flush() []byte {
	var nal []byte
	if e.synced && len(e.buf) > 3 && e.syncPoint+3 < len(e.buf) {
		nal = e.buf[e.syncPoint+3:]
	}
	e.Reset()
	return nal
}

// Reset drops buffered bytes.
func (e *NALExtractor) Reset() {
	e.buf = nil
	e.syncPoint = 0
	e.i = 0
	e.synced = false
}

// H264Parser turns video elementary packets into classified NAL units.
type H264Parser struct {
	log       *slog.Logger
	extractor NALExtractor

	trackID uint16
	pts     int64
	dts     int64
}

// NewH264Parser creates an H264Parser. If log is nil, slog.Default() is
// used.
func NewH264Parser(log *slog.Logger) *H264Parser {
	if log == nil {
		log = slog.Default()
	}
	return &H264Parser{log: log.With("component", "h264")}
}

// Push parses a video packet. Other packet kinds are ignored. NAL units
// take the timestamps of the packet being pushed; a packet without a
// PTS keeps the previous packet's timestamps.
//
// A NAL unit that fails to decode is still returned; the decode error
// is reported alongside.
func (p *H264Parser) Push(pkt mpegts.ElementaryPacket) ([]NALUnit, error) {
	if pkt.Kind != mpegts.KindVideo {
		return nil, nil
	}
	p.trackID = pkt.TrackID
	if pkt.HasPTS {
		p.pts, p.dts = pkt.PTS, pkt.DTS
	}
	return p.classify(p.extractor.Push(pkt.Data))
}

// Flush returns the final NAL unit of the segment.
func (p *H264Parser) Flush() ([]NALUnit, error) {
	nal := p.extractor.Flush()
	if nal == nil {
		return nil, nil
	}
	return p.classify([][]byte{nal})
}

// Reset drops buffered bytes.
func (p *H264Parser) Reset() {
	p.extractor.Reset()
}

func (p *H264Parser) classify(nals [][]byte) ([]NALUnit, error) {
	if len(nals) == 0 {
		return nil, nil
	}
	units := make([]NALUnit, 0, len(nals))
	var errs []error
	for _, data := range nals {
		if len(data) == 0 {
			continue
		}
		u := NALUnit{
			Type:    data[0] & 0x1F,
			TrackID: p.trackID,
			PTS:     p.pts,
			DTS:     p.dts,
			Data:    data,
		}
		u.Kind = nalKind(u.Type)

		switch u.Kind {
		case NALSEI:
			u.RBSP = RemoveEmulationPrevention(data[1:])
		case NALSPS:
			u.RBSP = RemoveEmulationPrevention(data[1:])
			cfg, err := ParseSPS(u.RBSP)
			if err != nil {
				p.log.Debug("failed to decode SPS", "error", err, "bytes", len(data))
				errs = append(errs, err)
			} else {
				u.Config = cfg
			}
		}
		units = append(units, u)
	}
	return units, errors.Join(errs...)
}

// RemoveEmulationPrevention strips the 0x03 from every 00 00 03
// sequence, turning an escaped NAL payload into its RBSP.
func RemoveEmulationPrevention(data []byte) []byte {
	var positions []int
	for i := 1; i < len(data)-2; i++ {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 0x03 {
			positions = append(positions, i+2)
			i++
		}
	}
	if len(positions) == 0 {
		return data
	}

	out := make([]byte, 0, len(data)-len(positions))
	prev := 0
	for _, pos := range positions {
		out = append(out, data[prev:pos]...)
		prev = pos + 1
	}
	return append(out, data[prev:]...)
}
