// Package tstest builds MPEG-TS, ADTS, H.264 and ID3 byte streams in
// memory for tests across the transmuxer packages.
package tstest

import (
	"encoding/binary"
)

// TSPacketSize is the fixed size of an MPEG-TS packet.
const TSPacketSize = 188

// Stream type values used in PMT entries.
const (
	StreamTypeADTS     = 0x0F
	StreamTypeMetadata = 0x15
	StreamTypeH264     = 0x1B
)

// MPEG-2 CRC32 with polynomial 0x04C11DB7.
var crc32Table [256]uint32

func init() {
	for i := 0; i < 256; i++ {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		crc32Table[i] = crc
	}
}

// CRC32 computes the MPEG-2 section CRC.
func CRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = (crc << 8) ^ crc32Table[byte(crc>>24)^b]
	}
	return crc
}

// PMTEntry is one elementary stream listed in a PMT.
type PMTEntry struct {
	StreamType  uint8
	PID         uint16
	Descriptors []byte
}

// PAT returns a single-packet PAT pointing program 1 at pmtPID.
func PAT(pmtPID uint16) []byte {
	section := []byte{
		0x00,       // table_id
		0xB0, 0x0D, // section_syntax_indicator + section_length 13
		0x00, 0x01, // transport_stream_id
		0xC1,       // version 0, current_next 1
		0x00, 0x00, // section_number, last_section_number
		0x00, 0x01, // program_number 1
		0xE0 | byte(pmtPID>>8)&0x1F, byte(pmtPID),
	}
	return psiPacket(0, withCRC(section))
}

// PMT returns a single-packet PMT listing entries.
func PMT(pmtPID uint16, entries ...PMTEntry) []byte {
	return pmt(pmtPID, true, entries)
}

// FuturePMT returns a PMT with current_next_indicator cleared.
func FuturePMT(pmtPID uint16, entries ...PMTEntry) []byte {
	return pmt(pmtPID, false, entries)
}

func pmt(pmtPID uint16, current bool, entries []PMTEntry) []byte {
	var body []byte
	for _, e := range entries {
		body = append(body, e.StreamType,
			0xE0|byte(e.PID>>8)&0x1F, byte(e.PID),
			0xF0|byte(len(e.Descriptors)>>8)&0x0F, byte(len(e.Descriptors)))
		body = append(body, e.Descriptors...)
	}

	versionByte := byte(0xC1)
	if !current {
		versionByte = 0xC0
	}
	sectionLength := 9 + len(body) + 4
	section := []byte{
		0x02,
		0xB0 | byte(sectionLength>>8)&0x0F, byte(sectionLength),
		0x00, 0x01, // program_number
		versionByte,
		0x00, 0x00,
		0xE1, 0x00, // PCR PID 0x100
		0xF0, 0x00, // program_info_length 0
	}
	section = append(section, body...)
	return psiPacket(pmtPID, withCRC(section))
}

func withCRC(section []byte) []byte {
	return binary.BigEndian.AppendUint32(section, CRC32(section))
}

func psiPacket(pid uint16, section []byte) []byte {
	pkt := make([]byte, TSPacketSize)
	pkt[0] = 0x47
	pkt[1] = 0x40 | byte(pid>>8)&0x1F
	pkt[2] = byte(pid)
	pkt[3] = 0x10
	pkt[4] = 0x00 // pointer_field
	n := copy(pkt[5:], section)
	for i := 5 + n; i < TSPacketSize; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}

// PESOptions controls the header written by PES.
type PESOptions struct {
	StreamID byte
	PTS      int64
	DTS      int64
	NoPTS    bool
	WithDTS  bool
	// Unbounded writes PES_packet_length 0, as video streams do.
	Unbounded bool
	Aligned   bool
}

// PES wraps data in a PES packet.
func PES(opts PESOptions, data []byte) []byte {
	flags := byte(0x00)
	var hdrData []byte
	switch {
	case opts.NoPTS:
	case opts.WithDTS:
		flags = 0xC0
		hdrData = append(encodeTimestamp(0x30, opts.PTS), encodeTimestamp(0x10, opts.DTS)...)
	default:
		flags = 0x80
		hdrData = encodeTimestamp(0x20, opts.PTS)
	}

	align := byte(0x80)
	if opts.Aligned {
		align |= 0x04
	}
	hdr := []byte{0x00, 0x00, 0x01, opts.StreamID, 0x00, 0x00, align, flags, byte(len(hdrData))}
	hdr = append(hdr, hdrData...)
	pes := BuildPES(hdr, data)
	if opts.Unbounded {
		pes[4], pes[5] = 0, 0
	}
	return pes
}

// encodeTimestamp writes a 33-bit PTS/DTS with the given 4-bit prefix.
func encodeTimestamp(prefix byte, ts int64) []byte {
	v := uint64(ts) & (1<<33 - 1)
	return []byte{
		prefix | byte(v>>29)&0x0E | 0x01,
		byte(v >> 22),
		byte(v>>14)&0xFE | 0x01,
		byte(v >> 7),
		byte(v<<1)&0xFE | 0x01,
	}
}

// BuildPES reassembles a PES packet from its header and elementary stream
// data, updating the PES length field.
func BuildPES(pesHdr, esData []byte) []byte {
	pesLen := len(pesHdr) - 6 + len(esData)
	pes := append([]byte(nil), pesHdr...)
	if pesLen <= 0xFFFF {
		pes[4] = byte(pesLen >> 8)
		pes[5] = byte(pesLen)
	} else {
		pes[4] = 0
		pes[5] = 0
	}
	return append(pes, esData...)
}

// Packetize splits pesData into 188-byte TS packets on the given PID,
// incrementing the continuity counter cc between packets. The last packet
// is padded with adaptation-field stuffing.
func Packetize(pesData []byte, pid uint16, cc *byte) []byte {
	return packetize(pesData, pid, cc, false)
}

// PacketizeRandomAccess is Packetize with random_access_indicator set in
// the first packet's adaptation field.
func PacketizeRandomAccess(pesData []byte, pid uint16, cc *byte) []byte {
	return packetize(pesData, pid, cc, true)
}

func packetize(pesData []byte, pid uint16, cc *byte, randomAccess bool) []byte {
	var result []byte
	offset := 0
	first := true

	for offset < len(pesData) {
		var pkt [TSPacketSize]byte
		pkt[0] = 0x47
		pkt[1] = byte(pid>>8) & 0x1F
		pkt[2] = byte(pid)
		ra := first && randomAccess
		if first {
			pkt[1] |= 0x40
			first = false
		}
		pkt[3] = 0x10 | (*cc & 0x0F)
		*cc = (*cc + 1) & 0x0F

		capacity := TSPacketSize - 4
		payloadCap := capacity
		if ra {
			payloadCap -= 2
		}
		n := min(len(pesData)-offset, payloadCap)

		// Adaptation field bytes, length byte included.
		af := capacity - n
		if af > 0 {
			pkt[3] |= 0x20
			pkt[4] = byte(af - 1)
			if af > 1 {
				pkt[5] = 0
				if ra {
					pkt[5] = 0x40
				}
				for i := 6; i < 4+af; i++ {
					pkt[i] = 0xFF
				}
			}
		}
		copy(pkt[4+af:], pesData[offset:offset+n])
		offset += n

		result = append(result, pkt[:]...)
	}

	return result
}
