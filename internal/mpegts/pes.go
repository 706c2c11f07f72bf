package mpegts

// pesHeader is the subset of the PES header the reassembler needs.
type pesHeader struct {
	packetLength int
	dataAligned  bool
	pts, dts     int64
	hasPTS       bool
	dataStart    int
}

// isPESPayload checks for the PES start code prefix (0x000001).
func isPESPayload(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01
}

// parsePESHeader decodes the fixed PES header and, when signaled, the
// PTS/DTS pair. ok is false when the buffer does not start a PES packet,
// which happens when a segment begins with the tail of a previous unit.
func parsePESHeader(payload []byte) (h pesHeader, ok bool) {
	if len(payload) < 9 || !isPESPayload(payload) {
		return h, false
	}

	// payload[4:6]: PES_packet_length, 0 for unbounded video
	// payload[6]:   marker(2) + scrambling(2) + priority(1) + alignment(1) + copyright(1) + original(1)
	// payload[7]:   PTS_DTS_flags(2) + ESCR(1) + ES_rate(1) + DSM_trick(1) + additional_copy(1) + CRC(1) + extension(1)
	// payload[8]:   PES_header_data_length
	h.packetLength = 6 + (int(payload[4])<<8 | int(payload[5]))
	h.dataAligned = payload[6]&0x04 != 0

	flags := payload[7]
	if flags&0xC0 != 0 && len(payload) >= 14 {
		h.pts = parsePTSOrDTS(payload[9:14])
		h.dts = h.pts
		h.hasPTS = true
		if flags&0x40 != 0 && len(payload) >= 19 {
			h.dts = parsePTSOrDTS(payload[14:19])
		}
	}

	h.dataStart = 9 + int(payload[8])
	if h.dataStart > len(payload) {
		h.dataStart = len(payload)
	}
	return h, true
}

// parsePTSOrDTS extracts a 33-bit timestamp from 5 PES timestamp bytes:
// the 31 high bits are assembled first, then shifted up by two and the
// two low bits from the final byte are added.
func parsePTSOrDTS(bs []byte) int64 {
	high := int64(bs[0]&0x0E)<<27 |
		int64(bs[1])<<20 |
		int64(bs[2]&0xFE)<<12 |
		int64(bs[3])<<5 |
		int64(bs[4]&0xFE)>>3
	return high*4 + int64(bs[4]&0x06)>>1
}
