package mpegts

import "log/slog"

// maxWaitingPackets bounds the packets held while no PMT is in effect.
// The oldest packet is dropped when the queue is full.
const maxWaitingPackets = 4096

// TransportParser turns aligned transport packets into PAT, PMT and PES
// units. PES packets that arrive before the first PMT are queued and
// replayed, in order, once the PMT resolves.
type TransportParser struct {
	log *slog.Logger

	pmtPID    uint16
	hasPMTPID bool
	pmt       *ProgramMapTable
	waiting   []waitingPacket
	dropped   int
}

type waitingPacket struct {
	header packetHeader
	data   []byte
}

// NewTransportParser creates a TransportParser. If log is nil,
// slog.Default() is used.
func NewTransportParser(log *slog.Logger) *TransportParser {
	if log == nil {
		log = slog.Default()
	}
	return &TransportParser{log: log.With("component", "ts-parser")}
}

// ProgramMap returns the program map currently in effect, or nil.
func (p *TransportParser) ProgramMap() *ProgramMapTable {
	return p.pmt
}

// Parse routes one transport packet. It returns zero or more units: a
// PMT may release queued PES packets behind it.
func (p *TransportParser) Parse(pkt []byte) []Unit {
	h, err := parseHeader(pkt)
	if err != nil {
		p.log.Debug("dropping packet", "error", err)
		return nil
	}

	switch {
	case h.PID == pidPAT:
		pmtPID, ok := parsePAT(psiSection(pkt[h.PayloadOffset:], h.PayloadUnitStart))
		if !ok {
			return nil
		}
		p.pmtPID, p.hasPMTPID = pmtPID, true
		return []Unit{{Kind: UnitPAT, PID: h.PID, PayloadUnitStart: h.PayloadUnitStart, PMTPID: pmtPID}}

	case p.hasPMTPID && h.PID == p.pmtPID:
		pmt := parsePMT(psiSection(pkt[h.PayloadOffset:], h.PayloadUnitStart))
		if pmt == nil {
			return nil
		}
		p.pmt = pmt
		units := []Unit{{Kind: UnitPMT, PID: h.PID, PayloadUnitStart: h.PayloadUnitStart, ProgramMap: pmt}}
		for _, w := range p.waiting {
			units = append(units, p.pesUnit(w.header, w.data))
		}
		p.waiting = nil
		p.dropped = 0
		return units

	case h.PID == pidNull:
		return nil

	case p.pmt == nil:
		if len(p.waiting) >= maxWaitingPackets {
			p.dropped++
			if p.dropped == 1 || p.dropped%maxWaitingPackets == 0 {
				p.log.Warn("no PMT yet, dropping oldest queued packet", "dropped", p.dropped)
			}
			copy(p.waiting, p.waiting[1:])
			p.waiting = p.waiting[:len(p.waiting)-1]
		}
		// Keep a copy: pkt belongs to the packetizer.
		data := make([]byte, len(pkt))
		copy(data, pkt)
		p.waiting = append(p.waiting, waitingPacket{header: h, data: data})
		return nil
	}

	return []Unit{p.pesUnit(h, pkt)}
}

// Reset forgets the PAT/PMT state and drops queued packets.
func (p *TransportParser) Reset() {
	p.pmtPID, p.hasPMTPID = 0, false
	p.pmt = nil
	p.waiting = nil
	p.dropped = 0
}

func (p *TransportParser) pesUnit(h packetHeader, pkt []byte) Unit {
	return Unit{
		Kind:             UnitPES,
		PID:              h.PID,
		PayloadUnitStart: h.PayloadUnitStart,
		StreamType:       p.pmt.StreamType(h.PID),
		Payload:          pkt[h.PayloadOffset:],
	}
}

// psiSection skips the pointer field that precedes a section starting
// in this packet. Continuation packets are not reassembled.
func psiSection(payload []byte, unitStart bool) []byte {
	if !unitStart || len(payload) == 0 {
		return nil
	}
	offset := int(payload[0]) + 1
	if offset >= len(payload) {
		return nil
	}
	return payload[offset:]
}

// parsePAT returns the PID of the first program's PMT.
//
// PAT section layout (after pointer field):
//
//	[0]     table_id
//	[1-2]   section_syntax_indicator(1) + '0'(1) + reserved(2) + section_length(12)
//	[3-4]   transport_stream_id
//	[5]     reserved(2) + version(5) + current_next_indicator(1)
//	[6]     section_number
//	[7]     last_section_number
//	[8-9]   program_number
//	[10-11] reserved(3) + program_map_PID(13)
func parsePAT(section []byte) (uint16, bool) {
	if len(section) < 12 {
		return 0, false
	}
	return uint16(section[10]&0x1F)<<8 | uint16(section[11]), true
}

// parsePMT builds the program map table. It returns nil for a PMT that
// is not yet in effect (current_next_indicator clear) or is truncated.
//
// PMT section layout (after pointer field):
//
//	[0]     table_id
//	[1-2]   section_syntax_indicator(1) + '0'(1) + reserved(2) + section_length(12)
//	[3-4]   program_number
//	[5]     reserved(2) + version(5) + current_next_indicator(1)
//	[6-7]   section_number, last_section_number
//	[8-9]   reserved(3) + PCR_PID(13)
//	[10-11] reserved(4) + program_info_length(12)
//	[12...] program descriptors, then stream entries, then CRC32
func parsePMT(section []byte) *ProgramMapTable {
	if len(section) < 12 {
		return nil
	}
	if section[5]&0x01 == 0 {
		return nil
	}

	pmt := &ProgramMapTable{Metadata: make(map[uint16]uint8)}

	sectionLength := int(section[1]&0x0F)<<8 | int(section[2])
	tableEnd := 3 + sectionLength - 4
	if tableEnd > len(section) {
		tableEnd = len(section)
	}
	programInfoLength := int(section[10]&0x0F)<<8 | int(section[11])

	offset := 12 + programInfoLength
	for offset+5 <= tableEnd {
		streamType := section[offset]
		pid := uint16(section[offset+1]&0x1F)<<8 | uint16(section[offset+2])

		switch {
		case streamType == StreamTypeH264 && !pmt.HasVideo:
			pmt.VideoPID, pmt.HasVideo = pid, true
		case streamType == StreamTypeADTS && !pmt.HasAudio:
			pmt.AudioPID, pmt.HasAudio = pid, true
		case streamType == StreamTypeMetadata:
			pmt.Metadata[pid] = streamType
		}

		esInfoLength := int(section[offset+3]&0x0F)<<8 | int(section[offset+4])
		offset += 5 + esInfoLength
	}

	return pmt
}
