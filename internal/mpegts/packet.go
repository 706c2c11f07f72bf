package mpegts

import "fmt"

const (
	// PacketSize is the fixed MPEG-TS packet length.
	PacketSize = 188
	syncByte   = 0x47
)

// Packetizer aligns an arbitrary byte stream to 188-byte transport
// packets. A packet is only yielded once the sync byte of the following
// packet has been seen, so trailing bytes are carried into the next Push.
//
// Packets returned by Next alias the Packetizer's buffer and are only
// valid until the next call to Push.
type Packetizer struct {
	buf     []byte
	start   int
	skipped int
}

// NewPacketizer returns an empty Packetizer.
func NewPacketizer() *Packetizer {
	return &Packetizer{}
}

// Push appends data to the stream. Any carry-over from the previous
// input is kept in front of it.
func (p *Packetizer) Push(data []byte) {
	rest := p.buf[p.start:]
	buf := make([]byte, 0, len(rest)+len(data))
	buf = append(buf, rest...)
	buf = append(buf, data...)
	p.buf = buf
	p.start = 0
}

// Next returns the next aligned packet. ok is false once the buffered
// data is exhausted; the unconsumed tail (at most one packet) is kept.
func (p *Packetizer) Next() (pkt []byte, ok bool) {
	start, end := p.start, p.start+PacketSize
	for end < len(p.buf) {
		if p.buf[start] == syncByte && p.buf[end] == syncByte {
			p.start = end
			return p.buf[start:end], true
		}
		// Out of sync: step one byte at a time until two sync bytes
		// line up a packet apart.
		start++
		end++
		p.skipped++
	}
	p.start = start
	return nil, false
}

// Flush emits the cached tail if it is exactly one packet with a valid
// sync byte. Anything else stays buffered for the next segment.
func (p *Packetizer) Flush() ([]byte, bool) {
	rest := p.buf[p.start:]
	if len(rest) != PacketSize || rest[0] != syncByte {
		return nil, false
	}
	pkt := make([]byte, PacketSize)
	copy(pkt, rest)
	p.buf = nil
	p.start = 0
	return pkt, true
}

// Buffered reports how many bytes are waiting for more input.
func (p *Packetizer) Buffered() int {
	return len(p.buf) - p.start
}

// Skipped returns and clears the number of bytes dropped while
// resynchronizing.
func (p *Packetizer) Skipped() int {
	n := p.skipped
	p.skipped = 0
	return n
}

// Reset drops all buffered data.
func (p *Packetizer) Reset() {
	p.buf = nil
	p.start = 0
	p.skipped = 0
}

// packetHeader holds the transport header fields the parser routes on.
type packetHeader struct {
	PayloadUnitStart bool
	PID              uint16
	PayloadOffset    int
}

func parseHeader(buf []byte) (packetHeader, error) {
	if len(buf) != PacketSize {
		return packetHeader{}, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), PacketSize)
	}
	if buf[0] != syncByte {
		return packetHeader{}, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}

	h := packetHeader{
		PayloadUnitStart: buf[1]&0x40 != 0,
		PID:              uint16(buf[1]&0x1F)<<8 | uint16(buf[2]),
		PayloadOffset:    4,
	}

	// adaptation_field_control values 2 and 3 carry an adaptation field
	// whose length byte follows the header.
	if (buf[3]&0x30)>>4 > 0x01 {
		h.PayloadOffset += int(buf[4]) + 1
		if h.PayloadOffset > PacketSize {
			h.PayloadOffset = PacketSize
		}
	}
	return h, nil
}

// PacketFlags is the part of a transport header a stream cutter looks at.
type PacketFlags struct {
	PID          uint16
	UnitStart    bool
	RandomAccess bool
}

// ReadPacketFlags decodes the header of one aligned packet.
func ReadPacketFlags(pkt []byte) (PacketFlags, error) {
	h, err := parseHeader(pkt)
	if err != nil {
		return PacketFlags{}, err
	}
	f := PacketFlags{PID: h.PID, UnitStart: h.PayloadUnitStart}
	if (pkt[3]&0x30)>>4 > 0x01 && pkt[4] > 0 {
		f.RandomAccess = pkt[5]&0x40 != 0
	}
	return f, nil
}
