package mpegts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/transmux/internal/tstest"
)

const (
	testPMTPID   = 0x1000
	testVideoPID = 0x100
	testAudioPID = 0x101
	testMetaPID  = 0x102
)

func defaultPMT() []byte {
	return tstest.PMT(testPMTPID,
		tstest.PMTEntry{StreamType: tstest.StreamTypeH264, PID: testVideoPID},
		tstest.PMTEntry{StreamType: tstest.StreamTypeADTS, PID: testAudioPID},
		tstest.PMTEntry{StreamType: tstest.StreamTypeMetadata, PID: testMetaPID},
	)
}

func TestTransportParser_PATAndPMT(t *testing.T) {
	t.Parallel()
	p := NewTransportParser(nil)

	units := p.Parse(tstest.PAT(testPMTPID))
	require.Len(t, units, 1)
	assert.Equal(t, UnitPAT, units[0].Kind)
	assert.Equal(t, uint16(testPMTPID), units[0].PMTPID)

	units = p.Parse(defaultPMT())
	require.Len(t, units, 1)
	assert.Equal(t, UnitPMT, units[0].Kind)
	pmt := units[0].ProgramMap
	require.NotNil(t, pmt)
	assert.True(t, pmt.HasVideo)
	assert.Equal(t, uint16(testVideoPID), pmt.VideoPID)
	assert.True(t, pmt.HasAudio)
	assert.Equal(t, uint16(testAudioPID), pmt.AudioPID)
	assert.Equal(t, map[uint16]uint8{testMetaPID: StreamTypeMetadata}, pmt.Metadata)
	assert.Same(t, pmt, p.ProgramMap())
}

func TestTransportParser_FirstStreamOfEachTypeWins(t *testing.T) {
	t.Parallel()
	p := NewTransportParser(nil)
	p.Parse(tstest.PAT(testPMTPID))
	units := p.Parse(tstest.PMT(testPMTPID,
		tstest.PMTEntry{StreamType: tstest.StreamTypeH264, PID: 0x200, Descriptors: []byte{0x0A, 0x04, 'e', 'n', 'g', 0x00}},
		tstest.PMTEntry{StreamType: tstest.StreamTypeH264, PID: 0x201},
		tstest.PMTEntry{StreamType: 0x06, PID: 0x202},
		tstest.PMTEntry{StreamType: tstest.StreamTypeADTS, PID: 0x203},
		tstest.PMTEntry{StreamType: tstest.StreamTypeADTS, PID: 0x204},
		tstest.PMTEntry{StreamType: tstest.StreamTypeMetadata, PID: 0x205},
		tstest.PMTEntry{StreamType: tstest.StreamTypeMetadata, PID: 0x206},
	))
	require.Len(t, units, 1)
	pmt := units[0].ProgramMap
	assert.Equal(t, uint16(0x200), pmt.VideoPID)
	assert.Equal(t, uint16(0x203), pmt.AudioPID)
	assert.Len(t, pmt.Metadata, 2)
	assert.Zero(t, pmt.StreamType(0x202))
	assert.Zero(t, pmt.StreamType(0x201))
}

func TestTransportParser_IgnoresFuturePMT(t *testing.T) {
	t.Parallel()
	p := NewTransportParser(nil)
	p.Parse(tstest.PAT(testPMTPID))
	units := p.Parse(tstest.FuturePMT(testPMTPID,
		tstest.PMTEntry{StreamType: tstest.StreamTypeH264, PID: testVideoPID}))
	assert.Empty(t, units)
	assert.Nil(t, p.ProgramMap())
}

func TestTransportParser_QueuesUntilPMT(t *testing.T) {
	t.Parallel()
	p := NewTransportParser(nil)

	var cc byte
	pes := tstest.PES(tstest.PESOptions{StreamID: 0xE0, PTS: 9000, Unbounded: true}, []byte{0, 0, 0, 1, 0x09, 0xF0})
	early := tstest.Packetize(pes, testVideoPID, &cc)

	pat := p.Parse(tstest.PAT(testPMTPID))
	require.Len(t, pat, 1)
	assert.Equal(t, UnitPAT, pat[0].Kind)
	assert.Equal(t, uint16(testPMTPID), pat[0].PMTPID)
	assert.Empty(t, p.Parse(early[:PacketSize]))

	units := p.Parse(defaultPMT())
	require.Len(t, units, 2)
	assert.Equal(t, UnitPMT, units[0].Kind)
	assert.Equal(t, UnitPES, units[1].Kind)
	assert.Equal(t, uint8(StreamTypeH264), units[1].StreamType)
	assert.True(t, units[1].PayloadUnitStart)
	assert.Equal(t, pes, units[1].Payload[len(units[1].Payload)-len(pes):])

	units = p.Parse(early[:PacketSize])
	require.Len(t, units, 1, "packets after the PMT are not queued")
}

func TestTransportParser_WaitingQueueIsBounded(t *testing.T) {
	t.Parallel()
	p := NewTransportParser(nil)
	p.Parse(tstest.PAT(testPMTPID))

	var cc byte
	total := maxWaitingPackets + 10
	for i := 0; i < total; i++ {
		pes := tstest.PES(tstest.PESOptions{StreamID: 0xE0, PTS: int64(i)}, []byte{0, 0, 0, 1, 0x09, 0xF0})
		assert.Empty(t, p.Parse(tstest.Packetize(pes, testVideoPID, &cc)[:PacketSize]))
	}
	assert.Len(t, p.waiting, maxWaitingPackets)
	assert.Equal(t, 10, p.dropped)

	units := p.Parse(defaultPMT())
	require.Len(t, units, maxWaitingPackets+1)
	// The oldest packets were dropped.
	h, ok := parsePESHeader(units[1].Payload)
	require.True(t, ok)
	assert.Equal(t, int64(10), h.pts)
	assert.Zero(t, p.dropped)
}

func TestTransportParser_DropsNullPackets(t *testing.T) {
	t.Parallel()
	p := NewTransportParser(nil)
	null := make([]byte, PacketSize)
	null[0] = 0x47
	null[1] = 0x1F
	null[2] = 0xFF
	null[3] = 0x10

	p.Parse(tstest.PAT(testPMTPID))
	assert.Empty(t, p.Parse(null))
	assert.Empty(t, p.waiting)

	p.Parse(defaultPMT())
	assert.Empty(t, p.Parse(null))
}

func TestTransportParser_PATOnlyWithPayloadStart(t *testing.T) {
	t.Parallel()
	p := NewTransportParser(nil)
	pat := tstest.PAT(testPMTPID)
	pat[1] &^= 0x40
	assert.Empty(t, p.Parse(pat))
}

func TestTransportParser_Reset(t *testing.T) {
	t.Parallel()
	p := NewTransportParser(nil)
	p.Parse(tstest.PAT(testPMTPID))
	p.Parse(defaultPMT())
	p.Reset()
	assert.Nil(t, p.ProgramMap())
	assert.Empty(t, p.Parse(defaultPMT()), "PMT PID is unknown after reset")
}

func TestParsePESHeader(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		opts    tstest.PESOptions
		wantPTS int64
		wantDTS int64
		hasPTS  bool
	}{
		{"pts only", tstest.PESOptions{StreamID: 0xC0, PTS: 123456}, 123456, 123456, true},
		{"pts and dts", tstest.PESOptions{StreamID: 0xE0, PTS: 126000, DTS: 123000, WithDTS: true}, 126000, 123000, true},
		{"33-bit pts", tstest.PESOptions{StreamID: 0xE0, PTS: 1<<33 - 1}, 1<<33 - 1, 1<<33 - 1, true},
		{"no timestamps", tstest.PESOptions{StreamID: 0xBD, NoPTS: true}, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			data := []byte{0xAA, 0xBB}
			pes := tstest.PES(tt.opts, data)
			h, ok := parsePESHeader(pes)
			require.True(t, ok)
			assert.Equal(t, tt.hasPTS, h.hasPTS)
			assert.Equal(t, tt.wantPTS, h.pts)
			assert.Equal(t, tt.wantDTS, h.dts)
			assert.Equal(t, len(pes), h.packetLength)
			assert.Equal(t, data, pes[h.dataStart:])
		})
	}
}

func TestParsePESHeader_Rejects(t *testing.T) {
	t.Parallel()
	_, ok := parsePESHeader([]byte{0, 0, 1, 0xE0})
	assert.False(t, ok, "short")
	_, ok = parsePESHeader([]byte{0, 0, 2, 0xE0, 0, 0, 0x80, 0, 0})
	assert.False(t, ok, "bad start code")
}
