package tstest

import "sort"

// MuxConfig describes the synthetic program written by a Muxer.
type MuxConfig struct {
	PMTPID      uint16
	VideoPID    uint16
	AudioPID    uint16
	MetadataPID uint16
	NoVideo     bool
	NoAudio     bool

	StartPTS int64
	// FrameDuration is the video frame duration in 90 kHz ticks.
	FrameDuration int64
	// KeyframeInterval is the GOP length in frames. Zero means only the
	// very first frame is a keyframe.
	KeyframeInterval int
	// RandomAccess sets random_access_indicator on keyframe packets.
	RandomAccess bool

	SampleRateIndex int
	Channels        int

	SPS SPSConfig
}

// DefaultMuxConfig is a 30 fps 1280x720 H.264 stream with 48 kHz stereo
// AAC and a one-second GOP.
func DefaultMuxConfig() MuxConfig {
	return MuxConfig{
		PMTPID:           0x1000,
		VideoPID:         0x100,
		AudioPID:         0x101,
		MetadataPID:      0x102,
		StartPTS:         900000,
		FrameDuration:    3000,
		KeyframeInterval: 30,
		SampleRateIndex:  3,
		Channels:         2,
		SPS: SPSConfig{
			ProfileIdc: 100,
			LevelIdc:   31,
			Width:      1280,
			Height:     720,
		},
	}
}

var sampleRates = [...]int{96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050, 16000, 12000, 11025, 8000, 7350}

// AudioFrameTicks returns the 90 kHz duration of one 1024-sample AAC
// frame at the configured sample rate, truncated.
func (c MuxConfig) AudioFrameTicks() int64 {
	return int64(1024 * 90000 / sampleRates[c.SampleRateIndex])
}

// Muxer writes consecutive transport stream segments, keeping continuity
// counters and frame numbering across calls.
type Muxer struct {
	cfg        MuxConfig
	cc         map[uint16]*byte
	frame      int
	audioFrame int
	metadata   []timedTag
}

type timedTag struct {
	pts int64
	tag []byte
}

type timedPES struct {
	dts   int64
	order int
	pid   uint16
	key   bool
	pes   []byte
}

// NewMuxer creates a Muxer.
func NewMuxer(cfg MuxConfig) *Muxer {
	return &Muxer{cfg: cfg, cc: make(map[uint16]*byte)}
}

// Config returns the muxer configuration.
func (m *Muxer) Config() MuxConfig {
	return m.cfg
}

// AddMetadata queues an ID3 tag to be written in the next segment.
func (m *Muxer) AddMetadata(pts int64, tag []byte) {
	m.metadata = append(m.metadata, timedTag{pts: pts, tag: tag})
}

// SkipFrames advances video and audio numbering without writing, which
// leaves a gap in the timeline.
func (m *Muxer) SkipFrames(video, audio int) {
	m.frame += video
	m.audioFrame += audio
}

// Segment writes PAT, PMT and the next videoFrames video frames and
// audioFrames AAC frames, interleaved by decode time.
func (m *Muxer) Segment(videoFrames, audioFrames int) []byte {
	out := m.Tables()
	for _, p := range m.units(videoFrames, audioFrames) {
		if p.key && m.cfg.RandomAccess {
			out = append(out, PacketizeRandomAccess(p.pes, p.pid, m.counter(p.pid))...)
			continue
		}
		out = append(out, Packetize(p.pes, p.pid, m.counter(p.pid))...)
	}
	return out
}

// Tables returns the PAT and PMT for the configured program.
func (m *Muxer) Tables() []byte {
	var entries []PMTEntry
	if !m.cfg.NoVideo {
		entries = append(entries, PMTEntry{StreamType: StreamTypeH264, PID: m.cfg.VideoPID})
	}
	if !m.cfg.NoAudio {
		entries = append(entries, PMTEntry{StreamType: StreamTypeADTS, PID: m.cfg.AudioPID})
	}
	entries = append(entries, PMTEntry{StreamType: StreamTypeMetadata, PID: m.cfg.MetadataPID})
	return append(PAT(m.cfg.PMTPID), PMT(m.cfg.PMTPID, entries...)...)
}

// VideoPTS returns the presentation time of global frame index i.
func (m *Muxer) VideoPTS(i int) int64 {
	return m.cfg.StartPTS + int64(i)*m.cfg.FrameDuration
}

// AudioPTS returns the presentation time of global AAC frame index i.
func (m *Muxer) AudioPTS(i int) int64 {
	return m.cfg.StartPTS + int64(i)*m.cfg.AudioFrameTicks()
}

// IsKeyframe reports whether global frame index i starts a GOP.
func (m *Muxer) IsKeyframe(i int) bool {
	if m.cfg.KeyframeInterval <= 0 {
		return i == 0
	}
	return i%m.cfg.KeyframeInterval == 0
}

// VideoAccessUnit returns the Annex-B bytes for global frame index i.
func (m *Muxer) VideoAccessUnit(i int) []byte {
	key := m.IsKeyframe(i)
	nals := [][]byte{AUD}
	if key {
		nals = append(nals, SPS(m.cfg.SPS), PPS)
	}
	nals = append(nals, Slice(key, i))
	return AnnexB(nals...)
}

// AudioPayload is the raw AAC payload written into every ADTS frame.
var AudioPayload = []byte{0x21, 0x10, 0x05, 0x20, 0xA4, 0x1B, 0xFF, 0xC0, 0x4E, 0x37, 0x11, 0x52}

func (m *Muxer) units(videoFrames, audioFrames int) []timedPES {
	var units []timedPES
	if !m.cfg.NoVideo {
		for n := 0; n < videoFrames; n++ {
			i := m.frame + n
			pts := m.VideoPTS(i)
			pes := PES(PESOptions{StreamID: 0xE0, PTS: pts, DTS: pts, WithDTS: true, Unbounded: true, Aligned: true}, m.VideoAccessUnit(i))
			units = append(units, timedPES{dts: pts, order: 0, pid: m.cfg.VideoPID, key: m.IsKeyframe(i), pes: pes})
		}
		m.frame += videoFrames
	}
	if !m.cfg.NoAudio {
		for n := 0; n < audioFrames; n++ {
			i := m.audioFrame + n
			pts := m.AudioPTS(i)
			frame := ADTSFrame(m.cfg.SampleRateIndex, m.cfg.Channels, AudioPayload, false)
			pes := PES(PESOptions{StreamID: 0xC0, PTS: pts}, frame)
			units = append(units, timedPES{dts: pts, order: 1, pid: m.cfg.AudioPID, pes: pes})
		}
		m.audioFrame += audioFrames
	}
	for _, t := range m.metadata {
		pes := PES(PESOptions{StreamID: 0xBD, PTS: t.pts}, t.tag)
		units = append(units, timedPES{dts: t.pts, order: 2, pid: m.cfg.MetadataPID, pes: pes})
	}
	m.metadata = nil

	sort.SliceStable(units, func(a, b int) bool {
		if units[a].dts != units[b].dts {
			return units[a].dts < units[b].dts
		}
		return units[a].order < units[b].order
	})
	return units
}

func (m *Muxer) counter(pid uint16) *byte {
	cc, ok := m.cc[pid]
	if !ok {
		cc = new(byte)
		m.cc[pid] = cc
	}
	return cc
}

// RawAAC returns a packed-audio segment: an ID3 tag carrying the
// transport stream timestamp followed by frames ADTS frames.
func RawAAC(ts int64, frames, sampleRateIndex, channels int) []byte {
	out := ID3Tag(TimestampFrame(ts))
	for i := 0; i < frames; i++ {
		out = append(out, ADTSFrame(sampleRateIndex, channels, AudioPayload, false)...)
	}
	return out
}
