package mpegts

const (
	maxTS             = int64(1) << 33
	rolloverThreshold = int64(1) << 32
)

// handleRollover unwraps a 33-bit timestamp relative to reference. A
// value larger than the reference is assumed to have wrapped backwards
// (e.g. a seek to before the wrap point), so it is moved down instead.
// Jumps larger than 2^32 ticks (~13 hours) are indistinguishable from
// a wrap and will be misadjusted.
func handleRollover(value, reference int64) int64 {
	direction := int64(1)
	if value > reference {
		direction = -1
	}
	for abs(reference-value) > rolloverThreshold {
		value += direction * maxTS
	}
	return value
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// RolloverCorrector keeps one elementary stream's timestamps continuous
// across the 33-bit PTS/DTS wrap. Use one instance per stream type.
type RolloverCorrector struct {
	reference    int64
	hasReference bool
	last         int64
	hasLast      bool
}

// NewRolloverCorrector returns a corrector with no reference yet.
func NewRolloverCorrector() *RolloverCorrector {
	return &RolloverCorrector{}
}

// Correct rewrites pkt's PTS and DTS in place. The first DTS seen becomes
// the reference.
func (r *RolloverCorrector) Correct(pkt *ElementaryPacket) {
	if !pkt.HasPTS {
		return
	}
	pkt.PTS, pkt.DTS = r.CorrectTimestamps(pkt.PTS, pkt.DTS)
}

// CorrectTimestamps unwraps a raw pts/dts pair.
func (r *RolloverCorrector) CorrectTimestamps(pts, dts int64) (int64, int64) {
	if !r.hasReference {
		r.reference, r.hasReference = dts, true
	}
	dts = handleRollover(dts, r.reference)
	pts = handleRollover(pts, r.reference)
	r.last, r.hasLast = dts, true
	return pts, dts
}

// SignalEndOfSegment moves the reference to the last corrected DTS so
// the next segment is unwrapped relative to where this one ended.
func (r *RolloverCorrector) SignalEndOfSegment() {
	r.reference, r.hasReference = r.last, r.hasLast
}

// Discontinuity forgets the reference; the next DTS starts a new one.
func (r *RolloverCorrector) Discontinuity() {
	r.reference, r.hasReference = 0, false
	r.last, r.hasLast = 0, false
}
