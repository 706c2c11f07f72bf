package pipeline

// StatsRecorder receives transmuxer telemetry. internal/metrics provides
// a Prometheus implementation.
type StatsRecorder interface {
	// RecordSegment is called for every segment produced; kind is
	// "video", "audio" or "combined".
	RecordSegment(kind string, bytes int)
	// RecordResync counts bytes a parser skipped to find sync again.
	RecordResync(component string, bytes int)
	// RecordGopRepair counts how segments without a leading keyframe,
	// or aligned to another rendition, were handled.
	RecordGopRepair(method string)
	// RecordDecodeError counts NAL units that could not be decoded.
	RecordDecodeError(component string)
}

type nopStats struct{}

func (nopStats) RecordSegment(string, int) {}
func (nopStats) RecordResync(string, int) {}
func (nopStats) RecordGopRepair(string) {}
func (nopStats) RecordDecodeError(string) {}

// Tee returns a StatsRecorder that forwards to every non-nil recorder.
func Tee(recorders ...StatsRecorder) StatsRecorder {
	var rs teeStats
	for _, r := range recorders {
		if r != nil {
			rs = append(rs, r)
		}
	}
	switch len(rs) {
	case 0:
		return nopStats{}
	case 1:
		return rs[0]
	}
	return rs
}

type teeStats []StatsRecorder

func (t teeStats) RecordSegment(kind string, bytes int) {
	for _, r := range t {
		r.RecordSegment(kind, bytes)
	}
}

func (t teeStats) RecordResync(component string, bytes int) {
	for _, r := range t {
		r.RecordResync(component, bytes)
	}
}

func (t teeStats) RecordGopRepair(method string) {
	for _, r := range t {
		r.RecordGopRepair(method)
	}
}

func (t teeStats) RecordDecodeError(component string) {
	for _, r := range t {
		r.RecordDecodeError(component)
	}
}
