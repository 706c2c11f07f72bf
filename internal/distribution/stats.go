package distribution

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/transmux/internal/pipeline"
)

var _ pipeline.StatsRecorder = (*StreamStats)(nil)

// bitrateWindow is how far back OutputKbps looks.
const bitrateWindow = 10 * time.Second

// StatsSnapshot is the JSON form of a stream's transmux counters.
type StatsSnapshot struct {
	Segments     map[string]int64 `json:"segments"`
	OutputBytes  int64            `json:"outputBytes"`
	OutputKbps   float64          `json:"outputKbps"`
	ResyncBytes  map[string]int64 `json:"resyncBytes,omitempty"`
	GopRepairs   map[string]int64 `json:"gopRepairs,omitempty"`
	DecodeErrors map[string]int64 `json:"decodeErrors,omitempty"`
	LastSegment  int64            `json:"lastSegmentMs,omitempty"`
}

// StreamStats accumulates one stream's transmux telemetry. It is the
// pipeline's StatsRecorder for that stream and is read concurrently by
// the API handlers.
type StreamStats struct {
	now func() time.Time

	outputBytes atomic.Int64
	lastSegment atomic.Int64

	// mu guards the per-label counters.
	mu           sync.Mutex
	segments     map[string]int64
	resync       map[string]int64
	repairs      map[string]int64
	decodeErrors map[string]int64

	// windowMu guards window.
	windowMu sync.Mutex
	window   []bitrateEntry
}

type bitrateEntry struct {
	ts    time.Time
	bytes int64
}

// NewStreamStats returns empty counters.
func NewStreamStats() *StreamStats {
	return &StreamStats{
		now:          time.Now,
		segments:     make(map[string]int64),
		resync:       make(map[string]int64),
		repairs:      make(map[string]int64),
		decodeErrors: make(map[string]int64),
	}
}

// RecordSegment counts an emitted segment of kind and its size.
func (s *StreamStats) RecordSegment(kind string, bytes int) {
	now := s.now()
	s.outputBytes.Add(int64(bytes))
	s.lastSegment.Store(now.UnixMilli())

	s.mu.Lock()
	s.segments[kind]++
	s.mu.Unlock()

	s.windowMu.Lock()
	s.window = append(s.window, bitrateEntry{ts: now, bytes: int64(bytes)})
	cutoff := now.Add(-bitrateWindow)
	i := 0
	for i < len(s.window) && s.window[i].ts.Before(cutoff) {
		i++
	}
	s.window = s.window[i:]
	s.windowMu.Unlock()
}

// RecordResync counts bytes skipped to regain sync.
func (s *StreamStats) RecordResync(component string, bytes int) {
	s.mu.Lock()
	s.resync[component] += int64(bytes)
	s.mu.Unlock()
}

// RecordGopRepair counts a segment that needed GOP fusion, a keyframe
// pull, alignment or was dropped.
func (s *StreamStats) RecordGopRepair(method string) {
	s.mu.Lock()
	s.repairs[method]++
	s.mu.Unlock()
}

// RecordDecodeError counts a NAL or frame that could not be decoded.
func (s *StreamStats) RecordDecodeError(component string) {
	s.mu.Lock()
	s.decodeErrors[component]++
	s.mu.Unlock()
}

// OutputKbps is the output bitrate over the segments of the last
// bitrateWindow, measured between the first and last of them.
func (s *StreamStats) OutputKbps() float64 {
	s.windowMu.Lock()
	defer s.windowMu.Unlock()

	if len(s.window) < 2 {
		return 0
	}
	dur := s.window[len(s.window)-1].ts.Sub(s.window[0].ts).Seconds()
	if dur <= 0 {
		return 0
	}
	// The first segment's bytes were produced before the window opened.
	var total int64
	for _, e := range s.window[1:] {
		total += e.bytes
	}
	return float64(total) * 8 / dur / 1000
}

// Snapshot copies the counters.
func (s *StreamStats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		OutputBytes: s.outputBytes.Load(),
		OutputKbps:  s.OutputKbps(),
		LastSegment: s.lastSegment.Load(),
	}
	s.mu.Lock()
	snap.Segments = copyCounts(s.segments)
	snap.ResyncBytes = copyCounts(s.resync)
	snap.GopRepairs = copyCounts(s.repairs)
	snap.DecodeErrors = copyCounts(s.decodeErrors)
	s.mu.Unlock()
	return snap
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
