// Package metrics exports transmux telemetry to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zsiec/transmux/internal/pipeline"
)

// Recorder owns the transmux collectors registered on one registry.
type Recorder struct {
	registry *prometheus.Registry

	segmentsTotal     *prometheus.CounterVec
	outputBytesTotal  *prometheus.CounterVec
	resyncBytesTotal  *prometheus.CounterVec
	gopRepairsTotal   *prometheus.CounterVec
	decodeErrorsTotal *prometheus.CounterVec
	ingestBytesTotal  *prometheus.CounterVec
	streamsActive     *prometheus.GaugeVec
}

// New registers the collectors on a fresh registry along with the Go and
// process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		segmentsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "transmux_segments_total",
			Help: "Total fMP4 segments produced",
		}, []string{"stream_id", "kind"}),
		outputBytesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "transmux_output_bytes_total",
			Help: "Total fMP4 bytes produced",
		}, []string{"stream_id"}),
		resyncBytesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "transmux_resync_bytes_total",
			Help: "Bytes skipped by parsers to regain sync",
		}, []string{"stream_id", "component"}),
		gopRepairsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "transmux_gop_repairs_total",
			Help: "Segments repaired for a missing leading keyframe or aligned to another rendition",
		}, []string{"stream_id", "method"}),
		decodeErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "transmux_decode_errors_total",
			Help: "NAL units or frames that could not be decoded",
		}, []string{"stream_id", "component"}),
		ingestBytesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "transmux_ingest_bytes_total",
			Help: "Total transport stream bytes received",
		}, []string{"stream_id", "protocol"}),
		streamsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "transmux_streams_active",
			Help: "Number of streams being transmuxed",
		}, []string{"protocol"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// StreamStarted counts a stream as active.
func (r *Recorder) StreamStarted(protocol string) {
	r.streamsActive.WithLabelValues(protocol).Inc()
}

// StreamEnded removes a stream from the active count and drops its
// per-stream series.
func (r *Recorder) StreamEnded(streamID, protocol string) {
	r.streamsActive.WithLabelValues(protocol).Dec()
	labels := prometheus.Labels{"stream_id": streamID}
	r.segmentsTotal.DeletePartialMatch(labels)
	r.outputBytesTotal.DeletePartialMatch(labels)
	r.resyncBytesTotal.DeletePartialMatch(labels)
	r.gopRepairsTotal.DeletePartialMatch(labels)
	r.decodeErrorsTotal.DeletePartialMatch(labels)
	r.ingestBytesTotal.DeletePartialMatch(labels)
}

// IngestBytes counts n bytes received for a stream.
func (r *Recorder) IngestBytes(streamID, protocol string, n int) {
	r.ingestBytesTotal.WithLabelValues(streamID, protocol).Add(float64(n))
}

// For returns a pipeline.StatsRecorder labelled with streamID.
func (r *Recorder) For(streamID string) pipeline.StatsRecorder {
	return &streamRecorder{r: r, id: streamID}
}

type streamRecorder struct {
	r  *Recorder
	id string
}

func (s *streamRecorder) RecordSegment(kind string, bytes int) {
	s.r.segmentsTotal.WithLabelValues(s.id, kind).Inc()
	s.r.outputBytesTotal.WithLabelValues(s.id).Add(float64(bytes))
}

func (s *streamRecorder) RecordResync(component string, bytes int) {
	s.r.resyncBytesTotal.WithLabelValues(s.id, component).Add(float64(bytes))
}

func (s *streamRecorder) RecordGopRepair(method string) {
	s.r.gopRepairsTotal.WithLabelValues(s.id, method).Inc()
}

func (s *streamRecorder) RecordDecodeError(component string) {
	s.r.decodeErrorsTotal.WithLabelValues(s.id, component).Inc()
}
