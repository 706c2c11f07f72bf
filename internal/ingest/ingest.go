// Package ingest couples live byte sources with the transmux pipeline: a
// Registry hands each new connection's bytes to a callback, and a
// Segmenter cuts the byte stream into the segment-sized chunks the
// transmuxer consumes.
package ingest

import (
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStreamExists is returned by Register when the key is already live.
var ErrStreamExists = errors.New("ingest: stream already registered")

// InputFormat identifies the container format of an ingested stream.
type InputFormat int

// Supported ingest container formats.
const (
	FormatMPEGTS InputFormat = iota
	FormatADTS
)

func (f InputFormat) String() string {
	switch f {
	case FormatMPEGTS:
		return "mpegts"
	case FormatADTS:
		return "adts"
	default:
		return "unknown"
	}
}

// Stats captures connection-level counters for an ingest stream.
type Stats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
	Protocol      string `json:"protocol"`
}

// Stream is one live ingest connection. Bytes written by the receiver
// into the stream's pipe are read by the transmux session.
type Stream struct {
	Key       string
	StartedAt time.Time
	Format    InputFormat
	Protocol  string
	pw        *io.PipeWriter
	done      chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// RecordRead counts one successful socket read of n bytes.
func (s *Stream) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr stores the peer address for diagnostics.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Done is closed once the stream is unregistered.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Stats returns a snapshot of the connection counters.
func (s *Stream) Stats() Stats {
	addr, _ := s.remoteAddr.Load().(string)
	return Stats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
		Protocol:      s.Protocol,
	}
}

// StreamHandler consumes a newly registered stream until input ends.
type StreamHandler func(s *Stream, input io.Reader)

// Registry tracks live ingest streams by key and starts the handler for
// each new one on its own goroutine.
type Registry struct {
	log     *slog.Logger
	mu      sync.RWMutex
	streams map[string]*Stream

	onStream StreamHandler
}

// NewRegistry creates a Registry. If log is nil, slog.Default() is used.
func NewRegistry(onStream StreamHandler, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log.With("component", "ingest-registry"),
		streams:  make(map[string]*Stream),
		onStream: onStream,
	}
}

// Register creates a stream and returns it with the writer the receiver
// should copy into. A second registration of a live key fails with
// ErrStreamExists.
func (r *Registry) Register(key, protocol string, format InputFormat) (*Stream, io.Writer, error) {
	pr, pw := io.Pipe()
	stream := &Stream{
		Key:       key,
		StartedAt: time.Now(),
		Format:    format,
		Protocol:  protocol,
		pw:        pw,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if _, ok := r.streams[key]; ok {
		r.mu.Unlock()
		r.log.Warn("rejecting duplicate stream", "key", key)
		return nil, nil, ErrStreamExists
	}
	r.streams[key] = stream
	r.mu.Unlock()

	r.log.Info("stream registered", "key", key, "protocol", protocol, "format", format)
	if r.onStream != nil {
		go r.onStream(stream, pr)
	}
	return stream, pw, nil
}

// Unregister removes a stream, ending its input with io.EOF.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	stream, ok := r.streams[key]
	if ok {
		delete(r.streams, key)
	}
	r.mu.Unlock()

	if ok {
		stream.pw.Close()
		close(stream.done)
		r.log.Info("stream unregistered", "key", key)
	}
}

// Get returns the stream registered under key.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// Streams lists the live streams ordered by key.
func (r *Registry) Streams() []*Stream {
	r.mu.RLock()
	out := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
