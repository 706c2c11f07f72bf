// Package stream tracks the live transmux sessions: one per ingest key,
// each with a context that ends when the session is removed.
package stream

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Stream is one live transmux session.
type Stream struct {
	Key       string
	Protocol  string
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// Context is cancelled when the stream is removed.
func (s *Stream) Context() context.Context {
	return s.ctx
}

// Uptime is the time since the stream was created.
func (s *Stream) Uptime() time.Duration {
	return time.Since(s.StartedAt)
}

// Manager owns the set of live sessions.
type Manager struct {
	log     *slog.Logger
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewManager creates a Manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log.With("component", "stream-manager"),
		streams: make(map[string]*Stream),
	}
}

// Create registers a session derived from parent. It returns false when
// the key is already live.
func (m *Manager) Create(parent context.Context, key, protocol string) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[key]; ok {
		m.log.Warn("stream already exists, rejecting duplicate", "key", key)
		return nil, false
	}

	ctx, cancel := context.WithCancel(parent)
	s := &Stream{
		Key:       key,
		Protocol:  protocol,
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	m.streams[key] = s
	m.log.Info("stream created", "key", key, "protocol", protocol)
	return s, true
}

// Get returns the session for key.
func (m *Manager) Get(key string) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[key]
	return s, ok
}

// Remove cancels and forgets the session for key.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	s, ok := m.streams[key]
	if ok {
		delete(m.streams, key)
	}
	m.mu.Unlock()

	if ok {
		s.cancel()
		m.log.Info("stream removed", "key", key, "uptime", s.Uptime().Round(time.Millisecond))
	}
}

// List returns the live sessions ordered by key.
func (m *Manager) List() []*Stream {
	m.mu.RLock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.RUnlock()
	sort.Slice(streams, func(i, j int) bool { return streams[i].Key < streams[j].Key })
	return streams
}
