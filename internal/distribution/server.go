// Package distribution serves transmuxed fMP4 to players: the latest init
// segment and a window of media segments over HTTP/1.1 and HTTP/3, and a
// websocket that pushes every new segment as it is produced.
package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/transmux/internal/certs"
	"github.com/zsiec/transmux/internal/ingest"
)

// wsWriteTimeout bounds one websocket write to a viewer.
const wsWriteTimeout = 10 * time.Second

// IngestLookup resolves a stream key to its ingest connection counters,
// or nil when the stream is not being ingested.
type IngestLookup func(key string) *ingest.Stats

// SRTPullFunc starts an SRT caller-mode pull.
type SRTPullFunc func(address, streamKey, streamID string) error

// SRTStopFunc stops the pull for a stream key.
type SRTStopFunc func(streamKey string) error

// SRTListFunc lists the active pulls.
type SRTListFunc func() []SRTPullInfo

// SRTPullInfo describes an active SRT pull.
type SRTPullInfo struct {
	Address   string `json:"address"`
	StreamKey string `json:"streamKey"`
	StreamID  string `json:"streamId,omitempty"`
}

// StreamInfo summarizes a live stream for the /api/streams endpoints.
type StreamInfo struct {
	Key        string        `json:"key"`
	Protocol   string        `json:"protocol,omitempty"`
	Type       string        `json:"type,omitempty"`
	Codecs     string        `json:"codecs,omitempty"`
	Width      int           `json:"width,omitempty"`
	Height     int           `json:"height,omitempty"`
	SampleRate int           `json:"sampleRate,omitempty"`
	Channels   int           `json:"channels,omitempty"`
	Viewers    int           `json:"viewers"`
	Dropped    int64         `json:"dropped,omitempty"`
	UptimeMs   int64         `json:"uptimeMs"`
	Stats      StatsSnapshot `json:"stats"`
	Ingest     *ingest.Stats `json:"ingest,omitempty"`
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// Addr is the HTTP/3 listen address used by Start.
	Addr string
	Cert *certs.CertInfo
	// Window is the number of media segments each stream keeps.
	Window int
	// Metrics, when set, is served at /metrics.
	Metrics      http.Handler
	IngestLookup IngestLookup
	SRTPull      SRTPullFunc
	SRTStop      SRTStopFunc
	SRTList      SRTListFunc
	Logger       *slog.Logger
}

type streamResources struct {
	hub       *Hub
	stats     *StreamStats
	protocol  string
	startedAt time.Time
}

// Server owns the per-stream hubs and serves them.
type Server struct {
	log      *slog.Logger
	config   ServerConfig
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	streams map[string]*streamResources
}

// NewServer creates a Server. A certificate is required for HTTP/3.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Cert == nil {
		return nil, errors.New("distribution: Cert is required")
	}
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:    log.With("component", "distribution"),
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			// Segments are public; origin checks belong to a fronting proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		streams: make(map[string]*streamResources),
	}, nil
}

// RegisterStream creates the hub and stats for key, or returns the
// existing ones.
func (s *Server) RegisterStream(key, protocol string) (*Hub, *StreamStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok := s.streams[key]; ok {
		return sr.hub, sr.stats
	}
	sr := &streamResources{
		hub:       NewHub(s.config.Window, s.log.With("stream", key)),
		stats:     NewStreamStats(),
		protocol:  protocol,
		startedAt: time.Now(),
	}
	s.streams[key] = sr
	return sr.hub, sr.stats
}

// UnregisterStream closes and forgets the hub for key.
func (s *Server) UnregisterStream(key string) {
	s.mu.Lock()
	sr, ok := s.streams[key]
	delete(s.streams, key)
	s.mu.Unlock()
	if ok {
		sr.hub.Close()
	}
}

// Hub returns the hub for key, or nil.
func (s *Server) Hub(key string) *Hub {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sr, ok := s.streams[key]; ok {
		return sr.hub
	}
	return nil
}

// Streams summarizes every registered stream, ordered by key.
func (s *Server) Streams() []StreamInfo {
	s.mu.RLock()
	keys := make([]string, 0, len(s.streams))
	for k := range s.streams {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)

	out := make([]StreamInfo, 0, len(keys))
	for _, k := range keys {
		if info, ok := s.streamInfo(k); ok {
			out = append(out, info)
		}
	}
	return out
}

func (s *Server) streamInfo(key string) (StreamInfo, bool) {
	s.mu.RLock()
	sr, ok := s.streams[key]
	s.mu.RUnlock()
	if !ok {
		return StreamInfo{}, false
	}

	info, kind := sr.hub.Info()
	si := StreamInfo{
		Key:        key,
		Protocol:   sr.protocol,
		Type:       kind,
		Codecs:     sr.hub.CodecString(),
		Width:      info.Width,
		Height:     info.Height,
		SampleRate: info.SampleRate,
		Channels:   info.ChannelCount,
		Viewers:    sr.hub.Subscribers(),
		Dropped:    sr.hub.Dropped(),
		UptimeMs:   time.Since(sr.startedAt).Milliseconds(),
		Stats:      sr.stats.Snapshot(),
	}
	if s.config.IngestLookup != nil {
		si.Ingest = s.config.IngestLookup(key)
	}
	return si, true
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/streams", s.handleListStreams)
	mux.HandleFunc("GET /api/streams/{key}", s.handleStream)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	mux.HandleFunc("GET /api/srt-pull", s.handleSRTPullList)
	mux.HandleFunc("POST /api/srt-pull", s.handleSRTPullCreate)
	mux.HandleFunc("DELETE /api/srt-pull", s.handleSRTPullStop)
	mux.HandleFunc("OPTIONS /api/srt-pull", s.handleSRTPullOptions)
	mux.HandleFunc("GET /streams/{key}/init.mp4", s.handleInit)
	mux.HandleFunc("GET /streams/{key}/segments", s.handleSegmentList)
	mux.HandleFunc("GET /streams/{key}/ws", s.handleWebsocket)
	mux.HandleFunc("GET /streams/{key}/{file}", s.handleSegment)
	if s.config.Metrics != nil {
		mux.Handle("GET /metrics", s.config.Metrics)
	}
	return mux
}

// Handler serves the API and the segment routes over HTTP/1.1.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.routes())
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Start serves the same routes over HTTP/3 until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.config.Addr == "" {
		return errors.New("distribution: no HTTP/3 address configured")
	}
	srv := &http3.Server{
		Addr:      s.config.Addr,
		Handler:   s.Handler(),
		TLSConfig: s.config.Cert.TLSConfig(),
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
		},
	}
	s.log.Info("HTTP/3 server listening", "addr", s.config.Addr)

	stop := context.AfterFunc(ctx, func() { srv.Close() })
	defer stop()

	err := srv.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Streams())
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	info, ok := s.streamInfo(r.PathValue("key"))
	if !ok {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"hash": s.config.Cert.FingerprintBase64(),
		"addr": s.config.Addr,
	})
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	hub := s.Hub(r.PathValue("key"))
	if hub == nil {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	data, version, ok := hub.Init()
	if !ok {
		writeError(w, http.StatusNotFound, "no init segment yet")
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Init-Version", strconv.FormatUint(version, 10))
	w.Write(data)
}

type segmentList struct {
	Codecs   string         `json:"codecs"`
	Segments []MediaSegment `json:"segments"`
}

func (s *Server) handleSegmentList(w http.ResponseWriter, r *http.Request) {
	hub := s.Hub(r.PathValue("key"))
	if hub == nil {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	writeJSON(w, http.StatusOK, segmentList{Codecs: hub.CodecString(), Segments: hub.Segments()})
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	hub := s.Hub(r.PathValue("key"))
	if hub == nil {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	name, ok := strings.CutSuffix(r.PathValue("file"), ".m4s")
	if !ok {
		writeError(w, http.StatusNotFound, "unknown resource")
		return
	}
	seq, err := strconv.ParseUint(name, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad segment number")
		return
	}
	ms, ok := hub.Segment(seq)
	if !ok {
		writeError(w, http.StatusNotFound, "segment not in window")
		return
	}
	w.Header().Set("Content-Type", "video/iso.segment")
	w.Header().Set("Cache-Control", "max-age=60")
	w.Write(ms.Data)
}

// wsMessage is the text frame sent before every binary frame.
type wsMessage struct {
	Type        string        `json:"type"`
	InitVersion uint64        `json:"initVersion,omitempty"`
	Codecs      string        `json:"codecs,omitempty"`
	Segment     *MediaSegment `json:"segment,omitempty"`
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	hub := s.Hub(key)
	if hub == nil {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "stream", key, "error", err)
		return
	}
	defer conn.Close()

	feed, cancel := hub.Subscribe()
	defer cancel()
	s.log.Info("viewer connected", "stream", key, "remote", r.RemoteAddr)

	// The reader only notices the viewer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var sent uint64
	send := func(msg wsMessage, data []byte) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
		return conn.WriteMessage(websocket.BinaryMessage, data)
	}

	if data, version, ok := hub.Init(); ok {
		if err := send(wsMessage{Type: "init", InitVersion: version, Codecs: hub.CodecString()}, data); err != nil {
			return
		}
		sent = version
	}

	for {
		select {
		case ms, ok := <-feed:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream ended"),
					time.Now().Add(time.Second))
				return
			}
			if ms.InitVersion != sent {
				if err := send(wsMessage{Type: "init", InitVersion: ms.InitVersion, Codecs: hub.CodecString()}, ms.init); err != nil {
					return
				}
				sent = ms.InitVersion
			}
			if err := send(wsMessage{Type: "media", Segment: &ms}, ms.Data); err != nil {
				s.log.Debug("viewer write failed", "stream", key, "error", err)
				return
			}
		case <-gone:
			s.log.Info("viewer disconnected", "stream", key, "remote", r.RemoteAddr)
			return
		}
	}
}

func (s *Server) handleSRTPullOptions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSRTPullList(w http.ResponseWriter, _ *http.Request) {
	if s.config.SRTList == nil {
		writeJSON(w, http.StatusOK, []SRTPullInfo{})
		return
	}
	writeJSON(w, http.StatusOK, s.config.SRTList())
}

func (s *Server) handleSRTPullCreate(w http.ResponseWriter, r *http.Request) {
	if s.config.SRTPull == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	var req SRTPullInfo
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Address == "" || req.StreamKey == "" {
		writeError(w, http.StatusBadRequest, "address and streamKey are required")
		return
	}
	if err := s.config.SRTPull(req.Address, req.StreamKey, req.StreamID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "pulling", "streamKey": req.StreamKey})
}

func (s *Server) handleSRTPullStop(w http.ResponseWriter, r *http.Request) {
	if s.config.SRTStop == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	key := r.URL.Query().Get("streamKey")
	if key == "" {
		writeError(w, http.StatusBadRequest, "streamKey query parameter required")
		return
	}
	if err := s.config.SRTStop(key); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "streamKey": key})
}
