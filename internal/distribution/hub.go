package distribution

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zsiec/transmux/internal/segment"
)

// DefaultWindow is the number of media segments a Hub keeps.
const DefaultWindow = 6

// subscriberBuffer is how many segments a slow viewer may fall behind
// before segments are dropped for it.
const subscriberBuffer = 8

// MediaSegment is one moof+mdat published on a Hub.
type MediaSegment struct {
	Seq  uint64 `json:"seq"`
	Type string `json:"type"`
	Size int    `json:"size"`
	// DecodeTime and Duration are in seconds.
	DecodeTime float64 `json:"decodeTime"`
	Duration   float64 `json:"duration"`
	// InitVersion increments whenever the init segment changes.
	InitVersion uint64 `json:"initVersion"`
	Data        []byte `json:"-"`

	init []byte
}

// Hub is the fan-out point for one stream's transmuxed output. It keeps
// the current init segment and a bounded window of media segments for
// HTTP fetches, and pushes every new segment to its subscribers.
type Hub struct {
	log    *slog.Logger
	window int

	mu          sync.RWMutex
	init        []byte
	initVersion uint64
	codecs      string
	info        segment.Info
	kind        string
	segments    []MediaSegment
	nextSeq     uint64
	subs        map[uint64]chan MediaSegment
	nextSub     uint64
	closed      bool

	dropped atomic.Int64
}

// NewHub creates a Hub keeping window media segments. A window below 1
// means DefaultWindow.
func NewHub(window int, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if window < 1 {
		window = DefaultWindow
	}
	return &Hub{
		log:    log.With("component", "hub"),
		window: window,
		subs:   make(map[uint64]chan MediaSegment),
	}
}

// Publish adds a transmuxed segment. It is a no-op after Close.
func (h *Hub) Publish(seg *segment.ConstructedSegment) {
	if seg == nil || len(seg.Data) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	if len(seg.InitSegment) > 0 && !bytes.Equal(seg.InitSegment, h.init) {
		h.init = seg.InitSegment
		h.initVersion++
		h.codecs = Codecs(seg)
		h.log.Debug("init segment updated", "version", h.initVersion, "codecs", h.codecs)
	}
	h.info, h.kind = seg.Info, seg.Type

	ms := MediaSegment{
		Seq:         h.nextSeq,
		Type:        seg.Type,
		Size:        len(seg.Data),
		InitVersion: h.initVersion,
		Data:        seg.Data,
		init:        h.init,
	}
	if t := referenceTiming(seg); t != nil {
		ms.DecodeTime = float64(t.BaseMediaDecodeTime) / 90000
		ms.Duration = float64(t.EndPTS-t.StartPTS) / 90000
	}
	h.nextSeq++

	h.segments = append(h.segments, ms)
	if len(h.segments) > h.window {
		h.segments = h.segments[len(h.segments)-h.window:]
	}

	for id, ch := range h.subs {
		select {
		case ch <- ms:
		default:
			h.dropped.Add(1)
			h.log.Debug("subscriber behind, segment dropped", "subscriber", id, "seq", ms.Seq)
		}
	}
}

func referenceTiming(seg *segment.ConstructedSegment) *segment.Timing {
	if seg.VideoTiming != nil {
		return seg.VideoTiming
	}
	return seg.AudioTiming
}

// Codecs returns the RFC 6381 codecs parameter for the tracks in seg.
func Codecs(seg *segment.ConstructedSegment) string {
	var parts []string
	if seg.Type != "audio" {
		parts = append(parts, fmt.Sprintf("avc1.%02x%02x%02x",
			seg.Info.ProfileIdc, seg.Info.ProfileCompatibility, seg.Info.LevelIdc))
	}
	if seg.Type != "video" {
		aot := seg.Info.AudioObjectType
		if aot == 0 {
			aot = 2
		}
		parts = append(parts, fmt.Sprintf("mp4a.40.%d", aot))
	}
	return strings.Join(parts, ",")
}

// Init returns the current init segment and its version. ok is false
// before the first publish.
func (h *Hub) Init() (data []byte, version uint64, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.init, h.initVersion, h.init != nil
}

// CodecString is the codecs parameter of the current init segment.
func (h *Hub) CodecString() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.codecs
}

// Info returns the codec description and type of the latest segment.
func (h *Hub) Info() (segment.Info, string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.info, h.kind
}

// Segment returns the media segment with sequence number seq if it is
// still in the window.
func (h *Hub) Segment(seq uint64) (MediaSegment, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.segments) == 0 {
		return MediaSegment{}, false
	}
	first := h.segments[0].Seq
	if seq < first || seq >= first+uint64(len(h.segments)) {
		return MediaSegment{}, false
	}
	return h.segments[seq-first], true
}

// Segments returns the window, oldest first.
func (h *Hub) Segments() []MediaSegment {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]MediaSegment, len(h.segments))
	copy(out, h.segments)
	return out
}

// Subscribe registers for new segments. The channel is closed by cancel
// or by Close.
func (h *Hub) Subscribe() (<-chan MediaSegment, func()) {
	ch := make(chan MediaSegment, subscriberBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextSub
	h.nextSub++
	h.subs[id] = ch
	n := len(h.subs)
	h.mu.Unlock()
	h.log.Debug("subscriber added", "subscriber", id, "subscribers", n)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
			h.mu.Unlock()
		})
	}
}

// Subscribers is the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts segments not delivered to slow subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close ends every subscription. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}
