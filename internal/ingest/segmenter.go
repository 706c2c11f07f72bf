package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/zsiec/transmux/internal/mpegts"
)

// readBufferSize holds ten 7-packet SRT payloads.
const readBufferSize = 1316 * 10

// forceCutFactor bounds a segment at this many intervals when the source
// never flags random access points.
const forceCutFactor = 4

// Segmenter cuts a live transport stream into chunks that each begin on a
// packet boundary. Once the interval has elapsed a chunk ends before the
// next packet that starts a payload unit and flags random access; after
// forceCutFactor intervals any unit start on the cut PID will do.
type Segmenter struct {
	interval time.Duration
	now      func() time.Time

	packets *mpegts.Packetizer
	chunk   []byte
	started time.Time

	cutPID    uint16
	hasCutPID bool
}

// NewSegmenter returns a Segmenter cutting at roughly interval.
func NewSegmenter(interval time.Duration) *Segmenter {
	return &Segmenter{
		interval: interval,
		now:      time.Now,
		packets:  mpegts.NewPacketizer(),
	}
}

// Write adds stream bytes and returns the chunks completed by them.
func (s *Segmenter) Write(p []byte) [][]byte {
	var out [][]byte
	s.packets.Push(p)
	for {
		pkt, ok := s.packets.Next()
		if !ok {
			return out
		}
		if c := s.add(pkt); c != nil {
			out = append(out, c)
		}
	}
}

// Flush returns whatever has been buffered as a final chunk.
func (s *Segmenter) Flush() []byte {
	if pkt, ok := s.packets.Flush(); ok {
		s.chunk = append(s.chunk, pkt...)
	}
	out := s.chunk
	s.chunk = nil
	return out
}

func (s *Segmenter) add(pkt []byte) []byte {
	var done []byte
	flags, err := mpegts.ReadPacketFlags(pkt)
	if err == nil && len(s.chunk) > 0 && s.isCut(flags) {
		done = s.chunk
		s.chunk = nil
	}
	if len(s.chunk) == 0 {
		s.started = s.now()
	}
	s.chunk = append(s.chunk, pkt...)
	return done
}

func (s *Segmenter) isCut(f mpegts.PacketFlags) bool {
	if !f.UnitStart {
		return false
	}
	if f.RandomAccess && !s.hasCutPID {
		s.cutPID, s.hasCutPID = f.PID, true
	}
	elapsed := s.now().Sub(s.started)
	if elapsed < s.interval {
		return false
	}
	if f.RandomAccess {
		return true
	}
	return elapsed >= forceCutFactor*s.interval && (!s.hasCutPID || f.PID == s.cutPID)
}

// Run copies r through the Segmenter, handing every chunk to emit, until
// r ends or ctx is done. The trailing partial chunk is emitted on EOF.
func (s *Segmenter) Run(ctx context.Context, r io.Reader, emit func([]byte) error) error {
	buf := make([]byte, readBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			for _, c := range s.Write(buf[:n]) {
				if err := emit(c); err != nil {
					return err
				}
			}
		}
		if errors.Is(err, io.EOF) {
			if c := s.Flush(); len(c) > 0 {
				return emit(c)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("ingest: read: %w", err)
		}
	}
}
