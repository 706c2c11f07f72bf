package ingest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/transmux/internal/mpegts"
	"github.com/zsiec/transmux/internal/tstest"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newSegmenter(interval time.Duration) (*Segmenter, *clock) {
	c := &clock{t: time.Unix(1000, 0)}
	s := NewSegmenter(interval)
	s.now = c.now
	return s, c
}

func videoOnly(randomAccess bool) *tstest.Muxer {
	cfg := tstest.DefaultMuxConfig()
	cfg.NoAudio = true
	cfg.RandomAccess = randomAccess
	return tstest.NewMuxer(cfg)
}

func TestSegmenter_CutsAtRandomAccess(t *testing.T) {
	t.Parallel()
	m := videoOnly(true)
	first, second := m.Segment(30, 0), m.Segment(30, 0)
	s, c := newSegmenter(time.Second)

	assert.Empty(t, s.Write(first))
	c.t = c.t.Add(time.Second)
	chunks := s.Write(second)
	require.Len(t, chunks, 1)

	// The tables of the second segment precede its keyframe.
	tables := 2 * mpegts.PacketSize
	assert.Equal(t, append(append([]byte{}, first...), second[:tables]...), chunks[0])
	assert.Equal(t, second[tables:], s.Flush())
	assert.Empty(t, s.Flush())
}

func TestSegmenter_WaitsForInterval(t *testing.T) {
	t.Parallel()
	m := videoOnly(true)
	s, c := newSegmenter(time.Second)
	assert.Empty(t, s.Write(m.Segment(30, 0)))
	c.t = c.t.Add(999 * time.Millisecond)
	assert.Empty(t, s.Write(m.Segment(30, 0)))
}

func TestSegmenter_ForcedCut(t *testing.T) {
	t.Parallel()
	m := videoOnly(false)
	first, second := m.Segment(30, 0), m.Segment(30, 0)
	s, c := newSegmenter(time.Second)

	assert.Empty(t, s.Write(first))
	c.t = c.t.Add(4 * time.Second)
	chunks := s.Write(second)
	require.Len(t, chunks, 1)
	// The packetizer holds the last packet of the first write back; it
	// starts a video PES, which is the first unit start seen after the
	// deadline.
	assert.Equal(t, first[:len(first)-mpegts.PacketSize], chunks[0])
}

func TestSegmenter_NoCutBeforeDeadline(t *testing.T) {
	t.Parallel()
	m := videoOnly(false)
	s, c := newSegmenter(time.Second)
	assert.Empty(t, s.Write(m.Segment(30, 0)))
	c.t = c.t.Add(3 * time.Second)
	assert.Empty(t, s.Write(m.Segment(30, 0)), "unit starts without random access wait for the forced cut")
}

func TestSegmenter_SplitWrites(t *testing.T) {
	t.Parallel()
	m := videoOnly(true)
	data := append(m.Segment(30, 0), m.Segment(30, 0)...)
	s, _ := newSegmenter(time.Second)

	var got []byte
	for i := 0; i < len(data); i += 333 {
		for _, c := range s.Write(data[i:min(i+333, len(data))]) {
			got = append(got, c...)
		}
	}
	got = append(got, s.Flush()...)
	assert.Equal(t, data, got)
}

func TestSegmenter_Run(t *testing.T) {
	t.Parallel()
	m := videoOnly(true)
	data := append(m.Segment(30, 0), m.Segment(30, 0)...)
	s, _ := newSegmenter(time.Second)

	var chunks [][]byte
	err := s.Run(context.Background(), bytes.NewReader(data), func(c []byte) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, data, chunks[0])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = NewSegmenter(time.Second).Run(ctx, bytes.NewReader(data), func([]byte) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
