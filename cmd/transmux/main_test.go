package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	gomp4 "github.com/abema/go-mp4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/transmux/internal/certs"
	"github.com/zsiec/transmux/internal/config"
	"github.com/zsiec/transmux/internal/distribution"
	"github.com/zsiec/transmux/internal/ingest"
	"github.com/zsiec/transmux/internal/metrics"
	"github.com/zsiec/transmux/internal/stream"
	"github.com/zsiec/transmux/internal/tstest"
)

func writeSegments(t *testing.T, dir string, n int) []string {
	t.Helper()
	m := tstest.NewMuxer(tstest.DefaultMuxConfig())
	var paths []string
	for i := range n {
		p := filepath.Join(dir, "seg"+string(rune('0'+i))+".ts")
		require.NoError(t, os.WriteFile(p, m.Segment(30, 47), 0o644))
		paths = append(paths, p)
	}
	return paths
}

func topLevel(t *testing.T, data []byte) []string {
	t.Helper()
	var types []string
	_, err := gomp4.ReadBoxStructure(bytes.NewReader(data), func(h *gomp4.ReadHandle) (interface{}, error) {
		types = append(types, h.BoxInfo.Type.String())
		return nil, nil
	})
	require.NoError(t, err)
	return types
}

func TestRun_Commands(t *testing.T) {
	t.Parallel()
	var out, errOut bytes.Buffer
	require.NoError(t, run([]string{"version"}, &out, &errOut))
	assert.Equal(t, version+"\n", out.String())

	out.Reset()
	require.NoError(t, run([]string{"help"}, &out, &errOut))
	assert.Contains(t, out.String(), "convert")

	assert.Error(t, run(nil, &out, &errOut))
	assert.ErrorContains(t, run([]string{"mux"}, &out, &errOut), `unknown command "mux"`)
	assert.NoError(t, run([]string{"convert", "--help"}, &out, &errOut))
}

func TestRun_Convert(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	inputs := writeSegments(t, dir, 2)
	dst := filepath.Join(dir, "out.mp4")

	var out, errOut bytes.Buffer
	args := append([]string{"convert", "-o", dst, "--log-level", "error"}, inputs...)
	require.NoError(t, run(args, &out, &errOut))
	assert.Zero(t, out.Len())

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"ftyp", "moov",
		"moof", "mdat", "moof", "mdat",
		"moof", "mdat", "moof", "mdat",
	}, topLevel(t, data))
}

func TestRun_ConvertStdout(t *testing.T) {
	t.Parallel()
	inputs := writeSegments(t, t.TempDir(), 1)

	var out, errOut bytes.Buffer
	require.NoError(t, run(append([]string{"convert", "--seq", "5"}, inputs...), &out, &errOut))
	assert.Equal(t, []string{"ftyp", "moov", "moof", "mdat", "moof", "mdat"}, topLevel(t, out.Bytes()))
}

func TestRun_ConvertSeparateTracks(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	inputs := writeSegments(t, dir, 2)
	dst := filepath.Join(dir, "out.mp4")

	var out, errOut bytes.Buffer
	require.NoError(t, run(append([]string{"convert", "--remux=false", "-o", dst}, inputs...), &out, &errOut))

	for _, kind := range []string{"video", "audio"} {
		data, err := os.ReadFile(filepath.Join(dir, "out."+kind+".mp4"))
		require.NoError(t, err, kind)
		assert.Equal(t, []string{"ftyp", "moov", "moof", "mdat", "moof", "mdat"}, topLevel(t, data), kind)
	}

	err := run(append([]string{"convert", "--remux=false"}, inputs...), &out, &errOut)
	assert.ErrorContains(t, err, "needs -o")
}

func TestRun_ConvertEach(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	inputs := writeSegments(t, dir, 3)
	outDir := t.TempDir()

	var out, errOut bytes.Buffer
	args := append([]string{"convert", "--each", "--out-dir", outDir, "-j", "2"}, inputs...)
	require.NoError(t, run(args, &out, &errOut))

	for _, in := range inputs {
		name := strings.TrimSuffix(filepath.Base(in), ".ts") + ".mp4"
		data, err := os.ReadFile(filepath.Join(outDir, name))
		require.NoError(t, err)
		assert.Equal(t, []string{"ftyp", "moov", "moof", "mdat", "moof", "mdat"}, topLevel(t, data))
	}

	err := run(append([]string{"convert", "--each", "-o", "x.mp4"}, inputs...), &out, &errOut)
	assert.Error(t, err)
}

func TestRun_ConvertErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	junk := filepath.Join(dir, "junk.ts")
	require.NoError(t, os.WriteFile(junk, bytes.Repeat([]byte{0x00, 0x11}, 500), 0o644))

	var out, errOut bytes.Buffer
	assert.ErrorContains(t, run([]string{"convert"}, &out, &errOut), "no input files")
	assert.ErrorContains(t, run([]string{"convert", filepath.Join(dir, "missing.ts")}, &out, &errOut), "convert")
	assert.ErrorContains(t, run([]string{"convert", "-o", filepath.Join(dir, "o.mp4"), junk}, &out, &errOut), "neither")
}

func TestRun_Timing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	inputs := writeSegments(t, dir, 2)
	dst := filepath.Join(dir, "out.mp4")

	var out, errOut bytes.Buffer
	require.NoError(t, run(append([]string{"convert", "-o", dst}, inputs...), &out, &errOut))

	out.Reset()
	require.NoError(t, run([]string{"timing", dst}, &out, &errOut))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)

	// Audio fragments come first in each segment.
	assert.Contains(t, lines[0], "moof 0")
	assert.Contains(t, lines[0], "track=257 timescale=48000 time=0.000000")
	assert.Contains(t, lines[1], "track=256 timescale=90000 time=0.000000 duration=1.000000")
	assert.Contains(t, lines[2], "track=257 timescale=48000 time=1.002667")
	assert.Contains(t, lines[3], "track=256 timescale=90000 time=1.000000")

	assert.ErrorContains(t, run([]string{"timing"}, &out, &errOut), "no input files")
}

func TestFragmentTimings_Fallback(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	inputs := writeSegments(t, dir, 1)
	dst := filepath.Join(dir, "out.mp4")
	var out, errOut bytes.Buffer
	require.NoError(t, run([]string{"convert", "-o", dst, inputs[0]}, &out, &errOut))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)

	// Drop ftyp and moov so no timescales are known.
	types := topLevel(t, data)
	require.Equal(t, "moof", types[2])
	var mediaStart uint64
	_, err = gomp4.ReadBoxStructure(bytes.NewReader(data), func(h *gomp4.ReadHandle) (interface{}, error) {
		if h.BoxInfo.Type == gomp4.BoxTypeMoof() && mediaStart == 0 {
			mediaStart = h.BoxInfo.Offset
		}
		return nil, nil
	})
	require.NoError(t, err)

	frags, err := fragmentTimings(data[mediaStart:], 1000)
	require.NoError(t, err)
	require.Len(t, frags, 2)
	assert.Equal(t, uint32(1000), frags[0].Timescale)
	assert.Equal(t, uint64(0), frags[0].Offset)
}

func TestApp_HandleStream(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cert, err := certs.Generate(0)
	require.NoError(t, err)

	a := &app{
		cfg:     cfg,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		mgr:     stream.NewManager(nil),
		metrics: metrics.New(),
	}
	a.distSrv, err = distribution.NewServer(distribution.ServerConfig{Cert: cert})
	require.NoError(t, err)
	a.registry = ingest.NewRegistry(func(s *ingest.Stream, input io.Reader) {
		a.handleStream(context.Background(), s, input)
	}, nil)

	hub, stats := a.distSrv.RegisterStream("live", "srt")
	feed, cancel := hub.Subscribe()
	defer cancel()

	_, w, err := a.registry.Register("live", "srt", ingest.FormatMPEGTS)
	require.NoError(t, err)
	m := tstest.NewMuxer(tstest.DefaultMuxConfig())
	_, err = w.Write(m.Segment(30, 47))
	require.NoError(t, err)
	a.registry.Unregister("live")

	var got []distribution.MediaSegment
	for ms := range feed {
		got = append(got, ms)
	}
	require.NotEmpty(t, got)
	assert.Equal(t, "combined", got[0].Type)
	assert.Equal(t, int64(1), stats.Snapshot().Segments["combined"])
	assert.Nil(t, a.distSrv.Hub("live"))
	_, live := a.mgr.Get("live")
	assert.False(t, live)
}
