package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/transmux/internal/pipeline"
)

// pushChunk is seven TS packets, one SRT payload.
const pushChunk = 188 * 7

const pushLogInterval = 10 * time.Second

func runPush(args []string, stderr io.Writer) error {
	fs := pflag.NewFlagSet("push", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: transmux push [flags] file.ts")
		fs.PrintDefaults()
	}
	addr := fs.String("addr", "127.0.0.1:6000", "SRT listener address")
	streamID := fs.String("stream-id", "", "SRT stream ID (default live/<file name>)")
	duration := fs.Duration("duration", 0, "media duration of the file (default measured by transmuxing it)")
	loop := fs.Bool("loop", false, "repeat the file until interrupted")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("push: exactly one input file required")
	}
	path := fs.Arg(0)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	if len(data)%188 != 0 {
		slog.Warn("file size is not a whole number of TS packets", "bytes", len(data))
	}

	d := *duration
	if d <= 0 {
		if d, err = mediaDuration(data); err != nil {
			return err
		}
	}
	id := *streamID
	if id == "" {
		base := filepath.Base(path)
		id = "live/" + strings.TrimSuffix(base, filepath.Ext(base))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := slog.Default().With("stream_id", id)
	cfg := srtgo.DefaultConfig()
	cfg.StreamID = id
	conn, err := srtgo.Dial(*addr, cfg)
	if err != nil {
		return fmt.Errorf("push: dial %s: %w", *addr, err)
	}
	defer conn.Close()
	stopClose := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopClose()

	rate := float64(len(data)) / d.Seconds()
	log.Info("pushing", "file", path, "addr", *addr, "duration", d, "bytes_per_sec", int(rate))
	err = pace(ctx, conn, data, rate, *loop, log, time.Now, time.Sleep)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// mediaDuration transmuxes data as one segment and returns the span of
// its reference track.
func mediaDuration(data []byte) (time.Duration, error) {
	tm := pipeline.New(pipeline.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	seg, err := tm.PushSegment(data)
	if err != nil {
		return 0, fmt.Errorf("push: measuring duration: %w", err)
	}
	if seg == nil {
		return 0, errors.New("push: no media found, set --duration")
	}
	t := seg.VideoTiming
	if t == nil {
		t = seg.AudioTiming
	}
	if t == nil || t.EndPTS <= t.StartPTS {
		return 0, errors.New("push: could not measure duration, set --duration")
	}
	return time.Duration(t.EndPTS-t.StartPTS) * time.Second / 90000, nil
}

// pace writes data in SRT-sized chunks at bytesPerSec against one clock
// that runs across loops, so there is no burst at the loop seam.
func pace(ctx context.Context, w io.Writer, data []byte, bytesPerSec float64, loop bool,
	log *slog.Logger, now func() time.Time, sleep func(time.Duration)) error {
	start := now()
	lastLog := start
	var sent int64

	for n := 1; ; n++ {
		for i := 0; i < len(data); i += pushChunk {
			if err := ctx.Err(); err != nil {
				return err
			}
			end := min(i+pushChunk, len(data))
			if _, err := w.Write(data[i:end]); err != nil {
				return fmt.Errorf("push: write: %w", err)
			}
			sent += int64(end - i)

			expected := time.Duration(float64(sent) / bytesPerSec * float64(time.Second))
			if elapsed := now().Sub(start); expected > elapsed {
				sleep(expected - elapsed)
			}

			if t := now(); t.Sub(lastLog) >= pushLogInterval {
				log.Info("push progress", "loop", n, "sent_bytes", sent,
					"rate", int(float64(sent)/t.Sub(start).Seconds()))
				lastLog = t
			}
		}
		if !loop {
			return nil
		}
		log.Debug("loop complete", "loop", n, "sent_bytes", sent)
	}
}
