package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/transmux/internal/certs"
	"github.com/zsiec/transmux/internal/config"
	"github.com/zsiec/transmux/internal/distribution"
	"github.com/zsiec/transmux/internal/ingest"
	srtingest "github.com/zsiec/transmux/internal/ingest/srt"
	"github.com/zsiec/transmux/internal/logging"
	"github.com/zsiec/transmux/internal/metrics"
	"github.com/zsiec/transmux/internal/pipeline"
	"github.com/zsiec/transmux/internal/stream"
)

const shutdownTimeout = 5 * time.Second

func runServe(args []string, stderr io.Writer) error {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.StringP("config", "c", "", "YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	log, closer, err := logging.New(cfg.Log, stderr)
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, log)
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	log.Info("generating self-signed certificate")
	cert, err := certs.Generate(cfg.HTTP.CertValidity, cfg.HTTP.CertHosts...)
	if err != nil {
		return err
	}
	log.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	a := &app{
		cfg: cfg,
		log: log,
		mgr: stream.NewManager(log),
	}
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
		metricsHandler = a.metrics.Handler()
	}

	g, ctx := errgroup.WithContext(ctx)

	// The registry and caller are built after the errgroup so stream
	// sessions end when any component fails.
	a.registry = ingest.NewRegistry(func(s *ingest.Stream, input io.Reader) {
		a.handleStream(ctx, s, input)
	}, log)
	a.srtCaller = srtingest.NewCaller(a.registry, cfg.SRT.Latency, log)

	a.distSrv, err = distribution.NewServer(distribution.ServerConfig{
		Addr:    cfg.HTTP.HTTP3Addr,
		Cert:    cert,
		Window:  cfg.HTTP.Window,
		Metrics: metricsHandler,
		SRTPull: func(address, streamKey, streamID string) error {
			return a.srtCaller.Pull(ctx, srtingest.PullRequest{
				Address:   address,
				StreamKey: streamKey,
				StreamID:  streamID,
			})
		},
		SRTStop:      a.srtCaller.Stop,
		SRTList:      a.listSRTPulls,
		IngestLookup: a.lookupIngest,
		Logger:       log,
	})
	if err != nil {
		return err
	}

	log.Info("transmux starting",
		"version", version,
		"srt", cfg.SRT.Addr,
		"http", cfg.HTTP.Addr,
		"http3", cfg.HTTP.HTTP3Addr,
	)

	if cfg.SRT.Enabled {
		srtSrv := srtingest.NewServer(cfg.SRT.Addr, cfg.SRT.Latency, a.registry, log)
		g.Go(func() error {
			return srtSrv.Start(ctx)
		})
	}

	if cfg.HTTP.Addr != "" {
		httpSrv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           a.distSrv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Info("HTTP server listening", "addr", cfg.HTTP.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	if cfg.HTTP.HTTP3Addr != "" {
		g.Go(func() error {
			return a.distSrv.Start(ctx)
		})
	}

	return g.Wait()
}

type app struct {
	cfg       *config.Config
	log       *slog.Logger
	mgr       *stream.Manager
	registry  *ingest.Registry
	srtCaller *srtingest.Caller
	distSrv   *distribution.Server
	metrics   *metrics.Recorder
}

func (a *app) listSRTPulls() []distribution.SRTPullInfo {
	pulls := a.srtCaller.ActivePulls()
	out := make([]distribution.SRTPullInfo, len(pulls))
	for i, p := range pulls {
		out[i] = distribution.SRTPullInfo{
			Address:   p.Address,
			StreamKey: p.StreamKey,
			StreamID:  p.StreamID,
		}
	}
	return out
}

func (a *app) lookupIngest(key string) *ingest.Stats {
	s, ok := a.registry.Get(key)
	if !ok {
		return nil
	}
	st := s.Stats()
	return &st
}

// handleStream runs one ingest stream through a Segmenter and a
// Transmuxer into the stream's distribution hub until the input ends.
func (a *app) handleStream(ctx context.Context, s *ingest.Stream, input io.Reader) {
	log := a.log.With("stream", s.Key)
	log.Info("new stream from ingest", "protocol", s.Protocol, "format", s.Format)

	st, created := a.mgr.Create(ctx, s.Key, s.Protocol)
	if !created {
		if c, ok := input.(io.Closer); ok {
			c.Close()
		}
		return
	}
	defer a.teardownStream(s.Key, s.Protocol)

	// A blocked read ends when the session does.
	if c, ok := input.(io.Closer); ok {
		stop := context.AfterFunc(st.Context(), func() { c.Close() })
		defer stop()
	}

	hub, stats := a.distSrv.RegisterStream(s.Key, s.Protocol)
	var recorder pipeline.StatsRecorder = stats
	if a.metrics != nil {
		a.metrics.StreamStarted(s.Protocol)
		recorder = pipeline.Tee(stats, a.metrics.For(s.Key))
	}

	tm := pipeline.New(append(a.cfg.Transmux.PipelineOptions(), pipeline.WithLogger(log))...)
	tm.SetStats(recorder)

	seg := ingest.NewSegmenter(a.cfg.SRT.ChunkInterval)
	err := seg.Run(st.Context(), input, func(chunk []byte) error {
		if a.metrics != nil {
			a.metrics.IngestBytes(s.Key, s.Protocol, len(chunk))
		}
		segs, err := tm.PushSegments(chunk)
		if errors.Is(err, pipeline.ErrUnknownFormat) {
			log.Warn("chunk is neither MPEG-TS nor ADTS, skipped", "bytes", len(chunk))
			return nil
		}
		if err != nil {
			return err
		}
		for _, out := range segs {
			hub.Publish(out)
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.ErrClosedPipe) {
		log.Error("transmux session failed", "error", err)
	}
	log.Info("stream ended", "uptime", st.Uptime().Round(time.Second))
}

// teardownStream removes a stream's resources across the distribution
// server, the stream manager and the metrics.
func (a *app) teardownStream(key, protocol string) {
	a.distSrv.UnregisterStream(key)
	a.mgr.Remove(key)
	if a.metrics != nil {
		a.metrics.StreamEnded(key, protocol)
	}
}
