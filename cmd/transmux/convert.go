package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/transmux/internal/config"
	"github.com/zsiec/transmux/internal/logging"
	"github.com/zsiec/transmux/internal/pipeline"
	"github.com/zsiec/transmux/internal/segment"
)

func runConvert(args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("convert", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: transmux convert [flags] segment.ts...")
		fs.PrintDefaults()
	}
	configPath := fs.StringP("config", "c", "", "YAML config file")
	output := fs.StringP("output", "o", "", "output file (default stdout)")
	each := fs.Bool("each", false, "convert every input on its own into <input>.mp4")
	outDir := fs.String("out-dir", "", "directory for --each outputs (default beside each input)")
	jobs := fs.IntP("jobs", "j", runtime.NumCPU(), "parallel conversions with --each")
	seq := fs.Uint32("seq", 0, "mfhd sequence number of the first fragment")
	keep := fs.Bool("keep-timestamps", false, "write the stream's own timestamps as decode times")
	base := fs.Uint64("base-time", 0, "decode time of the first segment in 90 kHz ticks")
	remux := fs.Bool("remux", true, "combine tracks; when false each track gets its own file")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	inputs := fs.Args()
	if len(inputs) == 0 {
		fs.Usage()
		return errors.New("convert: no input files")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	tc := cfg.Transmux
	if fs.Changed("seq") {
		tc.FirstSequenceNumber = *seq
	}
	if fs.Changed("keep-timestamps") {
		tc.KeepOriginalTimestamps = *keep
	}
	if fs.Changed("base-time") {
		tc.BaseMediaDecodeTime = *base
	}
	if fs.Changed("remux") {
		tc.Remux = *remux
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	log, closer, err := logging.New(cfg.Log, stderr)
	if err != nil {
		return err
	}
	defer closer.Close()

	if !*each {
		if *output == "" && !tc.Remux {
			return errors.New("convert: separate track output needs -o")
		}
		sink := newFileSink(*output, tc.Remux, stdout)
		err := convertFiles(inputs, sink, tc, log)
		return errors.Join(err, sink.Close())
	}

	if *output != "" {
		return errors.New("convert: -o cannot be combined with --each")
	}
	g := new(errgroup.Group)
	g.SetLimit(max(1, *jobs))
	for _, in := range inputs {
		g.Go(func() error {
			dst := eachOutput(in, *outDir)
			sink := newFileSink(dst, tc.Remux, nil)
			err := convertFiles([]string{in}, sink, tc, log.With("input", in))
			return errors.Join(err, sink.Close())
		})
	}
	return g.Wait()
}

// convertFiles feeds each input to one Transmuxer as a segment.
func convertFiles(inputs []string, sink *fileSink, tc config.TransmuxConfig, log *slog.Logger) error {
	tm := pipeline.New(append(tc.PipelineOptions(), pipeline.WithLogger(log))...)
	for _, in := range inputs {
		data, err := os.ReadFile(in)
		if err != nil {
			return fmt.Errorf("convert: %w", err)
		}
		segs, err := tm.PushSegments(data)
		if err != nil {
			return fmt.Errorf("convert: %s: %w", in, err)
		}
		if len(segs) == 0 {
			log.Warn("segment produced no output", "input", in)
		}
		for _, seg := range segs {
			log.Debug("segment", "input", in, "type", seg.Type, "bytes", len(seg.Data))
			if err := sink.write(seg); err != nil {
				return fmt.Errorf("convert: %w", err)
			}
		}
	}
	return nil
}

func eachOutput(input, outDir string) string {
	name := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input)) + ".mp4"
	if outDir == "" {
		return filepath.Join(filepath.Dir(input), name)
	}
	return filepath.Join(outDir, name)
}

// fileSink writes one fMP4 file per segment type: the first init
// segment, then every fragment. With remuxing off the type is inserted
// before the extension, as in out.video.mp4.
type fileSink struct {
	path   string
	remux  bool
	stdout io.Writer
	files  map[string]*sinkFile
}

type sinkFile struct {
	w      *bufio.Writer
	c      io.Closer
	inited bool
}

func newFileSink(path string, remux bool, stdout io.Writer) *fileSink {
	return &fileSink{path: path, remux: remux, stdout: stdout, files: make(map[string]*sinkFile)}
}

func (s *fileSink) name(kind string) string {
	if s.remux {
		return s.path
	}
	ext := filepath.Ext(s.path)
	return strings.TrimSuffix(s.path, ext) + "." + kind + ext
}

func (s *fileSink) open(kind string) (*sinkFile, error) {
	key := kind
	if s.remux {
		key = ""
	}
	if f, ok := s.files[key]; ok {
		return f, nil
	}
	var f *sinkFile
	if s.path == "" {
		f = &sinkFile{w: bufio.NewWriter(s.stdout)}
	} else {
		file, err := os.Create(s.name(kind))
		if err != nil {
			return nil, err
		}
		f = &sinkFile{w: bufio.NewWriter(file), c: file}
	}
	s.files[key] = f
	return f, nil
}

func (s *fileSink) write(seg *segment.ConstructedSegment) error {
	f, err := s.open(seg.Type)
	if err != nil {
		return err
	}
	if !f.inited {
		if _, err := f.w.Write(seg.InitSegment); err != nil {
			return err
		}
		f.inited = true
	}
	_, err = f.w.Write(seg.Data)
	return err
}

// Close flushes and closes every file.
func (s *fileSink) Close() error {
	var errs []error
	for _, f := range s.files {
		errs = append(errs, f.w.Flush())
		if f.c != nil {
			errs = append(errs, f.c.Close())
		}
	}
	return errors.Join(errs...)
}
