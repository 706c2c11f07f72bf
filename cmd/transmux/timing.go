package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	gomp4 "github.com/abema/go-mp4"
	"github.com/spf13/pflag"

	"github.com/zsiec/transmux/internal/mp4"
)

// defaultTimescale applies to fragments whose track has no moov entry.
const defaultTimescale = 90000

func runTiming(args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("timing", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: transmux timing [flags] file.m4s...")
		fs.PrintDefaults()
	}
	timescale := fs.Uint32("timescale", defaultTimescale, "timescale for tracks not described by a moov in the file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("timing: no input files")
	}

	for _, path := range fs.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("timing: %w", err)
		}
		frags, err := fragmentTimings(data, *timescale)
		if err != nil {
			return fmt.Errorf("timing: %s: %w", path, err)
		}
		if fs.NArg() > 1 {
			fmt.Fprintf(stdout, "%s:\n", path)
		}
		for _, f := range frags {
			dur := "-"
			if f.Timing.HasDuration {
				dur = fmt.Sprintf("%.6f", f.Timing.Duration)
			}
			fmt.Fprintf(stdout, "moof %d offset=%d track=%d timescale=%d time=%.6f duration=%s\n",
				f.Index, f.Offset, f.TrackID, f.Timescale, f.Timing.Time, dur)
		}
	}
	return nil
}

type fragmentTiming struct {
	Index     int
	Offset    uint64
	TrackID   uint32
	Timescale uint32
	Timing    mp4.FragmentTiming
}

// fragmentTimings reads the timing of every top-level moof in data. A
// moov in the file supplies per-track timescales.
func fragmentTimings(data []byte, fallback uint32) ([]fragmentTiming, error) {
	scales := make(map[uint32]uint32)
	var out []fragmentTiming

	_, err := gomp4.ReadBoxStructure(bytes.NewReader(data), func(h *gomp4.ReadHandle) (interface{}, error) {
		info := h.BoxInfo
		end := info.Offset + info.Size
		if end > uint64(len(data)) {
			return nil, fmt.Errorf("%s box overruns the file", info.Type)
		}
		box := data[info.Offset:end]

		switch info.Type {
		case gomp4.BoxTypeMoov():
			if err := trackTimescales(box, scales); err != nil {
				return nil, err
			}
		case gomp4.BoxTypeMoof():
			id, err := fragmentTrackID(box)
			if err != nil {
				return nil, err
			}
			ts, ok := scales[id]
			if !ok {
				ts = fallback
			}
			timing, ok, err := mp4.ReadFragmentTiming(box, ts)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, fragmentTiming{
					Index:     len(out),
					Offset:    info.Offset,
					TrackID:   id,
					Timescale: ts,
					Timing:    timing,
				})
			}
		}
		return nil, nil
	})
	return out, err
}

func trackTimescales(moov []byte, scales map[uint32]uint32) error {
	tkhds, err := gomp4.ExtractBoxWithPayload(bytes.NewReader(moov), nil,
		gomp4.BoxPath{gomp4.BoxTypeMoov(), gomp4.BoxTypeTrak(), gomp4.BoxTypeTkhd()})
	if err != nil {
		return err
	}
	mdhds, err := gomp4.ExtractBoxWithPayload(bytes.NewReader(moov), nil,
		gomp4.BoxPath{gomp4.BoxTypeMoov(), gomp4.BoxTypeTrak(), gomp4.BoxTypeMdia(), gomp4.BoxTypeMdhd()})
	if err != nil {
		return err
	}
	if len(tkhds) != len(mdhds) {
		return errors.New("moov has a trak without tkhd or mdhd")
	}
	for i := range tkhds {
		scales[tkhds[i].Payload.(*gomp4.Tkhd).TrackID] = mdhds[i].Payload.(*gomp4.Mdhd).Timescale
	}
	return nil
}

func fragmentTrackID(moof []byte) (uint32, error) {
	tfhds, err := gomp4.ExtractBoxWithPayload(bytes.NewReader(moof), nil,
		gomp4.BoxPath{gomp4.BoxTypeMoof(), gomp4.BoxTypeTraf(), gomp4.BoxTypeTfhd()})
	if err != nil {
		return 0, err
	}
	if len(tfhds) == 0 {
		return 0, errors.New("moof without tfhd")
	}
	return tfhds[0].Payload.(*gomp4.Tfhd).TrackID, nil
}
