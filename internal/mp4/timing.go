package mp4

import (
	"bytes"
	"fmt"

	gomp4 "github.com/abema/go-mp4"
)

// FragmentTiming is the start time and, when sample durations are
// present, the duration of a fragment in seconds.
type FragmentTiming struct {
	Time        float64
	Duration    float64
	HasDuration bool
}

// ReadFragmentTiming reads the first track fragment of the first moof in
// data. The base media decode time comes from tfdt; the duration is the
// sum of the trun sample durations, falling back to the tfhd default
// duration. ok is false when data holds no moof with a tfdt.
func ReadFragmentTiming(data []byte, timescale uint32) (timing FragmentTiming, ok bool, err error) {
	if timescale == 0 {
		return FragmentTiming{}, false, fmt.Errorf("mp4: zero timescale")
	}

	var (
		seenTraf        bool
		haveTime        bool
		baseTime        uint64
		defaultDuration uint32
		hasDefault      bool
		total           uint64
		hasSamples      bool
	)

	_, err = gomp4.ReadBoxStructure(bytes.NewReader(data), func(h *gomp4.ReadHandle) (interface{}, error) {
		switch h.BoxInfo.Type {
		case gomp4.BoxTypeMoof():
			if seenTraf {
				return nil, nil
			}
			return h.Expand()
		case gomp4.BoxTypeTraf():
			if seenTraf {
				return nil, nil
			}
			seenTraf = true
			return h.Expand()
		case gomp4.BoxTypeTfhd():
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			tfhd := box.(*gomp4.Tfhd)
			if tfhd.CheckFlag(gomp4.TfhdDefaultSampleDurationPresent) {
				defaultDuration, hasDefault = tfhd.DefaultSampleDuration, true
			}
		case gomp4.BoxTypeTfdt():
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			tfdt := box.(*gomp4.Tfdt)
			if tfdt.GetVersion() == 0 {
				baseTime = uint64(tfdt.BaseMediaDecodeTimeV0)
			} else {
				baseTime = tfdt.BaseMediaDecodeTimeV1
			}
			haveTime = true
		case gomp4.BoxTypeTrun():
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			trun := box.(*gomp4.Trun)
			for _, e := range trun.Entries {
				if trun.CheckFlag(trunSampleDurationPresent) {
					total += uint64(e.SampleDuration)
					hasSamples = true
				} else if hasDefault {
					total += uint64(defaultDuration)
					hasSamples = true
				}
			}
		}
		return nil, nil
	})
	if err != nil {
		return FragmentTiming{}, false, fmt.Errorf("mp4: read fragment: %w", err)
	}
	if !haveTime {
		return FragmentTiming{}, false, nil
	}

	timing.Time = float64(baseTime) / float64(timescale)
	if hasSamples && total > 0 {
		timing.Duration = float64(total) / float64(timescale)
		timing.HasDuration = true
	}
	return timing, true, nil
}
