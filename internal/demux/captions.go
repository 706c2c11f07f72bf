package demux

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/zsiec/ccx"
)

// Caption is one cue of decoded closed-caption text. Times are 90 kHz
// ticks on the video timeline.
type Caption struct {
	StartPTS int64
	EndPTS   int64
	Text     string
	// Stream is "CC1".."CC4" for CEA-608 or "cc708_N" for CEA-708
	// service N.
	Stream string
}

// CaptionParser decodes CEA-608 and CEA-708 captions carried in H.264
// SEI user data and turns display changes into timed cues. A cue stays
// open until the text on its stream changes or the segment ends.
type CaptionParser struct {
	log *slog.Logger

	cea608 map[int]*ccx.CEA608Decoder
	cea708 map[int]*ccx.CEA708Service
	dtvcc  []byte

	open    map[string]*Caption
	lastPTS int64

	// CEA-608 control codes are sent twice; the repeat is dropped.
	seiCount    int
	lastCtrl    [3][2]byte
	lastWasCtrl [3]bool
	lastCtrlSEI [3]int
}

// NewCaptionParser creates a CaptionParser. If log is nil,
// slog.Default() is used.
func NewCaptionParser(log *slog.Logger) *CaptionParser {
	if log == nil {
		log = slog.Default()
	}
	c := &CaptionParser{log: log.With("component", "captions")}
	c.Reset()
	return c
}

// Push decodes the captions in an SEI NAL unit and returns the cues its
// display changes closed. Other NAL kinds are ignored.
func (c *CaptionParser) Push(nal NALUnit) []Caption {
	if nal.Kind != NALSEI {
		return nil
	}
	c.seiCount++
	c.lastPTS = nal.PTS

	cd := ccx.ExtractCaptions(nal.Data)
	if cd == nil {
		return nil
	}

	var closed []Caption
	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]
		if c.repeatedControl(int(pair.Field), cc1, cc2) {
			continue
		}
		dec := c.cea608[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			closed = c.update(fmt.Sprintf("CC%d", pair.Channel), text, nal.PTS, closed)
		}
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			closed = c.drainDTVCC(nal.PTS, closed)
			c.dtvcc = c.dtvcc[:0]
		}
		c.dtvcc = append(c.dtvcc, t.Data[0], t.Data[1])
	}
	return closed
}

// Flush closes every open cue at the last SEI timestamp seen and returns
// them ordered by start time.
func (c *CaptionParser) Flush() []Caption {
	closed := c.drainDTVCC(c.lastPTS, nil)
	streams := make([]string, 0, len(c.open))
	for s := range c.open {
		streams = append(streams, s)
	}
	sort.Strings(streams)
	for _, s := range streams {
		cue := c.open[s]
		cue.EndPTS = max(c.lastPTS, cue.StartPTS)
		closed = append(closed, *cue)
		delete(c.open, s)
	}
	sort.SliceStable(closed, func(i, j int) bool { return closed[i].StartPTS < closed[j].StartPTS })
	return closed
}

// Reset drops decoder state and open cues.
func (c *CaptionParser) Reset() {
	c.cea608 = map[int]*ccx.CEA608Decoder{
		1: ccx.NewCEA608Decoder(),
		2: ccx.NewCEA608Decoder(),
		3: ccx.NewCEA608Decoder(),
		4: ccx.NewCEA608Decoder(),
	}
	c.cea708 = make(map[int]*ccx.CEA708Service, 6)
	for i := 1; i <= 6; i++ {
		c.cea708[i] = ccx.NewCEA708Service()
	}
	c.dtvcc = c.dtvcc[:0]
	c.open = make(map[string]*Caption)
	c.seiCount = 0
	c.lastWasCtrl = [3]bool{}
}

func (c *CaptionParser) repeatedControl(field int, cc1, cc2 byte) bool {
	if field < 0 || field >= len(c.lastCtrl) {
		return false
	}
	if cc1 < 0x10 || cc1 > 0x1F {
		c.lastWasCtrl[field] = false
		return false
	}
	cp := [2]byte{cc1, cc2}
	if c.lastWasCtrl[field] && c.lastCtrl[field] == cp && c.seiCount-c.lastCtrlSEI[field] <= 2 {
		c.lastWasCtrl[field] = false
		return true
	}
	c.lastCtrl[field] = cp
	c.lastWasCtrl[field] = true
	c.lastCtrlSEI[field] = c.seiCount
	return false
}

func (c *CaptionParser) drainDTVCC(pts int64, closed []Caption) []Caption {
	if len(c.dtvcc) < 1 {
		return closed
	}
	size := ccx.DTVCCPacketSize(c.dtvcc[0])
	if len(c.dtvcc) < size {
		return closed
	}
	for _, block := range ccx.ParseDTVCCPacket(c.dtvcc[:size]) {
		svc := c.cea708[block.ServiceNum]
		if svc == nil || !svc.ProcessBlock(block.Data) {
			continue
		}
		if text := svc.DisplayText(); text != "" {
			closed = c.update(fmt.Sprintf("cc708_%d", block.ServiceNum), text, pts, closed)
		}
	}
	c.dtvcc = c.dtvcc[size:]
	return closed
}

// update records the text now displayed on stream. A change closes the
// open cue at pts and opens a new one.
func (c *CaptionParser) update(stream, text string, pts int64, closed []Caption) []Caption {
	if cue, ok := c.open[stream]; ok {
		if cue.Text == text {
			return closed
		}
		cue.EndPTS = max(pts, cue.StartPTS)
		closed = append(closed, *cue)
	}
	c.open[stream] = &Caption{StartPTS: pts, Text: text, Stream: stream}
	return closed
}
