package mp4

import "github.com/icza/bitio"

// trun flags.
const (
	trunDataOffsetPresent            = 0x000001
	trunSampleDurationPresent        = 0x000100
	trunSampleSizePresent            = 0x000200
	trunSampleFlagsPresent           = 0x000400
	trunSampleCompositionTimePresent = 0x000800
)

// tfhd flags: sample description index and default duration, size and
// flags present. The defaults are written as zero and overridden by
// every trun entry.
const tfhdFlags = 0x00003A

// Fragment returns moof followed by mdat for tracks. Each track's
// samples must be laid out in data in track order.
func Fragment(sequenceNumber uint32, tracks []*Track, data []byte) []byte {
	return Encode(Moof(sequenceNumber, tracks), Mdat(data))
}

// Mdat returns a media data box around data.
func Mdat(data []byte) Boxes {
	return raw("mdat", data)
}

// Moof returns the movie fragment box. Every trun's data offset points
// into the mdat that directly follows the moof.
func Moof(sequenceNumber uint32, tracks []*Track) Boxes {
	moof := container("moof", Boxes{Box: &mfhd{SequenceNumber: sequenceNumber}})
	runs := make([]*trun, len(tracks))
	for i, t := range tracks {
		runs[i] = &trun{Track: t}
		traf := container("traf",
			Boxes{Box: &tfhd{TrackID: t.ID}},
			Boxes{Box: &tfdt{BaseMediaDecodeTime: t.BaseMediaDecodeTime}},
			Boxes{Box: runs[i]},
		)
		if t.Kind == TrackVideo {
			traf.Children = append(traf.Children, Boxes{Box: &sdtp{Samples: t.Samples}})
		}
		moof.Children = append(moof.Children, traf)
	}

	offset := moof.Size() + 8
	for i, t := range tracks {
		runs[i].DataOffset = int32(offset)
		for _, s := range t.Samples {
			offset += int(s.Size)
		}
	}
	return moof
}

/*************************** mfhd ****************************/

type mfhd struct {
	SequenceNumber uint32
}

func (*mfhd) Type() BoxType { return boxType("mfhd") }

func (*mfhd) Size() int { return 8 }

func (b *mfhd) Marshal(w *bitio.Writer) error {
	FullBox{}.marshalField(w)
	put32(w, b.SequenceNumber)
	return w.TryError
}

/*************************** tfhd ****************************/

type tfhd struct {
	TrackID uint32
}

func (*tfhd) Type() BoxType { return boxType("tfhd") }

func (*tfhd) Size() int { return 24 }

func (b *tfhd) Marshal(w *bitio.Writer) error {
	FullBox{Flags: tfhdFlags}.marshalField(w)
	put32(w, b.TrackID)
	put32(w, 1) // sample_description_index
	put32(w, 0) // default_sample_duration
	put32(w, 0) // default_sample_size
	put32(w, 0) // default_sample_flags
	return w.TryError
}

/*************************** tfdt ****************************/

type tfdt struct {
	BaseMediaDecodeTime uint64
}

func (*tfdt) Type() BoxType { return boxType("tfdt") }

func (*tfdt) Size() int { return 12 }

func (b *tfdt) Marshal(w *bitio.Writer) error {
	FullBox{Version: 1}.marshalField(w)
	put32(w, uint32(b.BaseMediaDecodeTime>>32))
	put32(w, uint32(b.BaseMediaDecodeTime))
	return w.TryError
}

/*************************** trun ****************************/

type trun struct {
	Track      *Track
	DataOffset int32
}

func (*trun) Type() BoxType { return boxType("trun") }

func (b *trun) entrySize() int {
	if b.Track.Kind == TrackVideo {
		return 16
	}
	return 8
}

func (b *trun) flags() uint32 {
	f := uint32(trunDataOffsetPresent)
	if len(b.Track.Samples) == 0 {
		return f
	}
	f |= trunSampleDurationPresent | trunSampleSizePresent
	if b.Track.Kind == TrackVideo {
		f |= trunSampleFlagsPresent | trunSampleCompositionTimePresent
	}
	return f
}

func (b *trun) Size() int {
	return 12 + b.entrySize()*len(b.Track.Samples)
}

func (b *trun) Marshal(w *bitio.Writer) error {
	FullBox{Flags: b.flags()}.marshalField(w)
	put32(w, uint32(len(b.Track.Samples)))
	put32(w, uint32(b.DataOffset))
	for _, s := range b.Track.Samples {
		put32(w, s.Duration)
		put32(w, s.Size)
		if b.Track.Kind == TrackVideo {
			put32(w, s.Flags.Uint32())
			put32(w, uint32(s.CompositionTimeOffset))
		}
	}
	return w.TryError
}

/*************************** sdtp ****************************/

type sdtp struct {
	Samples []Sample
}

func (*sdtp) Type() BoxType { return boxType("sdtp") }

func (b *sdtp) Size() int { return 4 + len(b.Samples) }

func (b *sdtp) Marshal(w *bitio.Writer) error {
	FullBox{}.marshalField(w)
	for _, s := range b.Samples {
		put8(w, s.Flags.sdtpByte())
	}
	return w.TryError
}
