package mp4

import (
	"github.com/icza/bitio"
)

// InitSegment returns ftyp followed by a moov describing tracks.
func InitSegment(tracks []*Track) []byte {
	return Encode(Ftyp(), Moov(tracks))
}

// Ftyp returns the file type box: isom, minor version 1, compatible with
// isom and avc1.
func Ftyp() Boxes {
	return Boxes{Box: &ftyp{
		MajorBrand:       boxType("isom"),
		MinorVersion:     1,
		CompatibleBrands: []BoxType{boxType("isom"), boxType("avc1")},
	}}
}

// Moov returns the movie box: mvhd, one trak per track, and mvex.
func Moov(tracks []*Track) Boxes {
	moov := container("moov", Boxes{Box: &mvhd{Duration: 0xFFFFFFFF}})
	for _, t := range tracks {
		moov.Children = append(moov.Children, trak(t))
	}
	mvex := container("mvex")
	for _, t := range tracks {
		mvex.Children = append(mvex.Children, Boxes{Box: &trex{Track: t}})
	}
	moov.Children = append(moov.Children, mvex)
	return moov
}

func trak(t *Track) Boxes {
	return container("trak",
		Boxes{Box: &tkhd{Track: t}},
		container("mdia",
			Boxes{Box: &mdhd{Track: t}},
			Boxes{Box: hdlrFor(t.Kind)},
			minf(t),
		),
	)
}

func minf(t *Track) Boxes {
	header := raw("smhd", make([]byte, 8))
	if t.Kind == TrackVideo {
		header = raw("vmhd", []byte{0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0})
	}
	dref := raw("dref", []byte{
		0, 0, 0, 0, // version, flags
		0, 0, 0, 1, // entry_count
		0, 0, 0, 12, 'u', 'r', 'l', ' ',
		0, 0, 0, 1, // self-contained
	})
	return container("minf",
		header,
		container("dinf", dref),
		stbl(t),
	)
}

// stbl carries only the sample description; samples live in fragments.
func stbl(t *Track) Boxes {
	stsd := Boxes{Box: &Raw{BoxType: boxType("stsd"), Payload: []byte{0, 0, 0, 0, 0, 0, 0, 1}}}
	if t.Kind == TrackVideo {
		stsd.Children = []Boxes{avc1(t)}
	} else {
		stsd.Children = []Boxes{mp4a(t)}
	}
	return container("stbl",
		stsd,
		raw("stts", make([]byte, 8)),
		raw("stsc", make([]byte, 8)),
		raw("stsz", make([]byte, 12)),
		raw("stco", make([]byte, 8)),
	)
}

func avc1(t *Track) Boxes {
	b := Boxes{
		Box: &visualSampleEntry{Width: uint16(t.Width), Height: uint16(t.Height)},
		Children: []Boxes{
			{Box: &avcC{Track: t}},
			raw("btrt", []byte{
				0x00, 0x1C, 0x9C, 0x80, // bufferSizeDB
				0x00, 0x2D, 0xC6, 0xC0, // maxBitrate
				0x00, 0x2D, 0xC6, 0xC0, // avgBitrate
			}),
		},
	}
	if t.SarRatio[0] > 0 && t.SarRatio[1] > 0 {
		b.Children = append(b.Children, Boxes{Box: &pasp{HSpacing: uint32(t.SarRatio[0]), VSpacing: uint32(t.SarRatio[1])}})
	}
	return b
}

func mp4a(t *Track) Boxes {
	return Boxes{
		Box:      &audioSampleEntry{Track: t},
		Children: []Boxes{{Box: &esds{Track: t}}},
	}
}

/*************************** ftyp ****************************/

type ftyp struct {
	MajorBrand       BoxType
	MinorVersion     uint32
	CompatibleBrands []BoxType
}

func (*ftyp) Type() BoxType { return boxType("ftyp") }

func (b *ftyp) Size() int { return 8 + 4*len(b.CompatibleBrands) }

func (b *ftyp) Marshal(w *bitio.Writer) error {
	w.TryWrite(b.MajorBrand[:])
	put32(w, b.MinorVersion)
	for _, brand := range b.CompatibleBrands {
		w.TryWrite(brand[:])
	}
	return w.TryError
}

/*************************** mvhd ****************************/

type mvhd struct {
	Duration uint32
}

func (*mvhd) Type() BoxType { return boxType("mvhd") }

func (*mvhd) Size() int { return 100 }

func (b *mvhd) Marshal(w *bitio.Writer) error {
	FullBox{}.marshalField(w)
	put32(w, 1) // creation_time
	put32(w, 2) // modification_time
	put32(w, VideoTimescale)
	put32(w, b.Duration)
	put32(w, 0x00010000) // rate 1.0
	put16(w, 0x0100)     // volume 1.0
	w.TryWrite(make([]byte, 10))
	putMatrix(w)
	w.TryWrite(make([]byte, 24)) // pre_defined
	put32(w, 0xFFFFFFFF)         // next_track_ID
	return w.TryError
}

/*************************** tkhd ****************************/

type tkhd struct {
	Track *Track
}

func (*tkhd) Type() BoxType { return boxType("tkhd") }

func (*tkhd) Size() int { return 84 }

// Marshal writes an enabled, in-movie, in-preview track header.
func (b *tkhd) Marshal(w *bitio.Writer) error {
	FullBox{Flags: 0x000007}.marshalField(w)
	put32(w, 0) // creation_time
	put32(w, 0) // modification_time
	put32(w, b.Track.ID)
	put32(w, 0) // reserved
	put32(w, b.Track.duration())
	w.TryWrite(make([]byte, 8))
	put16(w, 0)      // layer
	put16(w, 0)      // alternate_group
	put16(w, 0x0100) // volume
	put16(w, 0)
	putMatrix(w)
	put32(w, uint32(b.Track.Width)<<16)
	put32(w, uint32(b.Track.Height)<<16)
	return w.TryError
}

/*************************** mdhd ****************************/

type mdhd struct {
	Track *Track
}

func (*mdhd) Type() BoxType { return boxType("mdhd") }

func (*mdhd) Size() int { return 24 }

func (b *mdhd) Marshal(w *bitio.Writer) error {
	FullBox{}.marshalField(w)
	put32(w, 2) // creation_time
	put32(w, 3) // modification_time
	put32(w, b.Track.Timescale())
	put32(w, b.Track.duration())
	put16(w, 0x55C4) // "und"
	put16(w, 0)
	return w.TryError
}

/*************************** hdlr ****************************/

func hdlrFor(kind TrackKind) *Raw {
	handler, name := "vide", "VideoHandler"
	if kind == TrackAudio {
		handler, name = "soun", "SoundHandler"
	}
	payload := make([]byte, 8, 8+4+12+len(name)+1)
	payload = append(payload, handler...)
	payload = append(payload, make([]byte, 12)...)
	payload = append(payload, name...)
	payload = append(payload, 0)
	return &Raw{BoxType: boxType("hdlr"), Payload: payload}
}

/*************************** avc1 ****************************/

const compressorName = "transmux"

type visualSampleEntry struct {
	Width  uint16
	Height uint16
}

func (*visualSampleEntry) Type() BoxType { return boxType("avc1") }

func (*visualSampleEntry) Size() int { return 78 }

func (b *visualSampleEntry) Marshal(w *bitio.Writer) error {
	w.TryWrite(make([]byte, 6)) // reserved
	put16(w, 1)                 // data_reference_index
	w.TryWrite(make([]byte, 16))
	put16(w, b.Width)
	put16(w, b.Height)
	put32(w, 0x00480000) // horizresolution 72 dpi
	put32(w, 0x00480000) // vertresolution 72 dpi
	put32(w, 0)          // reserved
	put16(w, 1)          // frame_count
	var name [32]byte
	name[0] = byte(copy(name[1:], compressorName))
	w.TryWrite(name[:])
	put16(w, 0x0018) // depth
	put16(w, 0x1111) // pre_defined
	return w.TryError
}

/*************************** avcC ****************************/

type avcC struct {
	Track *Track
}

func (*avcC) Type() BoxType { return boxType("avcC") }

func (b *avcC) Size() int {
	n := 7
	for _, s := range b.Track.SPS {
		n += 2 + len(s)
	}
	for _, p := range b.Track.PPS {
		n += 2 + len(p)
	}
	return n
}

// Marshal writes an AVCDecoderConfigurationRecord with 4-byte NAL
// lengths.
func (b *avcC) Marshal(w *bitio.Writer) error {
	t := b.Track
	put8(w, 1) // configurationVersion
	put8(w, t.ProfileIdc)
	put8(w, t.ProfileCompatibility)
	put8(w, t.LevelIdc)
	put8(w, 0xFF) // lengthSizeMinusOne 3
	put8(w, 0xE0|uint8(len(t.SPS)&0x1F))
	for _, s := range t.SPS {
		put16(w, uint16(len(s)))
		w.TryWrite(s)
	}
	put8(w, uint8(len(t.PPS)))
	for _, p := range t.PPS {
		put16(w, uint16(len(p)))
		w.TryWrite(p)
	}
	return w.TryError
}

/*************************** pasp ****************************/

type pasp struct {
	HSpacing uint32
	VSpacing uint32
}

func (*pasp) Type() BoxType { return boxType("pasp") }

func (*pasp) Size() int { return 8 }

func (b *pasp) Marshal(w *bitio.Writer) error {
	put32(w, b.HSpacing)
	put32(w, b.VSpacing)
	return w.TryError
}

/*************************** mp4a ****************************/

type audioSampleEntry struct {
	Track *Track
}

func (*audioSampleEntry) Type() BoxType { return boxType("mp4a") }

func (*audioSampleEntry) Size() int { return 28 }

func (b *audioSampleEntry) Marshal(w *bitio.Writer) error {
	w.TryWrite(make([]byte, 6)) // reserved
	put16(w, 1)                 // data_reference_index
	w.TryWrite(make([]byte, 8))
	put16(w, uint16(b.Track.ChannelCount))
	put16(w, uint16(b.Track.SampleSize))
	put16(w, 0) // pre_defined
	put16(w, 0)
	put16(w, uint16(b.Track.SampleRate))
	put16(w, 0) // samplerate is 16.16 fixed point
	return w.TryError
}

/*************************** esds ****************************/

type esds struct {
	Track *Track
}

func (*esds) Type() BoxType { return boxType("esds") }

func (*esds) Size() int { return 31 }

// Marshal writes an ES_Descriptor holding a DecoderConfigDescriptor for
// MPEG-4 audio and a two-byte AudioSpecificConfig.
func (b *esds) Marshal(w *bitio.Writer) error {
	t := b.Track
	FullBox{}.marshalField(w)
	w.TryWrite([]byte{
		0x03, 0x19, // ES_DescrTag, length
		0x00, 0x00, // ES_ID
		0x00,       // flags
		0x04, 0x11, // DecoderConfigDescrTag, length
		0x40,             // objectTypeIndication: MPEG-4 audio
		0x15,             // streamType audio, upstream 0, reserved 1
		0x00, 0x06, 0x00, // bufferSizeDB
		0x00, 0x00, 0xDA, 0xC0, // maxBitrate
		0x00, 0x00, 0xDA, 0xC0, // avgBitrate
		0x05, 0x02, // DecSpecificInfoTag, length
	})
	w.TryWrite(AudioSpecificConfig(t.AudioObjectType, t.SamplingFrequencyIndex, t.ChannelCount))
	w.TryWrite([]byte{0x06, 0x01, 0x02}) // SLConfigDescriptor
	return w.TryError
}

// AudioSpecificConfig packs the two-byte MPEG-4 AudioSpecificConfig:
// 5 bits object type, 4 bits frequency index, 4 bits channel config.
func AudioSpecificConfig(objectType, freqIndex, channels int) []byte {
	return []byte{
		byte(objectType<<3) | byte(freqIndex>>1)&0x07,
		byte(freqIndex<<7) | byte(channels<<3)&0x78,
	}
}

/*************************** trex ****************************/

type trex struct {
	Track *Track
}

func (*trex) Type() BoxType { return boxType("trex") }

func (*trex) Size() int { return 24 }

func (b *trex) Marshal(w *bitio.Writer) error {
	FullBox{}.marshalField(w)
	put32(w, b.Track.ID)
	put32(w, 1) // default_sample_description_index
	put32(w, 0) // default_sample_duration
	put32(w, 0) // default_sample_size
	if b.Track.Kind == TrackVideo {
		put32(w, 0x00010001)
	} else {
		put32(w, 0x00010000)
	}
	return w.TryError
}
