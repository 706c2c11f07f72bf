package tstest

import (
	"bytes"
	"encoding/binary"

	"github.com/icza/bitio"
)

// ADTSFrame returns an ADTS frame carrying payload. sampleRateIndex and
// channels are written into the header; crc adds the optional 2-byte CRC
// (zeroed).
func ADTSFrame(sampleRateIndex, channels int, payload []byte, crc bool) []byte {
	headerLen := 7
	protectionAbsent := byte(1)
	if crc {
		headerLen = 9
		protectionAbsent = 0
	}
	frameLen := headerLen + len(payload)
	const profile = 1 // AAC LC, written as object type - 1

	hdr := make([]byte, headerLen)
	hdr[0] = 0xFF
	hdr[1] = 0xF0 | protectionAbsent
	hdr[2] = profile<<6 | byte(sampleRateIndex&0x0F)<<2 | byte(channels>>2)&0x01
	hdr[3] = byte(channels&0x03)<<6 | byte(frameLen>>11)&0x03
	hdr[4] = byte(frameLen >> 3)
	hdr[5] = byte(frameLen&0x07)<<5 | 0x1F
	hdr[6] = 0xFC
	return append(hdr, payload...)
}

// AnnexB joins NAL units with 4-byte start codes.
func AnnexB(nals ...[]byte) []byte {
	var out []byte
	for _, nal := range nals {
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, nal...)
	}
	return out
}

// NAL unit bodies used by the segment builder.
var (
	AUD = []byte{0x09, 0xF0}
	PPS = []byte{0x68, 0xCE, 0x3C, 0x80}
)

// Slice returns a coded slice NAL: IDR (type 5) when key is set, non-IDR
// (type 1) otherwise. seq varies the payload so frames differ.
func Slice(key bool, seq int) []byte {
	hdr := byte(0x41)
	if key {
		hdr = 0x65
	}
	return []byte{hdr, 0x88, 0x80 | byte(seq&0x7F), 0x21, 0x43, 0x9A}
}

// SPSConfig describes a sequence parameter set for SPS.
type SPSConfig struct {
	ProfileIdc    uint8
	Constraints   uint8
	LevelIdc      uint8
	Width         int
	Height        int
	Interlaced    bool
	ScalingMatrix bool
	POCType       int
	// AspectRatioIdc > 0 writes VUI aspect ratio info. 255 uses SARWidth
	// and SARHeight.
	AspectRatioIdc uint8
	SARWidth       uint16
	SARHeight      uint16
}

// SPS encodes cfg as an SPS NAL unit, including the NAL header and
// emulation prevention bytes.
func SPS(cfg SPSConfig) []byte {
	var buf bytes.Buffer
	w := bitio.NewWriter(&buf)

	_ = w.WriteBits(uint64(cfg.ProfileIdc), 8)
	_ = w.WriteBits(uint64(cfg.Constraints), 8)
	_ = w.WriteBits(uint64(cfg.LevelIdc), 8)
	writeUE(w, 0) // seq_parameter_set_id

	switch cfg.ProfileIdc {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134:
		writeUE(w, 1) // chroma_format_idc 4:2:0
		writeUE(w, 0) // bit_depth_luma_minus8
		writeUE(w, 0) // bit_depth_chroma_minus8
		_ = w.WriteBool(false)
		_ = w.WriteBool(cfg.ScalingMatrix)
		if cfg.ScalingMatrix {
			for i := 0; i < 8; i++ {
				present := i == 0 || i == 6
				_ = w.WriteBool(present)
				if !present {
					continue
				}
				size := 16
				if i >= 6 {
					size = 64
				}
				// Alternate deltas so the list walks through several
				// scale values without hitting zero.
				for j := 0; j < size; j++ {
					if j%2 == 0 {
						writeSE(w, 1)
					} else {
						writeSE(w, -1)
					}
				}
			}
		}
	}

	writeUE(w, 0) // log2_max_frame_num_minus4
	writeUE(w, uint64(cfg.POCType))
	switch cfg.POCType {
	case 0:
		writeUE(w, 2) // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		_ = w.WriteBool(false)
		writeSE(w, -1)
		writeSE(w, 2)
		writeUE(w, 2)
		writeSE(w, 3)
		writeSE(w, -4)
	}
	writeUE(w, 1) // max_num_ref_frames
	_ = w.WriteBool(false)

	mbWidth := (cfg.Width + 15) / 16
	mapUnitHeight := 16
	if cfg.Interlaced {
		mapUnitHeight = 32
	}
	mbHeight := (cfg.Height + mapUnitHeight - 1) / mapUnitHeight
	writeUE(w, uint64(mbWidth-1))
	writeUE(w, uint64(mbHeight-1))
	_ = w.WriteBool(!cfg.Interlaced) // frame_mbs_only_flag
	if cfg.Interlaced {
		_ = w.WriteBool(false) // mb_adaptive_frame_field_flag
	}
	_ = w.WriteBool(true) // direct_8x8_inference_flag

	cropRight := (mbWidth*16 - cfg.Width) / 2
	cropBottom := (mbHeight*mapUnitHeight - cfg.Height) / 2
	cropping := cropRight > 0 || cropBottom > 0
	_ = w.WriteBool(cropping)
	if cropping {
		writeUE(w, 0)
		writeUE(w, uint64(cropRight))
		writeUE(w, 0)
		writeUE(w, uint64(cropBottom))
	}

	_ = w.WriteBool(cfg.AspectRatioIdc > 0) // vui_parameters_present_flag
	if cfg.AspectRatioIdc > 0 {
		_ = w.WriteBool(true)
		_ = w.WriteBits(uint64(cfg.AspectRatioIdc), 8)
		if cfg.AspectRatioIdc == 255 {
			_ = w.WriteBits(uint64(cfg.SARWidth), 16)
			_ = w.WriteBits(uint64(cfg.SARHeight), 16)
		}
		_ = w.WriteBits(0, 8) // remaining VUI flags unset
	}

	_ = w.WriteBool(true) // rbsp_stop_one_bit
	w.Close()

	return append([]byte{0x67}, AddEPB(buf.Bytes())...)
}

func writeUE(w *bitio.Writer, v uint64) {
	x := v + 1
	n := uint8(0)
	for t := x; t > 1; t >>= 1 {
		n++
	}
	_ = w.WriteBits(0, n)
	_ = w.WriteBits(x, n+1)
}

func writeSE(w *bitio.Writer, v int64) {
	if v > 0 {
		writeUE(w, uint64(2*v-1))
		return
	}
	writeUE(w, uint64(-2*v))
}

// EncodeSEIMessage encodes an H.264 SEI message with the given payload type
// and payload bytes, using the multi-byte size encoding when needed.
func EncodeSEIMessage(payloadType int, payload []byte) []byte {
	var out []byte
	pt := payloadType
	for pt >= 255 {
		out = append(out, 0xFF)
		pt -= 255
	}
	out = append(out, byte(pt))

	ps := len(payload)
	for ps >= 255 {
		out = append(out, 0xFF)
		ps -= 255
	}
	out = append(out, byte(ps))
	out = append(out, payload...)
	return out
}

// CaptionSEI builds an SEI NAL carrying one CEA-608 byte pair for field 1
// in an ATSC A/53 user_data_registered_itu_t_t35 payload.
func CaptionSEI(cc1, cc2 byte) []byte {
	payload := []byte{
		0xB5, 0x00, 0x31, // country code, provider code
		'G', 'A', '9', '4',
		0x03,           // user_data_type_code: cc_data
		0x40 | 0x01,    // process_cc_data_flag, cc_count 1
		0xFF,           // em_data
		0xFC, cc1, cc2, // cc_valid, cc_type 0 (NTSC field 1)
		0xFF,           // marker_bits
	}
	sei := append([]byte{0x06}, AddEPB(EncodeSEIMessage(4, payload))...)
	return append(sei, 0x80)
}

// Parity sets the odd-parity bit CEA-608 requires on each byte.
func Parity(b byte) byte {
	b &= 0x7F
	ones := 0
	for v := b; v != 0; v >>= 1 {
		ones += int(v & 1)
	}
	if ones%2 == 0 {
		b |= 0x80
	}
	return b
}

// AddEPB adds emulation prevention bytes per ITU-T H.264 spec:
// inserts 0x03 before any 0x00-0x03 byte that follows two consecutive 0x00
// bytes.
func AddEPB(data []byte) []byte {
	var out []byte
	zeroCount := 0
	for _, b := range data {
		if zeroCount >= 2 && b <= 0x03 {
			out = append(out, 0x03)
			zeroCount = 0
		}
		out = append(out, b)
		if b == 0x00 {
			zeroCount++
		} else {
			zeroCount = 0
		}
	}
	return out
}

// ID3Frame encodes an ID3v2.4 frame.
func ID3Frame(id string, data []byte) []byte {
	out := append([]byte(id)[:4:4], syncsafe(len(data))...)
	out = append(out, 0x00, 0x00)
	return append(out, data...)
}

// PRIVFrame encodes a PRIV frame.
func PRIVFrame(owner string, data []byte) []byte {
	body := append([]byte(owner), 0x00)
	return ID3Frame("PRIV", append(body, data...))
}

// TXXXFrame encodes a UTF-8 TXXX frame.
func TXXXFrame(description, value string) []byte {
	body := append([]byte{0x03}, description...)
	body = append(body, 0x00)
	return ID3Frame("TXXX", append(body, value...))
}

// TimestampFrame encodes the PRIV frame HLS packed audio uses to carry
// the 33-bit MPEG-2 timestamp of the following audio.
func TimestampFrame(ts int64) []byte {
	return PRIVFrame("com.apple.streaming.transportStreamTimestamp",
		binary.BigEndian.AppendUint64(nil, uint64(ts)&(1<<33-1)))
}

// ID3Tag wraps frames in an ID3v2.4 tag header.
func ID3Tag(frames ...[]byte) []byte {
	var body []byte
	for _, f := range frames {
		body = append(body, f...)
	}
	out := []byte{'I', 'D', '3', 0x04, 0x00, 0x00}
	out = append(out, syncsafe(len(body))...)
	return append(out, body...)
}

func syncsafe(n int) []byte {
	return []byte{byte(n>>21) & 0x7F, byte(n>>14) & 0x7F, byte(n>>7) & 0x7F, byte(n) & 0x7F}
}
