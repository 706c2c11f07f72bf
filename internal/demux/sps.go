package demux

import "fmt"

// VideoProperties are the SPS fields the container needs.
type VideoProperties struct {
	ProfileIdc           uint8
	LevelIdc             uint8
	ProfileCompatibility uint8
	Width                int
	Height               int
	// SarRatio is the sample aspect ratio as width:height.
	SarRatio [2]int
}

// CodecString returns the RFC 6381 codec parameter, e.g. "avc1.64001f".
func (v VideoProperties) CodecString() string {
	return fmt.Sprintf("avc1.%02x%02x%02x", v.ProfileIdc, v.ProfileCompatibility, v.LevelIdc)
}

// Profiles whose SPS carries chroma format, bit depth and scaling
// matrix fields.
var profilesWithOptionalSPSData = map[uint32]bool{
	100: true, 110: true, 122: true, 244: true, 44: true, 83: true,
	86: true, 118: true, 128: true, 138: true, 139: true, 134: true,
}

// Sample aspect ratios for aspect_ratio_idc 1-16 (ITU-T H.264 Table E-1).
var sampleAspectRatios = [...][2]int{
	{1, 1}, {12, 11}, {10, 11}, {16, 11}, {40, 33}, {24, 11}, {20, 11}, {32, 11},
	{80, 33}, {18, 11}, {15, 11}, {64, 33}, {160, 99}, {4, 3}, {3, 2}, {2, 1},
}

const aspectRatioExtendedSAR = 255

// spsReader wraps ExpGolomb with a sticky error that records the first
// field that could not be read.
type spsReader struct {
	g   *ExpGolomb
	err error
}

func (r *spsReader) fail(field string, err error) {
	if r.err == nil && err != nil {
		r.err = &ParseError{Component: "sps", Field: field, Err: err}
	}
}

func (r *spsReader) bits(field string, n int) uint32 {
	if r.err != nil {
		return 0
	}
	v, err := r.g.ReadBits(n)
	r.fail(field, err)
	return v
}

func (r *spsReader) flag(field string) bool {
	return r.bits(field, 1) == 1
}

func (r *spsReader) ue(field string) uint32 {
	if r.err != nil {
		return 0
	}
	v, err := r.g.ReadUnsignedExpGolomb()
	r.fail(field, err)
	return v
}

func (r *spsReader) se(field string) int32 {
	if r.err != nil {
		return 0
	}
	v, err := r.g.ReadExpGolomb()
	r.fail(field, err)
	return v
}

// skipScalingList consumes one scaling list. Only the delta recurrence
// matters; the values themselves are not needed.
func (r *spsReader) skipScalingList(size int) {
	lastScale, nextScale := int32(8), int32(8)
	for j := 0; j < size && r.err == nil; j++ {
		if nextScale != 0 {
			delta := r.se("delta_scale")
			nextScale = (lastScale + delta + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
}

// ParseSPS decodes an SPS RBSP: the bytes after the NAL header with
// emulation prevention already removed. Decoding stops after the VUI
// aspect ratio; later fields are not needed.
func ParseSPS(rbsp []byte) (*VideoProperties, error) {
	r := &spsReader{g: NewExpGolomb(rbsp)}
	v := &VideoProperties{SarRatio: [2]int{1, 1}}

	profileIdc := r.bits("profile_idc", 8)
	v.ProfileIdc = uint8(profileIdc)
	v.ProfileCompatibility = uint8(r.bits("constraint_set_flags", 8))
	v.LevelIdc = uint8(r.bits("level_idc", 8))
	r.ue("seq_parameter_set_id")

	if profilesWithOptionalSPSData[profileIdc] {
		chromaFormatIdc := r.ue("chroma_format_idc")
		if chromaFormatIdc == 3 {
			r.bits("separate_colour_plane_flag", 1)
		}
		r.ue("bit_depth_luma_minus8")
		r.ue("bit_depth_chroma_minus8")
		r.bits("qpprime_y_zero_transform_bypass_flag", 1)
		if r.flag("seq_scaling_matrix_present_flag") {
			lists := 8
			if chromaFormatIdc == 3 {
				lists = 12
			}
			for i := 0; i < lists && r.err == nil; i++ {
				if !r.flag("seq_scaling_list_present_flag") {
					continue
				}
				if i < 6 {
					r.skipScalingList(16)
				} else {
					r.skipScalingList(64)
				}
			}
		}
	}

	r.ue("log2_max_frame_num_minus4")
	switch r.ue("pic_order_cnt_type") {
	case 0:
		r.ue("log2_max_pic_order_cnt_lsb_minus4")
	case 1:
		r.bits("delta_pic_order_always_zero_flag", 1)
		r.se("offset_for_non_ref_pic")
		r.se("offset_for_top_to_bottom_field")
		n := r.ue("num_ref_frames_in_pic_order_cnt_cycle")
		for i := uint32(0); i < n && r.err == nil; i++ {
			r.se("offset_for_ref_frame")
		}
	}

	r.ue("max_num_ref_frames")
	r.bits("gaps_in_frame_num_value_allowed_flag", 1)
	widthInMbsMinus1 := int(r.ue("pic_width_in_mbs_minus1"))
	heightInMapUnitsMinus1 := int(r.ue("pic_height_in_map_units_minus1"))
	frameMbsOnly := int(r.bits("frame_mbs_only_flag", 1))
	if frameMbsOnly == 0 {
		r.bits("mb_adaptive_frame_field_flag", 1)
	}
	r.bits("direct_8x8_inference_flag", 1)

	var cropLeft, cropRight, cropTop, cropBottom int
	if r.flag("frame_cropping_flag") {
		cropLeft = int(r.ue("frame_crop_left_offset"))
		cropRight = int(r.ue("frame_crop_right_offset"))
		cropTop = int(r.ue("frame_crop_top_offset"))
		cropBottom = int(r.ue("frame_crop_bottom_offset"))
	}

	if r.flag("vui_parameters_present_flag") && r.flag("aspect_ratio_info_present_flag") {
		idc := int(r.bits("aspect_ratio_idc", 8))
		switch {
		case idc >= 1 && idc <= len(sampleAspectRatios):
			v.SarRatio = sampleAspectRatios[idc-1]
		case idc == aspectRatioExtendedSAR:
			v.SarRatio = [2]int{int(r.bits("sar_width", 16)), int(r.bits("sar_height", 16))}
		}
	}

	if r.err != nil {
		return nil, r.err
	}

	v.Width = (widthInMbsMinus1+1)*16 - cropLeft*2 - cropRight*2
	v.Height = (2-frameMbsOnly)*(heightInMapUnitsMinus1+1)*16 - cropTop*2 - cropBottom*2
	return v, nil
}
