package demux

import (
	"errors"
	"fmt"

	"github.com/zsiec/refract/internal/golomb"
)

// H.264 NAL unit types (ITU-T H.264 table 7-1).
const (
	NALTypeSlice = 1
	NALTypeIDR   = 5
	NALTypeSEI   = 6
	NALTypeSPS   = 7
	NALTypePPS   = 8
	NALTypeAUD   = 9
)

var errSPSTooShort = errors.New("demux: SPS data too short")

// SPSInfo holds the fields of an H.264 sequence parameter set needed to
// describe a video track.
type SPSInfo struct {
	Width           int
	Height          int
	PixelRatio      [2]int
	ProfileIDC      byte
	ConstraintFlags byte
	LevelIDC        byte
}

// CodecString returns the RFC 6381 codec parameter, e.g. "avc1.64001F".
func (s SPSInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

// Sample aspect ratios for aspect_ratio_idc 1..16 (table E-1).
var sarTable = [...][2]int{
	{1, 1}, {12, 11}, {10, 11}, {16, 11}, {40, 33}, {24, 11}, {20, 11}, {32, 11},
	{80, 33}, {18, 11}, {15, 11}, {64, 33}, {160, 99}, {4, 3}, {3, 2}, {2, 1},
}

func highProfile(idc uint32) bool {
	switch idc {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134:
		return true
	}
	return false
}

// ParseSPS decodes an SPS NAL unit (header byte included, no start code).
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, errSPSTooShort
	}
	r := golomb.NewReader(RemoveEmulationPrevention(nalu[1:]))
	info := SPSInfo{PixelRatio: [2]int{1, 1}}

	profile, _ := r.ReadBits(8)
	constraints, _ := r.ReadBits(8)
	level, err := r.ReadBits(8)
	if err != nil {
		return SPSInfo{}, err
	}
	info.ProfileIDC, info.ConstraintFlags, info.LevelIDC = byte(profile), byte(constraints), byte(level)

	if err := r.SkipUE(); err != nil { // seq_parameter_set_id
		return SPSInfo{}, err
	}

	chromaFormat := uint32(1)
	separatePlanes := false
	if highProfile(profile) {
		if chromaFormat, err = r.ReadUE(); err != nil {
			return SPSInfo{}, err
		}
		if chromaFormat == 3 {
			if separatePlanes, err = r.ReadBool(); err != nil {
				return SPSInfo{}, err
			}
		}
		r.SkipUE() // bit_depth_luma_minus8
		r.SkipUE() // bit_depth_chroma_minus8
		r.Skip(1)  // qpprime_y_zero_transform_bypass_flag
		present, err := r.ReadBool()
		if err != nil {
			return SPSInfo{}, err
		}
		if present {
			lists := 8
			if chromaFormat == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				listPresent, err := r.ReadBool()
				if err != nil {
					return SPSInfo{}, err
				}
				if !listPresent {
					continue
				}
				size := 16
				if i >= 6 {
					size = 64
				}
				if err := r.SkipScalingList(size); err != nil {
					return SPSInfo{}, err
				}
			}
		}
	}

	r.SkipUE() // log2_max_frame_num_minus4
	pocType, err := r.ReadUE()
	if err != nil {
		return SPSInfo{}, err
	}
	switch pocType {
	case 0:
		r.SkipUE() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		r.Skip(1)  // delta_pic_order_always_zero_flag
		r.SkipSE() // offset_for_non_ref_pic
		r.SkipSE() // offset_for_top_to_bottom_field
		cycle, err := r.ReadUE()
		if err != nil {
			return SPSInfo{}, err
		}
		for i := uint32(0); i < cycle; i++ {
			if err := r.SkipSE(); err != nil {
				return SPSInfo{}, err
			}
		}
	}
	r.SkipUE() // max_num_ref_frames
	r.Skip(1)  // gaps_in_frame_num_value_allowed_flag

	widthMbs, _ := r.ReadUE()
	heightMapUnits, _ := r.ReadUE()
	frameMbsOnly, err := r.ReadBits(1)
	if err != nil {
		return SPSInfo{}, err
	}
	if frameMbsOnly == 0 {
		r.Skip(1) // mb_adaptive_frame_field_flag
	}
	r.Skip(1) // direct_8x8_inference_flag

	var cropL, cropR, cropT, cropB uint32
	cropping, err := r.ReadBool()
	if err != nil {
		return SPSInfo{}, err
	}
	if cropping {
		cropL, _ = r.ReadUE()
		cropR, _ = r.ReadUE()
		cropT, _ = r.ReadUE()
		if cropB, err = r.ReadUE(); err != nil {
			return SPSInfo{}, err
		}
	}

	subW, subH := uint32(2), uint32(2) // 4:2:0
	switch {
	case separatePlanes || chromaFormat == 0 || chromaFormat == 3:
		subW, subH = 1, 1
	case chromaFormat == 2:
		subH = 1
	}
	cropX := subW
	cropY := subH * (2 - frameMbsOnly)
	info.Width = int((widthMbs+1)*16 - cropX*(cropL+cropR))
	info.Height = int((2-frameMbsOnly)*(heightMapUnits+1)*16 - cropY*(cropT+cropB))

	if vui, err := r.ReadBool(); err != nil || !vui {
		return info, nil
	}
	if arPresent, _ := r.ReadBool(); arPresent {
		idc, err := r.ReadBits(8)
		if err != nil {
			return info, nil
		}
		switch {
		case idc == 255:
			w, _ := r.ReadBits(16)
			h, err := r.ReadBits(16)
			if err == nil && w > 0 && h > 0 {
				info.PixelRatio = [2]int{int(w), int(h)}
			}
		case idc > 0 && int(idc) <= len(sarTable):
			info.PixelRatio = sarTable[idc-1]
		}
	}
	return info, nil
}

// SliceType returns slice_type of a slice NAL unit (types 1 and 5).
func SliceType(nalu []byte) (uint32, error) {
	if len(nalu) < 2 {
		return 0, errors.New("demux: slice too short")
	}
	// Only the first bytes of the header are needed.
	head := nalu[1:min(len(nalu), 16)]
	r := golomb.NewReader(RemoveEmulationPrevention(head))
	if err := r.SkipUE(); err != nil { // first_mb_in_slice
		return 0, err
	}
	return r.ReadUE()
}

// IsIntraSlice reports whether a slice_type denotes an I or SI slice.
func IsIntraSlice(sliceType uint32) bool {
	switch sliceType % 5 {
	case 2, 4:
		return true
	}
	return false
}

// RemoveEmulationPrevention strips emulation_prevention_three_byte
// (00 00 03) sequences from NAL payload bytes.
func RemoveEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data))
	zeros := 0
	for i := 0; i < len(data); i++ {
		b := data[i]
		if zeros >= 2 && b == 0x03 {
			zeros = 0
			continue
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}
