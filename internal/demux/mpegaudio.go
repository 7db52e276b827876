package demux

import (
	"errors"
	"fmt"

	"github.com/zsiec/refract/internal/media"
)

// ErrInvalidMPEGAudio is returned for a malformed MPEG audio frame header.
var ErrInvalidMPEGAudio = errors.New("demux: invalid MPEG audio header")

// Bitrates in kbit/s by [version row][layer][index]; row 0 is MPEG-1,
// row 1 is MPEG-2 and 2.5.
var mpegBitrates = [2][3][15]int{
	{
		{0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448}, // layer I
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384},    // layer II
		{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320},     // layer III
	},
	{
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 144, 160, 176, 192, 224, 256},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160},
	},
}

// Sample rates by version bits (00 = 2.5, 10 = 2, 11 = 1).
var mpegSampleRates = map[byte][3]int{
	0: {11025, 12000, 8000},
	2: {22050, 24000, 16000},
	3: {44100, 48000, 32000},
}

// MPEGAudioHeader is a parsed MPEG-1/2/2.5 audio frame header.
type MPEGAudioHeader struct {
	Version         int // 1, 2, or 25 for MPEG-2.5
	Layer           int
	Bitrate         int // bit/s
	SampleRate      int
	Padding         bool
	Channels        int
	SamplesPerFrame int
	FrameLen        int
}

func isMPEGAudioSync(data []byte, off int) bool {
	return off+1 < len(data) && data[off] == 0xFF && data[off+1]&0xE0 == 0xE0 && data[off+1]&0x06 != 0
}

// ParseMPEGAudioHeader decodes the 4-byte header at the start of b.
func ParseMPEGAudioHeader(b []byte) (MPEGAudioHeader, error) {
	if len(b) < 4 || !isMPEGAudioSync(b, 0) {
		return MPEGAudioHeader{}, ErrInvalidMPEGAudio
	}
	versionBits := (b[1] >> 3) & 0x03
	layerBits := (b[1] >> 1) & 0x03
	bitrateIdx := int(b[2] >> 4)
	rateIdx := int(b[2]>>2) & 0x03

	rates, ok := mpegSampleRates[versionBits]
	if !ok || rateIdx == 3 || bitrateIdx == 0 || bitrateIdx == 15 {
		return MPEGAudioHeader{}, fmt.Errorf("%w: version %d rate %d bitrate %d", ErrInvalidMPEGAudio, versionBits, rateIdx, bitrateIdx)
	}

	h := MPEGAudioHeader{
		Layer:      int(4 - layerBits),
		SampleRate: rates[rateIdx],
		Padding:    b[2]&0x02 != 0,
		Channels:   2,
	}
	if b[3]>>6 == 3 {
		h.Channels = 1
	}
	row := 1
	switch versionBits {
	case 3:
		h.Version, row = 1, 0
	case 2:
		h.Version = 2
	default:
		h.Version = 25
	}
	h.Bitrate = mpegBitrates[row][h.Layer-1][bitrateIdx] * 1000

	pad := 0
	if h.Padding {
		pad = 1
	}
	switch {
	case h.Layer == 1:
		h.SamplesPerFrame = 384
		h.FrameLen = (12*h.Bitrate/h.SampleRate + pad) * 4
	case h.Layer == 3 && h.Version != 1:
		h.SamplesPerFrame = 576
		h.FrameLen = 72*h.Bitrate/h.SampleRate + pad
	default:
		h.SamplesPerFrame = 1152
		h.FrameLen = 144*h.Bitrate/h.SampleRate + pad
	}
	return h, nil
}

// ProbeMPEGAudio reports whether data holds an MPEG audio frame at off that
// is the last one in data or followed by another frame header.
func ProbeMPEGAudio(data []byte, off int) bool {
	h, err := ParseMPEGAudioHeader(data[off:])
	if err != nil {
		return false
	}
	next := off + h.FrameLen
	return next == len(data) || (next+1 < len(data) && isMPEGAudioSync(data, next))
}

// parseMPEGAudioPES appends the whole frames of one PES payload to track.
// Frames are spaced by their duration starting at pts.
func parseMPEGAudioPES(track *media.Track, data []byte, pts int64) error {
	if pts < 0 {
		if n := len(track.Samples); n > 0 {
			pts = track.Samples[n-1].PTS + int64(track.FrameDuration())
		} else {
			return fmt.Errorf("%w: frame without timestamp", ErrInvalidMPEGAudio)
		}
	}
	i := 0
	for off := 0; off+4 <= len(data); {
		h, err := ParseMPEGAudioHeader(data[off:])
		if err != nil {
			off++
			continue
		}
		if off+h.FrameLen > len(data) {
			break
		}
		if track.SampleRate != h.SampleRate || track.Channels != h.Channels {
			track.AudioCodec = media.AudioCodecMP3
			track.SampleRate = h.SampleRate
			track.Channels = h.Channels
			track.FrameLen = h.SamplesPerFrame
			track.Codec = "mp4a.40.34"
		}
		framePTS := pts + int64(i)*int64(h.SamplesPerFrame)*media.InputTimescale/int64(h.SampleRate)
		track.Push(&media.Sample{
			PTS:  framePTS,
			DTS:  framePTS,
			Data: append([]byte(nil), data[off:off+h.FrameLen]...),
		})
		off += h.FrameLen
		i++
	}
	return nil
}
