package demux

import (
	"errors"
	"fmt"
	"math"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/zsiec/refract/internal/media"
)

// ErrInvalidADTS is returned when the ADTS sync word or header is malformed.
var ErrInvalidADTS = errors.New("demux: invalid ADTS header")

// AAC sample rate index table (ISO 14496-3)
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// ADTSHeader is a parsed ADTS frame header.
type ADTSHeader struct {
	ObjectType      int // MPEG-4 audio object type (profile + 1)
	SampleRateIndex int
	SampleRate      int
	ChannelConfig   int
	HeaderLen       int // 7, or 9 with CRC
	FrameLen        int // header included
}

// isADTSSync reports whether an ADTS sync word with layer 0 starts at off.
func isADTSSync(data []byte, off int) bool {
	return off+1 < len(data) && data[off] == 0xFF && data[off+1]&0xF6 == 0xF0
}

// ParseADTSHeader decodes the fixed and variable ADTS header at the start of
// b.
func ParseADTSHeader(b []byte) (ADTSHeader, error) {
	if len(b) < 7 || !isADTSSync(b, 0) {
		return ADTSHeader{}, ErrInvalidADTS
	}
	h := ADTSHeader{
		ObjectType:      int(b[2]>>6) + 1,
		SampleRateIndex: int(b[2]>>2) & 0x0F,
		ChannelConfig:   int(b[2]&0x01)<<2 | int(b[3]>>6),
		HeaderLen:       7,
		FrameLen:        int(b[3]&0x03)<<11 | int(b[4])<<3 | int(b[5]>>5),
	}
	if b[1]&0x01 == 0 {
		h.HeaderLen = 9
	}
	if h.SampleRateIndex >= len(aacSampleRates) {
		return ADTSHeader{}, fmt.Errorf("%w: sample rate index %d", ErrInvalidADTS, h.SampleRateIndex)
	}
	h.SampleRate = aacSampleRates[h.SampleRateIndex]
	if h.FrameLen < h.HeaderLen {
		return ADTSHeader{}, fmt.Errorf("%w: frame length %d", ErrInvalidADTS, h.FrameLen)
	}
	return h, nil
}

// Channels returns the channel count for the header's channel
// configuration.
func (h ADTSHeader) Channels() int {
	if h.ChannelConfig == 7 {
		return 8
	}
	return h.ChannelConfig
}

// AudioSpecificConfig returns the encoded AudioSpecificConfig for the
// stream described by the header.
func (h ADTSHeader) AudioSpecificConfig() ([]byte, error) {
	conf := mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectType(h.ObjectType),
		SampleRate:   h.SampleRate,
		ChannelCount: h.Channels(),
	}
	return conf.Marshal()
}

// ProbeADTS reports whether data holds an ADTS frame at off that is either
// the last one in data or directly followed by another sync word.
func ProbeADTS(data []byte, off int) bool {
	h, err := ParseADTSHeader(data[off:])
	if err != nil {
		return false
	}
	next := off + h.FrameLen
	return next == len(data) || (next+1 < len(data) && isADTSSync(data, next))
}

// adtsFramePTS returns the PTS of frame i of a run starting at base.
func adtsFramePTS(base int64, i, sampleRate int) int64 {
	return base + int64(i)*1024*media.InputTimescale/int64(sampleRate)
}

// ADTSParser extracts AAC frames from ADTS PES payloads. A frame cut by the
// end of a payload is kept and completed by the next one.
type ADTSParser struct {
	overflow []byte
	lastPTS  int64
	hasLast  bool
}

// Reset drops the carried partial frame and timing.
func (p *ADTSParser) Reset() {
	p.overflow = nil
	p.hasLast = false
}

// Overflow returns the number of bytes carried to the next Parse call.
func (p *ADTSParser) Overflow() int {
	return len(p.overflow)
}

// Parse appends the frames in data to track. pts is the PTS of the first
// complete frame of data, or negative when unknown; frames then continue the
// previous timeline.
func (p *ADTSParser) Parse(track *media.Track, data []byte, pts int64) error {
	carried := len(p.overflow) > 0
	if carried {
		data = append(p.overflow, data...)
		p.overflow = nil
	}

	off := 0
	for off < len(data)-1 && !isADTSSync(data, off) {
		off++
	}
	if len(data) == 0 || off == len(data)-1 {
		return fmt.Errorf("%w: no sync word in %d bytes", ErrInvalidADTS, len(data))
	}

	first, err := ParseADTSHeader(data[off:])
	if err != nil {
		return err
	}
	if err := initAACTrack(track, first); err != nil {
		return err
	}

	// The timeline continues from the previous frame when this payload starts
	// with carried bytes or has no PTS of its own.
	base := pts
	if p.hasLast && (carried || base < 0) {
		if next := p.lastPTS + int64(math.Round(track.FrameDuration())); base < 0 || abs64(next-base) > 1 {
			base = next
		}
	}
	if base < 0 {
		return fmt.Errorf("%w: frame without timestamp", ErrInvalidADTS)
	}

	i := 0
	for off < len(data) {
		if !isADTSSync(data, off) {
			if off == len(data)-1 && data[off] == 0xFF {
				break // sync word split across payloads
			}
			off++
			continue
		}
		if len(data)-off < 7 {
			break
		}
		h, err := ParseADTSHeader(data[off:])
		if err != nil {
			off++
			continue
		}
		if off+h.FrameLen > len(data) {
			break
		}
		framePTS := adtsFramePTS(base, i, track.SampleRate)
		payload := append([]byte(nil), data[off+h.HeaderLen:off+h.FrameLen]...)
		track.Push(&media.Sample{PTS: framePTS, DTS: framePTS, Data: payload})
		p.lastPTS, p.hasLast = framePTS, true
		off += h.FrameLen
		i++
	}
	if off < len(data) {
		p.overflow = append([]byte(nil), data[off:]...)
	}
	return nil
}

func initAACTrack(track *media.Track, h ADTSHeader) error {
	if track.SampleRate == h.SampleRate && track.Channels == h.Channels() && track.ObjectType == h.ObjectType && len(track.Config) > 0 {
		return nil
	}
	conf, err := h.AudioSpecificConfig()
	if err != nil {
		return fmt.Errorf("demux: audio specific config: %w", err)
	}
	track.AudioCodec = media.AudioCodecAAC
	track.SampleRate = h.SampleRate
	track.Channels = h.Channels()
	track.ObjectType = h.ObjectType
	track.Config = conf
	track.Codec = fmt.Sprintf("mp4a.40.%d", h.ObjectType)
	return nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
