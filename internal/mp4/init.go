package mp4

import (
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	mcmp4 "github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/zsiec/refract/internal/media"
)

// VideoTimescale is the timescale of video tracks. It equals the MPEG-2
// clock so video timestamps are written without rescaling.
const VideoTimescale = media.InputTimescale

var (
	ErrNotConfigured = errors.New("mp4: track codec not configured")
	ErrTrackType     = errors.New("mp4: unsupported track type")
)

// Timescale returns the media timescale used for t: 90 kHz for video and
// the sample rate for audio.
func Timescale(t *media.Track) uint32 {
	if t.Type == media.TrackAudio && t.SampleRate > 0 {
		return uint32(t.SampleRate)
	}
	return VideoTimescale
}

// InitSegment returns ftyp+moov describing t alone.
func InitSegment(t *media.Track) ([]byte, error) {
	if !t.Configured() {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, t.Type)
	}
	codec, err := codecOf(t)
	if err != nil {
		return nil, err
	}
	init := fmp4.Init{
		Tracks: []*fmp4.InitTrack{{
			ID:        t.ID,
			TimeScale: Timescale(t),
			Codec:     codec,
		}},
	}
	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return nil, fmt.Errorf("mp4: marshal init: %w", err)
	}
	return buf.Bytes(), nil
}

func codecOf(t *media.Track) (mcmp4.Codec, error) {
	switch t.Type {
	case media.TrackVideo:
		return &mcmp4.CodecH264{SPS: t.SPS[0], PPS: t.PPS[0]}, nil
	case media.TrackAudio:
		if t.AudioCodec == media.AudioCodecMP3 {
			return &mcmp4.CodecMPEG1Audio{SampleRate: t.SampleRate, ChannelCount: t.Channels}, nil
		}
		var conf mpeg4audio.AudioSpecificConfig
		if err := conf.Unmarshal(t.Config); err != nil {
			return nil, fmt.Errorf("mp4: audio config: %w", err)
		}
		return &mcmp4.CodecMPEG4Audio{Config: conf}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrTrackType, t.Type)
}
