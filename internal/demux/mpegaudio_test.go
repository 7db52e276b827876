package demux

import (
	"testing"

	"github.com/zsiec/refract/internal/media"
)

func mp3Frame(header []byte, frameLen int) []byte {
	f := make([]byte, frameLen)
	copy(f, header)
	return f
}

func TestParseMPEGAudioHeader(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		header   []byte
		version  int
		layer    int
		rate     int
		channels int
		spf      int
		frameLen int
	}{
		{"MPEG-1 layer III 128k", []byte{0xFF, 0xFB, 0x90, 0x00}, 1, 3, 44100, 2, 1152, 417},
		{"MPEG-1 layer III padded", []byte{0xFF, 0xFB, 0x92, 0x00}, 1, 3, 44100, 2, 1152, 418},
		{"MPEG-2 layer III mono", []byte{0xFF, 0xF3, 0x80, 0xC0}, 2, 3, 22050, 1, 576, 208},
		{"MPEG-1 layer II 192k", []byte{0xFF, 0xFD, 0xA4, 0x00}, 1, 2, 48000, 2, 1152, 576},
		{"MPEG-1 layer I 384k", []byte{0xFF, 0xFF, 0xC4, 0x00}, 1, 1, 48000, 2, 384, 384},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h, err := ParseMPEGAudioHeader(tc.header)
			if err != nil {
				t.Fatal(err)
			}
			if h.Version != tc.version || h.Layer != tc.layer || h.SampleRate != tc.rate {
				t.Errorf("version/layer/rate = %d/%d/%d", h.Version, h.Layer, h.SampleRate)
			}
			if h.Channels != tc.channels || h.SamplesPerFrame != tc.spf || h.FrameLen != tc.frameLen {
				t.Errorf("channels/spf/len = %d/%d/%d, want %d/%d/%d",
					h.Channels, h.SamplesPerFrame, h.FrameLen, tc.channels, tc.spf, tc.frameLen)
			}
		})
	}
}

func TestParseMPEGAudioHeader_Invalid(t *testing.T) {
	t.Parallel()
	for _, h := range [][]byte{
		{0xFF, 0xFB, 0xF0, 0x00}, // bitrate index 15
		{0xFF, 0xFB, 0x9C, 0x00}, // reserved sample rate
		{0xFF, 0xEB, 0x90, 0x00}, // reserved version
		{0xFF, 0xF9, 0x90, 0x00}, // reserved layer
	} {
		if _, err := ParseMPEGAudioHeader(h); err == nil {
			t.Errorf("header % x parsed", h)
		}
	}
}

func TestParseMPEGAudioPES(t *testing.T) {
	t.Parallel()
	frame := mp3Frame([]byte{0xFF, 0xFB, 0x90, 0x00}, 417)
	data := append(append([]byte(nil), frame...), frame...)
	if !ProbeMPEGAudio(data, 0) {
		t.Fatal("two frames should probe")
	}

	track := media.NewTrack(media.TrackAudio)
	if err := parseMPEGAudioPES(track, data, 9000); err != nil {
		t.Fatal(err)
	}
	if len(track.Samples) != 2 {
		t.Fatalf("samples = %d, want 2", len(track.Samples))
	}
	if want := int64(9000 + 1152*90000/44100); track.Samples[1].PTS != want {
		t.Errorf("second pts = %d, want %d", track.Samples[1].PTS, want)
	}
	if track.AudioCodec != media.AudioCodecMP3 || track.SamplesPerFrame() != 1152 {
		t.Errorf("track = codec %d spf %d", track.AudioCodec, track.SamplesPerFrame())
	}
}
