package demux

import (
	"bytes"
	"errors"
	"testing"

	"github.com/zsiec/refract/internal/media"
)

func TestParseADTSHeader(t *testing.T) {
	t.Parallel()
	h, err := ParseADTSHeader(adtsFrame(make([]byte, 10)))
	if err != nil {
		t.Fatal(err)
	}
	if h.SampleRate != 48000 || h.Channels() != 2 || h.ObjectType != 2 {
		t.Errorf("header = %+v", h)
	}
	if h.HeaderLen != 7 || h.FrameLen != 17 {
		t.Errorf("header/frame length = %d/%d, want 7/17", h.HeaderLen, h.FrameLen)
	}

	bad := adtsFrame(nil)
	bad[2] = 1<<6 | 13<<2 // reserved sample rate index
	if _, err := ParseADTSHeader(bad); !errors.Is(err, ErrInvalidADTS) {
		t.Errorf("error = %v, want ErrInvalidADTS", err)
	}
}

func TestADTSHeader_AudioSpecificConfig(t *testing.T) {
	t.Parallel()
	h, _ := ParseADTSHeader(adtsFrame(nil))
	conf, err := h.AudioSpecificConfig()
	if err != nil {
		t.Fatal(err)
	}
	// AAC-LC, 48 kHz (index 3), 2 channels.
	if !bytes.Equal(conf, []byte{0x11, 0x90}) {
		t.Errorf("ASC = % x, want 11 90", conf)
	}
}

func TestADTSParser_ThreeFrames(t *testing.T) {
	t.Parallel()
	var data []byte
	for i := 0; i < 3; i++ {
		data = append(data, adtsFrame(bytes.Repeat([]byte{byte(i + 1)}, 20))...)
	}
	track := media.NewTrack(media.TrackAudio)
	var p ADTSParser
	if err := p.Parse(track, data, 90000); err != nil {
		t.Fatal(err)
	}
	if len(track.Samples) != 3 {
		t.Fatalf("samples = %d, want 3", len(track.Samples))
	}
	const step = 1024 * 90000 / 48000
	for i, s := range track.Samples {
		if want := int64(90000 + i*step); s.PTS != want || s.DTS != want {
			t.Errorf("sample %d pts/dts = %d/%d, want %d", i, s.PTS, s.DTS, want)
		}
		if len(s.Data) != 20 || s.Data[0] != byte(i+1) {
			t.Errorf("sample %d payload = % x", i, s.Data)
		}
	}
	if track.Codec != "mp4a.40.2" || track.SampleRate != 48000 || track.Channels != 2 {
		t.Errorf("track config = %q %d %d", track.Codec, track.SampleRate, track.Channels)
	}
	if track.Len != 60 {
		t.Errorf("track length = %d, want 60", track.Len)
	}
}

func TestADTSParser_Overflow(t *testing.T) {
	t.Parallel()
	frame := adtsFrame(bytes.Repeat([]byte{0xAA}, 30))
	data := append(append([]byte(nil), frame...), frame...)
	data = append(data, frame...)

	track := media.NewTrack(media.TrackAudio)
	var p ADTSParser
	cut := len(frame) + 12
	if err := p.Parse(track, data[:cut], 1000); err != nil {
		t.Fatal(err)
	}
	if len(track.Samples) != 1 || p.Overflow() != 12 {
		t.Fatalf("samples=%d overflow=%d, want 1 and 12", len(track.Samples), p.Overflow())
	}
	// The next payload has its own PTS, but the carried frame continues the
	// previous timeline.
	if err := p.Parse(track, data[cut:], 999999); err != nil {
		t.Fatal(err)
	}
	if len(track.Samples) != 3 {
		t.Fatalf("samples = %d, want 3", len(track.Samples))
	}
	if got := track.Samples[1].PTS; got != 1000+1920 {
		t.Errorf("carried frame pts = %d, want %d", got, 1000+1920)
	}
	if p.Overflow() != 0 {
		t.Errorf("overflow = %d after a complete push", p.Overflow())
	}
}

func TestADTSParser_SplitSyncWord(t *testing.T) {
	t.Parallel()
	frame := adtsFrame([]byte{1, 2, 3})
	data := append(append([]byte(nil), frame...), frame...)
	track := media.NewTrack(media.TrackAudio)
	var p ADTSParser
	if err := p.Parse(track, data[:len(frame)+1], 0); err != nil {
		t.Fatal(err)
	}
	if p.Overflow() != 1 {
		t.Fatalf("overflow = %d, want the lone 0xFF", p.Overflow())
	}
	if err := p.Parse(track, data[len(frame)+1:], -1); err != nil {
		t.Fatal(err)
	}
	if len(track.Samples) != 2 {
		t.Errorf("samples = %d, want 2", len(track.Samples))
	}
}

func TestADTSParser_NoSync(t *testing.T) {
	t.Parallel()
	var p ADTSParser
	err := p.Parse(media.NewTrack(media.TrackAudio), []byte{1, 2, 3, 4}, 0)
	if !errors.Is(err, ErrInvalidADTS) {
		t.Errorf("error = %v, want ErrInvalidADTS", err)
	}
}

func TestProbeADTS(t *testing.T) {
	t.Parallel()
	frame := adtsFrame(make([]byte, 8))
	two := append(append([]byte(nil), frame...), frame...)
	if !ProbeADTS(two, 0) {
		t.Error("two frames should probe")
	}
	if ProbeADTS(append(frame, 0x00, 0x00), 0) {
		t.Error("frame followed by junk should not probe")
	}
}
