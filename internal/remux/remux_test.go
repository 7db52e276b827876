package remux

import (
	"bytes"
	"testing"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/refract/internal/config"
	"github.com/zsiec/refract/internal/hlserr"
	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/mp4"
)

var (
	sps720p = []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50, 0x05, 0xbb, 0xff, 0x00,
		0x03, 0x00, 0x04, 0x6a, 0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
		0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
	}
	testPPS = []byte{0x68, 0xEB, 0xE3, 0xCB, 0x22, 0xC0}
	testIDR = []byte{0x65, 0x88, 0x84, 0x21, 0xA0}
)

const (
	frameTicks = 3000 // 30 fps
	aacTicks   = 1920 // 1024 samples at 48 kHz
)

func videoTrack(base int64, n int) *media.Track {
	t := media.NewTrack(media.TrackVideo)
	t.SPS, t.PPS = [][]byte{sps720p}, [][]byte{testPPS}
	t.Codec, t.Width, t.Height = "avc1.64001F", 1280, 720
	for i := 0; i < n; i++ {
		ts := base + int64(i)*frameTicks
		t.Push(&media.Sample{PTS: ts, DTS: ts, Units: [][]byte{testIDR}, Key: i == 0, Frame: true})
	}
	return t
}

// audioTrack holds AAC frames with indexes [from, to) of a stream starting
// at base.
func audioTrack(t *testing.T, base int64, from, to int) *media.Track {
	t.Helper()
	conf, err := (&mpeg4audio.AudioSpecificConfig{Type: 2, SampleRate: 48000, ChannelCount: 2}).Marshal()
	require.NoError(t, err)
	a := media.NewTrack(media.TrackAudio)
	a.AudioCodec = media.AudioCodecAAC
	a.SampleRate, a.Channels, a.ObjectType = 48000, 2, 2
	a.Config, a.Codec = conf, "mp4a.40.2"
	for k := from; k < to; k++ {
		a.Push(&media.Sample{PTS: base + int64(k)*aacTicks, DTS: -1, Data: []byte{byte(k), 0xAA, 0xBB}})
	}
	return a
}

func newRemuxer() *MP4Remuxer {
	return NewMP4Remuxer(config.Default(), nil)
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	const wrap = int64(1) << 33
	assert.Equal(t, int64(100), Normalize(100, 0))
	assert.Equal(t, wrap+100, Normalize(100, wrap-1000), "wrapped value follows the reference")
	assert.Equal(t, int64(-1000), Normalize(wrap-1000, 100))

	// Idempotent.
	for _, v := range []int64{0, 5, wrap - 1, wrap + 7} {
		n := Normalize(v, wrap-90000)
		assert.Equal(t, n, Normalize(n, wrap-90000))
	}

	// Monotonic across the wrap when each value is normalized against the
	// previous one.
	ref := wrap - 5*frameTicks
	prev := ref
	for i := 0; i < 10; i++ {
		raw := (ref + int64(i)*frameTicks) % wrap
		n := Normalize(raw, prev)
		assert.GreaterOrEqual(t, n, prev)
		prev = n
	}
}

func TestMP4Remuxer_TwoContiguousFragments(t *testing.T) {
	t.Parallel()
	r := newRemuxer()
	const base = 900000
	const six = 6 * 90000

	in0 := &media.DemuxResult{Video: videoTrack(base, 180), Audio: audioTrack(t, base, 0, 282)}
	res0, err := r.Remux(in0, Options{TimeOffset: 0})
	require.NoError(t, err)
	require.True(t, res0.InitPTSFound)
	assert.Equal(t, int64(base), res0.InitPTS)
	require.Contains(t, res0.Tracks, media.TrackVideo)
	require.Contains(t, res0.Tracks, media.TrackAudio)
	assert.Equal(t, "video/mp4", res0.Tracks[media.TrackVideo].Container)

	require.True(t, res0.HasVideo())
	assert.Equal(t, 0.0, res0.Video.StartPTS)
	assert.InDelta(t, 6.0, res0.Video.EndDTS, 1e-9)
	assert.Equal(t, 180, res0.Video.NbSamples)
	assert.Equal(t, 0.0, res0.Audio.StartPTS)

	in1 := &media.DemuxResult{Video: videoTrack(base+six, 180), Audio: audioTrack(t, base, 282, 563)}
	res1, err := r.Remux(in1, Options{TimeOffset: 6, Contiguous: true})
	require.NoError(t, err)
	assert.False(t, res1.InitPTSFound)
	assert.Empty(t, res1.Tracks, "init segments are not repeated")
	assert.InDelta(t, res0.Video.EndDTS, res1.Video.StartDTS, 0.001)
	assert.InDelta(t, res0.Audio.EndPTS, res1.Audio.StartPTS, 1e-9)
	assert.Zero(t, res1.Audio.Dropped)
}

func TestMP4Remuxer_BoxesParse(t *testing.T) {
	t.Parallel()
	r := newRemuxer()
	res, err := r.Remux(&media.DemuxResult{Video: videoTrack(0, 5), Audio: audioTrack(t, 0, 0, 8)}, Options{})
	require.NoError(t, err)

	var init fmp4.Init
	require.NoError(t, init.Unmarshal(bytes.NewReader(res.Tracks[media.TrackVideo].InitSegment)))
	require.Len(t, init.Tracks, 1)
	assert.Equal(t, 1, init.Tracks[0].ID)
	assert.Equal(t, uint32(90000), init.Tracks[0].TimeScale)

	var audioInit fmp4.Init
	require.NoError(t, audioInit.Unmarshal(bytes.NewReader(res.Tracks[media.TrackAudio].InitSegment)))
	require.Len(t, audioInit.Tracks, 1)
	assert.Equal(t, 2, audioInit.Tracks[0].ID)
	assert.Equal(t, uint32(48000), audioInit.Tracks[0].TimeScale)

	var parts fmp4.Parts
	require.NoError(t, parts.Unmarshal(res.Video.Data))
	require.Len(t, parts, 1)
	vt := parts[0].Tracks[0]
	assert.Equal(t, 1, vt.ID)
	assert.Equal(t, uint64(0), vt.BaseTime)
	require.Len(t, vt.Samples, 5)
	assert.False(t, vt.Samples[0].IsNonSyncSample)
	assert.True(t, vt.Samples[1].IsNonSyncSample)
	assert.Equal(t, uint32(frameTicks), vt.Samples[4].Duration)

	parts = nil
	require.NoError(t, parts.Unmarshal(res.Audio.Data))
	at := parts[0].Tracks[0]
	assert.Equal(t, 2, at.ID)
	require.Len(t, at.Samples, 8)
	assert.Equal(t, uint32(1024), at.Samples[0].Duration)
	assert.Equal(t, []byte{3, 0xAA, 0xBB}, at.Samples[3].Payload)
}

func TestMP4Remuxer_FillsAudioHoles(t *testing.T) {
	t.Parallel()
	r := newRemuxer()
	res0, err := r.Remux(&media.DemuxResult{Audio: audioTrack(t, 0, 0, 10)}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 10, res0.Audio.NbSamples)

	// Frames 10, 11 and 12 are missing.
	res1, err := r.Remux(&media.DemuxResult{Audio: audioTrack(t, 0, 13, 20)}, Options{Contiguous: true})
	require.NoError(t, err)
	assert.Equal(t, 10, res1.Audio.NbSamples)
	assert.InDelta(t, res0.Audio.EndPTS, res1.Audio.StartPTS, 1e-9)
	assert.InDelta(t, 20*1024/48000.0, res1.Audio.EndPTS, 1e-9)

	var parts fmp4.Parts
	require.NoError(t, parts.Unmarshal(res1.Audio.Data))
	samples := parts[0].Tracks[0].Samples
	silent := mp4.SilentFrame(2, 2)
	for i := 0; i < 3; i++ {
		assert.Equal(t, silent, samples[i].Payload, "sample %d", i)
	}
	assert.Equal(t, []byte{13, 0xAA, 0xBB}, samples[3].Payload)
}

func TestMP4Remuxer_DropsAudioOverlap(t *testing.T) {
	t.Parallel()
	r := newRemuxer()
	_, err := r.Remux(&media.DemuxResult{Audio: audioTrack(t, 0, 0, 10)}, Options{})
	require.NoError(t, err)

	res, err := r.Remux(&media.DemuxResult{Audio: audioTrack(t, 0, 8, 16)}, Options{Contiguous: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Audio.Dropped)
	assert.Equal(t, 6, res.Audio.NbSamples)
	assert.InDelta(t, 10*1024/48000.0, res.Audio.StartPTS, 1e-9)
}

func TestMP4Remuxer_VideoHoleIsClosed(t *testing.T) {
	t.Parallel()
	r := newRemuxer()
	res0, err := r.Remux(&media.DemuxResult{Video: videoTrack(0, 10)}, Options{})
	require.NoError(t, err)

	// The next fragment starts 20 ms late.
	res1, err := r.Remux(&media.DemuxResult{Video: videoTrack(10*frameTicks+1800, 10)}, Options{TimeOffset: 1 / 3.0, Contiguous: true})
	require.NoError(t, err)
	assert.InDelta(t, res0.Video.EndDTS, res1.Video.StartDTS, 1e-9)
}

func TestMP4Remuxer_StretchesShortVideo(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Remux.StretchShortVideoTrack = true
	r := NewMP4Remuxer(cfg, nil)

	res, err := r.Remux(&media.DemuxResult{Video: videoTrack(0, 10), Audio: audioTrack(t, 0, 0, 25)}, Options{})
	require.NoError(t, err)
	assert.InDelta(t, res.Audio.EndPTS, res.Video.EndPTS, 1e-9)
}

func TestMP4Remuxer_ResetTimeStamp(t *testing.T) {
	t.Parallel()
	r := newRemuxer()
	r.ResetTimeStamp(&Timestamps{InitPTS: 90000, InitDTS: 90000})
	res, err := r.Remux(&media.DemuxResult{Video: videoTrack(180000, 3)}, Options{TimeOffset: 1})
	require.NoError(t, err)
	assert.False(t, res.InitPTSFound)
	assert.InDelta(t, 1.0, res.Video.StartPTS, 1e-9)

	r.ResetTimeStamp(nil)
	r.ResetNextTimestamp()
	res, err = r.Remux(&media.DemuxResult{Video: videoTrack(180000, 3)}, Options{TimeOffset: 0})
	require.NoError(t, err)
	assert.True(t, res.InitPTSFound)
	assert.Equal(t, 0.0, res.Video.StartPTS)
}

func TestMP4Remuxer_ResetInitSegmentRepeatsInit(t *testing.T) {
	t.Parallel()
	r := newRemuxer()
	_, err := r.Remux(&media.DemuxResult{Video: videoTrack(0, 2)}, Options{})
	require.NoError(t, err)
	r.ResetInitSegment()
	res, err := r.Remux(&media.DemuxResult{Video: videoTrack(6000, 2)}, Options{Contiguous: true})
	require.NoError(t, err)
	assert.Contains(t, res.Tracks, media.TrackVideo)
}

func TestMP4Remuxer_UnconfiguredVideoIsSkipped(t *testing.T) {
	t.Parallel()
	v := videoTrack(0, 3)
	v.SPS = nil
	res, err := newRemuxer().Remux(&media.DemuxResult{Video: v, Audio: audioTrack(t, 0, 0, 4)}, Options{})
	require.NoError(t, err)
	assert.False(t, res.HasVideo())
	assert.True(t, res.HasAudio())
	assert.NotContains(t, res.Tracks, media.TrackVideo)
}

func TestMP4Remuxer_ID3Rebased(t *testing.T) {
	t.Parallel()
	in := &media.DemuxResult{
		Video: videoTrack(900000, 3),
		ID3:   []*media.MetadataSample{{PTS: 945000, DTS: 945000, Data: []byte("ID3")}},
	}
	res, err := newRemuxer().Remux(in, Options{TimeOffset: 10})
	require.NoError(t, err)
	require.Len(t, res.ID3, 1)
	assert.InDelta(t, 10.5, res.ID3[0].PTS, 1e-9)
}

func TestResult_Span(t *testing.T) {
	t.Parallel()
	r := &Result{
		Video: &TrackFragment{StartPTS: 1, EndPTS: 7, StartDTS: 0.9, EndDTS: 7, NbSamples: 1},
		Audio: &TrackFragment{StartPTS: 0.98, EndPTS: 7.02, StartDTS: 0.98, EndDTS: 7.02, NbSamples: 1},
	}
	sp, ep, sd, ed, ok := r.Span()
	require.True(t, ok)
	assert.Equal(t, []float64{0.98, 7.02, 0.9, 7.02}, []float64{sp, ep, sd, ed})

	_, _, _, _, ok = (&Result{}).Span()
	assert.False(t, ok)
}

func TestMP4Remuxer_BadAudioConfigIsMuxError(t *testing.T) {
	t.Parallel()
	a := audioTrack(t, 0, 0, 4)
	a.Config = []byte{0xFF}
	_, err := newRemuxer().Remux(&media.DemuxResult{Audio: a}, Options{})
	require.Error(t, err)

	var he *hlserr.Error
	require.ErrorAs(t, err, &he)
	assert.Equal(t, hlserr.MuxError, he.Type)
	assert.Equal(t, hlserr.RemuxAllocError, he.Details)
}
