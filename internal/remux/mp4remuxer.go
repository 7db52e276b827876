package remux

import (
	"bytes"
	"cmp"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/zsiec/refract/internal/buffer"
	"github.com/zsiec/refract/internal/config"
	"github.com/zsiec/refract/internal/hlserr"
	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/mp4"
)

const (
	// Video DTS deltas below 1 ms are not worth a correction.
	contiguityTolerance = media.InputTimescale / 1000
	// Used for a single-frame fragment with no earlier frame duration.
	fallbackFrameDuration = media.InputTimescale / 30
	// Audio contiguity heuristics: an accurate time offset within 100 ms
	// of the expected PTS, or a first frame within 20 frames of it.
	audioOffsetTolerance = media.InputTimescale / 10
	audioFrameTolerance  = 20
	// Audio holes at least this long are not filled.
	maxAudioFill = 10 * media.InputTimescale
)

// MP4Remuxer converts demuxed AVC/AAC/MP3 tracks into fragmented MP4.
// It keeps per-track state between calls and is not safe for concurrent
// use.
type MP4Remuxer struct {
	log     *slog.Logger
	cfg     config.Remux
	maxHole float64

	initKnown bool
	initPTS   int64
	initDTS   int64

	videoSig string
	audioSig string

	haveNextVideo bool
	nextVideoDTS  int64 // 90 kHz
	lastVideoDur  int64

	haveNextAudio bool
	nextAudio     int64 // audio timescale
	audioRate     int64

	seq uint32
}

// NewMP4Remuxer creates a remuxer. If log is nil, slog.Default() is used.
func NewMP4Remuxer(cfg config.Config, log *slog.Logger) *MP4Remuxer {
	if log == nil {
		log = slog.Default()
	}
	return &MP4Remuxer{
		log:     log.With("component", "remux"),
		cfg:     cfg.Remux,
		maxHole: cfg.Buffer.MaxHole,
	}
}

// ResetTimeStamp sets the timestamp origin used for the following
// fragments. A nil ts makes the next Remux call establish a new origin.
func (r *MP4Remuxer) ResetTimeStamp(ts *Timestamps) {
	if ts == nil {
		r.initKnown = false
		return
	}
	r.initKnown = true
	r.initPTS, r.initDTS = ts.InitPTS, ts.InitDTS
}

// ResetNextTimestamp forgets the expected start of the next fragment, as
// needed after a seek.
func (r *MP4Remuxer) ResetNextTimestamp() {
	r.haveNextVideo = false
	r.haveNextAudio = false
}

// ResetInitSegment makes the next Remux call emit init segments again.
func (r *MP4Remuxer) ResetInitSegment() {
	r.videoSig, r.audioSig = "", ""
}

// Remux converts one demuxed fragment.
func (r *MP4Remuxer) Remux(in *media.DemuxResult, opts Options) (*Result, error) {
	res := &Result{}
	video, audio := in.Video, in.Audio
	hasVideo := usable(r.log, video, opts)
	hasAudio := usable(r.log, audio, opts)

	var tracks []*media.Track
	if hasVideo {
		tracks = append(tracks, video)
	}
	if hasAudio {
		tracks = append(tracks, audio)
	}
	if err := r.generateInit(res, tracks); err != nil {
		return nil, err
	}
	if !r.initKnown && (hasVideo || hasAudio) {
		r.computeInitPTS(video, audio, hasVideo, hasAudio, opts.TimeOffset)
		res.InitPTSFound = true
	}
	res.InitPTS, res.InitDTS = r.initPTS, r.initDTS

	audioEnd := int64(-1)
	if hasAudio {
		frag, end, err := r.remuxAudio(audio, opts)
		if err != nil {
			return nil, err
		}
		res.Audio, audioEnd = frag, end
	}
	if hasVideo {
		frag, err := r.remuxVideo(video, opts, audioEnd)
		if err != nil {
			return nil, err
		}
		res.Video = frag
	} else if video != nil && video.Dropped > 0 {
		res.Video = &TrackFragment{Type: media.TrackVideo, Dropped: video.Dropped}
	}

	if r.initKnown {
		res.ID3 = r.remuxID3(in.ID3, opts)
		res.Text = r.remuxText(in.Text, opts)
	}
	return res, nil
}

func usable(log *slog.Logger, t *media.Track, opts Options) bool {
	if t == nil || len(t.Samples) == 0 {
		return false
	}
	if !t.Configured() {
		log.Warn("dropping samples of unconfigured track", "type", t.Type, "sn", opts.SN, "samples", len(t.Samples))
		return false
	}
	return true
}

// muxError classifies a failure to write MP4 boxes.
func muxError(err error) error {
	return hlserr.New(hlserr.MuxError, hlserr.RemuxAllocError, fmt.Errorf("remux: %w", err))
}

func ticks(sec float64) int64 {
	return int64(math.Round(sec * media.InputTimescale))
}

func seconds(t int64) float64 {
	return float64(t) / media.InputTimescale
}

func rescale(v, from, to int64) int64 {
	return int64(math.Round(float64(v) * float64(to) / float64(from)))
}

func (r *MP4Remuxer) nextSeq() uint32 {
	r.seq++
	return r.seq
}

func signature(t *media.Track) string {
	if t.Type == media.TrackVideo {
		return string(bytes.Join([][]byte{t.SPS[0], t.PPS[0]}, []byte{0}))
	}
	return fmt.Sprintf("%d/%d/%d/%x", t.AudioCodec, t.SampleRate, t.Channels, t.Config)
}

func (r *MP4Remuxer) generateInit(res *Result, tracks []*media.Track) error {
	for _, t := range tracks {
		sig := signature(t)
		prev := &r.audioSig
		container := "audio/mp4"
		if t.Type == media.TrackVideo {
			prev = &r.videoSig
			container = "video/mp4"
		}
		if sig == *prev {
			continue
		}
		data, err := mp4.InitSegment(t)
		if err != nil {
			return muxError(err)
		}
		if res.Tracks == nil {
			res.Tracks = make(map[media.TrackType]buffer.TrackInfo)
		}
		res.Tracks[t.Type] = buffer.TrackInfo{
			Type:        t.Type,
			ID:          t.ID,
			Codec:       t.Codec,
			Container:   container,
			InitSegment: data,
			Width:       t.Width,
			Height:      t.Height,
			SampleRate:  t.SampleRate,
			Channels:    t.Channels,
		}
		*prev = sig
		r.log.Debug("init segment generated", "type", t.Type, "codec", t.Codec, "size", len(data))
	}
	return nil
}

// computeInitPTS takes the earliest audio or video timestamp, shifted back
// by the fragment's time offset, as the origin.
func (r *MP4Remuxer) computeInitPTS(video, audio *media.Track, hasVideo, hasAudio bool, timeOffset float64) {
	var ref, minPTS, minDTS int64
	if hasAudio {
		ref = audio.Samples[0].PTS
		minPTS, minDTS = ref, ref
	}
	if hasVideo {
		if !hasAudio {
			ref = video.Samples[0].DTS
			minPTS, minDTS = math.MaxInt64, math.MaxInt64
		}
		for _, s := range video.Samples {
			minPTS = min(minPTS, Normalize(s.PTS, ref))
		}
		minDTS = min(minDTS, Normalize(video.Samples[0].DTS, ref))
	}
	offset := ticks(timeOffset)
	r.initPTS, r.initDTS = minPTS-offset, minDTS-offset
	r.initKnown = true
	r.log.Info("timestamp origin found", "initPTS", r.initPTS, "initDTS", r.initDTS, "timeOffset", timeOffset)
}

type videoSample struct {
	pts, dts int64
	s        *media.Sample
}

// remuxVideo rebases video timestamps, repairs the join with the previous
// fragment and writes one moof+mdat. audioEnd is the end of the audio of
// the same fragment in 90 kHz ticks, or -1.
func (r *MP4Remuxer) remuxVideo(track *media.Track, opts Options, audioEnd int64) (*TrackFragment, error) {
	contiguous := opts.Contiguous && r.haveNextVideo
	ref := ticks(opts.TimeOffset)
	if contiguous {
		ref = r.nextVideoDTS
	}

	v := make([]videoSample, len(track.Samples))
	for i, s := range track.Samples {
		dts := Normalize(s.DTS-r.initDTS, ref)
		v[i] = videoSample{pts: Normalize(s.PTS-r.initPTS, dts), dts: dts, s: s}
	}
	slices.SortStableFunc(v, func(a, b videoSample) int { return cmp.Compare(a.dts, b.dts) })

	if contiguous {
		if delta := v[0].dts - r.nextVideoDTS; delta >= contiguityTolerance || delta <= -contiguityTolerance {
			kind := "hole"
			if delta < 0 {
				kind = "overlap"
			}
			r.log.Debug("video "+kind+" between fragments", "sn", opts.SN, "ms", delta/contiguityTolerance)
			v[0].dts = r.nextVideoDTS
			v[0].pts = max(v[0].pts-delta, r.nextVideoDTS)
		}
	}
	if v[0].dts < 0 {
		shift := -v[0].dts
		r.log.Debug("negative video DTS, shifting track", "sn", opts.SN, "ticks", shift)
		for i := range v {
			v[i].dts += shift
		}
	}
	for i := 1; i < len(v); i++ {
		if v[i].dts < v[i-1].dts {
			v[i].dts = v[i-1].dts
		}
	}

	n := len(v)
	lastDur := r.lastVideoDur
	if n > 1 && v[n-1].dts > v[n-2].dts {
		lastDur = v[n-1].dts - v[n-2].dts
	}
	if lastDur <= 0 {
		lastDur = fallbackFrameDuration
	}
	stretched := lastDur
	if r.cfg.StretchShortVideoTrack && audioEnd >= 0 {
		if gap := audioEnd - (v[n-1].pts + lastDur); gap > ticks(r.maxHole) {
			stretched += gap
			r.log.Debug("stretching last video frame to audio end", "sn", opts.SN, "ticks", gap)
		}
	}

	out := make([]mp4.Sample, n)
	minPTS, maxPTS := v[0].pts, v[0].pts
	clamped := 0
	for i, x := range v {
		dur := stretched
		if i < n-1 {
			dur = v[i+1].dts - x.dts
		}
		cts := x.pts - x.dts
		if cts < 0 {
			cts = 0
			clamped++
		}
		payload, err := mp4.AVCPayload(x.s.Units)
		if err != nil {
			return nil, muxError(err)
		}
		out[i] = mp4.Sample{
			Duration:          uint32(dur),
			CompositionOffset: int32(cts),
			Key:               x.s.Key,
			Payload:           payload,
		}
		minPTS = min(minPTS, x.pts)
		maxPTS = max(maxPTS, x.pts)
	}
	if clamped > 0 {
		r.log.Debug("clamped negative composition offsets", "sn", opts.SN, "count", clamped)
	}

	frag := mp4.Fragment{
		SequenceNumber: r.nextSeq(),
		TrackID:        track.ID,
		BaseTime:       uint64(v[0].dts),
		Samples:        out,
	}
	data, err := frag.Marshal()
	if err != nil {
		return nil, muxError(err)
	}

	endDTS := v[n-1].dts + stretched
	r.nextVideoDTS, r.haveNextVideo = endDTS, true
	r.lastVideoDur = lastDur

	return &TrackFragment{
		Type:      media.TrackVideo,
		Data:      data,
		StartPTS:  seconds(minPTS),
		EndPTS:    seconds(maxPTS + stretched),
		StartDTS:  seconds(v[0].dts),
		EndDTS:    seconds(endDTS),
		NbSamples: n,
		Dropped:   track.Dropped,
	}, nil
}

type audioSample struct {
	pts  int64 // audio timescale
	data []byte
}

// remuxAudio places audio frames on a grid of whole frames in the audio
// timescale, dropping overlaps and filling holes. It returns the fragment
// and its end in 90 kHz ticks, or -1 when every frame was dropped.
func (r *MP4Remuxer) remuxAudio(track *media.Track, opts Options) (*TrackFragment, int64, error) {
	rate := int64(track.SampleRate)
	frame := int64(track.SamplesPerFrame())
	if r.audioRate != rate {
		r.haveNextAudio = false
		r.audioRate = rate
	}

	ref := ticks(opts.TimeOffset)
	if r.haveNextAudio {
		ref = rescale(r.nextAudio, rate, media.InputTimescale)
	}
	samples := make([]audioSample, len(track.Samples))
	for i, s := range track.Samples {
		p := Normalize(s.PTS-r.initPTS, ref)
		samples[i] = audioSample{pts: rescale(p, media.InputTimescale, rate), data: s.Data}
	}

	offset := rescale(ticks(opts.TimeOffset), media.InputTimescale, rate)
	contiguous := opts.Contiguous
	if !contiguous && r.haveNextAudio {
		contiguous = (opts.AccurateTimeOffset && abs(offset-r.nextAudio) < rescale(audioOffsetTolerance, media.InputTimescale, rate)) ||
			abs(samples[0].pts-r.nextAudio) < audioFrameTolerance*frame
	}
	contiguous = contiguous && r.haveNextAudio

	dropped := 0
	if !contiguous {
		kept := samples[:0]
		for _, s := range samples {
			if s.pts < 0 {
				dropped++
				continue
			}
			kept = append(kept, s)
		}
		samples = kept
		if len(samples) == 0 {
			return &TrackFragment{Type: media.TrackAudio, Dropped: dropped}, -1, nil
		}
	}

	var next int64
	switch {
	case contiguous:
		next = r.nextAudio
	case opts.AccurateTimeOffset:
		next = max(0, offset)
	default:
		next = samples[0].pts
	}
	start := next

	drift := int64(max(1, r.cfg.MaxAudioFramesDrift)) * frame
	fillLimit := rescale(maxAudioFill, media.InputTimescale, rate)
	canFill := track.AudioCodec == media.AudioCodecAAC
	out := make([]mp4.Sample, 0, len(samples))
	filled := 0
	for _, s := range samples {
		delta := s.pts - next
		if delta <= -drift {
			dropped++
			continue
		}
		if canFill && delta >= drift && delta < fillLimit {
			missing := int(math.Round(float64(delta) / float64(frame)))
			filler := mp4.SilentFrame(track.ObjectType, track.Channels)
			if filler == nil {
				filler = s.data
			}
			for range missing {
				out = append(out, mp4.Sample{Duration: uint32(frame), Key: true, Payload: filler})
				next += frame
			}
			filled += missing
		}
		out = append(out, mp4.Sample{Duration: uint32(frame), Key: true, Payload: s.data})
		next += frame
	}
	if filled > 0 || dropped > 0 {
		r.log.Debug("audio timeline repaired", "sn", opts.SN, "filled", filled, "dropped", dropped)
	}
	if len(out) == 0 {
		return &TrackFragment{Type: media.TrackAudio, Dropped: dropped}, -1, nil
	}

	frag := mp4.Fragment{
		SequenceNumber: r.nextSeq(),
		TrackID:        track.ID,
		BaseTime:       uint64(start),
		Samples:        out,
	}
	data, err := frag.Marshal()
	if err != nil {
		return nil, -1, muxError(err)
	}
	r.nextAudio, r.haveNextAudio = next, true

	startSec := float64(start) / float64(rate)
	endSec := float64(next) / float64(rate)
	return &TrackFragment{
		Type:      media.TrackAudio,
		Data:      data,
		StartPTS:  startSec,
		EndPTS:    endSec,
		StartDTS:  startSec,
		EndDTS:    endSec,
		NbSamples: len(out),
		Dropped:   dropped,
	}, rescale(next, rate, media.InputTimescale), nil
}

func (r *MP4Remuxer) remuxID3(in []*media.MetadataSample, opts Options) []Metadata {
	if len(in) == 0 {
		return nil
	}
	ref := ticks(opts.TimeOffset)
	out := make([]Metadata, 0, len(in))
	for _, s := range in {
		pts := Normalize(s.PTS-r.initPTS, ref)
		dts := pts
		if s.DTS >= 0 {
			dts = Normalize(s.DTS-r.initDTS, ref)
		}
		out = append(out, Metadata{PTS: seconds(pts), DTS: seconds(dts), Data: s.Data})
	}
	return out
}

func (r *MP4Remuxer) remuxText(in []*media.UserdataSample, opts Options) []Userdata {
	if len(in) == 0 {
		return nil
	}
	ref := ticks(opts.TimeOffset)
	out := make([]Userdata, 0, len(in))
	for _, s := range in {
		out = append(out, Userdata{
			PTS:     seconds(Normalize(s.PTS-r.initPTS, ref)),
			Channel: s.Channel,
			Text:    s.Text,
		})
	}
	slices.SortStableFunc(out, func(a, b Userdata) int { return cmp.Compare(a.PTS, b.PTS) })
	return out
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
