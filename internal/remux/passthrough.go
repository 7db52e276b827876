package remux

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	mcmp4 "github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/zsiec/refract/internal/buffer"
	"github.com/zsiec/refract/internal/demux"
	"github.com/zsiec/refract/internal/media"
)

var (
	ErrNoInit      = errors.New("remux: fMP4 fragment without init segment")
	ErrNoMediaData = errors.New("remux: fMP4 fragment without moof")
)

type passthroughTrack struct {
	timescale uint32
	video     bool
}

// Passthrough forwards fMP4 fragments unchanged and reports their timing.
// All tracks of the init segment are exposed as one buffer track: video
// when the init segment holds a video track, audio otherwise.
type Passthrough struct {
	log *slog.Logger

	initData []byte
	info     buffer.TrackInfo
	tracks   map[int]passthroughTrack
	emitted  bool

	initKnown bool
	initPTS   int64
	initDTS   int64
}

// NewPassthrough creates a passthrough remuxer. If log is nil,
// slog.Default() is used.
func NewPassthrough(log *slog.Logger) *Passthrough {
	if log == nil {
		log = slog.Default()
	}
	return &Passthrough{log: log.With("component", "passthrough")}
}

func (p *Passthrough) ResetTimeStamp(ts *Timestamps) {
	if ts == nil {
		p.initKnown = false
		return
	}
	p.initKnown = true
	p.initPTS, p.initDTS = ts.InitPTS, ts.InitDTS
}

// ResetNextTimestamp is a no-op; passthrough keeps no timeline state.
func (p *Passthrough) ResetNextTimestamp() {}

func (p *Passthrough) ResetInitSegment() {
	p.initData = nil
	p.tracks = nil
	p.emitted = false
}

// Remux forwards data. init is the EXT-X-MAP segment of the fragment, or
// nil when data carries its own moov or the previous one still applies.
func (p *Passthrough) Remux(data, init []byte, opts Options) (*Result, error) {
	if embedded, rest := SplitInit(data); embedded != nil {
		init, data = embedded, rest
	}
	if init != nil && !bytes.Equal(init, p.initData) {
		if err := p.parseInit(init); err != nil {
			return nil, err
		}
	}
	if p.initData == nil {
		return nil, ErrNoInit
	}

	res := &Result{}
	if !p.emitted {
		res.Tracks = map[media.TrackType]buffer.TrackInfo{p.info.Type: p.info}
		p.emitted = true
	}
	if len(data) == 0 {
		res.InitPTS, res.InitDTS = p.initPTS, p.initDTS
		return res, nil
	}

	var parts fmp4.Parts
	if err := parts.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("remux: parse fMP4 fragment: %w", err)
	}
	startPTS, endPTS := math.Inf(1), math.Inf(-1)
	startDTS, endDTS := math.Inf(1), math.Inf(-1)
	samples := 0
	for _, part := range parts {
		for _, pt := range part.Tracks {
			tr, ok := p.tracks[pt.ID]
			if !ok || tr.timescale == 0 {
				continue
			}
			ts := float64(tr.timescale)
			dts := pt.BaseTime
			for _, s := range pt.Samples {
				pts := float64(int64(dts)+int64(s.PTSOffset)) / ts
				startPTS = math.Min(startPTS, pts)
				endPTS = math.Max(endPTS, pts+float64(s.Duration)/ts)
				dts += uint64(s.Duration)
				samples++
			}
			startDTS = math.Min(startDTS, float64(pt.BaseTime)/ts)
			endDTS = math.Max(endDTS, float64(dts)/ts)
		}
	}
	if samples == 0 {
		return nil, ErrNoMediaData
	}

	if !p.initKnown {
		p.initPTS = ticks(startPTS - opts.TimeOffset)
		p.initDTS = ticks(startDTS - opts.TimeOffset)
		p.initKnown = true
		res.InitPTSFound = true
		p.log.Info("timestamp origin found", "initPTS", p.initPTS, "timeOffset", opts.TimeOffset)
	}
	res.InitPTS, res.InitDTS = p.initPTS, p.initDTS

	originPTS, originDTS := seconds(p.initPTS), seconds(p.initDTS)
	frag := &TrackFragment{
		Type:      p.info.Type,
		Data:      data,
		StartPTS:  startPTS - originPTS,
		EndPTS:    endPTS - originPTS,
		StartDTS:  startDTS - originDTS,
		EndDTS:    endDTS - originDTS,
		NbSamples: samples,
	}
	if frag.Type == media.TrackVideo {
		res.Video = frag
	} else {
		res.Audio = frag
	}
	return res, nil
}

func (p *Passthrough) parseInit(data []byte) error {
	var init fmp4.Init
	if err := init.Unmarshal(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("remux: parse fMP4 init: %w", err)
	}
	info := buffer.TrackInfo{Type: media.TrackAudio, Container: "audio/mp4", InitSegment: data}
	tracks := make(map[int]passthroughTrack, len(init.Tracks))
	var codecs []string
	for _, t := range init.Tracks {
		c := describeCodec(t.Codec)
		if c.video {
			info.Type, info.Container, info.ID = media.TrackVideo, "video/mp4", t.ID
			info.Width, info.Height = c.width, c.height
		} else {
			if info.ID == 0 {
				info.ID = t.ID
			}
			info.SampleRate, info.Channels = c.sampleRate, c.channels
		}
		if c.name != "" {
			codecs = append(codecs, c.name)
		}
		tracks[t.ID] = passthroughTrack{timescale: t.TimeScale, video: c.video}
	}
	info.Codec = strings.Join(codecs, ",")

	p.initData = data
	p.info = info
	p.tracks = tracks
	p.emitted = false
	p.log.Debug("init segment parsed", "tracks", len(tracks), "codecs", info.Codec)
	return nil
}

type codecInfo struct {
	name       string
	video      bool
	width      int
	height     int
	sampleRate int
	channels   int
}

func describeCodec(c mcmp4.Codec) codecInfo {
	switch c := c.(type) {
	case *mcmp4.CodecH264:
		info := codecInfo{name: "avc1", video: true}
		if sps, err := demux.ParseSPS(c.SPS); err == nil {
			info.name, info.width, info.height = sps.CodecString(), sps.Width, sps.Height
		}
		return info
	case *mcmp4.CodecH265:
		return codecInfo{name: "hvc1", video: true}
	case *mcmp4.CodecAV1:
		return codecInfo{name: "av01", video: true}
	case *mcmp4.CodecVP9:
		return codecInfo{name: "vp09", video: true, width: c.Width, height: c.Height}
	case *mcmp4.CodecMPEG4Audio:
		return codecInfo{
			name:       fmt.Sprintf("mp4a.40.%d", c.Config.Type),
			sampleRate: c.Config.SampleRate,
			channels:   c.Config.ChannelCount,
		}
	case *mcmp4.CodecMPEG1Audio:
		return codecInfo{name: "mp4a.40.34", sampleRate: c.SampleRate, channels: c.ChannelCount}
	case *mcmp4.CodecAC3:
		return codecInfo{name: "ac-3", sampleRate: c.SampleRate, channels: c.ChannelCount}
	case *mcmp4.CodecOpus:
		return codecInfo{name: "opus", sampleRate: 48000, channels: c.ChannelCount}
	}
	return codecInfo{}
}

// SplitInit separates a leading ftyp+moov from data. It returns nil init
// when data holds no moov.
func SplitInit(data []byte) (init, rest []byte) {
	off := 0
	for off+8 <= len(data) {
		size := int(binary.BigEndian.Uint32(data[off:]))
		typ := string(data[off+4 : off+8])
		if size < 8 || off+size > len(data) {
			return nil, data
		}
		off += size
		switch typ {
		case "moov":
			return data[:off], data[off:]
		case "ftyp", "styp", "free", "sidx":
		default:
			return nil, data
		}
	}
	return nil, data
}
