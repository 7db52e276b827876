// Package remux turns demuxed elementary streams into fragmented MP4 and
// keeps their timeline continuous across fragments.
//
// Input timestamps are 33-bit 90 kHz values. They are unwrapped against a
// reference, rebased on the initial PTS of the discontinuity domain and
// written as tfdt and sample durations. Video keeps the 90 kHz timescale;
// audio uses its sample rate so frame durations are exact.
package remux

import (
	"github.com/zsiec/refract/internal/buffer"
	"github.com/zsiec/refract/internal/media"
)

const (
	wrapPeriod    = int64(1) << 33
	wrapThreshold = int64(1) << 32
)

// Normalize unwraps the 33-bit timestamp v so that it is the value
// closest to ref.
func Normalize(v, ref int64) int64 {
	for v-ref > wrapThreshold {
		v -= wrapPeriod
	}
	for ref-v > wrapThreshold {
		v += wrapPeriod
	}
	return v
}

// Timestamps is the origin of a discontinuity domain in 90 kHz ticks.
type Timestamps struct {
	InitPTS int64
	InitDTS int64
}

// Options controls one Remux call.
type Options struct {
	// TimeOffset is the playlist start of the fragment in seconds.
	TimeOffset float64
	// Contiguous is set when the fragment directly follows the previous
	// one of the same level.
	Contiguous bool
	// AccurateTimeOffset is set when TimeOffset comes from known media
	// timing rather than an estimate from the playlist.
	AccurateTimeOffset bool
	// SN tags the fragments of the result.
	SN int
	// Level tags the fragments of the result.
	Level int
}

// TrackFragment is one moof+mdat pair with its timing in seconds.
type TrackFragment struct {
	Type      media.TrackType
	Data      []byte
	StartPTS  float64
	EndPTS    float64
	StartDTS  float64
	EndDTS    float64
	NbSamples int
	Dropped   int
}

// Metadata is an ID3 sample rebased on the presentation timeline.
type Metadata struct {
	PTS  float64
	DTS  float64
	Data []byte
}

// Userdata is caption text rebased on the presentation timeline.
type Userdata struct {
	PTS     float64
	Channel int
	Text    string
}

// Result is the output of one Remux call.
type Result struct {
	// Tracks holds the init segments generated by this call, keyed by
	// track type. It is empty when none changed.
	Tracks map[media.TrackType]buffer.TrackInfo

	// InitPTSFound is set when this call established the timestamp origin.
	InitPTSFound bool
	InitPTS      int64
	InitDTS      int64

	Audio *TrackFragment
	Video *TrackFragment
	ID3   []Metadata
	Text  []Userdata
}

// HasAudio reports whether the result carries audio samples.
func (r *Result) HasAudio() bool { return r.Audio != nil && r.Audio.NbSamples > 0 }

// HasVideo reports whether the result carries video samples.
func (r *Result) HasVideo() bool { return r.Video != nil && r.Video.NbSamples > 0 }

// Span returns the presentation and decode interval covered by the result,
// the union over its tracks.
func (r *Result) Span() (startPTS, endPTS, startDTS, endDTS float64, ok bool) {
	for _, f := range []*TrackFragment{r.Video, r.Audio} {
		if f == nil || f.NbSamples == 0 {
			continue
		}
		if !ok {
			startPTS, endPTS, startDTS, endDTS, ok = f.StartPTS, f.EndPTS, f.StartDTS, f.EndDTS, true
			continue
		}
		startPTS = min(startPTS, f.StartPTS)
		endPTS = max(endPTS, f.EndPTS)
		startDTS = min(startDTS, f.StartDTS)
		endDTS = max(endDTS, f.EndDTS)
	}
	return startPTS, endPTS, startDTS, endDTS, ok
}
