// Package level is the model of quality levels, their media playlists and
// fragments. The playlist adapter creates and replaces Details; the stream
// controller updates fragment timing once fragments are remuxed.
package level

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/zsiec/refract/internal/crypt"
)

var ErrFragmentGap = errors.New("level: fragments not contiguous")

// FragmentType tells which pipeline loads a fragment.
type FragmentType uint8

const (
	FragmentMain FragmentType = iota
	FragmentAudio
)

func (t FragmentType) String() string {
	if t == FragmentAudio {
		return "audio"
	}
	return "main"
}

// Decrypt describes how a fragment is encrypted.
type Decrypt struct {
	Method string // crypt.MethodNone, crypt.MethodAES128 or crypt.MethodSampleAES
	KeyURI string
	IV     []byte // nil means the default IV derived from the sequence number
	Key    []byte // filled by the key loader
}

// Fragment is one media segment of a playlist.
type Fragment struct {
	SN       int
	CC       int
	Level    int
	Type     FragmentType
	URL      string
	Start    float64 // seconds
	Duration float64 // seconds
	Offset   int64   // byte range start
	Length   int64   // byte range length, 0 for the whole resource
	Decrypt  Decrypt

	ProgramDateTime time.Time

	// Set after remux.
	HasPTS   bool
	StartPTS float64
	EndPTS   float64
	StartDTS float64
	EndDTS   float64
	Dropped  int

	LoadCounter int
	LoadIdx     int
	Backtracked bool
}

// End returns Start + Duration.
func (f *Fragment) End() float64 {
	return f.Start + f.Duration
}

// Encrypted reports whether the fragment needs a key.
func (f *Fragment) Encrypted() bool {
	return f.Decrypt.Method != "" && f.Decrypt.Method != crypt.MethodNone
}

// IV returns the explicit IV or the one derived from the sequence number.
func (f *Fragment) IV() []byte {
	if len(f.Decrypt.IV) > 0 {
		return f.Decrypt.IV
	}
	return crypt.DefaultIV(uint64(f.SN))
}

func (f *Fragment) String() string {
	return fmt.Sprintf("%s fragment %d of level %d [%.3f, %.3f]", f.Type, f.SN, f.Level, f.Start, f.End())
}

// Details is a loaded media playlist.
type Details struct {
	URL            string
	Fragments      []*Fragment
	StartSN        int
	EndSN          int
	StartCC        int
	EndCC          int
	Live           bool
	TargetDuration float64
	TotalDuration  float64
	InitSegment    *Fragment
	PTSKnown       bool
	Updated        time.Time
	Misses         int // refreshes that brought no new fragment
}

// Validate checks that fragments are numbered without gaps.
func (d *Details) Validate() error {
	for i, f := range d.Fragments {
		if f.SN != d.StartSN+i {
			return fmt.Errorf("%w: index %d has sn %d, want %d", ErrFragmentGap, i, f.SN, d.StartSN+i)
		}
	}
	if n := len(d.Fragments); n > 0 && d.EndSN-d.StartSN+1 != n {
		return fmt.Errorf("%w: sn range %d-%d for %d fragments", ErrFragmentGap, d.StartSN, d.EndSN, n)
	}
	return nil
}

// Fragment returns the fragment with the given sequence number, or nil.
func (d *Details) Fragment(sn int) *Fragment {
	i := sn - d.StartSN
	if i < 0 || i >= len(d.Fragments) {
		return nil
	}
	return d.Fragments[i]
}

// SlidingStart is the start time of the first fragment.
func (d *Details) SlidingStart() float64 {
	if len(d.Fragments) == 0 {
		return 0
	}
	return d.Fragments[0].Start
}

// Edge is the end time of the last fragment.
func (d *Details) Edge() float64 {
	if len(d.Fragments) == 0 {
		return 0
	}
	return d.Fragments[len(d.Fragments)-1].End()
}

// AverageDuration returns the mean fragment duration, or the target
// duration when the playlist is empty.
func (d *Details) AverageDuration() float64 {
	if len(d.Fragments) == 0 {
		return d.TargetDuration
	}
	return d.TotalDuration / float64(len(d.Fragments))
}

// Recompute refreshes the derived fields after Fragments changed.
func (d *Details) Recompute() {
	if len(d.Fragments) == 0 {
		d.TotalDuration = 0
		return
	}
	first, last := d.Fragments[0], d.Fragments[len(d.Fragments)-1]
	d.StartSN, d.EndSN = first.SN, last.SN
	d.StartCC, d.EndCC = first.CC, last.CC
	d.TotalDuration = last.End() - first.Start
}

// Level is one variant stream.
type Level struct {
	ID         int
	Bitrate    int // bits per second
	Width      int
	Height     int
	VideoCodec string
	AudioCodec string
	Name       string

	URLs     []string // redundant streams, tried in order
	URLIndex int

	Details       *Details
	LoadError     int
	FragmentError int
}

// URL returns the active playlist URL.
func (l *Level) URL() string {
	if len(l.URLs) == 0 {
		return ""
	}
	return l.URLs[l.URLIndex%len(l.URLs)]
}

// Failover switches to the next redundant URL. It reports false when all
// URLs have been tried. Details stay until the new playlist replaces them.
func (l *Level) Failover() bool {
	if l.URLIndex+1 >= len(l.URLs) {
		return false
	}
	l.URLIndex++
	l.LoadError = 0
	l.FragmentError = 0
	return true
}

// MaxBufferLength returns the forward buffer target for this level: the
// larger of maxLength and the time maxSize bytes last at the level's
// bitrate, capped at maxMax.
func (l *Level) MaxBufferLength(maxLength, maxMax float64, maxSize int) float64 {
	target := maxLength
	if l.Bitrate > 0 {
		target = math.Max(maxLength, float64(maxSize)*8/float64(l.Bitrate))
	}
	return math.Min(target, maxMax)
}
