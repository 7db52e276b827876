// Package playhead is a virtual media element: a position that advances
// with a clock while it is inside buffered media and stalls otherwise.
package playhead

import (
	"sync"
	"time"

	"github.com/zsiec/refract/internal/buffer"
)

// BufferedFunc returns the ranges playable at the moment.
type BufferedFunc func() buffer.Ranges

// Playhead implements the media element the stream controller drives.
// Its methods are safe for concurrent use.
type Playhead struct {
	buffered BufferedFunc
	now      func() time.Time
	maxHole  float64

	mu       sync.Mutex
	pos      float64
	last     time.Time
	rate     float64
	paused   bool
	seeking  bool
	duration float64
	stalled  bool
}

// Option configures a Playhead.
type Option func(*Playhead)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Playhead) { p.now = now }
}

// WithMaxHole sets the gap between ranges the playhead plays across.
func WithMaxHole(sec float64) Option {
	return func(p *Playhead) { p.maxHole = sec }
}

// New creates a paused playhead at position 0.
func New(buffered BufferedFunc, opts ...Option) *Playhead {
	p := &Playhead{buffered: buffered, now: time.Now, rate: 1, paused: true}
	for _, o := range opts {
		o(p)
	}
	p.last = p.now()
	return p
}

// advance moves the position by the wall time elapsed since the last call,
// without leaving the buffered range it is in. Callers hold mu.
func (p *Playhead) advance() {
	now := p.now()
	elapsed := now.Sub(p.last).Seconds()
	p.last = now

	info := p.buffered().InfoAt(p.pos, p.maxHole)
	if p.seeking && info.Len > 0 {
		p.seeking = false
	}
	if p.paused || p.seeking {
		return
	}
	if info.Len <= 0 {
		p.stalled = true
		return
	}
	if p.stalled {
		// Resume from now; stalled time is not played.
		p.stalled = false
		return
	}
	p.pos = min(p.pos+elapsed*p.rate, info.End)
	if p.duration > 0 {
		p.pos = min(p.pos, p.duration)
	}
}

// CurrentTime returns the position in seconds.
func (p *Playhead) CurrentTime() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
	return p.pos
}

// Seek moves the position. The playhead reports seeking until the new
// position is buffered.
func (p *Playhead) Seek(t float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
	p.pos = max(0, t)
	p.seeking = true
	p.stalled = false
}

// Play starts playback.
func (p *Playhead) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
	p.paused = false
}

// Pause stops playback.
func (p *Playhead) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
	p.paused = true
}

func (p *Playhead) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Playhead) Seeking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
	return p.seeking
}

// Stalled reports whether playback wants to advance but the position is
// not buffered.
func (p *Playhead) Stalled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
	return p.stalled
}

// SetDuration sets the media duration once known; 0 means unknown.
func (p *Playhead) SetDuration(d float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.duration = d
}

// Ended reports whether the position reached a known duration.
func (p *Playhead) Ended() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
	return p.duration > 0 && p.pos >= p.duration-1e-3
}

// SetPlaybackRate changes the speed; values <= 0 are ignored.
func (p *Playhead) SetPlaybackRate(r float64) {
	if r <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
	p.rate = r
}

func (p *Playhead) PlaybackRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rate
}
