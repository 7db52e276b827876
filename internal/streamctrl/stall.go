package streamctrl

import (
	"errors"
	"math"
	"time"

	"github.com/zsiec/refract/internal/event"
	"github.com/zsiec/refract/internal/hlserr"
)

const (
	// skipHoleStart is added past the start of the next range when the
	// playhead jumps a hole.
	skipHoleStart = 0.05
	// skipHoleStep is the minimum jump over a hole.
	skipHoleStep = 0.1
)

var errStalled = errors.New("playback stalled with data buffered")

// stallDetector tracks how long the playhead has not moved.
type stallDetector struct {
	lastPos  float64
	since    time.Time
	nudges   int
	nudgedTo float64
}

func (s *stallDetector) reset() {
	s.since = time.Time{}
	s.nudges = 0
	s.nudgedTo = math.NaN()
}

// checkStall watches a playing, non-seeking playhead. Once it has not
// moved for StallDetectionDelay, a hole ahead is skipped when little is
// buffered; with a healthy buffer the playhead is nudged forward, up to
// NudgeMaxRetry times before the stall is fatal.
func (c *Controller) checkStall(now time.Time) {
	if !c.loadedMetadata || c.state == StateError || c.state == StateEnded {
		return
	}
	m := c.media
	pos := m.CurrentTime()
	if pos != c.stall.lastPos {
		c.stall.lastPos = pos
		c.stall.since = time.Time{}
		if pos != c.stall.nudgedTo {
			c.stall.nudges = 0
		}
		return
	}
	if m.Paused() || m.Seeking() || m.Ended() {
		c.stall.since = time.Time{}
		return
	}
	if c.stall.since.IsZero() {
		c.stall.since = now
		return
	}
	if now.Sub(c.stall.since) < c.cfg.Buffer.StallDetectionDelay {
		return
	}

	info := c.buf.Buffered().InfoAt(pos, 0)
	if info.Len < c.cfg.Buffer.LowBuffer {
		if !info.HasNext {
			// Starved; wait for data.
			return
		}
		target := math.Max(info.NextStart+skipHoleStart, pos+skipHoleStep)
		c.log.Warn("playhead stalled before a buffer hole, skipping it", "position", pos, "to", target)
		e := hlserr.New(hlserr.MediaError, hlserr.BufferSeekOverHole, errStalled)
		c.bus.Emit(event.Error{Err: e})
		c.stall.since = time.Time{}
		m.Seek(target)
		return
	}

	c.stall.nudges++
	if c.stall.nudges > c.cfg.Buffer.NudgeMaxRetry {
		c.fatal(hlserr.New(hlserr.MediaError, hlserr.BufferStalledError, errStalled), nil)
		return
	}
	target := pos + c.cfg.Buffer.NudgeOffset*float64(c.stall.nudges)
	c.log.Warn("playhead stalled with data buffered, nudging", "position", pos, "to", target, "attempt", c.stall.nudges)
	e := hlserr.New(hlserr.MediaError, hlserr.BufferNudgeOnStall, errStalled)
	c.bus.Emit(event.Error{Err: e})
	c.stall.since = time.Time{}
	c.stall.nudgedTo = target
	m.Seek(target)
}
