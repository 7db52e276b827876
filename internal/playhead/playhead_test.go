package playhead

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/zsiec/refract/internal/buffer"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setup(ranges buffer.Ranges) (*Playhead, *fakeClock, *buffer.Ranges) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	r := ranges
	p := New(func() buffer.Ranges { return r }, WithClock(clk.Now), WithMaxHole(0.1))
	return p, clk, &r
}

func TestPlayhead_AdvancesWhileBuffered(t *testing.T) {
	t.Parallel()
	p, clk, _ := setup(buffer.Ranges{{Start: 0, End: 10}})
	clk.Add(time.Second)
	assert.Zero(t, p.CurrentTime(), "paused")

	p.Play()
	clk.Add(2 * time.Second)
	assert.InDelta(t, 2, p.CurrentTime(), 1e-9)

	clk.Add(20 * time.Second)
	assert.InDelta(t, 10, p.CurrentTime(), 1e-9, "stops at the buffered end")
	clk.Add(time.Second)
	assert.True(t, p.Stalled())
}

func TestPlayhead_ResumesWhenDataArrives(t *testing.T) {
	t.Parallel()
	p, clk, r := setup(buffer.Ranges{{Start: 0, End: 4}})
	p.Play()
	clk.Add(5 * time.Second)
	assert.InDelta(t, 4, p.CurrentTime(), 1e-9)
	assert.True(t, p.Stalled())

	*r = buffer.Ranges{{Start: 0, End: 8}}
	clk.Add(time.Second)
	assert.InDelta(t, 4, p.CurrentTime(), 1e-9, "stalled time is not played")
	clk.Add(time.Second)
	assert.InDelta(t, 5, p.CurrentTime(), 1e-9)
	assert.False(t, p.Stalled())
}

func TestPlayhead_Seek(t *testing.T) {
	t.Parallel()
	p, clk, r := setup(buffer.Ranges{{Start: 0, End: 4}})
	p.Play()
	p.Seek(20)
	assert.True(t, p.Seeking())
	clk.Add(time.Second)
	assert.InDelta(t, 20, p.CurrentTime(), 1e-9)

	*r = buffer.Ranges{{Start: 0, End: 4}, {Start: 20, End: 30}}
	assert.False(t, p.Seeking())
	clk.Add(time.Second)
	assert.InDelta(t, 21, p.CurrentTime(), 1e-9)
}

func TestPlayhead_EndedAndRate(t *testing.T) {
	t.Parallel()
	p, clk, _ := setup(buffer.Ranges{{Start: 0, End: 12}})
	p.SetDuration(12)
	p.SetPlaybackRate(2)
	p.Play()
	clk.Add(5 * time.Second)
	assert.InDelta(t, 10, p.CurrentTime(), 1e-9)
	assert.False(t, p.Ended())
	clk.Add(5 * time.Second)
	assert.True(t, p.Ended())
	assert.Equal(t, 2.0, p.PlaybackRate())
}
