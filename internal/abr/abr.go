// Package abr picks the quality level of the next fragment from a
// bandwidth estimate and the buffer ahead of the playhead, and abandons
// fragment loads that would stall playback.
package abr

import (
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/refract/internal/config"
	"github.com/zsiec/refract/internal/event"
	"github.com/zsiec/refract/internal/level"
	"github.com/zsiec/refract/internal/loader"
)

// Input is the playback state a decision is made from.
type Input struct {
	CurrentLevel int
	// BufferAhead is the buffered time ahead of the playhead in seconds.
	BufferAhead float64
	// FragDuration is the duration of the fragment last loaded, or 0.
	FragDuration float64
	PlaybackRate float64
}

// Controller selects levels. Its methods are safe for concurrent use.
type Controller struct {
	log *slog.Logger
	cfg config.ABR

	mu            sync.Mutex
	levels        []*level.Level
	live          bool
	estimator     *Estimator
	forcedLevel   int // next selection only; cleared by the next main fragment
	manualLevel   int
	lastLoadDelay float64
}

// New creates a controller. If log is nil, slog.Default() is used.
func New(cfg config.ABR, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		log:         log.With("component", "abr"),
		cfg:         cfg,
		forcedLevel: -1,
		manualLevel: -1,
	}
	c.estimator = c.newEstimator(false)
	return c
}

func (c *Controller) newEstimator(live bool) *Estimator {
	if live {
		return NewEstimator(c.cfg.EwmaSlowLive, c.cfg.EwmaFastLive, c.cfg.DefaultEstimate, c.cfg.MinDelay)
	}
	return NewEstimator(c.cfg.EwmaSlowVoD, c.cfg.EwmaFastVoD, c.cfg.DefaultEstimate, c.cfg.MinDelay)
}

// Attach subscribes the controller to the events it learns from and
// returns the unsubscribe function.
func (c *Controller) Attach(bus *event.Bus) func() {
	return bus.Subscribe(c.handle, event.KindManifestParsed, event.KindLevelLoaded, event.KindFragBuffered)
}

func (c *Controller) handle(e event.Event) {
	switch e := e.(type) {
	case event.ManifestParsed:
		c.SetLevels(e.Levels)
	case event.LevelLoaded:
		c.setLive(e.Details != nil && e.Details.Live)
	case event.FragBuffered:
		if e.Frag != nil && e.Frag.Type == level.FragmentMain && !e.Stats.Aborted {
			c.Sample(e.Stats)
			c.clearForcedLevel()
		}
	}
}

// SetLevels replaces the level list.
func (c *Controller) SetLevels(levels []*level.Level) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.levels = levels
	c.forcedLevel = -1
}

func (c *Controller) setLive(live bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if live != c.live {
		c.live = live
		c.estimator = c.newEstimator(live)
	}
}

// Sample feeds the estimator with a completed fragment load.
func (c *Controller) Sample(stats loader.Stats) {
	d := stats.Elapsed(time.Now())
	c.mu.Lock()
	defer c.mu.Unlock()
	c.estimator.Sample(d, stats.LoadedBytes)
	c.lastLoadDelay = d.Seconds()
}

// BwEstimate returns the bandwidth estimate in bits per second.
func (c *Controller) BwEstimate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.estimator.Estimate()
}

// SetManualLevel pins the level; -1 returns to automatic selection.
func (c *Controller) SetManualLevel(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manualLevel = i
}

// ManualLevel returns the pinned level or -1.
func (c *Controller) ManualLevel() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manualLevel
}

// SetNextLevel forces the next automatic choice, bounded below by the
// minimum auto level. Before the estimator has samples it is returned
// as is; after that it caps the automatic choice. The next buffered main
// fragment clears it.
func (c *Controller) SetNextLevel(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forcedLevel = max(i, c.minAutoLevel())
}

func (c *Controller) clearForcedLevel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forcedLevel = -1
}

// Downgrade forces the level below i for the next selection after loads
// of i failed. It reports false in manual mode and at the minimum auto
// level.
func (c *Controller) Downgrade(i int) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manualLevel >= 0 || i <= c.minAutoLevel() || i > len(c.levels)-1 {
		return -1, false
	}
	c.forcedLevel = i - 1
	c.log.Info("switching down after load errors", "from", i, "to", i-1)
	return i - 1, true
}

// NextLoadLevel returns the manual level when set, the automatic choice
// otherwise.
func (c *Controller) NextLoadLevel(in Input) int {
	if m := c.ManualLevel(); m >= 0 {
		return m
	}
	return c.NextAutoLevel(in)
}

// NextAutoLevel returns the best level for the current bandwidth and
// buffer.
func (c *Controller) NextAutoLevel(in Input) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.forcedLevel >= 0 && !c.estimator.CanEstimate() {
		return c.forcedLevel
	}
	next := c.nextABRLevel(in)
	if c.forcedLevel >= 0 {
		next = min(next, c.forcedLevel)
	}
	return next
}

func (c *Controller) minAutoLevel() int {
	for i, l := range c.levels {
		if l.Bitrate > c.cfg.MinAutoBitrate {
			return i
		}
	}
	return 0
}

func (c *Controller) maxAutoLevel() int {
	if c.cfg.AutoLevelCapping >= 0 && c.cfg.AutoLevelCapping < len(c.levels) {
		return c.cfg.AutoLevelCapping
	}
	return len(c.levels) - 1
}

func (c *Controller) nextABRLevel(in Input) int {
	rate := in.PlaybackRate
	if rate <= 0 {
		rate = 1
	}
	bw := c.estimator.Estimate()
	starvation := in.BufferAhead / rate
	lo, hi := c.minAutoLevel(), c.maxAutoLevel()

	if best := c.findBestLevel(in, bw, lo, hi, starvation, c.cfg.BandWidthFactor, c.cfg.BandWidthUpFactor); best >= 0 {
		return best
	}

	maxStarvation := c.cfg.MaxStarvationDelay
	if in.FragDuration > 0 {
		maxStarvation = min(in.FragDuration, maxStarvation)
	}
	bwFactor, bwUpFactor := c.cfg.BandWidthFactor, c.cfg.BandWidthUpFactor
	if starvation == 0 && c.lastLoadDelay > 0 {
		maxLoading := c.cfg.MaxLoadingDelay
		if in.FragDuration > 0 {
			maxLoading = min(in.FragDuration, maxLoading)
		}
		maxStarvation = maxLoading - c.lastLoadDelay
		bwFactor, bwUpFactor = 1, 1
	}
	best := c.findBestLevel(in, bw, lo, hi, starvation+maxStarvation, bwFactor, bwUpFactor)
	if best < 0 {
		best = lo
	}
	c.log.Debug("no level avoids rebuffering, relaxed", "bw", int64(bw), "starvation", starvation, "level", best)
	return best
}

// findBestLevel scans from hi down to lo and returns the first level whose
// bitrate fits the adjusted bandwidth and whose average fragment loads
// within maxFetch, or -1.
func (c *Controller) findBestLevel(in Input, bw float64, lo, hi int, maxFetch, bwFactor, bwUpFactor float64) int {
	for i := hi; i >= lo; i-- {
		l := c.levels[i]
		avgDuration := in.FragDuration
		live := false
		if l.Details != nil {
			avgDuration = l.Details.AverageDuration()
			live = l.Details.Live
		}
		adjusted := bwUpFactor * bw
		if i <= in.CurrentLevel {
			adjusted = bwFactor * bw
		}
		bitrate := float64(l.Bitrate)
		fetch := bitrate * avgDuration / adjusted
		if adjusted > bitrate && (fetch == 0 || live || fetch < maxFetch) {
			return i
		}
	}
	return -1
}

// AbandonInput describes a fragment load in flight.
type AbandonInput struct {
	Frag  *level.Fragment
	Stats loader.Stats
	Now   time.Time
	// BufferAhead is the buffered time ahead of the playhead in seconds.
	BufferAhead  float64
	PlaybackRate float64
}

// CheckAbandon decides whether the load described by in should be
// aborted. When it returns true the load must be aborted; the returned
// level has been forced for the next selection.
func (c *Controller) CheckAbandon(in AbandonInput) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := in.Frag
	if f == nil || in.Stats.Aborted || f.Level <= 0 || f.Level >= len(c.levels) || c.manualLevel >= 0 {
		return -1, false
	}
	rate := in.PlaybackRate
	if rate <= 0 {
		rate = 1
	}
	requestDelay := in.Stats.Elapsed(in.Now).Seconds()
	// Wait for half the fragment duration to get a stable rate.
	if requestDelay <= f.Duration/2/rate {
		return -1, false
	}

	loadRate := max(1, float64(in.Stats.LoadedBytes)/requestDelay) // bytes per second
	expected := float64(in.Stats.TotalBytes)
	if expected <= 0 {
		expected = max(float64(in.Stats.LoadedBytes), f.Duration*float64(c.levels[f.Level].Bitrate)/8)
	}
	remaining := (expected - float64(in.Stats.LoadedBytes)) / loadRate
	starvation := in.BufferAhead / rate
	if starvation >= 2*f.Duration/rate || remaining <= starvation {
		return -1, false
	}

	lo := c.minAutoLevel()
	next := f.Level - 1
	var nextDelay float64
	for ; next >= lo; next-- {
		nextDelay = f.Duration * float64(c.levels[next].Bitrate) / (8 * c.cfg.AbandonFactor * loadRate)
		if nextDelay < starvation || next == lo {
			break
		}
	}
	if next < lo || nextDelay >= remaining {
		return -1, false
	}

	c.log.Warn("abandoning fragment load",
		"sn", f.SN, "level", f.Level, "next", next,
		"remaining", remaining, "starvation", starvation, "nextDelay", nextDelay)
	c.forcedLevel = max(next, lo)
	c.estimator.Sample(in.Stats.Elapsed(in.Now), in.Stats.LoadedBytes)
	return next, true
}
