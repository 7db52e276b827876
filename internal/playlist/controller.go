package playlist

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/refract/internal/config"
	"github.com/zsiec/refract/internal/event"
	"github.com/zsiec/refract/internal/hlserr"
	"github.com/zsiec/refract/internal/level"
	"github.com/zsiec/refract/internal/loader"
)

// Downgrader moves loading below a level whose playlist cannot be loaded.
type Downgrader interface {
	Downgrade(level int) (int, bool)
}

// Controller loads the manifest and the media playlist of the active
// level, refreshing it while it is live. Parsed details are handed out in
// LevelLoaded events; the receiver merges them into the level model.
type Controller struct {
	log    *slog.Logger
	cfg    config.Config
	loader loader.Loader
	bus    *event.Bus

	requests   chan int
	downgrader Downgrader

	mu      sync.Mutex
	levels  []*level.Level
	current int
	endSN   map[int]int // last EndSN seen per level
	misses  map[int]int
}

// New creates a playlist controller. If log is nil, slog.Default() is used.
func New(cfg config.Config, l loader.Loader, bus *event.Bus, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		log:      log.With("component", "playlist"),
		cfg:      cfg,
		loader:   l,
		bus:      bus,
		requests: make(chan int, 1),
		current:  -1,
		endSN:    make(map[int]int),
		misses:   make(map[int]int),
	}
}

// Attach subscribes the controller to level switches.
func (c *Controller) Attach(bus *event.Bus) func() {
	return bus.Subscribe(func(e event.Event) {
		if ev, ok := e.(event.LevelSwitching); ok {
			c.Request(ev.Level)
		}
	}, event.KindLevelSwitching)
}

// SetDowngrader installs the fallback used when a level and its redundant
// URLs all fail. It must be called before Run.
func (c *Controller) SetDowngrader(d Downgrader) {
	c.downgrader = d
}

// Levels returns the levels of the parsed manifest.
func (c *Controller) Levels() []*level.Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.levels
}

// LoadManifest fetches and parses the playlist at u. Errors are fatal and
// also emitted on the bus.
func (c *Controller) LoadManifest(ctx context.Context, u string) ([]*level.Level, error) {
	c.bus.Emit(event.ManifestLoading{URL: u})
	resp, stats, err := loader.Fetch(ctx, c.loader, loader.Context{URL: u}, c.cfg.Loading.Manifest)
	if err != nil {
		details := hlserr.ManifestLoadError
		if errors.Is(err, loader.ErrTimeout) {
			details = hlserr.ManifestLoadTimeout
		}
		return nil, c.fail(hlserr.NetworkError, details, u, -1, err)
	}
	base := resp.URL
	if base == "" {
		base = u
	}

	levels, first, err := Parse(resp.Data, base)
	if err != nil {
		details := hlserr.ManifestParsingError
		if errors.Is(err, ErrIncompatibleCodec) {
			details = hlserr.ManifestIncompatibleCodecsError
		}
		return nil, c.fail(hlserr.NetworkError, details, u, -1, err)
	}

	c.mu.Lock()
	c.levels = levels
	c.mu.Unlock()

	c.log.Info("manifest loaded", "url", base, "levels", len(levels))
	c.bus.Emit(event.ManifestLoaded{URL: base, Levels: levels, Stats: stats})
	c.bus.Emit(event.ManifestParsed{Levels: levels, FirstLevel: first})

	// A media playlist loaded as the manifest is already level 0.
	if len(levels) == 1 && levels[0].Details != nil {
		d := levels[0].Details
		c.mu.Lock()
		c.current = 0
		c.endSN[0] = d.EndSN
		c.mu.Unlock()
		c.bus.Emit(event.LevelLoaded{Level: 0, Details: d, Stats: stats})
	}
	return levels, nil
}

// Request asks for level i to be loaded and refreshed. A pending request
// is replaced.
func (c *Controller) Request(i int) {
	for {
		select {
		case c.requests <- i:
			return
		default:
		}
		select {
		case <-c.requests:
		default:
		}
	}
}

// Failover switches level i to its next redundant URL and reloads it. It
// reports false when no redundant URL is left.
func (c *Controller) Failover(i int) bool {
	c.mu.Lock()
	if i < 0 || i >= len(c.levels) || !c.levels[i].Failover() {
		c.mu.Unlock()
		return false
	}
	u := c.levels[i].URL()
	delete(c.endSN, i)
	c.mu.Unlock()
	c.log.Warn("failing over to redundant stream", "level", i, "url", u)
	c.Request(i)
	return true
}

// Run serves level requests and live refreshes until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case i := <-c.requests:
			c.mu.Lock()
			c.current = i
			c.mu.Unlock()
			timer.Stop()
			if d, ok := c.load(ctx, i); ok {
				timer.Reset(d)
			}
		case <-timer.C:
			c.mu.Lock()
			i := c.current
			c.mu.Unlock()
			if d, ok := c.load(ctx, i); ok {
				timer.Reset(d)
			}
		}
	}
}

// load fetches level i and returns the delay before its next refresh;
// ok is false when no refresh is due.
func (c *Controller) load(ctx context.Context, i int) (time.Duration, bool) {
	c.mu.Lock()
	if i < 0 || i >= len(c.levels) {
		c.mu.Unlock()
		return 0, false
	}
	l := c.levels[i]
	u := l.URL()
	c.mu.Unlock()

	c.bus.Emit(event.LevelLoading{Level: i, URL: u})
	resp, stats, err := loader.Fetch(ctx, c.loader, loader.Context{URL: u}, c.cfg.Loading.Level)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, loader.ErrAborted) {
			return 0, false
		}
		details := hlserr.LevelLoadError
		if errors.Is(err, loader.ErrTimeout) {
			details = hlserr.LevelLoadTimeout
		}
		return c.levelError(i, u, details, err)
	}
	base := resp.URL
	if base == "" {
		base = u
	}
	d, err := ParseMedia(resp.Data, base, i)
	if err != nil {
		return c.levelError(i, u, hlserr.LevelLoadError, err)
	}

	c.mu.Lock()
	prev, seen := c.endSN[i]
	changed := !seen || d.EndSN != prev
	if changed {
		c.misses[i] = 0
	} else {
		c.misses[i]++
	}
	d.Misses = c.misses[i]
	c.endSN[i] = d.EndSN
	l.LoadError = 0
	c.mu.Unlock()

	c.log.Debug("level loaded", "level", i, "live", d.Live, "sn", d.StartSN, "end", d.EndSN, "changed", changed)
	c.bus.Emit(event.LevelLoaded{Level: i, Details: d, Stats: stats})
	if !d.Live {
		return 0, false
	}
	return RefreshDelay(d, changed, stats.Elapsed(time.Now())), true
}

// levelError fails over to a redundant URL when there is one, then to a
// lower level through the downgrader, and otherwise reports a fatal level
// error.
func (c *Controller) levelError(i int, u string, details hlserr.Details, err error) (time.Duration, bool) {
	c.mu.Lock()
	c.levels[i].LoadError++
	c.mu.Unlock()
	if c.Failover(i) {
		e := hlserr.New(hlserr.NetworkError, details, err)
		e.URL, e.Level = u, i
		c.log.Warn("level load failed", "error", e)
		c.bus.Emit(event.Error{Err: e})
		return 0, false
	}
	if c.downgrader != nil {
		if next, ok := c.downgrader.Downgrade(i); ok {
			e := hlserr.New(hlserr.NetworkError, details, err)
			e.URL, e.Level = u, i
			c.log.Warn("level load failed, switching down", "next", next, "error", e)
			c.bus.Emit(event.Error{Err: e, Downgrade: true, NextLevel: next})
			return 0, false
		}
	}
	_ = c.fail(hlserr.NetworkError, details, u, i, err)
	return 0, false
}

func (c *Controller) fail(typ hlserr.Type, details hlserr.Details, u string, lvl int, err error) *hlserr.Error {
	e := hlserr.New(typ, details, err)
	e.Fatal = true
	e.URL, e.Level = u, lvl
	c.log.Error("playlist load failed", "error", e)
	c.bus.Emit(event.Error{Err: e})
	return e
}

// RefreshDelay is the wait before reloading a live playlist: the target
// duration, or half of it when the last reload brought nothing new, less
// the time the reload took.
func RefreshDelay(d *level.Details, changed bool, took time.Duration) time.Duration {
	target := time.Duration(d.TargetDuration * float64(time.Second))
	if !changed {
		target /= 2
	}
	return max(target-took, target/4, 100*time.Millisecond)
}
