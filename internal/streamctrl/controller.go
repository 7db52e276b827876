// Package streamctrl schedules fragment loading for the main stream: it
// picks the level and fragment to load next, runs fragments through the
// transmuxer into the buffer, and recovers from load errors, full buffers
// and playback stalls.
package streamctrl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/zsiec/refract/internal/abr"
	"github.com/zsiec/refract/internal/buffer"
	"github.com/zsiec/refract/internal/config"
	"github.com/zsiec/refract/internal/event"
	"github.com/zsiec/refract/internal/hlserr"
	"github.com/zsiec/refract/internal/level"
	"github.com/zsiec/refract/internal/loader"
	"github.com/zsiec/refract/internal/remux"
	"github.com/zsiec/refract/internal/transmux"
)

// mailboxSize bounds the callbacks waiting for the controller loop.
const mailboxSize = 64

// Media is the media element the controller feeds.
type Media interface {
	CurrentTime() float64
	Seek(t float64)
	Paused() bool
	Seeking() bool
	Ended() bool
}

type durationSetter interface {
	SetDuration(d float64)
}

type rateGetter interface {
	PlaybackRate() float64
}

// KeyLoader resolves decryption keys.
type KeyLoader interface {
	Load(ctx context.Context, uri string) ([]byte, error)
}

// LevelLoader switches levels to their redundant playlists.
type LevelLoader interface {
	Failover(level int) bool
}

// Deps are the collaborators of a Controller. Keys and Levels may be nil.
type Deps struct {
	Media     Media
	ABR       *abr.Controller
	Fragments loader.Loader
	Keys      KeyLoader
	Levels    LevelLoader
	Transmux  *transmux.Transmuxer
	Buffer    *BufferController
	Bus       *event.Bus
}

// Controller is the stream controller. All of its state is owned by the
// goroutine running Run; other goroutines reach it through the mailbox.
type Controller struct {
	log *slog.Logger
	cfg config.Config

	media   Media
	abr     *abr.Controller
	frags   loader.Loader
	keys    KeyLoader
	playlst LevelLoader
	tmux    *transmux.Transmuxer
	buf     *BufferController
	bus     *event.Bus

	ctx     context.Context
	mailbox chan func()
	done    chan struct{}

	stateV atomic.Uint32
	levelV atomic.Int32

	state             State
	levels            []*level.Level
	level             int
	startLevel        int
	firstFrag         bool
	levelLoaded       int // level of the last playlist received
	requested         int // level last asked from the playlist loader
	lastBufferedLevel int

	frag         *level.Fragment // in flight
	fragPrevious *level.Fragment
	fragPlaying  *level.Fragment
	fragStats    loader.Stats
	fragDuration float64
	gen          uint64
	cancelLoad   context.CancelFunc
	pending      int
	lastCC       int
	initPTS      map[int]remux.Timestamps
	initSegments map[string][]byte

	started          bool
	startResolved    bool
	startPosition    float64
	nextLoadPosition float64
	loadedMetadata   bool
	seeking          bool

	retries            int
	loopErrors         int
	appendErrors       int
	retryAt            time.Time
	retryFrag          *level.Fragment
	maxMaxBufferLength float64
	loops              loopDetector
	stall              stallDetector
}

// New creates a stream controller. If log is nil, slog.Default() is used.
func New(cfg config.Config, deps Deps, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		log:                log.With("component", "streamctrl"),
		cfg:                cfg,
		media:              deps.Media,
		abr:                deps.ABR,
		frags:              deps.Fragments,
		keys:               deps.Keys,
		playlst:            deps.Levels,
		tmux:               deps.Transmux,
		buf:                deps.Buffer,
		bus:                deps.Bus,
		ctx:                context.Background(),
		mailbox:            make(chan func(), mailboxSize),
		done:               make(chan struct{}),
		levelLoaded:        -1,
		requested:          -1,
		lastBufferedLevel:  -1,
		lastCC:             -1,
		initPTS:            make(map[int]remux.Timestamps),
		initSegments:       make(map[string][]byte),
		maxMaxBufferLength: cfg.Buffer.MaxMaxLength,
		loops:              loopDetector{threshold: cfg.Loading.LoopThreshold},
	}
	c.levelV.Store(-1)
	c.stall.reset()
	return c
}

// Attach subscribes the controller to manifest and level events, and to
// level errors that moved loading to another level.
func (c *Controller) Attach(bus *event.Bus) func() {
	return bus.Subscribe(func(e event.Event) {
		switch ev := e.(type) {
		case event.ManifestParsed:
			c.post(func() { c.onManifestParsed(ev) })
		case event.LevelLoaded:
			c.post(func() { c.onLevelLoaded(ev) })
		case event.Error:
			if ev.Downgrade && ev.Frag == nil {
				c.post(func() { c.onLevelError(ev) })
			}
		}
	}, event.KindManifestParsed, event.KindLevelLoaded, event.KindError)
}

// State returns the current state.
func (c *Controller) State() State {
	return State(c.stateV.Load())
}

// Level returns the level being loaded, or -1.
func (c *Controller) Level() int {
	return int(c.levelV.Load())
}

// post hands fn to the controller loop. It reports false once the loop
// has exited.
func (c *Controller) post(fn func()) bool {
	select {
	case c.mailbox <- fn:
		return true
	case <-c.done:
		return false
	}
}

// Run drives the controller until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	c.ctx = ctx
	defer close(c.done)
	go c.readResults(ctx)

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.abortLoad()
			return nil
		case <-ticker.C:
			c.tick()
		case fn := <-c.mailbox:
			fn()
			c.tick()
		}
	}
}

func (c *Controller) readResults(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-c.tmux.Results():
			if !c.post(func() { c.onTransmuxed(out) }) {
				return
			}
		}
	}
}

// StartLoad starts loading at pos seconds; a negative pos picks the
// default start.
func (c *Controller) StartLoad(pos float64) {
	c.post(func() { c.startLoad(pos) })
}

// StopLoad aborts loading until the next StartLoad.
func (c *Controller) StopLoad() {
	c.post(func() {
		c.abortLoad()
		c.gen++
		c.started = false
		c.setState(StateStopped)
	})
}

// Seek moves the media to t and reloads from there.
func (c *Controller) Seek(t float64) {
	c.post(func() {
		c.media.Seek(t)
		c.onSeeking(t)
	})
}

// ImmediateLevelSwitch flushes the whole buffer so the next fragment,
// loaded at the playhead, comes from the level ABR or the manual setting
// picks now.
func (c *Controller) ImmediateLevelSwitch() {
	c.post(func() {
		c.log.Info("immediate level switch")
		c.nextLoadPosition = c.media.CurrentTime()
		c.flush(0, math.Inf(1))
	})
}

// NextLevelSwitch flushes the buffer after the fragment being played so
// the switch happens at the next fragment boundary.
func (c *Controller) NextLevelSwitch() {
	c.post(func() {
		pos := c.media.CurrentTime()
		start := pos
		if f := c.playingFragment(pos); f != nil {
			start = math.Max(pos, f.End())
		}
		if start >= c.buf.Buffered().End() {
			return
		}
		c.log.Info("level switch at next fragment", "flushFrom", start)
		c.flush(start, math.Inf(1))
	})
}

func (c *Controller) setState(s State) {
	if s == c.state {
		return
	}
	c.log.Debug("state change", "from", c.state, "to", s)
	c.state = s
	c.stateV.Store(uint32(s))
}

func (c *Controller) setLevel(i int) {
	if i != c.level {
		c.log.Info("switching level", "from", c.level, "to", i)
	}
	c.level = i
	c.levelV.Store(int32(i))
}

func (c *Controller) onManifestParsed(ev event.ManifestParsed) {
	c.levels = ev.Levels
	start := ev.FirstLevel
	if c.cfg.StartLevel >= 0 && c.cfg.StartLevel < len(c.levels) {
		start = c.cfg.StartLevel
	}
	c.startLevel = start
	c.firstFrag = true
	c.setLevel(start)
	c.levelLoaded, c.requested = -1, -1
	c.log.Info("manifest parsed", "levels", len(c.levels), "startLevel", start)
	if c.cfg.AutoStartLoad {
		c.startLoad(c.cfg.StartPosition)
	}
}

func (c *Controller) startLoad(pos float64) {
	c.started = true
	c.startPosition = pos
	c.startResolved = false
	c.retries, c.loopErrors = 0, 0
	if len(c.levels) == 0 {
		// Loading starts with the manifest.
		return
	}
	c.setState(StateIdle)
}

func (c *Controller) onLevelLoaded(ev event.LevelLoaded) {
	if ev.Level < 0 || ev.Level >= len(c.levels) || ev.Details == nil {
		return
	}
	l := c.levels[ev.Level]
	d := ev.Details
	if old := l.Details; old != nil && d.Live {
		level.Merge(old, d)
	}
	l.Details = d
	c.levelLoaded = ev.Level
	c.bus.Emit(event.LevelUpdated{Level: ev.Level, Details: d})

	if ds, ok := c.media.(durationSetter); ok && !d.Live {
		ds.SetDuration(d.SlidingStart() + d.TotalDuration)
	}
	if c.state == StateWaitingLevel && ev.Level == c.level {
		c.setState(StateIdle)
	}
}

// position is the playhead once media has been buffered, and the next
// load position before.
func (c *Controller) position() float64 {
	if c.loadedMetadata {
		return c.media.CurrentTime()
	}
	return c.nextLoadPosition
}

func (c *Controller) rate() float64 {
	if r, ok := c.media.(rateGetter); ok {
		return r.PlaybackRate()
	}
	return 1
}

func (c *Controller) tick() {
	switch c.state {
	case StateIdle:
		c.doIdle()
	case StateFragLoading:
		c.checkAbandon()
	case StateFragLoadingWaitingRetry:
		if time.Now().Before(c.retryAt) {
			break
		}
		frag := c.retryFrag
		c.retryFrag = nil
		if frag == nil {
			c.setState(StateIdle)
			c.doIdle()
			break
		}
		c.log.Debug("retrying fragment", "sn", frag.SN, "level", frag.Level)
		c.startFragment(frag)
	}
	if c.seeking && !c.media.Seeking() {
		c.seeking = false
		c.bus.Emit(event.MediaSeeked{Position: c.media.CurrentTime()})
	}
	c.checkStall(time.Now())
	c.checkFragChanged()
}

func (c *Controller) doIdle() {
	if !c.started || len(c.levels) == 0 {
		return
	}
	pos := c.position()
	info := c.buf.Buffered().InfoAt(pos, c.cfg.Buffer.MaxHole)

	idx := c.nextLevel(info.Len)
	c.setLevel(idx)
	lvl := c.levels[idx]
	d := lvl.Details
	if d == nil || (d.Live && c.levelLoaded != idx) {
		c.requestLevel(idx)
		c.setState(StateWaitingLevel)
		return
	}
	if !c.startResolved {
		c.resolveStart(d)
		pos = c.position()
		info = c.buf.Buffered().InfoAt(pos, c.cfg.Buffer.MaxHole)
	}
	bufferEnd := info.End

	if c.endOfStream(d, bufferEnd) {
		return
	}
	target := lvl.MaxBufferLength(c.cfg.Buffer.MaxLength, c.maxMaxBufferLength, c.cfg.Buffer.MaxSize)
	if info.Len >= target {
		return
	}
	frag := c.selectFragment(d, bufferEnd)
	if frag == nil {
		return
	}
	c.loadFragment(frag)
}

func (c *Controller) nextLevel(bufferLen float64) int {
	i := c.level
	if !c.firstFrag && c.abr != nil {
		i = c.abr.NextLoadLevel(abr.Input{
			CurrentLevel: c.level,
			BufferAhead:  bufferLen,
			FragDuration: c.fragDuration,
			PlaybackRate: c.rate(),
		})
	}
	return min(max(i, 0), len(c.levels)-1)
}

func (c *Controller) requestLevel(i int) {
	if c.requested == i {
		return
	}
	c.requested = i
	c.bus.Emit(event.LevelSwitching{Level: i})
}

func (c *Controller) resolveStart(d *level.Details) {
	c.startResolved = true
	pos := c.startPosition
	if pos < 0 {
		pos = 0
		if d.Live {
			pos = LiveSyncPosition(d, c.cfg.TargetLatency(d.TargetDuration))
		}
	}
	c.nextLoadPosition = pos
	if pos > 0 {
		c.media.Seek(pos)
	}
	c.log.Info("starting load", "position", pos, "level", c.level, "live", d.Live)
}

func (c *Controller) endOfStream(d *level.Details, bufferEnd float64) bool {
	if d.Live || len(d.Fragments) == 0 || c.fragPrevious == nil {
		return false
	}
	last := d.Fragments[len(d.Fragments)-1]
	if c.fragPrevious.SN != last.SN {
		return false
	}
	if bufferEnd < last.End()-lookupTolerance(c.cfg.Buffer.MaxFragLookUpTolerance, last) {
		return false
	}
	c.log.Info("end of stream", "sn", last.SN, "bufferEnd", bufferEnd)
	if ds, ok := c.media.(durationSetter); ok {
		ds.SetDuration(bufferEnd)
	}
	c.setState(StateEnded)
	c.buf.EndOfStream(func(err error) {
		if err != nil {
			c.log.Warn("end of stream failed", "error", err)
		}
	})
	return true
}

func (c *Controller) selectFragment(d *level.Details, bufferEnd float64) *level.Fragment {
	if d.Live {
		start, end := d.SlidingStart(), d.Edge()
		var maxLatency float64
		if n := c.cfg.Live.MaxLatencyDurationCount; n > 0 {
			maxLatency = float64(n) * d.TargetDuration
		}
		if bufferEnd < start || (maxLatency > 0 && bufferEnd < end-maxLatency) {
			sync := LiveSyncPosition(d, c.cfg.TargetLatency(d.TargetDuration))
			c.log.Info("behind the live window, seeking to live sync point", "position", bufferEnd, "sync", sync)
			c.nextLoadPosition = sync
			if c.loadedMetadata {
				c.media.Seek(sync)
			}
			bufferEnd = sync
		}
		// Without media timing for a new level, align on sequence
		// numbers or load the middle fragment to learn it.
		if !d.PTSKnown && c.fragPrevious != nil && c.fragPrevious.Level != c.level {
			if f := d.Fragment(c.fragPrevious.SN + 1); f != nil {
				return f
			}
			return d.Fragments[len(d.Fragments)/2]
		}
		if bufferEnd >= end {
			return nil
		}
	}

	prev := c.fragPrevious
	frag := FindFragment(d, bufferEnd, c.cfg.Buffer.MaxFragLookUpTolerance, prev)
	if frag != nil && prev != nil && frag.SN == prev.SN && frag.Level == prev.Level {
		// Already buffered; move on.
		frag = d.Fragment(frag.SN + 1)
	}
	return frag
}

func (c *Controller) loadFragment(frag *level.Fragment) {
	if !c.loops.check(frag) {
		c.onLoopError(frag)
		return
	}
	c.startFragment(frag)
}

func (c *Controller) startFragment(frag *level.Fragment) {
	c.gen++
	c.frag = frag
	if frag.Encrypted() && frag.Decrypt.Key == nil && c.keys != nil {
		c.setState(StateKeyLoading)
		c.bus.Emit(event.KeyLoading{Frag: frag})
		gen, uri := c.gen, frag.Decrypt.KeyURI
		ctx, cancel := context.WithCancel(c.ctx)
		c.cancelLoad = cancel
		go func() {
			key, err := c.keys.Load(ctx, uri)
			c.post(func() { c.onKeyLoaded(gen, frag, key, err) })
		}()
		return
	}
	c.loadPayload(frag)
}

func (c *Controller) onKeyLoaded(gen uint64, frag *level.Fragment, key []byte, err error) {
	if gen != c.gen || c.state != StateKeyLoading {
		return
	}
	c.cancelLoad = nil
	if err != nil {
		details := hlserr.KeyLoadError
		if errors.Is(err, loader.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			details = hlserr.KeyLoadTimeout
		}
		c.onLoadError(frag, details, err, c.cfg.Loading.Key)
		return
	}
	frag.Decrypt.Key = key
	c.bus.Emit(event.KeyLoaded{Frag: frag})
	c.loadPayload(frag)
}

func requestContext(f *level.Fragment) loader.Context {
	lc := loader.Context{URL: f.URL}
	if f.Length > 0 {
		lc.RangeStart, lc.RangeEnd = f.Offset, f.Offset+f.Length
	}
	return lc
}

func initKey(f *level.Fragment) string {
	return fmt.Sprintf("%s@%d", f.URL, f.Offset)
}

// loadPayload loads the init segment of the fragment's level when it is
// not cached yet, then the fragment itself.
func (c *Controller) loadPayload(frag *level.Fragment) {
	c.setState(StateFragLoading)
	gen := c.gen
	ctx, cancel := context.WithCancel(c.ctx)
	c.cancelLoad = cancel
	c.fragStats = loader.Stats{Requested: time.Now()}
	policy := c.cfg.Loading.Fragment
	policy.MaxRetry = 0

	if d := c.levels[frag.Level].Details; d != nil && d.InitSegment != nil {
		initSeg := d.InitSegment
		if _, ok := c.initSegments[initKey(initSeg)]; !ok {
			go func() {
				resp, _, err := loader.Fetch(ctx, c.frags, requestContext(initSeg), policy)
				c.post(func() {
					if gen != c.gen || c.state != StateFragLoading {
						return
					}
					if err != nil {
						c.onFragLoadFailed(gen, frag, err)
						return
					}
					c.initSegments[initKey(initSeg)] = resp.Data
					c.loadFragmentData(ctx, gen, frag, policy)
				})
			}()
			return
		}
	}
	c.loadFragmentData(ctx, gen, frag, policy)
}

func (c *Controller) loadFragmentData(ctx context.Context, gen uint64, frag *level.Fragment, policy loader.LoadConfig) {
	c.bus.Emit(event.FragLoading{Frag: frag})
	go c.frags.Load(ctx, requestContext(frag), policy, loader.Callbacks{
		OnSuccess: func(r loader.Response, s loader.Stats) {
			c.post(func() { c.onFragLoaded(gen, frag, r.Data, s) })
		},
		OnError: func(err error, _ loader.Stats) {
			c.post(func() { c.onFragLoadFailed(gen, frag, err) })
		},
		OnTimeout: func(loader.Stats) {
			c.post(func() { c.onFragLoadFailed(gen, frag, loader.ErrTimeout) })
		},
		OnProgress: func(s loader.Stats, _ []byte) {
			c.post(func() {
				if gen == c.gen {
					c.fragStats = s
				}
			})
		},
	})
}

func (c *Controller) onFragLoadFailed(gen uint64, frag *level.Fragment, err error) {
	if gen != c.gen || c.state != StateFragLoading {
		return
	}
	c.cancelLoad = nil
	if errors.Is(err, loader.ErrAborted) || errors.Is(err, context.Canceled) {
		return
	}
	details := hlserr.FragLoadError
	if errors.Is(err, loader.ErrTimeout) {
		details = hlserr.FragLoadTimeout
	}
	c.onLoadError(frag, details, err, c.cfg.Loading.Fragment)
}

// onLoadError retries with exponential backoff below the policy's retry
// ceiling, then fails over to a redundant stream, then switches down a
// level in auto mode, then gives up.
func (c *Controller) onLoadError(frag *level.Fragment, details hlserr.Details, err error, policy config.Retry) {
	c.retries++
	e := hlserr.New(hlserr.NetworkError, details, err)
	e.URL, e.Level, e.SN = frag.URL, frag.Level, frag.SN

	if c.retries <= policy.MaxRetry {
		delay := policy.Backoff(c.retries)
		c.log.Warn("fragment load failed, retrying", "sn", frag.SN, "level", frag.Level, "attempt", c.retries, "delay", delay, "error", err)
		c.bus.Emit(event.Error{Err: e, Frag: frag})
		c.retryAt = time.Now().Add(delay)
		c.retryFrag = frag
		c.setState(StateFragLoadingWaitingRetry)
		return
	}
	if c.playlst != nil && c.playlst.Failover(frag.Level) {
		c.log.Warn("fragment load failed, switching to redundant stream", "sn", frag.SN, "level", frag.Level, "error", err)
		c.retries = 0
		c.bus.Emit(event.Error{Err: e, Frag: frag})
		c.levelLoaded = -1
		c.requested = frag.Level
		c.setState(StateWaitingLevel)
		return
	}
	if next, ok := c.downgrade(frag.Level); ok {
		c.log.Warn("fragment load failed, switching down", "sn", frag.SN, "level", frag.Level, "next", next, "error", err)
		c.retries = 0
		c.bus.Emit(event.Error{Err: e, Frag: frag, Downgrade: true, NextLevel: next})
		c.setState(StateIdle)
		return
	}
	c.fatal(e, frag)
}

// downgrade forces the level below lvl for the next selection. It reports
// false without ABR, in manual mode and at the lowest auto level.
func (c *Controller) downgrade(lvl int) (int, bool) {
	if c.abr == nil {
		return -1, false
	}
	next, ok := c.abr.Downgrade(lvl)
	if ok && c.firstFrag {
		// The start level is not chosen by ABR.
		c.setLevel(next)
	}
	return next, ok
}

// onLevelError resumes scheduling when the playlist loader gave up on the
// awaited level and moved loading to a lower one.
func (c *Controller) onLevelError(ev event.Error) {
	if !ev.Downgrade || ev.Frag != nil || ev.Err == nil || ev.Err.Level != c.level || c.state != StateWaitingLevel {
		return
	}
	if c.firstFrag {
		c.setLevel(ev.NextLevel)
	}
	c.requested = -1
	c.setState(StateIdle)
}

func (c *Controller) onLoopError(frag *level.Fragment) {
	c.loopErrors++
	e := hlserr.New(hlserr.NetworkError, hlserr.FragLoopLoadingError,
		fmt.Errorf("fragment %d of level %d loaded %d times", frag.SN, frag.Level, frag.LoadCounter))
	e.URL, e.Level, e.SN = frag.URL, frag.Level, frag.SN
	if c.loopErrors > c.cfg.Loading.Fragment.MaxRetry {
		c.fatal(e, frag)
		return
	}
	c.log.Warn("fragment loading loop", "sn", frag.SN, "level", frag.Level, "count", frag.LoadCounter)
	c.bus.Emit(event.Error{Err: e, Frag: frag})
	c.retryAt = time.Now().Add(c.cfg.Loading.Fragment.Backoff(c.loopErrors))
	c.retryFrag = nil
	c.setState(StateFragLoadingWaitingRetry)
}

func (c *Controller) fatal(e *hlserr.Error, frag *level.Fragment) {
	e.Fatal = true
	c.log.Error("fatal error, loading stopped", "error", e)
	c.abortLoad()
	c.gen++
	c.setState(StateError)
	c.bus.Emit(event.Error{Err: e, Frag: frag})
}

func (c *Controller) abortLoad() {
	if c.cancelLoad == nil {
		return
	}
	c.cancelLoad()
	c.cancelLoad = nil
	if c.frags != nil {
		c.frags.Abort()
	}
}

func (c *Controller) checkAbandon() {
	frag := c.frag
	if frag == nil || c.abr == nil || c.firstFrag {
		return
	}
	info := c.buf.Buffered().InfoAt(c.position(), c.cfg.Buffer.MaxHole)
	next, ok := c.abr.CheckAbandon(abr.AbandonInput{
		Frag:         frag,
		Stats:        c.fragStats,
		Now:          time.Now(),
		BufferAhead:  info.Len,
		PlaybackRate: c.rate(),
	})
	if !ok {
		return
	}
	stats := c.fragStats
	stats.Aborted = true
	c.abortLoad()
	c.gen++
	frag.LoadCounter = max(0, frag.LoadCounter-1)
	c.bus.Emit(event.FragLoadEmergencyAborted{Frag: frag, Stats: stats, NextLevel: next})
	c.setState(StateIdle)
}

func (c *Controller) onFragLoaded(gen uint64, frag *level.Fragment, data []byte, stats loader.Stats) {
	if gen != c.gen || c.state != StateFragLoading {
		return
	}
	c.cancelLoad = nil
	c.retries = 0
	// A load outside a loop ends the loop episode.
	if frag.LoadCounter <= c.cfg.Loading.LoopThreshold {
		c.loopErrors = 0
	}
	c.fragStats = stats
	c.fragDuration = frag.Duration
	c.bus.Emit(event.FragLoaded{Frag: frag, Stats: stats})
	c.setState(StateParsing)

	d := c.levels[frag.Level].Details
	prev := c.fragPrevious
	job := transmux.Job{
		Gen:                gen,
		Frag:               frag,
		Data:               data,
		Key:                frag.Decrypt.Key,
		TimeOffset:         frag.Start,
		Contiguous:         prev != nil && prev.Level == frag.Level && prev.SN+1 == frag.SN && prev.CC == frag.CC,
		AccurateTimeOffset: d != nil && d.PTSKnown,
		Discontinuity:      frag.CC != c.lastCC,
		TrackSwitch:        prev != nil && prev.Level != frag.Level,
		ResetTimeline:      prev == nil,
	}
	if d != nil && d.InitSegment != nil {
		job.InitSegment = c.initSegments[initKey(d.InitSegment)]
	}
	if ts, ok := c.initPTS[frag.CC]; ok {
		job.InitPTS = &ts
	}
	if job.Discontinuity && c.lastCC >= 0 && d != nil {
		for _, f := range d.Fragments {
			if f.CC == frag.CC && f != frag {
				f.LoadCounter = 0
			}
		}
	}
	c.lastCC = frag.CC
	if err := c.tmux.Push(c.ctx, job); err != nil {
		c.log.Debug("transmux push aborted", "error", err)
	}
}

func (c *Controller) onTransmuxed(out transmux.Output) {
	if out.Gen != c.gen || c.state != StateParsing {
		c.log.Debug("dropping stale transmux result", "gen", out.Gen, "current", c.gen)
		return
	}
	frag := out.Frag
	if out.Err != nil {
		c.onParseError(frag, out.Err)
		return
	}
	res := out.Result
	if res.InitPTSFound {
		if _, known := c.initPTS[frag.CC]; !known {
			c.initPTS[frag.CC] = remux.Timestamps{InitPTS: res.InitPTS, InitDTS: res.InitDTS}
			c.bus.Emit(event.InitPTSFound{Frag: frag, CC: frag.CC, InitPTS: res.InitPTS, InitDTS: res.InitDTS})
		}
	}

	d := c.levels[frag.Level].Details
	if res.Video != nil && res.Video.Dropped > 0 && !frag.Backtracked && d != nil {
		if prev := d.Fragment(frag.SN - 1); prev != nil {
			c.log.Info("fragment starts without a keyframe, loading the previous one", "sn", frag.SN, "dropped", res.Video.Dropped)
			frag.Backtracked = true
			frag.Dropped = res.Video.Dropped
			c.fragPrevious = nil
			c.setState(StateIdle)
			c.loadFragment(prev)
			return
		}
	}

	startPTS, endPTS, startDTS, endDTS, ok := res.Span()
	if ok {
		drift := level.UpdateTiming(d, frag, startPTS, endPTS, startDTS, endDTS)
		c.bus.Emit(event.LevelPTSUpdated{Level: frag.Level, SN: frag.SN, Drift: drift, Start: startPTS, End: endPTS})
	}
	if res.Video != nil {
		frag.Dropped = res.Video.Dropped
	}
	c.bus.Emit(event.FragParsed{
		Frag: frag, StartPTS: startPTS, EndPTS: endPTS, StartDTS: startDTS, EndDTS: endDTS,
		HasAudio: res.HasAudio(), HasVideo: res.HasVideo(),
	})
	if len(res.ID3) > 0 {
		c.bus.Emit(event.FragParsingMetadata{Frag: frag, Samples: res.ID3})
	}
	if len(res.Text) > 0 {
		c.bus.Emit(event.FragParsingUserdata{Frag: frag, Samples: res.Text})
	}
	c.setState(StateParsed)

	gen := c.gen
	if len(res.Tracks) > 0 {
		c.bus.Emit(event.BufferCodecs{Tracks: res.Tracks})
		c.buf.CreateTracks(res.Tracks, func(err error) {
			if err != nil {
				c.post(func() { c.onAppendError(gen, frag, err) })
			}
		})
	}
	var segs []buffer.Segment
	for _, tf := range []*remux.TrackFragment{res.Video, res.Audio} {
		if tf == nil || tf.NbSamples == 0 || len(tf.Data) == 0 {
			continue
		}
		segs = append(segs, buffer.Segment{Type: tf.Type, Data: tf.Data, Start: tf.StartPTS, End: tf.EndPTS, SN: frag.SN, Level: frag.Level})
	}
	c.pending = len(segs)
	if c.pending == 0 {
		c.onFragBuffered(frag)
		return
	}
	for _, s := range segs {
		c.buf.Append(s, frag, func(err error) {
			c.post(func() { c.onAppended(gen, frag, err) })
		})
	}
}

func (c *Controller) onParseError(frag *level.Fragment, err error) {
	if errors.Is(err, transmux.ErrDecrypt) {
		e := hlserr.New(hlserr.MediaError, hlserr.FragDecryptError, err)
		e.URL, e.Level, e.SN = frag.URL, frag.Level, frag.SN
		c.fatal(e, frag)
		return
	}
	var e *hlserr.Error
	if !errors.As(err, &e) {
		e = hlserr.New(hlserr.MediaError, hlserr.FragParsingError, err)
	}
	e.URL, e.Level, e.SN = frag.URL, frag.Level, frag.SN
	c.log.Warn("fragment parsing failed, skipping", "sn", frag.SN, "level", frag.Level, "error", err)
	c.bus.Emit(event.Error{Err: e, Frag: frag})
	c.fragPrevious = frag
	c.setState(StateIdle)
}

func (c *Controller) onAppended(gen uint64, frag *level.Fragment, err error) {
	if gen != c.gen {
		return
	}
	if err != nil {
		c.onAppendError(gen, frag, err)
		return
	}
	c.appendErrors = 0
	c.pending--
	if c.pending == 0 && c.state == StateParsed {
		c.onFragBuffered(frag)
	}
}

func (c *Controller) onAppendError(gen uint64, frag *level.Fragment, err error) {
	if gen != c.gen {
		return
	}
	// Acks still queued for this fragment are stale now.
	c.gen++
	if errors.Is(err, buffer.ErrFull) {
		c.onBufferFull(frag)
		return
	}
	c.appendErrors++
	e := hlserr.New(hlserr.MediaError, hlserr.BufferAppendError, err)
	e.Level, e.SN = frag.Level, frag.SN
	if c.appendErrors > c.cfg.Loading.Fragment.MaxRetry {
		c.fatal(e, frag)
		return
	}
	c.bus.Emit(event.Error{Err: e, Frag: frag})
	c.setState(StateIdle)
}

// onBufferFull shrinks the buffer target when the playhead is buffered,
// and flushes everything otherwise.
func (c *Controller) onBufferFull(frag *level.Fragment) {
	e := hlserr.New(hlserr.MediaError, hlserr.BufferFullError, buffer.ErrFull)
	e.Level, e.SN = frag.Level, frag.SN
	c.bus.Emit(event.Error{Err: e, Frag: frag})

	pos := c.media.CurrentTime()
	if c.buf.Buffered().InfoAt(pos, c.cfg.Buffer.MaxHole).Len > 0 {
		prev := c.maxMaxBufferLength
		c.maxMaxBufferLength = math.Max(c.maxMaxBufferLength/2, c.cfg.Buffer.MaxLength)
		c.log.Warn("buffer full, reducing max buffer length", "from", prev, "to", c.maxMaxBufferLength)
		c.setState(StateIdle)
		return
	}
	c.log.Warn("buffer full and nothing buffered at the playhead, flushing")
	c.flush(0, math.Inf(1))
}

func (c *Controller) onFragBuffered(frag *level.Fragment) {
	c.fragPrevious = frag
	c.frag = nil
	c.loadedMetadata = true
	c.firstFrag = false
	if frag.Level != c.lastBufferedLevel {
		c.lastBufferedLevel = frag.Level
		c.bus.Emit(event.LevelSwitched{Level: frag.Level})
	}
	c.log.Debug("fragment buffered", "sn", frag.SN, "level", frag.Level, "start", frag.Start, "end", frag.End())
	c.bus.Emit(event.FragBuffered{Frag: frag, Stats: c.fragStats})
	c.setState(StateIdle)
}

func (c *Controller) flush(start, end float64) {
	c.abortLoad()
	c.gen++
	c.setState(StateBufferFlushing)
	gen := c.gen
	c.buf.Flush(start, end, 0, func(err error) {
		c.post(func() { c.onFlushed(gen, start, end, err) })
	})
}

func (c *Controller) onFlushed(gen uint64, start, end float64, err error) {
	if gen != c.gen {
		return
	}
	if err != nil {
		c.log.Warn("flush failed", "error", err)
	}
	c.fragPrevious = nil
	c.loops.forget()
	for _, l := range c.levels {
		resetCounters(l.Details, start, end)
	}
	c.setState(StateIdle)
}

func (c *Controller) onSeeking(t float64) {
	c.bus.Emit(event.MediaSeeking{Position: t})
	c.seeking = true
	switch c.state {
	case StateKeyLoading, StateFragLoading:
		if f := c.frag; f == nil || t < f.Start-c.cfg.Buffer.MaxFragLookUpTolerance || t >= f.End() {
			c.log.Debug("seek outside the loading fragment, aborting", "position", t)
			c.abortLoad()
			c.gen++
			c.setState(StateIdle)
		}
	case StateFragLoadingWaitingRetry:
		c.retryFrag = nil
		c.setState(StateIdle)
	case StateEnded:
		c.setState(StateIdle)
	}
	c.nextLoadPosition = t
	c.loops.forget()
	c.stall.reset()
}

// playingFragment returns the fragment under pos in the level last
// buffered.
func (c *Controller) playingFragment(pos float64) *level.Fragment {
	if c.lastBufferedLevel < 0 || c.lastBufferedLevel >= len(c.levels) {
		return nil
	}
	return fragmentAt(c.levels[c.lastBufferedLevel].Details, pos)
}

func (c *Controller) checkFragChanged() {
	if !c.loadedMetadata {
		return
	}
	f := c.playingFragment(c.media.CurrentTime())
	if f != nil && f != c.fragPlaying {
		c.fragPlaying = f
		c.bus.Emit(event.FragChanged{Frag: f})
	}
}
