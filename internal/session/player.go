// Package session assembles the controllers of one playback session and
// keeps a registry of running sessions.
package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/refract/internal/abr"
	"github.com/zsiec/refract/internal/buffer"
	"github.com/zsiec/refract/internal/config"
	"github.com/zsiec/refract/internal/event"
	"github.com/zsiec/refract/internal/hlserr"
	"github.com/zsiec/refract/internal/loader"
	"github.com/zsiec/refract/internal/playhead"
	"github.com/zsiec/refract/internal/playlist"
	"github.com/zsiec/refract/internal/streamctrl"
	"github.com/zsiec/refract/internal/transmux"
)

// endPollInterval is how often a session that stops at the end checks
// whether playback ended.
const endPollInterval = 100 * time.Millisecond

var errEnded = errors.New("session: playback ended")

// Options customize a Player. Zero values pick the defaults.
type Options struct {
	// Sink receives the remuxed fragments. Defaults to a MemorySink
	// bounded by buffer.max_size.
	Sink buffer.Sink
	// Client is the HTTP client of the default loaders.
	Client *http.Client
	// Manifests and Fragments replace the HTTP loaders.
	Manifests loader.Loader
	Fragments loader.Loader
	// Autoplay starts the playhead once the first fragment is buffered.
	Autoplay bool
	// StopAtEnd ends Run once a VOD stream has played to its end.
	StopAtEnd bool
}

// Stats is a snapshot of a session.
type Stats struct {
	ID          string
	URL         string
	StartedAt   time.Time
	State       string
	Level       int
	Levels      int
	Bandwidth   float64 // estimated bits per second
	Position    float64
	BufferAhead float64
	Stalled     bool
	Fragments   int64
	BytesIn     int64
	BytesOut    int64
	Errors      int64
	ID3Tags     int64
	Captions    int64
}

// Player is one playback session: playlist loading, ABR, fragment
// scheduling, transmuxing and buffering around a virtual playhead.
type Player struct {
	ID        string
	URL       string
	StartedAt time.Time

	log  *slog.Logger
	cfg  config.Config
	opts Options

	bus       *event.Bus
	playlists *playlist.Controller
	abr       *abr.Controller
	stream    *streamctrl.Controller
	tmux      *transmux.Transmuxer
	buffer    *streamctrl.BufferController
	sink      buffer.Sink
	media     *playhead.Playhead

	errors   atomic.Int64
	id3Tags  atomic.Int64
	captions atomic.Int64
	fatal    chan error
	done     chan struct{}
	err      error
}

// NewPlayer builds a session for the playlist at url. If log is nil,
// slog.Default() is used.
func NewPlayer(cfg config.Config, url string, opts Options, log *slog.Logger) (*Player, error) {
	if err := cfg.Validate(); err != nil {
		return nil, hlserr.New(hlserr.OtherError, hlserr.InvalidConfig, err)
	}
	if log == nil {
		log = slog.Default()
	}
	id := uuid.NewString()
	log = log.With("session", id)

	client := opts.Client
	if client == nil {
		client = loader.NewClient(cfg.Loading.HTTP3, nil)
	}
	manifests := opts.Manifests
	if manifests == nil {
		manifests = loader.NewHTTPLoader(client, cfg.Loading.UserAgent, log)
	}
	fragments := opts.Fragments
	if fragments == nil {
		fragments = loader.NewHTTPLoader(client, cfg.Loading.UserAgent, log)
	}
	sink := opts.Sink
	if sink == nil {
		sink = buffer.NewMemorySink(cfg.Buffer.MaxSize, log)
	}

	p := &Player{
		ID:        id,
		URL:       url,
		StartedAt: time.Now(),
		log:       log.With("component", "session"),
		cfg:       cfg,
		opts:      opts,
		bus:       event.NewBus(log),
		sink:      sink,
		fatal:     make(chan error, 1),
		done:      make(chan struct{}),
	}
	p.playlists = playlist.New(cfg, manifests, p.bus, log)
	p.abr = abr.New(cfg.ABR, log)
	p.playlists.SetDowngrader(p.abr)
	p.tmux = transmux.New(cfg, log)
	p.buffer = streamctrl.NewBufferController(sink, p.bus, log)
	p.media = playhead.New(p.buffer.Buffered, playhead.WithMaxHole(cfg.Buffer.MaxHole))
	p.stream = streamctrl.New(cfg, streamctrl.Deps{
		Media:     p.media,
		ABR:       p.abr,
		Fragments: fragments,
		Keys:      loader.NewKeyLoader(client, cfg.Loading.UserAgent, cfg.Loading.Key, cfg.Loading.KeyCacheTTL, log),
		Levels:    p.playlists,
		Transmux:  p.tmux,
		Buffer:    p.buffer,
		Bus:       p.bus,
	}, log)

	p.abr.Attach(p.bus)
	p.stream.Attach(p.bus)
	p.playlists.Attach(p.bus)
	p.bus.Subscribe(p.handle, event.KindError, event.KindFragBuffered, event.KindFragParsingMetadata, event.KindFragParsingUserdata)
	return p, nil
}

func (p *Player) handle(e event.Event) {
	switch ev := e.(type) {
	case event.Error:
		p.errors.Add(1)
		if ev.Err != nil && ev.Err.Fatal {
			select {
			case p.fatal <- ev.Err:
			default:
			}
		}
	case event.FragParsingMetadata:
		p.id3Tags.Add(int64(len(ev.Samples)))
	case event.FragParsingUserdata:
		for _, u := range ev.Samples {
			p.log.Debug("caption", "pts", u.PTS, "channel", u.Channel, "text", u.Text)
		}
		p.captions.Add(int64(len(ev.Samples)))
	case event.FragBuffered:
		if p.opts.Autoplay && p.media.Paused() && !p.media.Ended() {
			p.log.Info("first fragment buffered, starting playback")
			p.media.Play()
		}
	}
}

// Bus returns the event bus of the session.
func (p *Player) Bus() *event.Bus { return p.bus }

// Media returns the playhead.
func (p *Player) Media() *playhead.Playhead { return p.media }

// Sink returns the buffer sink.
func (p *Player) Sink() buffer.Sink { return p.sink }

// Done is closed when Run returns.
func (p *Player) Done() <-chan struct{} { return p.done }

// Err returns the error Run returned, once Done is closed.
func (p *Player) Err() error {
	<-p.done
	return p.err
}

// Run loads the manifest and runs every controller until ctx is done, a
// fatal error occurs, or playback ended with StopAtEnd. It must be called
// once.
func (p *Player) Run(ctx context.Context) error {
	defer close(p.done)
	p.log.Info("session starting", "url", p.URL)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.tmux.Run(ctx) })
	g.Go(func() error { return p.buffer.Run(ctx) })
	g.Go(func() error { return p.stream.Run(ctx) })
	g.Go(func() error {
		if _, err := p.playlists.LoadManifest(ctx, p.URL); err != nil {
			return err
		}
		if err := p.playlists.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error { return p.watch(ctx) })

	err := g.Wait()
	p.bus.Emit(event.Destroying{})
	p.tmux.Reset()
	if errors.Is(err, errEnded) {
		err = nil
	}
	p.log.Info("session stopped", "error", err)
	p.err = err
	return err
}

func (p *Player) watch(ctx context.Context) error {
	var tick <-chan time.Time
	if p.opts.StopAtEnd {
		t := time.NewTicker(endPollInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-p.fatal:
			return err
		case <-tick:
			if p.stream.State() == streamctrl.StateEnded && (p.media.Paused() || p.media.Ended()) {
				return errEnded
			}
		}
	}
}

// Seek moves playback to t seconds.
func (p *Player) Seek(t float64) {
	p.stream.Seek(t)
}

// SetLevel pins level i (-1 restores ABR) and flushes the buffer so the
// switch is immediate.
func (p *Player) SetLevel(i int) {
	p.abr.SetManualLevel(i)
	p.stream.ImmediateLevelSwitch()
}

// SetNextLevel pins level i (-1 restores ABR) from the next fragment
// boundary on.
func (p *Player) SetNextLevel(i int) {
	p.abr.SetManualLevel(i)
	p.stream.NextLevelSwitch()
}

// SetLoadLevel pins level i for the next loads without flushing.
func (p *Player) SetLoadLevel(i int) {
	p.abr.SetManualLevel(i)
}

// Stats returns a snapshot of the session.
func (p *Player) Stats() Stats {
	pos := p.media.CurrentTime()
	info := p.buffer.Buffered().InfoAt(pos, p.cfg.Buffer.MaxHole)
	ts := p.tmux.Stats()
	return Stats{
		ID:          p.ID,
		URL:         p.URL,
		StartedAt:   p.StartedAt,
		State:       p.stream.State().String(),
		Level:       p.stream.Level(),
		Levels:      len(p.playlists.Levels()),
		Bandwidth:   p.abr.BwEstimate(),
		Position:    pos,
		BufferAhead: info.Len,
		Stalled:     p.media.Stalled(),
		Fragments:   ts.Processed,
		BytesIn:     ts.BytesIn,
		BytesOut:    ts.BytesOut,
		Errors:      p.errors.Load(),
		ID3Tags:     p.id3Tags.Load(),
		Captions:    p.captions.Load(),
	}
}
