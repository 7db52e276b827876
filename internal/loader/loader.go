// Package loader fetches playlists, media fragments and keys over HTTP.
package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zsiec/refract/internal/config"
)

var (
	// ErrTimeout is returned when a request exceeds its load timeout.
	ErrTimeout = errors.New("loader: timeout")
	// ErrAborted is returned by Fetch when the load was aborted.
	ErrAborted = errors.New("loader: aborted")
)

// HTTPError is a response with a non-success status.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("loader: %s: HTTP %d", e.URL, e.StatusCode)
}

// Retryable reports whether the status is worth another attempt.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 408 || e.StatusCode == 429
}

// Context describes one request. RangeEnd is exclusive; zero means the
// request is not a byte range.
type Context struct {
	URL        string
	RangeStart int64
	RangeEnd   int64
}

// LoadConfig is the timeout and retry policy of a request.
type LoadConfig = config.Retry

// Stats records the timing of a load.
type Stats struct {
	Requested   time.Time
	FirstByte   time.Time
	Loaded      time.Time
	LoadedBytes int64
	TotalBytes  int64
	Retry       int
	Aborted     bool
}

// Elapsed is the time from request to completion, or to now while the
// load is in flight.
func (s Stats) Elapsed(now time.Time) time.Duration {
	if s.Requested.IsZero() {
		return 0
	}
	if !s.Loaded.IsZero() {
		now = s.Loaded
	}
	return now.Sub(s.Requested)
}

// Bandwidth returns the observed throughput in bits per second.
func (s Stats) Bandwidth(now time.Time) float64 {
	d := s.Elapsed(now).Seconds()
	if d <= 0 {
		return 0
	}
	return float64(s.LoadedBytes) * 8 / d
}

// Response is a completed load.
type Response struct {
	URL        string // final URL after redirects
	StatusCode int
	Data       []byte
}

// Callbacks receive the outcome of Load. Exactly one of OnSuccess,
// OnError and OnTimeout is called unless the load is aborted, in which
// case none is. OnProgress may be called any number of times before.
type Callbacks struct {
	OnSuccess  func(Response, Stats)
	OnError    func(error, Stats)
	OnTimeout  func(Stats)
	OnProgress func(Stats, []byte)
}

// Loader loads one resource at a time. Load blocks until the outcome has
// been delivered. Starting a new load aborts the one in flight.
type Loader interface {
	Load(ctx context.Context, c Context, cfg LoadConfig, cb Callbacks)
	Abort()
}

// Fetch runs a load and returns its outcome.
func Fetch(ctx context.Context, l Loader, c Context, cfg LoadConfig) (Response, Stats, error) {
	var (
		resp  Response
		stats Stats
		err   = ErrAborted
	)
	l.Load(ctx, c, cfg, Callbacks{
		OnSuccess: func(r Response, s Stats) { resp, stats, err = r, s, nil },
		OnError:   func(e error, s Stats) { stats, err = s, e },
		OnTimeout: func(s Stats) { stats, err = s, ErrTimeout },
	})
	if errors.Is(err, ErrAborted) && ctx.Err() != nil {
		err = ctx.Err()
	}
	return resp, stats, err
}
