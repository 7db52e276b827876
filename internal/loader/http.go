package loader

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

const readChunk = 64 << 10

// NewClient returns the HTTP client used by the loaders. With useHTTP3 the
// client speaks HTTP/3 over QUIC only.
func NewClient(useHTTP3 bool, tlsConf *tls.Config) *http.Client {
	if !useHTTP3 {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if tlsConf != nil {
			t.TLSClientConfig = tlsConf
		}
		return &http.Client{Transport: t}
	}
	return &http.Client{
		Transport: &http3.Transport{
			TLSClientConfig: tlsConf,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: 30 * time.Second,
			},
		},
	}
}

// HTTPLoader implements Loader with net/http.
type HTTPLoader struct {
	client    *http.Client
	userAgent string
	log       *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	gen    uint64
	stats  Stats
}

// NewHTTPLoader creates a loader on client. If log is nil, slog.Default()
// is used.
func NewHTTPLoader(client *http.Client, userAgent string, log *slog.Logger) *HTTPLoader {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	return &HTTPLoader{
		client:    client,
		userAgent: userAgent,
		log:       log.With("component", "loader"),
	}
}

// Abort cancels the load in flight. Its callbacks are not called.
func (l *HTTPLoader) Abort() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
		l.stats.Aborted = true
	}
}

// Stats returns a snapshot of the current or last load.
func (l *HTTPLoader) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

func (l *HTTPLoader) Load(ctx context.Context, c Context, cfg LoadConfig, cb Callbacks) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	l.cancel = cancel
	l.gen++
	gen := l.gen
	l.stats = Stats{Requested: time.Now()}
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		if l.gen == gen {
			l.cancel = nil
		}
		l.mu.Unlock()
	}()

	for attempt := 0; ; attempt++ {
		resp, err := l.attempt(ctx, gen, c, cfg, cb.OnProgress)
		stats, live := l.finish(gen, err == nil)
		if !live || ctx.Err() != nil {
			return
		}
		switch {
		case err == nil:
			if cb.OnSuccess != nil {
				cb.OnSuccess(resp, stats)
			}
			return
		case errors.Is(err, ErrTimeout):
			l.log.Warn("load timeout", "url", c.URL, "timeout", cfg.Timeout)
			if cb.OnTimeout != nil {
				cb.OnTimeout(stats)
			}
			return
		case attempt < cfg.MaxRetry && retryable(err):
			delay := cfg.Backoff(attempt + 1)
			l.log.Debug("retrying load", "url", c.URL, "attempt", attempt+1, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			l.mu.Lock()
			if l.gen == gen {
				l.stats = Stats{Requested: time.Now(), Retry: attempt + 1}
			}
			l.mu.Unlock()
		default:
			if cb.OnError != nil {
				cb.OnError(err, stats)
			}
			return
		}
	}
}

// finish stamps the load end and reports whether gen is still current.
func (l *HTTPLoader) finish(gen uint64, ok bool) (Stats, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gen != gen || l.stats.Aborted {
		return l.stats, false
	}
	if ok {
		l.stats.Loaded = time.Now()
	}
	return l.stats, true
}

func retryable(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Retryable()
	}
	return true
}

func (l *HTTPLoader) attempt(ctx context.Context, gen uint64, c Context, cfg LoadConfig, progress func(Stats, []byte)) (Response, error) {
	actx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	resp, err := l.do(actx, gen, c, progress)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return Response{}, fmt.Errorf("%w: %s", ErrTimeout, c.URL)
	}
	return resp, err
}

func (l *HTTPLoader) do(ctx context.Context, gen uint64, c Context, progress func(Stats, []byte)) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return Response{}, fmt.Errorf("loader: %w", err)
	}
	if l.userAgent != "" {
		req.Header.Set("User-Agent", l.userAgent)
	}
	if c.RangeEnd > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", c.RangeStart, c.RangeEnd-1))
	} else if c.RangeStart > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", c.RangeStart))
	}

	res, err := l.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("loader: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return Response{}, &HTTPError{URL: c.URL, StatusCode: res.StatusCode}
	}

	l.mu.Lock()
	if l.gen == gen {
		l.stats.FirstByte = time.Now()
		l.stats.TotalBytes = res.ContentLength
	}
	l.mu.Unlock()

	var data []byte
	if res.ContentLength > 0 {
		data = make([]byte, 0, res.ContentLength)
	}
	buf := make([]byte, readChunk)
	for {
		n, rerr := res.Body.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
			l.mu.Lock()
			stale := l.gen != gen
			if !stale {
				l.stats.LoadedBytes += int64(n)
			}
			stats := l.stats
			l.mu.Unlock()
			if !stale && progress != nil {
				progress(stats, buf[:n])
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return Response{}, fmt.Errorf("loader: read %s: %w", c.URL, rerr)
		}
	}
	return Response{URL: res.Request.URL.String(), StatusCode: res.StatusCode, Data: data}, nil
}
