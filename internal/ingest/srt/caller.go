package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// srtReadBufferSize is the read buffer for SRT socket reads: ten SRT
// payloads of 7 transport stream packets.
const srtReadBufferSize = 1316 * 10

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// dialTimeout bounds the SRT handshake.
const dialTimeout = 10 * time.Second

var (
	// ErrNoAddress is returned by Dial without a remote address.
	ErrNoAddress = errors.New("srt: address is required")
	// ErrDialTimeout is returned when the handshake does not complete in
	// time.
	ErrDialTimeout = errors.New("srt: dial timed out")
)

// Stats are the counters of a Source.
type Stats struct {
	BytesReceived int64
	ReadCount     int64
	ConnectedAt   time.Time
	Uptime        time.Duration
	RemoteAddr    string
}

// Source is a transport stream pulled from a remote SRT listener. It
// implements io.ReadCloser.
type Source struct {
	log        *slog.Logger
	conn       *srtgo.Conn
	remoteAddr string
	startedAt  time.Time

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	closeOnce     sync.Once
}

// StreamID returns the SRT stream id requesting key: "live/<key>", with
// leading slashes and an existing "live/" prefix removed first.
func StreamID(key string) string {
	key = strings.TrimPrefix(strings.TrimLeft(key, "/"), "live/")
	if key == "" {
		key = "default"
	}
	return "live/" + key
}

// Dial connects in caller mode to the SRT listener at addr and requests
// streamID. The handshake is abandoned when ctx is done or after ten
// seconds. If log is nil, slog.Default() is used.
func Dial(ctx context.Context, addr, streamID string, log *slog.Logger) (*Source, error) {
	if addr == "" {
		return nil, ErrNoAddress
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "srt-caller")

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = streamID
	log.Info("dialing", "address", addr, "stream_id", streamID)

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(addr, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	drain := func() {
		// Close the connection if the dial completes after we gave up.
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("srt: dial %s: %w", addr, res.err)
		}
		log.Info("connected", "address", addr)
		return &Source{log: log, conn: res.conn, remoteAddr: addr, startedAt: time.Now()}, nil
	case <-timer.C:
		drain()
		return nil, fmt.Errorf("%w after %s", ErrDialTimeout, dialTimeout)
	case <-ctx.Done():
		drain()
		return nil, ctx.Err()
	}
}

// Read reads transport stream bytes from the connection.
func (s *Source) Read(p []byte) (int, error) {
	n, err := s.conn.Read(p)
	if n > 0 {
		s.bytesReceived.Add(int64(n))
		s.readCount.Add(1)
	}
	return n, err
}

// Close closes the connection and logs the transfer counters.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.conn.Close()
		st := s.Stats()
		s.log.Info("pull ended", "address", s.remoteAddr,
			"bytes", st.BytesReceived, "reads", st.ReadCount, "uptime_ms", st.Uptime.Milliseconds())
	})
	return nil
}

// Stats returns a snapshot of the transfer counters.
func (s *Source) Stats() Stats {
	return Stats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.startedAt,
		Uptime:        time.Since(s.startedAt),
		RemoteAddr:    s.remoteAddr,
	}
}

// Copy reads src until EOF, an error, or ctx is done, handing each read to
// fn in chunks of at most srtReadBufferSize bytes.
func Copy(ctx context.Context, src io.Reader, fn func([]byte) error) error {
	buf := make([]byte, srtReadBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		n, err := src.Read(buf)
		if n > 0 {
			if ferr := fn(buf[:n]); ferr != nil {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
