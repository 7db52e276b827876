// Package transmux runs decryption, demuxing and remuxing of fragments in
// a dedicated goroutine. Jobs go in over a channel and results come back
// over another, each tagged with the generation of the job so callers can
// discard output that became stale after a seek or level switch.
package transmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/refract/internal/config"
	"github.com/zsiec/refract/internal/crypt"
	"github.com/zsiec/refract/internal/demux"
	"github.com/zsiec/refract/internal/level"
	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/remux"
)

// ErrDecrypt wraps AES-128 segment decryption failures.
var ErrDecrypt = errors.New("transmux: decrypt")

// Job is one fragment to transmux. The transmuxer owns Data once the job
// is pushed.
type Job struct {
	Gen  uint64
	Frag *level.Fragment
	Data []byte
	// InitSegment is the EXT-X-MAP data of fMP4 fragments.
	InitSegment []byte
	// Key is the AES-128 or SAMPLE-AES key of encrypted fragments.
	Key []byte

	TimeOffset         float64
	Contiguous         bool
	AccurateTimeOffset bool
	// Discontinuity starts a new timestamp domain; InitPTS is its origin
	// when already known.
	Discontinuity bool
	TrackSwitch   bool
	// ResetTimeline is set when playback jumped (first load, seek, flush or
	// backtrack) and the end of the previous output no longer matters.
	ResetTimeline bool
	InitPTS       *remux.Timestamps
}

// Output is the result of one job.
type Output struct {
	Gen     uint64
	Frag    *level.Fragment
	Format  demux.Format
	Result  *remux.Result
	Err     error
	Elapsed time.Duration
}

// Stats are counters of processed jobs.
type Stats struct {
	Processed int64
	Failed    int64
	BytesIn   int64
	BytesOut  int64
}

// Transmuxer owns a demuxer and a remuxer for one fragment type.
type Transmuxer struct {
	log  *slog.Logger
	base *slog.Logger
	cfg  config.Config

	jobs    chan Job
	results chan Output

	format      demux.Format
	demuxer     demux.Demuxer
	remuxer     *remux.MP4Remuxer
	passthrough *remux.Passthrough

	processed atomic.Int64
	failed    atomic.Int64
	bytesIn   atomic.Int64
	bytesOut  atomic.Int64
}

// New creates a transmuxer. If log is nil, slog.Default() is used.
func New(cfg config.Config, log *slog.Logger) *Transmuxer {
	if log == nil {
		log = slog.Default()
	}
	return &Transmuxer{
		log:         log.With("component", "transmux"),
		base:        log,
		cfg:         cfg,
		jobs:        make(chan Job, media.JobBufferSize),
		results:     make(chan Output, media.ResultBufferSize),
		remuxer:     remux.NewMP4Remuxer(cfg, log),
		passthrough: remux.NewPassthrough(log),
	}
}

// Push queues a job for Run.
func (t *Transmuxer) Push(ctx context.Context, job Job) error {
	select {
	case t.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results delivers one Output per pushed job, in push order.
func (t *Transmuxer) Results() <-chan Output {
	return t.results
}

// Stats returns a snapshot of the job counters.
func (t *Transmuxer) Stats() Stats {
	return Stats{
		Processed: t.processed.Load(),
		Failed:    t.failed.Load(),
		BytesIn:   t.bytesIn.Load(),
		BytesOut:  t.bytesOut.Load(),
	}
}

// Run processes jobs until the context is cancelled.
func (t *Transmuxer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-t.jobs:
			out := t.Process(job)
			select {
			case t.results <- out:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Process runs one job synchronously. It must not be called concurrently
// with Run.
func (t *Transmuxer) Process(job Job) Output {
	start := time.Now()
	out := Output{Gen: job.Gen, Frag: job.Frag}
	res, format, err := t.process(job)
	out.Result, out.Format, out.Err = res, format, err
	out.Elapsed = time.Since(start)

	t.processed.Add(1)
	t.bytesIn.Add(int64(len(job.Data)))
	if err != nil {
		t.failed.Add(1)
		t.log.Warn("transmux failed", "frag", job.Frag, "error", err)
		return out
	}
	if res.Video != nil {
		t.bytesOut.Add(int64(len(res.Video.Data)))
	}
	if res.Audio != nil {
		t.bytesOut.Add(int64(len(res.Audio.Data)))
	}
	return out
}

func (t *Transmuxer) process(job Job) (*remux.Result, demux.Format, error) {
	data := job.Data
	var sampleAES *demux.SampleAES
	if f := job.Frag; f != nil && f.Encrypted() {
		switch f.Decrypt.Method {
		case crypt.MethodAES128:
			dec, err := crypt.Decrypt(data, job.Key, f.IV())
			if err != nil {
				return nil, demux.FormatUnknown, fmt.Errorf("%w: %w", ErrDecrypt, err)
			}
			data = dec
		case crypt.MethodSampleAES:
			sampleAES = &demux.SampleAES{Key: job.Key, IV: f.IV()}
		}
	}

	if err := t.configure(data, job); err != nil {
		return nil, t.format, err
	}

	opts := remux.Options{
		TimeOffset:         job.TimeOffset,
		Contiguous:         job.Contiguous,
		AccurateTimeOffset: job.AccurateTimeOffset,
	}
	if f := job.Frag; f != nil {
		opts.SN, opts.Level = f.SN, f.Level
	}

	if t.format == demux.FormatMP4 {
		res, err := t.passthrough.Remux(data, job.InitSegment, opts)
		return res, t.format, err
	}
	dr, err := t.demuxer.Demux(data, demux.Options{
		TimeOffset: job.TimeOffset,
		Contiguous: job.Contiguous,
		SampleAES:  sampleAES,
	})
	if err != nil {
		return nil, t.format, err
	}
	res, err := t.remuxer.Remux(dr, opts)
	return res, t.format, err
}

// configure picks the demuxer for data and applies the resets the job
// asks for.
func (t *Transmuxer) configure(data []byte, job Job) error {
	format := demux.ProbeFormat(data)
	if format == demux.FormatUnknown && job.InitSegment != nil {
		format = demux.FormatMP4
	}
	if format == demux.FormatUnknown {
		return &demux.ParseError{Container: "unknown", Err: demux.ErrUnknownFormat}
	}

	if format != t.format {
		t.log.Debug("fragment format changed", "from", t.format, "to", format)
		t.format = format
		t.demuxer = nil
		if format != demux.FormatMP4 {
			d, err := demux.New(format, t.base)
			if err != nil {
				return err
			}
			t.demuxer = d
		}
		t.remuxer.ResetInitSegment()
		t.passthrough.ResetInitSegment()
	}

	if job.Discontinuity || job.TrackSwitch {
		if t.demuxer != nil {
			t.demuxer.ResetInitSegment()
		}
		t.remuxer.ResetInitSegment()
		t.passthrough.ResetInitSegment()
	}
	if job.Discontinuity {
		t.remuxer.ResetTimeStamp(job.InitPTS)
		t.passthrough.ResetTimeStamp(job.InitPTS)
	}
	// A level switch keeps the previous end so audio can join it.
	if job.Discontinuity || job.ResetTimeline {
		t.remuxer.ResetNextTimestamp()
		t.passthrough.ResetNextTimestamp()
	}
	return nil
}

// Reset drops all parse state, as when the player is destroyed.
func (t *Transmuxer) Reset() {
	if t.demuxer != nil {
		t.demuxer.Reset()
	}
	t.remuxer.ResetInitSegment()
	t.remuxer.ResetTimeStamp(nil)
	t.remuxer.ResetNextTimestamp()
	t.passthrough.ResetInitSegment()
	t.passthrough.ResetTimeStamp(nil)
}
