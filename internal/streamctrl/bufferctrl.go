package streamctrl

import (
	"context"
	"log/slog"

	"github.com/zsiec/refract/internal/buffer"
	"github.com/zsiec/refract/internal/event"
	"github.com/zsiec/refract/internal/level"
	"github.com/zsiec/refract/internal/media"
)

type bufferOp struct {
	tracks map[media.TrackType]buffer.TrackInfo
	seg    *buffer.Segment
	frag   *level.Fragment
	flush  *event.BufferFlushing
	eos    bool
	done   func(error)
}

// BufferController serializes sink operations: the next append starts
// only after the previous one returned.
type BufferController struct {
	log  *slog.Logger
	sink buffer.Sink
	bus  *event.Bus
	ops  chan bufferOp
}

// NewBufferController creates a buffer controller. If log is nil,
// slog.Default() is used.
func NewBufferController(sink buffer.Sink, bus *event.Bus, log *slog.Logger) *BufferController {
	if log == nil {
		log = slog.Default()
	}
	return &BufferController{
		log:  log.With("component", "buffer"),
		sink: sink,
		bus:  bus,
		ops:  make(chan bufferOp, 16),
	}
}

// Run executes queued operations until ctx is done.
func (b *BufferController) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case op := <-b.ops:
			err := b.exec(ctx, op)
			if op.done != nil {
				op.done(err)
			}
		}
	}
}

func (b *BufferController) exec(ctx context.Context, op bufferOp) error {
	switch {
	case op.tracks != nil:
		return b.sink.CreateTracks(op.tracks)
	case op.seg != nil:
		s := op.seg
		b.bus.Emit(event.BufferAppending{Type: s.Type, Frag: op.frag, Size: len(s.Data)})
		if err := b.sink.Append(ctx, *s); err != nil {
			b.log.Warn("append failed", "type", s.Type, "sn", s.SN, "error", err)
			return err
		}
		b.bus.Emit(event.BufferAppended{Type: s.Type, Frag: op.frag, Pending: len(b.ops), Buffered: b.sink.Buffered(s.Type)})
	case op.flush != nil:
		f := op.flush
		b.bus.Emit(*f)
		if err := b.sink.Flush(f.Start, f.End, f.Type); err != nil {
			return err
		}
		b.bus.Emit(event.BufferFlushed{Type: f.Type})
	case op.eos:
		if err := b.sink.EndOfStream(); err != nil {
			return err
		}
		b.bus.Emit(event.BufferEOS{})
	}
	return nil
}

func (b *BufferController) enqueue(op bufferOp) {
	b.ops <- op
}

// CreateTracks queues the creation of output tracks.
func (b *BufferController) CreateTracks(tracks map[media.TrackType]buffer.TrackInfo, done func(error)) {
	b.enqueue(bufferOp{tracks: tracks, done: done})
}

// Append queues seg, remuxed from frag.
func (b *BufferController) Append(seg buffer.Segment, frag *level.Fragment, done func(error)) {
	b.enqueue(bufferOp{seg: &seg, frag: frag, done: done})
}

// Flush queues the removal of [start, end) from typ, or every track when
// typ is 0.
func (b *BufferController) Flush(start, end float64, typ media.TrackType, done func(error)) {
	b.enqueue(bufferOp{flush: &event.BufferFlushing{Start: start, End: end, Type: typ}, done: done})
}

// EndOfStream queues the end of stream signal.
func (b *BufferController) EndOfStream(done func(error)) {
	b.enqueue(bufferOp{eos: true, done: done})
}

// Buffered returns the ranges buffered in every track.
func (b *BufferController) Buffered() buffer.Ranges {
	return b.sink.Buffered(0)
}
