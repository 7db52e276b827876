package buffer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/zsiec/refract/internal/media"
)

type memTrack struct {
	info     TrackInfo
	ranges   Ranges
	segments []Segment
}

// MemorySink keeps appended segments in memory and tracks their ranges.
// It enforces a byte quota across all tracks.
type MemorySink struct {
	log      *slog.Logger
	maxBytes int

	mu     sync.Mutex
	tracks map[media.TrackType]*memTrack
	size   int
	ended  bool
}

// NewMemorySink creates a sink holding at most maxBytes of media (0 for no
// limit). If log is nil, slog.Default() is used.
func NewMemorySink(maxBytes int, log *slog.Logger) *MemorySink {
	if log == nil {
		log = slog.Default()
	}
	return &MemorySink{
		log:      log.With("component", "memsink"),
		maxBytes: maxBytes,
		tracks:   make(map[media.TrackType]*memTrack),
	}
}

func (s *MemorySink) CreateTracks(tracks map[media.TrackType]TrackInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for typ, info := range tracks {
		if t, ok := s.tracks[typ]; ok {
			t.info = info
			continue
		}
		s.tracks[typ] = &memTrack{info: info}
		s.log.Debug("track created", "type", typ, "codec", info.Codec)
	}
	s.ended = false
	return nil
}

func (s *MemorySink) Append(ctx context.Context, seg Segment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tracks[seg.Type]
	if !ok {
		t = &memTrack{info: TrackInfo{Type: seg.Type}}
		s.tracks[seg.Type] = t
	}
	if s.maxBytes > 0 && s.size+len(seg.Data) > s.maxBytes {
		return ErrFull
	}
	t.segments = append(t.segments, seg)
	t.ranges = t.ranges.Add(seg.Start, seg.End)
	s.size += len(seg.Data)
	return nil
}

func (s *MemorySink) Flush(start, end float64, typ media.TrackType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tt, t := range s.tracks {
		if typ != 0 && tt != typ {
			continue
		}
		t.ranges = t.ranges.Remove(start, end)
		kept := t.segments[:0]
		for _, seg := range t.segments {
			if seg.Start >= start && seg.End <= end {
				s.size -= len(seg.Data)
				continue
			}
			kept = append(kept, seg)
		}
		t.segments = kept
	}
	return nil
}

func (s *MemorySink) EndOfStream() error {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) Buffered(typ media.TrackType) Ranges {
	s.mu.Lock()
	defer s.mu.Unlock()
	if typ != 0 {
		if t, ok := s.tracks[typ]; ok {
			return append(Ranges(nil), t.ranges...)
		}
		return nil
	}
	var out Ranges
	first := true
	for _, t := range s.tracks {
		if first {
			out = append(Ranges(nil), t.ranges...)
			first = false
			continue
		}
		out = Intersect(out, t.ranges)
	}
	return out
}

// Ended reports whether EndOfStream was called.
func (s *MemorySink) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Size returns the bytes currently held.
func (s *MemorySink) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Segments returns the segments held for typ in append order.
func (s *MemorySink) Segments(typ media.TrackType) []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tracks[typ]
	if !ok {
		return nil
	}
	return append([]Segment(nil), t.segments...)
}

// Track returns the info passed to CreateTracks for typ.
func (s *MemorySink) Track(typ media.TrackType) (TrackInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tracks[typ]
	if !ok {
		return TrackInfo{}, false
	}
	return t.info, true
}
