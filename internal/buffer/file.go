package buffer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/zsiec/refract/internal/media"
)

// FileSink writes one fragmented MP4 file per track type, <dir>/<type>.mp4,
// starting with the track's init segment. A new init segment (codec
// change) is written inline before the next fragment.
type FileSink struct {
	log *slog.Logger
	dir string

	mu     sync.Mutex
	files  map[media.TrackType]*os.File
	inits  map[media.TrackType][]byte
	ranges map[media.TrackType]Ranges
	ended  bool
}

// NewFileSink creates dir if needed. If log is nil, slog.Default() is used.
func NewFileSink(dir string, log *slog.Logger) (*FileSink, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("buffer: create %s: %w", dir, err)
	}
	return &FileSink{
		log:    log.With("component", "filesink", "dir", dir),
		dir:    dir,
		files:  make(map[media.TrackType]*os.File),
		inits:  make(map[media.TrackType][]byte),
		ranges: make(map[media.TrackType]Ranges),
	}, nil
}

// Path returns the output file of a track type.
func (s *FileSink) Path(typ media.TrackType) string {
	return filepath.Join(s.dir, typ.String()+".mp4")
}

func (s *FileSink) CreateTracks(tracks map[media.TrackType]TrackInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for typ, info := range tracks {
		f, ok := s.files[typ]
		if !ok {
			var err error
			f, err = os.Create(s.Path(typ))
			if err != nil {
				return fmt.Errorf("buffer: %w", err)
			}
			s.files[typ] = f
			s.log.Info("writing track", "type", typ, "codec", info.Codec, "path", f.Name())
		}
		if string(s.inits[typ]) == string(info.InitSegment) {
			continue
		}
		if _, err := f.Write(info.InitSegment); err != nil {
			return fmt.Errorf("buffer: write init: %w", err)
		}
		s.inits[typ] = info.InitSegment
	}
	return nil
}

func (s *FileSink) Append(ctx context.Context, seg Segment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[seg.Type]
	if !ok {
		return fmt.Errorf("buffer: append to unknown %s track", seg.Type)
	}
	if _, err := f.Write(seg.Data); err != nil {
		return fmt.Errorf("buffer: write %s fragment %d: %w", seg.Type, seg.SN, err)
	}
	s.ranges[seg.Type] = s.ranges[seg.Type].Add(seg.Start, seg.End)
	return nil
}

// Flush only forgets the ranges; bytes already written stay in the file.
func (s *FileSink) Flush(start, end float64, typ media.TrackType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tt, r := range s.ranges {
		if typ == 0 || tt == typ {
			s.ranges[tt] = r.Remove(start, end)
		}
	}
	return nil
}

func (s *FileSink) EndOfStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
	for typ, f := range s.files {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("buffer: sync %s: %w", typ, err)
		}
	}
	return nil
}

func (s *FileSink) Buffered(typ media.TrackType) Ranges {
	s.mu.Lock()
	defer s.mu.Unlock()
	if typ != 0 {
		return append(Ranges(nil), s.ranges[typ]...)
	}
	var out Ranges
	first := true
	for _, r := range s.ranges {
		if first {
			out = append(Ranges(nil), r...)
			first = false
			continue
		}
		out = Intersect(out, r)
	}
	return out
}

// Close closes every output file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for typ, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.files, typ)
	}
	return firstErr
}
