package buffer

import (
	"context"
	"errors"

	"github.com/zsiec/refract/internal/media"
)

// ErrFull is returned by Append when the sink cannot hold more data. The
// caller shrinks its buffer target or flushes and retries.
var ErrFull = errors.New("buffer: quota exceeded")

// TrackInfo describes one output track and carries its init segment.
type TrackInfo struct {
	Type        media.TrackType
	ID          int
	Codec       string
	Container   string
	InitSegment []byte
	Width       int
	Height      int
	SampleRate  int
	Channels    int
}

// Segment is one moof+mdat pair with the time range it covers.
type Segment struct {
	Type  media.TrackType
	Data  []byte
	Start float64
	End   float64
	SN    int
	Level int
}

// Sink receives remuxed fMP4. Append returns once the data is accepted;
// callers serialize appends.
type Sink interface {
	CreateTracks(tracks map[media.TrackType]TrackInfo) error
	Append(ctx context.Context, seg Segment) error
	// Flush removes [start, end) from the track, or from every track when
	// typ is 0.
	Flush(start, end float64, typ media.TrackType) error
	EndOfStream() error
	// Buffered returns the ranges of the track, or the ranges buffered in
	// every track when typ is 0.
	Buffered(typ media.TrackType) Ranges
}
