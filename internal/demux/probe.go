package demux

import (
	"fmt"
	"log/slog"
)

// Format is a fragment container recognized by probing.
type Format int

const (
	FormatUnknown Format = iota
	FormatTS
	FormatAAC
	FormatMP4
)

func (f Format) String() string {
	switch f {
	case FormatTS:
		return "ts"
	case FormatAAC:
		return "aac"
	case FormatMP4:
		return "mp4"
	}
	return "unknown"
}

// ProbeFormat inspects the start of a fragment. The box walk of fMP4 is the
// strictest check and runs first; packed audio is tried last since its sync
// word can appear anywhere.
func ProbeFormat(data []byte) Format {
	switch {
	case ProbeMP4(data):
		return FormatMP4
	case ProbeTS(data):
		return FormatTS
	case ProbeAAC(data):
		return FormatAAC
	}
	return FormatUnknown
}

// New returns the demuxer for an elementary-stream container. fMP4 is not
// demuxed; it is handled by the passthrough remuxer.
func New(f Format, log *slog.Logger) (Demuxer, error) {
	switch f {
	case FormatTS:
		return NewTSDemuxer(log), nil
	case FormatAAC:
		return NewAACDemuxer(log), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, f)
}
