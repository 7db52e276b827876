package demux

import (
	"errors"
	"fmt"
)

// Sentinel errors for demuxing. Callers distinguish them with errors.Is.
var (
	ErrNoPMT         = errors.New("demux: no PMT found")
	ErrUnknownFormat = errors.New("demux: unrecognized container")
	ErrMissingKey    = errors.New("demux: encrypted samples without a key")
)

// ParseError indicates a failure to parse a fragment. It records the
// container being parsed and wraps the underlying error.
type ParseError struct {
	Container string
	Err       error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("demux: parse %s: %v", e.Container, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
