// Package hlserr is the player error taxonomy. Every error surfaced on the
// event bus is an *Error carrying a Type, a Details code and whether it is
// fatal; the underlying cause stays reachable through errors.Is/As.
package hlserr

import (
	"errors"
	"fmt"
	"log/slog"
)

// Type is the broad error category.
type Type uint8

const (
	NetworkError Type = iota + 1
	MediaError
	MuxError
	OtherError
)

func (t Type) String() string {
	switch t {
	case NetworkError:
		return "networkError"
	case MediaError:
		return "mediaError"
	case MuxError:
		return "muxError"
	case OtherError:
		return "otherError"
	}
	return "unknown"
}

// Details identifies the specific failure.
type Details string

const (
	ManifestLoadError               Details = "MANIFEST_LOAD_ERROR"
	ManifestLoadTimeout             Details = "MANIFEST_LOAD_TIMEOUT"
	ManifestParsingError            Details = "MANIFEST_PARSING_ERROR"
	ManifestIncompatibleCodecsError Details = "MANIFEST_INCOMPATIBLE_CODECS_ERROR"
	LevelLoadError                  Details = "LEVEL_LOAD_ERROR"
	LevelLoadTimeout                Details = "LEVEL_LOAD_TIMEOUT"
	FragLoadError                   Details = "FRAG_LOAD_ERROR"
	FragLoadTimeout                 Details = "FRAG_LOAD_TIMEOUT"
	FragLoopLoadingError            Details = "FRAG_LOOP_LOADING_ERROR"
	FragDecryptError                Details = "FRAG_DECRYPT_ERROR"
	FragParsingError                Details = "FRAG_PARSING_ERROR"
	KeyLoadError                    Details = "KEY_LOAD_ERROR"
	KeyLoadTimeout                  Details = "KEY_LOAD_TIMEOUT"
	BufferAppendError               Details = "BUFFER_APPEND_ERROR"
	BufferFullError                 Details = "BUFFER_FULL_ERROR"
	BufferStalledError              Details = "BUFFER_STALLED_ERROR"
	BufferSeekOverHole              Details = "BUFFER_SEEK_OVER_HOLE"
	BufferNudgeOnStall              Details = "BUFFER_NUDGE_ON_STALL"
	RemuxAllocError                 Details = "REMUX_ALLOC_ERROR"
	InternalException               Details = "INTERNAL_EXCEPTION"
	InvalidConfig                   Details = "INVALID_CONFIG"
)

// Error is a classified player error.
type Error struct {
	Type    Type
	Details Details
	Fatal   bool
	URL     string
	Level   int // -1 when not tied to a level
	SN      int // -1 when not tied to a fragment
	Err     error
}

// New returns a non-fatal error not tied to a level or fragment.
func New(typ Type, details Details, err error) *Error {
	return &Error{Type: typ, Details: details, Level: -1, SN: -1, Err: err}
}

// Fatalf returns a fatal error with a formatted cause.
func Fatalf(typ Type, details Details, format string, args ...any) *Error {
	e := New(typ, details, fmt.Errorf(format, args...))
	e.Fatal = true
	return e
}

func (e *Error) Error() string {
	msg := e.Type.String() + "/" + string(e.Details)
	if e.Fatal {
		msg += " (fatal)"
	}
	if e.URL != "" {
		msg += " " + e.URL
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// LogValue groups the error fields in structured logs.
func (e *Error) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("type", e.Type.String()),
		slog.String("details", string(e.Details)),
		slog.Bool("fatal", e.Fatal),
	}
	if e.URL != "" {
		attrs = append(attrs, slog.String("url", e.URL))
	}
	if e.Level >= 0 {
		attrs = append(attrs, slog.Int("level", e.Level))
	}
	if e.SN >= 0 {
		attrs = append(attrs, slog.Int("sn", e.SN))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("cause", e.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}

// IsFatal reports whether err is a fatal *Error.
func IsFatal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Fatal
}

// DetailsOf returns the Details of the first *Error in err's chain, or ""
// when there is none.
func DetailsOf(err error) Details {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return ""
}

// AlwaysFatal reports whether errors with these details are fatal
// regardless of retries.
func AlwaysFatal(d Details) bool {
	switch d {
	case ManifestLoadError, ManifestLoadTimeout, ManifestParsingError, ManifestIncompatibleCodecsError, InvalidConfig:
		return true
	}
	return false
}
