// Package mediaerr defines the error taxonomy shared by the byte-stream,
// buffer-pool, and demultiplexer layers.
package mediaerr

import (
	"fmt"
	"runtime/debug"

	"github.com/pkg/errors"
	"log/slog"
)

// Kind classifies a fault per the propagation policy.
type Kind uint8

const (
	// KindIO covers read/seek/HTTP failures.
	KindIO Kind = iota
	// KindFormat covers structural violations the demuxer cannot work around.
	KindFormat
	// KindViolation covers deviations from the container spec that are
	// individually recoverable (oversize chunk, reserved value, ...).
	KindViolation
	// KindResource covers allocation failure or an exceeded cap.
	KindResource
	// KindLogic covers a broken internal invariant (inconsistent sample tables).
	KindLogic
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindFormat:
		return "format"
	case KindViolation:
		return "violation"
	case KindResource:
		return "resource"
	case KindLogic:
		return "logic"
	default:
		return "unknown"
	}
}

// Error is the module-wide structured error value. Offset and Sample are
// optional (-1 when not applicable).
type Error struct {
	Kind   Kind
	Code   string
	Offset int64
	Sample int64
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a positionless Error wrapping cause with pkg/errors so later
// %+v logging carries a stack trace.
func New(kind Kind, code string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Offset: -1, Sample: -1, Err: errors.WithStack(cause)}
}

// Newf builds a positionless Error from a format string.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return New(kind, code, errors.Errorf(format, args...))
}

// At attaches a byte offset to an existing Error, returning a copy.
func (e *Error) At(offset int64) *Error {
	cp := *e
	cp.Offset = offset
	return &cp
}

// AtSample attaches a sample position to an existing Error, returning a copy.
func (e *Error) AtSample(sample int64) *Error {
	cp := *e
	cp.Sample = sample
	return &cp
}

// Is allows errors.Is(err, mediaerr.ErrInvalidState) style sentinel checks
// against Kind+Code pairs.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// ErrInvalidState is returned by a demuxer's ReadChunk and SeekTo while
// ParseContainer has not succeeded (not yet called, or failed); those calls
// do no further work (§7).
var ErrInvalidState = &Error{Kind: KindLogic, Code: "invalid_state"}

// Recover mirrors the teacher's errorx.Recover: it logs a recovered panic at
// Error level with a stack trace and optionally swallows it. Used by the
// buffer pool's background pressure-monitor goroutine, which must never take
// the whole process down.
func Recover(logger *slog.Logger, swallow bool) (caught bool) {
	r := recover()
	if r == nil {
		return false
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("recovered panic", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
	if swallow {
		return true
	}
	panic(r)
}

// ResetErrorer is an optional interface for values that latch an error
// state and can clear it on request. No type in this module implements it
// and no demuxer calls ResetError; the FLAC demuxer's CRC auto-disable latch
// is not cleared through it.
type ResetErrorer interface {
	ResetError()
}

// ResetError resets i's latched error state if it implements ResetErrorer.
func ResetError(i any) {
	if r, ok := i.(ResetErrorer); ok {
		r.ResetError()
	}
}
