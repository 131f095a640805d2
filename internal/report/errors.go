package report

import (
	"context"
	"errors"
	"fmt"

	"github.com/loykin/reportd/internal/archive"
	"github.com/loykin/reportd/internal/target"
)

// Exit codes shared with the render child. 2 is left to the Go runtime.
const (
	ExitOK                = 0
	ExitTargetConnection  = 10
	ExitRecordingNotFound = 11
	ExitOutOfMemory       = 12
	ExitRenderFailure     = 13
	ExitIOFailure         = 14
)

// Kind classifies a failed generation.
type Kind int

const (
	KindOther Kind = iota
	KindRecordingNotFound
	KindTargetConnection
	KindOutOfMemory
	KindTimeout
	// KindCanceled means every caller waiting for the report went away.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindRecordingNotFound:
		return "not_found"
	case KindTargetConnection:
		return "target_connection"
	case KindOutOfMemory:
		return "out_of_memory"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	default:
		return "failed"
	}
}

var (
	ErrRecordingNotFound = errors.New("recording not found")
	ErrTargetConnection  = errors.New("target connection failed")
	ErrOutOfMemory       = errors.New("report generation ran out of memory")
	ErrTimeout           = errors.New("report generation timed out")
	ErrCanceled          = errors.New("report request abandoned")
	ErrGenerationFailed  = errors.New("report generation failed")
)

func (k Kind) sentinel() error {
	switch k {
	case KindRecordingNotFound:
		return ErrRecordingNotFound
	case KindTargetConnection:
		return ErrTargetConnection
	case KindOutOfMemory:
		return ErrOutOfMemory
	case KindTimeout:
		return ErrTimeout
	case KindCanceled:
		return ErrCanceled
	default:
		return ErrGenerationFailed
	}
}

// GenerationError describes a failed generation. ExitCode is the child's exit
// status, or -1 when it did not exit normally or never ran. It matches the
// sentinel for its Kind with errors.Is and also unwraps to Err.
type GenerationError struct {
	Kind     Kind
	ExitCode int
	Err      error
}

func (e *GenerationError) Error() string {
	msg := e.Kind.sentinel().Error()
	if e.ExitCode > 0 {
		msg = fmt.Sprintf("%s (exit code %d)", msg, e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// ConnectionFailure reports whether the pooled connection the generation ran
// against should be dropped.
func (e *GenerationError) ConnectionFailure() bool { return e.Kind == KindTargetConnection }

func (e *GenerationError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

// KindForExitCode maps a child exit status to a Kind.
func KindForExitCode(code int) Kind {
	switch code {
	case ExitTargetConnection:
		return KindTargetConnection
	case ExitRecordingNotFound:
		return KindRecordingNotFound
	case ExitOutOfMemory:
		return KindOutOfMemory
	default:
		return KindOther
	}
}

// KindOf classifies any error returned by this package or its collaborators.
func KindOf(err error) Kind {
	var ge *GenerationError
	switch {
	case errors.As(err, &ge):
		return ge.Kind
	case errors.Is(err, target.ErrRecordingNotFound), errors.Is(err, archive.ErrNotFound):
		return KindRecordingNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case target.IsConnectionFailure(err):
		return KindTargetConnection
	default:
		return KindOther
	}
}

// Outcome is the metric and history label for a generation result.
func Outcome(err error) string {
	if err == nil {
		return "success"
	}
	return KindOf(err).String()
}

// ExitCodeOf returns the child exit status carried by err, or -1.
func ExitCodeOf(err error) int {
	if err == nil {
		return ExitOK
	}
	var ge *GenerationError
	if errors.As(err, &ge) {
		return ge.ExitCode
	}
	return -1
}

// classify wraps err as a GenerationError unless it already is one.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ge *GenerationError
	if errors.As(err, &ge) {
		return err
	}
	return &GenerationError{Kind: KindOf(err), ExitCode: -1, Err: err}
}

// contextError wraps the error of a context that ended before a generation
// finished. Only a deadline counts as a timeout.
func contextError(err error) error {
	kind := KindCanceled
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &GenerationError{Kind: kind, ExitCode: -1, Err: err}
}
