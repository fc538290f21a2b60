package gateway

import (
	"errors"
	"fmt"
)

// Kind classifies a failed Process call.
type Kind string

const (
	// InvalidInput means the payload was missing or empty. Nothing was staged.
	InvalidInput Kind = "invalid_input"
	// ProcessingFailure means the processor ran and exited non-zero.
	ProcessingFailure Kind = "processing_failure"
	// InternalError covers filesystem faults, spawn failures and oversized artifacts.
	InternalError Kind = "internal_error"
	// Timeout means the processor was killed after the time limit, or the
	// caller gave up before it finished.
	Timeout Kind = "timeout"
)

// Error is the structured error returned by Process.
type Error struct {
	Kind   Kind
	RunID  string
	Detail string // stderr for ProcessingFailure, fault text otherwise
	Err    error  // underlying cause, if any
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err. Errors that did not come from the gateway
// are InternalError.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return InternalError
}
