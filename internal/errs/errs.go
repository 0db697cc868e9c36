// Package errs defines the error taxonomy shared by the scheduler, the pipeline and the HTTP layer.
package errs

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	// Validation covers malformed input; never retried.
	Validation Kind = "validation"
	// Transient covers timeouts, rate limits and network failures; retried with backoff.
	Transient Kind = "transient"
	// Unavailable means a capability's circuit breaker is open; fails fast.
	Unavailable Kind = "capability_unavailable"
	// Policy covers requests rejected by pipeline policy, e.g. exporting a non-compliant design.
	Policy Kind = "policy"
	// Conflict covers divergent concurrent edits that need a user decision.
	Conflict Kind = "conflict"
	// Fatal covers exhausted retries and internal inconsistencies.
	Fatal Kind = "fatal"
)

// Machine-readable codes attached to errors.
const (
	CodeInvalidInput     = "invalid_input"
	CodeAmbiguousInput   = "ambiguous_input"
	CodeTimeout          = "timeout"
	CodeAwaitTimeout     = "await_timeout"
	CodeServiceDegraded  = "service_degraded"
	CodeRetriesExhausted = "retries_exhausted"
	CodeNonCompliant     = "non_compliant"
	CodeInvalidStage     = "invalid_stage"
	CodeEditConflict     = "edit_conflict"
	CodeCancelled        = "cancelled"
	CodeNotFound         = "not_found"
	CodeInternal         = "internal"
	CodeRejected         = "rejected"
)

// Error carries a kind, a machine code, a user-facing message and the wrapped technical cause.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error. cause may be nil.
func E(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: cause}
}

// As extracts the *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf classifies err. Context deadline errors are transient; unknown errors are fatal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	return Fatal
}

// CodeOf returns the machine code of err, or CodeInternal.
func CodeOf(err error) string {
	if e, ok := As(err); ok && e.Code != "" {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeInternal
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return KindOf(err) == Transient
}

// UserMessage returns the message safe to show to an end user.
func UserMessage(err error) string {
	if e, ok := As(err); ok && e.Message != "" {
		return e.Message
	}
	return "internal error"
}
