// Package apperr defines the typed errors shared across the platform layers.
//
// Stores and adapters raise these; HTTP handlers map them to status codes and
// the session holder converts runner-reported errors into error frames.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy decisions.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindPermission  Kind = "permission"
	KindConcurrency Kind = "concurrency"
	KindConflict    Kind = "conflict"
	KindIdempotency Kind = "idempotency_hit"
	KindTimeout     Kind = "timeout"
	KindUpstream    Kind = "upstream"
	KindFatal       Kind = "fatal"
)

// Error is the common error type carrying a kind and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error

	// Counters populated for concurrency admission rejections, so clients
	// can back off with context.
	ActiveUser   int
	ActiveGlobal int
	Limit        int

	// Upstream response details.
	StatusCode int
	BodyPrefix string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Validation returns a validation error. Never retried.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound returns a not-found error for a missing or invisible entity.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Permission returns a permission error. Use only when the caller should
// know the entity exists; otherwise prefer NotFound.
func Permission(format string, args ...any) *Error {
	return &Error{Kind: KindPermission, Message: fmt.Sprintf(format, args...)}
}

// Concurrency returns an admission-rejected error carrying the counters.
func Concurrency(activeUser, activeGlobal, limit int) *Error {
	return &Error{
		Kind:         KindConcurrency,
		Message:      "concurrency limit reached",
		ActiveUser:   activeUser,
		ActiveGlobal: activeGlobal,
		Limit:        limit,
	}
}

// Conflict returns an error for a request that lost to concurrent state:
// dispatch after a failed orchestrator post, approval of a terminal
// execution, or an optimistic-hash mismatch.
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Timeout returns a request/response deadline error.
func Timeout(format string, args ...any) *Error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf(format, args...)}
}

// Upstream returns an error for a non-OK upstream or runner response.
// statusCode may be 0 when the failure was not an HTTP exchange.
func Upstream(statusCode int, bodyPrefix, format string, args ...any) *Error {
	return &Error{
		Kind:       KindUpstream,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
		BodyPrefix: bodyPrefix,
	}
}

// Fatal returns an error that must terminate the process (runner
// supersession, credential rotation).
func Fatal(format string, args ...any) *Error {
	return &Error{Kind: KindFatal, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new error of the given kind.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind of err, or empty string for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IdempotencyHit is the non-error outcome for a dispatch that matched a
// prior execution. It travels through error returns so stores can
// short-circuit, but handlers unwrap it into a 200 response.
type IdempotencyHit struct {
	ExecutionID string
	Status      string
	SessionID   string
}

func (h *IdempotencyHit) Error() string {
	return fmt.Sprintf("idempotency hit: execution %s already exists", h.ExecutionID)
}

// AsIdempotencyHit extracts an IdempotencyHit from err, if present.
func AsIdempotencyHit(err error) (*IdempotencyHit, bool) {
	var hit *IdempotencyHit
	if errors.As(err, &hit) {
		return hit, true
	}
	return nil, false
}
