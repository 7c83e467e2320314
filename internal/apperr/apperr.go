// Package apperr defines the error taxonomy shared by the engine, the actors
// and the HTTP layer. Callers classify with errors.As / the Kind helpers and
// must not parse messages.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// KindNotFound covers both absent entities and ownership failures, so a
	// caller cannot probe for existence of resources it does not own.
	KindNotFound Kind = iota
	KindInvalidState
	KindConflict
	KindRateLimited
	KindReplayDetected
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindConflict:
		return "conflict"
	case KindRateLimited:
		return "rate_limited"
	case KindReplayDetected:
		return "replay_detected"
	default:
		return "internal"
	}
}

type Error struct {
	Kind    Kind
	Message string
	// RetryAfterSeconds is set for KindRateLimited only.
	RetryAfterSeconds int
	err               error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.err }

func NotFound(entity string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s not found", entity)}
}

func InvalidState(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func RateLimited(retryAfterSeconds int, format string, args ...any) *Error {
	return &Error{Kind: KindRateLimited, Message: fmt.Sprintf(format, args...), RetryAfterSeconds: retryAfterSeconds}
}

func ReplayDetected(format string, args ...any) *Error {
	return &Error{Kind: KindReplayDetected, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected failure. The wrapped error is kept for logs;
// the message presented to callers stays generic.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", err: err}
}

// KindOf classifies err, defaulting to KindInternal for plain errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }
func IsConflict(err error) bool { return IsKind(err, KindConflict) }
