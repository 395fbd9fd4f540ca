// Package apperr defines the error-kind taxonomy shared across the chat
// serving core. Callers use errors.Is against the sentinel Kind values;
// wrapping with fmt.Errorf("...: %w", err) preserves the kind through
// layers.
package apperr

import "errors"

// Kind values are compared with errors.Is, never by string matching.
var (
	// InputError: violation of a documented contract by the caller.
	InputError = errors.New("input error")
	// AuthError: missing/invalid/expired credentials.
	AuthError = errors.New("auth error")
	// NotFound: an ownership check failed, or a required lookup was empty.
	NotFound = errors.New("not found")
	// RateLimited: a counter exceeded its configured limit.
	RateLimited = errors.New("rate limited")
	// Transient: dependency timeout or unavailability.
	Transient = errors.New("transient error")
	// Degraded: the core proceeded with partial data; not surfaced to callers
	// as an error, used only for observability annotation.
	Degraded = errors.New("degraded")
	// Fatal: corrupt state detected; the affected handle must be closed.
	Fatal = errors.New("fatal error")
)

// Wrap returns an error whose message is msg and which matches kind under
// errors.Is.
func Wrap(kind error, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Is(target error) bool { return target == e.kind }

func (e *kindError) Unwrap() error { return e.kind }

// RetryAfterSeconds is attached to RateLimited errors so HTTP/WS handlers can
// surface a retry-after hint without re-deriving the window.
type RateLimitedError struct {
	*kindError
	RetryAfterSeconds int
}

// NewRateLimited builds a RateLimited error carrying a retry-after hint.
func NewRateLimited(msg string, retryAfterSeconds int) error {
	return &RateLimitedError{
		kindError:         &kindError{kind: RateLimited, msg: msg},
		RetryAfterSeconds: retryAfterSeconds,
	}
}
