package tryout

import "errors"

var (
	// ErrValidation marks malformed or mismatched input references. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks a missing package, session, question or result.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState marks a mutation attempted in a state that forbids it. Never retried.
	ErrInvalidState = errors.New("invalid state")
	// ErrTransport marks a persistence or ingestion call that failed over the wire.
	// Callers may retry it with bounded attempts.
	ErrTransport = errors.New("transport error")
)

// Retryable reports whether err is worth retrying.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransport)
}
