package api

import "errors"

// Sentinel errors for backend calls. The tracker branches on these: a
// not-found operation is evicted from the registry, anything transient
// is retried under the backoff policy.
var (
	ErrOperationNotFound = errors.New("operation not found")
	ErrNotFound          = errors.New("resource not found")
	ErrTransient         = errors.New("transient backend error")
	ErrUnauthorized      = errors.New("unauthorized")
)

// IsNotFound reports whether err represents a missing resource of any
// kind, as opposed to a transient failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOperationNotFound) || errors.Is(err, ErrNotFound)
}
