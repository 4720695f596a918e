package session

import "errors"

var (
	// ErrNotFound is returned by Load when no active record exists.
	ErrNotFound = errors.New("session: not found")
	// ErrConnectionUnavailable marks transient pool or network failures.
	// Callers may retry with backoff.
	ErrConnectionUnavailable = errors.New("session: connection unavailable")
	// ErrConstraintViolation marks exhausted collision retries and any other
	// storage anomaly that should fail the request.
	ErrConstraintViolation = errors.New("session: constraint violation")
	// ErrEncoding marks stored bytes that could not be decoded.
	ErrEncoding = errors.New("session: encoding error")
)

// IsTransient reports whether err is worth retrying at a higher layer.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConnectionUnavailable)
}
