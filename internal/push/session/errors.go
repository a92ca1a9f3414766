package session

import "errors"

// Domain errors for the session manager.
var (
	// ErrClosed is returned by operations on a closed manager.
	ErrClosed = errors.New("session: closed")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("session: already started")

	// ErrInvalidConfig is returned when required collaborators are missing.
	ErrInvalidConfig = errors.New("session: invalid configuration")
)
