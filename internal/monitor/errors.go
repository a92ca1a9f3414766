package monitor

import "errors"

// Domain errors for monitors.
var (
	// ErrRegistry is returned when the monitor web service fails.
	ErrRegistry = errors.New("monitor: registry error")

	// ErrNotFound is returned when no descriptor matches.
	ErrNotFound = errors.New("monitor: not found")

	// ErrInvalidOptions is returned for incomplete descriptor options.
	ErrInvalidOptions = errors.New("monitor: invalid options")

	// ErrClosed is returned by operations on a closed handle.
	ErrClosed = errors.New("monitor: closed")
)
