package event

import "errors"

// Domain errors for event decoding.
var (
	// ErrDecode is returned when a document is not structurally valid
	// JSON or XML, or does not have the expected shape.
	ErrDecode = errors.New("event: decode failed")
)
