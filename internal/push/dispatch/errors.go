package dispatch

import "errors"

// Domain errors for the dispatch engine.
var (
	// ErrDecompress is returned when a compressed document cannot be
	// inflated or exceeds the size limit.
	ErrDecompress = errors.New("dispatch: decompression failed")

	// ErrAckFailed is returned by HandleFrame when the acknowledgement
	// could not be written.
	ErrAckFailed = errors.New("dispatch: acknowledgement failed")
)
