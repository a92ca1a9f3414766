package frame

import "errors"

// Domain errors for the frame codec.
var (
	// ErrNeedMoreData is returned by Decode when the buffer does not yet
	// contain a complete frame. It is not a protocol error.
	ErrNeedMoreData = errors.New("frame: need more data")

	// ErrMalformedFrame is returned when a frame violates the wire format:
	// unknown type byte, declared length above the configured maximum,
	// or a length field that disagrees with the payload.
	ErrMalformedFrame = errors.New("frame: malformed frame")

	// ErrInvalidPayload is returned when a control payload cannot be parsed.
	ErrInvalidPayload = errors.New("frame: invalid payload")
)
