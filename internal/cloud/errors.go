package cloud

import (
	"errors"
	"fmt"
)

// Domain errors for the cloud request layer.
var (
	// ErrRequestFailed is returned when a request did not produce a
	// successful status after all retries.
	ErrRequestFailed = errors.New("cloud: request failed")

	// ErrInvalidConfig is returned when a client is built from bad settings.
	ErrInvalidConfig = errors.New("cloud: invalid configuration")

	// ErrInvalidResponse is returned when a response body cannot be parsed.
	ErrInvalidResponse = errors.New("cloud: invalid response")

	// ErrStopIteration may be returned by an IterJSONPages visitor to end
	// the walk early without error.
	ErrStopIteration = errors.New("cloud: stop iteration")
)

// HTTPError describes the last failed attempt of a request.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("cloud: %s %s failed - HTTP(%d)", e.Method, e.URL, e.StatusCode)
}

// Unwrap lets errors.Is(err, ErrRequestFailed) match an *HTTPError.
func (e *HTTPError) Unwrap() error {
	return ErrRequestFailed
}

// StatusCode extracts the HTTP status from err, or 0 if err is not an
// *HTTPError.
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}
