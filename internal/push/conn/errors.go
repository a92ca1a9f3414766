package conn

import "errors"

// Domain errors for the push connection.
var (
	// ErrAuthenticationFailed is returned when the push server explicitly
	// rejects the handshake credentials. Retrying is pointless.
	ErrAuthenticationFailed = errors.New("conn: authentication failed")

	// ErrConnectTimeout is returned when the handshake does not complete
	// within the connect timeout.
	ErrConnectTimeout = errors.New("conn: connect timeout")

	// ErrTransport is returned for any socket or TLS failure, including a
	// connection closed by either side.
	ErrTransport = errors.New("conn: transport error")

	// ErrIdleTimeout is returned by Receive when no bytes arrive within the
	// idle window. It wraps ErrTransport.
	ErrIdleTimeout = errors.New("conn: idle timeout")

	// ErrInvalidConfig is returned when Open is called without a host or
	// monitor id.
	ErrInvalidConfig = errors.New("conn: invalid configuration")
)
