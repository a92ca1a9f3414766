// Package conn owns one TCP or TLS socket to the Device Cloud push server.
//
// Open dials, performs the optional TLS handshake, sends a ConnectionRequest
// carrying the account credentials and monitor id, and waits for the
// ConnectionResponse. After that the connection is a plain frame pipe:
//
//	c, err := conn.Open(ctx, conn.Config{
//	    Host:        "login.etherios.com",
//	    Secure:      true,
//	    Credentials: creds,
//	    MonitorID:   "178008",
//	})
//	for {
//	    f, err := c.Receive()
//	    ...
//	}
//
// KeepAlive frames from the server are answered inside Receive and never
// returned to the caller. Receive applies a read deadline derived from the
// negotiated keep-alive interval; a silent socket fails with ErrIdleTimeout.
//
// Thread Safety: Receive must be called from a single goroutine. Send and
// Close are safe for concurrent use, and Close unblocks a pending Receive.
package conn
