// Package session keeps one push connection alive for a monitor.
//
// A Manager owns a single worker goroutine that runs the cycle
//
//	DISCONNECTED -> CONNECTING -> AUTHENTICATED -> ACTIVE
//	     ^              |               |            |
//	     |              +------> RECONNECTING <------+
//	     |                          | (backoff)
//	     +--------- CONNECTING <----+
//
// and hands every inbound frame to a FrameHandler. Any state moves to
// CLOSED on Close, which is terminal. An explicit authentication rejection
// also closes the manager, because retrying bad credentials is pointless.
//
// After every successful handshake the manager re-confirms the monitor
// descriptor through the Binder before entering ACTIVE, since a server
// restart may have dropped it. Reconnects use exponential backoff with
// jitter; the delay resets once a connection has stayed ACTIVE for the
// stable period.
//
// The transport is injected through Dialer and Conn so the state machine
// can be driven by fakes in tests. NewConnDialer adapts the real
// internal/push/conn package.
package session
