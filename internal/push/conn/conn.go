package conn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/devicecloud/internal/cloud"
	"github.com/nerrad567/devicecloud/internal/push/frame"
)

// Default ports and timeouts for the push socket.
const (
	// DefaultPort is the plain TCP push port.
	DefaultPort = 3200

	// DefaultSecurePort is the TLS push port.
	DefaultSecurePort = 3201

	// defaultConnectTimeout bounds dial, TLS and the push handshake together.
	defaultConnectTimeout = 10 * time.Second

	// defaultWriteTimeout bounds a single frame write.
	defaultWriteTimeout = 5 * time.Second

	// defaultIdleMultiplier scales the negotiated keep-alive interval into
	// the idle window.
	defaultIdleMultiplier = 3

	// readBufferSize is the size of a single socket read.
	readBufferSize = 4096
)

// ContextDialer opens the raw network connection. *net.Dialer satisfies it.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds push connection settings.
type Config struct {
	// Host is the push server host name.
	Host string

	// Port overrides the default port (3200 plain, 3201 TLS).
	Port int

	// Secure enables TLS (minimum TLS 1.2).
	Secure bool

	// TLSConfig overrides the TLS settings. ServerName defaults to Host.
	TLSConfig *tls.Config

	// Credentials are sent in the ConnectionRequest.
	Credentials cloud.Credentials

	// MonitorID selects the monitor the session is bound to.
	MonitorID string

	// ConnectTimeout bounds dial, TLS and the push handshake.
	// Default: 10 seconds.
	ConnectTimeout time.Duration

	// WriteTimeout bounds a single frame write. Default: 5 seconds.
	WriteTimeout time.Duration

	// KeepAlive is the interval assumed when the server does not announce
	// one in the ConnectionResponse.
	KeepAlive time.Duration

	// IdleMultiplier scales the keep-alive interval into the idle window.
	// Default: 3.
	IdleMultiplier int

	// IdleTimeout, when positive, replaces the derived idle window.
	IdleTimeout time.Duration

	// MaxFrameSize bounds a single frame payload.
	// Default: frame.DefaultMaxPayload.
	MaxFrameSize int

	// Dialer overrides the network dialer.
	Dialer ContextDialer
}

// Address returns host:port for the configured transport.
func (c Config) Address() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
		if c.Secure {
			port = DefaultSecurePort
		}
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.IdleMultiplier <= 0 {
		c.IdleMultiplier = defaultIdleMultiplier
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = frame.DefaultMaxPayload
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{}
	}
}

func (c Config) tlsConfig() *tls.Config {
	var cfg *tls.Config
	if c.TLSConfig != nil {
		cfg = c.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = c.Host
	}
	if cfg.MinVersion < tls.VersionTLS12 {
		cfg.MinVersion = tls.VersionTLS12
	}
	return cfg
}

// Stats holds per-connection counters.
type Stats struct {
	FramesRx     uint64
	FramesTx     uint64
	KeepAlives   uint64
	LastActivity time.Time
}

// Conn is an authenticated push connection.
type Conn struct {
	nc           net.Conn
	dec          *frame.Decoder
	buf          []byte
	id           string
	keepAlive    time.Duration
	idle         time.Duration
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once

	framesRx     atomic.Uint64
	framesTx     atomic.Uint64
	keepAlives   atomic.Uint64
	lastActivity atomic.Int64 // Unix nanoseconds
}

// Open dials the push server and performs the push handshake.
//
// Parameters:
//   - ctx: Context for cancellation; cancelling aborts the handshake
//   - cfg: Connection configuration
//
// Returns:
//   - *Conn: Authenticated connection ready for Receive/Send
//   - error: ErrAuthenticationFailed on an explicit rejection,
//     ErrConnectTimeout when the handshake does not finish in time,
//     ErrTransport (or frame.ErrMalformedFrame) otherwise
func Open(ctx context.Context, cfg Config) (*Conn, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}
	if cfg.MonitorID == "" {
		return nil, fmt.Errorf("%w: monitor id is required", ErrInvalidConfig)
	}
	cfg.applyDefaults()

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	nc, err := cfg.Dialer.DialContext(ctx, "tcp", cfg.Address())
	if err != nil {
		return nil, classify(ctx, "dial "+cfg.Address(), err)
	}

	if cfg.Secure {
		tc := tls.Client(nc, cfg.tlsConfig())
		if err := tc.HandshakeContext(ctx); err != nil {
			nc.Close()
			return nil, classify(ctx, "tls handshake", err)
		}
		nc = tc
	}

	c := &Conn{
		nc:           nc,
		dec:          frame.NewDecoder(cfg.MaxFrameSize),
		buf:          make([]byte, readBufferSize),
		writeTimeout: cfg.WriteTimeout,
	}
	c.touch()

	if err := c.handshake(ctx, cfg); err != nil {
		nc.Close()
		return nil, err
	}

	c.keepAlive = c.keepAliveOr(cfg.KeepAlive)
	switch {
	case cfg.IdleTimeout > 0:
		c.idle = cfg.IdleTimeout
	case c.keepAlive > 0:
		c.idle = time.Duration(cfg.IdleMultiplier) * c.keepAlive
	}

	return c, nil
}

// handshake sends the ConnectionRequest and waits for the response.
// The context deadline is applied to the socket so a silent server cannot
// hold the caller past the connect timeout.
func (c *Conn) handshake(ctx context.Context, cfg Config) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.nc.SetDeadline(deadline); err != nil {
			return fmt.Errorf("%w: set deadline: %w", ErrTransport, err)
		}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.nc.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	req := frame.ConnectionRequest{
		Version:   frame.ProtocolVersion,
		Username:  cfg.Credentials.Username,
		Password:  cfg.Credentials.Password,
		MonitorID: cfg.MonitorID,
	}
	if _, err := c.nc.Write(frame.Encode(req.Frame())); err != nil {
		return classify(ctx, "send connection request", err)
	}
	c.framesTx.Add(1)

	for {
		f, err := c.readFrame()
		if err != nil {
			if errors.Is(err, frame.ErrMalformedFrame) {
				return err
			}
			return classify(ctx, "read connection response", err)
		}
		c.framesRx.Add(1)

		switch f.Type {
		case frame.TypeConnectionResponse:
			resp, err := frame.ParseConnectionResponse(f.Payload)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrTransport, err)
			}
			if !resp.OK() {
				return fmt.Errorf("%w: server rejected connection (status %d)", ErrAuthenticationFailed, resp.Status)
			}
			c.id = resp.ConnectionID
			c.keepAlive = resp.KeepAlive
			// Handshake deadline no longer applies.
			if err := c.nc.SetDeadline(time.Time{}); err != nil {
				return fmt.Errorf("%w: clear deadline: %w", ErrTransport, err)
			}
			return nil

		case frame.TypeError:
			return errorFrame(f)

		case frame.TypeKeepAlive:
			// Not echoed until the session is established.
			continue

		default:
			return fmt.Errorf("%w: unexpected %s during handshake", ErrTransport, f.Type)
		}
	}
}

func (c *Conn) keepAliveOr(fallback time.Duration) time.Duration {
	if c.keepAlive > 0 {
		return c.keepAlive
	}
	return fallback
}

// Receive blocks until one full frame arrives.
//
// KeepAlive frames are echoed back and skipped. A server Error frame is
// returned as an error: ErrAuthenticationFailed for 401/403, ErrTransport
// otherwise.
//
// Returns:
//   - frame.Frame: the next ConnectionResponse, PublishMessage or
//     PublishMessageReceived frame
//   - error: ErrIdleTimeout, ErrTransport, or frame.ErrMalformedFrame
func (c *Conn) Receive() (frame.Frame, error) {
	for {
		var deadline time.Time
		if c.idle > 0 {
			deadline = time.Now().Add(c.idle)
		}
		if err := c.nc.SetReadDeadline(deadline); err != nil {
			return frame.Frame{}, c.receiveError(err)
		}

		f, err := c.readFrame()
		if err != nil {
			return frame.Frame{}, c.receiveError(err)
		}
		c.framesRx.Add(1)

		switch f.Type {
		case frame.TypeKeepAlive:
			c.keepAlives.Add(1)
			if err := c.Send(frame.KeepAlive()); err != nil {
				return frame.Frame{}, err
			}
			continue
		case frame.TypeError:
			return frame.Frame{}, errorFrame(f)
		}
		return f, nil
	}
}

// readFrame reads from the socket until the decoder yields a frame.
func (c *Conn) readFrame() (frame.Frame, error) {
	for {
		f, err := c.dec.Next()
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, frame.ErrNeedMoreData) {
			return frame.Frame{}, err
		}

		n, err := c.nc.Read(c.buf)
		if n > 0 {
			c.dec.Write(c.buf[:n])
			c.touch()
		}
		if err != nil {
			if n > 0 {
				// Deliver whatever completed before the error.
				if f, derr := c.dec.Next(); derr == nil {
					return f, nil
				}
			}
			return frame.Frame{}, err
		}
	}
}

func (c *Conn) receiveError(err error) error {
	if errors.Is(err, frame.ErrMalformedFrame) {
		return err
	}
	if c.closed.Load() {
		return fmt.Errorf("%w: %w", ErrTransport, net.ErrClosed)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w: no frame within %s", ErrTransport, ErrIdleTimeout, c.idle)
	}
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: connection closed by server", ErrTransport)
	}
	return fmt.Errorf("%w: read: %w", ErrTransport, err)
}

// Send writes one frame.
func (c *Conn) Send(f frame.Frame) error {
	if c.closed.Load() {
		return fmt.Errorf("%w: %w", ErrTransport, net.ErrClosed)
	}

	data := frame.Encode(f)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("%w: set write deadline: %w", ErrTransport, err)
	}
	if _, err := c.nc.Write(data); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrTransport, f.Type, err)
	}
	c.framesTx.Add(1)
	return nil
}

// Close shuts the socket down. It never fails and may be called repeatedly.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.nc.Close()
	})
	return nil
}

// ID returns the connection id assigned by the server.
func (c *Conn) ID() string {
	return c.id
}

// KeepAliveInterval returns the negotiated keep-alive interval.
func (c *Conn) KeepAliveInterval() time.Duration {
	return c.keepAlive
}

// IdleTimeout returns the read deadline applied by Receive (0 = none).
func (c *Conn) IdleTimeout() time.Duration {
	return c.idle
}

// RemoteAddr returns the server address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Stats returns the connection counters.
func (c *Conn) Stats() Stats {
	return Stats{
		FramesRx:     c.framesRx.Load(),
		FramesTx:     c.framesTx.Load(),
		KeepAlives:   c.keepAlives.Load(),
		LastActivity: time.Unix(0, c.lastActivity.Load()),
	}
}

// LastActivity returns when bytes last arrived on the socket, keep-alives
// included.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// classify maps a dial, TLS or handshake I/O failure to the error taxonomy.
func classify(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrConnectTimeout, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() && ctx.Err() == nil {
		return fmt.Errorf("%w: %s: %w", ErrConnectTimeout, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}

// errorFrame converts a server Error frame into an error.
func errorFrame(f frame.Frame) error {
	msg, err := frame.ParseErrorMessage(f.Payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	switch msg.Status {
	case frame.StatusUnauthorized, frame.StatusForbidden:
		return fmt.Errorf("%w: %s (status %d)", ErrAuthenticationFailed, msg.Message, msg.Status)
	default:
		return fmt.Errorf("%w: server error %d: %s", ErrTransport, msg.Status, msg.Message)
	}
}
