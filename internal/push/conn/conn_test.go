package conn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/nerrad567/devicecloud/internal/cloud"
	"github.com/nerrad567/devicecloud/internal/push/frame"
)

// fakeServer accepts one push connection and hands it to fn.
func fakeServer(t *testing.T, fn func(c net.Conn)) Config {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		fn(c)
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return Config{
		Host:           host,
		Port:           port,
		Credentials:    cloud.Credentials{Username: "user", Password: "secret"},
		MonitorID:      "178008",
		ConnectTimeout: 2 * time.Second,
	}
}

// readFrame reads one frame from the server side of the socket.
func readFrame(c net.Conn, dec *frame.Decoder) (frame.Frame, error) {
	buf := make([]byte, 512)
	for {
		f, err := dec.Next()
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, frame.ErrNeedMoreData) {
			return frame.Frame{}, err
		}
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := c.Read(buf)
		if err != nil {
			return frame.Frame{}, err
		}
		dec.Write(buf[:n])
	}
}

// accept reads the ConnectionRequest and answers with resp.
func accept(c net.Conn, dec *frame.Decoder, resp frame.Frame) (frame.ConnectionRequest, error) {
	f, err := readFrame(c, dec)
	if err != nil {
		return frame.ConnectionRequest{}, err
	}
	req, err := frame.ParseConnectionRequest(f.Payload)
	if err != nil {
		return frame.ConnectionRequest{}, err
	}
	_, err = c.Write(frame.Encode(resp))
	return req, err
}

func okResponse(keepAlive time.Duration) frame.Frame {
	return frame.ConnectionResponse{Status: frame.StatusOK, KeepAlive: keepAlive, ConnectionID: "conn-1"}.Frame()
}

func TestOpenHandshake(t *testing.T) {
	reqs := make(chan frame.ConnectionRequest, 1)
	cfg := fakeServer(t, func(c net.Conn) {
		req, err := accept(c, frame.NewDecoder(0), okResponse(20*time.Second))
		if err == nil {
			reqs <- req
		}
		time.Sleep(100 * time.Millisecond)
	})

	c, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	req := <-reqs
	if req.Version != frame.ProtocolVersion || req.Username != "user" || req.Password != "secret" || req.MonitorID != "178008" {
		t.Errorf("ConnectionRequest = %+v", req)
	}
	if c.ID() != "conn-1" {
		t.Errorf("ID() = %q, want conn-1", c.ID())
	}
	if c.KeepAliveInterval() != 20*time.Second {
		t.Errorf("KeepAliveInterval() = %v, want 20s", c.KeepAliveInterval())
	}
	if c.IdleTimeout() != 60*time.Second {
		t.Errorf("IdleTimeout() = %v, want 60s (3x keep-alive)", c.IdleTimeout())
	}
}

func TestOpenIdleWindow(t *testing.T) {
	tests := []struct {
		name      string
		announced time.Duration
		cfg       func(*Config)
		want      time.Duration
	}{
		{name: "override", announced: 10 * time.Second, cfg: func(c *Config) { c.IdleTimeout = 5 * time.Second }, want: 5 * time.Second},
		{name: "multiplier", announced: 10 * time.Second, cfg: func(c *Config) { c.IdleMultiplier = 2 }, want: 20 * time.Second},
		{name: "fallback keep-alive", announced: 0, cfg: func(c *Config) { c.KeepAlive = 30 * time.Second }, want: 90 * time.Second},
		{name: "none", announced: 0, cfg: func(*Config) {}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := fakeServer(t, func(c net.Conn) {
				_, _ = accept(c, frame.NewDecoder(0), okResponse(tt.announced))
				time.Sleep(100 * time.Millisecond)
			})
			tt.cfg(&cfg)

			c, err := Open(context.Background(), cfg)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer c.Close()

			if c.IdleTimeout() != tt.want {
				t.Errorf("IdleTimeout() = %v, want %v", c.IdleTimeout(), tt.want)
			}
		})
	}
}

func TestOpenRejected(t *testing.T) {
	tests := []struct {
		name string
		resp frame.Frame
		want error
	}{
		{
			name: "401 response",
			resp: frame.ConnectionResponse{Status: frame.StatusUnauthorized}.Frame(),
			want: ErrAuthenticationFailed,
		},
		{
			name: "403 error frame",
			resp: frame.ErrorMessage{Status: frame.StatusForbidden, Message: "forbidden"}.Frame(),
			want: ErrAuthenticationFailed,
		},
		{
			name: "500 error frame",
			resp: frame.ErrorMessage{Status: 500, Message: "internal"}.Frame(),
			want: ErrTransport,
		},
		{
			name: "unexpected frame",
			resp: frame.PublishMessageReceived{DataBlockID: 1, Status: 200}.Frame(),
			want: ErrTransport,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := fakeServer(t, func(c net.Conn) {
				_, _ = accept(c, frame.NewDecoder(0), tt.resp)
				time.Sleep(100 * time.Millisecond)
			})

			_, err := Open(context.Background(), cfg)
			if !errors.Is(err, tt.want) {
				t.Errorf("Open() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestOpenConnectTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	cfg := fakeServer(t, func(c net.Conn) {
		<-release
	})
	cfg.ConnectTimeout = 100 * time.Millisecond

	start := time.Now()
	_, err := Open(context.Background(), cfg)
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("Open() error = %v, want ErrConnectTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Open() took %v, want about 100ms", elapsed)
	}
}

func TestOpenDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	_, err = Open(context.Background(), Config{
		Host:      "127.0.0.1",
		Port:      addr.Port,
		MonitorID: "1",
	})
	if !errors.Is(err, ErrTransport) {
		t.Errorf("Open() error = %v, want ErrTransport", err)
	}
}

func TestOpenInvalidConfig(t *testing.T) {
	if _, err := Open(context.Background(), Config{MonitorID: "1"}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("missing host error = %v", err)
	}
	if _, err := Open(context.Background(), Config{Host: "localhost"}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("missing monitor error = %v", err)
	}
}

func TestReceiveEchoesKeepAlive(t *testing.T) {
	echoed := make(chan frame.Frame, 1)
	publish := frame.PublishMessage{DataBlockID: 5, Count: 1, Format: frame.FormatJSON, Document: []byte(`{}`)}.Frame()

	cfg := fakeServer(t, func(c net.Conn) {
		dec := frame.NewDecoder(0)
		if _, err := accept(c, dec, okResponse(30*time.Second)); err != nil {
			return
		}
		c.Write(frame.Encode(frame.KeepAlive()))
		f, err := readFrame(c, dec)
		if err != nil {
			return
		}
		echoed <- f
		c.Write(frame.Encode(publish))
		time.Sleep(100 * time.Millisecond)
	})

	c, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	f, err := c.Receive()
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if f.Type != frame.TypePublishMessage {
		t.Errorf("Receive() type = %v, want PublishMessage (keep-alive must not surface)", f.Type)
	}

	select {
	case got := <-echoed:
		if got.Type != frame.TypeKeepAlive {
			t.Errorf("echo type = %v, want KeepAlive", got.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("keep-alive was not echoed")
	}

	if s := c.Stats(); s.KeepAlives != 1 {
		t.Errorf("Stats().KeepAlives = %d, want 1", s.KeepAlives)
	}
}

func TestReceivePartialWrites(t *testing.T) {
	publish := frame.PublishMessage{DataBlockID: 9, Count: 1, Format: frame.FormatJSON, Document: []byte(`{"stream":"classroom","value":42}`)}.Frame()

	cfg := fakeServer(t, func(c net.Conn) {
		if _, err := accept(c, frame.NewDecoder(0), okResponse(30*time.Second)); err != nil {
			return
		}
		for _, b := range frame.Encode(publish) {
			c.Write([]byte{b})
			time.Sleep(time.Millisecond)
		}
		time.Sleep(100 * time.Millisecond)
	})

	c, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	f, err := c.Receive()
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	msg, err := frame.ParsePublishMessage(f.Payload)
	if err != nil {
		t.Fatalf("ParsePublishMessage() error = %v", err)
	}
	if msg.DataBlockID != 9 || string(msg.Document) != `{"stream":"classroom","value":42}` {
		t.Errorf("message = %+v", msg)
	}
}

func TestReceiveIdleTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	cfg := fakeServer(t, func(c net.Conn) {
		if _, err := accept(c, frame.NewDecoder(0), okResponse(30*time.Second)); err != nil {
			return
		}
		<-release
	})
	cfg.IdleTimeout = 50 * time.Millisecond

	c, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	_, err = c.Receive()
	if !errors.Is(err, ErrIdleTimeout) {
		t.Fatalf("Receive() error = %v, want ErrIdleTimeout", err)
	}
	if !errors.Is(err, ErrTransport) {
		t.Errorf("idle timeout should also match ErrTransport, got %v", err)
	}
}

func TestReceiveMalformed(t *testing.T) {
	cfg := fakeServer(t, func(c net.Conn) {
		if _, err := accept(c, frame.NewDecoder(0), okResponse(30*time.Second)); err != nil {
			return
		}
		c.Write([]byte{0x7F, 0x00, 0x00, 0x00, 0x00})
		time.Sleep(100 * time.Millisecond)
	})

	c, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	if _, err := c.Receive(); !errors.Is(err, frame.ErrMalformedFrame) {
		t.Errorf("Receive() error = %v, want ErrMalformedFrame", err)
	}
}

func TestReceiveServerClose(t *testing.T) {
	cfg := fakeServer(t, func(c net.Conn) {
		_, _ = accept(c, frame.NewDecoder(0), okResponse(30*time.Second))
	})

	c, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	if _, err := c.Receive(); !errors.Is(err, ErrTransport) {
		t.Errorf("Receive() error = %v, want ErrTransport", err)
	}
}

func TestCloseUnblocksReceive(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	cfg := fakeServer(t, func(c net.Conn) {
		if _, err := accept(c, frame.NewDecoder(0), okResponse(0)); err != nil {
			return
		}
		<-release
	})

	c, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Receive()
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	c.Close()
	c.Close() // second close is a no-op

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrTransport) {
			t.Errorf("Receive() error = %v, want ErrTransport", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive() did not unblock after Close()")
	}

	if err := c.Send(frame.KeepAlive()); !errors.Is(err, ErrTransport) {
		t.Errorf("Send() after Close error = %v, want ErrTransport", err)
	}
}

func TestSendAck(t *testing.T) {
	got := make(chan frame.Frame, 1)
	cfg := fakeServer(t, func(c net.Conn) {
		dec := frame.NewDecoder(0)
		if _, err := accept(c, dec, okResponse(30*time.Second)); err != nil {
			return
		}
		f, err := readFrame(c, dec)
		if err == nil {
			got <- f
		}
	})

	c, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	if err := c.Send(frame.PublishMessageReceived{DataBlockID: 77, Status: frame.StatusOK}.Frame()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case f := <-got:
		ack, err := frame.ParsePublishMessageReceived(f.Payload)
		if err != nil || ack.DataBlockID != 77 || ack.Status != frame.StatusOK {
			t.Errorf("ack = %+v, err = %v", ack, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive ack")
	}
}

func TestConfigAddressAndTLS(t *testing.T) {
	if got := (Config{Host: "push.example.com"}).Address(); got != "push.example.com:3200" {
		t.Errorf("Address() = %q", got)
	}
	if got := (Config{Host: "push.example.com", Secure: true}).Address(); got != "push.example.com:3201" {
		t.Errorf("secure Address() = %q", got)
	}
	if got := (Config{Host: "h", Port: 9000, Secure: true}).Address(); got != "h:9000" {
		t.Errorf("override Address() = %q", got)
	}

	tc := Config{Host: "push.example.com", TLSConfig: &tls.Config{MinVersion: tls.VersionTLS10}}.tlsConfig()
	if tc.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %x, want TLS 1.2", tc.MinVersion)
	}
	if tc.ServerName != "push.example.com" {
		t.Errorf("ServerName = %q", tc.ServerName)
	}
}

// tlsServer is fakeServer behind TLS, using the self-signed certificate of
// an httptest server. The returned pool trusts that certificate.
func tlsServer(t *testing.T, fn func(c net.Conn)) (Config, *x509.CertPool) {
	t.Helper()

	hs := httptest.NewTLSServer(http.NotFoundHandler())
	t.Cleanup(hs.Close)
	pool := x509.NewCertPool()
	pool.AddCert(hs.Certificate())

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: hs.TLS.Certificates,
		MinVersion:   tls.VersionTLS12,
	})
	if err != nil {
		t.Fatalf("tls listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		fn(c)
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return Config{
		Host:           host,
		Port:           port,
		Secure:         true,
		Credentials:    cloud.Credentials{Username: "user", Password: "secret"},
		MonitorID:      "178008",
		ConnectTimeout: 2 * time.Second,
	}, pool
}

func TestOpenTLS(t *testing.T) {
	publish := frame.PublishMessage{DataBlockID: 12, Count: 1, Format: frame.FormatJSON, Document: []byte(`{}`)}.Frame()
	reqs := make(chan frame.ConnectionRequest, 1)

	cfg, pool := tlsServer(t, func(c net.Conn) {
		req, err := accept(c, frame.NewDecoder(0), okResponse(30*time.Second))
		if err != nil {
			return
		}
		reqs <- req
		c.Write(frame.Encode(publish))
		time.Sleep(100 * time.Millisecond)
	})
	cfg.TLSConfig = &tls.Config{RootCAs: pool}

	c, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	tc, ok := c.nc.(*tls.Conn)
	if !ok {
		t.Fatalf("socket is %T, want *tls.Conn", c.nc)
	}
	if v := tc.ConnectionState().Version; v < tls.VersionTLS12 {
		t.Errorf("negotiated TLS version %x, want at least 1.2", v)
	}

	select {
	case req := <-reqs:
		if req.MonitorID != "178008" || req.Username != "user" {
			t.Errorf("ConnectionRequest = %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive the ConnectionRequest")
	}

	f, err := c.Receive()
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if f.Type != frame.TypePublishMessage {
		t.Errorf("Receive() type = %v, want PublishMessage", f.Type)
	}
}

func TestOpenTLSUntrustedCertificate(t *testing.T) {
	cfg, _ := tlsServer(t, func(c net.Conn) {
		_, _ = readFrame(c, frame.NewDecoder(0))
	})
	// No RootCAs: the self-signed certificate must be rejected.
	cfg.TLSConfig = &tls.Config{RootCAs: x509.NewCertPool()}

	c, err := Open(context.Background(), cfg)
	if err == nil {
		c.Close()
		t.Fatal("Open() succeeded against an untrusted certificate")
	}
	if !errors.Is(err, ErrTransport) {
		t.Errorf("Open() error = %v, want ErrTransport", err)
	}
	var certErr *tls.CertificateVerificationError
	if !errors.As(err, &certErr) {
		t.Errorf("Open() error = %v, want a certificate verification error", err)
	}
}
