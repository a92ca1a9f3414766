package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nerrad567/devicecloud/internal/push/conn"
	"github.com/nerrad567/devicecloud/internal/push/frame"
)

// fakeConn is a scripted push connection.
type fakeConn struct {
	id        string
	keepAlive time.Duration

	in     chan frame.Frame
	fail   chan error
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	sent []frame.Frame
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{
		id:     id,
		in:     make(chan frame.Frame, 16),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Receive() (frame.Frame, error) {
	select {
	case <-c.closed:
		return frame.Frame{}, fmt.Errorf("%w: use of closed connection", conn.ErrTransport)
	default:
	}
	select {
	case f := <-c.in:
		return f, nil
	case err := <-c.fail:
		return frame.Frame{}, err
	case <-c.closed:
		return frame.Frame{}, fmt.Errorf("%w: use of closed connection", conn.ErrTransport)
	}
}

func (c *fakeConn) Send(f frame.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, f)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) ID() string                       { return c.id }
func (c *fakeConn) KeepAliveInterval() time.Duration { return c.keepAlive }

// fakeDialer hands out fakeConns, or errors from script.
type fakeDialer struct {
	mu        sync.Mutex
	script    []error
	dials     []time.Time
	monitors  []string
	keepAlive time.Duration
	conns     chan *fakeConn
}

func newFakeDialer(script ...error) *fakeDialer {
	return &fakeDialer{script: script, conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, monitorID string) (Conn, error) {
	d.mu.Lock()
	n := len(d.dials)
	d.dials = append(d.dials, time.Now())
	d.monitors = append(d.monitors, monitorID)
	var err error
	if n < len(d.script) {
		err = d.script[n]
	}
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	c := newFakeConn(fmt.Sprintf("conn-%d", n+1))
	c.keepAlive = d.keepAlive
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) monitorIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.monitors...)
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a dial")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastBackoff() BackoffConfig {
	return BackoffConfig{Initial: 20 * time.Millisecond, Max: 40 * time.Millisecond}
}

func newManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.MonitorID == "" {
		cfg.MonitorID = "178008"
	}
	if cfg.Handler == nil {
		cfg.Handler = func(frame.Frame, Conn) error { return nil }
	}
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		_ = m.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.Wait(ctx); err != nil {
			t.Errorf("worker did not exit: %v", err)
		}
	})
	return m
}

func TestNewInvalidConfig(t *testing.T) {
	handler := func(frame.Frame, Conn) error { return nil }
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no monitor", Config{Dialer: newFakeDialer(), Handler: handler}},
		{"no dialer", Config{MonitorID: "1", Handler: handler}},
		{"no handler", Config{MonitorID: "1", Dialer: newFakeDialer()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("New() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestLifecycleReachesActive(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []string
	)
	d := newFakeDialer()
	m := newManager(t, Config{
		Dialer:  d,
		Backoff: fastBackoff(),
		Binder: BinderFunc(func(_ context.Context, id string) (string, error) {
			return id, nil
		}),
		OnStateChange: func(from, to State) {
			mu.Lock()
			transitions = append(transitions, string(from)+">"+string(to))
			mu.Unlock()
		},
	})
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := m.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
	if err := <-m.FirstAttempt(); err != nil {
		t.Fatalf("FirstAttempt() = %v", err)
	}
	waitFor(t, "active", func() bool { return m.State() == StateActive })

	if got := m.Stats().ConnectionID; got != "conn-1" {
		t.Errorf("ConnectionID = %q", got)
	}

	mu.Lock()
	got := append([]string(nil), transitions...)
	mu.Unlock()
	want := []string{"disconnected>connecting", "connecting>authenticated", "authenticated>active"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}
}

func TestFramesHandledInOrder(t *testing.T) {
	var (
		mu  sync.Mutex
		got []uint16
	)
	d := newFakeDialer()
	m := newManager(t, Config{
		Dialer:  d,
		Backoff: fastBackoff(),
		Handler: func(f frame.Frame, c Conn) error {
			msg, err := frame.ParsePublishMessage(f.Payload)
			if err != nil {
				return err
			}
			mu.Lock()
			got = append(got, msg.DataBlockID)
			mu.Unlock()
			return c.Send(frame.PublishMessageReceived{DataBlockID: msg.DataBlockID, Status: frame.StatusOK}.Frame())
		},
	})
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	c := d.next(t)
	for i := range 5 {
		c.in <- frame.PublishMessage{DataBlockID: uint16(i), Format: frame.FormatJSON, Document: []byte("{}")}.Frame()
	}
	waitFor(t, "five frames", func() bool { return m.Stats().FramesTx == 5 })

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]uint16{0, 1, 2, 3, 4}, got); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	st := m.Stats()
	if st.FramesRx != 5 || st.LastActivity.IsZero() {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestReconnectAfterTransportError(t *testing.T) {
	var (
		mu         sync.Mutex
		bindStates []State
	)
	d := newFakeDialer()
	var m *Manager
	m = newManager(t, Config{
		Dialer:  d,
		Backoff: fastBackoff(),
		Binder: BinderFunc(func(_ context.Context, id string) (string, error) {
			mu.Lock()
			bindStates = append(bindStates, m.State())
			mu.Unlock()
			return id, nil
		}),
	})
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	first := d.next(t)
	waitFor(t, "active", func() bool { return m.State() == StateActive })

	failedAt := time.Now()
	first.fail <- fmt.Errorf("%w: connection reset by peer", conn.ErrTransport)

	second := d.next(t)
	elapsed := time.Since(failedAt)
	if elapsed < 10*time.Millisecond {
		t.Errorf("reconnected after %s, want at least half the initial delay", elapsed)
	}
	if elapsed > 20*time.Millisecond+time.Second {
		t.Errorf("reconnected after %s, want within the backoff bound", elapsed)
	}
	if !first.isClosed() {
		t.Error("failed connection was not closed")
	}

	waitFor(t, "active again", func() bool { return m.State() == StateActive })
	if m.Stats().ConnectionID != second.ID() {
		t.Errorf("ConnectionID = %q, want %q", m.Stats().ConnectionID, second.ID())
	}

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]State{StateAuthenticated, StateAuthenticated}, bindStates); diff != "" {
		t.Errorf("bind states mismatch (-want +got):\n%s", diff)
	}
	if got := m.Stats().Reconnects; got != 1 {
		t.Errorf("Reconnects = %d, want 1", got)
	}
}

func TestIdleTimeoutForcesReconnect(t *testing.T) {
	d := newFakeDialer()
	d.keepAlive = 10 * time.Millisecond
	m := newManager(t, Config{Dialer: d, Backoff: fastBackoff()})
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	first := d.next(t)
	// The socket stays silent; three keep-alive intervals later the
	// watchdog must drop it.
	d.next(t)
	if !first.isClosed() {
		t.Error("idle connection was not closed")
	}
}

func TestIdleTimeoutOverride(t *testing.T) {
	d := newFakeDialer()
	m := newManager(t, Config{Dialer: d, Backoff: fastBackoff(), IdleTimeout: 15 * time.Millisecond})
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	first := d.next(t)
	d.next(t)
	if !first.isClosed() {
		t.Error("idle connection was not closed")
	}
}

func TestCloseDuringReceive(t *testing.T) {
	d := newFakeDialer()
	m := newManager(t, Config{Dialer: d, Backoff: fastBackoff()})
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	c := d.next(t)
	waitFor(t, "active", func() bool { return m.State() == StateActive })

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("worker still running after Close")
	}

	if !c.isClosed() {
		t.Error("connection not closed")
	}
	time.Sleep(60 * time.Millisecond)
	if n := d.count(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
	if m.State() != StateClosed || m.Err() != nil {
		t.Errorf("State() = %s, Err() = %v", m.State(), m.Err())
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := m.Start(); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() after Close error = %v, want ErrClosed", err)
	}
}

func TestCloseDuringBackoff(t *testing.T) {
	d := newFakeDialer(fmt.Errorf("%w: connection refused", conn.ErrTransport))
	m := newManager(t, Config{Dialer: d, Backoff: BackoffConfig{Initial: time.Hour}})
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := <-m.FirstAttempt(); !errors.Is(err, conn.ErrTransport) {
		t.Fatalf("FirstAttempt() = %v, want ErrTransport", err)
	}
	waitFor(t, "reconnecting", func() bool { return m.State() == StateReconnecting })

	_ = m.Close()
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("worker still sleeping after Close")
	}
}

func TestAuthenticationFailureCloses(t *testing.T) {
	d := newFakeDialer(fmt.Errorf("%w: status 401", conn.ErrAuthenticationFailed))
	m := newManager(t, Config{Dialer: d, Backoff: fastBackoff()})
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := <-m.FirstAttempt(); !errors.Is(err, conn.ErrAuthenticationFailed) {
		t.Fatalf("FirstAttempt() = %v, want ErrAuthenticationFailed", err)
	}
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("worker still running after auth failure")
	}
	time.Sleep(60 * time.Millisecond)
	if n := d.count(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
	if m.State() != StateClosed {
		t.Errorf("State() = %s, want closed", m.State())
	}
	if !errors.Is(m.Err(), conn.ErrAuthenticationFailed) {
		t.Errorf("Err() = %v", m.Err())
	}
}

func TestRebindWithNewIDReconnectsImmediately(t *testing.T) {
	d := newFakeDialer()
	binds := 0
	m := newManager(t, Config{
		MonitorID: "178008",
		Dialer:    d,
		// Any backoff sleep would outlast the test.
		Backoff: BackoffConfig{Initial: time.Hour},
		Binder: BinderFunc(func(_ context.Context, id string) (string, error) {
			binds++
			if binds == 1 {
				return "200001", nil
			}
			return id, nil
		}),
	})
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	first := d.next(t)
	d.next(t)
	waitFor(t, "active", func() bool { return m.State() == StateActive })

	if !first.isClosed() {
		t.Error("connection for the old id was not closed")
	}
	if diff := cmp.Diff([]string{"178008", "200001"}, d.monitorIDs()); diff != "" {
		t.Errorf("dialed monitor ids mismatch (-want +got):\n%s", diff)
	}
	if m.MonitorID() != "200001" {
		t.Errorf("MonitorID() = %q", m.MonitorID())
	}
}

func TestBindFailureRetries(t *testing.T) {
	d := newFakeDialer()
	binds := 0
	m := newManager(t, Config{
		Dialer:  d,
		Backoff: fastBackoff(),
		Binder: BinderFunc(func(_ context.Context, id string) (string, error) {
			binds++
			if binds == 1 {
				return "", errors.New("registry unavailable")
			}
			return id, nil
		}),
	})
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	first := d.next(t)
	d.next(t)
	waitFor(t, "active", func() bool { return m.State() == StateActive })
	if !first.isClosed() {
		t.Error("connection was not closed after bind failure")
	}
}

func TestHandlerErrorReconnects(t *testing.T) {
	d := newFakeDialer()
	m := newManager(t, Config{
		Dialer:  d,
		Backoff: fastBackoff(),
		Handler: func(frame.Frame, Conn) error { return frame.ErrMalformedFrame },
	})
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	first := d.next(t)
	first.in <- frame.Frame{Type: frame.TypePublishMessage, Payload: []byte{0x01}}
	d.next(t)
	if !first.isClosed() {
		t.Error("connection was not closed after handler error")
	}
}

func TestConnectFailuresRetry(t *testing.T) {
	refused := fmt.Errorf("%w: connection refused", conn.ErrTransport)
	d := newFakeDialer(refused, refused)
	m := newManager(t, Config{Dialer: d, Backoff: fastBackoff()})
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := <-m.FirstAttempt(); !errors.Is(err, conn.ErrTransport) {
		t.Errorf("FirstAttempt() = %v, want ErrTransport", err)
	}
	d.next(t)
	waitFor(t, "active", func() bool { return m.State() == StateActive })
	if got := m.Stats().Reconnects; got != 2 {
		t.Errorf("Reconnects = %d, want 2", got)
	}
}

func TestCloseBeforeStart(t *testing.T) {
	m := newManager(t, Config{Dialer: newFakeDialer()})
	_ = m.Close()
	if err := m.Start(); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() error = %v, want ErrClosed", err)
	}
	if err := <-m.FirstAttempt(); !errors.Is(err, ErrClosed) {
		t.Errorf("FirstAttempt() = %v, want ErrClosed", err)
	}
}

func TestBackoffSequence(t *testing.T) {
	tests := []struct {
		name   string
		jitter float64
		want   []time.Duration
	}{
		{
			name:   "upper bound",
			jitter: 1,
			want:   []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second},
		},
		{
			name:   "lower bound",
			jitter: 0,
			want:   []time.Duration{500 * time.Millisecond, 1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackoff(BackoffConfig{})
			b.jitter = func() float64 { return tt.jitter }
			var got []time.Duration
			for range tt.want {
				got = append(got, b.Next())
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("delays mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBackoffResetAndStable(t *testing.T) {
	b := newBackoff(BackoffConfig{})
	b.Next()
	b.Next()
	if b.Current() != 4*time.Second {
		t.Fatalf("Current() = %s, want 4s", b.Current())
	}
	if b.Stable(59 * time.Second) {
		t.Error("Stable(59s) = true")
	}
	if !b.Stable(time.Minute) {
		t.Error("Stable(1m) = false")
	}
	b.Reset()
	if b.Current() != time.Second {
		t.Errorf("Current() after Reset = %s, want 1s", b.Current())
	}
}

func TestBackoffRandomWithinBounds(t *testing.T) {
	b := newBackoff(BackoffConfig{Initial: 100 * time.Millisecond, Max: 400 * time.Millisecond})
	base := 100 * time.Millisecond
	for range 20 {
		d := b.Next()
		if d < base/2 || d > base {
			t.Fatalf("delay %s outside [%s, %s]", d, base/2, base)
		}
		base = min(base*2, 400*time.Millisecond)
	}
}
