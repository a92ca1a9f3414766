package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/nerrad567/devicecloud/internal/push/conn"
	"github.com/nerrad567/devicecloud/internal/push/frame"
)

// Default timing values.
const (
	defaultBindTimeout    = 30 * time.Second
	defaultIdleMultiplier = 3
)

// Conn is one authenticated push connection.
type Conn interface {
	Receive() (frame.Frame, error)
	Send(f frame.Frame) error
	Close() error
	ID() string
	KeepAliveInterval() time.Duration
}

// Dialer opens and authenticates a push connection for a monitor.
type Dialer interface {
	Dial(ctx context.Context, monitorID string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, monitorID string) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, monitorID string) (Conn, error) {
	return f(ctx, monitorID)
}

// Binder confirms the monitor descriptor exists on the server. It returns
// the id to use from now on, which differs from monitorID when the
// descriptor had to be re-created.
type Binder interface {
	Bind(ctx context.Context, monitorID string) (string, error)
}

// BinderFunc adapts a function to Binder.
type BinderFunc func(ctx context.Context, monitorID string) (string, error)

// Bind calls f.
func (f BinderFunc) Bind(ctx context.Context, monitorID string) (string, error) {
	return f(ctx, monitorID)
}

// FrameHandler processes one inbound frame on the worker goroutine. A
// returned error tears the connection down and schedules a reconnect.
type FrameHandler func(f frame.Frame, c Conn) error

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Config configures a Manager.
type Config struct {
	// MonitorID is the descriptor the session subscribes to. Required.
	MonitorID string

	// Dialer opens connections. Required.
	Dialer Dialer

	// Binder re-confirms the descriptor after each handshake. Optional;
	// without it the session enters ACTIVE straight after authentication.
	Binder Binder

	// Handler receives every inbound frame. Required.
	Handler FrameHandler

	// Backoff controls reconnect delays.
	Backoff BackoffConfig

	// BindTimeout bounds one Binder call. Default: 30 seconds.
	BindTimeout time.Duration

	// IdleTimeout overrides the idle window. When zero the window is
	// IdleMultiplier times the connection's keep-alive interval, and no
	// watchdog runs if that is zero too.
	IdleTimeout time.Duration

	// IdleMultiplier scales the keep-alive interval. Default: 3.
	IdleMultiplier int

	// OnStateChange is called after every transition. It runs with the
	// manager lock held and must not call back into the Manager.
	OnStateChange func(from, to State)

	// Logger is optional.
	Logger Logger
}

// Stats holds session counters.
type Stats struct {
	State        State
	MonitorID    string
	ConnectionID string
	StateSince   time.Time
	LastActivity time.Time
	FramesRx     uint64
	FramesTx     uint64
	KeepAlives   uint64
	Reconnects   uint64
}

// Manager drives one push session.
//
// Thread Safety: all exported methods are safe for concurrent use. Frames
// are handled on a single worker goroutine, in arrival order.
type Manager struct {
	cfg     Config
	backoff *backoff

	// mu guards every state transition together with the fields below it,
	// so Close and the worker never race on the current connection.
	mu         sync.Mutex
	machine    *fsm.FSM
	conn       Conn
	monitorID  string
	err        error
	stateSince time.Time

	ctx    context.Context
	cancel context.CancelFunc

	started atomic.Bool
	done    chan struct{}
	first   chan error
	firstMu sync.Once

	framesRx     atomic.Uint64
	framesTx     atomic.Uint64
	keepAlives   atomic.Uint64
	reconnects   atomic.Uint64
	lastActivity atomic.Int64
}

// New creates a Manager in the DISCONNECTED state. Call Start to run it.
func New(cfg Config) (*Manager, error) {
	if cfg.MonitorID == "" {
		return nil, fmt.Errorf("%w: monitor id is required", ErrInvalidConfig)
	}
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("%w: dialer is required", ErrInvalidConfig)
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("%w: frame handler is required", ErrInvalidConfig)
	}
	if cfg.BindTimeout <= 0 {
		cfg.BindTimeout = defaultBindTimeout
	}
	if cfg.IdleMultiplier <= 0 {
		cfg.IdleMultiplier = defaultIdleMultiplier
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		backoff:    newBackoff(cfg.Backoff),
		monitorID:  cfg.MonitorID,
		stateSince: time.Now(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		first:      make(chan error, 1),
	}
	m.machine = newMachine(m.onEnter)
	return m, nil
}

// Start launches the worker goroutine.
func (m *Manager) Start() error {
	if m.State() == StateClosed {
		return ErrClosed
	}
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	go m.run()
	return nil
}

// FirstAttempt delivers the outcome of the first connection attempt: nil
// once the handshake succeeded, otherwise the error that ended it. Exactly
// one value is ever sent.
func (m *Manager) FirstAttempt() <-chan error {
	return m.first
}

// Done is closed when the worker goroutine has exited.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Err returns the error that closed the session, or nil if it was closed
// by Close or is still running.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Wait blocks until the worker exits or ctx ends.
func (m *Manager) Wait(ctx context.Context) error {
	if !m.started.Load() {
		return nil
	}
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close moves the session to CLOSED, aborts any dial, bind or backoff in
// progress and closes the current connection, which unblocks a pending
// Receive. It does not wait for the worker; use Done or Wait for that.
// Calling Close more than once is safe.
func (m *Manager) Close() error {
	m.shutdown(nil)
	return nil
}

// State returns the current state.
func (m *Manager) State() State {
	return State(m.machine.Current())
}

// MonitorID returns the id currently bound.
func (m *Manager) MonitorID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.monitorID
}

// Stats returns a snapshot of session counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	s := Stats{
		State:      State(m.machine.Current()),
		MonitorID:  m.monitorID,
		StateSince: m.stateSince,
		KeepAlives: m.keepAlives.Load(),
	}
	c := m.conn
	if c != nil {
		s.ConnectionID = c.ID()
		s.KeepAlives += liveKeepAlives(c)
	}
	m.mu.Unlock()

	s.FramesRx = m.framesRx.Load()
	s.FramesTx = m.framesTx.Load()
	s.Reconnects = m.reconnects.Load()
	if ns := m.lastActivity.Load(); ns != 0 {
		s.LastActivity = time.Unix(0, ns)
	}
	if r, ok := c.(activityReporter); ok {
		if seen := r.LastActivity(); seen.After(s.LastActivity) {
			s.LastActivity = seen
		}
	}
	return s
}

// onEnter runs inside machine.Event with m.mu held.
func (m *Manager) onEnter(event string, from, to State) {
	m.stateSince = time.Now()
	m.logDebug("session state changed", "monitor_id", m.monitorID, "event", event, "from", string(from), "to", string(to))
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(from, to)
	}
}

// transition fires event unless the session is closed. It reports whether
// the transition happened.
func (m *Manager) transition(event string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fireLocked(event)
}

func (m *Manager) fireLocked(event string) bool {
	if m.machine.Is(string(StateClosed)) {
		return false
	}
	if err := m.machine.Event(context.Background(), event); err != nil {
		m.logWarn("rejected session transition", "event", event, "state", m.machine.Current(), "error", err)
		return false
	}
	return true
}

// attach installs an authenticated connection. It fails if the session
// was closed while the dial was in flight.
func (m *Manager) attach(c Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.fireLocked(eventAuthenticate) {
		return false
	}
	m.conn = c
	return true
}

// detach closes the current connection, folding its keep-alive count into
// the running total.
func (m *Manager) detach() {
	m.mu.Lock()
	c := m.conn
	m.conn = nil
	if c != nil {
		m.keepAlives.Add(liveKeepAlives(c))
	}
	m.mu.Unlock()

	if c != nil {
		_ = c.Close()
	}
}

// shutdown moves to CLOSED, recording cause as the terminal error.
func (m *Manager) shutdown(cause error) {
	m.mu.Lock()
	if m.machine.Is(string(StateClosed)) {
		m.mu.Unlock()
		return
	}
	m.err = cause
	_ = m.machine.Event(context.Background(), eventClose)
	c := m.conn
	m.conn = nil
	if c != nil {
		m.keepAlives.Add(liveKeepAlives(c))
	}
	m.mu.Unlock()

	m.cancel()
	if c != nil {
		_ = c.Close()
	}
	m.reportFirst(ErrClosed)
}

func (m *Manager) closed() bool {
	return m.machine.Is(string(StateClosed))
}

func (m *Manager) reportFirst(err error) {
	m.firstMu.Do(func() { m.first <- err })
}

// run is the worker loop.
func (m *Manager) run() {
	defer close(m.done)

	for {
		if !m.transition(eventConnect) {
			return
		}

		monitorID := m.MonitorID()
		c, err := m.cfg.Dialer.Dial(m.ctx, monitorID)
		if err != nil {
			if m.closed() {
				return
			}
			if errors.Is(err, conn.ErrAuthenticationFailed) {
				m.logError("push authentication rejected", "monitor_id", monitorID, "error", err)
				m.reportFirst(err)
				m.shutdown(err)
				return
			}
			m.reportFirst(err)
			m.logWarn("push connect failed", "monitor_id", monitorID, "error", err)
			if !m.retry() {
				return
			}
			continue
		}

		if !m.attach(c) {
			_ = c.Close()
			return
		}
		m.reportFirst(nil)
		m.logInfo("push session authenticated", "monitor_id", monitorID, "connection_id", c.ID())

		rebound, err := m.bind(monitorID)
		if err != nil {
			if m.closed() {
				return
			}
			m.logWarn("monitor bind failed", "monitor_id", monitorID, "error", err)
			m.detach()
			if !m.retry() {
				return
			}
			continue
		}
		if rebound != monitorID {
			// The server needs a new handshake for the new id; reconnect
			// right away without growing the delay.
			m.logInfo("monitor re-created", "old_monitor_id", monitorID, "monitor_id", rebound)
			m.mu.Lock()
			m.monitorID = rebound
			m.mu.Unlock()
			m.detach()
			if !m.transition(eventFail) {
				return
			}
			m.reconnects.Add(1)
			continue
		}

		if !m.transition(eventBind) {
			return
		}
		active := time.Now()

		err = m.receive(c)
		if m.closed() {
			return
		}
		if errors.Is(err, conn.ErrAuthenticationFailed) {
			m.logError("push session rejected", "monitor_id", monitorID, "error", err)
			m.shutdown(err)
			return
		}
		if m.backoff.Stable(time.Since(active)) {
			m.backoff.Reset()
		}
		m.logWarn("push session lost", "monitor_id", monitorID, "error", err)
		m.detach()
		if !m.retry() {
			return
		}
	}
}

// bind calls the Binder, if any, under the bind timeout.
func (m *Manager) bind(monitorID string) (string, error) {
	if m.cfg.Binder == nil {
		return monitorID, nil
	}
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.BindTimeout)
	defer cancel()
	id, err := m.cfg.Binder.Bind(ctx, monitorID)
	if err != nil {
		return "", err
	}
	if id == "" {
		id = monitorID
	}
	return id, nil
}

// retry enters RECONNECTING and sleeps for the next backoff delay. It
// returns false when the session was closed meanwhile.
func (m *Manager) retry() bool {
	if !m.transition(eventFail) {
		return false
	}
	m.reconnects.Add(1)

	delay := m.backoff.Next()
	m.logDebug("reconnecting", "monitor_id", m.MonitorID(), "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-m.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// receive reads frames until an error. An idle watchdog closes the
// connection when no socket traffic is seen within the idle window.
// Traffic the connection handles itself, such as keep-alives, counts when
// the connection reports it through LastActivity.
func (m *Manager) receive(c Conn) error {
	var (
		idleFired atomic.Bool
		lastFrame atomic.Int64
	)
	lastFrame.Store(time.Now().UnixNano())

	idle := m.idleWindow(c)
	if idle > 0 {
		stop := make(chan struct{})
		defer close(stop)
		go watchIdle(c, idle, &lastFrame, &idleFired, stop)
	}

	out := countingConn{Conn: c, sent: &m.framesTx}
	for {
		f, err := c.Receive()
		if err != nil {
			if idleFired.Load() && !errors.Is(err, conn.ErrIdleTimeout) {
				return fmt.Errorf("%w: %w: no data for %s", conn.ErrTransport, conn.ErrIdleTimeout, idle)
			}
			return err
		}
		now := time.Now().UnixNano()
		lastFrame.Store(now)
		m.framesRx.Add(1)
		m.lastActivity.Store(now)

		if err := m.cfg.Handler(f, out); err != nil {
			return err
		}
		if m.closed() {
			return nil
		}
	}
}

// watchIdle closes c once idle has passed since the latest of lastFrame
// and the connection's own activity, or returns when stop is closed.
func watchIdle(c Conn, idle time.Duration, lastFrame *atomic.Int64, fired *atomic.Bool, stop <-chan struct{}) {
	timer := time.NewTimer(idle)
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}
		if rest := idle - time.Since(lastSeen(c, lastFrame.Load())); rest > 0 {
			timer.Reset(rest)
			continue
		}
		fired.Store(true)
		_ = c.Close()
		return
	}
}

// activityReporter is implemented by connections that see traffic the
// session never receives, such as echoed keep-alives.
type activityReporter interface {
	LastActivity() time.Time
}

// lastSeen returns the later of frameNanos and the connection's activity.
func lastSeen(c Conn, frameNanos int64) time.Time {
	last := time.Unix(0, frameNanos)
	if r, ok := c.(activityReporter); ok {
		if a := r.LastActivity(); a.After(last) {
			last = a
		}
	}
	return last
}

func (m *Manager) idleWindow(c Conn) time.Duration {
	if m.cfg.IdleTimeout > 0 {
		return m.cfg.IdleTimeout
	}
	return time.Duration(m.cfg.IdleMultiplier) * c.KeepAliveInterval()
}

// countingConn counts frames written by the handler.
type countingConn struct {
	Conn
	sent *atomic.Uint64
}

func (c countingConn) Send(f frame.Frame) error {
	if err := c.Conn.Send(f); err != nil {
		return err
	}
	c.sent.Add(1)
	return nil
}

// liveKeepAlives reads the keep-alive counter of connections that keep one.
func liveKeepAlives(c Conn) uint64 {
	if s, ok := c.(interface{ Stats() conn.Stats }); ok {
		return s.Stats().KeepAlives
	}
	return 0
}

func (m *Manager) logDebug(msg string, keysAndValues ...any) {
	if m.cfg.Logger != nil {
		m.cfg.Logger.Debug(msg, keysAndValues...)
	}
}

func (m *Manager) logInfo(msg string, keysAndValues ...any) {
	if m.cfg.Logger != nil {
		m.cfg.Logger.Info(msg, keysAndValues...)
	}
}

func (m *Manager) logWarn(msg string, keysAndValues ...any) {
	if m.cfg.Logger != nil {
		m.cfg.Logger.Warn(msg, keysAndValues...)
	}
}

func (m *Manager) logError(msg string, keysAndValues ...any) {
	if m.cfg.Logger != nil {
		m.cfg.Logger.Error(msg, keysAndValues...)
	}
}
