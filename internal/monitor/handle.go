package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/devicecloud/internal/push/conn"
	"github.com/nerrad567/devicecloud/internal/push/dispatch"
	"github.com/nerrad567/devicecloud/internal/push/frame"
	"github.com/nerrad567/devicecloud/internal/push/session"
)

// teardownTimeout bounds the descriptor deletion done by Close.
const teardownTimeout = 10 * time.Second

// Config configures a Handle.
type Config struct {
	// Options describe the monitor Create registers.
	Options Options

	// Push configures TCP push connections. Host defaults to the request
	// client's host and Credentials to its credentials. MonitorID is set
	// per dial.
	Push conn.Config

	// Backoff controls reconnect delays.
	Backoff session.BackoffConfig

	// MaxDocumentSize bounds an inflated push document.
	MaxDocumentSize int

	// KeepMonitor leaves the descriptor on the server when the handle
	// closes.
	KeepMonitor bool

	// Dialer overrides how push connections are opened.
	Dialer session.Dialer

	// Callbacks are registered before delivery starts, so no event of the
	// first connection is acknowledged without them. Nil entries are
	// skipped. AddCallback can add more later.
	Callbacks []dispatch.Callback

	// OnStateChange observes session transitions of the monitor with the
	// given id. It must not block.
	OnStateChange func(monitorID string, from, to session.State)

	// Logger is optional.
	Logger Logger
}

// Stats combines session and delivery counters for one handle.
type Stats struct {
	MonitorID string
	Transport Transport
	Session   session.Stats
	Dispatch  dispatch.Stats
}

// Handle is the application's view of one monitor: a descriptor plus the
// machinery delivering its events to callbacks.
//
// Thread Safety: all methods are safe for concurrent use, including from
// inside a callback.
type Handle struct {
	reg     *Registry
	cfg     Config
	engine  *dispatch.Engine
	session *session.Manager

	mu   sync.RWMutex
	desc Descriptor

	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
}

// Create registers a monitor from cfg.Options and starts delivering its
// events. For TCP monitors it waits for the outcome of the first push
// handshake: a rejected login is returned as conn.ErrAuthenticationFailed
// and the descriptor is removed again; any other connection failure is
// retried in the background and Create succeeds.
//
// Parameters:
//   - ctx: Bounds the registration and the first handshake
//   - reg: Registry used for the descriptor
//   - cfg: Handle configuration
//
// Returns:
//   - *Handle: Running handle; call Close when done
//   - error: ErrInvalidOptions, ErrRegistry or conn.ErrAuthenticationFailed
func Create(ctx context.Context, reg *Registry, cfg Config) (*Handle, error) {
	desc, err := reg.Create(ctx, cfg.Options)
	if err != nil {
		return nil, err
	}
	return Open(ctx, reg, desc, cfg)
}

// Open starts delivering events for an existing descriptor.
func Open(ctx context.Context, reg *Registry, desc Descriptor, cfg Config) (*Handle, error) {
	h := &Handle{
		reg:  reg,
		cfg:  cfg,
		desc: desc,
		done: make(chan struct{}),
		engine: dispatch.New(dispatch.Config{
			MonitorID:       desc.ID,
			Topics:          desc.Topics,
			Format:          desc.Format,
			MaxDocumentSize: cfg.MaxDocumentSize,
			Logger:          cfg.Logger,
		}),
	}
	for _, cb := range cfg.Callbacks {
		if cb != nil {
			h.engine.AddCallback(cb)
		}
	}

	if desc.Transport == TransportHTTP {
		return h, nil
	}

	mgr, err := session.New(session.Config{
		MonitorID:      desc.ID,
		Dialer:         h.dialer(),
		Binder:         session.BinderFunc(h.bind),
		Handler:        h.handleFrame,
		Backoff:        cfg.Backoff,
		IdleTimeout:    cfg.Push.IdleTimeout,
		IdleMultiplier: cfg.Push.IdleMultiplier,
		OnStateChange:  h.stateChanged,
		Logger:         cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	h.session = mgr
	if err := mgr.Start(); err != nil {
		return nil, err
	}

	select {
	case err := <-mgr.FirstAttempt():
		if errors.Is(err, conn.ErrAuthenticationFailed) {
			_ = h.Close()
			return nil, err
		}
		if err != nil {
			h.logWarn("first push connection failed, retrying in background", "monitor_id", desc.ID, "error", err)
		}
	case <-ctx.Done():
		_ = h.Close()
		return nil, fmt.Errorf("waiting for push handshake: %w", ctx.Err())
	}
	return h, nil
}

func (h *Handle) dialer() session.Dialer {
	if h.cfg.Dialer != nil {
		return h.cfg.Dialer
	}
	pc := h.cfg.Push
	if pc.Host == "" {
		pc.Host = h.reg.Client().PushHost()
	}
	if pc.Credentials.Empty() {
		pc.Credentials = h.reg.Client().Credentials()
	}
	return session.NewConnDialer(pc)
}

// bind runs on the session worker after each handshake.
func (h *Handle) bind(ctx context.Context, monitorID string) (string, error) {
	desc := h.Descriptor()
	desc.ID = monitorID

	bound, err := h.reg.Bind(ctx, desc)
	if err != nil {
		return "", err
	}
	if bound.ID != monitorID {
		h.engine.SetMonitorID(bound.ID)
	}
	h.mu.Lock()
	h.desc = bound
	h.mu.Unlock()
	return bound.ID, nil
}

func (h *Handle) stateChanged(from, to session.State) {
	if h.cfg.OnStateChange != nil {
		h.cfg.OnStateChange(h.ID(), from, to)
	}
}

func (h *Handle) handleFrame(f frame.Frame, c session.Conn) error {
	return h.engine.HandleFrame(f, c)
}

// ID returns the current monitor id. It changes if the server lost the
// descriptor and it was re-created.
func (h *Handle) ID() string {
	return h.Descriptor().ID
}

// Descriptor returns the current descriptor.
func (h *Handle) Descriptor() Descriptor {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.desc
}

// AddCallback registers fn for every event and returns an id for
// RemoveCallback. Callbacks run in registration order on the delivery
// goroutine and should return quickly.
func (h *Handle) AddCallback(fn dispatch.Callback) int {
	return h.engine.AddCallback(fn)
}

// RemoveCallback unregisters a callback. It reports whether id was found.
func (h *Handle) RemoveCallback(id int) bool {
	return h.engine.RemoveCallback(id)
}

// Deliver decodes a document received outside the push connection, such
// as an HTTP transport callback, and dispatches its events.
func (h *Handle) Deliver(doc []byte, format frame.Format) (int, error) {
	if h.closed.Load() {
		return 0, ErrClosed
	}
	events, err := h.engine.DecodeDocument(doc, format)
	if err != nil {
		return 0, err
	}
	h.engine.Deliver(events)
	return len(events), nil
}

// Close stops delivery and, unless KeepMonitor is set, deletes the
// descriptor. A failed deletion is logged, not returned. Calling Close
// more than once is a no-op.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		if h.session != nil {
			_ = h.session.Close()
		}
		close(h.done)

		if h.cfg.KeepMonitor {
			return
		}
		id := h.ID()
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if err := h.reg.Delete(ctx, id); err != nil {
			h.logWarn("failed to delete monitor", "monitor_id", id, "error", err)
		}
	})
	return nil
}

// Closed reports whether Close was called or the session ended.
func (h *Handle) Closed() bool {
	if h.closed.Load() {
		return true
	}
	return h.session != nil && h.session.State() == session.StateClosed
}

// Done is closed when the handle stops delivering: after Close, or when
// the push session ended on its own (see Err).
func (h *Handle) Done() <-chan struct{} {
	if h.session != nil {
		return h.session.Done()
	}
	return h.done
}

// Err returns the error that ended the push session, such as
// conn.ErrAuthenticationFailed, or nil.
func (h *Handle) Err() error {
	if h.session == nil {
		return nil
	}
	return h.session.Err()
}

// Wait blocks until the push worker exited or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the handle's counters.
func (h *Handle) Stats() Stats {
	desc := h.Descriptor()
	s := Stats{
		MonitorID: desc.ID,
		Transport: desc.Transport,
		Dispatch:  h.engine.Stats(),
	}
	if h.session != nil {
		s.Session = h.session.Stats()
	} else if h.closed.Load() {
		s.Session.State = session.StateClosed
	} else {
		s.Session.State = session.StateActive
	}
	return s
}

func (h *Handle) logWarn(msg string, keysAndValues ...any) {
	if h.cfg.Logger != nil {
		h.cfg.Logger.Warn(msg, keysAndValues...)
	}
}
