package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/devicecloud/internal/eventlog"
	"github.com/nerrad567/devicecloud/internal/infrastructure/config"
	"github.com/nerrad567/devicecloud/internal/infrastructure/logging"
	"github.com/nerrad567/devicecloud/internal/monitor"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// HealthCheckFunc reports whether one component is healthy.
type HealthCheckFunc func(ctx context.Context) error

// StatsProvider lists the statistics of every open monitor.
type StatsProvider interface {
	MonitorStats() []monitor.Stats
}

// Deps holds the dependencies required by the API server. Only Logger is
// required; routes whose dependency is nil answer 503.
type Deps struct {
	Config config.APIConfig
	Logger *logging.Logger

	// Hub is the live feed. New creates one when nil.
	Hub *Hub

	// Webhook serves HTTP transport callbacks, normally a *monitor.Receiver.
	Webhook http.Handler

	// MaxWebhookBody bounds webhook request bodies (default 16 MiB).
	MaxWebhookBody int64

	Events   eventlog.Repository
	Monitors StatsProvider
	Gatherer prometheus.Gatherer
	Checks   map[string]HealthCheckFunc
	Version  string
}

// Server is the local HTTP server.
//
// It is created with New, started with Start and stopped with Close.
type Server struct {
	cfg            config.APIConfig
	logger         *logging.Logger
	hub            *Hub
	ownHub         bool
	webhook        http.Handler
	maxWebhookBody int64
	events         eventlog.Repository
	monitors       StatsProvider
	gatherer       prometheus.Gatherer
	checks         map[string]HealthCheckFunc
	version        string
	startTime      time.Time

	mu     sync.Mutex
	server *http.Server
	addr   net.Addr
	cancel context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.MaxWebhookBody <= 0 {
		deps.MaxWebhookBody = defaultMaxWebhookBody
	}

	s := &Server{
		cfg:            deps.Config,
		logger:         deps.Logger,
		hub:            deps.Hub,
		webhook:        deps.Webhook,
		maxWebhookBody: deps.MaxWebhookBody,
		events:         deps.Events,
		monitors:       deps.Monitors,
		gatherer:       deps.Gatherer,
		checks:         deps.Checks,
		version:        deps.Version,
		startTime:      time.Now(),
	}
	if s.hub == nil {
		s.hub = NewHub(deps.Config.WebSocket, deps.Logger)
		s.ownHub = true
	}
	return s, nil
}

// Hub returns the live feed hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start binds the listener and serves in the background. A bind failure
// (port in use) is returned; later serve errors are logged.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	if s.ownHub {
		go s.hub.Run(srvCtx)
	}

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.Timeouts.Read,
		ReadHeaderTimeout: s.cfg.Timeouts.Read,
		WriteTimeout:      s.cfg.Timeouts.Write,
		IdleTimeout:       s.cfg.Timeouts.Idle,
	}
	s.addr = ln.Addr()

	s.logger.Info("API server starting", "address", s.addr.String())
	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	s.mu.Lock()
	srv, cancel := s.server, s.cancel
	s.server, s.cancel = nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	ctx, stop := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer stop()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck reports an error unless the server is listening.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
