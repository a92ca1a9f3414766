package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/devicecloud/internal/monitor"
)

// healthCheckTimeout bounds all component checks of one /health request.
const healthCheckTimeout = 5 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get(s.websocketPath(), s.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(bodySizeLimit(maxRequestBodySize))
			r.Get("/status", s.handleStatus)
			r.Get("/events", s.handleListEvents)
		})

		// The server posts event documents here; the receiver enforces
		// the per-monitor token.
		r.Group(func(r chi.Router) {
			r.Use(bodySizeLimit(s.maxWebhookBody))
			r.Post("/webhook", s.handleWebhook)
			r.Put("/webhook", s.handleWebhook)
			r.Post("/webhook/{"+monitor.MonitorIDParam+"}", s.handleWebhook)
			r.Put("/webhook/{"+monitor.MonitorIDParam+"}", s.handleWebhook)
		})
	})

	return r
}

func (s *Server) websocketPath() string {
	if s.cfg.WebSocket.Path == "" {
		return "/ws"
	}
	return s.cfg.WebSocket.Path
}

// handleHealth runs every registered check. Any failure makes the status
// "degraded" with a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "ok"
	code := http.StatusOK
	components := make(map[string]string, len(names))
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			components[name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}

	writeJSON(w, code, map[string]any{
		"status":     status,
		"version":    s.version,
		"components": components,
	})
}

// handleMetrics serves the Prometheus exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.gatherer == nil {
		writeUnavailable(w, "metrics are not enabled")
		return
	}
	promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// handleWebhook hands an HTTP transport callback to the receiver.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhook == nil {
		writeUnavailable(w, "no HTTP transport monitors are served")
		return
	}
	s.webhook.ServeHTTP(w, r)
}
