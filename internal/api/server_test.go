package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/devicecloud/internal/event"
	"github.com/nerrad567/devicecloud/internal/eventlog"
	"github.com/nerrad567/devicecloud/internal/infrastructure/config"
	"github.com/nerrad567/devicecloud/internal/infrastructure/database"
	"github.com/nerrad567/devicecloud/internal/infrastructure/logging"
	"github.com/nerrad567/devicecloud/internal/monitor"
	"github.com/nerrad567/devicecloud/internal/push/dispatch"
	"github.com/nerrad567/devicecloud/internal/push/session"
	"github.com/nerrad567/devicecloud/migrations"
)

func testLogger() *logging.Logger {
	return logging.NewWithWriter(config.LoggingConfig{Level: "error"}, "test", io.Discard)
}

func testAPIConfig() config.APIConfig {
	return config.APIConfig{
		Host: "127.0.0.1",
		Port: 0,
		Timeouts: config.APITimeoutConfig{
			Read:  5 * time.Second,
			Write: 5 * time.Second,
			Idle:  5 * time.Second,
		},
		WebSocket: config.WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30 * time.Second,
			PongTimeout:    10 * time.Second,
		},
	}
}

func testServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = testLogger()
	}
	if deps.Config.Host == "" {
		deps.Config = testAPIConfig()
	}
	if deps.Version == "" {
		deps.Version = "test"
	}
	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.hub.Run(ctx)
	return srv
}

func testEventLog(t *testing.T) *eventlog.SQLiteRepository {
	t.Helper()
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "api.db")})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return eventlog.NewSQLiteRepository(db.DB)
}

func do(t *testing.T, h http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestNew_RequiresLogger(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without logger should fail")
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		checks     map[string]HealthCheckFunc
		wantCode   int
		wantStatus string
		wantComps  map[string]string
	}{
		{
			name:       "no checks",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantComps:  map[string]string{},
		},
		{
			name: "all healthy",
			checks: map[string]HealthCheckFunc{
				"database": func(context.Context) error { return nil },
				"mqtt":     func(context.Context) error { return nil },
			},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantComps:  map[string]string{"database": "ok", "mqtt": "ok"},
		},
		{
			name: "one failing",
			checks: map[string]HealthCheckFunc{
				"database": func(context.Context) error { return nil },
				"mqtt":     func(context.Context) error { return errors.New("not connected") },
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
			wantComps:  map[string]string{"database": "ok", "mqtt": "not connected"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testServer(t, Deps{Checks: tt.checks})
			for _, path := range []string{"/health", "/api/v1/health"} {
				w := do(t, srv.buildRouter(), http.MethodGet, path, nil)
				if w.Code != tt.wantCode {
					t.Errorf("%s status = %d, want %d", path, w.Code, tt.wantCode)
				}
				if ct := w.Header().Get("Content-Type"); ct != "application/json" {
					t.Errorf("Content-Type = %q", ct)
				}
				resp := decode[struct {
					Status     string            `json:"status"`
					Version    string            `json:"version"`
					Components map[string]string `json:"components"`
				}](t, w)
				if resp.Status != tt.wantStatus || resp.Version != "test" {
					t.Errorf("%s = %+v", path, resp)
				}
				if diff := cmp.Diff(tt.wantComps, resp.Components); diff != "" {
					t.Errorf("components mismatch (-want +got):\n%s", diff)
				}
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	srv := testServer(t, Deps{})
	router := srv.buildRouter()

	w := do(t, router, http.MethodGet, "/health", nil)
	if _, err := uuid.Parse(w.Header().Get("X-Request-ID")); err != nil {
		t.Errorf("generated X-Request-ID %q is not a UUID", w.Header().Get("X-Request-ID"))
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "client-id-1")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "client-id-1" {
		t.Errorf("X-Request-ID = %q, want client-id-1", got)
	}
}

func TestNotFound(t *testing.T) {
	srv := testServer(t, Deps{})
	if w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestRecovery(t *testing.T) {
	srv := testServer(t, Deps{Webhook: http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})})
	w := do(t, srv.buildRouter(), http.MethodPost, "/api/v1/webhook/1", strings.NewReader("{}"))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if got := decode[Error](t, w); got.Code != ErrCodeInternal {
		t.Errorf("error = %+v", got)
	}
}

func TestMetrics(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		srv := testServer(t, Deps{})
		if w := do(t, srv.buildRouter(), http.MethodGet, "/metrics", nil); w.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", w.Code)
		}
	})

	t.Run("enabled", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: "devicecloud_test_total", Help: "test"})
		reg.MustRegister(c)
		c.Add(3)

		srv := testServer(t, Deps{Gatherer: reg})
		w := do(t, srv.buildRouter(), http.MethodGet, "/metrics", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		if !strings.Contains(w.Body.String(), "devicecloud_test_total 3") {
			t.Errorf("body missing counter:\n%s", w.Body.String())
		}
	})
}

type fakeStats []monitor.Stats

func (f fakeStats) MonitorStats() []monitor.Stats { return f }

func TestStatus(t *testing.T) {
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := testServer(t, Deps{Monitors: fakeStats{
		{
			MonitorID: "178008",
			Transport: monitor.TransportTCP,
			Session: session.Stats{
				State:        session.StateActive,
				ConnectionID: "conn-1",
				StateSince:   since,
				FramesRx:     7,
				Reconnects:   1,
			},
			Dispatch: dispatch.Stats{EventsDelivered: 5, AcksSent: 2},
		},
		{
			MonitorID: "200001",
			Transport: monitor.TransportHTTP,
			Dispatch:  dispatch.Stats{EventsDelivered: 1},
		},
	}})

	w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	got := decode[SystemStatus](t, w)
	if got.Version != "test" || got.Runtime.Goroutines == 0 {
		t.Errorf("status = %+v", got)
	}

	want := []MonitorStatus{
		{
			MonitorID:       "178008",
			Transport:       monitor.TransportTCP,
			State:           "active",
			ConnectionID:    "conn-1",
			StateSince:      &since,
			FramesRx:        7,
			Reconnects:      1,
			EventsDelivered: 5,
			AcksSent:        2,
		},
		{MonitorID: "200001", Transport: monitor.TransportHTTP, EventsDelivered: 1},
	}
	if diff := cmp.Diff(want, got.Monitors); diff != "" {
		t.Errorf("monitors mismatch (-want +got):\n%s", diff)
	}
}

func TestListEvents(t *testing.T) {
	repo := testEventLog(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, stream := range []string{"s1", "s2", "s3"} {
		monitorID := "178008"
		if i == 2 {
			monitorID = "200001"
		}
		err := repo.Record(context.Background(), event.PushEvent{
			ID:         uuid.New(),
			MonitorID:  monitorID,
			Topic:      "DataPoint",
			Kind:       event.KindDataPoint,
			ReceivedAt: base.Add(time.Duration(i) * time.Second),
			DataPoint:  &event.DataPoint{StreamID: stream, Data: "1"},
		})
		if err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	srv := testServer(t, Deps{Events: repo})
	router := srv.buildRouter()

	tests := []struct {
		name     string
		query    string
		wantCode int
		want     []string
		total    int
	}{
		{"all", "", http.StatusOK, []string{"s3", "s2", "s1"}, 3},
		{"monitor", "?monitor_id=178008", http.StatusOK, []string{"s2", "s1"}, 2},
		{"since", "?since=2026-03-01T12:00:01Z", http.StatusOK, []string{"s3", "s2"}, 2},
		{"page", "?limit=1&offset=1", http.StatusOK, []string{"s2"}, 3},
		{"kind", "?kind=DeviceStatus", http.StatusOK, []string{}, 0},
		{"bad since", "?since=yesterday", http.StatusBadRequest, nil, 0},
		{"bad limit", "?limit=-1", http.StatusBadRequest, nil, 0},
		{"bad offset", "?offset=x", http.StatusBadRequest, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, http.MethodGet, "/api/v1/events"+tt.query, nil)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantCode, w.Body.String())
			}
			if tt.wantCode != http.StatusOK {
				if got := decode[Error](t, w); got.Code != ErrCodeBadRequest {
					t.Errorf("error = %+v", got)
				}
				return
			}
			res := decode[eventlog.ListResult](t, w)
			got := make([]string, 0, len(res.Entries))
			for _, e := range res.Entries {
				got = append(got, e.Subject)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("subjects mismatch (-want +got):\n%s", diff)
			}
			if res.Total != tt.total {
				t.Errorf("Total = %d, want %d", res.Total, tt.total)
			}
		})
	}
}

func TestListEvents_Disabled(t *testing.T) {
	srv := testServer(t, Deps{})
	if w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/events", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestWebhook(t *testing.T) {
	var gotID, gotMethod string
	var gotBody []byte
	hook := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = chi.URLParam(r, monitor.MonitorIDParam)
		gotMethod = r.Method
		var err error
		if gotBody, err = io.ReadAll(r.Body); err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := testServer(t, Deps{Webhook: hook, MaxWebhookBody: 16})
	router := srv.buildRouter()

	for _, method := range []string{http.MethodPost, http.MethodPut} {
		w := do(t, router, method, "/api/v1/webhook/200001", strings.NewReader(`{"a":1}`))
		if w.Code != http.StatusOK {
			t.Errorf("%s status = %d", method, w.Code)
		}
		if gotID != "200001" || gotMethod != method || string(gotBody) != `{"a":1}` {
			t.Errorf("%s forwarded id=%q method=%q body=%q", method, gotID, gotMethod, gotBody)
		}
	}

	w := do(t, router, http.MethodPost, "/api/v1/webhook/200001", strings.NewReader(strings.Repeat("x", 64)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body status = %d, want 413", w.Code)
	}

	if w := do(t, router, http.MethodGet, "/api/v1/webhook/200001", nil); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", w.Code)
	}
}

func TestWebhook_NoReceiver(t *testing.T) {
	srv := testServer(t, Deps{})
	w := do(t, srv.buildRouter(), http.MethodPost, "/api/v1/webhook/1", strings.NewReader("{}"))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestServer_StartAndClose(t *testing.T) {
	srv, err := New(Deps{Config: testAPIConfig(), Logger: testLogger(), Version: "test"})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := srv.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	url := "http://" + srv.Addr().String() + "/health"
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
	if _, err := http.Get(url); err == nil {
		t.Error("server still responding after Close()")
	}
}

func TestServer_StartPortInUse(t *testing.T) {
	first, err := New(Deps{Config: testAPIConfig(), Logger: testLogger()})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer first.Close()

	cfg := testAPIConfig()
	cfg.Port = first.Addr().(*net.TCPAddr).Port
	second, err := New(Deps{Config: cfg, Logger: testLogger()})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := second.Start(context.Background()); err == nil {
		second.Close()
		t.Error("Start() on a used port should fail")
	}
}
