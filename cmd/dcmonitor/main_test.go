package main

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nerrad567/devicecloud/internal/infrastructure/config"
	"github.com/nerrad567/devicecloud/internal/infrastructure/logging"
	"github.com/nerrad567/devicecloud/internal/monitor"
	"github.com/nerrad567/devicecloud/internal/push/conn"
	"github.com/nerrad567/devicecloud/internal/push/frame"
	"github.com/nerrad567/devicecloud/internal/push/session"
)

// fakeCloud is a minimal /ws/Monitor service.
type fakeCloud struct {
	mu      sync.Mutex
	nextID  int
	items   []map[string]string
	deleted []string
	queries []string
}

func newFakeCloud(t *testing.T) (*fakeCloud, *httptest.Server) {
	t.Helper()
	f := &fakeCloud{nextID: 200001}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /ws/Monitor", f.create)
	mux.HandleFunc("GET /ws/Monitor", f.list)
	mux.HandleFunc("DELETE /ws/Monitor/{id}", f.remove)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeCloud) add(item map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
}

func (f *fakeCloud) create(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Topic         string `xml:"monTopic"`
		TransportType string `xml:"monTransportType"`
		FormatType    string `xml:"monFormatType"`
		TransportURL  string `xml:"monTransportUrl"`
	}
	if err := xml.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	id := strconv.Itoa(f.nextID)
	f.nextID++
	f.items = append(f.items, map[string]string{
		"monId":            id,
		"monTopic":         body.Topic,
		"monTransportType": body.TransportType,
		"monFormatType":    body.FormatType,
		"monBatchSize":     "1",
		"monCompression":   "none",
		"monStatus":        "INACTIVE",
		"monTransportUrl":  body.TransportURL,
	})
	f.mu.Unlock()

	w.Header().Set("Content-Type", "text/xml")
	_, _ = io.WriteString(w, `<?xml version="1.0" encoding="ISO-8859-1"?><result><location>Monitor/`+id+`</location></result>`)
}

func (f *fakeCloud) list(w http.ResponseWriter, r *http.Request) {
	cond := r.URL.Query().Get("condition")

	f.mu.Lock()
	f.queries = append(f.queries, cond)
	items := []map[string]string{}
	for _, item := range f.items {
		if conditionMatches(cond, item) {
			items = append(items, item)
		}
	}
	f.mu.Unlock()

	n := strconv.Itoa(len(items))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"resultTotalRows":   n,
		"requestedStartRow": "0",
		"resultSize":        n,
		"requestedSize":     "1000",
		"remainingSize":     "0",
		"items":             items,
	})
}

// conditionMatches understands the equality terms the commands send.
func conditionMatches(cond string, item map[string]string) bool {
	for _, attr := range []string{monitor.AttrTopic, monitor.AttrTransportType} {
		if strings.Contains(cond, attr+"=") && !strings.Contains(cond, attr+"='"+item[attr]+"'") {
			return false
		}
	}
	return true
}

func (f *fakeCloud) remove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, item := range f.items {
		if item["monId"] == id {
			f.items = append(f.items[:i], f.items[i+1:]...)
			f.deleted = append(f.deleted, id)
			return
		}
	}
	http.Error(w, "not found", http.StatusNotFound)
}

func (f *fakeCloud) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, item := range f.items {
		ids = append(ids, item["monId"])
	}
	return ids
}

// isolateEnv clears the variables that would leak into config.Load.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{envConfigPath, "DEVICECLOUD_USERNAME", "DEVICECLOUD_PASSWORD", "DEVICECLOUD_BASE_URL"} {
		t.Setenv(name, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dcmonitor.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func cloudConfig(t *testing.T, baseURL string) string {
	t.Helper()
	return writeConfig(t, `
cloud:
  base_url: "`+baseURL+`"
  username: user
  password: pass
monitor:
  topics: ["DataPoint[U]", "DeviceCore"]
logging:
  level: error
`)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	isolateEnv(t)

	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version", "--short")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if out != version+"\n" {
		t.Errorf("version --short = %q, want %q", out, version+"\n")
	}

	out, err = execute(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	for _, want := range []string{"dcmonitor " + version, "commit:", "go version:"} {
		if !strings.Contains(out, want) {
			t.Errorf("version output missing %q:\n%s", want, out)
		}
	}
}

func TestCommands_ConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		args    func(t *testing.T) []string
		wantErr string
	}{
		{
			name: "missing config file",
			args: func(*testing.T) []string {
				return []string{"list", "--config", "/nonexistent/dcmonitor.yaml"}
			},
			wantErr: "loading config",
		},
		{
			name: "invalid transport",
			args: func(t *testing.T) []string {
				return []string{"list", "--config", writeConfig(t, "monitor:\n  transport: udp\n")}
			},
			wantErr: "monitor.transport",
		},
		{
			name: "no credentials",
			args: func(*testing.T) []string {
				return []string{"list"}
			},
			wantErr: "credentials are required",
		},
		{
			name: "listen without topics",
			args: func(t *testing.T) []string {
				return []string{"listen", "--config", writeConfig(t, "logging:\n  output: discard\n")}
			},
			wantErr: "at least one topic",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args(t)...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestMonitorOptions(t *testing.T) {
	cfg := config.Default().Monitor
	cfg.Topics = []string{"DataPoint[U]"}
	cfg.Transport = "HTTP"
	cfg.Format = "xml"
	cfg.Compression = "gzip"
	cfg.BatchSize = 10
	cfg.BatchDuration = 5 * time.Second
	cfg.HTTP = config.MonitorHTTPConfig{URL: "https://example.com/hook", Token: "u:p", Method: "post"}

	got, err := monitorOptions(cfg)
	if err != nil {
		t.Fatalf("monitorOptions() error = %v", err)
	}
	want := monitor.Options{
		Topics:        []string{"DataPoint[U]"},
		Transport:     monitor.TransportHTTP,
		Format:        frame.FormatXML,
		Compression:   frame.CompressionGzip,
		BatchSize:     10,
		BatchDuration: 5 * time.Second,
		HTTP:          monitor.HTTPOptions{URL: "https://example.com/hook", Token: "u:p", Method: "POST"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("monitorOptions() mismatch (-want +got):\n%s", diff)
	}

	cfg.Format = "yaml"
	if _, err := monitorOptions(cfg); !errors.Is(err, frame.ErrInvalidPayload) {
		t.Errorf("bad format error = %v, want ErrInvalidPayload", err)
	}
}

func TestHandleConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Push.Host = "push.example.com"
	cfg.Push.Port = 3201
	cfg.Monitor.KeepMonitor = true

	got := handleConfig(cfg, monitor.Options{Topics: []string{"DeviceCore"}}, nil)
	want := monitor.Config{
		Options: monitor.Options{Topics: []string{"DeviceCore"}},
		Push: conn.Config{
			Host:           "push.example.com",
			Port:           3201,
			Secure:         true,
			ConnectTimeout: 10 * time.Second,
			KeepAlive:      60 * time.Second,
			IdleMultiplier: 3,
			MaxFrameSize:   16 << 20,
		},
		Backoff: session.BackoffConfig{
			Initial:     time.Second,
			Max:         time.Minute,
			StableReset: time.Minute,
		},
		MaxDocumentSize: 16 << 20,
		KeepMonitor:     true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("handleConfig() mismatch (-want +got):\n%s", diff)
	}
}

func TestListCondition(t *testing.T) {
	tests := []struct {
		name      string
		topics    []string
		transport string
		want      string
	}{
		{"none", nil, "", ""},
		{"topics", []string{"DataPoint[U]", "DeviceCore"}, "", "monTopic='DataPoint[U],DeviceCore'"},
		{"transport", nil, "TCP", "monTransportType='tcp'"},
		{"both", []string{"DeviceCore"}, "http", "monTopic='DeviceCore' and monTransportType='http'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond := listCondition(tt.topics, tt.transport)
			var got string
			if cond != nil {
				got = cond.Compile()
			}
			if got != tt.want {
				t.Errorf("listCondition() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCreateListDelete(t *testing.T) {
	f, srv := newFakeCloud(t)
	path := cloudConfig(t, srv.URL)

	out, err := execute(t, "create", "--config", path)
	if err != nil {
		t.Fatalf("create error = %v", err)
	}
	if out != "200001\n" {
		t.Errorf("create output = %q, want 200001", out)
	}

	out, err = execute(t, "create", "--config", path, "--topic", "FileData", "--json")
	if err != nil {
		t.Fatalf("create --json error = %v", err)
	}
	var created []monitor.Descriptor
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("decoding create output: %v\n%s", err, out)
	}
	if len(created) != 1 || created[0].ID != "200002" || !cmp.Equal(created[0].Topics, []string{"FileData"}) {
		t.Errorf("created = %+v", created)
	}

	out, err = execute(t, "list", "--config", path)
	if err != nil {
		t.Fatalf("list error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "ID") {
		t.Fatalf("list output:\n%s", out)
	}
	if !strings.Contains(lines[1], "DataPoint[U],DeviceCore") || !strings.Contains(lines[2], "FileData") {
		t.Errorf("list rows:\n%s", out)
	}

	out, err = execute(t, "list", "--config", path, "--topic", "FileData", "--json")
	if err != nil {
		t.Fatalf("list --json error = %v", err)
	}
	var listed []monitor.Descriptor
	if err := json.Unmarshal([]byte(out), &listed); err != nil {
		t.Fatalf("decoding list output: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != "200002" {
		t.Errorf("filtered list = %+v", listed)
	}

	out, err = execute(t, "delete", "--config", path, "200001", "999")
	if !errors.Is(err, monitor.ErrNotFound) {
		t.Errorf("delete error = %v, want ErrNotFound for 999", err)
	}
	if out != "deleted 200001\n" {
		t.Errorf("delete output = %q", out)
	}
	if diff := cmp.Diff([]string{"200002"}, f.ids()); diff != "" {
		t.Errorf("remaining monitors (-want +got):\n%s", diff)
	}
}

func TestOpenMonitor(t *testing.T) {
	existing := map[string]string{
		"monId":            "178008",
		"monTopic":         "DataPoint[U]",
		"monTransportType": "http",
		"monFormatType":    "json",
		"monBatchSize":     "1",
		"monCompression":   "none",
		"monTransportUrl":  "https://example.com/hook",
	}

	tests := []struct {
		name        string
		seed        bool
		reuse       bool
		wantID      string
		wantDeleted []string
	}{
		{"creates when none exists", false, false, "200001", nil},
		{"reuses existing", true, true, "178008", nil},
		{"replaces existing", true, false, "200001", []string{"178008"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, srv := newFakeCloud(t)
			if tt.seed {
				f.add(existing)
			}

			cfg := config.Default()
			cfg.Cloud.BaseURL = srv.URL
			cfg.Cloud.Username, cfg.Cloud.Password = "user", "pass"
			cfg.Logging.Output = "discard"
			log := logging.NewWithWriter(cfg.Logging, version, io.Discard)

			reg, err := newRegistry(cfg.Cloud, log)
			if err != nil {
				t.Fatalf("newRegistry() error = %v", err)
			}
			hcfg := handleConfig(cfg, monitor.Options{
				Topics:    []string{"DataPoint[U]"},
				Transport: monitor.TransportHTTP,
				HTTP:      monitor.HTTPOptions{URL: "https://example.com/hook"},
			}, log)
			hcfg.KeepMonitor = true

			h, err := openMonitor(context.Background(), reg, hcfg, tt.reuse, log)
			if err != nil {
				t.Fatalf("openMonitor() error = %v", err)
			}
			defer h.Close()

			if h.ID() != tt.wantID {
				t.Errorf("monitor id = %s, want %s", h.ID(), tt.wantID)
			}
			f.mu.Lock()
			deleted := f.deleted
			f.mu.Unlock()
			if diff := cmp.Diff(tt.wantDeleted, deleted); diff != "" {
				t.Errorf("deleted (-want +got):\n%s", diff)
			}
		})
	}
}

func TestHandlesStats(t *testing.T) {
	if got := (handles{}).MonitorStats(); len(got) != 0 {
		t.Errorf("MonitorStats() = %v, want empty", got)
	}
}
