package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/devicecloud/internal/monitor"
)

// SystemStatus is the /api/v1/status response.
type SystemStatus struct {
	Timestamp     string          `json:"timestamp"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Runtime       RuntimeStatus   `json:"runtime"`
	WebSocket     WSStatus        `json:"websocket"`
	Monitors      []MonitorStatus `json:"monitors"`
}

// RuntimeStatus contains Go runtime statistics.
type RuntimeStatus struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSStatus contains live feed statistics.
type WSStatus struct {
	ConnectedClients int `json:"connected_clients"`
}

// MonitorStatus summarises one open monitor.
type MonitorStatus struct {
	MonitorID       string            `json:"monitor_id"`
	Transport       monitor.Transport `json:"transport"`
	State           string            `json:"state,omitempty"`
	ConnectionID    string            `json:"connection_id,omitempty"`
	StateSince      *time.Time        `json:"state_since,omitempty"`
	LastActivity    *time.Time        `json:"last_activity,omitempty"`
	FramesRx        uint64            `json:"frames_rx"`
	FramesTx        uint64            `json:"frames_tx"`
	KeepAlives      uint64            `json:"keep_alives"`
	Reconnects      uint64            `json:"reconnects"`
	EventsDelivered uint64            `json:"events_delivered"`
	CallbackErrors  uint64            `json:"callback_errors"`
	DecodeErrors    uint64            `json:"decode_errors"`
	AcksSent        uint64            `json:"acks_sent"`
}

func monitorStatus(st monitor.Stats) MonitorStatus {
	return MonitorStatus{
		MonitorID:       st.MonitorID,
		Transport:       st.Transport,
		State:           string(st.Session.State),
		ConnectionID:    st.Session.ConnectionID,
		StateSince:      optionalTime(st.Session.StateSince),
		LastActivity:    optionalTime(st.Session.LastActivity),
		FramesRx:        st.Session.FramesRx,
		FramesTx:        st.Session.FramesTx,
		KeepAlives:      st.Session.KeepAlives,
		Reconnects:      st.Session.Reconnects,
		EventsDelivered: st.Dispatch.EventsDelivered,
		CallbackErrors:  st.Dispatch.CallbackErrors,
		DecodeErrors:    st.Dispatch.DecodeErrors,
		AcksSent:        st.Dispatch.AcksSent,
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}

// handleStatus returns runtime and per-monitor statistics.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	status := SystemStatus{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeStatus{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSStatus{ConnectedClients: s.hub.ClientCount()},
		Monitors:  []MonitorStatus{},
	}

	if s.monitors != nil {
		for _, st := range s.monitors.MonitorStats() {
			status.Monitors = append(status.Monitors, monitorStatus(st))
		}
	}

	writeJSON(w, http.StatusOK, status)
}
