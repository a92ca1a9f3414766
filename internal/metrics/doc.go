// Package metrics exposes dcmonitor counters to Prometheus.
//
// A Collector reads monitor.Stats snapshots at scrape time, so the push
// path never touches Prometheus types. Sink instrumentation wraps
// forwarding callbacks and counts their outcomes.
//
// Every series carries a monitor_id label:
//
//	devicecloud_push_frames_received_total{monitor_id="178008"} 42
//	devicecloud_push_session_state{monitor_id="178008",state="active"} 1
//	devicecloud_forward_events_total{monitor_id="178008",sink="mqtt",result="ok"} 40
package metrics
