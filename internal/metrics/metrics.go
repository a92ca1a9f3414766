package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nerrad567/devicecloud/internal/event"
	"github.com/nerrad567/devicecloud/internal/monitor"
	"github.com/nerrad567/devicecloud/internal/push/dispatch"
	"github.com/nerrad567/devicecloud/internal/push/session"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "devicecloud"

// States lists every session state reported by the state gauge.
var States = []session.State{
	session.StateDisconnected,
	session.StateConnecting,
	session.StateAuthenticated,
	session.StateActive,
	session.StateReconnecting,
	session.StateClosed,
}

// Source yields a stats snapshot. *monitor.Handle satisfies it.
type Source interface {
	ID() string
	Stats() monitor.Stats
}

// Config configures a Collector.
type Config struct {
	// Namespace defaults to DefaultNamespace.
	Namespace string

	// Registry defaults to prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

type counterDesc struct {
	desc  *prometheus.Desc
	value func(monitor.Stats) uint64
}

// Collector is a prometheus.Collector over the registered monitors.
//
// Thread Safety: Add, Remove and Instrument are safe for concurrent use and
// may race with scrapes.
type Collector struct {
	mu      sync.RWMutex
	sources map[string]Source

	counters     []counterDesc
	state        *prometheus.Desc
	lastActivity *prometheus.Desc
	info         *prometheus.Desc

	forwarded *prometheus.CounterVec
}

// New builds a Collector and registers it with cfg.Registry.
func New(cfg Config) (*Collector, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}
	ns := cfg.Namespace
	labels := []string{"monitor_id"}

	counter := func(subsystem, name, help string, value func(monitor.Stats) uint64) counterDesc {
		return counterDesc{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(ns, subsystem, name), help, labels, nil),
			value: value,
		}
	}

	c := &Collector{
		sources: make(map[string]Source),
		counters: []counterDesc{
			counter("push", "frames_received_total", "Push frames read from the server.",
				func(s monitor.Stats) uint64 { return s.Session.FramesRx }),
			counter("push", "frames_sent_total", "Push frames written to the server.",
				func(s monitor.Stats) uint64 { return s.Session.FramesTx }),
			counter("push", "keepalives_total", "Keep-alive frames exchanged.",
				func(s monitor.Stats) uint64 { return s.Session.KeepAlives }),
			counter("push", "reconnects_total", "Session reconnect attempts.",
				func(s monitor.Stats) uint64 { return s.Session.Reconnects }),
			counter("dispatch", "frames_handled_total", "Publish frames decoded.",
				func(s monitor.Stats) uint64 { return s.Dispatch.FramesHandled }),
			counter("dispatch", "events_delivered_total", "Events handed to callbacks.",
				func(s monitor.Stats) uint64 { return s.Dispatch.EventsDelivered }),
			counter("dispatch", "callback_errors_total", "Callback invocations that failed.",
				func(s monitor.Stats) uint64 { return s.Dispatch.CallbackErrors }),
			counter("dispatch", "decode_errors_total", "Documents that could not be decoded.",
				func(s monitor.Stats) uint64 { return s.Dispatch.DecodeErrors }),
			counter("dispatch", "acks_sent_total", "Publish acknowledgements sent.",
				func(s monitor.Stats) uint64 { return s.Dispatch.AcksSent }),
		},
		state: prometheus.NewDesc(prometheus.BuildFQName(ns, "push", "session_state"),
			"Current session state; 1 for the active state, 0 otherwise.",
			[]string{"monitor_id", "state"}, nil),
		lastActivity: prometheus.NewDesc(prometheus.BuildFQName(ns, "push", "last_activity_timestamp_seconds"),
			"Unix time of the last frame read.", labels, nil),
		info: prometheus.NewDesc(prometheus.BuildFQName(ns, "monitor", "info"),
			"Monitor metadata.", []string{"monitor_id", "transport"}, nil),
	}

	if err := cfg.Registry.Register(c); err != nil {
		return nil, err
	}

	factory := promauto.With(cfg.Registry)
	c.forwarded = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "forward",
		Name:      "events_total",
		Help:      "Events passed to a forwarding sink, by outcome.",
	}, []string{"monitor_id", "sink", "result"})

	return c, nil
}

// Add starts reporting src. A source with the same id is replaced.
func (c *Collector) Add(src Source) {
	c.mu.Lock()
	c.sources[src.ID()] = src
	c.mu.Unlock()
}

// Remove stops reporting the monitor.
func (c *Collector) Remove(monitorID string) {
	c.mu.Lock()
	delete(c.sources, monitorID)
	c.mu.Unlock()
	c.forwarded.DeletePartialMatch(prometheus.Labels{"monitor_id": monitorID})
}

// Instrument wraps cb so each call increments
// forward_events_total{monitor_id, sink, result}.
func (c *Collector) Instrument(sink string, cb dispatch.Callback) dispatch.Callback {
	if cb == nil {
		return nil
	}
	return func(ev event.PushEvent) error {
		err := cb(ev)
		result := "ok"
		if err != nil {
			result = "error"
		}
		c.forwarded.WithLabelValues(ev.MonitorID, sink, result).Inc()
		return err
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, cd := range c.counters {
		ch <- cd.desc
	}
	ch <- c.state
	ch <- c.lastActivity
	ch <- c.info
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, src := range c.snapshot() {
		s := src.Stats()
		id := src.ID()

		for _, cd := range c.counters {
			ch <- prometheus.MustNewConstMetric(cd.desc, prometheus.CounterValue, float64(cd.value(s)), id)
		}
		for _, st := range States {
			v := 0.0
			if s.Session.State == st {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, v, id, string(st))
		}
		if !s.Session.LastActivity.IsZero() {
			ch <- prometheus.MustNewConstMetric(c.lastActivity, prometheus.GaugeValue,
				float64(s.Session.LastActivity.UnixNano())/1e9, id)
		}
		ch <- prometheus.MustNewConstMetric(c.info, prometheus.GaugeValue, 1, id, string(s.Transport))
	}
}

func (c *Collector) snapshot() []Source {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Source, 0, len(c.sources))
	for _, src := range c.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
