package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/nerrad567/devicecloud/internal/api"
	"github.com/nerrad567/devicecloud/internal/eventlog"
	"github.com/nerrad567/devicecloud/internal/forward"
	"github.com/nerrad567/devicecloud/internal/infrastructure/config"
	"github.com/nerrad567/devicecloud/internal/infrastructure/database"
	"github.com/nerrad567/devicecloud/internal/infrastructure/influxdb"
	"github.com/nerrad567/devicecloud/internal/infrastructure/logging"
	"github.com/nerrad567/devicecloud/internal/infrastructure/mqtt"
	"github.com/nerrad567/devicecloud/internal/metrics"
	"github.com/nerrad567/devicecloud/internal/monitor"
	"github.com/nerrad567/devicecloud/internal/push/dispatch"
	"github.com/nerrad567/devicecloud/internal/push/session"
	"github.com/nerrad567/devicecloud/migrations"
)

// startupTimeout bounds monitor registration and the first handshake.
const startupTimeout = 60 * time.Second

func newListenCmd(root *rootOptions) *cobra.Command {
	var topics []string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Open the configured monitor and forward its events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if len(topics) > 0 {
				cfg.Monitor.Topics = topics
			}
			return listen(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringArrayVarP(&topics, "topic", "t", nil, "topic to subscribe to, repeatable (overrides monitor.topics)")
	return cmd
}

// sinks holds the optional forwarding targets opened from configuration.
type sinks struct {
	db     *database.DB
	events eventlog.Repository
	mqtt   *mqtt.Client
	influx *influxdb.Client
}

func (s *sinks) close(log *logging.Logger) {
	if s.influx != nil {
		log.Info("closing InfluxDB")
		if err := s.influx.Close(); err != nil {
			log.Error("error closing InfluxDB", "error", err)
		}
	}
	if s.mqtt != nil {
		log.Info("disconnecting from MQTT")
		if err := s.mqtt.Close(); err != nil {
			log.Error("error closing MQTT", "error", err)
		}
	}
	if s.db != nil {
		log.Info("closing database")
		if err := s.db.Close(); err != nil {
			log.Error("error closing database", "error", err)
		}
	}
}

// openSinks connects every enabled sink. On error the sinks opened so far
// are returned so the caller can close them.
func openSinks(ctx context.Context, cfg *config.Config, log *logging.Logger) (*sinks, error) {
	s := &sinks{}

	if cfg.Database.Enabled {
		db, err := database.Open(database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if err != nil {
			return s, fmt.Errorf("opening database: %w", err)
		}
		s.db = db
		applied, err := db.Migrate(ctx, migrations.FS)
		if err != nil {
			return s, fmt.Errorf("running migrations: %w", err)
		}
		s.events = eventlog.NewSQLiteRepository(db.DB)
		log.Info("event log ready", "path", cfg.Database.Path, "migrations_applied", applied)
	}

	if cfg.MQTT.Enabled {
		client, err := mqtt.Connect(cfg.MQTT)
		if err != nil {
			return s, fmt.Errorf("connecting to MQTT: %w", err)
		}
		client.SetLogger(log.Component("mqtt"))
		s.mqtt = client
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	}

	if cfg.InfluxDB.Enabled {
		client, err := influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return s, fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		influxLog := log.Component("influxdb")
		client.SetOnError(func(err error) {
			influxLog.Warn("InfluxDB write failed", "error", err)
		})
		s.influx = client
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	return s, nil
}

// checks returns the health checks of the open sinks.
func (s *sinks) checks() map[string]api.HealthCheckFunc {
	checks := make(map[string]api.HealthCheckFunc)
	if s.db != nil {
		checks["database"] = s.db.HealthCheck
	}
	if s.mqtt != nil {
		checks["mqtt"] = s.mqtt.HealthCheck
	}
	if s.influx != nil {
		checks["influxdb"] = s.influx.HealthCheck
	}
	return checks
}

// callbacks wraps every sink's callback with delivery metrics.
func (s *sinks) callbacks(cfg *config.Config, log *logging.Logger, hub *api.Hub, collector *metrics.Collector) []dispatch.Callback {
	cbs := []dispatch.Callback{
		collector.Instrument("log", forward.Log(log.Component("events"))),
	}
	if s.events != nil {
		cbs = append(cbs, collector.Instrument("eventlog", forward.EventLog(s.events, 0)))
	}
	if s.mqtt != nil {
		cbs = append(cbs, collector.Instrument("mqtt",
			forward.MQTT(s.mqtt, s.mqtt.Topics(), s.mqtt.QoS(), cfg.MQTT.Retain)))
	}
	if s.influx != nil {
		cbs = append(cbs, collector.Instrument("influxdb", forward.InfluxDB(s.influx)))
	}
	if hub != nil {
		cbs = append(cbs, collector.Instrument("websocket", forward.WebSocket(hub)))
	}
	return cbs
}

// handles adapts open handles to api.StatsProvider.
type handles []*monitor.Handle

func (hs handles) MonitorStats() []monitor.Stats {
	out := make([]monitor.Stats, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.Stats())
	}
	return out
}

// openMonitor binds to a monitor with the configured topics when reuse is
// enabled and creates one otherwise, replacing any stale monitor with the
// same topics.
func openMonitor(ctx context.Context, reg *monitor.Registry, cfg monitor.Config, reuse bool, log *logging.Logger) (*monitor.Handle, error) {
	existing, err := reg.Find(ctx, cfg.Options.Topics)
	switch {
	case err == nil && reuse:
		log.Info("reusing existing monitor", "monitor_id", existing.ID)
		return monitor.Open(ctx, reg, existing, cfg)
	case err == nil:
		log.Info("replacing existing monitor", "monitor_id", existing.ID)
		if err := reg.Delete(ctx, existing.ID); err != nil && !errors.Is(err, monitor.ErrNotFound) {
			return nil, err
		}
	case !errors.Is(err, monitor.ErrNotFound):
		return nil, err
	}
	return monitor.Create(ctx, reg, cfg)
}

// listen opens the configured monitor and forwards its events until ctx
// ends, a signal arrives or the push session fails for good.
func listen(ctx context.Context, cfg *config.Config) error { //nolint:gocognit,gocyclo // linear startup sequence
	log := logging.New(cfg.Logging, version)
	log.Info("starting dcmonitor",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	if len(cfg.Monitor.Topics) == 0 {
		return errors.New("at least one topic is required (monitor.topics or --topic)")
	}
	reg, err := newRegistry(cfg.Cloud, log)
	if err != nil {
		return err
	}
	opts, err := monitorOptions(cfg.Monitor)
	if err != nil {
		return fmt.Errorf("monitor options: %w", err)
	}

	s, err := openSinks(ctx, cfg, log)
	defer s.close(log)
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector, err := metrics.New(metrics.Config{Registry: promReg})
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	var hub *api.Hub
	if cfg.API.Enabled {
		hub = api.NewHub(cfg.API.WebSocket, log.Component("websocket"))
	}

	hcfg := handleConfig(cfg, opts, log.Component("monitor"))
	hcfg.Callbacks = s.callbacks(cfg, log, hub, collector)
	stateLog := log.Component("session")
	var broadcastState func(string, session.State, session.State)
	if hub != nil {
		broadcastState = forward.StateBroadcaster(hub)
	}
	hcfg.OnStateChange = func(monitorID string, from, to session.State) {
		stateLog.Info("push session state changed", "monitor_id", monitorID, "from", from, "to", to)
		if broadcastState != nil {
			broadcastState(monitorID, from, to)
		}
	}

	startCtx, cancelStart := context.WithTimeout(ctx, startupTimeout)
	h, err := openMonitor(startCtx, reg, hcfg, cfg.Monitor.ReuseExisting, log)
	cancelStart()
	if err != nil {
		return fmt.Errorf("opening monitor: %w", err)
	}
	defer func() {
		collector.Remove(h.ID())
		if err := h.Close(); err != nil {
			log.Error("error closing monitor", "error", err)
		}
		log.Info("monitor closed", "monitor_id", h.ID(), "kept", cfg.Monitor.KeepMonitor)
	}()
	log.Info("monitor open", "monitor_id", h.ID(), "transport", h.Descriptor().Transport, "topics", h.Descriptor().Topics)

	collector.Add(h)

	receiver := monitor.NewReceiver(log.Component("webhook"))
	if h.Descriptor().Transport == monitor.TransportHTTP {
		if err := receiver.Register(h); err != nil {
			return err
		}
		defer receiver.Unregister(h.ID())
		if !cfg.API.Enabled {
			log.Warn("http transport monitor without the local API; callbacks must be delivered elsewhere")
		}
	}

	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	{
		waitCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			if err := h.Wait(waitCtx); err != nil {
				return nil //nolint:nilerr // interrupted by another actor
			}
			if err := h.Err(); err != nil {
				return fmt.Errorf("push session ended: %w", err)
			}
			return errors.New("push session ended")
		}, func(error) {
			cancel()
		})
	}

	if cfg.API.Enabled {
		srv, err := api.New(api.Deps{
			Config:   cfg.API,
			Logger:   log.Component("api"),
			Hub:      hub,
			Webhook:  receiver,
			Events:   s.events,
			Monitors: handles{h},
			Gatherer: promReg,
			Checks:   s.checks(),
			Version:  version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}

		hubCtx, cancelHub := context.WithCancel(ctx)
		g.Add(func() error {
			hub.Run(hubCtx)
			return nil
		}, func(error) {
			cancelHub()
		})

		stop := make(chan struct{})
		g.Add(func() error {
			if err := srv.Start(ctx); err != nil {
				return fmt.Errorf("starting API server: %w", err)
			}
			log.Info("API server listening", "addr", srv.Addr().String())
			<-stop
			return nil
		}, func(error) {
			close(stop)
			if err := srv.Close(); err != nil {
				log.Error("error closing API server", "error", err)
			}
		})
	}

	err = g.Run()
	var sig run.SignalError
	switch {
	case errors.As(err, &sig):
		log.Info("shutdown signal received", "signal", sig.Signal.String())
	case ctx.Err() != nil:
		log.Info("shutting down")
	default:
		return err
	}
	return nil
}
