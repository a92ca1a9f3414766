package main

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/nerrad567/devicecloud/internal/cloud"
	"github.com/nerrad567/devicecloud/internal/infrastructure/config"
	"github.com/nerrad567/devicecloud/internal/infrastructure/logging"
	"github.com/nerrad567/devicecloud/internal/monitor"
	"github.com/nerrad567/devicecloud/internal/push/conn"
	"github.com/nerrad567/devicecloud/internal/push/frame"
	"github.com/nerrad567/devicecloud/internal/push/session"
)

var errNoCredentials = errors.New("cloud credentials are required " +
	"(cloud.username and cloud.password, or DEVICECLOUD_USERNAME and DEVICECLOUD_PASSWORD)")

// load reads the configuration named by --config.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// newRegistry builds the request client and monitor registry from cfg.
func newRegistry(cfg config.CloudConfig, logger *logging.Logger) (*monitor.Registry, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errNoCredentials
	}
	client, err := cloud.New(cloud.Config{
		BaseURL: cfg.BaseURL,
		Credentials: cloud.Credentials{
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Timeout: cfg.Timeout,
		Retries: cfg.Retries,
	})
	if err != nil {
		return nil, fmt.Errorf("creating cloud client: %w", err)
	}
	return monitor.NewRegistry(client, logger.Component("registry")), nil
}

// monitorOptions maps the monitor section onto registry options.
func monitorOptions(cfg config.MonitorConfig) (monitor.Options, error) {
	format, err := frame.ParseFormat(cfg.Format)
	if err != nil {
		return monitor.Options{}, err
	}
	compression, err := frame.ParseCompression(cfg.Compression)
	if err != nil {
		return monitor.Options{}, err
	}
	return monitor.Options{
		Topics:        slices.Clone(cfg.Topics),
		Transport:     monitor.Transport(strings.ToLower(cfg.Transport)),
		Format:        format,
		Compression:   compression,
		BatchSize:     cfg.BatchSize,
		BatchDuration: cfg.BatchDuration,
		HTTP: monitor.HTTPOptions{
			URL:             cfg.HTTP.URL,
			Token:           cfg.HTTP.Token,
			Method:          strings.ToUpper(cfg.HTTP.Method),
			ConnectTimeout:  cfg.HTTP.ConnectTimeout,
			ResponseTimeout: cfg.HTTP.ResponseTimeout,
		},
	}, nil
}

// handleConfig builds the handle configuration for opts. Push credentials
// are left empty so the handle reuses the request client's.
func handleConfig(cfg *config.Config, opts monitor.Options, logger monitor.Logger) monitor.Config {
	return monitor.Config{
		Options: opts,
		Push: conn.Config{
			Host:           cfg.Push.Host,
			Port:           cfg.Push.Port,
			Secure:         cfg.Push.Secure,
			ConnectTimeout: cfg.Push.ConnectTimeout,
			KeepAlive:      cfg.Push.KeepAliveInterval,
			IdleMultiplier: cfg.Push.IdleMultiplier,
			IdleTimeout:    cfg.Push.IdleTimeout,
			MaxFrameSize:   cfg.Push.MaxFrameSize,
		},
		Backoff: session.BackoffConfig{
			Initial:     cfg.Push.Backoff.Initial,
			Max:         cfg.Push.Backoff.Max,
			StableReset: cfg.Push.Backoff.StableReset,
		},
		MaxDocumentSize: cfg.Monitor.MaxDocumentSize,
		KeepMonitor:     cfg.Monitor.KeepMonitor,
		Logger:          logger,
	}
}
