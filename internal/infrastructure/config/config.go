package config

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for dcmonitor.
// It is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Cloud    CloudConfig    `yaml:"cloud"`
	Push     PushConfig     `yaml:"push"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// CloudConfig contains the Device Cloud account and REST client settings.
type CloudConfig struct {
	BaseURL  string        `yaml:"base_url"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
	Retries  int           `yaml:"retries"`
}

// PushConfig contains the push connection and reconnect settings.
type PushConfig struct {
	// Host overrides the push server; empty uses the base URL host.
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	Secure            bool          `yaml:"secure"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
	IdleMultiplier    int           `yaml:"idle_multiplier"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxFrameSize      int           `yaml:"max_frame_size"`
	Backoff           BackoffConfig `yaml:"backoff"`
}

// BackoffConfig contains the reconnect delay bounds.
type BackoffConfig struct {
	Initial     time.Duration `yaml:"initial"`
	Max         time.Duration `yaml:"max"`
	StableReset time.Duration `yaml:"stable_reset"`
}

// MonitorConfig describes the monitor dcmonitor listens on.
type MonitorConfig struct {
	Topics        []string          `yaml:"topics"`
	Transport     string            `yaml:"transport"`
	Format        string            `yaml:"format"`
	Compression   string            `yaml:"compression"`
	BatchSize     int               `yaml:"batch_size"`
	BatchDuration time.Duration     `yaml:"batch_duration"`
	HTTP          MonitorHTTPConfig `yaml:"http"`

	// ReuseExisting binds to a monitor with the same topics instead of
	// replacing it.
	ReuseExisting bool `yaml:"reuse_existing"`

	// KeepMonitor leaves the monitor registered on shutdown.
	KeepMonitor bool `yaml:"keep_monitor"`

	MaxDocumentSize int `yaml:"max_document_size"`
}

// MonitorHTTPConfig contains the callback settings of an HTTP monitor.
type MonitorHTTPConfig struct {
	URL             string        `yaml:"url"`
	Token           string        `yaml:"token"`
	Method          string        `yaml:"method"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
}

// DatabaseConfig contains SQLite event log settings.
type DatabaseConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Path        string        `yaml:"path"`
	WALMode     bool          `yaml:"wal_mode"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT republish settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	Retain      bool                `yaml:"retain"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	Org           string        `yaml:"org"`
	Bucket        string        `yaml:"bucket"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// APIConfig contains the local HTTP server settings.
type APIConfig struct {
	Enabled   bool             `yaml:"enabled"`
	Host      string           `yaml:"host"`
	Port      int              `yaml:"port"`
	Timeouts  APITimeoutConfig `yaml:"timeouts"`
	WebSocket WebSocketConfig  `yaml:"websocket"`
}

// APITimeoutConfig contains HTTP server timeouts.
type APITimeoutConfig struct {
	Read  time.Duration `yaml:"read"`
	Write time.Duration `yaml:"write"`
	Idle  time.Duration `yaml:"idle"`
}

// WebSocketConfig contains live event feed settings.
type WebSocketConfig struct {
	Path           string        `yaml:"path"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file, applies environment
// overrides and validates the result.
//
// Environment variables take precedence over file values:
// DEVICECLOUD_USERNAME, DEVICECLOUD_PASSWORD, DEVICECLOUD_BASE_URL,
// DEVICECLOUD_MQTT_PASSWORD, DEVICECLOUD_INFLUXDB_TOKEN and
// DEVICECLOUD_DATABASE_PATH.
//
// Parameters:
//   - path: Path to the YAML configuration file; empty uses defaults only
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If the file cannot be read or parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config with every default filled in. Credentials and
// topics are left empty.
func Default() *Config {
	return &Config{
		Cloud: CloudConfig{
			BaseURL: "https://login.etherios.com",
			Timeout: 30 * time.Second,
			Retries: 0,
		},
		Push: PushConfig{
			Secure:            true,
			ConnectTimeout:    10 * time.Second,
			KeepAliveInterval: 60 * time.Second,
			IdleMultiplier:    3,
			MaxFrameSize:      16 << 20,
			Backoff: BackoffConfig{
				Initial:     time.Second,
				Max:         time.Minute,
				StableReset: time.Minute,
			},
		},
		Monitor: MonitorConfig{
			Transport:       "tcp",
			Format:          "json",
			Compression:     "none",
			BatchSize:       1,
			MaxDocumentSize: 16 << 20,
		},
		Database: DatabaseConfig{
			Enabled:     true,
			Path:        "./data/devicecloud.db",
			WALMode:     true,
			BusyTimeout: 5 * time.Second,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "dcmonitor",
			},
			QoS:         1,
			TopicPrefix: "devicecloud",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: time.Second,
				MaxDelay:     time.Minute,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10 * time.Second,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30 * time.Second,
				Write: 30 * time.Second,
				Idle:  60 * time.Second,
			},
			WebSocket: WebSocketConfig{
				Path:           "/ws",
				MaxMessageSize: 8192,
				PingInterval:   30 * time.Second,
				PongTimeout:    10 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies DEVICECLOUD_* environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DEVICECLOUD_USERNAME"); v != "" {
		cfg.Cloud.Username = v
	}
	if v := os.Getenv("DEVICECLOUD_PASSWORD"); v != "" {
		cfg.Cloud.Password = v
	}
	if v := os.Getenv("DEVICECLOUD_BASE_URL"); v != "" {
		cfg.Cloud.BaseURL = v
	}
	if v := os.Getenv("DEVICECLOUD_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("DEVICECLOUD_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
	if v := os.Getenv("DEVICECLOUD_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration and reports every problem at once.
// Credentials and topics are checked by the commands that need them.
//
// Returns:
//   - error: Description of all validation failures, or nil if valid
func (c *Config) Validate() error { //nolint:gocognit,gocyclo // flat list of independent checks
	var errs []string

	if u, err := url.Parse(c.Cloud.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("cloud.base_url must be an absolute url, got %q", c.Cloud.BaseURL))
	}
	if c.Cloud.Retries < 0 {
		errs = append(errs, "cloud.retries must not be negative")
	}

	if c.Push.Port < 0 || c.Push.Port > 65535 {
		errs = append(errs, "push.port must be between 0 and 65535")
	}
	if c.Push.IdleMultiplier < 1 {
		errs = append(errs, "push.idle_multiplier must be at least 1")
	}
	if c.Push.Backoff.Initial <= 0 || c.Push.Backoff.Max < c.Push.Backoff.Initial {
		errs = append(errs, "push.backoff needs 0 < initial <= max")
	}

	if !slices.Contains([]string{"tcp", "http"}, strings.ToLower(c.Monitor.Transport)) {
		errs = append(errs, fmt.Sprintf("monitor.transport must be tcp or http, got %q", c.Monitor.Transport))
	}
	if !slices.Contains([]string{"json", "xml"}, strings.ToLower(c.Monitor.Format)) {
		errs = append(errs, fmt.Sprintf("monitor.format must be json or xml, got %q", c.Monitor.Format))
	}
	if !slices.Contains([]string{"", "none", "zlib", "gzip"}, strings.ToLower(c.Monitor.Compression)) {
		errs = append(errs, fmt.Sprintf("monitor.compression must be none, zlib or gzip, got %q", c.Monitor.Compression))
	}
	if c.Monitor.BatchSize < 1 {
		errs = append(errs, "monitor.batch_size must be at least 1")
	}
	if strings.EqualFold(c.Monitor.Transport, "http") && c.Monitor.HTTP.URL == "" {
		errs = append(errs, "monitor.http.url is required for the http transport")
	}

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker.Host == "" {
			errs = append(errs, "mqtt.broker.host is required")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.url, influxdb.org and influxdb.bucket are required")
		}
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// APIAddress returns host:port of the local API server.
func (c *Config) APIAddress() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}
