// Package config loads and validates gatewaybridge's configuration: a YAML
// file overridden by GATEWAYBRIDGE_-prefixed environment variables, the
// same two-layer shape the teacher repo uses.
package config

import (
	"fmt"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is gatewaybridge's top-level configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Proxy      ProxyConfig      `yaml:"proxy"`
	Logging    LoggingConfig    `yaml:"logging"`
	Health     HealthConfig     `yaml:"health"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
}

// ServerConfig holds the listener and protocol-timeout settings (spec.md
// §6's configuration table).
type ServerConfig struct {
	Endpoints []string `yaml:"endpoints"` // "tcp:host:port" | "unix:path" | "fd:N"

	HTTPTimeout      time.Duration `yaml:"http_timeout"`
	RequestBufferSize int          `yaml:"request_buffer_size"`

	WebSocketTimeout          time.Duration `yaml:"websocket_timeout"` // <0 disables
	WebSocketConnectTimeout   time.Duration `yaml:"websocket_connect_timeout"`
	WebSocketHandshakeTimeout time.Duration `yaml:"websocket_handshake_timeout"`
	PingInterval              time.Duration `yaml:"ping_interval"`
	PingTimeout               time.Duration `yaml:"ping_timeout"`
	WriteTimeout              time.Duration `yaml:"write_timeout"`
	MaxMessageSize            int64         `yaml:"max_message_size"`

	ApplicationCloseTimeout time.Duration `yaml:"application_close_timeout"`
	DrainTimeout            time.Duration `yaml:"drain_timeout"`

	RootPath   string `yaml:"root_path"`
	ServerName string `yaml:"server_name"`
}

// ProxyConfig names the X-Forwarded-* headers C1 consults.
type ProxyConfig struct {
	ForwardedAddressHeader string `yaml:"forwarded_address_header"`
	ForwardedPortHeader    string `yaml:"forwarded_port_header"`
	ForwardedProtoHeader   string `yaml:"forwarded_proto_header"`
}

// LoggingConfig mirrors the teacher's logging settings verbatim.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`

	AccessLogFile string `yaml:"access_log_file"` // combined-log-format output; "" writes to stdout
}

// HealthConfig controls the /health endpoint, served on its own listener.
type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	ListenAddress string `yaml:"listen_address"`
	Detailed      bool   `yaml:"detailed"`
}

// MonitoringConfig controls the Prometheus /metrics endpoint.
type MonitoringConfig struct {
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
}

// RateLimitConfig controls the optional per-IP connection-admission
// limiter (supplemented feature, off by default).
type RateLimitConfig struct {
	Enabled              bool `yaml:"enabled"`
	ConnectionsPerMinute int  `yaml:"connections_per_minute"`
	FramesPerSecond      int  `yaml:"frames_per_second"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Endpoints:                 []string{"tcp:127.0.0.1:8000"},
			HTTPTimeout:               120 * time.Second,
			RequestBufferSize:         8192,
			WebSocketTimeout:          86400 * time.Second,
			WebSocketConnectTimeout:   5 * time.Second,
			WebSocketHandshakeTimeout: 10 * time.Second,
			PingInterval:              20 * time.Second,
			PingTimeout:               30 * time.Second,
			WriteTimeout:              10 * time.Second,
			MaxMessageSize:            16 * 1024 * 1024,
			ApplicationCloseTimeout:   10 * time.Second,
			DrainTimeout:              30 * time.Second,
			ServerName:                "gatewaybridge",
		},
		Proxy: ProxyConfig{},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Health: HealthConfig{
			Enabled:       true,
			Endpoint:      "/health",
			ListenAddress: "127.0.0.1:8081",
			Detailed:      true,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled:  false,
			MetricsEndpoint: "/metrics",
		},
		RateLimit: RateLimitConfig{
			Enabled:              false,
			ConnectionsPerMinute: 60,
			FramesPerSecond:      100,
		},
	}
}

// Load reads a config file and applies environment variable overrides.
// An empty path returns the defaults with only env overrides applied.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s", path)
			}
			if os.IsPermission(err) {
				return nil, fmt.Errorf("permission denied reading %s", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w (check YAML indentation)", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors, with actionable messages.
func (c *Config) Validate() error {
	if len(c.Server.Endpoints) == 0 {
		return fmt.Errorf("server.endpoints must list at least one endpoint")
	}
	for _, ep := range c.Server.Endpoints {
		if err := validateEndpoint(ep); err != nil {
			return fmt.Errorf("server.endpoints: %w", err)
		}
	}
	if c.Server.HTTPTimeout <= 0 {
		return fmt.Errorf("server.http_timeout must be positive")
	}
	if c.Server.RequestBufferSize <= 0 {
		return fmt.Errorf("server.request_buffer_size must be positive")
	}
	if c.Server.WebSocketConnectTimeout <= 0 {
		return fmt.Errorf("server.websocket_connect_timeout must be positive")
	}
	if c.Server.WebSocketHandshakeTimeout <= 0 {
		return fmt.Errorf("server.websocket_handshake_timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be positive")
	}
	if c.Server.ApplicationCloseTimeout <= 0 {
		return fmt.Errorf("server.application_close_timeout must be positive")
	}
	if c.Server.DrainTimeout <= 0 || c.Server.DrainTimeout > 5*time.Minute {
		return fmt.Errorf("server.drain_timeout must be positive and not exceed 5m")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Health.Enabled {
		if c.Health.ListenAddress == "" {
			return fmt.Errorf("health.listen_address is required when health is enabled")
		}
		if _, _, err := net.SplitHostPort(c.Health.ListenAddress); err != nil {
			return fmt.Errorf("health.listen_address is invalid: %w", err)
		}
		host, _, _ := net.SplitHostPort(c.Health.ListenAddress)
		if ip := net.ParseIP(host); ip != nil && !ip.IsLoopback() {
			return fmt.Errorf("health.listen_address should bind to a loopback address to avoid exposing it publicly")
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limit.connections_per_minute must be positive when rate_limit is enabled")
		}
		if c.RateLimit.FramesPerSecond <= 0 {
			return fmt.Errorf("rate_limit.frames_per_second must be positive when rate_limit is enabled")
		}
	}

	return nil
}

func validateEndpoint(ep string) error {
	parts := strings.SplitN(ep, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("%q must have the form tcp:host:port, unix:path, or fd:N", ep)
	}
	switch parts[0] {
	case "tcp":
		if _, _, err := net.SplitHostPort(parts[1]); err != nil {
			return fmt.Errorf("%q is not a valid tcp host:port: %w", ep, err)
		}
	case "unix":
		if parts[1] == "" {
			return fmt.Errorf("%q is missing a socket path", ep)
		}
	case "fd":
		if _, err := strconv.Atoi(parts[1]); err != nil {
			return fmt.Errorf("%q is not a valid file descriptor number", ep)
		}
	default:
		return fmt.Errorf("%q has unknown scheme %q (want tcp, unix, or fd)", ep, parts[0])
	}
	return nil
}

// applyEnvOverrides applies GATEWAYBRIDGE_-prefixed environment variables.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]func(string){
		"GATEWAYBRIDGE_SERVER_HTTP_TIMEOUT":     func(v string) { cfg.Server.HTTPTimeout = parseDuration(v, cfg.Server.HTTPTimeout) },
		"GATEWAYBRIDGE_SERVER_WEBSOCKET_TIMEOUT": func(v string) { cfg.Server.WebSocketTimeout = parseDuration(v, cfg.Server.WebSocketTimeout) },
		"GATEWAYBRIDGE_SERVER_PING_INTERVAL":    func(v string) { cfg.Server.PingInterval = parseDuration(v, cfg.Server.PingInterval) },
		"GATEWAYBRIDGE_SERVER_PING_TIMEOUT":     func(v string) { cfg.Server.PingTimeout = parseDuration(v, cfg.Server.PingTimeout) },
		"GATEWAYBRIDGE_SERVER_ROOT_PATH":        func(v string) { cfg.Server.RootPath = v },
		"GATEWAYBRIDGE_SERVER_NAME":             func(v string) { cfg.Server.ServerName = v },
		"GATEWAYBRIDGE_LOGGING_LEVEL":           func(v string) { cfg.Logging.Level = v },
		"GATEWAYBRIDGE_LOGGING_FORMAT":          func(v string) { cfg.Logging.Format = v },
		"GATEWAYBRIDGE_LOGGING_FILE":            func(v string) { cfg.Logging.File = v },
		"GATEWAYBRIDGE_HEALTH_ENABLED":          func(v string) { cfg.Health.Enabled = parseBool(v, cfg.Health.Enabled) },
		"GATEWAYBRIDGE_HEALTH_LISTEN_ADDRESS":   func(v string) { cfg.Health.ListenAddress = v },
		"GATEWAYBRIDGE_MONITORING_METRICS_ENABLED": func(v string) { cfg.Monitoring.MetricsEnabled = parseBool(v, cfg.Monitoring.MetricsEnabled) },
		"GATEWAYBRIDGE_RATE_LIMIT_ENABLED":      func(v string) { cfg.RateLimit.Enabled = parseBool(v, cfg.RateLimit.Enabled) },
	}
	for env, setter := range envMap {
		if v := os.Getenv(env); v != "" {
			setter(v)
		}
	}
}

// ApplyReloadableFields returns a copy of c with reloadable fields copied
// from newCfg. Everything else (listener addresses, TLS) requires restart.
func (c *Config) ApplyReloadableFields(newCfg *Config) *Config {
	updated := *c
	updated.Server.HTTPTimeout = newCfg.Server.HTTPTimeout
	updated.Server.WebSocketTimeout = newCfg.Server.WebSocketTimeout
	updated.Server.PingInterval = newCfg.Server.PingInterval
	updated.Server.PingTimeout = newCfg.Server.PingTimeout
	updated.Logging.Level = newCfg.Logging.Level
	updated.RateLimit = newCfg.RateLimit
	return &updated
}

// IsReloadSafe reports which fields differ between old and new that
// require a process restart rather than a SIGHUP reload.
func IsReloadSafe(old, new *Config) []string {
	var warnings []string
	if !reflect.DeepEqual(old.Server.Endpoints, new.Server.Endpoints) {
		warnings = append(warnings, "server.endpoints requires restart")
	}
	if old.Health.ListenAddress != new.Health.ListenAddress {
		warnings = append(warnings, "health.listen_address requires restart")
	}
	return warnings
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(s string, fallback bool) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}
