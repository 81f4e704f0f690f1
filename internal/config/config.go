// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyring.
//
// go-keyring is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package config loads the keyringd configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-keyring/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyring/pkg/keyring/protocol"
	"github.com/jeremyhahn/go-keyring/pkg/ratelimit"
	"github.com/jeremyhahn/go-keyring/pkg/transport"
	"github.com/jeremyhahn/go-keyring/pkg/validation"
)

// Device transports.
const (
	TransportSocket   = "socket"
	TransportHIDRaw   = "hidraw"
	TransportEmulator = "emulator"
)

// Config represents the complete daemon configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Device    DeviceConfig    `yaml:"device" toml:"device"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Health    HealthConfig    `yaml:"health" toml:"health"`
	RateLimit RateLimitConfig `yaml:"ratelimit" toml:"ratelimit"`
	Audit     AuditConfig     `yaml:"audit" toml:"audit"`
	TLS       TLSConfig       `yaml:"tls" toml:"tls"`
}

// ServerConfig contains the JSON-RPC listener settings
type ServerConfig struct {
	Host            string   `yaml:"host" toml:"host"`
	Port            int      `yaml:"port" toml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout" toml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	MaxBodyBytes    int64    `yaml:"max_body_bytes" toml:"max_body_bytes"`

	// Socket additionally serves JSON-RPC on a Unix domain socket when set
	Socket     string `yaml:"socket" toml:"socket"`
	SocketMode uint32 `yaml:"socket_mode" toml:"socket_mode"`

	// TrustedProxies are the IPs or CIDRs allowed to name the client in
	// X-Forwarded-For and X-Real-IP
	TrustedProxies []string `yaml:"trusted_proxies" toml:"trusted_proxies"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DeviceConfig selects and tunes the device channel
type DeviceConfig struct {
	Name       string   `yaml:"name" toml:"name"`
	Transport  string   `yaml:"transport" toml:"transport"` // socket, hidraw, emulator
	Network    string   `yaml:"network" toml:"network"`     // unix, tcp (socket only)
	Path       string   `yaml:"path" toml:"path"`           // socket address or /dev/hidrawN
	VendorID   uint16   `yaml:"vendor_id" toml:"vendor_id"`
	ProductID  uint16   `yaml:"product_id" toml:"product_id"`
	PacketSize int      `yaml:"packet_size" toml:"packet_size"`
	Timeout    Duration `yaml:"timeout" toml:"timeout"`
	StateFile  string   `yaml:"state_file" toml:"state_file"` // emulator only
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig controls the metrics endpoint
type MetricsConfig struct {
	Enabled         bool     `yaml:"enabled" toml:"enabled"`
	Path            string   `yaml:"path" toml:"path"`
	CollectInterval Duration `yaml:"collect_interval" toml:"collect_interval"`
}

// HealthConfig controls the health endpoints and the device probe
type HealthConfig struct {
	Enabled     bool     `yaml:"enabled" toml:"enabled"`
	Path        string   `yaml:"path" toml:"path"`
	PingTimeout Duration `yaml:"ping_timeout" toml:"ping_timeout"`
	CacheTTL    Duration `yaml:"cache_ttl" toml:"cache_ttl"`
}

// RateLimitConfig controls per-client rate limiting
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled" toml:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min" toml:"requests_per_min"`
	Burst          int  `yaml:"burst" toml:"burst"`
}

// AuditConfig controls the in-memory audit trail of key operations
type AuditConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Capacity int    `yaml:"capacity" toml:"capacity"`
	Path     string `yaml:"path" toml:"path"` // empty keeps events off HTTP
}

// Duration is a time.Duration written as "30s" in config files.
type Duration time.Duration

// Std returns the time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// Default returns the configuration used when no file sets a value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(60 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
			MaxBodyBytes:    1 << 20,
			SocketMode:      0o660,
		},
		Device: DeviceConfig{
			Name:       "default",
			Transport:  TransportSocket,
			Network:    "unix",
			Path:       filepath.Join(os.TempDir(), "keyring-emulator.sock"),
			VendorID:   transport.DefaultVendorID,
			ProductID:  transport.DefaultProductID,
			PacketSize: protocol.PacketSize,
			Timeout:    Duration(30 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:         true,
			Path:            "/metrics",
			CollectInterval: Duration(15 * time.Second),
		},
		Health: HealthConfig{
			Enabled:     true,
			Path:        "/health",
			PingTimeout: Duration(2 * time.Second),
			CacheTTL:    Duration(5 * time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:        false,
			RequestsPerMin: 600,
		},
		Audit: AuditConfig{
			Enabled:  true,
			Capacity: 1024,
		},
	}
}

// Load reads a YAML or TOML file (by extension) over the defaults, applies
// KEYRING_* environment overrides and validates the result. An empty path
// loads the defaults alone.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		// #nosec G304 - Config file path is provided by admin/user
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Unmarshal(data, cfg)
	case ".yaml", ".yml", "":
		return yaml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

type lookupFunc func(key string) (string, bool)

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", key, v, err)
		}
		*dst = n
		return nil
	}
	duration := func(key string, dst *Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		return dst.UnmarshalText([]byte(v))
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", key, v, err)
		}
		*dst = b
		return nil
	}

	str("KEYRING_HOST", &cfg.Server.Host)
	str("KEYRING_SOCKET", &cfg.Server.Socket)
	str("KEYRING_DEVICE_TRANSPORT", &cfg.Device.Transport)
	str("KEYRING_DEVICE_NETWORK", &cfg.Device.Network)
	str("KEYRING_DEVICE_PATH", &cfg.Device.Path)
	str("KEYRING_DEVICE_STATE_FILE", &cfg.Device.StateFile)
	str("KEYRING_LOG_LEVEL", &cfg.Logging.Level)
	str("KEYRING_LOG_FORMAT", &cfg.Logging.Format)

	for _, fn := range []func() error{
		func() error { return integer("KEYRING_PORT", &cfg.Server.Port) },
		func() error { return integer("KEYRING_DEVICE_PACKET_SIZE", &cfg.Device.PacketSize) },
		func() error { return duration("KEYRING_DEVICE_TIMEOUT", &cfg.Device.Timeout) },
		func() error { return boolean("KEYRING_METRICS_ENABLED", &cfg.Metrics.Enabled) },
		func() error { return boolean("KEYRING_RATELIMIT_ENABLED", &cfg.RateLimit.Enabled) },
		func() error { return integer("KEYRING_RATELIMIT_REQUESTS_PER_MIN", &cfg.RateLimit.RequestsPerMin) },
		func() error { return boolean("KEYRING_AUDIT_ENABLED", &cfg.Audit.Enabled) },
	} {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if _, err := ratelimit.ParseTrustedProxies(c.Server.TrustedProxies); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if c.Server.SocketMode > 0o777 {
		return fmt.Errorf("invalid socket mode: %o", c.Server.SocketMode)
	}
	if c.Server.Socket != "" {
		if err := validation.ValidateSocketPath(c.Server.Socket); err != nil {
			return fmt.Errorf("invalid server socket: %w", err)
		}
		if c.Server.Socket == c.Device.Path {
			return fmt.Errorf("server socket %s is also the device path", c.Server.Socket)
		}
	}
	if err := validation.ValidateDeviceName(c.Device.Name); err != nil {
		return err
	}

	switch c.Device.Transport {
	case TransportSocket:
		if c.Device.Network != "unix" && c.Device.Network != "tcp" {
			return fmt.Errorf("invalid device network: %q (must be unix or tcp)", c.Device.Network)
		}
		if c.Device.Path == "" {
			return fmt.Errorf("device path is required for the socket transport")
		}
		if c.Device.Network == "unix" {
			if err := validation.ValidateSocketPath(c.Device.Path); err != nil {
				return fmt.Errorf("invalid device path: %w", err)
			}
		}
	case TransportHIDRaw:
		if c.Device.Path == "" {
			return fmt.Errorf("device path is required for the hidraw transport")
		}
	case TransportEmulator:
	default:
		return fmt.Errorf("invalid device transport: %q (must be socket, hidraw, or emulator)", c.Device.Transport)
	}

	if err := protocol.NewEncoder(c.Device.PacketSize).Validate(); err != nil {
		return fmt.Errorf("device packet_size %d: %w", c.Device.PacketSize, err)
	}
	if c.Device.Timeout <= 0 {
		return fmt.Errorf("device timeout must be positive")
	}

	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, error, or fatal)", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case logger.FormatText, logger.FormatJSON:
	default:
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with /: %q", c.Metrics.Path)
	}
	if c.Health.Enabled && !strings.HasPrefix(c.Health.Path, "/") {
		return fmt.Errorf("health path must start with /: %q", c.Health.Path)
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMin <= 0 {
		return fmt.Errorf("ratelimit requests_per_min must be positive when enabled")
	}
	if c.Audit.Enabled {
		if c.Audit.Capacity <= 0 {
			return fmt.Errorf("audit capacity must be positive when enabled")
		}
		if c.Audit.Path != "" && !strings.HasPrefix(c.Audit.Path, "/") {
			return fmt.Errorf("audit path must start with /: %q", c.Audit.Path)
		}
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("TLS cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("TLS key_file is required when TLS is enabled")
		}
	}
	return nil
}
