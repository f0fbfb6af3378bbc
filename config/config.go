// Package config loads jsoncomm settings from a TOML file, a .env file and
// JSONCOMM_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"jsoncomm/codec"
	"jsoncomm/loadbalance"
	"jsoncomm/logger"
	"jsoncomm/protocol"
	"jsoncomm/registry"
)

// Config is the top-level configuration loaded from jsoncomm.toml.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Client   ClientConfig   `toml:"client"`
	Registry RegistryConfig `toml:"registry"`
	Limits   LimitsConfig   `toml:"limits"`
	Log      LogConfig      `toml:"log"`
	Codec    CodecConfig    `toml:"codec"`
}

type ServerConfig struct {
	// TCP listen address (e.g. "0.0.0.0:7400"). Empty means no TCP listener.
	Listen string `toml:"listen"`
	// WebSocket listen address. Empty means no websocket listener.
	WebSocketListen string `toml:"ws_listen"`
	// Address advertised in the registry; defaults to Listen.
	AdvertiseAddr string `toml:"advertise_addr"`
	// Service name endpoints are registered under.
	Service            string        `toml:"service"`
	ConcurrentRequests bool          `toml:"concurrent_requests"`
	KeepAlive          time.Duration `toml:"keep_alive"`
}

type ClientConfig struct {
	DialTimeout time.Duration `toml:"dial_timeout"`
	Retries     uint64        `toml:"retries"`
	Balancer    string        `toml:"balancer"`
}

type RegistryConfig struct {
	// etcd endpoints. Empty disables service discovery.
	Endpoints   []string      `toml:"endpoints"`
	TTL         int64         `toml:"ttl"`
	Prefix      string        `toml:"prefix"`
	DialTimeout time.Duration `toml:"dial_timeout"`
}

type LimitsConfig struct {
	MaxContentLength int           `toml:"max_content_length"`
	RequestTimeout   time.Duration `toml:"request_timeout"`
	// Requests per second accepted by a server; zero disables rate limiting.
	Rate  float64 `toml:"rate"`
	Burst int     `toml:"burst"`
	// Extra attempts for handler errors marked retryable; zero disables retries.
	HandlerRetries int           `toml:"handler_retries"`
	RetryDelay     time.Duration `toml:"retry_delay"`
}

type LogConfig struct {
	Level string `toml:"level"`
	// Directory for per-connection message logs. Empty disables them.
	MessageLogDir string `toml:"message_log_dir"`
}

type CodecConfig struct {
	Name string `toml:"name"`
}

// Default returns a configuration that works without any file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:             "127.0.0.1:7400",
			Service:            "jsoncomm",
			ConcurrentRequests: true,
		},
		Client: ClientConfig{
			DialTimeout: 5 * time.Second,
			Retries:     3,
			Balancer:    loadbalance.NameRoundRobin,
		},
		Registry: RegistryConfig{
			TTL:         10,
			Prefix:      registry.DefaultPrefix,
			DialTimeout: 5 * time.Second,
		},
		Limits: LimitsConfig{
			MaxContentLength: protocol.DefaultMaxContentLength,
			RequestTimeout:   30 * time.Second,
			RetryDelay:       100 * time.Millisecond,
		},
		Log: LogConfig{
			Level: "info",
		},
		Codec: CodecConfig{
			Name: codec.NameJSON,
		},
	}
}

// Load builds the configuration: defaults, then the TOML file at path (if
// path is not empty), then environment overrides. Variables from a .env file
// in the working directory are loaded first and never replace variables that
// are already set.
func Load(path string) (*Config, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads the given .env files. Missing files are not an error.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString := func(dst *string, name string) {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*dst = v
		}
	}

	setString(&c.Server.Listen, "JSONCOMM_LISTEN")
	setString(&c.Server.WebSocketListen, "JSONCOMM_WS_LISTEN")
	setString(&c.Server.AdvertiseAddr, "JSONCOMM_ADVERTISE_ADDR")
	setString(&c.Server.Service, "JSONCOMM_SERVICE")
	setString(&c.Client.Balancer, "JSONCOMM_BALANCER")
	setString(&c.Registry.Prefix, "JSONCOMM_ETCD_PREFIX")
	setString(&c.Log.Level, "JSONCOMM_LOG_LEVEL")
	setString(&c.Log.MessageLogDir, "JSONCOMM_MESSAGE_LOG_DIR")
	setString(&c.Codec.Name, "JSONCOMM_CODEC")

	if v := os.Getenv("JSONCOMM_ETCD_ENDPOINTS"); v != "" {
		c.Registry.Endpoints = splitList(v)
	}
	if v := os.Getenv("JSONCOMM_MAX_CONTENT_LENGTH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("JSONCOMM_MAX_CONTENT_LENGTH: %w", err)
		}
		c.Limits.MaxContentLength = n
	}
	if v := os.Getenv("JSONCOMM_HANDLER_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("JSONCOMM_HANDLER_RETRIES: %w", err)
		}
		c.Limits.HandlerRetries = n
	}
	if v := os.Getenv("JSONCOMM_REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("JSONCOMM_REQUEST_TIMEOUT: %w", err)
		}
		c.Limits.RequestTimeout = d
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks that every named component exists and every limit is usable.
func (c *Config) Validate() error {
	var errs []error

	if _, err := codec.ByName(c.Codec.Name); err != nil {
		errs = append(errs, err)
	}
	if _, err := loadbalance.ByName(c.Client.Balancer); err != nil {
		errs = append(errs, err)
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Limits.MaxContentLength <= 0 {
		errs = append(errs, fmt.Errorf("limits.max_content_length must be positive, got %d", c.Limits.MaxContentLength))
	}
	if c.Limits.Rate < 0 {
		errs = append(errs, fmt.Errorf("limits.rate must not be negative, got %v", c.Limits.Rate))
	}
	if c.Limits.Rate > 0 && c.Limits.Burst < 1 {
		errs = append(errs, fmt.Errorf("limits.burst must be at least 1 when limits.rate is set"))
	}
	if c.Limits.HandlerRetries < 0 {
		errs = append(errs, fmt.Errorf("limits.handler_retries must not be negative, got %d", c.Limits.HandlerRetries))
	}
	if c.Limits.HandlerRetries > 0 && c.Limits.RetryDelay <= 0 {
		errs = append(errs, errors.New("limits.retry_delay must be positive when limits.handler_retries is set"))
	}
	if len(c.Registry.Endpoints) > 0 {
		if c.Registry.TTL <= 0 {
			errs = append(errs, fmt.Errorf("registry.ttl must be positive, got %d", c.Registry.TTL))
		}
		if c.Server.Service == "" {
			errs = append(errs, errors.New("server.service is required when a registry is configured"))
		}
	}
	if c.Server.KeepAlive < 0 {
		errs = append(errs, fmt.Errorf("server.keep_alive must not be negative, got %s", c.Server.KeepAlive))
	}

	return errors.Join(errs...)
}

// Advertise returns the address to register for this server.
func (c *Config) Advertise() string {
	if c.Server.AdvertiseAddr != "" {
		return c.Server.AdvertiseAddr
	}
	return c.Server.Listen
}
