// Package config loads daemon configuration from environment variables,
// optionally seeded from a .env file.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

func init() {
	// Load .env file if it exists (silent fail if not)
	_ = godotenv.Load()
}

// Config holds all daemon configuration.
type Config struct {
	Server  ServerConfig
	Log     LogConfig
	Billing BillingConfig
	Remote  RemoteConfig
	Cache   CacheConfig
	Plans   PlansConfig
	Session SessionConfig
}

// ServerConfig holds consumer HTTP API settings.
type ServerConfig struct {
	Host            string        `envconfig:"SERVER_HOST" default:"127.0.0.1"`
	Port            int           `envconfig:"SERVER_PORT" default:"7410"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"15s"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Format string `envconfig:"LOG_FORMAT" default:"auto"`
}

// BillingConfig holds store-bridge connection settings. An empty BridgeURL
// means the billing platform is absent on this build channel.
type BillingConfig struct {
	BridgeURL      string        `envconfig:"BILLING_BRIDGE_URL" default:""`
	ExpectedBundle string        `envconfig:"BILLING_EXPECTED_BUNDLE" default:""`
	ConnectTimeout time.Duration `envconfig:"BILLING_CONNECT_TIMEOUT" default:"15s"`
	ScanTimeout    time.Duration `envconfig:"BILLING_SCAN_TIMEOUT" default:"20s"`
}

// RemoteConfig holds entitlement-store RPC settings.
type RemoteConfig struct {
	BaseURL string        `envconfig:"REMOTE_BASE_URL" default:""`
	Token   string        `envconfig:"REMOTE_TOKEN" default:""`
	Timeout time.Duration `envconfig:"REMOTE_TIMEOUT" default:"10s"`
}

// CacheConfig holds gate-cache settings.
type CacheConfig struct {
	Type          string        `envconfig:"CACHE_TYPE" default:"memory"`
	TTL           time.Duration `envconfig:"CACHE_TTL" default:"30s"`
	RedisAddr     string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
}

// PlansConfig holds plan-table overlay settings.
type PlansConfig struct {
	OverlayPath string `envconfig:"PLANS_OVERLAY_PATH" default:""`
}

// SessionConfig identifies the authenticated user this device session
// belongs to.
type SessionConfig struct {
	UserID string `envconfig:"SESSION_USER_ID" default:""`
}

// Address returns the server address in host:port format.
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Cache.Type {
	case "memory", "redis", "none":
	default:
		return fmt.Errorf("invalid CACHE_TYPE %q: want memory, redis, or none", c.Cache.Type)
	}
	if c.Remote.BaseURL != "" && c.Remote.Token == "" {
		return fmt.Errorf("REMOTE_TOKEN is required when REMOTE_BASE_URL is set")
	}
	return nil
}
