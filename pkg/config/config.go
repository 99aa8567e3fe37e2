package config

import (
	"fmt"
	"time"

	"mentorhub-realtime/pkg/backoff"
	"mentorhub-realtime/pkg/env"
)

// Config holds all configuration for the realtime core
type Config struct {
	Server   ServerConfig
	Realtime RealtimeConfig
	Backoff  BackoffConfig
	Log      LogConfig
}

// ServerConfig holds configuration for the local health/metrics endpoint
type ServerConfig struct {
	Port        int
	Environment string // development, staging, production
	ServiceName string
	// MetricsEnabled controls whether the local /metrics endpoint is exposed
	MetricsEnabled bool
}

// RealtimeConfig holds realtime connection configuration
type RealtimeConfig struct {
	// URL is the WebSocket endpoint of the realtime backend
	URL string
	// HandshakeTimeout bounds dial plus the hello/ack exchange
	HandshakeTimeout time.Duration
	// PingInterval is the keepalive ping cadence on the write pump
	PingInterval time.Duration
	// SendTimeout is how long a provisional message waits for confirmation
	// before it is marked failed
	SendTimeout time.Duration
	// QueueCapacity bounds the outbound command queue while reconnecting
	QueueCapacity int
	// BacklogLimit is the number of recent messages per scope requested on
	// (re)connect
	BacklogLimit int
}

// BackoffConfig holds reconnect backoff configuration
type BackoffConfig struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     float64
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           env.GetInt("PORT", 8086),
			Environment:    env.GetString("ENV", "development"),
			ServiceName:    env.GetString("SERVICE_NAME", "mentorhub-realtime"),
			MetricsEnabled: env.GetBool("METRICS_ENABLED", true),
		},
		Realtime: RealtimeConfig{
			URL:              env.GetString("REALTIME_URL", "ws://localhost:8082/v1/ws/realtime"),
			HandshakeTimeout: env.GetDuration("REALTIME_HANDSHAKE_TIMEOUT", 10*time.Second),
			PingInterval:     env.GetDuration("REALTIME_PING_INTERVAL", 25*time.Second),
			SendTimeout:      env.GetDuration("REALTIME_SEND_TIMEOUT", 5*time.Second),
			QueueCapacity:    env.GetInt("REALTIME_QUEUE_CAPACITY", 128),
			BacklogLimit:     env.GetInt("REALTIME_BACKLOG_LIMIT", 50),
		},
		Backoff: BackoffConfig{
			Base:       env.GetDuration("RECONNECT_BASE_DELAY", 500*time.Millisecond),
			Multiplier: env.GetFloat("RECONNECT_MULTIPLIER", 2.0),
			Max:        env.GetDuration("RECONNECT_MAX_DELAY", 30*time.Second),
			Jitter:     env.GetFloat("RECONNECT_JITTER", 0.5),
		},
		Log: LogConfig{
			Level:  env.GetString("LOG_LEVEL", "info"),
			Format: env.GetString("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration for invalid values
func (c *Config) Validate() error {
	if c.Realtime.URL == "" {
		return fmt.Errorf("realtime URL is required")
	}
	if c.Realtime.QueueCapacity <= 0 {
		return fmt.Errorf("queue capacity must be positive, got %d", c.Realtime.QueueCapacity)
	}
	if c.Realtime.SendTimeout <= 0 {
		return fmt.Errorf("send timeout must be positive, got %s", c.Realtime.SendTimeout)
	}
	if c.Realtime.BacklogLimit < 0 {
		return fmt.Errorf("backlog limit must not be negative, got %d", c.Realtime.BacklogLimit)
	}
	return nil
}

// BackoffPolicy converts the backoff configuration into a policy
func (c *Config) BackoffPolicy() backoff.Policy {
	return backoff.Policy{
		Base:       c.Backoff.Base,
		Multiplier: c.Backoff.Multiplier,
		Max:        c.Backoff.Max,
		Jitter:     c.Backoff.Jitter,
	}
}
