// Package config provides configuration management for the task broker.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the broker.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Streams StreamsConfig `mapstructure:"streams"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Auth    AuthConfig    `mapstructure:"auth"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	ReadTimeout int    `mapstructure:"readTimeout"` // in seconds
	// WriteTimeout of 0 keeps long-lived SSE streams open; set only for
	// deployments that terminate streaming at a proxy.
	WriteTimeout int `mapstructure:"writeTimeout"` // in seconds
}

// StoreConfig holds durable store (Redis) configuration.
type StoreConfig struct {
	URL       string `mapstructure:"url"`       // redis:// connection URL, required
	OpTimeout int    `mapstructure:"opTimeout"` // per-operation timeout in seconds, excludes blocking reads
}

// QueueConfig holds work queue and lease configuration.
type QueueConfig struct {
	LeaseMS      int `mapstructure:"leaseMs"`      // lease TTL in milliseconds
	BlockSeconds int `mapstructure:"blockSeconds"` // max blocking-pop wait for Claim
	ReapSeconds  int `mapstructure:"reapSeconds"`  // interval of the expired-lease sweep
}

// StreamsConfig holds event stream tuning.
type StreamsConfig struct {
	TrimThreshold     int `mapstructure:"trimThreshold"`     // approximate max entries per stream
	TailBlockSeconds  int `mapstructure:"tailBlockSeconds"`  // max blocking wait for tail reads
	TaskTailMaxCount  int `mapstructure:"taskTailMaxCount"`  // batch cap for per-task tails
	IndexTailMaxCount int `mapstructure:"indexTailMaxCount"` // batch cap for index tails
}

// WorkerConfig holds the worker runtime configuration.
type WorkerConfig struct {
	BrokerURL      string `mapstructure:"brokerUrl"`      // base URL of the broker's internal API
	MaxConcurrency int    `mapstructure:"maxConcurrency"` // concurrent claimed tasks per worker process
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// InternalToken guards the /internal/* endpoints. Empty disables the
	// check (development mode); the server logs a warning at startup.
	InternalToken     string `mapstructure:"internalToken"`
	SessionCookieName string `mapstructure:"sessionCookieName"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns the host:port listen address.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// OpTimeoutDuration returns the per-operation store timeout as a time.Duration.
func (s *StoreConfig) OpTimeoutDuration() time.Duration {
	return time.Duration(s.OpTimeout) * time.Second
}

// LeaseDuration returns the lease TTL as a time.Duration.
func (q *QueueConfig) LeaseDuration() time.Duration {
	return time.Duration(q.LeaseMS) * time.Millisecond
}

// BlockDuration returns the claim blocking-pop budget as a time.Duration.
func (q *QueueConfig) BlockDuration() time.Duration {
	return time.Duration(q.BlockSeconds) * time.Second
}

// ReapInterval returns the expired-lease sweep interval as a time.Duration.
func (q *QueueConfig) ReapInterval() time.Duration {
	return time.Duration(q.ReapSeconds) * time.Second
}

// HeartbeatInterval returns the worker renewal cadence: half the lease TTL,
// lower-bounded at 15 seconds.
func (q *QueueConfig) HeartbeatInterval() time.Duration {
	interval := q.LeaseDuration() / 2
	if interval < 15*time.Second {
		interval = 15 * time.Second
	}
	return interval
}

// MinLeaseTTL returns the lowest TTL a renewal may request.
func (q *QueueConfig) MinLeaseTTL() time.Duration {
	return 15 * time.Second
}

// MaxLeaseTTL returns the highest TTL a renewal may request.
func (q *QueueConfig) MaxLeaseTTL() time.Duration {
	return 5 * q.LeaseDuration()
}

// TailBlockDuration returns the tail-read blocking budget as a time.Duration.
func (s *StreamsConfig) TailBlockDuration() time.Duration {
	return time.Duration(s.TailBlockSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("TASKPLANE_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0)

	// Store defaults - URL has no default, it must be provided
	v.SetDefault("store.url", "")
	v.SetDefault("store.opTimeout", 30)

	// Queue defaults
	v.SetDefault("queue.leaseMs", 60000)
	v.SetDefault("queue.blockSeconds", 5)
	v.SetDefault("queue.reapSeconds", 30)

	// Stream defaults
	v.SetDefault("streams.trimThreshold", 2000)
	v.SetDefault("streams.tailBlockSeconds", 5)
	v.SetDefault("streams.taskTailMaxCount", 50)
	v.SetDefault("streams.indexTailMaxCount", 100)

	// Worker defaults
	v.SetDefault("worker.brokerUrl", "http://localhost:8080")
	v.SetDefault("worker.maxConcurrency", 2)

	// Auth defaults - empty internal token disables the check (dev mode)
	v.SetDefault("auth.internalToken", "")
	v.SetDefault("auth.sessionCookieName", "taskplane_session")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "taskplane")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TASKPLANE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/taskplane/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("TASKPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the bare operator variables and for camelCase
	// config keys. AutomaticEnv does not handle camelCase to SNAKE_CASE
	// conversion, so keys where env var naming differs are bound here.
	_ = v.BindEnv("store.url", "STORE_URL", "TASKPLANE_STORE_URL")
	_ = v.BindEnv("store.opTimeout", "TASKPLANE_STORE_OP_TIMEOUT")
	_ = v.BindEnv("auth.internalToken", "INTERNAL_TOKEN", "TASKPLANE_INTERNAL_TOKEN")
	_ = v.BindEnv("auth.sessionCookieName", "SESSION_COOKIE_NAME", "TASKPLANE_SESSION_COOKIE_NAME")
	_ = v.BindEnv("queue.leaseMs", "LEASE_MS", "TASKPLANE_LEASE_MS")
	_ = v.BindEnv("queue.blockSeconds", "QUEUE_BLOCK_SECONDS", "TASKPLANE_QUEUE_BLOCK_SECONDS")
	_ = v.BindEnv("queue.reapSeconds", "TASKPLANE_QUEUE_REAP_SECONDS")
	_ = v.BindEnv("streams.trimThreshold", "STREAM_TRIM_THRESHOLD", "TASKPLANE_STREAM_TRIM_THRESHOLD")
	_ = v.BindEnv("streams.tailBlockSeconds", "TASKPLANE_STREAMS_TAIL_BLOCK_SECONDS")
	_ = v.BindEnv("streams.taskTailMaxCount", "TASKPLANE_STREAMS_TASK_TAIL_MAX_COUNT")
	_ = v.BindEnv("streams.indexTailMaxCount", "TASKPLANE_STREAMS_INDEX_TAIL_MAX_COUNT")
	_ = v.BindEnv("worker.maxConcurrency", "WORKER_MAX_CONCURRENCY", "TASKPLANE_WORKER_MAX_CONCURRENCY")
	_ = v.BindEnv("worker.brokerUrl", "TASKPLANE_WORKER_BROKER_URL")
	_ = v.BindEnv("nats.clientId", "TASKPLANE_NATS_CLIENT_ID")
	_ = v.BindEnv("nats.maxReconnects", "TASKPLANE_NATS_MAX_RECONNECTS")
	_ = v.BindEnv("logging.outputPath", "TASKPLANE_LOGGING_OUTPUT_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/taskplane/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Store.URL == "" {
		errs = append(errs, "store.url is required (set STORE_URL)")
	}
	if cfg.Store.OpTimeout <= 0 {
		errs = append(errs, "store.opTimeout must be positive")
	}

	if cfg.Queue.LeaseMS <= 0 {
		errs = append(errs, "queue.leaseMs must be positive")
	}
	if cfg.Queue.BlockSeconds < 0 {
		errs = append(errs, "queue.blockSeconds must not be negative")
	}
	if cfg.Queue.ReapSeconds <= 0 {
		errs = append(errs, "queue.reapSeconds must be positive")
	}

	if cfg.Streams.TrimThreshold <= 0 {
		errs = append(errs, "streams.trimThreshold must be positive")
	}
	if cfg.Streams.TaskTailMaxCount <= 0 || cfg.Streams.IndexTailMaxCount <= 0 {
		errs = append(errs, "streams tail max counts must be positive")
	}

	if cfg.Worker.MaxConcurrency <= 0 {
		errs = append(errs, "worker.maxConcurrency must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
