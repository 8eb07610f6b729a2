// SPDX-License-Identifier: MIT

// Package config loads daemon configuration from an optional YAML file
// with environment variable overrides. Precedence is environment over
// file over defaults.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RedisConfig configures the Redis backend used by the lock manager.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LockConfig holds distributed lock defaults.
type LockConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	RetryCount int           `yaml:"retryCount"`
	RetryDelay time.Duration `yaml:"retryDelay"`
}

// BreakerConfig holds default circuit breaker thresholds. Individual
// breakers can still be configured per name at runtime.
type BreakerConfig struct {
	FailureThreshold          int           `yaml:"failureThreshold"`
	RecoveryTimeout           time.Duration `yaml:"recoveryTimeout"`
	MonitoringPeriod          time.Duration `yaml:"monitoringPeriod"`
	ErrorPercentageThreshold  float64       `yaml:"errorPercentageThreshold"`
	VolumeThreshold           int           `yaml:"volumeThreshold"`
	SlowCallDurationThreshold time.Duration `yaml:"slowCallDurationThreshold"`
	SlowCallThreshold         int           `yaml:"slowCallThreshold"`
	MaxHalfOpenCalls          int           `yaml:"maxHalfOpenCalls"`
}

// SagaConfig selects the saga instance store backend.
type SagaConfig struct {
	// StoreBackend is one of "memory", "sqlite" or "badger".
	StoreBackend string `yaml:"storeBackend"`
	StorePath    string `yaml:"storePath"`
}

// EventStoreConfig locates the event store database.
type EventStoreConfig struct {
	Path string `yaml:"path"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ExporterType string  `yaml:"exporterType"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
	Environment  string  `yaml:"environment"`
}

// Config is the root daemon configuration.
type Config struct {
	Listen          string           `yaml:"listen"`
	LogLevel        string           `yaml:"logLevel"`
	RateLimitPerMin int              `yaml:"rateLimitPerMinute"`
	Redis           RedisConfig      `yaml:"redis"`
	Lock            LockConfig       `yaml:"lock"`
	Breaker         BreakerConfig    `yaml:"breaker"`
	Saga            SagaConfig       `yaml:"saga"`
	EventStore      EventStoreConfig `yaml:"eventStore"`
	Telemetry       TelemetryConfig  `yaml:"telemetry"`
	ShutdownTimeout time.Duration    `yaml:"shutdownTimeout"`
	DataDir         string           `yaml:"dataDir"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:          ":8080",
		LogLevel:        "info",
		RateLimitPerMin: 600,
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Lock: LockConfig{
			TTL:        30 * time.Second,
			RetryCount: 3,
			RetryDelay: 100 * time.Millisecond,
		},
		Breaker: BreakerConfig{
			FailureThreshold:          5,
			RecoveryTimeout:           60 * time.Second,
			MonitoringPeriod:          60 * time.Second,
			ErrorPercentageThreshold:  50,
			VolumeThreshold:           10,
			SlowCallDurationThreshold: 5 * time.Second,
			SlowCallThreshold:         5,
			MaxHalfOpenCalls:          1,
		},
		Saga: SagaConfig{
			StoreBackend: "sqlite",
			StorePath:    "data/sagas.db",
		},
		EventStore: EventStoreConfig{
			Path: "data/events.db",
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			ExporterType: "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
			Environment:  "development",
		},
		ShutdownTimeout: 15 * time.Second,
		DataDir:         "data",
	}
}

// Load reads the configuration file at path (empty path skips the file)
// and applies environment overrides on top.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Listen = ParseString("RELIABILITY_LISTEN", c.Listen)
	c.LogLevel = ParseString("RELIABILITY_LOG_LEVEL", c.LogLevel)
	c.RateLimitPerMin = ParseInt("RELIABILITY_RATE_LIMIT_PER_MINUTE", c.RateLimitPerMin)
	c.ShutdownTimeout = ParseDuration("RELIABILITY_SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	c.DataDir = ParseString("RELIABILITY_DATA_DIR", c.DataDir)

	c.Redis.Addr = ParseString("RELIABILITY_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = ParseString("RELIABILITY_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = ParseInt("RELIABILITY_REDIS_DB", c.Redis.DB)

	c.Lock.TTL = ParseDuration("RELIABILITY_LOCK_TTL", c.Lock.TTL)
	c.Lock.RetryCount = ParseInt("RELIABILITY_LOCK_RETRY_COUNT", c.Lock.RetryCount)
	c.Lock.RetryDelay = ParseDuration("RELIABILITY_LOCK_RETRY_DELAY", c.Lock.RetryDelay)

	c.Saga.StoreBackend = ParseString("RELIABILITY_SAGA_STORE_BACKEND", c.Saga.StoreBackend)
	c.Saga.StorePath = ParseString("RELIABILITY_SAGA_STORE_PATH", c.Saga.StorePath)
	c.EventStore.Path = ParseString("RELIABILITY_EVENTSTORE_PATH", c.EventStore.Path)

	c.Telemetry.Enabled = ParseBool("RELIABILITY_OTEL_ENABLED", c.Telemetry.Enabled)
	c.Telemetry.ExporterType = ParseString("RELIABILITY_OTEL_EXPORTER", c.Telemetry.ExporterType)
	c.Telemetry.Endpoint = ParseString("RELIABILITY_OTEL_ENDPOINT", c.Telemetry.Endpoint)
	c.Telemetry.SamplingRate = ParseFloat("RELIABILITY_OTEL_SAMPLING_RATE", c.Telemetry.SamplingRate)
	c.Telemetry.Environment = ParseString("RELIABILITY_OTEL_ENVIRONMENT", c.Telemetry.Environment)
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen address must not be empty")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("config: redis.addr must not be empty")
	}
	if c.RateLimitPerMin <= 0 {
		return fmt.Errorf("config: rateLimitPerMinute must be positive, got %d", c.RateLimitPerMin)
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("config: lock.ttl must be positive, got %s", c.Lock.TTL)
	}
	if c.Lock.RetryCount < 0 {
		return fmt.Errorf("config: lock.retryCount must not be negative, got %d", c.Lock.RetryCount)
	}

	switch c.Saga.StoreBackend {
	case "memory":
	case "sqlite", "badger":
		if c.Saga.StorePath == "" {
			return fmt.Errorf("config: saga.storePath required for backend %q", c.Saga.StoreBackend)
		}
	default:
		return fmt.Errorf("config: unknown saga store backend %q", c.Saga.StoreBackend)
	}

	if c.EventStore.Path == "" {
		return fmt.Errorf("config: eventStore.path must not be empty")
	}

	if c.Telemetry.Enabled {
		switch c.Telemetry.ExporterType {
		case "grpc", "http":
		default:
			return fmt.Errorf("config: unsupported telemetry exporter %q", c.Telemetry.ExporterType)
		}
		if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
			return fmt.Errorf("config: telemetry samplingRate must be within [0,1], got %g", c.Telemetry.SamplingRate)
		}
	}
	return nil
}
