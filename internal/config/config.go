package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ServerConfig holds configuration for the fairq server process.
// Values come from the environment (optionally seeded from .env files);
// command-line flags override them in cmd/server.
type ServerConfig struct {
	Addr      string `env:"FAIRQ_ADDR" envDefault:":8080"`
	LogLevel  string `env:"FAIRQ_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"FAIRQ_LOG_FORMAT" envDefault:"text"`

	// Store selects the queue store backend: sqlite or postgres.
	Store       string `env:"FAIRQ_STORE" envDefault:"sqlite"`
	DBPath      string `env:"FAIRQ_DB_PATH"` // SQLite path (default ~/.fairq/fairq.db, ":memory:" for testing)
	PostgresURL string `env:"PG_CONN_URL"`
	RedisURL    string `env:"REDIS_URL"`

	// SchedulerConfigPath points at the versioned YAML scheduler config.
	SchedulerConfigPath string        `env:"FAIRQ_SCHEDULER_CONFIG"`
	ReloadInterval      time.Duration `env:"FAIRQ_RELOAD_INTERVAL" envDefault:"5s"`

	TickInterval      time.Duration `env:"FAIRQ_TICK_INTERVAL" envDefault:"500ms"`
	DispatchTimeout   time.Duration `env:"FAIRQ_DISPATCH_TIMEOUT" envDefault:"5s"`
	StoreTimeout      time.Duration `env:"FAIRQ_STORE_TIMEOUT" envDefault:"5s"`
	CheckpointTimeout time.Duration `env:"FAIRQ_CHECKPOINT_TIMEOUT" envDefault:"30s"`

	// Pool selects the worker pool: local (in-process handlers) or redis
	// (remote fairq-worker agents).
	Pool            string   `env:"FAIRQ_POOL" envDefault:"local"`
	LocalWorkers    int      `env:"FAIRQ_LOCAL_WORKERS" envDefault:"8"`
	CheckpointTypes []string `env:"FAIRQ_CHECKPOINT_TYPES" envSeparator:","`

	// WorkerKeysFile maps worker keys to the queues they may report for.
	// FAIRQ_WORKER_KEYS adds keys inline; with neither set callbacks are open.
	WorkerKeysFile string `env:"FAIRQ_WORKER_KEYS_FILE"`

	Tracing TracingConfig
}

// TracingConfig selects and configures the OpenTelemetry span exporter.
type TracingConfig struct {
	// Exporter is none, stdout, otlp (gRPC) or otlphttp.
	Exporter     string            `env:"FAIRQ_OTEL_EXPORTER" envDefault:"none"`
	Endpoint     string            `env:"FAIRQ_OTEL_ENDPOINT"`
	Headers      map[string]string `env:"FAIRQ_OTEL_HEADERS"`
	Insecure     bool              `env:"FAIRQ_OTEL_INSECURE" envDefault:"true"`
	Sampler      string            `env:"FAIRQ_OTEL_SAMPLER" envDefault:"always_on"`
	SamplerRatio float64           `env:"FAIRQ_OTEL_SAMPLER_RATIO" envDefault:"1"`
	Environment  string            `env:"FAIRQ_ENVIRONMENT"`
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:              ":8080",
		LogLevel:          "info",
		LogFormat:         "text",
		Store:             "sqlite",
		ReloadInterval:    5 * time.Second,
		TickInterval:      500 * time.Millisecond,
		DispatchTimeout:   5 * time.Second,
		StoreTimeout:      5 * time.Second,
		CheckpointTimeout: 30 * time.Second,
		Pool:              "local",
		LocalWorkers:      8,
		Tracing: TracingConfig{
			Exporter:     "none",
			Insecure:     true,
			Sampler:      "always_on",
			SamplerRatio: 1,
		},
	}
}

// ErrInvalidServerConfig wraps server config validation failures.
var ErrInvalidServerConfig = errors.New("invalid server config")

// LoadServerConfig reads .env files (missing files are ignored) and parses
// the environment into a ServerConfig.
func LoadServerConfig(envFiles ...string) (ServerConfig, error) {
	if len(envFiles) == 0 {
		_ = godotenv.Load()
	} else {
		for _, f := range envFiles {
			if err := godotenv.Load(f); err != nil {
				return ServerConfig{}, fmt.Errorf("load %s: %w", f, err)
			}
		}
	}

	var cfg ServerConfig
	if err := env.Parse(&cfg); err != nil {
		return ServerConfig{}, errors.Join(ErrInvalidServerConfig, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints.
func (c ServerConfig) Validate() error {
	switch c.Store {
	case "sqlite":
	case "postgres":
		if c.PostgresURL == "" {
			return fmt.Errorf("%w: postgres store requires PG_CONN_URL", ErrInvalidServerConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store %q", ErrInvalidServerConfig, c.Store)
	}
	switch c.Pool {
	case "local":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("%w: redis pool requires REDIS_URL", ErrInvalidServerConfig)
		}
	default:
		return fmt.Errorf("%w: unknown pool %q", ErrInvalidServerConfig, c.Pool)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("%w: tick interval must be positive", ErrInvalidServerConfig)
	}
	return nil
}
