package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// WorkerConfig holds configuration for the fairq-worker agent.
type WorkerConfig struct {
	ServerURL string `env:"FAIRQ_SERVER" envDefault:"http://localhost:8080"`
	WorkerKey string `env:"FAIRQ_WORKER_KEY"`
	RedisURL  string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	LogLevel  string `env:"FAIRQ_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"FAIRQ_LOG_FORMAT" envDefault:"text"`

	Queues []string `env:"FAIRQ_WORKER_QUEUES" envSeparator:"," envDefault:"default"`
	// Commands maps task types to command lines, e.g.
	// "render=/usr/bin/render --fast;sum=sum.sh".
	Commands    map[string]string `env:"FAIRQ_WORKER_COMMANDS" envSeparator:";" envKeyValSeparator:"="`
	Concurrency int               `env:"FAIRQ_WORKER_CONCURRENCY" envDefault:"1"`
	WorkDir     string            `env:"FAIRQ_WORKER_DIR"`

	// Poll bounds each blocking pop; ControlPoll is how often a running
	// job's cancel and checkpoint keys are checked.
	Poll        time.Duration `env:"FAIRQ_WORKER_POLL" envDefault:"5s"`
	ControlPoll time.Duration `env:"FAIRQ_WORKER_CONTROL_POLL" envDefault:"1s"`
	// GracePeriod is how long a signalled process may take to write its
	// checkpoint before it is killed.
	GracePeriod time.Duration `env:"FAIRQ_WORKER_GRACE" envDefault:"20s"`

	Artifacts ArtifactConfig
}

// ArtifactConfig selects where results and checkpoints are written.
type ArtifactConfig struct {
	// Backend is local or s3.
	Backend string `env:"FAIRQ_ARTIFACTS" envDefault:"local"`
	// Dir receives artifacts for the local backend. Empty leaves them in the
	// job's work directory.
	Dir string `env:"FAIRQ_ARTIFACT_DIR"`
	S3  S3Config
}

// S3Config configures the S3 (or S3-compatible) artifact backend.
type S3Config struct {
	Bucket          string `env:"FAIRQ_S3_BUCKET"`
	Prefix          string `env:"FAIRQ_S3_PREFIX"`
	Region          string `env:"FAIRQ_S3_REGION" envDefault:"us-east-1"`
	Endpoint        string `env:"FAIRQ_S3_ENDPOINT"`
	AccessKeyID     string `env:"FAIRQ_S3_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"FAIRQ_S3_SECRET_ACCESS_KEY"`
	ForcePathStyle  bool   `env:"FAIRQ_S3_FORCE_PATH_STYLE"`
}

// ErrInvalidWorkerConfig wraps worker config validation failures.
var ErrInvalidWorkerConfig = errors.New("invalid worker config")

// LoadWorkerConfig reads .env files (missing files are ignored) and parses
// the environment into a WorkerConfig.
func LoadWorkerConfig(envFiles ...string) (WorkerConfig, error) {
	if len(envFiles) == 0 {
		_ = godotenv.Load()
	} else if err := godotenv.Load(envFiles...); err != nil {
		return WorkerConfig{}, fmt.Errorf("load env files: %w", err)
	}

	var cfg WorkerConfig
	if err := env.Parse(&cfg); err != nil {
		return WorkerConfig{}, errors.Join(ErrInvalidWorkerConfig, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints.
func (c WorkerConfig) Validate() error {
	if len(c.Queues) == 0 {
		return fmt.Errorf("%w: at least one queue is required", ErrInvalidWorkerConfig)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be at least 1", ErrInvalidWorkerConfig)
	}
	if c.Poll < time.Second {
		return fmt.Errorf("%w: poll must be at least 1s", ErrInvalidWorkerConfig)
	}
	switch c.Artifacts.Backend {
	case "local":
	case "s3":
		if c.Artifacts.S3.Bucket == "" {
			return fmt.Errorf("%w: s3 artifacts require FAIRQ_S3_BUCKET", ErrInvalidWorkerConfig)
		}
	default:
		return fmt.Errorf("%w: unknown artifact backend %q", ErrInvalidWorkerConfig, c.Artifacts.Backend)
	}
	return nil
}
