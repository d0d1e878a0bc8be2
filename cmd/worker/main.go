package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/me/fairq/internal/config"
	"github.com/me/fairq/internal/logging"
	"github.com/me/fairq/internal/redisconn"
	"github.com/me/fairq/internal/worker"
)

func main() {
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	queues := strings.Join(cfg.Queues, ",")
	flag.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "fairq server URL")
	flag.StringVar(&cfg.RedisURL, "redis", cfg.RedisURL, "Redis URL the worker pool pushes jobs to")
	flag.StringVar(&queues, "queues", queues, "Comma-separated queues to consume")
	flag.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "Jobs run in parallel")
	flag.StringVar(&cfg.WorkDir, "workdir", cfg.WorkDir, "Local working directory (default: $TMPDIR/fairq-worker)")
	flag.StringVar(&cfg.Artifacts.Backend, "artifacts", cfg.Artifacts.Backend, "Artifact backend (local, s3)")
	flag.StringVar(&cfg.Artifacts.Dir, "artifact-dir", cfg.Artifacts.Dir, "Shared directory for local artifacts")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	if *debug {
		cfg.LogLevel = "debug"
	}
	cfg.Queues = nil
	for _, q := range strings.Split(queues, ",") {
		if q = strings.TrimSpace(q); q != "" {
			cfg.Queues = append(cfg.Queues, q)
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := redisconn.Connect(ctx, redisconn.DefaultConfig(cfg.RedisURL))
	if err != nil {
		logger.Error("connect redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	stager, err := worker.NewStager(ctx, cfg.Artifacts)
	if err != nil {
		logger.Error("artifact store", "error", err)
		os.Exit(1)
	}

	w := worker.New(cfg, rdb, stager, logger)
	logger.Info("starting worker", "server", cfg.ServerURL, "queues", cfg.Queues, "artifacts", cfg.Artifacts.Backend)
	if err := w.Run(ctx); err != nil {
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}
}
