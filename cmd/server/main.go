package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/me/fairq/internal/config"
	"github.com/me/fairq/internal/logging"
	"github.com/me/fairq/internal/notify"
	"github.com/me/fairq/internal/observability"
	"github.com/me/fairq/internal/redisconn"
	"github.com/me/fairq/internal/scheduler"
	"github.com/me/fairq/internal/server"
	"github.com/me/fairq/internal/store"
	"github.com/me/fairq/internal/workerpool"
	"github.com/me/fairq/internal/workflow"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json)")
	flag.StringVar(&cfg.Store, "store", cfg.Store, "Queue store backend (sqlite, postgres)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path (default ~/.fairq/fairq.db)")
	flag.StringVar(&cfg.Pool, "pool", cfg.Pool, "Worker pool (local, redis)")
	flag.IntVar(&cfg.LocalWorkers, "local-workers", cfg.LocalWorkers, "Execution slots of the local pool")
	flag.StringVar(&cfg.SchedulerConfigPath, "config", cfg.SchedulerConfigPath, "Scheduler config YAML (reloaded on change)")
	flag.StringVar(&cfg.WorkerKeysFile, "worker-keys", cfg.WorkerKeysFile, "Path to worker keys JSON file")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	if *debug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, "fairq-server", cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	schedCfg := config.DefaultSchedulerConfig()
	if cfg.SchedulerConfigPath != "" {
		if schedCfg, err = config.LoadSchedulerConfig(cfg.SchedulerConfigPath); err != nil {
			return err
		}
	}
	holder := config.NewHolder(schedCfg)
	logger.Info("scheduler config loaded", "version", schedCfg.Version, "queues", len(schedCfg.Queues))

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		if rdb, err = redisconn.Connect(ctx, redisconn.DefaultConfig(cfg.RedisURL)); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
	}

	var notifier workflow.Notifier = notify.NewLogNotifier(logger)
	if rdb != nil {
		notifier = notify.NewRedisNotifier(rdb, logger)
	}

	var pool workerpool.Pool
	var local *workerpool.LocalPool
	switch cfg.Pool {
	case "redis":
		pool = workerpool.NewRedisPool(rdb, cfg.CheckpointTypes, logger)
	default:
		local = workerpool.NewLocalPool(cfg.LocalWorkers, nil, logger)
		workerpool.RegisterBuiltins(local, filepath.Join(os.TempDir(), "fairq-local"))
		pool = local
	}

	loop := scheduler.NewLoop(st, pool, holder, notifier, scheduler.ConfigFrom(cfg), logger)
	if local != nil {
		local.SetCallbacks(loop)
	}

	workerKeys, err := server.LoadWorkerKeyConfig(cfg.WorkerKeysFile)
	if err != nil {
		return fmt.Errorf("load worker keys: %w", err)
	}
	if workerKeys.IsEnabled() {
		logger.Info("worker key authentication enabled", "keys", len(workerKeys.Keys))
	}

	srv := server.New(cfg, st, loop, logger, server.WithWorkerKeys(workerKeys))
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.SchedulerConfigPath != "" {
		watcher := config.NewWatcher(cfg.SchedulerConfigPath, cfg.ReloadInterval, holder, logger)
		go watcher.Run(ctx)
	}
	srv.StartScheduler(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Addr, "store", cfg.Store, "pool", cfg.Pool)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	logger.Info("shutting down")

	// Stop scheduling before the HTTP server so no new dispatches happen.
	if err := loop.Stop(); err != nil {
		logger.Error("scheduler stop error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if local != nil {
		if err := local.Shutdown(shutdownCtx); err != nil {
			logger.Warn("local pool shutdown", "error", err)
		}
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*store.SQLStore, error) {
	if cfg.Store == "postgres" {
		return store.NewPostgresStore(ctx, store.DefaultPostgresConfig(cfg.PostgresURL), logger)
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir := filepath.Join(home, ".fairq")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create %s: %w", dir, err)
		}
		dbPath = filepath.Join(dir, "fairq.db")
	}
	logger.Info("opening database", "path", dbPath)
	return store.NewSQLiteStore(dbPath, logger)
}
