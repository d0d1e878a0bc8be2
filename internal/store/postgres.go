package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var pgMigrations embed.FS

var (
	ErrFailedToParseDBConfig    = errors.New("failed to parse db config")
	ErrFailedToOpenDBConnection = errors.New("failed to open db connection")
	ErrFailedToApplyMigrations  = errors.New("failed to apply migrations")
)

// PostgresConfig configures the PostgreSQL backend.
type PostgresConfig struct {
	ConnectionString string        `env:"PG_CONN_URL"`
	MaxOpenConns     int32         `env:"PG_MAX_OPEN_CONNS" envDefault:"10"`
	MaxIdleConns     int32         `env:"PG_MAX_IDLE_CONNS" envDefault:"2"`
	MaxConnLifetime  time.Duration `env:"PG_MAX_CONN_LIFETIME" envDefault:"30m"`
	RetryAttempts    int           `env:"PG_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval    time.Duration `env:"PG_RETRY_INTERVAL" envDefault:"2s"`
	MigrationsTable  string        `env:"PG_MIGRATIONS_TABLE" envDefault:"fairq_schema_migrations"`
}

// DefaultPostgresConfig returns defaults for url.
func DefaultPostgresConfig(url string) PostgresConfig {
	return PostgresConfig{
		ConnectionString: url,
		MaxOpenConns:     10,
		MaxIdleConns:     2,
		MaxConnLifetime:  30 * time.Minute,
		RetryAttempts:    3,
		RetryInterval:    2 * time.Second,
		MigrationsTable:  "fairq_schema_migrations",
	}
}

// NewPostgresStore connects to PostgreSQL and returns a Store. Multiple
// scheduler replicas may share one database; they coordinate through the
// version columns.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*SQLStore, error) {
	pool, err := connectPostgres(ctx, cfg)
	if err != nil {
		return nil, err
	}

	db := stdlib.OpenDBFromPool(pool)
	log := logger.With("component", "store", "backend", "postgres")
	s := &SQLStore{
		db:      db,
		dialect: dialectPostgres,
		logger:  log,
		onClose: pool.Close,
	}
	s.migrate = func(ctx context.Context) error {
		goose.SetBaseFS(pgMigrations)
		goose.SetLogger(gooseLogger{log})
		goose.SetTableName(cfg.MigrationsTable)
		if err := goose.SetDialect("postgres"); err != nil {
			return errors.Join(ErrFailedToApplyMigrations, err)
		}
		if err := goose.UpContext(ctx, db, "migrations"); err != nil {
			return errors.Join(ErrFailedToApplyMigrations, err)
		}
		return nil
	}
	return s, nil
}

// connectPostgres opens a pgx pool, retrying with a linearly growing wait.
func connectPostgres(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	connConfig, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseDBConfig, err)
	}
	connConfig.MaxConns = cfg.MaxOpenConns
	connConfig.MinConns = cfg.MaxIdleConns
	connConfig.MaxConnLifetime = cfg.MaxConnLifetime

	attempts := max(1, cfg.RetryAttempts)
	var lastErr error
	for i := range attempts {
		pool, err := pgxpool.NewWithConfig(ctx, connConfig)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				return pool, nil
			}
			pool.Close()
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrFailedToOpenDBConnection, ctx.Err())
		case <-time.After(time.Duration(i+1) * cfg.RetryInterval):
		}
	}
	return nil, errors.Join(ErrFailedToOpenDBConnection, lastErr)
}

// IsDuplicateKeyError detects PostgreSQL unique constraint violations (SQLSTATE 23505).
func IsDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// gooseLogger routes goose output through slog.
type gooseLogger struct {
	log *slog.Logger
}

func (l gooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(fmt.Sprintf(format, v...))
}

func (l gooseLogger) Printf(format string, v ...any) {
	l.log.Info(fmt.Sprintf(format, v...))
}
