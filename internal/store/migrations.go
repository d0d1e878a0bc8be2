package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the SQLite DDL for all fairq tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
		id               TEXT PRIMARY KEY,
		tenant_id        TEXT NOT NULL,
		name             TEXT NOT NULL DEFAULT '',
		task_ids         TEXT NOT NULL DEFAULT '[]',
		status           TEXT NOT NULL DEFAULT 'PENDING',
		partial_tolerant INTEGER NOT NULL DEFAULT 0,
		notified         INTEGER NOT NULL DEFAULT 0,
		version          INTEGER NOT NULL DEFAULT 1,
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL,
		completed_at     TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id             TEXT PRIMARY KEY,
		workflow_id    TEXT NOT NULL DEFAULT '',
		name           TEXT NOT NULL DEFAULT '',
		queue          TEXT NOT NULL,
		tenant_id      TEXT NOT NULL,
		tenant_tier    TEXT NOT NULL DEFAULT '',
		priority_class TEXT NOT NULL DEFAULT '',
		task_type      TEXT NOT NULL DEFAULT '',
		dependency     TEXT NOT NULL DEFAULT '',
		payload_ref    TEXT NOT NULL DEFAULT '',
		inputs         TEXT NOT NULL DEFAULT '{}',
		depends_on     TEXT NOT NULL DEFAULT '[]',
		state          TEXT NOT NULL DEFAULT 'PENDING',
		attempts       INTEGER NOT NULL DEFAULT 0,
		max_retries    INTEGER NOT NULL DEFAULT 0,
		backoff        TEXT NOT NULL DEFAULT '{}',
		result_ref     TEXT NOT NULL DEFAULT '',
		content_hash   TEXT NOT NULL DEFAULT '',
		no_cache       INTEGER NOT NULL DEFAULT 0,
		last_error     TEXT NOT NULL DEFAULT 'null',
		history        TEXT NOT NULL DEFAULT '[]',
		deadline       TEXT,
		eligible_at    TEXT,
		version        INTEGER NOT NULL DEFAULT 1,
		created_at     TEXT NOT NULL,
		updated_at     TEXT NOT NULL,
		started_at     TEXT,
		completed_at   TEXT
	)`,

	`CREATE INDEX IF NOT EXISTS idx_tasks_workflow_id ON tasks(workflow_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state)`,
	// Compound index for the per-queue running/pending scans.
	`CREATE INDEX IF NOT EXISTS idx_tasks_queue_state ON tasks(queue, state)`,
	`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status)`,

	`CREATE TABLE IF NOT EXISTS dead_letters (
		id               TEXT PRIMARY KEY,
		task_id          TEXT NOT NULL,
		workflow_id      TEXT NOT NULL DEFAULT '',
		tenant_id        TEXT NOT NULL,
		queue            TEXT NOT NULL,
		final_error      TEXT NOT NULL,
		attempts_history TEXT NOT NULL DEFAULT '[]',
		dead_lettered_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dead_letters_workflow_id ON dead_letters(workflow_id)`,

	`CREATE TABLE IF NOT EXISTS breakers (
		dependency_id    TEXT PRIMARY KEY,
		state            TEXT NOT NULL DEFAULT 'CLOSED',
		failure_count    INTEGER NOT NULL DEFAULT 0,
		last_failure_at  TEXT,
		opened_at        TEXT,
		reset_timeout_ms INTEGER NOT NULL DEFAULT 0,
		version          INTEGER NOT NULL DEFAULT 1,
		updated_at       TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS cache_entries (
		content_hash     TEXT PRIMARY KEY,
		result_ref       TEXT NOT NULL,
		size_bytes       INTEGER NOT NULL DEFAULT 0,
		created_at       TEXT NOT NULL,
		last_accessed_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_entries_accessed ON cache_entries(last_accessed_at)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{
	// Preemption and worker handles
	{
		table:    "tasks",
		column:   "checkpoint_ref",
		alterSQL: "ALTER TABLE tasks ADD COLUMN checkpoint_ref TEXT NOT NULL DEFAULT ''",
	},
	{
		table:    "tasks",
		column:   "handle",
		alterSQL: "ALTER TABLE tasks ADD COLUMN handle TEXT NOT NULL DEFAULT ''",
	},
	{
		table:    "tasks",
		column:   "content_hash",
		alterSQL: "ALTER TABLE tasks ADD COLUMN content_hash TEXT NOT NULL DEFAULT ''",
		indexSQL: "CREATE INDEX IF NOT EXISTS idx_tasks_content_hash ON tasks(content_hash) WHERE content_hash != ''",
	},
	// Per-attempt timeouts
	{
		table:    "tasks",
		column:   "timeout_ms",
		alterSQL: "ALTER TABLE tasks ADD COLUMN timeout_ms INTEGER NOT NULL DEFAULT 0",
	},
}

// migrateSQLite executes all schema DDL statements, alter migrations, and post-migration indexes.
func migrateSQLite(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	// Execute ALTER TABLE statements idempotently.
	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}

	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	exists, err := columnExists(ctx, db, table, column)
	if err != nil || exists {
		return err
	}
	_, err = db.ExecContext(ctx, alterSQL)
	return err
}

func columnExists(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}
