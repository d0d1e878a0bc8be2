package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/me/fairq/pkg/model"
)

// dialect selects placeholder syntax.
type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// timeFormat is fixed width so TEXT columns sort chronologically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLStore implements Store over database/sql. SQLite and PostgreSQL share
// every query; only placeholders and migrations differ.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
	migrate func(ctx context.Context) error
	onClose func()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	err := s.db.Close()
	if s.onClose != nil {
		s.onClose()
	}
	return err
}

// Migrate creates all required tables and indexes.
func (s *SQLStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return s.migrate(ctx)
}

// Ping verifies the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ErrDuplicate is returned when an insert collides with an existing id.
var ErrDuplicate = errors.New("duplicate id")

func classifyInsert(err error) error {
	if IsDuplicateKeyError(err) || strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return errors.Join(ErrDuplicate, err)
	}
	return err
}

// expectOne maps a zero-row CAS update to ErrStaleVersion.
func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrStaleVersion
	}
	return nil
}

// placeholders returns "?, ?, ?" for n values.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t := parseTime(*s)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type scanner interface {
	Scan(dest ...any) error
}

// --- Workflow operations ---

const workflowColumns = `id, tenant_id, name, task_ids, status, partial_tolerant, notified, version, created_at, updated_at, completed_at`

// CreateWorkflow inserts a workflow and all of its tasks in one transaction.
func (s *SQLStore) CreateWorkflow(ctx context.Context, wf *model.Workflow, tasks []*model.Task) error {
	s.logger.Debug("sql", "op", "insert", "table", "workflows", "id", wf.ID, "tasks", len(tasks))

	if wf.Version == 0 {
		wf.Version = 1
	}
	taskIDsJSON, err := marshalJSON(wf.TaskIDs)
	if err != nil {
		return fmt.Errorf("marshal task ids: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx,
			`INSERT INTO workflows (`+workflowColumns+`) VALUES (`+placeholders(11)+`)`,
			wf.ID, wf.TenantID, wf.Name, taskIDsJSON, string(wf.Status),
			boolToInt(wf.PartialTolerant), boolToInt(wf.Notified), wf.Version,
			formatTime(wf.CreatedAt), formatTime(wf.UpdatedAt), formatTimePtr(wf.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("insert workflow %s: %w", wf.ID, classifyInsert(err))
		}
		for _, t := range tasks {
			if err := s.insertTask(ctx, tx, t); err != nil {
				return fmt.Errorf("insert task %s: %w", t.ID, classifyInsert(err))
			}
		}
		return nil
	})
}

func (s *SQLStore) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	s.logger.Debug("sql", "op", "select", "table", "workflows", "id", id)

	wf, err := scanWorkflow(s.queryRow(ctx, s.db,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return wf, err
}

func (s *SQLStore) ListWorkflows(ctx context.Context, opts model.ListOptions) ([]*model.Workflow, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "workflows", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	where, args := "", []any{}
	if opts.State != "" {
		where = ` WHERE status = ?`
		args = append(args, opts.State)
	}

	var total int
	if err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM workflows`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.query(ctx, s.db,
		`SELECT `+workflowColumns+` FROM workflows`+where+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	workflows, err := scanWorkflows(rows)
	return workflows, total, err
}

func (s *SQLStore) ListWorkflowsByStatus(ctx context.Context, statuses ...model.WorkflowStatus) ([]*model.Workflow, error) {
	s.logger.Debug("sql", "op", "list_by_status", "table", "workflows", "statuses", statuses)
	if len(statuses) == 0 {
		return nil, nil
	}

	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	rows, err := s.query(ctx, s.db,
		`SELECT `+workflowColumns+` FROM workflows WHERE status IN (`+placeholders(len(args))+`) ORDER BY created_at, id`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkflows(rows)
}

// ListUnnotifiedWorkflows returns terminal workflows whose notification has
// not been confirmed yet.
func (s *SQLStore) ListUnnotifiedWorkflows(ctx context.Context) ([]*model.Workflow, error) {
	s.logger.Debug("sql", "op", "list_unnotified", "table", "workflows")

	rows, err := s.query(ctx, s.db,
		`SELECT `+workflowColumns+` FROM workflows
		 WHERE notified = 0 AND status IN (?, ?, ?, ?) ORDER BY completed_at, id`,
		string(model.WorkflowStatusCompleted), string(model.WorkflowStatusFailed),
		string(model.WorkflowStatusPartial), string(model.WorkflowStatusCancelled),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkflows(rows)
}

func (s *SQLStore) UpdateWorkflow(ctx context.Context, wf *model.Workflow) error {
	s.logger.Debug("sql", "op", "update", "table", "workflows", "id", wf.ID, "version", wf.Version)

	res, err := s.exec(ctx, s.db,
		`UPDATE workflows SET status = ?, notified = ?, completed_at = ?, updated_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		string(wf.Status), boolToInt(wf.Notified), formatTimePtr(wf.CompletedAt),
		formatTime(wf.UpdatedAt), wf.ID, wf.Version,
	)
	if err != nil {
		return err
	}
	if err := expectOne(res); err != nil {
		return err
	}
	wf.Version++
	return nil
}

func scanWorkflow(row scanner) (*model.Workflow, error) {
	var wf model.Workflow
	var taskIDsJSON, status, createdAt, updatedAt string
	var partial, notified int
	var completedAt *string

	if err := row.Scan(&wf.ID, &wf.TenantID, &wf.Name, &taskIDsJSON, &status,
		&partial, &notified, &wf.Version, &createdAt, &updatedAt, &completedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(taskIDsJSON), &wf.TaskIDs); err != nil {
		return nil, fmt.Errorf("unmarshal task ids: %w", err)
	}
	wf.Status = model.WorkflowStatus(status)
	wf.PartialTolerant = partial != 0
	wf.Notified = notified != 0
	wf.CreatedAt = parseTime(createdAt)
	wf.UpdatedAt = parseTime(updatedAt)
	wf.CompletedAt = parseTimePtr(completedAt)
	return &wf, nil
}

func scanWorkflows(rows *sql.Rows) ([]*model.Workflow, error) {
	var workflows []*model.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// --- Task operations ---

const taskColumns = `id, workflow_id, name, queue, tenant_id, tenant_tier, priority_class, task_type,
	dependency, payload_ref, inputs, depends_on, state, attempts, max_retries, backoff,
	checkpoint_ref, result_ref, content_hash, no_cache, handle, last_error, history,
	timeout_ms, deadline, eligible_at, version, created_at, updated_at, started_at, completed_at`

// taskJSON holds the JSON-encoded columns of a task.
type taskJSON struct {
	inputs, dependsOn, backoff, lastError, history string
}

func encodeTask(t *model.Task) (taskJSON, error) {
	var j taskJSON
	var err error
	if j.inputs, err = marshalJSON(t.Inputs); err != nil {
		return j, fmt.Errorf("marshal inputs: %w", err)
	}
	if j.dependsOn, err = marshalJSON(t.DependsOn); err != nil {
		return j, fmt.Errorf("marshal depends_on: %w", err)
	}
	if j.backoff, err = marshalJSON(t.Backoff); err != nil {
		return j, fmt.Errorf("marshal backoff: %w", err)
	}
	if j.lastError, err = marshalJSON(t.LastError); err != nil {
		return j, fmt.Errorf("marshal last_error: %w", err)
	}
	if j.history, err = marshalJSON(t.History); err != nil {
		return j, fmt.Errorf("marshal history: %w", err)
	}
	return j, nil
}

func (s *SQLStore) insertTask(ctx context.Context, q querier, t *model.Task) error {
	if t.Version == 0 {
		t.Version = 1
	}
	j, err := encodeTask(t)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, q,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (`+placeholders(31)+`)`,
		t.ID, t.WorkflowID, t.Name, t.QueueName, t.TenantID, t.TenantTier, t.PriorityClass, t.TaskType,
		t.Dependency, t.PayloadRef, j.inputs, j.dependsOn, string(t.State), t.Attempts, t.MaxRetries, j.backoff,
		t.CheckpointRef, t.ResultRef, t.ContentHash, boolToInt(t.NoCache), t.Handle, j.lastError, j.history,
		t.TimeoutMs, formatTimePtr(t.Deadline), formatTimePtr(t.EligibleAt), t.Version,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt), formatTimePtr(t.StartedAt), formatTimePtr(t.CompletedAt),
	)
	return err
}

func (s *SQLStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	s.logger.Debug("sql", "op", "select", "table", "tasks", "id", id)

	task, err := scanTask(s.queryRow(ctx, s.db, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return task, err
}

func (s *SQLStore) ListTasksByWorkflow(ctx context.Context, workflowID string) ([]*model.Task, error) {
	s.logger.Debug("sql", "op", "list_by_workflow", "table", "tasks", "workflow_id", workflowID)

	rows, err := s.query(ctx, s.db,
		`SELECT `+taskColumns+` FROM tasks WHERE workflow_id = ? ORDER BY created_at, id`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListTasksByState returns tasks in any of the given states, oldest first.
func (s *SQLStore) ListTasksByState(ctx context.Context, states ...model.TaskState) ([]*model.Task, error) {
	s.logger.Debug("sql", "op", "list_by_state", "table", "tasks", "states", states)
	if len(states) == 0 {
		return nil, nil
	}

	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}
	rows, err := s.query(ctx, s.db,
		`SELECT `+taskColumns+` FROM tasks WHERE state IN (`+placeholders(len(args))+`) ORDER BY created_at, id`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *SQLStore) ListQueueTasks(ctx context.Context, queue string, states ...model.TaskState) ([]*model.Task, error) {
	s.logger.Debug("sql", "op", "list_by_queue", "table", "tasks", "queue", queue, "states", states)
	if len(states) == 0 {
		return nil, nil
	}

	args := []any{queue}
	for _, st := range states {
		args = append(args, string(st))
	}
	rows, err := s.query(ctx, s.db,
		`SELECT `+taskColumns+` FROM tasks WHERE queue = ? AND state IN (`+placeholders(len(states))+`)
		 ORDER BY created_at, id`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// CountTasksByQueue returns the number of tasks in state, keyed by queue.
func (s *SQLStore) CountTasksByQueue(ctx context.Context, state model.TaskState) (map[string]int, error) {
	s.logger.Debug("sql", "op", "count_by_queue", "table", "tasks", "state", state)

	rows, err := s.query(ctx, s.db,
		`SELECT queue, COUNT(*) FROM tasks WHERE state = ? GROUP BY queue`, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var queue string
		var n int
		if err := rows.Scan(&queue, &n); err != nil {
			return nil, err
		}
		counts[queue] = n
	}
	return counts, rows.Err()
}

func (s *SQLStore) UpdateTask(ctx context.Context, task *model.Task) error {
	s.logger.Debug("sql", "op", "update", "table", "tasks", "id", task.ID, "state", task.State, "version", task.Version)
	if err := s.updateTask(ctx, s.db, task); err != nil {
		return err
	}
	task.Version++
	return nil
}

func (s *SQLStore) updateTask(ctx context.Context, q querier, t *model.Task) error {
	j, err := encodeTask(t)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, q,
		`UPDATE tasks SET state = ?, attempts = ?, max_retries = ?, inputs = ?, backoff = ?,
		 checkpoint_ref = ?, result_ref = ?, content_hash = ?, handle = ?, last_error = ?, history = ?,
		 deadline = ?, eligible_at = ?, updated_at = ?, started_at = ?, completed_at = ?,
		 version = version + 1
		 WHERE id = ? AND version = ?`,
		string(t.State), t.Attempts, t.MaxRetries, j.inputs, j.backoff,
		t.CheckpointRef, t.ResultRef, t.ContentHash, t.Handle, j.lastError, j.history,
		formatTimePtr(t.Deadline), formatTimePtr(t.EligibleAt), formatTime(t.UpdatedAt),
		formatTimePtr(t.StartedAt), formatTimePtr(t.CompletedAt),
		t.ID, t.Version,
	)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *SQLStore) DeadLetterTask(ctx context.Context, task *model.Task, rec *model.DeadLetterRecord) error {
	s.logger.Debug("sql", "op", "dead_letter", "table", "tasks", "id", task.ID, "kind", rec.FinalError.Kind)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.updateTask(ctx, tx, task); err != nil {
			return err
		}
		return s.insertDeadLetter(ctx, tx, rec)
	})
	if err != nil {
		return err
	}
	task.Version++
	return nil
}

func scanTask(row scanner) (*model.Task, error) {
	var t model.Task
	var j taskJSON
	var state, createdAt, updatedAt string
	var noCache int
	var deadline, eligibleAt, startedAt, completedAt *string

	if err := row.Scan(
		&t.ID, &t.WorkflowID, &t.Name, &t.QueueName, &t.TenantID, &t.TenantTier, &t.PriorityClass, &t.TaskType,
		&t.Dependency, &t.PayloadRef, &j.inputs, &j.dependsOn, &state, &t.Attempts, &t.MaxRetries, &j.backoff,
		&t.CheckpointRef, &t.ResultRef, &t.ContentHash, &noCache, &t.Handle, &j.lastError, &j.history,
		&t.TimeoutMs, &deadline, &eligibleAt, &t.Version, &createdAt, &updatedAt, &startedAt, &completedAt,
	); err != nil {
		return nil, err
	}

	for _, f := range []struct {
		name string
		src  string
		dst  any
	}{
		{"inputs", j.inputs, &t.Inputs},
		{"depends_on", j.dependsOn, &t.DependsOn},
		{"backoff", j.backoff, &t.Backoff},
		{"last_error", j.lastError, &t.LastError},
		{"history", j.history, &t.History},
	} {
		if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
			return nil, fmt.Errorf("unmarshal %s of task %s: %w", f.name, t.ID, err)
		}
	}

	t.State = model.TaskState(state)
	t.NoCache = noCache != 0
	t.Deadline = parseTimePtr(deadline)
	t.EligibleAt = parseTimePtr(eligibleAt)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	t.StartedAt = parseTimePtr(startedAt)
	t.CompletedAt = parseTimePtr(completedAt)
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*model.Task, error) {
	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// --- Dead-letter operations ---

const deadLetterColumns = `id, task_id, workflow_id, tenant_id, queue, final_error, attempts_history, dead_lettered_at`

func (s *SQLStore) insertDeadLetter(ctx context.Context, q querier, rec *model.DeadLetterRecord) error {
	finalErrJSON, err := marshalJSON(rec.FinalError)
	if err != nil {
		return fmt.Errorf("marshal final error: %w", err)
	}
	historyJSON, err := marshalJSON(rec.AttemptsHistory)
	if err != nil {
		return fmt.Errorf("marshal attempts history: %w", err)
	}
	_, err = s.exec(ctx, q,
		`INSERT INTO dead_letters (`+deadLetterColumns+`) VALUES (`+placeholders(8)+`)`,
		rec.ID, rec.TaskID, rec.WorkflowID, rec.TenantID, rec.QueueName,
		finalErrJSON, historyJSON, formatTime(rec.DeadLetteredAt),
	)
	return err
}

func (s *SQLStore) GetDeadLetter(ctx context.Context, id string) (*model.DeadLetterRecord, error) {
	s.logger.Debug("sql", "op", "select", "table", "dead_letters", "id", id)

	rec, err := scanDeadLetter(s.queryRow(ctx, s.db,
		`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *SQLStore) ListDeadLetters(ctx context.Context, opts model.ListOptions) ([]*model.DeadLetterRecord, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "dead_letters", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	where, args := "", []any{}
	if opts.WorkflowID != "" {
		where = ` WHERE workflow_id = ?`
		args = append(args, opts.WorkflowID)
	}

	var total int
	if err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM dead_letters`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.query(ctx, s.db,
		`SELECT `+deadLetterColumns+` FROM dead_letters`+where+` ORDER BY dead_lettered_at DESC, id LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	recs, err := scanDeadLetters(rows)
	return recs, total, err
}

func (s *SQLStore) ListDeadLettersByWorkflow(ctx context.Context, workflowID string) ([]*model.DeadLetterRecord, error) {
	s.logger.Debug("sql", "op", "list_by_workflow", "table", "dead_letters", "workflow_id", workflowID)

	rows, err := s.query(ctx, s.db,
		`SELECT `+deadLetterColumns+` FROM dead_letters WHERE workflow_id = ? ORDER BY dead_lettered_at, id`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeadLetters(rows)
}

func (s *SQLStore) CountDeadLetters(ctx context.Context) (int, error) {
	var n int
	err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM dead_letters`).Scan(&n)
	return n, err
}

func scanDeadLetter(row scanner) (*model.DeadLetterRecord, error) {
	var rec model.DeadLetterRecord
	var finalErrJSON, historyJSON, at string
	if err := row.Scan(&rec.ID, &rec.TaskID, &rec.WorkflowID, &rec.TenantID, &rec.QueueName,
		&finalErrJSON, &historyJSON, &at); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(finalErrJSON), &rec.FinalError); err != nil {
		return nil, fmt.Errorf("unmarshal final error: %w", err)
	}
	if err := json.Unmarshal([]byte(historyJSON), &rec.AttemptsHistory); err != nil {
		return nil, fmt.Errorf("unmarshal attempts history: %w", err)
	}
	rec.DeadLetteredAt = parseTime(at)
	return &rec, nil
}

func scanDeadLetters(rows *sql.Rows) ([]*model.DeadLetterRecord, error) {
	var recs []*model.DeadLetterRecord
	for rows.Next() {
		rec, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- Circuit breaker operations ---

const breakerColumns = `dependency_id, state, failure_count, last_failure_at, opened_at, reset_timeout_ms, version, updated_at`

func (s *SQLStore) GetBreaker(ctx context.Context, dependencyID string) (*model.CircuitBreakerState, error) {
	s.logger.Debug("sql", "op", "select", "table", "breakers", "dependency_id", dependencyID)

	st, err := scanBreaker(s.queryRow(ctx, s.db,
		`SELECT `+breakerColumns+` FROM breakers WHERE dependency_id = ?`, dependencyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return st, err
}

func (s *SQLStore) ListBreakers(ctx context.Context) ([]*model.CircuitBreakerState, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+breakerColumns+` FROM breakers ORDER BY dependency_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*model.CircuitBreakerState
	for rows.Next() {
		st, err := scanBreaker(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

func (s *SQLStore) SaveBreaker(ctx context.Context, st *model.CircuitBreakerState) error {
	s.logger.Debug("sql", "op", "save", "table", "breakers", "dependency_id", st.DependencyID, "state", st.State)

	var (
		res sql.Result
		err error
	)
	if st.Version == 0 {
		res, err = s.exec(ctx, s.db,
			`INSERT INTO breakers (`+breakerColumns+`) VALUES (`+placeholders(8)+`)
			 ON CONFLICT (dependency_id) DO NOTHING`,
			st.DependencyID, string(st.State), st.FailureCount,
			formatTimePtr(st.LastFailureAt), formatTimePtr(st.OpenedAt),
			st.ResetTimeout.Milliseconds(), 1, formatTime(st.UpdatedAt),
		)
	} else {
		res, err = s.exec(ctx, s.db,
			`UPDATE breakers SET state = ?, failure_count = ?, last_failure_at = ?, opened_at = ?,
			 reset_timeout_ms = ?, updated_at = ?, version = version + 1
			 WHERE dependency_id = ? AND version = ?`,
			string(st.State), st.FailureCount, formatTimePtr(st.LastFailureAt), formatTimePtr(st.OpenedAt),
			st.ResetTimeout.Milliseconds(), formatTime(st.UpdatedAt),
			st.DependencyID, st.Version,
		)
	}
	if err != nil {
		return err
	}
	if err := expectOne(res); err != nil {
		return err
	}
	st.Version++
	return nil
}

func scanBreaker(row scanner) (*model.CircuitBreakerState, error) {
	var st model.CircuitBreakerState
	var state, updatedAt string
	var lastFailureAt, openedAt *string
	var resetMs int64
	if err := row.Scan(&st.DependencyID, &state, &st.FailureCount, &lastFailureAt, &openedAt,
		&resetMs, &st.Version, &updatedAt); err != nil {
		return nil, err
	}
	st.State = model.BreakerState(state)
	st.LastFailureAt = parseTimePtr(lastFailureAt)
	st.OpenedAt = parseTimePtr(openedAt)
	st.ResetTimeout = time.Duration(resetMs) * time.Millisecond
	st.UpdatedAt = parseTime(updatedAt)
	return &st, nil
}

// --- Cache operations ---

func (s *SQLStore) PutCacheEntry(ctx context.Context, e *model.CacheEntry) error {
	s.logger.Debug("sql", "op", "upsert", "table", "cache_entries", "hash", e.ContentHash)

	_, err := s.exec(ctx, s.db,
		`INSERT INTO cache_entries (content_hash, result_ref, size_bytes, created_at, last_accessed_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (content_hash) DO UPDATE SET
		   result_ref = excluded.result_ref,
		   size_bytes = excluded.size_bytes,
		   last_accessed_at = excluded.last_accessed_at`,
		e.ContentHash, e.ResultRef, e.SizeBytes, formatTime(e.CreatedAt), formatTime(e.LastAccessedAt),
	)
	return err
}

// ListCacheEntries returns all entries, least recently used first.
func (s *SQLStore) ListCacheEntries(ctx context.Context) ([]*model.CacheEntry, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT content_hash, result_ref, size_bytes, created_at, last_accessed_at
		 FROM cache_entries ORDER BY last_accessed_at, content_hash`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*model.CacheEntry
	for rows.Next() {
		var e model.CacheEntry
		var createdAt, accessedAt string
		if err := rows.Scan(&e.ContentHash, &e.ResultRef, &e.SizeBytes, &createdAt, &accessedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(createdAt)
		e.LastAccessedAt = parseTime(accessedAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *SQLStore) DeleteCacheEntry(ctx context.Context, contentHash string) error {
	s.logger.Debug("sql", "op", "delete", "table", "cache_entries", "hash", contentHash)
	_, err := s.exec(ctx, s.db, `DELETE FROM cache_entries WHERE content_hash = ?`, contentHash)
	return err
}
