package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskscheduler/internal/domain"
)

var ErrNotFound = errors.New("not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  category TEXT NOT NULL DEFAULT 'default',
  handler TEXT NOT NULL DEFAULT 'noop',
  payload BLOB,
  due_at INTEGER,
  cron_expr TEXT,
  priority INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL CHECK(status IN ('waiting','queued','running','completed','failed','cancelled')) DEFAULT 'waiting',
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 3,
  last_error TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status_due ON tasks(status, due_at);
CREATE TABLE IF NOT EXISTS task_executions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  task_name TEXT NOT NULL,
  executed_at INTEGER NOT NULL,
  outcome TEXT NOT NULL CHECK(outcome IN ('completed','failed')),
  duration_ms INTEGER NOT NULL DEFAULT 0,
  error TEXT
);
CREATE INDEX IF NOT EXISTS idx_task_executions_task ON task_executions(task_id, executed_at DESC);
CREATE INDEX IF NOT EXISTS idx_task_executions_outcome ON task_executions(outcome, executed_at DESC);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	Save(ctx context.Context, t *domain.Task) error
	SaveIf(ctx context.Context, t domain.Task, from ...domain.Status) (bool, error)
	Transition(ctx context.Context, id string, to domain.Status, from ...domain.Status) (bool, error)
	Delete(ctx context.Context, id string) error
	FindByID(ctx context.Context, id string) (domain.Task, error)
	FindByStatus(ctx context.Context, status domain.Status) ([]domain.Task, error)
	FindDueOneShot(ctx context.Context, before time.Time) ([]domain.Task, error)
	FindRecurringPending(ctx context.Context) ([]domain.Task, error)
	FindFailedRetryEligible(ctx context.Context) ([]domain.Task, error)
	ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error)

	// Execution log
	AppendLog(ctx context.Context, e domain.ExecutionLogEntry) error
	FindLogsByTask(ctx context.Context, taskID string) ([]domain.ExecutionLogEntry, error)
	FindLogsByOutcome(ctx context.Context, outcome domain.Status, limit int) ([]domain.ExecutionLogEntry, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

const taskColumns = `id,name,description,category,handler,payload,due_at,cron_expr,priority,status,retry_count,max_retries,last_error,created_at,updated_at`

func (r *sqliteRepo) Save(ctx context.Context, t *domain.Task) error {
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = "tsk_" + uuid.NewString()
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		if t.Status == "" {
			t.Status = domain.StatusWaiting
		}
		if t.Handler == "" {
			t.Handler = domain.DefaultHandler
		}
		t.UpdatedAt = now
		_, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`, t.ID, t.Name, t.Description, string(t.Category), t.Handler, []byte(t.Payload), nullMillis(t.DueAt), nullStr(t.CronExpr),
			t.Priority, string(t.Status), t.RetryCount, t.MaxRetries, nullStr(t.LastError), t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli())
		return err
	}
	t.UpdatedAt = now
	res, err := r.db.ExecContext(ctx, updateSQL, updateArgs(*t)...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const updateSQL = `
UPDATE tasks
SET name=?, description=?, category=?, handler=?, payload=?, due_at=?, cron_expr=?, priority=?,
    status=?, retry_count=?, max_retries=?, last_error=?, updated_at=?
WHERE id=?`

func updateArgs(t domain.Task) []any {
	return []any{t.Name, t.Description, string(t.Category), t.Handler, []byte(t.Payload), nullMillis(t.DueAt), nullStr(t.CronExpr),
		t.Priority, string(t.Status), t.RetryCount, t.MaxRetries, nullStr(t.LastError), t.UpdatedAt.UnixMilli(), t.ID}
}

func (r *sqliteRepo) SaveIf(ctx context.Context, t domain.Task, from ...domain.Status) (bool, error) {
	t.UpdatedAt = time.Now().UTC()
	q := updateSQL
	args := updateArgs(t)
	if len(from) > 0 {
		q += " AND status IN (" + placeholders(len(from)) + ")"
		args = append(args, statusArgs(from)...)
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *sqliteRepo) Transition(ctx context.Context, id string, to domain.Status, from ...domain.Status) (bool, error) {
	q := `UPDATE tasks SET status=?, updated_at=? WHERE id=?`
	args := []any{string(to), time.Now().UTC().UnixMilli(), id}
	if len(from) > 0 {
		q += " AND status IN (" + placeholders(len(from)) + ")"
		args = append(args, statusArgs(from)...)
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *sqliteRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM tasks WHERE id=?", id)
	return err
}

func (r *sqliteRepo) FindByID(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	return t, err
}

func (r *sqliteRepo) FindByStatus(ctx context.Context, status domain.Status) ([]domain.Task, error) {
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status=? ORDER BY created_at`, string(status))
}

func (r *sqliteRepo) FindDueOneShot(ctx context.Context, before time.Time) ([]domain.Task, error) {
	return r.queryTasks(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE status='waiting' AND cron_expr IS NULL AND due_at IS NOT NULL AND due_at <= ?
ORDER BY due_at, priority DESC`, before.UTC().UnixMilli())
}

func (r *sqliteRepo) FindRecurringPending(ctx context.Context) ([]domain.Task, error) {
	return r.queryTasks(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE status='waiting' AND cron_expr IS NOT NULL
ORDER BY created_at`)
}

func (r *sqliteRepo) FindFailedRetryEligible(ctx context.Context) ([]domain.Task, error) {
	return r.queryTasks(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE status='failed' AND retry_count < max_retries
ORDER BY updated_at`)
}

func (r *sqliteRepo) ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC LIMIT ?`, limit)
}

func (r *sqliteRepo) AppendLog(ctx context.Context, e domain.ExecutionLogEntry) error {
	if e.Outcome != domain.StatusCompleted && e.Outcome != domain.StatusFailed {
		return fmt.Errorf("invalid execution outcome %q", e.Outcome)
	}
	if e.ExecutedAt.IsZero() {
		e.ExecutedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO task_executions(task_id, task_name, executed_at, outcome, duration_ms, error) VALUES (?,?,?,?,?,?)`,
		e.TaskID, e.TaskName, e.ExecutedAt.UTC().UnixMilli(), string(e.Outcome), e.DurationMillis, nullStr(e.Error))
	return err
}

func (r *sqliteRepo) FindLogsByTask(ctx context.Context, taskID string) ([]domain.ExecutionLogEntry, error) {
	return r.queryLogs(ctx, `
SELECT id,task_id,task_name,executed_at,outcome,duration_ms,error
FROM task_executions WHERE task_id=? ORDER BY executed_at DESC, id DESC`, taskID)
}

func (r *sqliteRepo) FindLogsByOutcome(ctx context.Context, outcome domain.Status, limit int) ([]domain.ExecutionLogEntry, error) {
	return r.queryLogs(ctx, `
SELECT id,task_id,task_name,executed_at,outcome,duration_ms,error
FROM task_executions WHERE outcome=? ORDER BY executed_at DESC, id DESC LIMIT ?`, string(outcome), limit)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (domain.Task, error) {
	var (
		t                   domain.Task
		category, status    string
		payload             []byte
		dueAt               sql.NullInt64
		cronExpr, lastError sql.NullString
		createdAt, updated  int64
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &category, &t.Handler, &payload, &dueAt, &cronExpr,
		&t.Priority, &status, &t.RetryCount, &t.MaxRetries, &lastError, &createdAt, &updated); err != nil {
		return domain.Task{}, err
	}
	t.Category = domain.Category(category)
	t.Status = domain.Status(status)
	if len(payload) > 0 {
		t.Payload = payload
	}
	if dueAt.Valid {
		d := time.UnixMilli(dueAt.Int64).UTC()
		t.DueAt = &d
	}
	t.CronExpr = cronExpr.String
	t.LastError = lastError.String
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()
	return t, nil
}

func (r *sqliteRepo) queryTasks(ctx context.Context, q string, args ...any) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *sqliteRepo) queryLogs(ctx context.Context, q string, args ...any) ([]domain.ExecutionLogEntry, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.ExecutionLogEntry
	for rows.Next() {
		var (
			e          domain.ExecutionLogEntry
			executedAt int64
			outcome    string
			errMsg     sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &e.TaskName, &executedAt, &outcome, &e.DurationMillis, &errMsg); err != nil {
			return nil, err
		}
		e.ExecutedAt = time.UnixMilli(executedAt).UTC()
		e.Outcome = domain.Status(outcome)
		e.Error = errMsg.String
		logs = append(logs, e)
	}
	return logs, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func statusArgs(ss []domain.Status) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}
