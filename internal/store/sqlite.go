package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/anvil/internal/model"

	_ "modernc.org/sqlite"
)

// migrations run in order on every open. Each statement is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
    id            TEXT PRIMARY KEY,
    kind          TEXT NOT NULL,
    status        TEXT NOT NULL,
    trigger       TEXT NOT NULL,
    params        TEXT NOT NULL,
    summary       TEXT NOT NULL DEFAULT '',
    has_warnings  INTEGER NOT NULL DEFAULT 0,
    notice_logged INTEGER NOT NULL DEFAULT 0,
    retry_of      TEXT,
    created_at    DATETIME NOT NULL,
    started_at    DATETIME,
    finished_at   DATETIME,
    updated_at    DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
	`CREATE TABLE IF NOT EXISTS task_units (
    id          TEXT PRIMARY KEY,
    task_id     TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    position    INTEGER NOT NULL,
    unit        TEXT NOT NULL,
    image       TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL,
    phase       TEXT NOT NULL DEFAULT '',
    message     TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT '',
    started_at  DATETIME,
    finished_at DATETIME,
    updated_at  DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_task_units_task ON task_units(task_id, position)`,
	`CREATE INDEX IF NOT EXISTS idx_task_units_unit ON task_units(unit)`,
	`CREATE TABLE IF NOT EXISTS task_logs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    level      TEXT NOT NULL,
    action     TEXT NOT NULL,
    status     TEXT NOT NULL,
    summary    TEXT NOT NULL,
    unit       TEXT NOT NULL DEFAULT '',
    payload    TEXT,
    created_at DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs(task_id, id)`,
	`CREATE TABLE IF NOT EXISTS pid_records (
    task_id    TEXT PRIMARY KEY,
    pid        INTEGER NOT NULL,
    pgid       INTEGER NOT NULL,
    hostname   TEXT NOT NULL,
    strategy   TEXT NOT NULL,
    started_at DATETIME NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS image_locks (
    bucket      TEXT PRIMARY KEY,
    holder      TEXT NOT NULL,
    acquired_ns INTEGER NOT NULL
)`,
}

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite. The executor child process and
// the API server open the same database file; WAL mode and a busy timeout
// let them share it.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: pragmas below are per connection, and ":memory:"
	// databases are per connection too.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateTask inserts a new task and its units in one transaction.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.Task) error {
	if len(t.Units) == 0 {
		return ErrNoUnits
	}
	trigger, err := json.Marshal(t.Trigger)
	if err != nil {
		return fmt.Errorf("encode trigger: %w", err)
	}
	params, err := json.Marshal(t.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (
			id, kind, status, trigger, params, summary, has_warnings,
			retry_of, created_at, started_at, finished_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Kind, t.Status, string(trigger), string(params), t.Summary, t.HasWarnings,
		nullString(t.RetryOf), t.CreatedAt, t.StartedAt, t.FinishedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}

	for i, u := range t.Units {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO task_units (
				id, task_id, position, unit, image, status, phase, message, error,
				started_at, finished_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			u.ID, t.ID, i, u.Unit, u.Image, u.Status, u.Phase, u.Message, u.Error,
			u.StartedAt, u.FinishedAt, u.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert unit %s: %w", u.Unit, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit task: %w", err)
	}
	return nil
}

const taskColumns = `id, kind, status, trigger, params, summary, has_warnings,
	retry_of, created_at, started_at, finished_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var (
		t               model.Task
		trigger, params string
		retryOf         sql.NullString
	)
	if err := row.Scan(
		&t.ID, &t.Kind, &t.Status, &trigger, &params, &t.Summary, &t.HasWarnings,
		&retryOf, &t.CreatedAt, &t.StartedAt, &t.FinishedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(trigger), &t.Trigger); err != nil {
		return nil, fmt.Errorf("decode trigger of task %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(params), &t.Params); err != nil {
		return nil, fmt.Errorf("decode params of task %s: %w", t.ID, err)
	}
	t.RetryOf = retryOf.String
	return &t, nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadUnits(ctx context.Context, q queryer, taskID string) ([]*model.TaskUnit, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, task_id, unit, image, status, phase, message, error,
			started_at, finished_at, updated_at
		FROM task_units WHERE task_id = ? ORDER BY position`, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	defer rows.Close()

	var units []*model.TaskUnit
	for rows.Next() {
		u := &model.TaskUnit{}
		if err := rows.Scan(
			&u.ID, &u.TaskID, &u.Unit, &u.Image, &u.Status, &u.Phase, &u.Message, &u.Error,
			&u.StartedAt, &u.FinishedAt, &u.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate units: %w", err)
	}
	return units, nil
}

// GetTask retrieves a task and its units by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	t.Units, err = loadUnits(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListTasks returns a page of tasks, newest first, along with the total
// number of tasks matching the filter.
func (s *SQLiteStore) ListTasks(ctx context.Context, f TaskFilter) ([]*model.Task, int, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.Unit != "" {
		where = append(where, "id IN (SELECT task_id FROM task_units WHERE unit = ?)")
		args = append(args, f.Unit)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	// ULIDs sort by creation time, so id order is creation order.
	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks`+clause+` ORDER BY id DESC LIMIT ? OFFSET ?`,
		append(args, limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}
	rows.Close()

	for _, t := range tasks {
		if t.Units, err = loadUnits(ctx, tx, t.ID); err != nil {
			return nil, 0, err
		}
	}

	return tasks, total, nil
}

// TransitionTask implements the status compare-and-set. Entering running
// stamps started_at once; entering a terminal status stamps finished_at.
func (s *SQLiteStore) TransitionTask(ctx context.Context, id string, to model.Status, summary string) error {
	var from []any
	for _, st := range []model.Status{model.StatusPending, model.StatusRunning} {
		if model.ValidTransition(st, to) {
			from = append(from, st)
		}
	}
	if len(from) == 0 {
		return s.transitionError(ctx, id, to)
	}

	now := time.Now().UTC()
	var startedAt, finishedAt *time.Time
	if to == model.StatusRunning {
		startedAt = &now
	}
	if to.IsTerminal() {
		finishedAt = &now
	}

	args := []any{to, summary, startedAt, finishedAt, now, id}
	args = append(args, from...)
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET
			status = ?,
			summary = COALESCE(NULLIF(?, ''), summary),
			started_at = COALESCE(started_at, ?),
			finished_at = COALESCE(?, finished_at),
			updated_at = ?
		WHERE id = ? AND status IN (`+placeholders(len(from))+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("transition task: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return s.transitionError(ctx, id, to)
	}
	return nil
}

// transitionError explains a refused transition: the task is missing, or it
// is in a status that cannot move to `to`.
func (s *SQLiteStore) transitionError(ctx context.Context, id string, to model.Status) error {
	var current model.Status
	err := s.db.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read task status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
}

// SetTaskSummary replaces a task's summary.
func (s *SQLiteStore) SetTaskSummary(ctx context.Context, id, summary string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET summary = ?, updated_at = ? WHERE id = ?",
		summary, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set summary: %w", err)
	}
	return expectOne(result)
}

// MarkNoticeLogged sets notice_logged once.
func (s *SQLiteStore) MarkNoticeLogged(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET notice_logged = 1 WHERE id = ? AND notice_logged = 0", id,
	)
	if err != nil {
		return false, fmt.Errorf("mark notice: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, "SELECT 1 FROM tasks WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read task: %w", err)
	}
	return false, nil
}

// UpdateUnit writes the mutable fields of a pending or running unit.
func (s *SQLiteStore) UpdateUnit(ctx context.Context, u *model.TaskUnit) error {
	u.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE task_units SET
			image = ?, status = ?, phase = ?, message = ?, error = ?,
			started_at = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		u.Image, u.Status, u.Phase, u.Message, u.Error,
		u.StartedAt, u.FinishedAt, u.UpdatedAt,
		u.ID, model.StatusPending, model.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("update unit: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var current model.Status
	err = s.db.QueryRowContext(ctx, "SELECT status FROM task_units WHERE id = ?", u.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read unit status: %w", err)
	}
	return fmt.Errorf("%w: unit %s is %s", ErrInvalidTransition, u.Unit, current)
}

// CancelOpenUnits cancels every unit that has not reached a terminal status.
func (s *SQLiteStore) CancelOpenUnits(ctx context.Context, taskID, message string) (int, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE task_units SET status = ?, message = ?, finished_at = ?, updated_at = ?
		WHERE task_id = ? AND status IN (?, ?)`,
		model.StatusCancelled, message, now, now,
		taskID, model.StatusPending, model.StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel units: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}

// GetStats computes aggregate statistics across all tasks.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &Stats{
		CountByStatus: make(map[string]int),
		CountByKind:   make(map[string]int),
	}

	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(has_warnings), 0) FROM tasks",
	).Scan(&stats.Total, &stats.WithWarnings); err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}

	if err := countInto(ctx, tx, "SELECT status, COUNT(*) FROM tasks GROUP BY status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := countInto(ctx, tx, "SELECT kind, COUNT(*) FROM tasks GROUP BY kind", stats.CountByKind); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT started_at, finished_at FROM tasks WHERE started_at IS NOT NULL AND finished_at IS NOT NULL",
	)
	if err != nil {
		return nil, fmt.Errorf("query durations: %w", err)
	}
	var sum time.Duration
	var n int
	for rows.Next() {
		var started, finished time.Time
		if err := rows.Scan(&started, &finished); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan duration: %w", err)
		}
		sum += finished.Sub(started)
		n++
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate durations: %w", err)
	}
	rows.Close()
	if n > 0 {
		stats.AvgDurationMS = float64(sum.Milliseconds()) / float64(n)
	}

	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM image_locks").Scan(&stats.HeldLocks); err != nil {
		return nil, fmt.Errorf("count locks: %w", err)
	}

	return stats, nil
}

func countInto(ctx context.Context, tx *sql.Tx, query string, into map[string]int) error {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("count: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("scan count: %w", err)
		}
		into[key] = count
	}
	return rows.Err()
}

func expectOne(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
