package store

import (
	"context"
	"fmt"
	"time"

	"github.com/seantiz/anvil/internal/model"
)

// AppendLog inserts a log entry. Entries at warn or error level also set the
// task's has_warnings flag in the same transaction.
func (s *SQLiteStore) AppendLog(ctx context.Context, e *model.LogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var payload any
	if len(e.Payload) > 0 {
		payload = string(e.Payload)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO task_logs (task_id, level, action, status, summary, unit, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TaskID, e.Level, e.Action, e.Status, e.Summary, e.Unit, payload, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("read log entry id: %w", err)
	}

	if e.Level == model.LevelWarn || e.Level == model.LevelError {
		if _, err := tx.ExecContext(ctx,
			"UPDATE tasks SET has_warnings = 1 WHERE id = ?", e.TaskID,
		); err != nil {
			return fmt.Errorf("flag warnings: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit log entry: %w", err)
	}
	e.ID = id
	return nil
}

// GetLogs returns the task's entries after afterID, ordered by id.
func (s *SQLiteStore) GetLogs(ctx context.Context, taskID string, afterID int64) ([]model.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, level, action, status, summary, unit, payload, created_at
		FROM task_logs WHERE task_id = ? AND id > ? ORDER BY id`,
		taskID, afterID,
	)
	if err != nil {
		return nil, fmt.Errorf("get logs: %w", err)
	}
	defer rows.Close()

	entries := []model.LogEntry{}
	for rows.Next() {
		var (
			e       model.LogEntry
			payload []byte
		)
		if err := rows.Scan(
			&e.ID, &e.TaskID, &e.Level, &e.Action, &e.Status, &e.Summary, &e.Unit, &payload, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		if len(payload) > 0 {
			e.Payload = payload
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate logs: %w", err)
	}
	return entries, nil
}
