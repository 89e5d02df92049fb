package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/anvil/internal/model"
)

// PutPidRecord creates or replaces the pid record of a task.
func (s *SQLiteStore) PutPidRecord(ctx context.Context, rec *model.PidRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO pid_records (task_id, pid, pgid, hostname, strategy, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.TaskID, rec.PID, rec.PGID, rec.Hostname, rec.Strategy, rec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("put pid record: %w", err)
	}
	return nil
}

// GetPidRecord returns the pid record of a task or ErrNotFound.
func (s *SQLiteStore) GetPidRecord(ctx context.Context, taskID string) (*model.PidRecord, error) {
	rec := &model.PidRecord{}
	err := s.db.QueryRowContext(ctx,
		`SELECT task_id, pid, pgid, hostname, strategy, started_at
		FROM pid_records WHERE task_id = ?`, taskID,
	).Scan(&rec.TaskID, &rec.PID, &rec.PGID, &rec.Hostname, &rec.Strategy, &rec.StartedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pid record: %w", err)
	}
	return rec, nil
}

// DeletePidRecord removes a task's pid record. Deleting a missing record is
// not an error.
func (s *SQLiteStore) DeletePidRecord(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM pid_records WHERE task_id = ?", taskID); err != nil {
		return fmt.Errorf("delete pid record: %w", err)
	}
	return nil
}

// AcquireLock reaps an abandoned lock on bucket, then tries to insert a new
// one. Re-acquiring a lock already held by the same holder succeeds.
func (s *SQLiteStore) AcquireLock(ctx context.Context, bucket, holder string, maxHold time.Duration) (bool, error) {
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM image_locks WHERE bucket = ? AND acquired_ns < ?",
		bucket, now.Add(-maxHold).UnixNano(),
	); err != nil {
		return false, fmt.Errorf("reap lock: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO image_locks (bucket, holder, acquired_ns) VALUES (?, ?, ?)",
		bucket, holder, now.UnixNano(),
	); err != nil {
		return false, fmt.Errorf("insert lock: %w", err)
	}

	var current string
	if err := tx.QueryRowContext(ctx,
		"SELECT holder FROM image_locks WHERE bucket = ?", bucket,
	).Scan(&current); err != nil {
		return false, fmt.Errorf("read lock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit lock: %w", err)
	}
	return current == holder, nil
}

// ReleaseLock releases bucket if holder still holds it.
func (s *SQLiteStore) ReleaseLock(ctx context.Context, bucket, holder string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM image_locks WHERE bucket = ? AND holder = ?", bucket, holder,
	); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// ReleaseLocksHeldBy releases every lock held by holder.
func (s *SQLiteStore) ReleaseLocksHeldBy(ctx context.Context, holder string) (int, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM image_locks WHERE holder = ?", holder)
	if err != nil {
		return 0, fmt.Errorf("release locks: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}

// GetLock returns the current holder of bucket or ErrNotFound.
func (s *SQLiteStore) GetLock(ctx context.Context, bucket string) (*model.ImageLock, error) {
	var (
		lock model.ImageLock
		ns   int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT bucket, holder, acquired_ns FROM image_locks WHERE bucket = ?", bucket,
	).Scan(&lock.Bucket, &lock.Holder, &ns)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lock: %w", err)
	}
	lock.AcquiredAt = time.Unix(0, ns).UTC()
	return &lock, nil
}
