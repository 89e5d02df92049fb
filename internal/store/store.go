package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/anvil/internal/model"
)

var (
	// ErrNotFound is returned when a task, unit, or pid record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a status change is not allowed,
	// most importantly any change away from a terminal status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNoUnits is returned when a task is created without units.
	ErrNoUnits = errors.New("task has no units")
)

// TaskFilter narrows ListTasks. Zero values match everything. A Limit of
// zero or less means no limit.
type TaskFilter struct {
	Status model.Status
	Kind   model.Kind
	Unit   string
	Limit  int
	Offset int
}

// Stats holds aggregate task statistics.
type Stats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByKind   map[string]int `json:"count_by_kind"`
	WithWarnings  int            `json:"with_warnings"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	HeldLocks     int            `json:"held_locks"`
}

// Store defines the persistence operations for tasks, their logs, pid
// records and image locks.
type Store interface {
	// CreateTask inserts a task and all of its units atomically.
	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]*model.Task, int, error)

	// TransitionTask moves a task to status `to` if the transition is valid
	// from its current status, as a single compare-and-set. A non-empty
	// summary replaces the stored one.
	TransitionTask(ctx context.Context, id string, to model.Status, summary string) error

	// SetTaskSummary replaces the summary. Allowed in any status.
	SetTaskSummary(ctx context.Context, id, summary string) error

	// MarkNoticeLogged flips the task's notice flag and reports whether this
	// call was the one that flipped it.
	MarkNoticeLogged(ctx context.Context, id string) (bool, error)

	// UpdateUnit writes a unit's mutable fields. Units already in a terminal
	// status are not modified.
	UpdateUnit(ctx context.Context, u *model.TaskUnit) error

	// CancelOpenUnits marks every pending or running unit of a task cancelled.
	CancelOpenUnits(ctx context.Context, taskID, message string) (int, error)

	// AppendLog persists e and sets e.ID to its append position.
	AppendLog(ctx context.Context, e *model.LogEntry) error

	// GetLogs returns entries with ID greater than afterID in append order.
	GetLogs(ctx context.Context, taskID string, afterID int64) ([]model.LogEntry, error)

	PutPidRecord(ctx context.Context, rec *model.PidRecord) error
	GetPidRecord(ctx context.Context, taskID string) (*model.PidRecord, error)
	DeletePidRecord(ctx context.Context, taskID string) error

	// AcquireLock takes the lock for bucket on behalf of holder. A lock held
	// longer than maxHold is considered abandoned and reaped first.
	AcquireLock(ctx context.Context, bucket, holder string, maxHold time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, bucket, holder string) error
	ReleaseLocksHeldBy(ctx context.Context, holder string) (int, error)
	GetLock(ctx context.Context, bucket string) (*model.ImageLock, error)

	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}
