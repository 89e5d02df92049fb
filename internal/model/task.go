package model

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state shared by tasks and task units.
type Status string

// Status constants. Everything except pending and running is terminal.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
	StatusUnknown   Status = "unknown"
)

// Kind identifies what created a task.
type Kind string

// Task kind constants.
const (
	KindManual      Kind = "manual"
	KindWebhook     Kind = "webhook"
	KindScheduler   Kind = "scheduler"
	KindMaintenance Kind = "maintenance"
	KindInternal    Kind = "internal"
)

// Log levels for task log entries.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Unit phase hints, recorded while a unit is running.
const (
	PhasePull    = "pull"
	PhaseRestart = "restart"
	PhaseHealth  = "health"
	PhaseVerify  = "verify"
)

// terminalStatuses is the set of statuses a task or unit never leaves.
var terminalStatuses = map[Status]bool{
	StatusSucceeded: true,
	StatusFailed:    true,
	StatusCancelled: true,
	StatusSkipped:   true,
	StatusUnknown:   true,
}

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
		StatusSkipped:   true,
		StatusUnknown:   true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusFailed:    true,
		StatusCancelled: true,
		StatusSkipped:   true,
		StatusUnknown:   true,
	},
}

// IsTerminal reports whether s is one of the five terminal statuses.
func (s Status) IsTerminal() bool {
	return terminalStatuses[s]
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusPending || s == StatusRunning || terminalStatuses[s]
}

// TerminalStatuses returns the terminal statuses in precedence order, worst first.
func TerminalStatuses() []Status {
	return []Status{StatusFailed, StatusUnknown, StatusCancelled, StatusSkipped, StatusSucceeded}
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to Status) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Valid reports whether k is a known task kind.
func (k Kind) Valid() bool {
	switch k {
	case KindManual, KindWebhook, KindScheduler, KindMaintenance, KindInternal:
		return true
	}
	return false
}

// Trigger records where a task came from.
type Trigger struct {
	Source string `json:"source"`
	Caller string `json:"caller,omitempty"`
	Reason string `json:"reason,omitempty"`
	Path   string `json:"path,omitempty"`
}

// Params are the execution parameters copied forward on retry.
type Params struct {
	PullImage     bool   `json:"pull_image"`
	Image         string `json:"image,omitempty"`
	SkipUnchanged bool   `json:"skip_unchanged,omitempty"`
}

// Task is one orchestrated attempt to bring a set of units to a desired state.
type Task struct {
	ID          string     `json:"id"`
	Kind        Kind       `json:"kind"`
	Trigger     Trigger    `json:"trigger"`
	Params      Params     `json:"params"`
	Status      Status     `json:"status"`
	Summary     string     `json:"summary,omitempty"`
	HasWarnings bool       `json:"has_warnings"`
	RetryOf     string     `json:"retry_of,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`

	Units []*TaskUnit `json:"units,omitempty"`
}

// CanStop reports whether a graceful stop would change anything.
func (t *Task) CanStop() bool {
	return !t.Status.IsTerminal()
}

// CanForceStop reports whether a force stop is allowed. A cancelled task may
// still have a lingering executor, so force stop stays available for it.
func (t *Task) CanForceStop() bool {
	return !t.Status.IsTerminal() || t.Status == StatusCancelled
}

// CanRetry reports whether a retry may be created from this task.
func (t *Task) CanRetry() bool {
	return t.Status.IsTerminal()
}

// UnitNames returns the names of the task's units in creation order.
func (t *Task) UnitNames() []string {
	names := make([]string, len(t.Units))
	for i, u := range t.Units {
		names[i] = u.Unit
	}
	return names
}

// MarshalJSON adds the derived control flags to the encoded task.
func (t *Task) MarshalJSON() ([]byte, error) {
	type alias Task
	return json.Marshal(struct {
		*alias
		CanStop      bool `json:"can_stop"`
		CanForceStop bool `json:"can_force_stop"`
		CanRetry     bool `json:"can_retry"`
	}{
		alias:        (*alias)(t),
		CanStop:      t.CanStop(),
		CanForceStop: t.CanForceStop(),
		CanRetry:     t.CanRetry(),
	})
}

// TaskUnit is the per-unit state of a task.
type TaskUnit struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	Unit       string     `json:"unit"`
	Image      string     `json:"image,omitempty"`
	Status     Status     `json:"status"`
	Phase      string     `json:"phase,omitempty"`
	Message    string     `json:"message,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// LogEntry is a single append-only task log record. ID equals append order.
type LogEntry struct {
	ID        int64           `json:"id"`
	TaskID    string          `json:"task_id"`
	Level     string          `json:"level"`
	Action    string          `json:"action"`
	Status    Status          `json:"status"`
	Summary   string          `json:"summary"`
	Unit      string          `json:"unit,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// PidRecord maps a task to the process executing it. It lives outside process
// memory so that a process other than the spawner can find the executor.
type PidRecord struct {
	TaskID    string    `json:"task_id"`
	PID       int       `json:"pid"`
	PGID      int       `json:"pgid"`
	Hostname  string    `json:"hostname"`
	Strategy  string    `json:"strategy"`
	StartedAt time.Time `json:"started_at"`
}

// ImageLock serializes pulls of one image repository bucket.
type ImageLock struct {
	Bucket     string    `json:"bucket"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
}
