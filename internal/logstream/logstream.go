// Package logstream serves a task's log as a snapshot or as a live stream
// that always finishes with exactly one end event.
package logstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/anvil/internal/model"
)

// Event types.
const (
	EventLog = "log"
	EventEnd = "end"
)

// End reasons.
const (
	EndTerminal    = "terminal"
	EndBudget      = "budget"
	EndUnreachable = "unreachable"
	EndCancelled   = "cancelled"
)

// DefaultPollInterval is how often a follower rereads the store when no
// in-process notification arrives. Executors usually run in another process.
const DefaultPollInterval = time.Second

// Source reads tasks and their logs. store.Store satisfies it.
type Source interface {
	GetTask(ctx context.Context, id string) (*model.Task, error)
	GetLogs(ctx context.Context, taskID string, afterID int64) ([]model.LogEntry, error)
}

// Notifier wakes followers when an entry is appended in this process.
// *engine.LogBroker satisfies it.
type Notifier interface {
	Subscribe(taskID string) (<-chan int64, func())
}

// End closes a stream.
type End struct {
	Reason string       `json:"reason"`
	Status model.Status `json:"status,omitempty"`
	LastID int64        `json:"last_id"`
}

// Event is one stream message: a log entry or the end marker.
type Event struct {
	Type  string          `json:"type"`
	Entry *model.LogEntry `json:"entry,omitempty"`
	End   *End            `json:"end,omitempty"`
}

// Snapshot is a task with its full log. For a terminal task it is a fixed
// point.
type Snapshot struct {
	Task    *model.Task      `json:"task"`
	Entries []model.LogEntry `json:"entries"`
}

var activeStreams = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "anvil_log_streams_active",
	Help: "Log streams currently being followed.",
})

var streamEnds = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "anvil_log_stream_ends_total",
		Help: "Log streams ended, by reason.",
	},
	[]string{"reason"},
)

func init() {
	prometheus.MustRegister(activeStreams, streamEnds)
}

// Streamer reads task logs for snapshots and followers.
type Streamer struct {
	src    Source
	notify Notifier
	poll   time.Duration
	logger *slog.Logger
}

// New creates a Streamer. notify may be nil, in which case followers rely on
// polling alone.
func New(src Source, notify Notifier, poll time.Duration, logger *slog.Logger) *Streamer {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Streamer{src: src, notify: notify, poll: poll, logger: logger}
}

// Snapshot returns the task and every entry appended so far.
func (s *Streamer) Snapshot(ctx context.Context, taskID string) (*Snapshot, error) {
	t, err := s.src.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	entries, err := s.src.GetLogs(ctx, taskID, 0)
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	return &Snapshot{Task: t, Entries: entries}, nil
}

// Follow emits entries with an id greater than after, then new entries as
// they appear, then exactly one end event. The stream ends when the task is
// terminal, when budget elapses, when the task can no longer be read, or
// when ctx is cancelled. An error is returned only when emit fails; the end
// event is then not delivered.
func (s *Streamer) Follow(ctx context.Context, taskID string, after int64, budget time.Duration, emit func(Event) error) (End, error) {
	activeStreams.Inc()
	defer activeStreams.Dec()

	var wake <-chan int64
	if s.notify != nil {
		ch, unsub := s.notify.Subscribe(taskID)
		defer unsub()
		wake = ch
	}

	var deadline <-chan time.Time
	if budget > 0 {
		timer := time.NewTimer(budget)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	cursor := after
	flush := func() error {
		entries, err := s.src.GetLogs(ctx, taskID, cursor)
		if err != nil {
			return err
		}
		for i := range entries {
			if err := emit(Event{Type: EventLog, Entry: &entries[i]}); err != nil {
				return &emitError{err}
			}
			cursor = entries[i].ID
		}
		return nil
	}

	finish := func(reason string, status model.Status) (End, error) {
		end := End{Reason: reason, Status: status, LastID: cursor}
		streamEnds.WithLabelValues(reason).Inc()
		if err := emit(Event{Type: EventEnd, End: &end}); err != nil {
			return end, err
		}
		return end, nil
	}

	for {
		if err := flush(); err != nil {
			var ee *emitError
			if errors.As(err, &ee) {
				return End{LastID: cursor}, ee.err
			}
			if ctx.Err() != nil {
				return finish(EndCancelled, "")
			}
			s.logger.Warn("log stream read failed", "task_id", taskID, "error", err)
			return finish(EndUnreachable, "")
		}

		t, err := s.src.GetTask(ctx, taskID)
		if err != nil {
			if ctx.Err() != nil {
				return finish(EndCancelled, "")
			}
			return finish(EndUnreachable, "")
		}
		if t.Status.IsTerminal() {
			// The final entries are appended before the terminal transition.
			if err := flush(); err != nil {
				var ee *emitError
				if errors.As(err, &ee) {
					return End{LastID: cursor}, ee.err
				}
			}
			return finish(EndTerminal, t.Status)
		}

		select {
		case <-ctx.Done():
			return finish(EndCancelled, t.Status)
		case <-deadline:
			if err := flush(); err != nil {
				var ee *emitError
				if errors.As(err, &ee) {
					return End{LastID: cursor}, ee.err
				}
			}
			return finish(EndBudget, t.Status)
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		case <-ticker.C:
		}
	}
}

type emitError struct{ err error }

func (e *emitError) Error() string { return e.err.Error() }
