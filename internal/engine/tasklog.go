package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/seantiz/anvil/internal/model"
)

// appendLog persists a log entry, then notifies stream subscribers. Entries
// are written even when ctx is cancelled. Failures are logged, never
// returned: a lost log line must not fail the task.
func (e *Engine) appendLog(ctx context.Context, taskID, level, action string, status model.Status, unit, summary string, payload any) {
	entry := &model.LogEntry{
		TaskID:    taskID,
		Level:     level,
		Action:    action,
		Status:    status,
		Summary:   summary,
		Unit:      unit,
		CreatedAt: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			e.logger.Error("failed to encode log payload", "task_id", taskID, "action", action, "error", err)
		} else {
			entry.Payload = raw
		}
	}

	if err := e.store.AppendLog(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.Error("failed to persist log entry", "task_id", taskID, "action", action, "error", err)
		return
	}
	e.broker.Publish(taskID, entry.ID)
}
