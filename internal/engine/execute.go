package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/store"
)

// Execute runs a dispatched task to completion. It is the executor side and
// normally runs in its own process. Cancelling ctx stops the task between
// steps and kills the command of the step in progress, except pulls, which
// run to completion so the image store is never left half-written.
func (e *Engine) Execute(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "task.execute", trace.WithAttributes(attribute.String("task.id", id)))
	defer span.End()

	// Bookkeeping must land even after a stop cancelled ctx.
	sctx := context.WithoutCancel(ctx)

	t, err := e.store.GetTask(sctx, id)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("load task: %w", err)
	}
	defer e.removePidRecord(sctx, id)

	if t.Status.IsTerminal() {
		e.logger.Info("task already terminal, nothing to execute", "task_id", id, "status", t.Status)
		if t.Status == model.StatusCancelled {
			if _, err := e.store.CancelOpenUnits(sctx, id, "stopped before the executor reached it"); err != nil {
				e.logger.Error("failed to cancel units", "task_id", id, "error", err)
			}
		}
		e.broker.Close(id)
		return nil
	}
	if t.Status == model.StatusPending {
		if err := e.store.TransitionTask(sctx, id, model.StatusRunning, ""); err != nil {
			return fmt.Errorf("mark task running: %w", err)
		}
	}

	e.logger.Info("executing task", "task_id", id, "units", t.UnitNames(), "target", e.backend.Target())
	e.appendLog(sctx, id, model.LevelInfo, "execute", model.StatusRunning, "",
		fmt.Sprintf("executor running against %s", e.backend.Target()), nil)

	stopped := false
	for _, u := range t.Units {
		if u.Status.IsTerminal() {
			continue
		}
		if e.stopRequested(ctx, id) {
			stopped = true
			break
		}
		status := e.runUnit(ctx, t, u)
		unitsFinished.WithLabelValues(string(status)).Inc()
	}
	if stopped || ctx.Err() != nil {
		if _, err := e.store.CancelOpenUnits(sctx, id, "task stopped"); err != nil {
			e.logger.Error("failed to cancel units", "task_id", id, "error", err)
		}
	}

	status, err := e.settle(sctx, t)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.String("task.status", string(status)))
	if status != model.StatusSucceeded && status != model.StatusSkipped {
		span.SetStatus(codes.Error, string(status))
	}
	return nil
}

// settle aggregates unit statuses and moves the task to its terminal status.
// The summary entry is appended before the transition so that log followers
// ending on the terminal status have already seen it.
func (e *Engine) settle(ctx context.Context, t *model.Task) (model.Status, error) {
	defer e.broker.Close(t.ID)

	current, err := e.store.GetTask(ctx, t.ID)
	if err != nil {
		return "", fmt.Errorf("reload task: %w", err)
	}
	statuses := make([]model.Status, 0, len(current.Units))
	for _, u := range current.Units {
		statuses = append(statuses, u.Status)
	}
	status, err := model.Aggregate(statuses)
	if err != nil {
		return "", err
	}
	summary := summarize(status, current.Units)

	level := model.LevelInfo
	switch status {
	case model.StatusFailed:
		level = model.LevelError
	case model.StatusUnknown:
		level = model.LevelWarn
	}
	e.appendLog(ctx, t.ID, level, "summary", status, "", summary, unitOutcomes(current.Units))

	err = e.store.TransitionTask(ctx, t.ID, status, summary)
	if errors.Is(err, store.ErrInvalidTransition) {
		// Settled by a stop while units were still running. The status
		// stands; the summary gains what the units got to.
		settled, gerr := e.store.GetTask(ctx, t.ID)
		if gerr != nil {
			return "", fmt.Errorf("reload settled task: %w", gerr)
		}
		full := settled.Summary + "; " + describeUnits(current.Units)
		if serr := e.store.SetTaskSummary(ctx, t.ID, full); serr != nil {
			e.logger.Error("failed to update summary", "task_id", t.ID, "error", serr)
		}
		e.logger.Info("task settled elsewhere", "task_id", t.ID, "status", settled.Status)
		return settled.Status, nil
	}
	if err != nil {
		return "", fmt.Errorf("settle task: %w", err)
	}
	tasksFinished.WithLabelValues(string(t.Kind), string(status)).Inc()
	e.logger.Info("task finished", "task_id", t.ID, "status", status, "summary", summary)
	return status, nil
}

// stopRequested reports whether the executor should stop before its next
// step.
func (e *Engine) stopRequested(ctx context.Context, id string) bool {
	if ctx.Err() != nil {
		return true
	}
	t, err := e.store.GetTask(ctx, id)
	if err != nil {
		e.logger.Warn("could not check task status", "task_id", id, "error", err)
		return false
	}
	return t.Status == model.StatusCancelled
}

func (e *Engine) removePidRecord(ctx context.Context, id string) {
	if err := e.store.DeletePidRecord(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Error("failed to delete pid record", "task_id", id, "error", err)
	}
}

// runUnit walks one unit through its steps and returns its terminal status.
func (e *Engine) runUnit(ctx context.Context, t *model.Task, u *model.TaskUnit) model.Status {
	ctx, span := e.tracer.Start(ctx, "task.unit", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("unit", u.Unit),
	))
	defer span.End()

	u.Status = model.StatusRunning
	u.StartedAt = ptr(time.Now().UTC())
	if u.Image == "" {
		u.Image = t.Params.Image
	}
	e.updateUnit(ctx, u)

	pulled := false
	if t.Params.PullImage {
		e.setPhase(ctx, u, model.PhasePull)
		if u.Image == "" {
			img, err := e.unitImage(ctx, u.Unit)
			if err != nil {
				return e.failUnit(ctx, t, u, &StepError{Step: model.PhasePull, Unit: u.Unit, Err: err})
			}
			u.Image = img
		}
		if err := e.pull(ctx, t.ID, u.Unit, u.Image); err != nil {
			return e.failUnit(ctx, t, u, err)
		}
		pulled = true

		if t.Params.SkipUnchanged {
			if same, detail := e.unchanged(ctx, u.Unit, u.Image); same {
				e.appendLog(ctx, t.ID, model.LevelInfo, "summary", model.StatusSkipped, u.Unit,
					fmt.Sprintf("%s: skipped, %s", u.Unit, detail), nil)
				return e.finishUnit(ctx, u, model.StatusSkipped, detail, "")
			}
		}
	}

	if e.stopRequested(ctx, t.ID) {
		return e.cancelUnit(ctx, t, u)
	}
	e.setPhase(ctx, u, model.PhaseRestart)
	if err := e.restart(ctx, t.ID, u.Unit); err != nil {
		return e.failUnit(ctx, t, u, err)
	}

	if e.stopRequested(ctx, t.ID) {
		return e.cancelUnit(ctx, t, u)
	}
	e.setPhase(ctx, u, model.PhaseHealth)
	verdict, err := e.waitHealthy(ctx, t.ID, u.Unit)
	if err != nil {
		return e.failUnit(ctx, t, u, err)
	}

	if !pulled {
		e.appendLog(ctx, t.ID, model.LevelInfo, "summary", model.StatusSucceeded, u.Unit,
			fmt.Sprintf("%s: succeeded, restarted and %s", u.Unit, verdict), nil)
		return e.finishUnit(ctx, u, model.StatusSucceeded, "restarted and "+verdict, "")
	}

	if e.stopRequested(ctx, t.ID) {
		return e.cancelUnit(ctx, t, u)
	}
	e.setPhase(ctx, u, model.PhaseVerify)
	res := e.verifier.Verify(ctx, u.Unit, u.Image)
	level := model.LevelInfo
	msg := fmt.Sprintf("running %s", res.RunningDigest)
	if res.Status != model.StatusSucceeded {
		level = model.LevelWarn
		msg = res.Reason
	}
	if res.Status == model.StatusFailed {
		level = model.LevelError
	}
	e.appendLog(ctx, t.ID, level, "verify", res.Status, u.Unit, fmt.Sprintf("%s: %s", u.Unit, msg), res)

	if res.Status == model.StatusFailed {
		e.diagnose(ctx, t.ID, u.Unit)
	}
	e.appendLog(ctx, t.ID, level, "summary", res.Status, u.Unit, fmt.Sprintf("%s: %s, %s", u.Unit, res.Status, msg), nil)
	return e.finishUnit(ctx, u, res.Status, msg, "")
}

// failUnit records a failed step. A step that failed because the task was
// being stopped counts as cancelled instead.
func (e *Engine) failUnit(ctx context.Context, t *model.Task, u *model.TaskUnit, err error) model.Status {
	if ctx.Err() != nil {
		return e.cancelUnit(ctx, t, u)
	}

	var payload any
	var stepErr *StepError
	if errors.As(err, &stepErr) && (stepErr.Command != "" || stepErr.Output != "") {
		payload = map[string]string{
			"step":    stepErr.Step,
			"command": stepErr.Command,
			"output":  truncateOutput(stepErr.Output),
		}
	}
	e.appendLog(ctx, t.ID, model.LevelError, "step_failed", model.StatusFailed, u.Unit, oneLine(err.Error()), payload)
	e.diagnose(ctx, t.ID, u.Unit)

	msg := oneLine(err.Error())
	e.appendLog(ctx, t.ID, model.LevelError, "summary", model.StatusFailed, u.Unit,
		fmt.Sprintf("%s: failed during %s", u.Unit, u.Phase), nil)
	return e.finishUnit(ctx, u, model.StatusFailed, msg, err.Error())
}

func (e *Engine) cancelUnit(ctx context.Context, t *model.Task, u *model.TaskUnit) model.Status {
	msg := "stopped"
	if u.Phase != "" {
		msg = "stopped during " + u.Phase
	}
	e.appendLog(ctx, t.ID, model.LevelWarn, "summary", model.StatusCancelled, u.Unit,
		fmt.Sprintf("%s: cancelled, %s", u.Unit, msg), nil)
	return e.finishUnit(ctx, u, model.StatusCancelled, msg, "")
}

func (e *Engine) finishUnit(ctx context.Context, u *model.TaskUnit, status model.Status, message, errText string) model.Status {
	u.Status = status
	u.Message = message
	u.Error = errText
	u.FinishedAt = ptr(time.Now().UTC())
	e.updateUnit(ctx, u)
	return status
}

func (e *Engine) setPhase(ctx context.Context, u *model.TaskUnit, phase string) {
	u.Phase = phase
	e.updateUnit(ctx, u)
}

func (e *Engine) updateUnit(ctx context.Context, u *model.TaskUnit) {
	err := e.store.UpdateUnit(context.WithoutCancel(ctx), u)
	if errors.Is(err, store.ErrInvalidTransition) {
		// Settled by a force stop; keep what is stored.
		return
	}
	if err != nil {
		e.logger.Error("failed to update unit", "task_id", u.TaskID, "unit", u.Unit, "error", err)
	}
}

// summarize renders the one-line task summary.
func summarize(status model.Status, units []*model.TaskUnit) string {
	return fmt.Sprintf("%s: %s", status, describeUnits(units))
}

func describeUnits(units []*model.TaskUnit) string {
	parts := make([]string, 0, len(units))
	for _, u := range units {
		part := fmt.Sprintf("%s %s", u.Unit, u.Status)
		if u.Status != model.StatusSucceeded && u.Message != "" {
			part += " (" + truncateLine(oneLine(u.Message), 120) + ")"
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, "; ")
}

type unitOutcome struct {
	Unit    string       `json:"unit"`
	Status  model.Status `json:"status"`
	Message string       `json:"message,omitempty"`
	Image   string       `json:"image,omitempty"`
}

func unitOutcomes(units []*model.TaskUnit) []unitOutcome {
	out := make([]unitOutcome, 0, len(units))
	for _, u := range units {
		out = append(out, unitOutcome{Unit: u.Unit, Status: u.Status, Message: u.Message, Image: u.Image})
	}
	return out
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateLine(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
