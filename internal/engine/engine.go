package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/seantiz/anvil/internal/dispatch"
	"github.com/seantiz/anvil/internal/hostexec"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/registry"
	"github.com/seantiz/anvil/internal/store"
	"github.com/seantiz/anvil/internal/verify"
)

// Default step timings, used when the Config leaves a field zero.
const (
	DefaultPullTimeout    = 10 * time.Minute
	DefaultHealthTimeout  = 2 * time.Minute
	DefaultHealthInterval = 2 * time.Second
	DefaultLockWait       = 15 * time.Minute
	DefaultLockMaxHold    = 30 * time.Minute
	DefaultLockPoll       = 250 * time.Millisecond

	// maxPayloadOutput bounds command output stored in a log entry payload.
	maxPayloadOutput = 64 << 10
)

// Config holds the engine's step settings.
type Config struct {
	// UnitDir holds the unit definitions images are read from when a
	// request does not name one.
	UnitDir string

	PullTimeout    time.Duration
	HealthTimeout  time.Duration
	HealthInterval time.Duration
	LockWait       time.Duration
	LockMaxHold    time.Duration
	LockPoll       time.Duration

	// Env is added to every dispatched executor's environment.
	Env []string
}

func (c *Config) setDefaults() {
	if c.PullTimeout <= 0 {
		c.PullTimeout = DefaultPullTimeout
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = DefaultHealthTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.LockWait <= 0 {
		c.LockWait = DefaultLockWait
	}
	if c.LockMaxHold <= 0 {
		c.LockMaxHold = DefaultLockMaxHold
	}
	if c.LockPoll <= 0 {
		c.LockPoll = DefaultLockPoll
	}
}

// Verifier checks that a unit runs the image it should. *verify.Verifier
// satisfies it.
type Verifier interface {
	Verify(ctx context.Context, unit, ref string) verify.Result
}

// Engine orchestrates update tasks.
type Engine struct {
	store      store.Store
	backend    hostexec.Backend
	dispatcher dispatch.Dispatcher
	runtime    verify.Runtime
	verifier   Verifier
	broker     *LogBroker
	cfg        Config
	logger     *slog.Logger
	tracer     trace.Tracer
}

// Deps bundles the collaborators an Engine drives.
type Deps struct {
	Store      store.Store
	Backend    hostexec.Backend
	Dispatcher dispatch.Dispatcher
	Runtime    verify.Runtime
	Verifier   Verifier
	Broker     *LogBroker
}

// NewEngine creates a task engine. A nil Broker gets a private one.
func NewEngine(deps Deps, cfg Config, logger *slog.Logger) *Engine {
	cfg.setDefaults()
	broker := deps.Broker
	if broker == nil {
		broker = NewLogBroker()
	}
	return &Engine{
		store:      deps.Store,
		backend:    deps.Backend,
		dispatcher: deps.Dispatcher,
		runtime:    deps.Runtime,
		verifier:   deps.Verifier,
		broker:     broker,
		cfg:        cfg,
		logger:     logger,
		tracer:     otel.Tracer("github.com/seantiz/anvil/internal/engine"),
	}
}

// Broker returns the engine's log broker for stream subscriptions.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Store returns the engine's task store.
func (e *Engine) Store() store.Store {
	return e.store
}

// Request describes a task to create.
type Request struct {
	Kind    model.Kind
	Trigger model.Trigger
	Units   []string
	Params  model.Params

	// UnitImages overrides Params.Image for individual units.
	UnitImages map[string]string

	retryOf string
}

// normalize validates the request and returns its de-duplicated unit list.
func (r *Request) normalize() ([]string, error) {
	if r.Kind == "" {
		r.Kind = model.KindManual
	}
	if !r.Kind.Valid() {
		return nil, &hostexec.ValidationError{Field: "kind", Value: string(r.Kind), Rule: "unknown task kind"}
	}

	seen := make(map[string]bool, len(r.Units))
	var units []string
	for _, u := range r.Units {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		if err := hostexec.ValidateUnitName(u); err != nil {
			return nil, err
		}
		seen[u] = true
		units = append(units, u)
	}
	if len(units) == 0 {
		return nil, ErrNoUnits
	}

	images := []string{r.Params.Image}
	for _, img := range r.UnitImages {
		images = append(images, img)
	}
	for _, img := range images {
		if img == "" {
			continue
		}
		if _, err := registry.Bucket(img); err != nil {
			return nil, &hostexec.ValidationError{Field: "image", Value: img, Rule: err.Error()}
		}
	}
	return units, nil
}

// CreateAndDispatch records a new task and starts its executor. The task is
// returned even when dispatch fails; it is then already failed.
func (e *Engine) CreateAndDispatch(ctx context.Context, req Request) (*model.Task, error) {
	units, err := req.normalize()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t := &model.Task{
		ID:        model.NewID(),
		Kind:      req.Kind,
		Trigger:   req.Trigger,
		Params:    req.Params,
		Status:    model.StatusPending,
		RetryOf:   req.retryOf,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, name := range units {
		t.Units = append(t.Units, &model.TaskUnit{
			ID:        model.NewID(),
			TaskID:    t.ID,
			Unit:      name,
			Image:     req.UnitImages[name],
			Status:    model.StatusPending,
			UpdatedAt: now,
		})
	}

	if err := e.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	tasksCreated.WithLabelValues(string(t.Kind)).Inc()

	msg := fmt.Sprintf("task created by %s for %s", describeTrigger(t), strings.Join(units, ", "))
	if t.RetryOf != "" {
		msg += "; retry of " + t.RetryOf
	}
	e.appendLog(ctx, t.ID, model.LevelInfo, "created", model.StatusPending, "", msg, nil)

	if err := e.store.TransitionTask(ctx, t.ID, model.StatusRunning, "dispatching"); err != nil {
		return nil, fmt.Errorf("mark task running: %w", err)
	}

	if err := e.dispatcher.Dispatch(ctx, t.ID, e.cfg.Env); err != nil {
		e.logger.Error("dispatch failed", "task_id", t.ID, "strategy", e.dispatcher.Strategy(), "error", err)
		summary := fmt.Sprintf("dispatch failed: %v", err)
		if terr := e.store.TransitionTask(ctx, t.ID, model.StatusFailed, summary); terr != nil {
			e.logger.Error("failed to mark task failed", "task_id", t.ID, "error", terr)
		}
		if _, cerr := e.store.CancelOpenUnits(ctx, t.ID, "task was never started"); cerr != nil {
			e.logger.Error("failed to cancel units", "task_id", t.ID, "error", cerr)
		}
		e.appendLog(ctx, t.ID, model.LevelError, "dispatch", model.StatusFailed, "", summary, nil)
		e.broker.Close(t.ID)
		tasksFinished.WithLabelValues(string(t.Kind), string(model.StatusFailed)).Inc()
	} else {
		e.appendLog(ctx, t.ID, model.LevelInfo, "dispatch", model.StatusRunning, "",
			fmt.Sprintf("executor started (%s)", e.dispatcher.Strategy()), nil)
	}

	return e.store.GetTask(ctx, t.ID)
}

// Stop asks a task's executor to terminate gracefully. For a terminal task
// it returns the unchanged task and ErrAlreadyTerminal. When no executor is
// found it cancels the task and returns it with ErrExecutorNotRunning.
func (e *Engine) Stop(ctx context.Context, id string) (*model.Task, error) {
	t, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return e.alreadyTerminal(ctx, t)
	}

	err = e.store.TransitionTask(ctx, id, model.StatusCancelled, "stopped by operator")
	if errors.Is(err, store.ErrInvalidTransition) {
		// Lost the race to another stop or to the executor finishing.
		t, gerr := e.store.GetTask(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return e.alreadyTerminal(ctx, t)
	}
	if err != nil {
		return nil, fmt.Errorf("cancel task: %w", err)
	}

	msg := "stop requested; termination signal sent"
	var result error
	switch serr := e.dispatcher.Stop(ctx, id); {
	case errors.Is(serr, dispatch.ErrNotRunning):
		msg = "stop requested; executor was not running"
		result = ErrExecutorNotRunning
		if _, err := e.store.CancelOpenUnits(ctx, id, "stopped before the executor reached it"); err != nil {
			e.logger.Error("failed to cancel units", "task_id", id, "error", err)
		}
		e.broker.Close(id)
	case serr != nil:
		msg = fmt.Sprintf("stop requested; signalling executor failed: %v", serr)
		e.logger.Warn("stop signal failed", "task_id", id, "error", serr)
	}
	e.appendLog(ctx, id, model.LevelInfo, "stop", model.StatusCancelled, "", msg, nil)
	e.logger.Info("task stopped", "task_id", id)

	t, err = e.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return t, result
}

// ForceStop kills a task's executor and cleans up after it. It also acts on
// an already cancelled task, whose executor may still linger.
func (e *Engine) ForceStop(ctx context.Context, id string) (*model.Task, error) {
	t, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.CanForceStop() {
		return e.alreadyTerminal(ctx, t)
	}

	if t.Status != model.StatusCancelled {
		err = e.store.TransitionTask(ctx, id, model.StatusCancelled, "force stopped by operator")
		if errors.Is(err, store.ErrInvalidTransition) {
			t, err = e.store.GetTask(ctx, id)
			if err != nil {
				return nil, err
			}
			if !t.CanForceStop() {
				return e.alreadyTerminal(ctx, t)
			}
		} else if err != nil {
			return nil, fmt.Errorf("cancel task: %w", err)
		}
	}

	msg := "force stop: executor killed"
	var result error
	if kerr := e.dispatcher.ForceStop(ctx, id); errors.Is(kerr, dispatch.ErrNotRunning) {
		msg = "force stop: executor was not running"
		result = ErrExecutorNotRunning
	} else if kerr != nil {
		msg = fmt.Sprintf("force stop: kill failed: %v", kerr)
		e.logger.Warn("force stop failed", "task_id", id, "error", kerr)
	}

	if err := e.store.DeletePidRecord(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Error("failed to delete pid record", "task_id", id, "error", err)
	}
	if _, err := e.store.CancelOpenUnits(ctx, id, "force stopped by operator"); err != nil {
		e.logger.Error("failed to cancel units", "task_id", id, "error", err)
	}
	if n, err := e.store.ReleaseLocksHeldBy(ctx, id); err != nil {
		e.logger.Error("failed to release image locks", "task_id", id, "error", err)
	} else if n > 0 {
		msg += fmt.Sprintf("; released %d image lock(s)", n)
	}

	e.appendLog(ctx, id, model.LevelWarn, "force_stop", model.StatusCancelled, "", msg, nil)
	e.broker.Close(id)
	e.logger.Info("task force stopped", "task_id", id)

	t, err = e.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return t, result
}

// alreadyTerminal logs the "already terminal" notice at most once per task.
func (e *Engine) alreadyTerminal(ctx context.Context, t *model.Task) (*model.Task, error) {
	first, err := e.store.MarkNoticeLogged(ctx, t.ID)
	if err != nil {
		e.logger.Error("failed to mark notice", "task_id", t.ID, "error", err)
	}
	if first {
		e.appendLog(ctx, t.ID, model.LevelInfo, "notice", t.Status, "",
			fmt.Sprintf("stop requested but task already %s", t.Status), nil)
	}
	return t, ErrAlreadyTerminal
}

// Retry creates and dispatches a copy of a terminal task.
func (e *Engine) Retry(ctx context.Context, id string) (*model.Task, error) {
	t, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.CanRetry() {
		return nil, ErrNotTerminal
	}

	req := Request{
		Kind:       t.Kind,
		Trigger:    t.Trigger,
		Units:      t.UnitNames(),
		Params:     t.Params,
		UnitImages: make(map[string]string),
		retryOf:    t.ID,
	}
	for _, u := range t.Units {
		if u.Image != "" && u.Image != t.Params.Image {
			req.UnitImages[u.Unit] = u.Image
		}
	}

	nt, err := e.CreateAndDispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	e.appendLog(ctx, t.ID, model.LevelInfo, "retry", t.Status, "", "retried as task "+nt.ID, nil)
	return nt, nil
}

// Recover settles running tasks whose executor disappeared, for example
// across a host reboot. It returns the number of tasks it settled.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	tasks, _, err := e.store.ListTasks(ctx, store.TaskFilter{Status: model.StatusRunning})
	if err != nil {
		return 0, fmt.Errorf("list running tasks: %w", err)
	}

	settled := 0
	for _, t := range tasks {
		alive, err := e.dispatcher.Alive(ctx, t.ID)
		if err != nil {
			e.logger.Warn("could not check executor", "task_id", t.ID, "error", err)
			continue
		}
		if alive {
			continue
		}
		if _, err := e.store.GetPidRecord(ctx, t.ID); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("could not read pid record", "task_id", t.ID, "error", err)
			continue
		}

		const summary = "executor vanished; host state could not be confirmed"
		if err := e.store.TransitionTask(ctx, t.ID, model.StatusUnknown, summary); err != nil {
			if !errors.Is(err, store.ErrInvalidTransition) {
				e.logger.Error("failed to settle task", "task_id", t.ID, "error", err)
			}
			continue
		}
		for _, u := range t.Units {
			if u.Status.IsTerminal() {
				continue
			}
			u.Status = model.StatusUnknown
			u.Message = "executor vanished"
			u.FinishedAt = ptr(time.Now().UTC())
			if err := e.store.UpdateUnit(ctx, u); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
				e.logger.Error("failed to settle unit", "task_id", t.ID, "unit", u.Unit, "error", err)
			}
		}
		if _, err := e.store.ReleaseLocksHeldBy(ctx, t.ID); err != nil {
			e.logger.Error("failed to release image locks", "task_id", t.ID, "error", err)
		}
		e.appendLog(ctx, t.ID, model.LevelWarn, "recover", model.StatusUnknown, "", summary, nil)
		e.broker.Close(t.ID)
		e.logger.Warn("settled orphaned task", "task_id", t.ID)
		settled++
	}
	return settled, nil
}

func describeTrigger(t *model.Task) string {
	who := t.Trigger.Source
	if who == "" {
		who = string(t.Kind)
	}
	if t.Trigger.Caller != "" {
		who += " (" + t.Trigger.Caller + ")"
	}
	return who
}

func ptr[T any](v T) *T { return &v }
