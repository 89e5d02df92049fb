// Package trigger turns timer ticks into scheduler tasks.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/seantiz/anvil/internal/engine"
	"github.com/seantiz/anvil/internal/model"
)

// Creator is the create-and-dispatch entry point. *engine.Engine satisfies it.
type Creator interface {
	CreateAndDispatch(ctx context.Context, req engine.Request) (*model.Task, error)
}

// Scheduler creates a scheduler task for a fixed unit set on a cron
// schedule. A tick is skipped while the previous tick is still creating its
// task; it never waits for the task itself.
type Scheduler struct {
	spec     string
	schedule cron.Schedule
	units    []string
	params   model.Params
	creator  Creator
	logger   *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	lastID  string
	lastErr error
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewScheduler parses spec, a standard five-field cron expression or a
// descriptor such as "@daily".
func NewScheduler(spec string, units []string, params model.Params, creator Creator, logger *slog.Logger) (*Scheduler, error) {
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	if len(units) == 0 {
		return nil, engine.ErrNoUnits
	}
	return &Scheduler{
		spec:     spec,
		schedule: schedule,
		units:    append([]string(nil), units...),
		params:   params,
		creator:  creator,
		logger:   logger,
	}, nil
}

// Start begins firing on schedule.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return
	}

	cl := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.cron.Schedule(s.schedule, cron.FuncJob(func() {
		if _, err := s.Fire(context.Background()); err != nil {
			s.logger.Error("scheduled task not created", "schedule", s.spec, "error", err)
		}
	}))
	s.cron.Start()
	s.logger.Info("scheduler started", "schedule", s.spec, "units", s.units, "next", s.Next(time.Now()))
}

// Stop halts the schedule and returns a context that is done once a
// running tick has finished.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	ctx := s.cron.Stop()
	s.cron = nil
	return ctx
}

// Next returns the next activation after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Fire creates one scheduler task now.
func (s *Scheduler) Fire(ctx context.Context) (*model.Task, error) {
	t, err := s.creator.CreateAndDispatch(ctx, engine.Request{
		Kind: model.KindScheduler,
		Trigger: model.Trigger{
			Source: "scheduler",
			Reason: "schedule " + s.spec,
		},
		Units:  s.units,
		Params: s.params,
	})

	s.mu.Lock()
	s.lastErr = err
	if t != nil {
		s.lastID = t.ID
	}
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	s.logger.Info("scheduled task created", "task_id", t.ID, "status", t.Status)
	return t, nil
}

// Last returns the id of the last task created and the last tick's error.
func (s *Scheduler) Last() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID, s.lastErr
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
