// Package dispatch turns "run task T" into a background executor process
// that can be stopped later, possibly by a different process than the one
// that started it.
package dispatch

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/anvil/internal/model"
)

// Strategy names.
const (
	StrategySelf    = "self"
	StrategySystemd = "systemd"
)

// ErrNotRunning is returned by Stop, ForceStop and Alive lookups when no
// live executor exists for the task.
var ErrNotRunning = errors.New("task executor is not running")

// Dispatcher starts and controls task executors.
type Dispatcher interface {
	// Dispatch starts the executor for taskID and returns without waiting
	// for it. env entries are KEY=VALUE pairs added to the executor's
	// environment.
	Dispatch(ctx context.Context, taskID string, env []string) error

	// Stop asks the executor to terminate gracefully.
	Stop(ctx context.Context, taskID string) error

	// ForceStop terminates the executor immediately.
	ForceStop(ctx context.Context, taskID string) error

	// Alive reports whether the executor is still running.
	Alive(ctx context.Context, taskID string) (bool, error)

	// Strategy returns the strategy name.
	Strategy() string
}

// Records is the durable pid record storage the self-supervised strategy
// needs. store.Store satisfies it.
type Records interface {
	PutPidRecord(ctx context.Context, rec *model.PidRecord) error
	GetPidRecord(ctx context.Context, taskID string) (*model.PidRecord, error)
	DeletePidRecord(ctx context.Context, taskID string) error
}

var signalsSent = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "anvil_dispatch_signals_total",
		Help: "Termination requests delivered to task executors.",
	},
	[]string{"strategy", "signal"},
)

var dispatched = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "anvil_dispatch_started_total",
		Help: "Task executors started, by strategy and result.",
	},
	[]string{"strategy", "result"},
)

func init() {
	prometheus.MustRegister(signalsSent, dispatched)
}
