package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/seantiz/anvil/internal/hostexec"
)

var (
	// ErrAlreadyTerminal is returned by Stop and ForceStop when the task has
	// already finished. The unchanged task is returned alongside it.
	ErrAlreadyTerminal = errors.New("task already terminal")

	// ErrExecutorNotRunning is returned by Stop and ForceStop when no live
	// executor was found for the task. The task is cancelled regardless and
	// returned alongside it.
	ErrExecutorNotRunning = errors.New("executor was not running")

	// ErrNotTerminal is returned by Retry for tasks that are still active.
	ErrNotTerminal = errors.New("task is not terminal")

	// ErrNoUnits is returned when a request names no units.
	ErrNoUnits = errors.New("no units requested")

	// ErrLockTimeout is returned when an image lock could not be acquired
	// within the configured wait.
	ErrLockTimeout = errors.New("timed out waiting for image lock")

	// ErrNoImage is returned when a pull is requested but no image is known
	// for a unit.
	ErrNoImage = errors.New("no image configured for unit")
)

// StepError describes a failed unit step with enough context to stand on
// its own in a log entry.
type StepError struct {
	Step    string
	Unit    string
	Command string
	Output  string
	Err     error
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Step, e.Unit, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + hostexec.Truncate(firstLine(out), 200)
	}
	return msg
}

func (e *StepError) Unwrap() error { return e.Err }

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
