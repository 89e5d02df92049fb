package hostexec

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Use errors.Is against these; the concrete error usually
// carries more context.
var (
	// ErrCommandNotAllowed is returned when a program is not on the allow-list.
	ErrCommandNotAllowed = errors.New("command not allowed")

	// ErrTimeout is returned when a command exceeds its time budget.
	ErrTimeout = errors.New("command timed out")

	// ErrNotFound is returned when a file or directory does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotReadable is returned when a file exists but cannot be read.
	ErrNotReadable = errors.New("not readable")

	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("validation failed")
)

// ConnectivityError reports that the backend could not reach its target.
// It is never used to signal that something on the target is absent.
type ConnectivityError struct {
	Target string
	Err    error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Target, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ValidationError reports an argument that failed its shape check before
// anything was executed.
type ValidationError struct {
	Field string
	Value string
	Rule  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Rule)
}

// Is lets errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// CommandError wraps a failure of a specific command with enough context for
// a task log entry to stand on its own.
type CommandError struct {
	Target  string
	Program string
	Args    []string
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: %s: %v", e.Target, e.CommandLine(), e.Err)
	if e.Stderr != "" {
		msg += ": " + Truncate(strings.TrimSpace(e.Stderr), 512)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// CommandLine renders the program and arguments for humans.
func (e *CommandError) CommandLine() string {
	return strings.TrimSpace(e.Program + " " + strings.Join(e.Args, " "))
}

// FileError wraps a failed file operation.
type FileError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }
