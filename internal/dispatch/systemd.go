package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/seantiz/anvil/internal/hostexec"
)

// Systemd delegates executors to the host's service manager: one transient
// unit per task, created with systemd-run.
type Systemd struct {
	backend    hostexec.Backend
	executable string
	workDir    string
	logger     *slog.Logger
}

// Compile-time interface satisfaction check.
var _ Dispatcher = (*Systemd)(nil)

// NewSystemd creates an externally supervised dispatcher. backend runs
// systemd-run and systemctl; it must be the local backend since the
// executor binary lives here. Units start in workDir, or in the service
// manager's default directory when it is empty. The unit inherits none of
// the caller's environment: everything the executor needs must be passed
// to Dispatch.
func NewSystemd(backend hostexec.Backend, executable, workDir string, logger *slog.Logger) *Systemd {
	return &Systemd{backend: backend, executable: executable, workDir: workDir, logger: logger}
}

// Strategy implements Dispatcher.
func (d *Systemd) Strategy() string { return StrategySystemd }

// UnitName returns the transient unit name of a task.
func UnitName(taskID string) string {
	return "anvil-task-" + taskID + ".service"
}

// Dispatch implements Dispatcher.
func (d *Systemd) Dispatch(ctx context.Context, taskID string, env []string) error {
	args := []string{
		"--unit=" + UnitName(taskID),
		"--collect",
		"--quiet",
	}
	if d.workDir != "" {
		args = append(args, "--working-directory="+d.workDir)
	}
	for _, kv := range env {
		args = append(args, "--setenv="+kv)
	}
	args = append(args, "--", d.executable, "run-task", taskID)

	res, err := d.backend.Execute(ctx, hostexec.Command{Program: "systemd-run", Args: args, Timeout: 30 * time.Second})
	if err != nil {
		dispatched.WithLabelValues(StrategySystemd, "error").Inc()
		return fmt.Errorf("systemd-run: %w", err)
	}
	if !res.OK() {
		dispatched.WithLabelValues(StrategySystemd, "error").Inc()
		return fmt.Errorf("systemd-run exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	dispatched.WithLabelValues(StrategySystemd, "ok").Inc()
	d.logger.Info("executor unit started", "task_id", taskID, "unit", UnitName(taskID))
	return nil
}

// Stop implements Dispatcher.
func (d *Systemd) Stop(ctx context.Context, taskID string) error {
	return d.control(ctx, taskID, "SIGTERM", "stop", "--no-block", UnitName(taskID))
}

// ForceStop implements Dispatcher.
func (d *Systemd) ForceStop(ctx context.Context, taskID string) error {
	return d.control(ctx, taskID, "SIGKILL", "kill", "--signal=SIGKILL", UnitName(taskID))
}

func (d *Systemd) control(ctx context.Context, taskID, signal string, args ...string) error {
	alive, err := d.Alive(ctx, taskID)
	if err != nil {
		return err
	}
	if !alive {
		return ErrNotRunning
	}
	res, err := d.backend.Execute(ctx, hostexec.Command{Program: "systemctl", Args: args})
	if err != nil {
		return fmt.Errorf("systemctl %s: %w", args[0], err)
	}
	if !res.OK() {
		return fmt.Errorf("systemctl %s exited %d: %s", args[0], res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	signalsSent.WithLabelValues(StrategySystemd, signal).Inc()
	d.logger.Info("executor unit signalled", "task_id", taskID, "unit", UnitName(taskID), "signal", signal)
	return nil
}

// Alive implements Dispatcher. A unit that is active, activating or
// deactivating still has a process.
func (d *Systemd) Alive(ctx context.Context, taskID string) (bool, error) {
	res, err := d.backend.Execute(ctx, hostexec.Command{Program: "systemctl", Args: []string{"is-active", UnitName(taskID)}})
	if err != nil {
		return false, fmt.Errorf("systemctl is-active: %w", err)
	}
	switch strings.TrimSpace(res.Stdout) {
	case "active", "activating", "deactivating", "reloading":
		return true, nil
	default:
		return false, nil
	}
}
