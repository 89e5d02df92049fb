package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/store"
)

// SelfConfig configures the self-supervised strategy.
type SelfConfig struct {
	// StateDir receives runs/<task_id>.log with the executor's output. It
	// is also the executor's working directory.
	StateDir string

	// Command returns the program and arguments that execute taskID. The
	// task id must appear in the arguments: liveness checks look for it in
	// the process command line to detect pid reuse.
	Command func(taskID string) (string, []string)
}

// ExecutorCommand returns a SelfConfig.Command that re-executes the current
// binary as `<exe> run-task <task_id>`.
func ExecutorCommand() (func(taskID string) (string, []string), error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return func(taskID string) (string, []string) {
		return exe, []string{"run-task", taskID}
	}, nil
}

// Self runs each task as a child process in its own process group. The pid
// is kept in memory and in a durable record; lookups trust the record.
type Self struct {
	cfg      SelfConfig
	records  Records
	logger   *slog.Logger
	hostname string

	mu    sync.Mutex
	procs map[string]*exec.Cmd
	wg    sync.WaitGroup
}

// Compile-time interface satisfaction check.
var _ Dispatcher = (*Self)(nil)

// NewSelf creates a self-supervised dispatcher.
func NewSelf(cfg SelfConfig, records Records, logger *slog.Logger) *Self {
	hostname, _ := os.Hostname()
	return &Self{
		cfg:      cfg,
		records:  records,
		logger:   logger,
		hostname: hostname,
		procs:    make(map[string]*exec.Cmd),
	}
}

// Strategy implements Dispatcher.
func (d *Self) Strategy() string { return StrategySelf }

// Dispatch implements Dispatcher.
func (d *Self) Dispatch(ctx context.Context, taskID string, env []string) error {
	runs := filepath.Join(d.cfg.StateDir, "runs")
	if err := os.MkdirAll(runs, 0o755); err != nil {
		return fmt.Errorf("create runs dir: %w", err)
	}
	logPath := filepath.Join(runs, taskID+".log")
	out, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open executor log: %w", err)
	}

	name, args := d.cfg.Command(taskID)
	// Not CommandContext: the executor must outlive the request that
	// dispatched it.
	cmd := exec.Command(name, args...)
	cmd.Dir = d.cfg.StateDir
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		out.Close()
		dispatched.WithLabelValues(StrategySelf, "error").Inc()
		return fmt.Errorf("start executor: %w", err)
	}

	pid := cmd.Process.Pid
	rec := &model.PidRecord{
		TaskID:    taskID,
		PID:       pid,
		PGID:      pid,
		Hostname:  d.hostname,
		Strategy:  StrategySelf,
		StartedAt: time.Now().UTC(),
	}
	if err := d.records.PutPidRecord(ctx, rec); err != nil {
		// An executor nobody can find again must not keep running.
		_ = unix.Kill(-pid, unix.SIGKILL)
		_ = cmd.Wait()
		out.Close()
		dispatched.WithLabelValues(StrategySelf, "error").Inc()
		return fmt.Errorf("record executor pid: %w", err)
	}

	d.mu.Lock()
	d.procs[taskID] = cmd
	d.mu.Unlock()
	dispatched.WithLabelValues(StrategySelf, "ok").Inc()

	d.logger.Info("executor started", "task_id", taskID, "pid", pid, "log", logPath)

	d.wg.Add(1)
	go d.reap(taskID, cmd, out)
	return nil
}

// reap waits for the child so it does not linger as a zombie, then drops it
// from memory and deletes any record it left behind.
func (d *Self) reap(taskID string, cmd *exec.Cmd, out *os.File) {
	defer d.wg.Done()
	err := cmd.Wait()
	out.Close()

	d.mu.Lock()
	if d.procs[taskID] == cmd {
		delete(d.procs, taskID)
	}
	d.mu.Unlock()

	if delErr := d.records.DeletePidRecord(context.Background(), taskID); delErr != nil {
		d.logger.Warn("delete pid record after exit", "task_id", taskID, "error", delErr)
	}
	d.logger.Info("executor exited", "task_id", taskID, "pid", cmd.Process.Pid, "exit_code", cmd.ProcessState.ExitCode(), "error", err)
}

// Wait blocks until every child started by this dispatcher has exited.
func (d *Self) Wait() {
	d.wg.Wait()
}

// Stop implements Dispatcher.
func (d *Self) Stop(ctx context.Context, taskID string) error {
	return d.signal(ctx, taskID, unix.SIGTERM)
}

// ForceStop implements Dispatcher.
func (d *Self) ForceStop(ctx context.Context, taskID string) error {
	if err := d.signal(ctx, taskID, unix.SIGKILL); err != nil {
		return err
	}
	if err := d.records.DeletePidRecord(ctx, taskID); err != nil {
		d.logger.Warn("delete pid record after kill", "task_id", taskID, "error", err)
	}
	return nil
}

// Alive implements Dispatcher.
func (d *Self) Alive(ctx context.Context, taskID string) (bool, error) {
	_, err := d.locate(ctx, taskID)
	if errors.Is(err, ErrNotRunning) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *Self) signal(ctx context.Context, taskID string, sig unix.Signal) error {
	rec, err := d.locate(ctx, taskID)
	if err != nil {
		return err
	}
	if err := unix.Kill(-rec.PGID, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			d.forget(ctx, taskID)
			return ErrNotRunning
		}
		return fmt.Errorf("signal executor %d: %w", rec.PID, err)
	}
	signalsSent.WithLabelValues(StrategySelf, unix.SignalName(sig)).Inc()
	d.logger.Info("executor signalled", "task_id", taskID, "pid", rec.PID, "signal", unix.SignalName(sig))
	return nil
}

// locate finds the live executor of taskID. The durable record wins over the
// in-memory entry; a record pointing at a dead process is deleted.
func (d *Self) locate(ctx context.Context, taskID string) (*model.PidRecord, error) {
	rec, err := d.records.GetPidRecord(ctx, taskID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec = d.fromMemory(taskID)
		if rec == nil {
			return nil, ErrNotRunning
		}
	case err != nil:
		return nil, fmt.Errorf("read pid record: %w", err)
	}

	if !processAlive(rec.PID, taskID) {
		d.logger.Info("stale executor record", "task_id", taskID, "pid", rec.PID)
		d.forget(ctx, taskID)
		return nil, ErrNotRunning
	}
	return rec, nil
}

func (d *Self) fromMemory(taskID string) *model.PidRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	cmd, ok := d.procs[taskID]
	if !ok {
		return nil
	}
	pid := cmd.Process.Pid
	return &model.PidRecord{TaskID: taskID, PID: pid, PGID: pid, Hostname: d.hostname, Strategy: StrategySelf}
}

func (d *Self) forget(ctx context.Context, taskID string) {
	if err := d.records.DeletePidRecord(ctx, taskID); err != nil {
		d.logger.Warn("delete stale pid record", "task_id", taskID, "error", err)
	}
}

// processAlive reports whether pid exists and, where /proc is available,
// still runs a command line mentioning taskID. A zombie has an empty
// command line and counts as dead.
func processAlive(pid int, taskID string) bool {
	if pid <= 0 {
		return false
	}
	if err := unix.Kill(pid, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if _, statErr := os.Stat("/proc/self"); statErr == nil {
				return false
			}
		}
		return true
	}
	return bytes.Contains(cmdline, []byte(taskID))
}
