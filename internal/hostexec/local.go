package hostexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"
)

// BackendLocal is the registry name of the local backend.
const BackendLocal = "local"

// killGrace is how long a timed-out local command gets between SIGTERM to
// its process group and SIGKILL.
const killGrace = 2 * time.Second

// LocalConfig configures a Local backend.
type LocalConfig struct {
	// AllowedPrograms restricts Execute when non-empty. An empty list only
	// applies the program name shape check.
	AllowedPrograms []string

	// OwnedRoots are the directories CreateDirAll may create beneath.
	OwnedRoots []string

	// CommandTimeout is used when a Command carries no timeout.
	CommandTimeout time.Duration
}

// Local runs commands as child processes of the current process.
type Local struct {
	cfg     LocalConfig
	allowed allowList
	logger  *slog.Logger
}

// Compile-time interface satisfaction check.
var _ Backend = (*Local)(nil)

// NewLocal creates a local backend.
func NewLocal(cfg LocalConfig, logger *slog.Logger) *Local {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = time.Minute
	}
	return &Local{
		cfg:     cfg,
		allowed: newAllowList(cfg.AllowedPrograms),
		logger:  logger,
	}
}

// Target implements Backend.
func (l *Local) Target() string {
	return BackendLocal
}

// Execute implements Backend.
func (l *Local) Execute(ctx context.Context, c Command) (res Result, err error) {
	start := time.Now()
	defer func() { observe(BackendLocal, c.Program, start, res, err) }()

	if len(l.allowed) > 0 {
		if err := l.allowed.check(c.Program); err != nil {
			return Result{}, err
		}
	} else if err := ValidateProgram(c.Program); err != nil {
		return Result{}, err
	}
	if err := validateArgs(c.Args); err != nil {
		return Result{}, err
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = l.cfg.CommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Program, c.Args...)
	// Own process group so a timeout reaches the command's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		pgid := -cmd.Process.Pid
		if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
			return syscall.Kill(pgid, syscall.SIGKILL)
		}
		go func() {
			time.Sleep(killGrace)
			_ = syscall.Kill(pgid, syscall.SIGKILL)
		}()
		return nil
	}
	cmd.WaitDelay = killGrace + time.Second

	var stdout, stderr cappedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if len(c.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}

	runErr := cmd.Run()
	res = Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runErr == nil {
		return res, nil
	}

	cmdErr := &CommandError{Target: BackendLocal, Program: c.Program, Args: c.Args, Stderr: res.Stderr}
	if ctx.Err() == context.DeadlineExceeded {
		cmdErr.Err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
		return res, cmdErr
	}
	if ctx.Err() != nil {
		cmdErr.Err = ctx.Err()
		return res, cmdErr
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}

	cmdErr.Err = runErr
	return res, cmdErr
}

// ReadFile implements Backend.
func (l *Local) ReadFile(_ context.Context, path string) ([]byte, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &FileError{Op: "read", Path: path, Err: classifyFSError(err)}
	}
	return data, nil
}

// ListDir implements Backend.
func (l *Local) ListDir(_ context.Context, path string) ([]DirEntry, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, &FileError{Op: "list", Path: path, Err: classifyFSError(err)}
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, DirEntry{Name: e.Name(), IsDir: e.IsDir()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Exists implements Backend.
func (l *Local) Exists(_ context.Context, path string) (bool, error) {
	if err := ValidatePath(path); err != nil {
		return false, err
	}
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, &FileError{Op: "stat", Path: path, Err: classifyFSError(err)}
}

// CreateDirAll implements Backend.
func (l *Local) CreateDirAll(_ context.Context, path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if !underRoot(path, l.cfg.OwnedRoots) {
		return &ValidationError{Field: "path", Value: path, Rule: "not below a directory owned by anvil"}
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return &FileError{Op: "mkdir", Path: path, Err: err}
	}
	return nil
}

// classifyFSError maps filesystem errors onto the package sentinels while
// keeping the original error in the chain.
func classifyFSError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %w", ErrNotReadable, err)
	default:
		return err
	}
}
