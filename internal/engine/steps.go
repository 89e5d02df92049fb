package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/seantiz/anvil/internal/hostexec"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/registry"
	"github.com/seantiz/anvil/internal/verify"
)

const diagnosticTimeout = 30 * time.Second

// commandPayload is the log entry payload of a host command.
type commandPayload struct {
	Command    string `json:"command"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

func newCommandPayload(cmd hostexec.Command, res hostexec.Result) commandPayload {
	return commandPayload{
		Command:    commandLine(cmd),
		ExitCode:   res.ExitCode,
		Stdout:     truncateOutput(res.Stdout),
		Stderr:     truncateOutput(res.Stderr),
		DurationMS: res.Duration.Milliseconds(),
	}
}

func commandLine(cmd hostexec.Command) string {
	return strings.TrimSpace(cmd.Program + " " + strings.Join(cmd.Args, " "))
}

func truncateOutput(s string) string {
	return hostexec.Truncate(s, maxPayloadOutput)
}

// unitImage reads the Image= line of the unit's container definition.
func (e *Engine) unitImage(ctx context.Context, unit string) (string, error) {
	if e.cfg.UnitDir == "" {
		return "", ErrNoImage
	}
	path := filepath.Join(e.cfg.UnitDir, strings.TrimSuffix(unit, ".service")+".container")
	data, err := e.backend.ReadFile(ctx, path)
	if errors.Is(err, hostexec.ErrNotFound) {
		return "", fmt.Errorf("%w: %s does not exist", ErrNoImage, path)
	}
	if err != nil {
		return "", err
	}
	if img := parseImageLine(data); img != "" {
		return img, nil
	}
	return "", fmt.Errorf("%w: %s has no Image= line", ErrNoImage, path)
}

func parseImageLine(data []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if ok && strings.TrimSpace(key) == "Image" {
			return strings.Trim(strings.TrimSpace(value), `"`)
		}
	}
	return ""
}

// pull fetches image under the image lock of its repository bucket. The
// pull itself ignores cancellation and is bounded by the pull timeout.
func (e *Engine) pull(ctx context.Context, taskID, unit, image string) error {
	bucket, err := registry.Bucket(image)
	if err != nil {
		return &StepError{Step: model.PhasePull, Unit: unit, Err: err}
	}

	release, err := e.acquireLock(ctx, taskID, bucket)
	if err != nil {
		return &StepError{Step: model.PhasePull, Unit: unit, Command: "lock " + bucket, Err: err}
	}
	defer release()

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PullTimeout)
	defer cancel()

	start := time.Now()
	if err := e.runtime.Pull(pctx, image); err != nil {
		if pctx.Err() != nil {
			err = fmt.Errorf("%w after %s: %w", hostexec.ErrTimeout, e.cfg.PullTimeout, err)
		}
		return &StepError{Step: model.PhasePull, Unit: unit, Command: "pull " + image, Err: err}
	}
	e.appendLog(ctx, taskID, model.LevelInfo, "pull", model.StatusRunning, unit,
		fmt.Sprintf("%s: pulled %s", unit, image),
		map[string]any{"image": image, "bucket": bucket, "duration_ms": time.Since(start).Milliseconds()})
	return nil
}

// acquireLock polls for the bucket's image lock until LockWait elapses.
func (e *Engine) acquireLock(ctx context.Context, taskID, bucket string) (func(), error) {
	start := time.Now()
	deadline := start.Add(e.cfg.LockWait)
	logged := false
	for {
		ok, err := e.store.AcquireLock(ctx, bucket, taskID, e.cfg.LockMaxHold)
		if err != nil {
			return nil, fmt.Errorf("acquire image lock: %w", err)
		}
		if ok {
			lockWait.Observe(time.Since(start).Seconds())
			return func() {
				if err := e.store.ReleaseLock(context.WithoutCancel(ctx), bucket, taskID); err != nil {
					e.logger.Error("failed to release image lock", "task_id", taskID, "bucket", bucket, "error", err)
				}
			}, nil
		}
		if !logged {
			if lock, err := e.store.GetLock(ctx, bucket); err == nil {
				e.appendLog(ctx, taskID, model.LevelInfo, "lock_wait", model.StatusRunning, "",
					fmt.Sprintf("waiting for image lock on %s held by task %s", bucket, lock.Holder), nil)
			}
			logged = true
		}
		if !time.Now().Before(deadline) {
			lockWait.Observe(time.Since(start).Seconds())
			return nil, fmt.Errorf("%w on %s after %s", ErrLockTimeout, bucket, e.cfg.LockWait)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.cfg.LockPoll):
		}
	}
}

// unchanged reports whether the unit's single container already runs the
// image that was just pulled.
func (e *Engine) unchanged(ctx context.Context, unit, image string) (bool, string) {
	pulled, err := e.runtime.ImageDigest(ctx, image)
	if err != nil {
		return false, ""
	}
	ids, err := e.runtime.ContainersForUnit(ctx, unit)
	if err != nil || len(ids) != 1 {
		return false, ""
	}
	running, err := e.runtime.ContainerDigest(ctx, ids[0])
	if err != nil || running != pulled {
		return false, ""
	}
	return true, "already running " + pulled.String()
}

// restart restarts the unit through systemd.
func (e *Engine) restart(ctx context.Context, taskID, unit string) error {
	cmd := hostexec.Command{Program: "systemctl", Args: []string{"restart", unit}}
	res, err := e.backend.Execute(ctx, cmd)
	if err != nil {
		return &StepError{Step: model.PhaseRestart, Unit: unit, Command: commandLine(cmd), Err: err}
	}
	if !res.OK() {
		return &StepError{
			Step:    model.PhaseRestart,
			Unit:    unit,
			Command: commandLine(cmd),
			Output:  res.Stderr,
			Err:     fmt.Errorf("exit status %d", res.ExitCode),
		}
	}
	e.appendLog(ctx, taskID, model.LevelInfo, "restart", model.StatusRunning, unit,
		fmt.Sprintf("%s: restarted", unit), newCommandPayload(cmd, res))
	return nil
}

// waitHealthy polls the unit and its container until both report healthy or
// the health timeout elapses. It returns the final verdict.
func (e *Engine) waitHealthy(ctx context.Context, taskID, unit string) (string, error) {
	deadline := time.Now().Add(e.cfg.HealthTimeout)
	var verdict string
	waitLogged := false
	for {
		healthy, pending, v, err := e.checkHealth(ctx, unit)
		switch {
		case err != nil && ctx.Err() != nil:
			return "", ctx.Err()
		case err != nil:
			verdict = oneLine(err.Error())
		default:
			verdict = v
		}
		if healthy {
			e.appendLog(ctx, taskID, model.LevelInfo, "health", model.StatusRunning, unit,
				fmt.Sprintf("%s: %s", unit, verdict), nil)
			return verdict, nil
		}
		if pending && !waitLogged {
			e.appendLog(ctx, taskID, model.LevelInfo, "health_wait", model.StatusRunning, unit,
				fmt.Sprintf("%s: health check starting, waiting up to %s", unit, time.Until(deadline).Round(time.Second)), nil)
			waitLogged = true
		}
		if !time.Now().Before(deadline) {
			return "", &StepError{
				Step: model.PhaseHealth,
				Unit: unit,
				Err:  fmt.Errorf("not healthy after %s: %s", e.cfg.HealthTimeout, verdict),
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(e.cfg.HealthInterval):
		}
	}
}

// checkHealth reports whether the unit and its container are healthy, and
// whether a container health check is still starting.
func (e *Engine) checkHealth(ctx context.Context, unit string) (healthy, pending bool, verdict string, err error) {
	res, err := e.backend.Execute(ctx, hostexec.Command{Program: "systemctl", Args: []string{"is-active", unit}})
	if err != nil {
		return false, false, "", err
	}
	state := strings.TrimSpace(res.Stdout)
	if state != "active" {
		if state == "" {
			state = "in an unknown state"
		}
		return false, false, "unit is " + state, nil
	}

	ids, err := e.runtime.ContainersForUnit(ctx, unit)
	if err != nil {
		return false, false, "", err
	}
	switch len(ids) {
	case 0:
		return false, false, "no container for unit", nil
	case 1:
	default:
		return false, false, fmt.Sprintf("%d containers for unit", len(ids)), nil
	}

	h, err := e.runtime.ContainerHealth(ctx, ids[0])
	if err != nil {
		return false, false, "", err
	}
	return h.Healthy(), h.Pending(), describeHealth(h), nil
}

func describeHealth(h verify.Health) string {
	switch {
	case !h.Running:
		return "container " + h.Status
	case h.Check != "":
		return "container " + h.Check
	default:
		return "container running"
	}
}

// diagnose records the unit's systemd status and recent journal. Its own
// failures are logged and otherwise ignored.
func (e *Engine) diagnose(ctx context.Context, taskID, unit string) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), diagnosticTimeout)
	defer cancel()

	cmds := []hostexec.Command{
		{Program: "systemctl", Args: []string{"status", "--no-pager", "--lines=0", unit}},
		{Program: "journalctl", Args: []string{"-u", unit, "-n", "50", "--no-pager"}},
	}
	for _, cmd := range cmds {
		res, err := e.backend.Execute(dctx, cmd)
		if err != nil {
			e.appendLog(dctx, taskID, model.LevelWarn, "diagnostic", model.StatusRunning, unit,
				fmt.Sprintf("%s: diagnostic %q failed: %s", unit, commandLine(cmd), oneLine(err.Error())), nil)
			continue
		}
		e.appendLog(dctx, taskID, model.LevelWarn, "diagnostic", model.StatusRunning, unit,
			fmt.Sprintf("%s: %s (exit %d)", unit, commandLine(cmd), res.ExitCode), newCommandPayload(cmd, res))
	}
}
