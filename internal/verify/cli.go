package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"

	"github.com/seantiz/anvil/internal/hostexec"
)

// CLIRuntime drives podman or docker through a Host Backend, so it works the
// same on the local host and over SSH.
type CLIRuntime struct {
	backend     hostexec.Backend
	program     string
	pullTimeout time.Duration
}

// Compile-time interface satisfaction check.
var _ Runtime = (*CLIRuntime)(nil)

// NewCLIRuntime creates a runtime that runs program ("podman" or "docker").
func NewCLIRuntime(backend hostexec.Backend, program string, pullTimeout time.Duration) *CLIRuntime {
	return &CLIRuntime{backend: backend, program: program, pullTimeout: pullTimeout}
}

func (r *CLIRuntime) run(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	res, err := r.backend.Execute(ctx, hostexec.Command{Program: r.program, Args: args, Timeout: timeout})
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", &hostexec.CommandError{
			Target:  r.backend.Target(),
			Program: r.program,
			Args:    args,
			Stderr:  res.Stderr,
			Err:     fmt.Errorf("exit status %d", res.ExitCode),
		}
	}
	return strings.TrimSpace(res.Stdout), nil
}

// ImageDigest implements Runtime.
func (r *CLIRuntime) ImageDigest(ctx context.Context, ref string) (digest.Digest, error) {
	if r.program == "docker" {
		out, err := r.run(ctx, 0, "image", "inspect", "--format", "{{range .RepoDigests}}{{println .}}{{end}}", ref)
		if err != nil {
			return "", err
		}
		return repoDigest(ref, strings.Split(out, "\n"))
	}
	out, err := r.run(ctx, 0, "image", "inspect", "--format", "{{.Digest}}", ref)
	if err != nil {
		return "", err
	}
	return digest.Parse(out)
}

// ContainersForUnit implements Runtime.
func (r *CLIRuntime) ContainersForUnit(ctx context.Context, unit string) ([]string, error) {
	out, err := r.run(ctx, 0, "ps", "--all", "--no-trunc", "--filter", "label="+UnitLabel+"="+unit, "--format", "{{.ID}}")
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			ids = append(ids, line)
		}
	}
	return ids, nil
}

// ContainerDigest implements Runtime.
func (r *CLIRuntime) ContainerDigest(ctx context.Context, id string) (digest.Digest, error) {
	if r.program == "docker" {
		out, err := r.run(ctx, 0, "container", "inspect", "--format", "{{.Image}} {{.Config.Image}}", id)
		if err != nil {
			return "", err
		}
		imageID, name, _ := strings.Cut(out, " ")
		if name == "" {
			name = imageID
		}
		entries, err := r.run(ctx, 0, "image", "inspect", "--format", "{{range .RepoDigests}}{{println .}}{{end}}", imageID)
		if err != nil {
			return "", err
		}
		return repoDigest(name, strings.Split(entries, "\n"))
	}
	out, err := r.run(ctx, 0, "container", "inspect", "--format", "{{.ImageDigest}}", id)
	if err != nil {
		return "", err
	}
	return digest.Parse(out)
}

// ContainerHealth implements Runtime.
func (r *CLIRuntime) ContainerHealth(ctx context.Context, id string) (Health, error) {
	out, err := r.run(ctx, 0, "container", "inspect", "--format",
		"{{.State.Status}} {{if .State.Health}}{{.State.Health.Status}}{{end}}", id)
	if err != nil {
		return Health{}, err
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return Health{}, fmt.Errorf("empty state for container %s", id)
	}
	h := Health{Status: fields[0], Running: fields[0] == "running"}
	if len(fields) > 1 {
		h.Check = fields[1]
	}
	return h, nil
}

// Pull implements Runtime.
func (r *CLIRuntime) Pull(ctx context.Context, ref string) error {
	_, err := r.run(ctx, r.pullTimeout, "pull", "--quiet", ref)
	return err
}

// repoDigest picks the digest of ref's repository out of "repo@sha256:..."
// entries. When ref is an image id it names no repository, and the first
// entry is used.
func repoDigest(ref string, entries []string) (digest.Digest, error) {
	parsed, err := reference.ParseAnyReference(ref)
	if err != nil {
		return "", fmt.Errorf("parse image reference %q: %w", ref, err)
	}
	var want string
	if named, ok := parsed.(reference.Named); ok {
		want = named.Name()
	}

	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		entry, err := reference.ParseNormalizedNamed(e)
		if err != nil {
			continue
		}
		canonical, ok := entry.(reference.Canonical)
		if !ok {
			continue
		}
		if want == "" || entry.Name() == want {
			return canonical.Digest(), nil
		}
	}
	if want != "" {
		return "", fmt.Errorf("image has no repository digest for %s", want)
	}
	return "", errors.New("image has no repository digest")
}
