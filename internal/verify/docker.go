package verify

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/opencontainers/go-digest"
)

// dockerAPI is the part of the Docker Engine client DockerRuntime uses.
type dockerAPI interface {
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
}

// DockerRuntime talks to the Docker Engine API, or to podman's compatible
// socket. It only sees the local host.
type DockerRuntime struct {
	api      dockerAPI
	platform string
}

// Compile-time interface satisfaction check.
var _ Runtime = (*DockerRuntime)(nil)

// NewDockerRuntime connects to host, or to DOCKER_HOST when host is empty.
func NewDockerRuntime(host, platform string) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerRuntime{api: cli, platform: platform}, nil
}

// ImageDigest implements Runtime.
func (r *DockerRuntime) ImageDigest(ctx context.Context, ref string) (digest.Digest, error) {
	return r.imageDigest(ctx, ref, ref)
}

// imageDigest inspects image id and returns the digest recorded for the
// repository of ref.
func (r *DockerRuntime) imageDigest(ctx context.Context, id, ref string) (digest.Digest, error) {
	info, err := r.api.ImageInspect(ctx, id)
	if err != nil {
		return "", fmt.Errorf("inspect image %s: %w", id, err)
	}
	return repoDigest(ref, info.RepoDigests)
}

// ContainersForUnit implements Runtime.
func (r *DockerRuntime) ContainersForUnit(ctx context.Context, unit string) ([]string, error) {
	list, err := r.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", UnitLabel+"="+unit)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers for %s: %w", unit, err)
	}
	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// ContainerDigest implements Runtime.
func (r *DockerRuntime) ContainerDigest(ctx context.Context, id string) (digest.Digest, error) {
	info, err := r.api.ContainerInspect(ctx, id)
	if err != nil {
		return "", fmt.Errorf("inspect container %s: %w", id, err)
	}
	if info.ContainerJSONBase == nil {
		return "", fmt.Errorf("inspect container %s: no image", id)
	}
	name := info.Image
	if info.Config != nil && info.Config.Image != "" {
		name = info.Config.Image
	}
	return r.imageDigest(ctx, info.Image, name)
}

// ContainerHealth implements Runtime.
func (r *DockerRuntime) ContainerHealth(ctx context.Context, id string) (Health, error) {
	info, err := r.api.ContainerInspect(ctx, id)
	if err != nil {
		return Health{}, fmt.Errorf("inspect container %s: %w", id, err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return Health{}, fmt.Errorf("inspect container %s: no state", id)
	}
	h := Health{Running: info.State.Running, Status: string(info.State.Status)}
	if info.State.Health != nil {
		h.Check = string(info.State.Health.Status)
	}
	return h, nil
}

// Pull implements Runtime. The progress stream must be drained for the
// pull to complete.
func (r *DockerRuntime) Pull(ctx context.Context, ref string) error {
	rc, err := r.api.ImagePull(ctx, ref, image.PullOptions{Platform: r.platform})
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	return nil
}
