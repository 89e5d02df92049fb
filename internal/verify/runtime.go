package verify

import (
	"context"

	"github.com/opencontainers/go-digest"
)

// UnitLabel is the container label that ties a container to the service
// unit that runs it. Quadlet sets it on every container it starts.
const UnitLabel = "PODMAN_SYSTEMD_UNIT"

// Health check verdicts as reported by the container engine.
const (
	CheckHealthy   = "healthy"
	CheckStarting  = "starting"
	CheckUnhealthy = "unhealthy"
)

// Health is a container's run state and health check verdict. Check is
// empty when the container has no health check.
type Health struct {
	Running bool   `json:"running"`
	Status  string `json:"status"`
	Check   string `json:"check,omitempty"`
}

// Healthy reports whether the container is running and either passes its
// health check or has none.
func (h Health) Healthy() bool {
	return h.Running && (h.Check == "" || h.Check == CheckHealthy)
}

// Pending reports whether the verdict may still change to healthy.
func (h Health) Pending() bool {
	return h.Running && h.Check == CheckStarting
}

// Runtime is the local image and container state a unit's containers run on.
type Runtime interface {
	// ImageDigest returns the manifest digest of the locally stored ref.
	ImageDigest(ctx context.Context, ref string) (digest.Digest, error)

	// ContainersForUnit returns the ids of containers labelled for unit.
	// The lookup is never cached.
	ContainersForUnit(ctx context.Context, unit string) ([]string, error)

	// ContainerDigest returns the image digest a container was created from.
	ContainerDigest(ctx context.Context, id string) (digest.Digest, error)

	ContainerHealth(ctx context.Context, id string) (Health, error)

	// Pull fetches ref into the local image store.
	Pull(ctx context.Context, ref string) error
}
