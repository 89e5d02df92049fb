// Package verify confirms that a unit's running container uses the image
// that was just pulled, and whether that image is the newest one the
// registry offers for this platform.
package verify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opencontainers/go-digest"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/registry"
)

var outcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "anvil_verify_outcomes_total",
		Help: "Image verification outcomes by status.",
	},
	[]string{"status"},
)

func init() {
	prometheus.MustRegister(outcomes)
}

// Result is the outcome of one verification. Status is succeeded, failed or
// unknown; Reason is set whenever Status is not succeeded. Digests resolved
// before a failure stay populated.
type Result struct {
	Status         model.Status  `json:"status"`
	Reason         string        `json:"reason,omitempty"`
	Image          string        `json:"image"`
	Platform       string        `json:"platform"`
	IndexDigest    digest.Digest `json:"index_digest,omitempty"`
	PlatformDigest digest.Digest `json:"platform_digest,omitempty"`
	PulledDigest   digest.Digest `json:"pulled_digest,omitempty"`
	RunningDigest  digest.Digest `json:"running_digest,omitempty"`
	ContainerID    string        `json:"container_id,omitempty"`
	Stale          bool          `json:"stale,omitempty"`
}

// Verifier compares registry, image store and container digests.
type Verifier struct {
	cache    *Cache
	runtime  Runtime
	platform registry.Platform
	logger   *slog.Logger
}

// NewVerifier creates a Verifier for the host's platform.
func NewVerifier(cache *Cache, runtime Runtime, platform registry.Platform, logger *slog.Logger) *Verifier {
	return &Verifier{cache: cache, runtime: runtime, platform: platform, logger: logger}
}

// Platform returns the platform digests are selected for.
func (v *Verifier) Platform() registry.Platform {
	return v.platform
}

// Remote looks up the registry digests of ref through the cache.
func (v *Verifier) Remote(ctx context.Context, ref string, refresh bool) (Remote, error) {
	return v.cache.Lookup(ctx, ref, v.platform, refresh)
}

// Verify checks unit against ref. It never returns an error: every problem
// becomes a failed or unknown Result with a reason.
func (v *Verifier) Verify(ctx context.Context, unit, ref string) Result {
	res := v.verify(ctx, unit, ref)
	outcomes.WithLabelValues(string(res.Status)).Inc()
	v.logger.Info("image verified",
		"unit", unit,
		"image", ref,
		"status", res.Status,
		"reason", res.Reason,
		"pulled", res.PulledDigest,
		"running", res.RunningDigest,
	)
	return res
}

func (v *Verifier) verify(ctx context.Context, unit, ref string) Result {
	res := Result{Image: ref, Platform: v.platform.String()}

	// The registry is queried fresh: the pull just happened.
	remote, remoteErr := v.cache.Lookup(ctx, ref, v.platform, true)
	if remoteErr == nil {
		res.IndexDigest = remote.IndexDigest
		res.PlatformDigest = remote.PlatformDigest
		res.Stale = remote.Stale
	}

	pulled, err := v.runtime.ImageDigest(ctx, ref)
	if err != nil {
		return unknown(res, fmt.Sprintf("cannot inspect pulled image: %v", err))
	}
	res.PulledDigest = pulled

	ids, err := v.runtime.ContainersForUnit(ctx, unit)
	if err != nil {
		return unknown(res, fmt.Sprintf("cannot list containers of %s: %v", unit, err))
	}
	if len(ids) != 1 {
		return unknown(res, fmt.Sprintf("%s maps to %d containers, want exactly 1", unit, len(ids)))
	}
	res.ContainerID = ids[0]

	running, err := v.runtime.ContainerDigest(ctx, ids[0])
	if err != nil {
		return unknown(res, fmt.Sprintf("cannot inspect container %s: %v", ids[0], err))
	}
	res.RunningDigest = running

	if running != pulled {
		res.Status = model.StatusFailed
		res.Reason = fmt.Sprintf("container runs %s, pulled image is %s", running, pulled)
		return res
	}

	switch {
	case remoteErr != nil:
		return unknown(res, fmt.Sprintf("registry lookup failed: %v", remoteErr))
	case remote.Stale:
		return unknown(res, fmt.Sprintf("registry unreachable, last known digest is stale: %s", remote.StaleReason))
	case pulled == remote.PlatformDigest || pulled == remote.IndexDigest:
		res.Status = model.StatusSucceeded
		return res
	case remote.PlatformDigest == "" && remote.IsIndex():
		// The index has no manifest for this platform, so there is
		// nothing to compare the pulled image against.
		res.Status = model.StatusSucceeded
		return res
	default:
		return unknown(res, "registry has a different revision than the pulled image")
	}
}

func unknown(res Result, reason string) Result {
	res.Status = model.StatusUnknown
	res.Reason = reason
	return res
}
