package verify

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/anvil/internal/registry"
)

// Resolver resolves a tag to registry digests. *registry.Client satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, ref string, platform registry.Platform) (registry.Descriptor, error)
}

// Remote is a registry lookup result as served by the Cache.
type Remote struct {
	registry.Descriptor
	Platform  string    `json:"platform"`
	FetchedAt time.Time `json:"fetched_at"`

	// Stale is set when a refresh failed and this is the last known value.
	Stale       bool   `json:"stale"`
	StaleReason string `json:"stale_reason,omitempty"`
}

var lookups = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "anvil_registry_lookups_total",
		Help: "Registry digest lookups by cache result.",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(lookups)
}

type cacheKey struct {
	ref      string
	platform string
}

// Cache memoizes registry lookups per (image, platform) for a TTL.
type Cache struct {
	resolver Resolver
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[cacheKey]Remote
}

// NewCache creates a lookup cache.
func NewCache(resolver Resolver, ttl time.Duration) *Cache {
	return &Cache{
		resolver: resolver,
		ttl:      ttl,
		now:      time.Now,
		entries:  make(map[cacheKey]Remote),
	}
}

// Lookup returns the digests of ref for platform. A cached value younger
// than the TTL is returned unless force is set. When the registry query
// fails and an earlier value exists, that value is returned with Stale set
// and no error.
func (c *Cache) Lookup(ctx context.Context, ref string, platform registry.Platform, force bool) (Remote, error) {
	key := cacheKey{ref: ref, platform: platform.String()}

	c.mu.Lock()
	cached, ok := c.entries[key]
	c.mu.Unlock()

	if ok && !force && c.now().Sub(cached.FetchedAt) < c.ttl {
		lookups.WithLabelValues("hit").Inc()
		return cached, nil
	}

	desc, err := c.resolver.Resolve(ctx, ref, platform)
	if err != nil {
		if ok {
			lookups.WithLabelValues("stale").Inc()
			cached.Stale = true
			cached.StaleReason = err.Error()
			return cached, nil
		}
		lookups.WithLabelValues("error").Inc()
		return Remote{}, err
	}

	fresh := Remote{Descriptor: desc, Platform: key.platform, FetchedAt: c.now()}
	c.mu.Lock()
	c.entries[key] = fresh
	c.mu.Unlock()
	lookups.WithLabelValues("miss").Inc()
	return fresh, nil
}
