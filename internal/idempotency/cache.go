package idempotency

import (
	"context"
	"sync"
	"time"

	"waflow/internal/config"
	"waflow/internal/constants"
	"waflow/internal/logger"
	"waflow/pkg/metrics"
)

// Guard is the dedupe gate consulted before any ingestion, ack apply or poll
// vote persist. RegisterIfNew returns true exactly when the key has not been
// seen within the TTL window; a duplicate after expiry is accepted again
// (soft at-least-once guarantee, deliberately not exactly-once).
type Guard interface {
	RegisterIfNew(ctx context.Context, key string) (bool, error)
}

// MemoryCache is the default process-local Guard: a map from key to expiry
// with a lazy sweep on every call. Only mutated by the single queue consumer
// and short synchronous handler paths, but the mutex keeps it safe under the
// webhook/poller concurrency anyway.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = constants.DefaultIdempotencyTTL
	}
	return &MemoryCache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// NewMemoryCacheWithClock is the test constructor; clock injection makes TTL
// expiry deterministic.
func NewMemoryCacheWithClock(ttl time.Duration, now func() time.Time) *MemoryCache {
	c := NewMemoryCache(ttl)
	c.now = now
	return c
}

func (c *MemoryCache) RegisterIfNew(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweepLocked(now)

	if expiry, ok := c.entries[key]; ok && expiry.After(now) {
		metrics.IdempotencyChecksTotal.WithLabelValues("duplicate").Inc()
		return false, nil
	}

	c.entries[key] = now.Add(c.ttl)
	metrics.IdempotencyChecksTotal.WithLabelValues("unique").Inc()
	metrics.SetIdempotencyCacheSize(len(c.entries))
	return true, nil
}

// Sweep removes expired entries eagerly; the lazy sweep on each call already
// bounds growth, this exists for the lifecycle contract.
func (c *MemoryCache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(c.now())
}

func (c *MemoryCache) sweepLocked(now time.Time) {
	for key, expiry := range c.entries {
		if !expiry.After(now) {
			delete(c.entries, key)
		}
	}
}

// Reset drops all entries; tests use it between cases.
func (c *MemoryCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]time.Time)
	metrics.SetIdempotencyCacheSize(0)
}

func (c *MemoryCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// NewGuard selects the configured backend. The memory backend is the default
// and matches the single-writer-per-instance deployment; redis is for shared
// deployments.
func NewGuard(cfg config.IdempotencyConfig, cbCfg config.CircuitBreakerConfig, repo Repository, log logger.Logger) Guard {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	if cfg.Backend != "redis" || repo == nil {
		return NewMemoryCache(ttl)
	}
	return NewRedisGuard(NewCircuitBreakerRepository(repo, cbCfg), ttl, cfg.OnRedisError, log)
}
