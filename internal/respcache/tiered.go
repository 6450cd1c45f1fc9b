package respcache

import (
	"context"
	"time"

	"modelgate/internal/metrics"

	"go.uber.org/zap"
)

// Tiered reads memory first and falls back to Redis, back-filling memory on
// a remote hit. Remote failures are logged and treated as misses.
type Tiered struct {
	local  *Cache
	remote *Redis
	log    *zap.SugaredLogger
}

// NewTiered builds a tiered cache; remote may be nil.
func NewTiered(local *Cache, remote *Redis, log *zap.SugaredLogger) *Tiered {
	return &Tiered{local: local, remote: remote, log: log}
}

func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	if val, ok := t.local.Get(key); ok {
		return val, true
	}
	if t.remote == nil {
		return nil, false
	}
	val, ttl, ok, err := t.remote.Get(ctx, key)
	if err != nil {
		t.log.Warnw("Failed reading response cache from redis", "error", err)
		return nil, false
	}
	if !ok {
		metrics.CacheEvents.WithLabelValues("redis", "miss").Inc()
		return nil, false
	}
	metrics.CacheEvents.WithLabelValues("redis", "hit").Inc()
	if ttl > 0 {
		t.local.Set(key, val, ttl)
	}
	return val, true
}

func (t *Tiered) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = t.local.cfg.DefaultTTL
	}
	t.local.Set(key, payload, ttl)
	if t.remote == nil {
		return
	}
	if err := t.remote.Set(ctx, key, payload, ttl); err != nil {
		t.log.Warnw("Failed writing response cache to redis", "error", err)
	}
}

// Delete removes key from both tiers and reports whether either held it.
func (t *Tiered) Delete(ctx context.Context, key string) bool {
	found := t.local.Delete(key)
	if t.remote == nil {
		return found
	}
	remoteFound, err := t.remote.Delete(ctx, key)
	if err != nil {
		t.log.Warnw("Failed deleting response cache key from redis", "error", err)
	}
	return found || remoteFound
}

// Stats covers the memory tier; redis hits and misses are counted in the
// cache events metric.
func (t *Tiered) Stats() Stats {
	return t.local.Stats()
}

// Clear empties memory and every response key in redis. Other replicas keep
// their memory copies until those expire.
func (t *Tiered) Clear(ctx context.Context) {
	t.local.Clear()
	if t.remote == nil {
		return
	}
	n, err := t.remote.Clear(ctx)
	if err != nil {
		t.log.Warnw("Failed clearing response cache in redis", "removed", n, "error", err)
		return
	}
	t.log.Infow("Cleared response cache in redis", "removed", n)
}
