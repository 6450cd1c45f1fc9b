// Package respcache is a TTL bounded, content agnostic store for generated
// responses.
package respcache

import (
	"bytes"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"modelgate/internal/metrics"
	"modelgate/internal/shared"

	"go.uber.org/zap"
)

type Config struct {
	MaxEntries    int
	DefaultTTL    time.Duration
	SweepInterval time.Duration
	EvictFraction float64
}

func DefaultConfig() Config {
	return Config{
		MaxEntries:    shared.ResponseCacheMax,
		DefaultTTL:    shared.ResponseCacheTTL,
		SweepInterval: shared.ResponseCacheSweep,
		EvictFraction: shared.ResponseCacheEvictPct,
	}
}

type Entry struct {
	Key        string
	Payload    []byte
	CreatedAt  time.Time
	TTL        time.Duration
	Hits       uint64
	Size       int
	LastAccess time.Time
}

func (e *Entry) expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.TTL
}

type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Expired   uint64 `json:"expired"`
	Entries   int    `json:"entries"`
	SizeBytes int64  `json:"size_bytes"`
}

// HitRate is hits / (hits + misses), zero before the first lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry
	size    int64

	hits, misses, evictions, expired uint64

	cfg Config
	now func() time.Time
	log *zap.SugaredLogger

	stop     chan struct{}
	done     chan struct{}
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
}

type Option func(*Cache)

// WithClock replaces time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(cfg Config, log *zap.SugaredLogger, opts ...Option) *Cache {
	def := DefaultConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.EvictFraction <= 0 || cfg.EvictFraction > 1 {
		cfg.EvictFraction = def.EvictFraction
	}
	c := &Cache{
		entries: map[string]*Entry{},
		cfg:     cfg,
		now:     time.Now,
		log:     log,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NormalizeKey lower-cases the key and collapses runs of whitespace.
func NormalizeKey(key string) string {
	return strings.Join(strings.Fields(strings.ToLower(key)), " ")
}

func (c *Cache) Get(key string) ([]byte, bool) {
	key = NormalizeKey(key)
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	now := c.now()
	if ok && e.expired(now) {
		c.removeLocked(key, e)
		c.expired++
		ok = false
	}
	if !ok {
		c.misses++
		metrics.CacheEvents.WithLabelValues("memory", "miss").Inc()
		return nil, false
	}
	e.Hits++
	e.LastAccess = now
	c.hits++
	metrics.CacheEvents.WithLabelValues("memory", "hit").Inc()
	return bytes.Clone(e.Payload), true
}

// Set stores payload under key. A ttl <= 0 uses the configured default.
// Concurrent writers to the same key race; the last write wins.
func (c *Cache) Set(key string, payload []byte, ttl time.Duration) {
	key = NormalizeKey(key)
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if old, ok := c.entries[key]; ok {
		c.removeLocked(key, old)
	} else if len(c.entries) >= c.cfg.MaxEntries {
		c.evictLocked(now)
	}

	e := &Entry{
		Key:        key,
		Payload:    bytes.Clone(payload),
		CreatedAt:  now,
		TTL:        ttl,
		Size:       len(payload) + len(key),
		LastAccess: now,
	}
	c.entries[key] = e
	c.size += int64(e.Size)
	metrics.CacheEntries.Set(float64(len(c.entries)))
}

func (c *Cache) Delete(key string) bool {
	key = NormalizeKey(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeLocked(key, e)
	return true
}

// Has reports whether a live entry exists without touching hit counters.
func (c *Cache) Has(key string) bool {
	key = NormalizeKey(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	if e.expired(c.now()) {
		c.removeLocked(key, e)
		c.expired++
		return false
	}
	return true
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Expired:   c.expired,
		Entries:   len(c.entries),
		SizeBytes: c.size,
	}
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]*Entry{}
	c.size = 0
	metrics.CacheEntries.Set(0)
}

// Sweep drops every expired entry and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(c.now())
}

func (c *Cache) sweepLocked(now time.Time) int {
	removed := 0
	for k, e := range c.entries {
		if e.expired(now) {
			c.removeLocked(k, e)
			removed++
		}
	}
	c.expired += uint64(removed)
	return removed
}

// evictLocked makes room for one insert. Expired entries go first; if that
// is not enough, roughly EvictFraction of the store is dropped, least hit
// and oldest first.
func (c *Cache) evictLocked(now time.Time) {
	if c.sweepLocked(now) > 0 && len(c.entries) < c.cfg.MaxEntries {
		return
	}
	n := int(math.Ceil(float64(len(c.entries)) * c.cfg.EvictFraction))
	n = max(n, 1)

	victims := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		victims = append(victims, e)
	}
	sort.Slice(victims, func(i, j int) bool {
		if victims[i].Hits != victims[j].Hits {
			return victims[i].Hits < victims[j].Hits
		}
		return victims[i].CreatedAt.Before(victims[j].CreatedAt)
	})
	removed := 0
	for _, e := range victims[:min(n, len(victims))] {
		c.removeLocked(e.Key, e)
		removed++
	}
	c.evictions += uint64(removed)
	metrics.CacheEvents.WithLabelValues("memory", "evict").Add(float64(removed))
	if c.log != nil {
		c.log.Debugw("Evicted cache entries", "evicted", removed, "remaining", len(c.entries))
	}
}

func (c *Cache) removeLocked(key string, e *Entry) {
	delete(c.entries, key)
	c.size -= int64(e.Size)
	metrics.CacheEntries.Set(float64(len(c.entries)))
}

// Start runs the periodic sweep until Close is called.
func (c *Cache) Start() {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return
	}
	c.started = true
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				if removed := c.Sweep(); removed > 0 && c.log != nil {
					c.log.Infow("Swept expired cache entries", "removed", removed)
				}
			}
		}
	}()
}

func (c *Cache) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.startMu.Lock()
		started := c.started
		c.startMu.Unlock()
		if started {
			<-c.done
		}
	})
}
