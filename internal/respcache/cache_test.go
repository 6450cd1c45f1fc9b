package respcache_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"modelgate/internal/respcache"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newCache(max int) (*respcache.Cache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := respcache.New(respcache.Config{MaxEntries: max, DefaultTTL: time.Hour}, zap.NewNop().Sugar(), respcache.WithClock(clock.Now))
	return c, clock
}

func TestKeysAreNormalized(t *testing.T) {
	t.Parallel()
	c, _ := newCache(10)

	c.Set("  Hello \t World ", []byte("v"), 0)
	val, ok := c.Get("hello world")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), val)
	assert.True(t, c.Has("HELLO   WORLD"))
	assert.True(t, c.Delete("Hello World"))
	assert.False(t, c.Has("hello world"))
	assert.False(t, c.Delete("hello world"))
}

func TestExpiry(t *testing.T) {
	t.Parallel()
	c, clock := newCache(10)

	c.Set("k", []byte("v"), 10*time.Second)
	clock.Advance(10 * time.Second)
	_, ok := c.Get("k")
	assert.True(t, ok, "an entry exactly ttl old is still live")

	clock.Advance(time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entries are purged on access")

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, uint64(1), st.Expired)
}

func TestSweep(t *testing.T) {
	t.Parallel()
	c, clock := newCache(10)

	c.Set("short", []byte("a"), time.Second)
	c.Set("long", []byte("b"), time.Hour)
	clock.Advance(time.Minute)

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Has("long"))
}

func TestEvictionPrefersLeastHitThenOldest(t *testing.T) {
	t.Parallel()
	c, clock := newCache(10)

	for i := range 10 {
		c.Set(fmt.Sprintf("k%d", i), []byte("v"), 0)
		clock.Advance(time.Second)
	}
	// every entry but k7 gets a hit
	for i := range 10 {
		if i != 7 {
			_, ok := c.Get(fmt.Sprintf("k%d", i))
			require.True(t, ok)
		}
	}

	c.Set("k10", []byte("v"), 0)
	assert.Equal(t, 10, c.Len())
	assert.False(t, c.Has("k7"), "the only zero-hit entry is evicted")
	assert.True(t, c.Has("k0"))
	assert.Equal(t, uint64(1), c.Stats().Evictions)

	// hits outrank age: k10 is the newest entry but has no hits yet
	c.Set("k11", []byte("v"), 0)
	assert.False(t, c.Has("k10"))
	assert.True(t, c.Has("k0"))
}

func TestEvictionAgeBreaksTies(t *testing.T) {
	t.Parallel()
	c, clock := newCache(20)

	for i := range 20 {
		c.Set(fmt.Sprintf("k%02d", i), []byte("v"), 0)
		clock.Advance(time.Second)
	}
	c.Set("new", []byte("v"), 0)

	// ceil(20 * 10%) = 2 oldest zero-hit entries go
	assert.False(t, c.Has("k00"))
	assert.False(t, c.Has("k01"))
	assert.True(t, c.Has("k02"))
	assert.Equal(t, 19, c.Len())
	assert.Equal(t, uint64(2), c.Stats().Evictions)
}

func TestCapacityNeverExceeded(t *testing.T) {
	t.Parallel()
	const max = 50
	c, clock := newCache(max)

	for i := range max * 5 {
		c.Set(fmt.Sprintf("key-%d", i), []byte("payload"), 0)
		if i%3 == 0 {
			c.Get(fmt.Sprintf("key-%d", i/2))
		}
		clock.Advance(time.Millisecond)
		require.LessOrEqual(t, c.Len(), max)
	}
}

func TestOverwriteKeepsSizeAccurate(t *testing.T) {
	t.Parallel()
	c, _ := newCache(10)

	c.Set("k", []byte("12345"), 0)
	c.Set("k", []byte("12"), 0)
	st := c.Stats()
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, int64(len("12")+len("k")), st.SizeBytes)

	val, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("12"), val)
}

func TestStartClose(t *testing.T) {
	t.Parallel()
	c := respcache.New(respcache.Config{SweepInterval: time.Millisecond}, zap.NewNop().Sugar())
	c.Start()
	c.Start()
	c.Close()
	c.Close()
}

func TestTieredSharesThroughRedis(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	log := zap.NewNop().Sugar()
	ctx := context.Background()

	replicaA, _ := newCache(10)
	replicaB, _ := newCache(10)
	a := respcache.NewTiered(replicaA, respcache.NewRedis(client), log)
	b := respcache.NewTiered(replicaB, respcache.NewRedis(client), log)

	a.Set(ctx, "Shared Key", []byte(`{"text":"hi"}`), time.Minute)
	assert.False(t, replicaB.Has("shared key"))

	val, ok := b.Get(ctx, "shared key")
	require.True(t, ok)
	assert.JSONEq(t, `{"text":"hi"}`, string(val))
	assert.True(t, replicaB.Has("shared key"), "remote hit back-fills memory")

	assert.True(t, a.Delete(ctx, "shared key"))
	replicaB.Clear()
	_, ok = b.Get(ctx, "shared key")
	assert.False(t, ok)
}

func TestTieredDeleteAndClearReachRedis(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	log := zap.NewNop().Sugar()
	ctx := context.Background()

	replicaA, _ := newCache(10)
	replicaB, _ := newCache(10)
	a := respcache.NewTiered(replicaA, respcache.NewRedis(client), log)
	b := respcache.NewTiered(replicaB, respcache.NewRedis(client), log)

	a.Set(ctx, "only in redis for b", []byte("v"), time.Minute)
	assert.True(t, b.Delete(ctx, "only in redis for b"), "a redis-only entry still counts as found")
	assert.False(t, b.Delete(ctx, "only in redis for b"))
	_, ok := a.Get(ctx, "only in redis for b")
	assert.True(t, ok, "the other replica's memory copy lives until its ttl")

	require.NoError(t, mr.Set("unrelated", "keep"))
	a.Set(ctx, "one", []byte("1"), time.Minute)
	a.Set(ctx, "two", []byte("2"), time.Minute)
	a.Clear(ctx)
	assert.Zero(t, replicaA.Len())
	_, ok = b.Get(ctx, "two")
	assert.False(t, ok)
	assert.True(t, mr.Exists("unrelated"))
}

func TestTieredSwallowsRedisFailures(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	local, _ := newCache(10)
	c := respcache.NewTiered(local, respcache.NewRedis(client), zap.NewNop().Sugar())
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"), time.Minute)
	val, ok := c.Get(ctx, "k")
	require.True(t, ok, "memory tier still serves")
	assert.Equal(t, []byte("v"), val)

	_, ok = c.Get(ctx, "missing")
	assert.False(t, ok)
}
