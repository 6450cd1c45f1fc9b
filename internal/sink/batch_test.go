package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"modelgate/internal/metrics"
	"modelgate/internal/shared"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memStore struct {
	mu      sync.Mutex
	batches [][]*Outcome
	fails   int
	calls   int
}

func (m *memStore) SaveOutcomes(_ context.Context, outcomes []*Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fails > 0 {
		m.fails--
		return errors.New("db down")
	}
	m.batches = append(m.batches, outcomes)
	return nil
}

func (m *memStore) saved() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func outcome(actor string, i int) *Outcome {
	return &Outcome{
		RequestID: fmt.Sprintf("req_%d", i),
		ActorID:   actor,
		Operation: shared.OpText,
		Model:     "gpt-4o-mini",
		Success:   true,
		Usage:     shared.Usage{InputTokens: 10, OutputTokens: 5},
		CreatedAt: time.Now(),
	}
}

func newTestSink(store Store, cfg Config) (*BatchSink, *sleepRecorder) {
	rec := &sleepRecorder{}
	return New(store, cfg, zap.NewNop().Sugar(), WithSleep(rec.sleep)), rec
}

func TestFlushesWhenNothingInflight(t *testing.T) {
	store := &memStore{}
	s, _ := newTestSink(store, DefaultConfig())
	s.AppendOutcome(outcome("alice", 1))
	s.flushes.Wait()
	assert.Equal(t, 1, store.saved())
	assert.Zero(t, s.Pending())
}

func TestHoldsUntilLastInflightFinishes(t *testing.T) {
	store := &memStore{}
	s, _ := newTestSink(store, DefaultConfig())

	s.AddInflight("alice")
	s.AddInflight("alice")
	s.AppendOutcome(outcome("alice", 1))
	s.DoneInflight("alice")
	s.AppendOutcome(outcome("alice", 2))
	s.flushes.Wait()
	assert.Zero(t, store.saved())
	assert.Equal(t, 2, s.Pending())

	s.DoneInflight("alice")
	s.flushes.Wait()
	assert.Equal(t, 2, store.saved())
	require.Len(t, store.batches, 1)
}

func TestFlushesAtMaxBatch(t *testing.T) {
	store := &memStore{}
	cfg := DefaultConfig()
	cfg.MaxBatch = 3
	s, _ := newTestSink(store, cfg)

	s.AddInflight("bob")
	for i := range 7 {
		s.AppendOutcome(outcome("bob", i))
	}
	s.flushes.Wait()
	assert.Equal(t, 6, store.saved())
	assert.Equal(t, 1, s.Pending())
}

func TestTimerFlush(t *testing.T) {
	store := &memStore{}
	cfg := DefaultConfig()
	cfg.FlushInterval = 10 * time.Millisecond
	s, _ := newTestSink(store, cfg)

	s.AddInflight("carol")
	s.AppendOutcome(outcome("carol", 1))
	require.Eventually(t, func() bool { return store.saved() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRetriesWithBackoffThenSucceeds(t *testing.T) {
	store := &memStore{fails: 2}
	s, rec := newTestSink(store, DefaultConfig())
	s.AppendOutcome(outcome("dave", 1))
	s.flushes.Wait()

	assert.Equal(t, 3, store.calls)
	assert.Equal(t, 1, store.saved())
	assert.Equal(t, []time.Duration{shared.BucketRetryDelay, 2 * shared.BucketRetryDelay}, rec.delays)
}

func TestDropsAfterRetriesExhausted(t *testing.T) {
	store := &memStore{fails: 10}
	s, rec := newTestSink(store, DefaultConfig())
	before := testutil.ToFloat64(metrics.SinkDropped)

	s.AppendOutcome(outcome("erin", 1))
	s.flushes.Wait()

	assert.Equal(t, shared.MaxFlushRetries, store.calls)
	assert.Len(t, rec.delays, shared.MaxFlushRetries-1)
	assert.Zero(t, store.saved())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.SinkDropped))
}

func TestShutdownFlushesEveryBucket(t *testing.T) {
	store := &memStore{}
	s, _ := newTestSink(store, DefaultConfig())
	for _, actor := range []string{"a", "b", "c"} {
		s.AddInflight(actor)
		s.AppendOutcome(outcome(actor, 1))
		s.AppendOutcome(outcome(actor, 2))
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		for _, actor := range []string{"a", "b", "c"} {
			s.DoneInflight(actor)
		}
	}()

	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, 6, store.saved())
	assert.Zero(t, s.Pending())
}

func TestShutdownGivesUpOnStuckInflight(t *testing.T) {
	store := &memStore{}
	s, _ := newTestSink(store, DefaultConfig())
	s.AddInflight("stuck")
	s.AppendOutcome(outcome("stuck", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Shutdown(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, store.saved())
}

func TestConcurrentAppend(t *testing.T) {
	store := &memStore{}
	cfg := DefaultConfig()
	cfg.MaxBatch = 10
	s, _ := newTestSink(store, cfg)

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			actor := fmt.Sprintf("actor-%d", i%5)
			s.AddInflight(actor)
			s.AppendOutcome(outcome(actor, i))
			s.DoneInflight(actor)
		}()
	}
	wg.Wait()
	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, 100, store.saved())
}

func TestLogStore(t *testing.T) {
	require.NoError(t, LogStore{Log: zap.NewNop().Sugar()}.SaveOutcomes(context.Background(), []*Outcome{outcome("x", 1)}))
}
