package providers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"modelgate/internal/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubProvider struct {
	name string

	mu     sync.Mutex
	errs   []error
	calls  int
	probes int
	probe  error
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Invoke(ctx context.Context, op shared.OperationKind, req *shared.GenerationRequest) (*shared.GenerationResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &shared.GenerationResponse{Operation: op, Model: req.Model, Text: "ok"}, nil
}

type probingProvider struct {
	stubProvider
}

func (p *probingProvider) Probe(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes++
	return p.probe
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errBoom = errors.New("boom")

func newTestGateway(ps ...Provider) (*Gateway, *stepClock) {
	clock := &stepClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewGateway(zap.NewNop().Sugar(), ps, WithGatewayClock(clock.Now)), clock
}

func textReq() *shared.GenerationRequest {
	return &shared.GenerationRequest{Operation: shared.OpText, Model: "m", Prompt: "hi"}
}

func TestGatewayStartsOptimistic(t *testing.T) {
	g, _ := newTestGateway(&stubProvider{name: "a"}, &stubProvider{name: "b"})
	for _, name := range []string{"a", "b"} {
		h, ok := g.Health(name)
		require.True(t, ok)
		assert.True(t, h.Healthy)
		assert.Zero(t, h.ConsecutiveErrors)
	}
	assert.True(t, g.IsOverallHealthy())
}

func TestGatewayUnknownProvider(t *testing.T) {
	g, _ := newTestGateway()
	_, err := g.Invoke(context.Background(), "nope", shared.OpText, textReq())
	require.ErrorIs(t, err, shared.ErrUnknownProvider)
	assert.True(t, g.IsHealthy("nope"))
	assert.True(t, g.IsOverallHealthy())
}

func TestGatewayUnhealthyAfterThreeConsecutiveFailures(t *testing.T) {
	p := &stubProvider{name: "a", errs: []error{errBoom, errBoom, errBoom}}
	g, _ := newTestGateway(p)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		_, err := g.Invoke(ctx, "a", shared.OpText, textReq())
		require.ErrorIs(t, err, errBoom)
		h, _ := g.Health("a")
		assert.True(t, h.Healthy, "still healthy after %d failures", i)
		assert.Equal(t, i, h.ConsecutiveErrors)
	}

	_, err := g.Invoke(ctx, "a", shared.OpText, textReq())
	require.ErrorIs(t, err, errBoom)
	h, _ := g.Health("a")
	assert.False(t, h.Healthy)
	assert.Equal(t, 3, h.ConsecutiveErrors)
	assert.Equal(t, uint64(3), h.TotalErrors)
	assert.InDelta(t, 0.271, h.ErrorRate, 1e-9)
	assert.False(t, g.IsHealthy("a"))

	resp, err := g.Invoke(ctx, "a", shared.OpText, textReq())
	require.NoError(t, err)
	assert.Equal(t, "a", resp.Provider)
	h, _ = g.Health("a")
	assert.True(t, h.Healthy)
	assert.Zero(t, h.ConsecutiveErrors)
	assert.InDelta(t, 0.271*0.9, h.ErrorRate, 1e-9)
	assert.Len(t, h.History, 4)
}

func TestGatewaySuccessResetsStreak(t *testing.T) {
	p := &stubProvider{name: "a", errs: []error{errBoom, errBoom, nil, errBoom, errBoom}}
	g, _ := newTestGateway(p)
	for range 5 {
		_, _ = g.Invoke(context.Background(), "a", shared.OpText, textReq())
	}
	h, _ := g.Health("a")
	assert.True(t, h.Healthy)
	assert.Equal(t, 2, h.ConsecutiveErrors)
}

func TestGatewayCanceledCallerDoesNotCount(t *testing.T) {
	p := &stubProvider{name: "a"}
	g, _ := newTestGateway(p)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for range 5 {
		_, err := g.Invoke(ctx, "a", shared.OpText, textReq())
		require.ErrorIs(t, err, context.Canceled)
	}
	h, _ := g.Health("a")
	assert.True(t, h.Healthy)
	assert.Zero(t, h.TotalRequests)
}

func TestGatewayLatencyEMA(t *testing.T) {
	clock := &stepClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	slow := &latencyProvider{name: "a", clock: clock}
	g := NewGateway(zap.NewNop().Sugar(), []Provider{slow}, WithGatewayClock(clock.Now))

	slow.step = 100 * time.Millisecond
	_, err := g.Invoke(context.Background(), "a", shared.OpText, textReq())
	require.NoError(t, err)
	h, _ := g.Health("a")
	assert.InDelta(t, 100, h.LatencyMs, 1e-9)

	slow.step = 200 * time.Millisecond
	_, err = g.Invoke(context.Background(), "a", shared.OpText, textReq())
	require.NoError(t, err)
	h, _ = g.Health("a")
	assert.InDelta(t, 110, h.LatencyMs, 1e-9)
}

type latencyProvider struct {
	name  string
	clock *stepClock
	step  time.Duration
}

func (l *latencyProvider) Name() string { return l.name }

func (l *latencyProvider) Invoke(_ context.Context, op shared.OperationKind, _ *shared.GenerationRequest) (*shared.GenerationResponse, error) {
	l.clock.Advance(l.step)
	return &shared.GenerationResponse{Operation: op}, nil
}

func TestGatewayHistoryIsBounded(t *testing.T) {
	g, _ := newTestGateway(&stubProvider{name: "a"})
	for range shared.HealthHistorySize + 20 {
		_, err := g.Invoke(context.Background(), "a", shared.OpText, textReq())
		require.NoError(t, err)
	}
	h, _ := g.Health("a")
	assert.Len(t, h.History, shared.HealthHistorySize)
	assert.Equal(t, uint64(shared.HealthHistorySize+20), h.TotalRequests)
}

func TestGatewayOverallHealth(t *testing.T) {
	a := &stubProvider{name: "a", errs: []error{errBoom, errBoom, errBoom}}
	b := &stubProvider{name: "b", errs: []error{errBoom, errBoom, errBoom}}
	c := &stubProvider{name: "c"}
	g, _ := newTestGateway(a, b, c)
	for range 3 {
		_, _ = g.Invoke(context.Background(), "a", shared.OpText, textReq())
	}
	assert.True(t, g.IsOverallHealthy())
	for range 3 {
		_, _ = g.Invoke(context.Background(), "b", shared.OpText, textReq())
	}
	assert.False(t, g.IsOverallHealthy())

	snap := g.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{snap[0].Provider, snap[1].Provider, snap[2].Provider})
	assert.Nil(t, snap[0].History)
}

func TestGatewayProbeIdle(t *testing.T) {
	p := &probingProvider{stubProvider: stubProvider{name: "probe"}}
	plain := &stubProvider{name: "plain"}
	g, clock := newTestGateway(p, plain)
	ctx := context.Background()

	// Never checked, so due immediately.
	assert.Equal(t, 1, g.ProbeIdle(ctx))
	assert.Equal(t, 1, p.probes)

	clock.Advance(time.Minute)
	assert.Equal(t, 0, g.ProbeIdle(ctx))

	clock.Advance(shared.HealthProbeInterval)
	_, err := g.Invoke(ctx, "probe", shared.OpText, textReq())
	require.NoError(t, err)
	assert.Equal(t, 0, g.ProbeIdle(ctx), "recent traffic counts as a check")

	p.probe = errBoom
	for range 3 {
		clock.Advance(shared.HealthProbeInterval)
		assert.Equal(t, 1, g.ProbeIdle(ctx))
	}
	h, _ := g.Health("probe")
	assert.False(t, h.Healthy)
	assert.True(t, h.History[len(h.History)-1].Probe)
}

func TestGatewayProbeLoopStops(t *testing.T) {
	g, _ := newTestGateway(&probingProvider{stubProvider: stubProvider{name: "p"}})
	g.StartProbe()
	g.StartProbe()
	g.Close()
	g.Close()
}

func TestGatewayConcurrentInvoke(t *testing.T) {
	g, _ := newTestGateway(&stubProvider{name: "a"})
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = g.Invoke(context.Background(), "a", shared.OpText, textReq())
			_ = g.Snapshot()
		}()
	}
	wg.Wait()
	h, _ := g.Health("a")
	assert.Equal(t, uint64(50), h.TotalRequests)
}
