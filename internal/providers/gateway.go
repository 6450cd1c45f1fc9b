// Package providers executes generation operations against upstream model
// providers and tracks each provider's rolling health.
package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"modelgate/internal/metrics"
	"modelgate/internal/shared"

	"go.uber.org/zap"
)

type Provider interface {
	Name() string
	Invoke(ctx context.Context, op shared.OperationKind, req *shared.GenerationRequest) (*shared.GenerationResponse, error)
}

// Prober is implemented by providers that can be health checked without a
// billable generation.
type Prober interface {
	Probe(ctx context.Context) error
}

type CheckResult struct {
	At      time.Time     `json:"at"`
	Success bool          `json:"success"`
	Latency time.Duration `json:"latency"`
	Probe   bool          `json:"probe,omitempty"`
	Error   string        `json:"error,omitempty"`
}

type Health struct {
	Provider          string        `json:"provider"`
	Healthy           bool          `json:"healthy"`
	LatencyMs         float64       `json:"latency_ms"`
	ErrorRate         float64       `json:"error_rate"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	LastCheck         time.Time     `json:"last_check"`
	TotalRequests     uint64        `json:"total_requests"`
	TotalErrors       uint64        `json:"total_errors"`
	History           []CheckResult `json:"history,omitempty"`
}

type GatewayConfig struct {
	UnhealthyAfter int
	Alpha          float64
	HistorySize    int
	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		UnhealthyAfter: shared.UnhealthyAfterErrors,
		Alpha:          shared.HealthEMAAlpha,
		HistorySize:    shared.HealthHistorySize,
		ProbeInterval:  shared.HealthProbeInterval,
		ProbeTimeout:   shared.HealthProbeTimeout,
	}
}

type Gateway struct {
	mu        sync.RWMutex
	providers map[string]Provider
	health    map[string]*Health

	cfg GatewayConfig
	now func() time.Time
	log *zap.SugaredLogger

	stop     chan struct{}
	done     chan struct{}
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
}

type GatewayOption func(*Gateway)

func WithGatewayClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

func WithGatewayConfig(cfg GatewayConfig) GatewayOption {
	return func(g *Gateway) { g.cfg = cfg }
}

// NewGateway registers providers with optimistic health.
func NewGateway(log *zap.SugaredLogger, providers []Provider, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		providers: map[string]Provider{},
		health:    map[string]*Health{},
		cfg:       DefaultGatewayConfig(),
		now:       time.Now,
		log:       log,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	for _, p := range providers {
		g.Register(p)
	}
	return g
}

// Register adds or replaces a provider and resets its health to healthy.
func (g *Gateway) Register(p Provider) {
	g.mu.Lock()
	defer g.mu.Unlock()
	name := p.Name()
	g.providers[name] = p
	g.health[name] = &Health{Provider: name, Healthy: true}
	metrics.ProviderHealthy.WithLabelValues(name).Set(1)
}

// Invoke runs one attempt against the named provider and updates its
// health. Attempts abandoned by the caller's context do not count.
func (g *Gateway) Invoke(ctx context.Context, provider string, op shared.OperationKind, req *shared.GenerationRequest) (*shared.GenerationResponse, error) {
	g.mu.RLock()
	p, ok := g.providers[provider]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", shared.ErrUnknownProvider, provider)
	}

	start := g.now()
	resp, err := p.Invoke(ctx, op, req)
	latency := g.now().Sub(start)

	if err == nil && resp == nil {
		err = fmt.Errorf("%s returned an empty response", provider)
	}
	if err != nil {
		metrics.ProviderLatency.WithLabelValues(provider, string(op), "error").Observe(latency.Seconds())
		if ctx.Err() != nil {
			return nil, err
		}
		g.record(provider, latency, err, false)
		return nil, err
	}

	metrics.ProviderLatency.WithLabelValues(provider, string(op), "success").Observe(latency.Seconds())
	g.record(provider, latency, nil, false)
	if resp.Provider == "" {
		resp.Provider = provider
	}
	return resp, nil
}

// record is the single health update path for real attempts and probes.
// One success restores health; only UnhealthyAfter consecutive failures
// take it away.
func (g *Gateway) record(provider string, latency time.Duration, err error, probe bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.health[provider]
	if !ok {
		return
	}
	alpha := g.cfg.Alpha
	now := g.now()

	res := CheckResult{At: now, Success: err == nil, Latency: latency, Probe: probe}
	h.LastCheck = now
	h.TotalRequests++

	if err == nil {
		wasHealthy := h.Healthy
		h.ConsecutiveErrors = 0
		h.Healthy = true
		h.ErrorRate *= 1 - alpha
		ms := float64(latency) / float64(time.Millisecond)
		if h.LatencyMs == 0 {
			h.LatencyMs = ms
		} else {
			h.LatencyMs = alpha*ms + (1-alpha)*h.LatencyMs
		}
		if !wasHealthy {
			g.log.Infow("Provider recovered", "provider", provider)
		}
		metrics.ProviderHealthy.WithLabelValues(provider).Set(1)
	} else {
		res.Error = err.Error()
		h.TotalErrors++
		h.ConsecutiveErrors++
		h.ErrorRate = h.ErrorRate*(1-alpha) + alpha
		if h.Healthy && h.ConsecutiveErrors >= g.cfg.UnhealthyAfter {
			h.Healthy = false
			g.log.Warnw("Provider marked unhealthy", "provider", provider, "consecutive_errors", h.ConsecutiveErrors, "error", err)
			metrics.ProviderHealthy.WithLabelValues(provider).Set(0)
		}
	}

	h.History = append(h.History, res)
	if over := len(h.History) - g.cfg.HistorySize; over > 0 {
		h.History = append([]CheckResult(nil), h.History[over:]...)
	}
}

func (g *Gateway) Health(provider string) (Health, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	h, ok := g.health[provider]
	if !ok {
		return Health{}, false
	}
	out := *h
	out.History = append([]CheckResult(nil), h.History...)
	return out, true
}

// IsHealthy reports false only for known providers currently marked down.
func (g *Gateway) IsHealthy(provider string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	h, ok := g.health[provider]
	return !ok || h.Healthy
}

// Snapshot returns every provider's health without history, sorted by name.
func (g *Gateway) Snapshot() []Health {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Health, 0, len(g.health))
	for _, h := range g.health {
		c := *h
		c.History = nil
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// IsOverallHealthy is true when at least half of the tracked providers are
// healthy. It is a coarse signal and never blocks dispatch.
func (g *Gateway) IsOverallHealthy() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	healthy := 0
	for _, h := range g.health {
		if h.Healthy {
			healthy++
		}
	}
	return healthy*2 >= len(g.health)
}

// ProbeIdle checks every Prober that has not seen traffic for a full probe
// interval and returns how many were probed.
func (g *Gateway) ProbeIdle(ctx context.Context) int {
	now := g.now()
	g.mu.RLock()
	var due []Provider
	for name, p := range g.providers {
		if _, ok := p.(Prober); !ok {
			continue
		}
		if now.Sub(g.health[name].LastCheck) >= g.cfg.ProbeInterval {
			due = append(due, p)
		}
	}
	g.mu.RUnlock()

	for _, p := range due {
		pctx, cancel := context.WithTimeout(ctx, g.cfg.ProbeTimeout)
		start := g.now()
		err := p.(Prober).Probe(pctx)
		cancel()
		if err != nil {
			g.log.Warnw("Provider probe failed", "provider", p.Name(), "error", err)
		}
		g.record(p.Name(), g.now().Sub(start), err, true)
	}
	return len(due)
}

// StartProbe runs ProbeIdle every probe interval until Close.
func (g *Gateway) StartProbe() {
	g.startMu.Lock()
	defer g.startMu.Unlock()
	if g.started {
		return
	}
	g.started = true
	go func() {
		defer close(g.done)
		ticker := time.NewTicker(g.cfg.ProbeInterval)
		defer ticker.Stop()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-g.stop
			cancel()
		}()
		for {
			select {
			case <-g.stop:
				return
			case <-ticker.C:
				if n := g.ProbeIdle(ctx); n > 0 {
					g.log.Debugw("Probed idle providers", "count", n)
				}
			}
		}
	}()
}

func (g *Gateway) Close() {
	g.stopOnce.Do(func() {
		close(g.stop)
		g.startMu.Lock()
		started := g.started
		g.startMu.Unlock()
		if started {
			<-g.done
		}
	})
}
