// Package ledger tracks estimated spend per actor, aggregates it over time
// windows and raises budget alerts.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"modelgate/internal/metrics"
	"modelgate/internal/shared"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Period string

const (
	PeriodHour  Period = "hour"
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

func ParsePeriod(s string) (Period, error) {
	switch p := Period(strings.ToLower(s)); p {
	case PeriodHour, PeriodDay, PeriodWeek, PeriodMonth:
		return p, nil
	case "":
		return PeriodDay, nil
	}
	return "", fmt.Errorf("unknown period %q", s)
}

// Start returns the beginning of the period containing now. Days, weeks and
// months are calendar aligned in UTC; an hour is the trailing 60 minutes.
func (p Period) Start(now time.Time) time.Time {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch p {
	case PeriodHour:
		return now.Add(-time.Hour)
	case PeriodWeek:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case PeriodMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return day
	}
}

type CostRecord struct {
	ID        string       `json:"id"`
	ActorID   string       `json:"actor_id"`
	ModelID   string       `json:"model_id"`
	Provider  string       `json:"provider"`
	Cost      float64      `json:"cost"`
	Saved     float64      `json:"saved,omitempty"`
	Usage     shared.Usage `json:"usage"`
	Timestamp time.Time    `json:"timestamp"`
	Cached    bool         `json:"cached"`
	RequestID string       `json:"request_id"`
}

type Summary struct {
	ActorID         string             `json:"actor_id,omitempty"`
	Period          Period             `json:"period"`
	Since           time.Time          `json:"since"`
	TotalCost       float64            `json:"total_cost"`
	TotalTokens     uint64             `json:"total_tokens"`
	Requests        int                `json:"requests"`
	CachedRequests  int                `json:"cached_requests"`
	AvgCostPerToken float64            `json:"avg_cost_per_token"`
	CachingSavings  float64            `json:"caching_savings"`
	ByModel         map[string]float64 `json:"by_model"`
}

type Config struct {
	Retention         time.Duration
	PruneInterval     time.Duration
	MaxRecords        int
	PruneBatch        int
	DedupWindow       time.Duration
	AnomalyWindow     time.Duration
	AnomalySample     int
	AnomalyMinSamples int
	AnomalyMultiplier float64
	AnomalyFloor      float64
	HighCostThreshold float64
	Surcharges        map[string]float64
}

func DefaultConfig() Config {
	return Config{
		Retention:         shared.LedgerRetention,
		PruneInterval:     shared.LedgerPruneInterval,
		MaxRecords:        shared.LedgerMaxRecords,
		PruneBatch:        shared.LedgerPruneBatch,
		DedupWindow:       shared.AlertDedupWindow,
		AnomalyWindow:     shared.AnomalyWindow,
		AnomalySample:     shared.AnomalySampleSize,
		AnomalyMinSamples: shared.AnomalyMinSamples,
		AnomalyMultiplier: shared.AnomalyMultiplier,
		AnomalyFloor:      shared.AnomalyFloorUSD,
		HighCostThreshold: shared.HighCostThresholdUSD,
		Surcharges:        DefaultSurcharges,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Retention <= 0 {
		c.Retention = def.Retention
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = def.PruneInterval
	}
	if c.MaxRecords <= 0 {
		c.MaxRecords = def.MaxRecords
	}
	if c.PruneBatch <= 0 {
		c.PruneBatch = def.PruneBatch
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = def.DedupWindow
	}
	if c.AnomalyWindow <= 0 {
		c.AnomalyWindow = def.AnomalyWindow
	}
	if c.AnomalySample <= 0 {
		c.AnomalySample = def.AnomalySample
	}
	if c.AnomalyMinSamples <= 0 {
		c.AnomalyMinSamples = def.AnomalyMinSamples
	}
	if c.AnomalyMultiplier <= 0 {
		c.AnomalyMultiplier = def.AnomalyMultiplier
	}
	if c.AnomalyFloor <= 0 {
		c.AnomalyFloor = def.AnomalyFloor
	}
	if c.HighCostThreshold <= 0 {
		c.HighCostThreshold = def.HighCostThreshold
	}
	if c.Surcharges == nil {
		c.Surcharges = def.Surcharges
	}
	return c
}

type Ledger struct {
	mu        sync.Mutex
	records   []*CostRecord
	byActor   map[string][]*CostRecord
	lastAlert map[alertKey]time.Time
	alerts    []BudgetAlert

	budgets  BudgetSource
	notifier AlertNotifier
	cfg      Config
	now      func() time.Time
	log      *zap.SugaredLogger

	stop     chan struct{}
	done     chan struct{}
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithNotifier(n AlertNotifier) Option {
	return func(l *Ledger) { l.notifier = n }
}

// New builds a ledger. budgets may be nil, which disables budget alerts.
func New(cfg Config, budgets BudgetSource, log *zap.SugaredLogger, opts ...Option) *Ledger {
	cfg = cfg.withDefaults()
	l := &Ledger{
		byActor:   map[string][]*CostRecord{},
		lastAlert: map[alertKey]time.Time{},
		budgets:   budgets,
		cfg:       cfg,
		now:       time.Now,
		log:       log,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RecordCost appends a cost record for actor and returns the cost charged.
// Alert evaluation runs afterwards and never fails the call.
func (l *Ledger) RecordCost(ctx context.Context, actor string, desc *shared.ModelDescriptor, usage shared.Usage, cached bool, requestID string) float64 {
	full := l.ComputeCost(desc, usage, false)
	cost, saved := full, 0.0
	if cached {
		cost, saved = 0, full
	}
	rec := &CostRecord{
		ID:        uuid.NewString(),
		ActorID:   actor,
		Cost:      cost,
		Saved:     saved,
		Usage:     usage,
		Cached:    cached,
		RequestID: requestID,
	}
	if desc != nil {
		rec.ModelID = desc.ID
		rec.Provider = desc.Provider
	}

	l.mu.Lock()
	now := l.now()
	if hist := l.byActor[actor]; len(hist) > 0 && now.Before(hist[len(hist)-1].Timestamp) {
		now = hist[len(hist)-1].Timestamp
	}
	rec.Timestamp = now
	baseline := l.baselineLocked(actor, now)

	l.records = append(l.records, rec)
	l.byActor[actor] = append(l.byActor[actor], rec)
	if len(l.records) > l.cfg.MaxRecords {
		dropped := l.dropOldestLocked(l.cfg.PruneBatch)
		l.log.Infow("Cost ledger over capacity, dropped oldest records", "dropped", dropped)
	}

	var raised []BudgetAlert
	raised = append(raised, l.highCostLocked(rec)...)
	raised = append(raised, l.anomalyLocked(rec, baseline)...)
	raised = append(raised, l.budgetLocked(actor, now)...)
	l.mu.Unlock()

	metrics.CostUSD.WithLabelValues(rec.ModelID, rec.Provider).Add(cost)
	l.dispatch(ctx, raised)
	return cost
}

// Summary aggregates an actor's records for the period. An empty actor
// aggregates everyone.
func (l *Ledger) Summary(actor string, period Period) Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	since := period.Start(l.now())
	s := Summary{ActorID: actor, Period: period, Since: since, ByModel: map[string]float64{}}

	recs := l.records
	if actor != "" {
		recs = l.byActor[actor]
	}
	for _, r := range recs {
		if r.Timestamp.Before(since) {
			continue
		}
		s.Requests++
		s.TotalCost += r.Cost
		s.TotalTokens += r.Usage.Total()
		s.CachingSavings += r.Saved
		s.ByModel[r.ModelID] += r.Cost
		if r.Cached {
			s.CachedRequests++
		}
	}
	if s.TotalTokens > 0 {
		s.AvgCostPerToken = s.TotalCost / float64(s.TotalTokens)
	}
	return s
}

// Records returns a copy of an actor's records in insertion order.
func (l *Ledger) Records(actor string) []CostRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]CostRecord, 0, len(l.byActor[actor]))
	for _, r := range l.byActor[actor] {
		out = append(out, *r)
	}
	return out
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func (l *Ledger) spendSinceLocked(actor string, since time.Time) float64 {
	total := 0.0
	for _, r := range l.byActor[actor] {
		if !r.Timestamp.Before(since) {
			total += r.Cost
		}
	}
	return total
}

// dropOldestLocked removes the n oldest records. Each actor's slice is in
// insertion order, so the removed records are a prefix of it.
func (l *Ledger) dropOldestLocked(n int) int {
	n = min(n, len(l.records))
	perActor := map[string]int{}
	for _, r := range l.records[:n] {
		perActor[r.ActorID]++
	}
	l.records = append([]*CostRecord(nil), l.records[n:]...)
	for actor, c := range perActor {
		rest := l.byActor[actor][c:]
		if len(rest) == 0 {
			delete(l.byActor, actor)
			continue
		}
		l.byActor[actor] = append([]*CostRecord(nil), rest...)
	}
	return n
}

// Prune removes records older than the retention horizon.
func (l *Ledger) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.cfg.Retention)
	kept := l.records[:0:0]
	for _, r := range l.records {
		if !r.Timestamp.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	removed := len(l.records) - len(kept)
	if removed == 0 {
		return 0
	}
	l.records = kept
	for actor, recs := range l.byActor {
		var keep []*CostRecord
		for _, r := range recs {
			if !r.Timestamp.Before(cutoff) {
				keep = append(keep, r)
			}
		}
		if len(keep) == 0 {
			delete(l.byActor, actor)
			continue
		}
		l.byActor[actor] = keep
	}
	for k, at := range l.lastAlert {
		if l.now().Sub(at) > l.cfg.DedupWindow {
			delete(l.lastAlert, k)
		}
	}
	return removed
}

// Start runs the retention prune until Close is called.
func (l *Ledger) Start() {
	l.startMu.Lock()
	defer l.startMu.Unlock()
	if l.started {
		return
	}
	l.started = true
	go func() {
		defer close(l.done)
		ticker := time.NewTicker(l.cfg.PruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-ticker.C:
				if removed := l.Prune(); removed > 0 {
					l.log.Infow("Pruned cost records", "removed", removed)
				}
			}
		}
	}()
}

func (l *Ledger) Close() {
	l.stopOnce.Do(func() {
		close(l.stop)
		l.startMu.Lock()
		started := l.started
		l.startMu.Unlock()
		if started {
			<-l.done
		}
	})
}
