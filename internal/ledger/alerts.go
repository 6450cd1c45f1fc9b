package ledger

import (
	"context"
	"fmt"
	"time"

	"modelgate/internal/metrics"
	"modelgate/internal/shared"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type AlertKind string

const (
	AlertBudgetWarning   AlertKind = "budget_warning"
	AlertBudgetCritical  AlertKind = "budget_critical"
	AlertBudgetExceeded  AlertKind = "budget_exceeded"
	AlertUnusualSpending AlertKind = "unusual_spending"
	AlertHighCostModel   AlertKind = "high_cost_model"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type BudgetAlert struct {
	ID        string    `json:"id"`
	Kind      AlertKind `json:"kind"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Threshold float64   `json:"threshold"`
	Actual    float64   `json:"actual"`
	Timestamp time.Time `json:"timestamp"`
	ActorID   string    `json:"actor_id"`
	Period    Period    `json:"period,omitempty"`
	ModelID   string    `json:"model_id,omitempty"`
}

type AlertNotifier interface {
	Notify(ctx context.Context, alert BudgetAlert) error
}

// LogNotifier writes alerts to the log.
type LogNotifier struct {
	Log *zap.SugaredLogger
}

func (n LogNotifier) Notify(_ context.Context, a BudgetAlert) error {
	n.Log.Warnw("Budget alert",
		"alert_id", a.ID,
		"kind", a.Kind,
		"severity", a.Severity,
		"actor_id", a.ActorID,
		"threshold", a.Threshold,
		"actual", a.Actual,
		"message", a.Message,
	)
	return nil
}

type alertKey struct {
	actor string
	kind  AlertKind
}

// emitLocked stamps and stores the alert unless one of the same kind was
// raised for the same actor within the dedup window.
func (l *Ledger) emitLocked(a BudgetAlert, now time.Time) (BudgetAlert, bool) {
	key := alertKey{actor: a.ActorID, kind: a.Kind}
	if last, ok := l.lastAlert[key]; ok && now.Sub(last) < l.cfg.DedupWindow {
		return BudgetAlert{}, false
	}
	l.lastAlert[key] = now
	a.ID = uuid.NewString()
	a.Timestamp = now

	l.alerts = append(l.alerts, a)
	if over := len(l.alerts) - shared.MaxStoredAlerts; over > 0 {
		l.alerts = append([]BudgetAlert(nil), l.alerts[over:]...)
	}
	return a, true
}

func (l *Ledger) highCostLocked(rec *CostRecord) []BudgetAlert {
	if rec.Cached || rec.Cost < l.cfg.HighCostThreshold {
		return nil
	}
	a, ok := l.emitLocked(BudgetAlert{
		Kind:      AlertHighCostModel,
		Severity:  SeverityInfo,
		Message:   fmt.Sprintf("single %s request cost $%.4f", rec.ModelID, rec.Cost),
		Threshold: l.cfg.HighCostThreshold,
		Actual:    rec.Cost,
		ActorID:   rec.ActorID,
		ModelID:   rec.ModelID,
	}, rec.Timestamp)
	if !ok {
		return nil
	}
	return []BudgetAlert{a}
}

// baselineLocked collects up to AnomalySample of the actor's most recent
// uncached costs inside the anomaly window.
func (l *Ledger) baselineLocked(actor string, now time.Time) []float64 {
	recs := l.byActor[actor]
	cutoff := now.Add(-l.cfg.AnomalyWindow)
	out := make([]float64, 0, l.cfg.AnomalySample)
	for i := len(recs) - 1; i >= 0 && len(out) < l.cfg.AnomalySample; i-- {
		r := recs[i]
		if r.Timestamp.Before(cutoff) {
			break
		}
		if !r.Cached {
			out = append(out, r.Cost)
		}
	}
	return out
}

func (l *Ledger) anomalyLocked(rec *CostRecord, baseline []float64) []BudgetAlert {
	if rec.Cached || len(baseline) < l.cfg.AnomalyMinSamples || rec.Cost <= l.cfg.AnomalyFloor {
		return nil
	}
	sum := 0.0
	for _, c := range baseline {
		sum += c
	}
	mean := sum / float64(len(baseline))
	if mean <= 0 || rec.Cost <= mean*l.cfg.AnomalyMultiplier {
		return nil
	}
	a, ok := l.emitLocked(BudgetAlert{
		Kind:      AlertUnusualSpending,
		Severity:  SeverityWarning,
		Message:   fmt.Sprintf("request cost $%.4f is %.1fx the recent mean of $%.4f", rec.Cost, rec.Cost/mean, mean),
		Threshold: mean * l.cfg.AnomalyMultiplier,
		Actual:    rec.Cost,
		ActorID:   rec.ActorID,
		ModelID:   rec.ModelID,
	}, rec.Timestamp)
	if !ok {
		return nil
	}
	return []BudgetAlert{a}
}

func (l *Ledger) dispatch(ctx context.Context, alerts []BudgetAlert) {
	for _, a := range alerts {
		metrics.BudgetAlerts.WithLabelValues(string(a.Kind), string(a.Severity)).Inc()
		if l.notifier == nil {
			continue
		}
		if err := l.notifier.Notify(ctx, a); err != nil {
			l.log.Warnw("Failed delivering budget alert", "alert_id", a.ID, "kind", a.Kind, "error", err)
		}
	}
}

// Alerts returns stored alerts, oldest first. An empty actor returns all.
func (l *Ledger) Alerts(actor string) []BudgetAlert {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []BudgetAlert{}
	for _, a := range l.alerts {
		if actor == "" || a.ActorID == actor {
			out = append(out, a)
		}
	}
	return out
}
