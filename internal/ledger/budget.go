package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"modelgate/internal/shared"
)

// Budget is a per actor spend limit in USD. A zero limit disables that
// period; zero percentages fall back to 80% and 95%.
type Budget struct {
	ActorID      string  `json:"actor_id"`
	DailyLimit   float64 `json:"daily_limit"`
	MonthlyLimit float64 `json:"monthly_limit"`
	WarningPct   float64 `json:"warning_pct,omitempty"`
	CriticalPct  float64 `json:"critical_pct,omitempty"`
}

func (b Budget) limit(p Period) float64 {
	switch p {
	case PeriodDay:
		return b.DailyLimit
	case PeriodMonth:
		return b.MonthlyLimit
	}
	return 0
}

func (b Budget) thresholds() (warn, crit float64) {
	warn, crit = b.WarningPct, b.CriticalPct
	if warn <= 0 {
		warn = shared.DefaultWarningPct
	}
	if crit <= 0 {
		crit = shared.DefaultCriticalPct
	}
	return warn, crit
}

type BudgetSource interface {
	Budget(actorID string) (Budget, bool)
}

type StaticBudgets struct {
	mu sync.RWMutex
	m  map[string]Budget
}

func NewStaticBudgets(budgets ...Budget) *StaticBudgets {
	s := &StaticBudgets{m: map[string]Budget{}}
	for _, b := range budgets {
		s.m[b.ActorID] = b
	}
	return s
}

// LoadBudgets reads a JSON array of budgets.
func LoadBudgets(path string) (*StaticBudgets, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed reading budgets file: %w", err)
	}
	var budgets []Budget
	if err := json.Unmarshal(raw, &budgets); err != nil {
		return nil, fmt.Errorf("failed parsing budgets file: %w", err)
	}
	for _, b := range budgets {
		if b.ActorID == "" {
			return nil, fmt.Errorf("budget entry without actor_id")
		}
	}
	return NewStaticBudgets(budgets...), nil
}

func (s *StaticBudgets) Budget(actorID string) (Budget, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.m[actorID]
	return b, ok
}

func (s *StaticBudgets) Set(b Budget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[b.ActorID] = b
}

type Utilization struct {
	ActorID string    `json:"actor_id"`
	Period  Period    `json:"period"`
	Since   time.Time `json:"since"`
	Limit   float64   `json:"limit"`
	Spent   float64   `json:"spent"`
	Ratio   float64   `json:"ratio"`
}

// CheckBudget reports spend against the actor's limit for a daily or
// monthly period and raises any threshold alert not already raised within
// the dedup window. ok is false when no limit applies.
func (l *Ledger) CheckBudget(ctx context.Context, actor string, period Period) (Utilization, bool) {
	if l.budgets == nil {
		return Utilization{}, false
	}
	b, ok := l.budgets.Budget(actor)
	if !ok || b.limit(period) <= 0 {
		return Utilization{}, false
	}

	l.mu.Lock()
	now := l.now()
	u := l.utilizationLocked(actor, period, b, now)
	raised := l.thresholdLocked(u, b, now)
	l.mu.Unlock()

	l.dispatch(ctx, raised)
	return u, true
}

func (l *Ledger) utilizationLocked(actor string, period Period, b Budget, now time.Time) Utilization {
	since := period.Start(now)
	u := Utilization{
		ActorID: actor,
		Period:  period,
		Since:   since,
		Limit:   b.limit(period),
		Spent:   l.spendSinceLocked(actor, since),
	}
	if u.Limit > 0 {
		u.Ratio = u.Spent / u.Limit
	}
	return u
}

func (l *Ledger) budgetLocked(actor string, now time.Time) []BudgetAlert {
	if l.budgets == nil {
		return nil
	}
	b, ok := l.budgets.Budget(actor)
	if !ok {
		return nil
	}
	var raised []BudgetAlert
	for _, p := range []Period{PeriodDay, PeriodMonth} {
		if b.limit(p) <= 0 {
			continue
		}
		u := l.utilizationLocked(actor, p, b, now)
		raised = append(raised, l.thresholdLocked(u, b, now)...)
	}
	return raised
}

// thresholdLocked raises only the highest threshold crossed.
func (l *Ledger) thresholdLocked(u Utilization, b Budget, now time.Time) []BudgetAlert {
	warn, crit := b.thresholds()

	var kind AlertKind
	var sev Severity
	var pct float64
	switch {
	case u.Ratio >= 1:
		kind, sev, pct = AlertBudgetExceeded, SeverityCritical, 1
	case u.Ratio >= crit:
		kind, sev, pct = AlertBudgetCritical, SeverityCritical, crit
	case u.Ratio >= warn:
		kind, sev, pct = AlertBudgetWarning, SeverityWarning, warn
	default:
		return nil
	}

	msg := fmt.Sprintf("%s spend for %s is $%.4f of $%.2f (%.0f%%)", u.Period, u.ActorID, u.Spent, u.Limit, u.Ratio*100)
	a, ok := l.emitLocked(BudgetAlert{
		Kind:      kind,
		Severity:  sev,
		Message:   msg,
		Threshold: u.Limit * pct,
		Actual:    u.Spent,
		ActorID:   u.ActorID,
		Period:    u.Period,
	}, now)
	if !ok {
		return nil
	}
	return []BudgetAlert{a}
}
