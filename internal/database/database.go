// Package database persists generation outcomes and their daily rollups.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"modelgate/internal/sink"
)

// ExecuteTransaction executes one transaction with one or multiple database executions.
func ExecuteTransaction(ctx context.Context, writeDB *sql.DB, fns []func(*sql.Tx) error) error {
	tx, err := writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, fn := range fns {
		if err := fn(tx); err != nil {
			return fmt.Errorf("failed to execute transaction function: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type DailyStats struct {
	Date         string
	ActorID      string
	Model        string
	Operation    string
	RequestCount uint64
	ErrorCount   uint64
	CachedCount  uint64
	InputTokens  uint64
	OutputTokens uint64
	TotalCost    float64
	TotalTime    int64
}

// aggregateDaily rolls outcomes up per (UTC day, actor, model, operation),
// ordered by key so statements are deterministic.
func aggregateDaily(outcomes []*sink.Outcome) []*DailyStats {
	type key struct{ date, actor, model, op string }
	agg := map[key]*DailyStats{}
	for _, o := range outcomes {
		created := o.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		k := key{created.UTC().Format(time.DateOnly), o.ActorID, o.Model, string(o.Operation)}
		s, ok := agg[k]
		if !ok {
			s = &DailyStats{Date: k.date, ActorID: k.actor, Model: k.model, Operation: k.op}
			agg[k] = s
		}
		s.RequestCount++
		if !o.Success {
			s.ErrorCount++
		}
		if o.Cached {
			s.CachedCount++
		}
		s.InputTokens += o.Usage.InputTokens
		s.OutputTokens += o.Usage.OutputTokens
		s.TotalCost += o.Cost
		s.TotalTime += o.TotalTime.Milliseconds()
	}

	out := make([]*DailyStats, 0, len(agg))
	for _, s := range agg {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.ActorID != b.ActorID {
			return a.ActorID < b.ActorID
		}
		if a.Model != b.Model {
			return a.Model < b.Model
		}
		return a.Operation < b.Operation
	})
	return out
}

func outcomeArgs(o *sink.Outcome) []any {
	created := o.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return []any{
		o.RequestID, o.ActorID, o.TraceID, o.Feature,
		string(o.Operation), o.Model, o.Provider,
		o.Success, o.Cached, o.ErrorKind, o.ErrorDetail, o.Attempts,
		o.Usage.InputTokens, o.Usage.OutputTokens, o.Usage.CachedInputTokens,
		o.Cost, o.TimeToFirstToken.Milliseconds(), o.TotalTime.Milliseconds(),
		created.UTC(),
	}
}

const outcomeColumns = `request_id, actor_id, trace_id, feature,
		operation, model, provider,
		success, cached, error_kind, error_detail, attempts,
		input_tokens, output_tokens, cached_input_tokens,
		cost, time_to_first_token, total_time,
		created_at`

const outcomeColumnCount = 19

const statsColumns = `date, actor_id, model, operation, request_count, error_count, cached_count, input_tokens, output_tokens, total_cost, total_time`
