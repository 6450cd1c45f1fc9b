package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"modelgate/internal/sink"
)

// MySQLStore writes outcomes with multi row inserts and upserts the daily
// rollup, all in one transaction.
type MySQLStore struct {
	db *sql.DB
}

func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

func placeholders(n int) string {
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", n), ", ") + ")"
}

func (s *MySQLStore) SaveOutcomes(ctx context.Context, outcomes []*sink.Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	var outcomeSQL strings.Builder
	outcomeSQL.WriteString("INSERT INTO generation_outcome (" + outcomeColumns + ") VALUES ")
	outcomeVals := make([]any, 0, len(outcomes)*outcomeColumnCount)
	row := placeholders(outcomeColumnCount)
	for i, o := range outcomes {
		if i > 0 {
			outcomeSQL.WriteString(", ")
		}
		outcomeSQL.WriteString(row)
		outcomeVals = append(outcomeVals, outcomeArgs(o)...)
	}
	// A reused request id keeps the first row, matching the postgres store.
	outcomeSQL.WriteString(" ON DUPLICATE KEY UPDATE request_id = request_id")

	stats := aggregateDaily(outcomes)
	var statsSQL strings.Builder
	statsSQL.WriteString("INSERT INTO daily_stats (" + statsColumns + ") VALUES ")
	statsVals := make([]any, 0, len(stats)*11)
	row = placeholders(11)
	for i, st := range stats {
		if i > 0 {
			statsSQL.WriteString(", ")
		}
		statsSQL.WriteString(row)
		statsVals = append(statsVals,
			st.Date, st.ActorID, st.Model, st.Operation,
			st.RequestCount, st.ErrorCount, st.CachedCount,
			st.InputTokens, st.OutputTokens, st.TotalCost, st.TotalTime,
		)
	}
	statsSQL.WriteString(` ON DUPLICATE KEY UPDATE
		request_count = request_count + VALUES(request_count),
		error_count = error_count + VALUES(error_count),
		cached_count = cached_count + VALUES(cached_count),
		input_tokens = input_tokens + VALUES(input_tokens),
		output_tokens = output_tokens + VALUES(output_tokens),
		total_cost = total_cost + VALUES(total_cost),
		total_time = total_time + VALUES(total_time)`)

	return ExecuteTransaction(ctx, s.db, []func(*sql.Tx) error{
		func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, outcomeSQL.String(), outcomeVals...); err != nil {
				return fmt.Errorf("failed to save outcomes: %w", err)
			}
			return nil
		},
		func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, statsSQL.String(), statsVals...); err != nil {
				return fmt.Errorf("failed to update daily stats: %w", err)
			}
			return nil
		},
	})
}
