package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"modelgate/internal/sink"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPGPool opens and pings a Postgres pool.
func NewPGPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PGStore is the Postgres counterpart of MySQLStore. Statements are queued
// on one pgx.Batch inside a transaction.
type PGStore struct {
	pool txBeginner
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func numbered(start, n int) string {
	parts := make([]string, n)
	for i := range n {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

var (
	pgOutcomeInsert = "INSERT INTO generation_outcome (" + outcomeColumns + ") VALUES " +
		numbered(1, outcomeColumnCount) + " ON CONFLICT (request_id) DO NOTHING"

	pgStatsUpsert = "INSERT INTO daily_stats (" + statsColumns + ") VALUES " + numbered(1, 11) + `
		ON CONFLICT (date, actor_id, model, operation) DO UPDATE SET
		request_count = daily_stats.request_count + EXCLUDED.request_count,
		error_count = daily_stats.error_count + EXCLUDED.error_count,
		cached_count = daily_stats.cached_count + EXCLUDED.cached_count,
		input_tokens = daily_stats.input_tokens + EXCLUDED.input_tokens,
		output_tokens = daily_stats.output_tokens + EXCLUDED.output_tokens,
		total_cost = daily_stats.total_cost + EXCLUDED.total_cost,
		total_time = daily_stats.total_time + EXCLUDED.total_time`
)

func buildPGBatch(outcomes []*sink.Outcome) *pgx.Batch {
	batch := &pgx.Batch{}
	for _, o := range outcomes {
		args := outcomeArgs(o)
		// Postgres has no unsigned integers.
		args[12] = int64(o.Usage.InputTokens)
		args[13] = int64(o.Usage.OutputTokens)
		args[14] = int64(o.Usage.CachedInputTokens)
		batch.Queue(pgOutcomeInsert, args...)
	}
	for _, st := range aggregateDaily(outcomes) {
		day, _ := time.Parse(time.DateOnly, st.Date)
		batch.Queue(pgStatsUpsert,
			day, st.ActorID, st.Model, st.Operation,
			int64(st.RequestCount), int64(st.ErrorCount), int64(st.CachedCount),
			int64(st.InputTokens), int64(st.OutputTokens), st.TotalCost, st.TotalTime,
		)
	}
	return batch
}

func (s *PGStore) SaveOutcomes(ctx context.Context, outcomes []*sink.Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := tx.SendBatch(ctx, buildPGBatch(outcomes)).Close(); err != nil {
		return fmt.Errorf("failed to save outcomes: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
