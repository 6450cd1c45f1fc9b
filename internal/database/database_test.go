package database

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"modelgate/internal/shared"
	"modelgate/internal/sink"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleOutcomes() []*sink.Outcome {
	day := time.Date(2025, 3, 1, 23, 30, 0, 0, time.UTC)
	return []*sink.Outcome{
		{
			RequestID: "req_1", ActorID: "alice", Operation: shared.OpText, Model: "gpt-4o", Provider: "openai",
			Success: true, Attempts: 1, Usage: shared.Usage{InputTokens: 100, OutputTokens: 20},
			Cost: 0.01, TotalTime: 1500 * time.Millisecond, CreatedAt: day,
		},
		{
			RequestID: "req_2", ActorID: "alice", Operation: shared.OpText, Model: "gpt-4o", Provider: "openai",
			Success: true, Cached: true, Usage: shared.Usage{InputTokens: 100, OutputTokens: 20},
			TotalTime: 5 * time.Millisecond, CreatedAt: day,
		},
		{
			RequestID: "req_3", ActorID: "alice", Operation: shared.OpText, Model: "gpt-4o", Provider: "openai",
			Success: false, ErrorKind: "rate_limit", Attempts: 4, CreatedAt: day.Add(time.Hour),
		},
		{
			RequestID: "req_4", ActorID: "bob", Operation: shared.OpEmbedding, Model: "text-embedding-3-small",
			Success: true, Usage: shared.Usage{InputTokens: 8}, Cost: 0.0001, CreatedAt: day,
		},
	}
}

func TestAggregateDaily(t *testing.T) {
	stats := aggregateDaily(sampleOutcomes())
	require.Len(t, stats, 3)

	first := stats[0]
	assert.Equal(t, "2025-03-01", first.Date)
	assert.Equal(t, "alice", first.ActorID)
	assert.Equal(t, uint64(2), first.RequestCount)
	assert.Equal(t, uint64(1), first.CachedCount)
	assert.Equal(t, uint64(200), first.InputTokens)
	assert.InDelta(t, 0.01, first.TotalCost, 1e-12)
	assert.Equal(t, int64(1505), first.TotalTime)

	assert.Equal(t, "bob", stats[1].ActorID)

	// The failure rolled over into the next UTC day.
	assert.Equal(t, "2025-03-02", stats[2].Date)
	assert.Equal(t, uint64(1), stats[2].ErrorCount)
}

func TestMySQLStoreSaveOutcomes(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO generation_outcome")).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO daily_stats")).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	require.NoError(t, NewMySQLStore(db).SaveOutcomes(context.Background(), sampleOutcomes()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStoreKeepsFirstRowForReusedRequestID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	outcomes := sampleOutcomes()[:2]
	outcomes[1].RequestID = outcomes[0].RequestID

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)INSERT INTO generation_outcome \(.+\) VALUES .+ ON DUPLICATE KEY UPDATE request_id = request_id$`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO daily_stats")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, NewMySQLStore(db).SaveOutcomes(context.Background(), outcomes))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStoreRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO generation_outcome")).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(regexp.QuoteMeta("ON DUPLICATE KEY UPDATE")).
		WillReturnError(errors.New("deadlock"))
	mock.ExpectRollback()

	err = NewMySQLStore(db).SaveOutcomes(context.Background(), sampleOutcomes())
	require.ErrorContains(t, err, "daily stats")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStoreEmptyBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, NewMySQLStore(db).SaveOutcomes(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "(?, ?, ?)", placeholders(3))
	assert.Equal(t, "($4, $5)", numbered(4, 2))
}

func TestBuildPGBatch(t *testing.T) {
	batch := buildPGBatch(sampleOutcomes())
	// Four outcome inserts and three rollup upserts.
	assert.Equal(t, 7, batch.Len())
	assert.Contains(t, pgOutcomeInsert, "$19")
	assert.NotContains(t, pgOutcomeInsert, "$20")
	assert.Contains(t, pgStatsUpsert, "ON CONFLICT (date, actor_id, model, operation)")
}

func TestExecuteTransactionRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()
	err = ExecuteTransaction(context.Background(), db, []func(*sql.Tx) error{
		func(*sql.Tx) error { return errors.New("nope") },
	})
	require.ErrorContains(t, err, "nope")
	require.NoError(t, mock.ExpectationsWereMet())
}
