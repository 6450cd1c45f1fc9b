package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"modelgate/internal/shared"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const modelCacheKey = "modelgate:v1:model:%s"

const modelColumns = `
	id,
	provider,
	operations,
	context_window,
	max_output_tokens,
	input_per_mtok,
	output_per_mtok,
	cached_input_per_mtok,
	availability`

// SQL reads the model table with a Redis read-through cache in front of it.
type SQL struct {
	db    *sql.DB
	redis *redis.Client
	ttl   time.Duration
	log   *zap.SugaredLogger

	// pending tracks cache write backs so tests and shutdown can wait on them.
	pending sync.WaitGroup
}

// NewSQL builds a database backed catalog. rc may be nil to disable caching.
func NewSQL(db *sql.DB, rc *redis.Client, log *zap.SugaredLogger) *SQL {
	return &SQL{db: db, redis: rc, ttl: shared.ModelCatalogCacheTTL, log: log}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModel(row rowScanner) (*shared.ModelDescriptor, error) {
	var m shared.ModelDescriptor
	var ops string
	var availability string
	err := row.Scan(
		&m.ID,
		&m.Provider,
		&ops,
		&m.ContextWindow,
		&m.MaxOutputTokens,
		&m.Pricing.InputPerMTok,
		&m.Pricing.OutputPerMTok,
		&m.Pricing.CachedInputPerMTok,
		&availability,
	)
	if err != nil {
		return nil, err
	}
	for op := range strings.SplitSeq(ops, ",") {
		if op = strings.TrimSpace(op); op != "" {
			m.Operations = append(m.Operations, shared.OperationKind(op))
		}
	}
	m.Availability = shared.Availability(availability)
	if m.Availability == "" {
		m.Availability = shared.Available
	}
	return &m, nil
}

func (s *SQL) Resolve(ctx context.Context, id string) (*shared.ModelDescriptor, error) {
	cacheKey := fmt.Sprintf(modelCacheKey, id)
	if s.redis != nil {
		cached, err := s.redis.Get(ctx, cacheKey).Bytes()
		switch {
		case err == nil:
			var m shared.ModelDescriptor
			if err := json.Unmarshal(cached, &m); err == nil {
				s.log.Debugw("Cache hit for model", "model", id)
				return &m, nil
			}
			s.log.Warnw("Failed to unmarshal cached model", "model", id, "error", err)
		case !errors.Is(err, redis.Nil):
			s.log.Warnw("Failed reading model cache", "model", id, "error", err)
		}
	}

	query := `SELECT` + modelColumns + `
		FROM model
		WHERE id = ?
		AND enabled = true
		LIMIT 1`
	m, err := scanModel(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		s.log.Errorw("Database error during model lookup", "error", err, "model", id)
		return nil, fmt.Errorf("database error: %w", err)
	}

	if s.redis != nil {
		s.pending.Add(1)
		go func() {
			defer s.pending.Done()
			cacheCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			raw, err := json.Marshal(m)
			if err != nil {
				s.log.Warnw("Failed to marshal model for cache", "model", id, "error", err)
				return
			}
			if err := s.redis.Set(cacheCtx, cacheKey, raw, s.ttl).Err(); err != nil {
				s.log.Warnw("Failed to cache model", "model", id, "cache_key", cacheKey, "error", err)
			}
		}()
	}
	return m, nil
}

// List always reads the database.
func (s *SQL) List(ctx context.Context) ([]shared.ModelDescriptor, error) {
	query := `SELECT` + modelColumns + `
		FROM model
		WHERE enabled = true
		ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var out []shared.ModelDescriptor
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed scanning model: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// Invalidate drops a cached descriptor after the model row changes.
func (s *SQL) Invalidate(ctx context.Context, id string) error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Del(ctx, fmt.Sprintf(modelCacheKey, id)).Err()
}

// Wait blocks until outstanding cache write backs finish.
func (s *SQL) Wait() {
	s.pending.Wait()
}
