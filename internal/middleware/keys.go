package middleware

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modelgate/internal/shared"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Caller is who an API key belongs to.
type Caller struct {
	ActorID string `json:"actor_id"`
	Admin   bool   `json:"admin"`
}

type KeyStore interface {
	Lookup(ctx context.Context, apiKey string) (*Caller, error)
}

// StaticKeys maps API keys to callers, loaded from flags.
type StaticKeys map[string]Caller

// ParseAPIKeys reads "key:actor[:admin],key:actor" lists.
func ParseAPIKeys(raw string) (StaticKeys, error) {
	keys := StaticKeys{}
	for entry := range strings.SplitSeq(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid api key entry %q, want key:actor[:admin]", shared.Truncate(entry, 8))
		}
		if len(parts[0]) != shared.APIKeyLength {
			return nil, fmt.Errorf("api key for actor %s must be %d characters", parts[1], shared.APIKeyLength)
		}
		c := Caller{ActorID: parts[1]}
		if len(parts) == 3 {
			if parts[2] != "admin" {
				return nil, fmt.Errorf("unknown role %q for actor %s", parts[2], parts[1])
			}
			c.Admin = true
		}
		keys[parts[0]] = c
	}
	return keys, nil
}

func (s StaticKeys) Lookup(_ context.Context, apiKey string) (*Caller, error) {
	c, ok := s[apiKey]
	if !ok {
		return nil, shared.ErrUnauthorized
	}
	return &c, nil
}

// SQLKeys resolves keys from the api_key table, caching hits in redis.
type SQLKeys struct {
	db    *sql.DB
	redis *redis.Client
	log   *zap.SugaredLogger
}

func NewSQLKeys(db *sql.DB, rc *redis.Client, log *zap.SugaredLogger) *SQLKeys {
	return &SQLKeys{db: db, redis: rc, log: log}
}

func (k *SQLKeys) Lookup(ctx context.Context, apiKey string) (*Caller, error) {
	var caller Caller
	cacheKey := fmt.Sprintf("modelgate:v1:apikey:%s", apiKey)

	if k.redis != nil {
		cached, err := k.redis.Get(ctx, cacheKey).Result()
		switch {
		case err == nil:
			if err := json.Unmarshal([]byte(cached), &caller); err == nil {
				return &caller, nil
			}
			k.log.Errorw("Error unmarshalling api key cache", "error", err)
		case !errors.Is(err, redis.Nil):
			k.log.Warnw("Failed reading api key cache", "error", err)
		}
	}

	var role string
	err := k.db.QueryRowContext(ctx, `
		SELECT actor_id, role
		FROM api_key
		WHERE id = ? AND enabled = true
	`, apiKey).Scan(&caller.ActorID, &role)
	if errors.Is(err, sql.ErrNoRows) {
		k.log.Warnw("Unknown or disabled API key")
		return nil, shared.ErrUnauthorized
	}
	if err != nil {
		k.log.Errorw("Database error during API key validation", "error", err)
		return nil, shared.ErrUnauthorized
	}
	caller.Admin = role == "admin"

	if k.redis != nil {
		go func(c Caller) {
			raw, err := json.Marshal(c)
			if err != nil {
				k.log.Errorw("Error marshalling api key cache", "error", err)
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			k.redis.Set(ctx, cacheKey, raw, shared.APIKeyCacheTTL)
		}(caller)
	}
	return &caller, nil
}
