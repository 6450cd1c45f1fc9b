package respcache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPrefix = "modelgate:v1:resp:"

// Redis is the shared second tier, so replicas can serve each other's hits.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Get returns the payload and its remaining ttl. A missing key is not an
// error.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	k := redisPrefix + NormalizeKey(key)
	pipe := r.client.Pipeline()
	get := pipe.Get(ctx, k)
	ttl := pipe.PTTL(ctx, k)
	_, err := pipe.Exec(ctx)
	if errors.Is(err, redis.Nil) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	val, err := get.Bytes()
	if err != nil {
		return nil, 0, false, err
	}
	return val, ttl.Val(), true, nil
}

func (r *Redis) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	return r.client.Set(ctx, redisPrefix+NormalizeKey(key), payload, ttl).Err()
}

// Delete reports whether the key existed.
func (r *Redis) Delete(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Del(ctx, redisPrefix+NormalizeKey(key)).Result()
	return n > 0, err
}

// Clear removes every response key under the cache prefix and returns how
// many were deleted. Other keys in the database are left alone.
func (r *Redis) Clear(ctx context.Context) (int, error) {
	removed := 0
	iter := r.client.Scan(ctx, 0, redisPrefix+"*", 500).Iterator()
	batch := make([]string, 0, 500)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			n, err := r.client.Del(ctx, batch...).Result()
			removed += int(n)
			if err != nil {
				return removed, err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return removed, err
	}
	if len(batch) > 0 {
		n, err := r.client.Del(ctx, batch...).Result()
		removed += int(n)
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}
