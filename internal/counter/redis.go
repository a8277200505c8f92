package counter

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on top of a Redis client. INCRBY + EXPIRE NX
// are pipelined so the increment and the first-touch expiry land in one
// round trip; EXPIRE NX keeps later increments from extending the window.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing Redis client. The caller owns the client's
// lifecycle (and closes it on shutdown).
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// IncrBy atomically increments key by delta and arms ttl if the key has none.
func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.IncrBy(ctx, key, delta)
		if ttl > 0 {
			pipe.ExpireNX(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// DecrBy atomically decrements key by delta.
func (s *RedisStore) DecrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return s.client.DecrBy(ctx, key, delta).Result()
}

// Get returns the current counter value, treating a missing key as 0.
func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}
