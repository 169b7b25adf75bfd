package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "engrama:ratelimit:"

// RedisLimiter is a sliding-window limiter over a Redis sorted set per
// identity. Every request is a member scored by its arrival time in
// nanoseconds; the window is trimmed and counted in one pipeline so all
// replicas see one shared budget.
type RedisLimiter struct {
	client redis.UniversalClient
	limit  int
	now    func() time.Time
}

// NewRedisLimiter creates a Redis-backed limiter allowing limit requests per
// window per identity.
func NewRedisLimiter(client redis.UniversalClient, limit int) *RedisLimiter {
	return &RedisLimiter{client: client, limit: limit, now: time.Now}
}

// Allow records the request and reports whether the identity's window still
// has room. Member ids are random so concurrent requests in the same
// nanosecond never collapse into one entry.
func (l *RedisLimiter) Allow(ctx context.Context, identity string) (bool, error) {
	now := l.now()
	cutoff := now.Add(-Window).UnixNano()
	key := keyPrefix + identity

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff, 10))
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: uuid.NewString(),
	})
	count := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, Window)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit pipeline: %w", err)
	}

	return count.Val() <= int64(l.limit), nil
}
