// Package redis provides the distributed sliding window bucket store. Each
// bucket is a zset of request timestamps; eviction, count, and insert run
// in one Lua script so concurrent gateways agree on the window.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"healthex/internal/ratelimit"
)

const keyPrefix = "healthex:ratelimit:"

// allowScript evicts expired members, then either records the request and
// returns the new count, or reports the bucket full along with the oldest
// member's timestamp (for Retry-After).
var allowScript = goredis.NewScript(`
local key = KEYS[1]
local nowMs = tonumber(ARGV[1])
local windowMs = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', nowMs - windowMs)
local count = redis.call('ZCARD', key)
if count >= limit then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	return {0, count, tonumber(oldest[2])}
end
redis.call('ZADD', key, nowMs, ARGV[4])
redis.call('PEXPIRE', key, windowMs)
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {1, count + 1, tonumber(oldest[2])}
`)

// Store is the Redis implementation of ratelimit.BucketStore.
type Store struct {
	client *goredis.Client
	now    func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(client *goredis.Client, opts ...Option) *Store {
	s := &Store{client: client, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Allow(ctx context.Context, key string, limit int, window time.Duration) (*ratelimit.Result, error) {
	now := s.now()
	// member must be unique per request; the nanosecond suffix keeps two
	// requests in the same millisecond from collapsing into one zset entry
	member := fmt.Sprintf("%d", now.UnixNano())
	res, err := allowScript.Run(ctx, s.client, []string{keyPrefix + key},
		now.UnixMilli(), window.Milliseconds(), limit, member).Slice()
	if err != nil {
		return nil, fmt.Errorf("checking rate limit bucket: %w", err)
	}
	allowed, _ := res[0].(int64)
	count, _ := res[1].(int64)
	oldestMs, _ := res[2].(int64)

	result := &ratelimit.Result{
		Allowed: allowed == 1,
		Limit:   limit,
		ResetAt: time.UnixMilli(oldestMs).Add(window),
	}
	if result.Allowed {
		result.Remaining = limit - int(count)
	}
	return result, nil
}

func (s *Store) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("resetting rate limit bucket: %w", err)
	}
	return nil
}
