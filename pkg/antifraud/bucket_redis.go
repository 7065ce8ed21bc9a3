package antifraud

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisBucketScript runs the full admission algorithm atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = capacity
// ARGV[2] = refill rate (tokens per second)
// ARGV[3] = current time (unix milliseconds)
// ARGV[4] = ttl seconds
// ARGV[5] = fallback retry-after seconds for a zero refill rate
// Returns {allowed, retry_after_seconds}.
var redisBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local fallback = tonumber(ARGV[5])

local state = redis.call("HMGET", key, "tokens", "last_refill_ms")
local tokens = tonumber(state[1])
local last_refill_ms = tonumber(state[2])

if not tokens or not last_refill_ms then
    tokens = capacity
    last_refill_ms = now_ms
end

local elapsed = (now_ms - last_refill_ms) / 1000.0
if elapsed < 0 then
    elapsed = 0
end
tokens = tokens + elapsed * rate
if tokens > capacity then
    tokens = capacity
end

local allowed = 0
local retry_after = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
else
    if rate > 0 then
        retry_after = math.ceil((1 - tokens) / rate)
    else
        retry_after = fallback
    end
end

redis.call("HMSET", key, "tokens", tokens, "last_refill_ms", now_ms)
redis.call("EXPIRE", key, ttl)

return {allowed, retry_after}
`)

// RedisBucketStore is a BucketStore backed by Redis. State expiry rides on
// the key TTL, so idle buckets self-clean server-side.
type RedisBucketStore struct {
	client *redis.Client
	prefix string
	clock  func() time.Time
}

// RedisBucketOption configures a RedisBucketStore.
type RedisBucketOption func(*RedisBucketStore)

// WithRedisBucketClock injects a clock for tests.
func WithRedisBucketClock(clock func() time.Time) RedisBucketOption {
	return func(s *RedisBucketStore) { s.clock = clock }
}

// NewRedisBucketStore wraps an existing client. The prefix namespaces bucket
// keys; empty selects "antifraud:bucket:".
func NewRedisBucketStore(client *redis.Client, prefix string, opts ...RedisBucketOption) *RedisBucketStore {
	if prefix == "" {
		prefix = "antifraud:bucket:"
	}
	s := &RedisBucketStore{client: client, prefix: prefix, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TryConsume implements BucketStore.
func (s *RedisBucketStore) TryConsume(ctx context.Context, key BucketKey, p Params) (Decision, error) {
	nowMs := s.clock().UnixMilli()
	redisKey := s.prefix + key.String()

	res, err := redisBucketScript.Run(ctx, s.client, []string{redisKey},
		p.Capacity, p.RefillPerSecond, nowMs, p.TTLSeconds, p.fallbackRetryAfter()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("antifraud: redis bucket script failed: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return Decision{}, fmt.Errorf("antifraud: unexpected redis bucket reply %T", res)
	}
	allowed, _ := results[0].(int64)
	retryAfter, _ := results[1].(int64)

	if allowed == 1 {
		return Decision{Allowed: true}, nil
	}
	return Decision{
		Allowed:           false,
		RetryAfterSeconds: retryAfter,
		ResetAtMillis:     nowMs + retryAfter*1000,
	}, nil
}
