package antifraud

import (
	"context"
	"math"
	"sync"
	"time"
)

// MemoryBucketStore is the reference in-process BucketStore. Buckets are
// created full on first use, refilled lazily on access, and evicted lazily
// once idle past their TTL.
type MemoryBucketStore struct {
	mu      sync.Mutex
	buckets map[BucketKey]*memoryBucket
	clock   func() time.Time
}

type memoryBucket struct {
	mu           sync.Mutex
	tokens       float64
	lastRefillMs int64
	expiresAtMs  int64
}

// MemoryBucketOption configures a MemoryBucketStore.
type MemoryBucketOption func(*MemoryBucketStore)

// WithBucketClock injects a clock, used by tests to drive refill and expiry.
func WithBucketClock(clock func() time.Time) MemoryBucketOption {
	return func(s *MemoryBucketStore) { s.clock = clock }
}

// NewMemoryBucketStore creates an empty store.
func NewMemoryBucketStore(opts ...MemoryBucketOption) *MemoryBucketStore {
	s := &MemoryBucketStore{
		buckets: make(map[BucketKey]*memoryBucket),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TryConsume implements BucketStore.
func (s *MemoryBucketStore) TryConsume(_ context.Context, key BucketKey, p Params) (Decision, error) {
	nowMs := s.clock().UnixMilli()

	s.mu.Lock()
	b, ok := s.buckets[key]
	if ok && nowMs >= b.expiresAtMs {
		delete(s.buckets, key)
		ok = false
	}
	if !ok {
		b = &memoryBucket{tokens: p.Capacity, lastRefillMs: nowMs}
		s.buckets[key] = b
	}
	s.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	// Re-check under the bucket lock: a concurrent caller may have raced the
	// eviction above and still hold the stale entry.
	if b.expiresAtMs != 0 && nowMs >= b.expiresAtMs {
		b.tokens = p.Capacity
		b.lastRefillMs = nowMs
	}

	elapsedSec := float64(nowMs-b.lastRefillMs) / 1000.0
	if elapsedSec < 0 {
		elapsedSec = 0
	}
	b.tokens = math.Min(p.Capacity, b.tokens+elapsedSec*p.RefillPerSecond)
	b.lastRefillMs = nowMs
	b.expiresAtMs = nowMs + p.TTLSeconds*1000

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true}, nil
	}

	retryAfter := p.fallbackRetryAfter()
	if p.RefillPerSecond > 0 {
		retryAfter = int64(math.Ceil((1 - b.tokens) / p.RefillPerSecond))
	}
	return Decision{
		Allowed:           false,
		RetryAfterSeconds: retryAfter,
		ResetAtMillis:     nowMs + retryAfter*1000,
	}, nil
}

// Len reports the number of retained buckets. Test helper.
func (s *MemoryBucketStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}
