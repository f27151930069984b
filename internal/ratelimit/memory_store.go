package ratelimit

import (
	"context"
	"sync"
	"time"
)

const defaultMaxBuckets = 5000

// MemoryStore is a single-process BucketStore guarded by a mutex. Used in
// tests and as a standalone mode when no shared counter is configured; it
// applies the same refill math as the Redis script.
type MemoryStore struct {
	mu         sync.Mutex
	cfg        Config
	buckets    map[string]*bucketState
	maxBuckets int
	now        func() time.Time
}

type bucketState struct {
	tokens int64
	stamp  time.Time
}

func NewMemoryStore(cfg Config) (*MemoryStore, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &MemoryStore{
		cfg:        cfg,
		buckets:    make(map[string]*bucketState),
		maxBuckets: defaultMaxBuckets,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock overrides the time source. Test hook.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Consume(_ context.Context, key string, cost int64) (Probe, error) {
	if cost <= 0 {
		cost = 1
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.buckets[key]
	if !ok {
		bucket = &bucketState{tokens: s.cfg.Capacity, stamp: now}
		s.buckets[key] = bucket
		if len(s.buckets) > s.maxBuckets {
			s.evictFull(now)
		}
	}

	s.refill(bucket, now)

	if bucket.tokens >= cost {
		bucket.tokens -= cost
		return Probe{Consumed: true, RemainingTokens: bucket.tokens}, nil
	}

	deficit := cost - bucket.tokens
	wait := time.Duration(deficit)*s.cfg.RefillInterval - now.Sub(bucket.stamp)
	if wait < 0 {
		wait = 0
	}
	return Probe{Consumed: false, RemainingTokens: bucket.tokens, NanosToRefill: wait.Nanoseconds()}, nil
}

func (s *MemoryStore) refill(bucket *bucketState, now time.Time) {
	elapsed := now.Sub(bucket.stamp)
	if elapsed <= 0 {
		return
	}
	refilled := int64(elapsed / s.cfg.RefillInterval)
	if refilled <= 0 {
		return
	}
	bucket.tokens += refilled
	bucket.stamp = bucket.stamp.Add(time.Duration(refilled) * s.cfg.RefillInterval)
	if bucket.tokens >= s.cfg.Capacity {
		bucket.tokens = s.cfg.Capacity
		bucket.stamp = now
	}
}

// evictFull drops buckets that have fully refilled; they are identical to
// absent buckets.
func (s *MemoryStore) evictFull(now time.Time) {
	for key, bucket := range s.buckets {
		s.refill(bucket, now)
		if bucket.tokens >= s.cfg.Capacity {
			delete(s.buckets, key)
		}
	}
}
