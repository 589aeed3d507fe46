package ratelimit

import (
	"context"
	"sync"
	"time"
)

// BucketStore records request timestamps per bucket and answers whether one
// more request fits in the window.
type BucketStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*Result, error)
	Reset(ctx context.Context, key string) error
}

// InMemoryBucketStore is the process-local sliding window store. Not
// distributed; multi-node deployments use the Redis store.
type InMemoryBucketStore struct {
	mu      sync.Mutex
	buckets map[string]*slidingWindow
	now     func() time.Time
}

type slidingWindow struct {
	timestamps []time.Time
	window     time.Duration
}

type MemoryOption func(*InMemoryBucketStore)

func WithClock(now func() time.Time) MemoryOption {
	return func(s *InMemoryBucketStore) { s.now = now }
}

func NewInMemoryBucketStore(opts ...MemoryOption) *InMemoryBucketStore {
	s := &InMemoryBucketStore{
		buckets: make(map[string]*slidingWindow),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemoryBucketStore) Allow(_ context.Context, key string, limit int, window time.Duration) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	bucket := s.buckets[key]
	if bucket == nil {
		bucket = &slidingWindow{window: window}
		s.buckets[key] = bucket
	}
	bucket.evict(now)

	if len(bucket.timestamps) >= limit {
		return &Result{
			Allowed:   false,
			Limit:     limit,
			Remaining: 0,
			ResetAt:   bucket.timestamps[0].Add(window),
		}, nil
	}

	bucket.timestamps = append(bucket.timestamps, now)
	return &Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - len(bucket.timestamps),
		ResetAt:   bucket.timestamps[0].Add(window),
	}, nil
}

func (s *InMemoryBucketStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, key)
	return nil
}

// evict drops timestamps that have slid out of the window.
func (sw *slidingWindow) evict(now time.Time) {
	cutoff := now.Add(-sw.window)
	i := 0
	for ; i < len(sw.timestamps); i++ {
		if sw.timestamps[i].After(cutoff) {
			break
		}
	}
	sw.timestamps = sw.timestamps[i:]
}
