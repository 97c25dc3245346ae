package ratelimit

import (
	"context"
	"sync"
	"time"
)

// CounterStore is an atomic increment-with-TTL backend for rate-limit
// counters. The TTL applies when the key is created and is not refreshed by
// later increments. Count reads a counter without changing it; a missing or
// expired key counts as zero.
type CounterStore interface {
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Count(ctx context.Context, key string) (int64, error)
}

const sweepInterval = time.Minute

type memCounter struct {
	count   int64
	expires time.Time
}

// MemoryStore keeps counters in process memory. Expired counters are reset
// on access and swept at most once a minute during increments.
type MemoryStore struct {
	mu        sync.Mutex
	counters  map[string]*memCounter
	now       func() time.Time
	lastSweep time.Time
}

// NewMemoryStore creates an empty store. A nil clock means time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		counters:  make(map[string]*memCounter),
		now:       now,
		lastSweep: now(),
	}
}

// Increment adds one to key and returns the new count.
func (s *MemoryStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) >= sweepInterval {
		s.sweep(now)
	}

	c, ok := s.counters[key]
	if !ok || !now.Before(c.expires) {
		c = &memCounter{expires: now.Add(ttl)}
		s.counters[key] = c
	}
	c.count++
	return c.count, nil
}

// Count returns the current value of key.
func (s *MemoryStore) Count(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || !s.now().Before(c.expires) {
		return 0, nil
	}
	return c.count, nil
}

// Len returns the number of live counters.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(s.now())
	return len(s.counters)
}

func (s *MemoryStore) sweep(now time.Time) {
	for k, c := range s.counters {
		if !now.Before(c.expires) {
			delete(s.counters, k)
		}
	}
	s.lastSweep = now
}
