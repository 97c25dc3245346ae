package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultFallbackCooldown is how long FallbackStore stays on the secondary
// after the primary fails.
const DefaultFallbackCooldown = 5 * time.Second

// FallbackStore serves counters from primary and falls back to secondary
// whenever primary fails. After a failure primary is skipped for the
// cooldown, then tried again.
type FallbackStore struct {
	primary   CounterStore
	secondary CounterStore
	logger    *slog.Logger

	cooldown time.Duration
	now      func() time.Time

	mu        sync.Mutex
	downUntil time.Time
	lastErr   error
}

// NewFallbackStore composes primary and secondary.
func NewFallbackStore(primary, secondary CounterStore, logger *slog.Logger) *FallbackStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackStore{
		primary:   primary,
		secondary: secondary,
		logger:    logger,
		cooldown:  DefaultFallbackCooldown,
		now:       time.Now,
	}
}

// Increment implements CounterStore.
func (s *FallbackStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if s.usePrimary() {
		n, err := s.primary.Increment(ctx, key, ttl)
		if err == nil {
			s.recovered()
			return n, nil
		}
		s.failed(err)
	}
	return s.secondary.Increment(ctx, key, ttl)
}

// Count implements CounterStore.
func (s *FallbackStore) Count(ctx context.Context, key string) (int64, error) {
	if s.usePrimary() {
		n, err := s.primary.Count(ctx, key)
		if err == nil {
			return n, nil
		}
		s.failed(err)
	}
	return s.secondary.Count(ctx, key)
}

func (s *FallbackStore) usePrimary() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.now().Before(s.downUntil)
}

func (s *FallbackStore) failed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastErr == nil {
		s.logger.Warn("rate limit store unavailable, using fallback", "error", err, "retry_in", s.cooldown)
	}
	s.lastErr = err
	s.downUntil = s.now().Add(s.cooldown)
}

func (s *FallbackStore) recovered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastErr != nil {
		s.logger.Info("rate limit store recovered")
	}
	s.lastErr = nil
	s.downUntil = time.Time{}
}

// Ping reports whether counters can be served at all. A primary outage is
// not an error while the secondary answers.
func (s *FallbackStore) Ping(ctx context.Context) error {
	if s.Degraded(ctx) == nil {
		return nil
	}
	if p, ok := s.secondary.(pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Degraded returns the primary's error when requests are being served by
// the secondary, nil otherwise.
func (s *FallbackStore) Degraded(ctx context.Context) error {
	if p, ok := s.primary.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return err
		}
		s.recovered()
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

type pinger interface {
	Ping(ctx context.Context) error
}

type degradedReporter interface {
	Degraded(ctx context.Context) error
}
