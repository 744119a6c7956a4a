package ratelimit

import (
	"context"
	"sync"
	"time"
)

// CounterStore persists failed-attempt counters. Implementations must make
// Bump atomic per key so concurrent failures never lose an increment.
type CounterStore interface {
	// Bump applies the fixed-window increment for key and returns the
	// updated counter: if the window has elapsed since WindowStart, the
	// count restarts at 1, otherwise it increments.
	Bump(ctx context.Context, key string, window time.Duration, now time.Time) (Counter, error)

	// Lock marks the key as denied until the given instant.
	Lock(ctx context.Context, key string, until time.Time) error

	// Get returns the current counter for key; a zero Counter when absent.
	Get(ctx context.Context, key string) (Counter, error)

	// Reset clears the counter and any lock for key.
	Reset(ctx context.Context, key string) error
}

// MemoryStore is the in-process CounterStore for single-instance
// deployments. State does not survive restarts, which for a lockout engine
// means attackers get a fresh window, not a correctness violation.
type MemoryStore struct {
	mu          sync.Mutex
	counters    map[string]Counter
	lastCleanup time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters:    make(map[string]Counter),
		lastCleanup: time.Now(),
	}
}

func (s *MemoryStore) Bump(ctx context.Context, key string, window time.Duration, now time.Time) (Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.maybePrune(now)

	c := s.counters[key]
	if c.Count == 0 || now.Sub(c.WindowStart) >= window {
		c.Count = 1
		c.WindowStart = now
	} else {
		c.Count++
	}
	s.counters[key] = c
	return c, nil
}

func (s *MemoryStore) Lock(ctx context.Context, key string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.counters[key]
	c.LockedUntil = until
	s.counters[key] = c
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.counters[key], nil
}

func (s *MemoryStore) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.counters, key)
	return nil
}

// maybePrune drops entries whose window and lock have both long passed, so
// one-off keys (scanning IPs, typo'd emails) don't accumulate forever.
// Caller holds the mutex.
func (s *MemoryStore) maybePrune(now time.Time) {
	if now.Sub(s.lastCleanup) < 5*time.Minute {
		return
	}
	s.lastCleanup = now

	for key, c := range s.counters {
		if now.Sub(c.WindowStart) > time.Hour && !c.Locked(now) {
			delete(s.counters, key)
		}
	}
}
