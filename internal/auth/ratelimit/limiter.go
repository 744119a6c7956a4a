package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Decision is the outcome of a pre-attempt check.
type Decision struct {
	Allowed    bool
	RetryAfter int // seconds until the lock lifts, when denied
}

// Limiter enforces the per-scope lockout policies over a CounterStore.
type Limiter struct {
	store    CounterStore
	policies map[Scope]Policy
	now      func() time.Time
}

func NewLimiter(store CounterStore, policies map[Scope]Policy) *Limiter {
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &Limiter{
		store:    store,
		policies: policies,
		now:      time.Now,
	}
}

// WithClock overrides the limiter's clock; tests only.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// RecordFailure counts one failed attempt against (scope, key). Reaching the
// scope's threshold inside the window sets the lock.
func (l *Limiter) RecordFailure(ctx context.Context, scope Scope, key string) error {
	policy, ok := l.policies[scope]
	if !ok {
		return fmt.Errorf("ratelimit: no policy for scope %q", scope)
	}

	now := l.now()
	c, err := l.store.Bump(ctx, storeKey(scope, key), policy.Window, now)
	if err != nil {
		return err
	}

	if c.Count >= int64(policy.Threshold) {
		return l.store.Lock(ctx, storeKey(scope, key), now.Add(policy.LockFor))
	}
	return nil
}

// Check reports whether an attempt for (scope, key) may proceed. It does not
// count anything: a denied check must not extend the lock.
func (l *Limiter) Check(ctx context.Context, scope Scope, key string) (Decision, error) {
	c, err := l.store.Get(ctx, storeKey(scope, key))
	if err != nil {
		return Decision{}, err
	}

	now := l.now()
	if c.Locked(now) {
		return Decision{
			Allowed:    false,
			RetryAfter: ceilSeconds(c.LockedUntil.Sub(now)),
		}, nil
	}
	return Decision{Allowed: true}, nil
}

// Reset clears the counter and lock for (scope, key), called on successful
// authentication for that scope only.
func (l *Limiter) Reset(ctx context.Context, scope Scope, key string) error {
	return l.store.Reset(ctx, storeKey(scope, key))
}

// storeKey namespaces keys per scope so scopes stay fully independent.
// Account keys are emails and compare case-insensitively everywhere else,
// so they are case-folded here too.
func storeKey(scope Scope, key string) string {
	if scope == ScopeAccount {
		key = strings.ToLower(key)
	}
	return string(scope) + ":" + key
}

func ceilSeconds(d time.Duration) int {
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
