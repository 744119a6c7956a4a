package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewLimiter(NewRedisStore(rdb, "rl"), nil), mr
}

func TestRedisStoreLockAndRetryAfter(t *testing.T) {
	ctx := context.Background()
	l, _ := newRedisLimiter(t)

	recordFailures(t, l, ScopeAccount, "a@b.c", 5)

	d, err := l.Check(ctx, ScopeAccount, "a@b.c")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.GreaterOrEqual(t, d.RetryAfter, 890)
	require.LessOrEqual(t, d.RetryAfter, 900)
}

func TestRedisStoreLockExpiry(t *testing.T) {
	ctx := context.Background()
	l, mr := newRedisLimiter(t)

	recordFailures(t, l, ScopeAccount, "a@b.c", 5)
	mr.FastForward(16 * time.Minute)

	d, err := l.Check(ctx, ScopeAccount, "a@b.c")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestRedisStoreWindowExpiry(t *testing.T) {
	ctx := context.Background()
	l, mr := newRedisLimiter(t)

	recordFailures(t, l, ScopeAccount, "a@b.c", 4)
	mr.FastForward(6 * time.Minute) // counter TTL elapses

	recordFailures(t, l, ScopeAccount, "a@b.c", 1)
	d, err := l.Check(ctx, ScopeAccount, "a@b.c")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestRedisStoreReset(t *testing.T) {
	ctx := context.Background()
	l, _ := newRedisLimiter(t)

	recordFailures(t, l, ScopeAccount, "a@b.c", 5)
	require.NoError(t, l.Reset(ctx, ScopeAccount, "a@b.c"))

	recordFailures(t, l, ScopeAccount, "a@b.c", 4)
	d, err := l.Check(ctx, ScopeAccount, "a@b.c")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestRedisStoreUnavailable(t *testing.T) {
	ctx := context.Background()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	l := NewLimiter(NewRedisStore(rdb, "rl"), nil)

	mr.Close() // take the store down

	err = l.RecordFailure(ctx, ScopeIP, "203.0.113.7")
	require.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = l.Check(ctx, ScopeIP, "203.0.113.7")
	require.ErrorIs(t, err, ErrStoreUnavailable)
}
