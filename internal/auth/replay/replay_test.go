package replay

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGuard(t *testing.T) (*Guard, *testClock) {
	t.Helper()

	clock := &testClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	cache := NewMemoryCache().WithClock(clock.Now)
	guard := NewGuard(cache, slog.Default()).WithClock(clock.Now)
	return guard, clock
}

func TestGraceWindow(t *testing.T) {
	t.Parallel()

	g, clock := newTestGuard(t)
	ctx := context.Background()

	require.False(t, g.CheckReplay(ctx, "assertion-1"), "unseen assertion is not a replay")

	g.MarkProcessed(ctx, "assertion-1", clock.Now().Add(time.Hour))

	// Re-validation of the same physical response inside the grace window.
	clock.Advance(2 * time.Second)
	require.False(t, g.CheckReplay(ctx, "assertion-1"))

	// After the window it is a replay.
	clock.Advance(4 * time.Second)
	require.True(t, g.CheckReplay(ctx, "assertion-1"))
}

func TestMarkProcessedKeepsFirstObservation(t *testing.T) {
	t.Parallel()

	g, clock := newTestGuard(t)
	ctx := context.Background()

	g.MarkProcessed(ctx, "assertion-1", clock.Now().Add(time.Hour))
	clock.Advance(3 * time.Second)
	g.MarkProcessed(ctx, "assertion-1", clock.Now().Add(time.Hour)) // racing second pass

	// 3s later the original mark is 6s old: past the grace window. If the
	// second mark had overwritten the first, this would still look fresh.
	clock.Advance(3 * time.Second)
	require.True(t, g.CheckReplay(ctx, "assertion-1"))
}

func TestRecordExpiresWithAssertion(t *testing.T) {
	t.Parallel()

	g, clock := newTestGuard(t)
	ctx := context.Background()

	g.MarkProcessed(ctx, "assertion-1", clock.Now().Add(30*time.Minute))

	clock.Advance(31 * time.Minute)
	require.False(t, g.CheckReplay(ctx, "assertion-1"), "expired record is forgotten")
}

func TestFailsOpenWhenCacheDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	g := NewGuard(NewRedisCache(rdb), slog.Default())
	ctx := context.Background()

	g.MarkProcessed(ctx, "assertion-1", time.Now().Add(time.Hour))

	mr.Close() // cache outage

	// Deliberate policy: a cache outage must not block federated logins.
	require.False(t, g.CheckReplay(ctx, "assertion-1"))
	g.MarkProcessed(ctx, "assertion-2", time.Now().Add(time.Hour)) // must not panic or fail
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	g := NewGuard(NewRedisCache(rdb), slog.Default())
	ctx := context.Background()

	g.MarkProcessed(ctx, "assertion-1", time.Now().Add(time.Hour))
	require.False(t, g.CheckReplay(ctx, "assertion-1"), "within grace window")

	mr.FastForward(10 * time.Second)
	// miniredis TTLs advanced but the stored first-seen timestamp is wall
	// clock; ten real seconds have not passed, so simulate them.
	g.grace = 0
	require.True(t, g.CheckReplay(ctx, "assertion-1"))
}

func TestAssertionKey(t *testing.T) {
	t.Parallel()

	logger := slog.Default()

	t.Run("native id wins", func(t *testing.T) {
		require.Equal(t, "native-id", AssertionKey(logger, "native-id", "r", "s", "i"))
	})

	t.Run("composite fallback is stable and distinct", func(t *testing.T) {
		a := AssertionKey(logger, "", "resp-1", "sess-1", "https://idp.example.com")
		b := AssertionKey(logger, "", "resp-1", "sess-1", "https://idp.example.com")
		c := AssertionKey(logger, "", "resp-2", "sess-1", "https://idp.example.com")
		require.Equal(t, a, b)
		require.NotEqual(t, a, c)
		require.NotEmpty(t, a)
	})

	t.Run("no identifiers disables protection", func(t *testing.T) {
		require.Empty(t, AssertionKey(logger, "", "", "", "https://idp.example.com"))
	})
}
