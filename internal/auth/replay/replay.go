// Package replay deduplicates single-use SAML assertions. A processed
// assertion is remembered in a shared cache for as long as the assertion
// itself is valid; seeing it again after a short grace window is a replay.
//
// The guard is an advisory defense: when the cache is down it fails open so
// a cache outage does not become a federated-login outage. That tradeoff is
// deliberate and the outage is logged for operators.
package replay

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"log/slog"
	"strconv"
	"time"
)

const (
	// DefaultGraceWindow tolerates multiple internal validation passes over
	// one physical SAML response without flagging a replay.
	DefaultGraceWindow = 5 * time.Second

	// DefaultTTL is the floor for how long a processed assertion is
	// remembered when the assertion's own expiry is missing or too close.
	DefaultTTL = 10 * time.Minute

	// maxTTL caps the retention for assertions with absurd expiries.
	maxTTL = 24 * time.Hour
)

// Cache is the shared store behind the guard. SetNX must be atomic so two
// near-simultaneous validations of one assertion agree on a single
// first-seen timestamp.
type Cache interface {
	// SetNX stores value under key with a TTL only if the key is absent,
	// reporting whether it stored.
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)

	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
}

// Guard implements assertion deduplication over a Cache.
type Guard struct {
	cache  Cache
	logger *slog.Logger
	grace  time.Duration
	now    func() time.Time
}

func NewGuard(cache Cache, logger *slog.Logger) *Guard {
	return &Guard{
		cache:  cache,
		logger: logger,
		grace:  DefaultGraceWindow,
		now:    time.Now,
	}
}

// WithClock overrides the guard's clock; tests only.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// CheckReplay reports whether the assertion key has already been consumed.
// Absent: not a replay. Present but first seen within the grace window: not
// a replay. Present and older: replay, reject the login.
func (g *Guard) CheckReplay(ctx context.Context, key string) bool {
	if key == "" {
		return false
	}

	val, ok, err := g.cache.Get(ctx, cacheKey(key))
	if err != nil {
		// Fail open: availability of federated login wins over this
		// specific defense when its dependency is down.
		g.logger.Warn("replay guard cache unavailable, failing open", "error", err)
		return false
	}
	if !ok {
		return false
	}

	firstSeenMillis, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		g.logger.Warn("replay guard record corrupt, treating as replay", "key", key)
		return true
	}

	firstSeen := time.UnixMilli(firstSeenMillis)
	return g.now().Sub(firstSeen) >= g.grace
}

// MarkProcessed records the assertion as consumed. The record lives as long
// as the assertion itself remains valid, with a sane floor and cap.
func (g *Guard) MarkProcessed(ctx context.Context, key string, notOnOrAfter time.Time) {
	if key == "" {
		return
	}

	now := g.now()
	ttl := notOnOrAfter.Sub(now)
	if ttl < DefaultTTL {
		ttl = DefaultTTL
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}

	// SetNX keeps the earliest observation when two validations race.
	if _, err := g.cache.SetNX(ctx, cacheKey(key), strconv.FormatInt(now.UnixMilli(), 10), ttl); err != nil {
		g.logger.Warn("replay guard cache unavailable, assertion not recorded", "error", err)
	}
}

// AssertionKey derives the dedup key for an assertion. IdPs without a native
// assertion ID fall back to a digest of (inResponseTo, sessionIndex,
// issuer), unique per authentication attempt. When neither is available the
// key is empty and replay protection is skipped for that login; the warning
// gives operators a trail.
func AssertionKey(logger *slog.Logger, id, inResponseTo, sessionIndex, issuer string) string {
	if id != "" {
		return id
	}
	if inResponseTo == "" && sessionIndex == "" {
		logger.Warn("assertion has no usable replay identifier, replay protection disabled for this login",
			"issuer", issuer)
		return ""
	}

	sum := sha256.Sum256([]byte(inResponseTo + "|" + sessionIndex + "|" + issuer))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func cacheKey(key string) string {
	return "saml:assertion:" + key
}
