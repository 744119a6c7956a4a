package httpx

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dmarclens/dmarclens/pkg/slogx"
	"golang.org/x/time/rate"
)

// RateLimitConfig defines transport-level throttling for an endpoint group.
// This is a coarse volumetric guard in front of the authentication service;
// the credential-aware lockout engine lives behind it and has its own,
// stricter per-account semantics.
type RateLimitConfig struct {
	RequestsPerWindow int
	Window            time.Duration
	Burst             int
}

// StrictLimit suits authentication endpoints.
var StrictLimit = RateLimitConfig{
	RequestsPerWindow: 30,
	Window:            time.Minute,
	Burst:             30,
}

// LenientLimit suits health and metadata endpoints.
var LenientLimit = RateLimitConfig{
	RequestsPerWindow: 300,
	Window:            time.Minute,
	Burst:             300,
}

type ipLimiter struct {
	limiters sync.Map // map[string]*rate.Limiter
	rate     rate.Limit
	burst    int

	mu          sync.Mutex
	lastCleanup time.Time
}

func (rl *ipLimiter) get(key string) *rate.Limiter {
	if l, ok := rl.limiters.Load(key); ok {
		return l.(*rate.Limiter)
	}

	l := rate.NewLimiter(rl.rate, rl.burst)
	actual, _ := rl.limiters.LoadOrStore(key, l)
	rl.maybeCleanup()
	return actual.(*rate.Limiter)
}

// maybeCleanup drops idle limiters so ephemeral client IPs don't accumulate
// forever. A limiter with a full bucket has not been used for a while.
func (rl *ipLimiter) maybeCleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if time.Since(rl.lastCleanup) < 5*time.Minute {
		return
	}
	rl.lastCleanup = time.Now()

	rl.limiters.Range(func(key, value any) bool {
		if value.(*rate.Limiter).Tokens() >= float64(rl.burst) {
			rl.limiters.Delete(key)
		}
		return true
	})
}

// RateLimitByIP throttles requests per client IP using a token bucket.
func RateLimitByIP(config RateLimitConfig) Middleware {
	rl := &ipLimiter{
		rate:        rate.Limit(float64(config.RequestsPerWindow) / config.Window.Seconds()),
		burst:       config.Burst,
		lastCleanup: time.Now(),
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiter := rl.get(ClientIP(r))
			if !limiter.Allow() {
				reservation := limiter.Reserve()
				delay := reservation.Delay()
				reservation.Cancel()

				retryAfter := max(int(delay.Seconds()), 1)
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))

				slogx.FromContext(r.Context()).Warn("transport rate limit exceeded",
					"endpoint", r.URL.Path,
					"retry_after", retryAfter,
				)

				WriteError(w, http.StatusTooManyRequests,
					"rate_limit_exceeded", "Too many requests. Please try again later.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
