package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dmarclens/dmarclens/internal/auth/store"
)

const (
	// DefaultSweepInterval is how often the ledger is swept.
	DefaultSweepInterval = time.Hour

	// DefaultRevokedRetention keeps revoked rows around after revocation so
	// reuse of a stolen token still trips theft detection instead of
	// reading as an unknown token.
	DefaultRevokedRetention = 30 * 24 * time.Hour
)

// HousekeepingService periodically deletes refresh token rows that can no
// longer influence any decision: expired rows, and revoked rows past the
// retention window.
type HousekeepingService struct {
	Store    store.Store
	Logger   *slog.Logger
	Interval time.Duration

	// RevokedRetention overrides DefaultRevokedRetention when positive.
	RevokedRetention time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Start launches the background sweep loop. Calling Start twice without an
// intervening Stop is a no-op.
func (h *HousekeepingService) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})

	interval := h.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	go func() {
		defer close(h.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		h.sweep(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.sweep(ctx)
			}
		}
	}()
}

// Stop terminates the sweep loop and waits for an in-flight sweep to finish.
func (h *HousekeepingService) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel, h.done = nil, nil
	h.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Sweep runs one deletion pass immediately. Exposed for tests and for
// operator-triggered maintenance.
func (h *HousekeepingService) Sweep(ctx context.Context) (int64, error) {
	retention := h.RevokedRetention
	if retention <= 0 {
		retention = DefaultRevokedRetention
	}
	return h.Store.RefreshTokens().DeleteExpiredRefreshTokens(ctx, time.Now(), retention)
}

func (h *HousekeepingService) sweep(ctx context.Context) {
	deleted, err := h.Sweep(ctx)
	if err != nil {
		h.Logger.Error("refresh token sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		h.Logger.Info("swept refresh token ledger", "deleted", deleted)
	}
}
