// Package ratelimit is the failed-attempt lockout engine. Each scope keeps
// its own counters in a swappable CounterStore: an in-process map for
// single-instance deployments, or a shared redis cache when running
// horizontally scaled. Losing counter state on restart is an accepted
// degradation; the refresh-token ledger never lives here.
package ratelimit

import (
	"errors"
	"time"
)

// Scope names an independent counter namespace. Scopes never interact:
// exhausting totp_verify must not lock the account out of password login.
type Scope string

const (
	ScopeIP           Scope = "ip"
	ScopeAccount      Scope = "account"
	ScopeTOTPVerify   Scope = "totp_verify"
	ScopeTOTPSetup    Scope = "totp_setup"
	ScopeRecoveryCode Scope = "recovery_code"
)

// ErrStoreUnavailable reports that the backing counter store cannot be
// reached. Callers fail closed on it: a down store must not silently
// disable brute-force protection.
var ErrStoreUnavailable = errors.New("ratelimit: counter store unavailable")

// Policy is the per-scope lockout policy. Window bounds the sliding counter;
// once Threshold failures accumulate inside it, the key is locked for
// LockFor regardless of further counting.
type Policy struct {
	Threshold int
	Window    time.Duration
	LockFor   time.Duration
}

// DefaultPolicies are per-scope production defaults. The 2FA scopes have no
// meaningful window because their counters only reset on success or lock.
func DefaultPolicies() map[Scope]Policy {
	return map[Scope]Policy{
		ScopeIP:           {Threshold: 10, Window: 5 * time.Minute, LockFor: 15 * time.Minute},
		ScopeAccount:      {Threshold: 5, Window: 5 * time.Minute, LockFor: 15 * time.Minute},
		ScopeTOTPVerify:   {Threshold: 5, Window: 15 * time.Minute, LockFor: 15 * time.Minute},
		ScopeRecoveryCode: {Threshold: 3, Window: 15 * time.Minute, LockFor: 15 * time.Minute},
		ScopeTOTPSetup:    {Threshold: 10, Window: time.Hour, LockFor: time.Hour},
	}
}

// Counter is the state held per (scope, key).
type Counter struct {
	Count       int64
	WindowStart time.Time
	LockedUntil time.Time
}

// Locked reports whether the key is locked at the given instant.
func (c Counter) Locked(now time.Time) bool {
	return now.Before(c.LockedUntil)
}
