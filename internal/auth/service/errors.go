package service

import (
	"errors"
	"fmt"
)

// The error taxonomy recovered at this boundary. No raw storage, cache or
// JWT errors leak past the service layer; every failure a transport sees is
// one of these. Messages never disclose whether an email is registered.
var (
	// ErrInvalidCredentials covers wrong email, wrong password and wrong
	// second-factor codes alike.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUnauthenticated covers malformed, expired or signature-invalid
	// tokens and mismatched token pairings.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrTokenTheft signals reuse of a rotated-out refresh token. Terminal
	// for the whole session family; transports must clear the stored
	// refresh-token cookie on it.
	ErrTokenTheft = errors.New("your session has been terminated for security reasons")

	// ErrDependencyUnavailable reports an unreachable ledger or cache. A
	// transient condition: transports must NOT clear client-side tokens,
	// the client should retry.
	ErrDependencyUnavailable = errors.New("authentication backend temporarily unavailable")
)

// Refined Unauthenticated variants, distinguishable with errors.Is against
// both the specific value and ErrUnauthenticated.
var (
	ErrRefreshInvalid = fmt.Errorf("%w: invalid or expired refresh token", ErrUnauthenticated)
	ErrRefreshExpired = fmt.Errorf("%w: refresh token has expired", ErrUnauthenticated)
	ErrTokenMismatch  = fmt.Errorf("%w: access token does not match refresh token", ErrUnauthenticated)
	ErrReplayDetected = fmt.Errorf("%w: assertion has already been used", ErrUnauthenticated)
)

// RateLimitedError reports a denied attempt on the IP or a 2FA scope.
// It deliberately carries only the wait time, not attempt counts, which
// could aid account enumeration.
type RateLimitedError struct {
	RetryAfter int // seconds
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many attempts, retry in %d seconds", e.RetryAfter)
}

// AccountLockedError is the account-scope lock, distinguished from generic
// rate limiting for client messaging (HTTP 423).
type AccountLockedError struct {
	RetryAfter int // seconds
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("account temporarily locked, retry in %d seconds", e.RetryAfter)
}

// StepUpRequiredError is not a failure: the password verified but a second
// factor is required. The carried token authorizes exactly one step-up
// verification attempt window.
type StepUpRequiredError struct {
	StepUpToken string
}

func (e *StepUpRequiredError) Error() string {
	return "second factor verification required"
}
