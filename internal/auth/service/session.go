// Package service is the session orchestrator: it owns the login, step-up,
// refresh, logout and credential-change flows, and is the only place the
// token issuer, the ledger, the rate limiter and the replay guard meet.
// Transports stay thin; every security decision happens here.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmarclens/dmarclens/internal/auth/domain"
	"github.com/dmarclens/dmarclens/internal/auth/ratelimit"
	"github.com/dmarclens/dmarclens/internal/auth/replay"
	"github.com/dmarclens/dmarclens/internal/auth/store"
	"github.com/dmarclens/dmarclens/pkg/cryptox"
	"github.com/dmarclens/dmarclens/pkg/idx"
	"github.com/dmarclens/dmarclens/pkg/jwtx"
)

// Second-factor methods accepted by VerifyStepUp.
const (
	MethodTOTP         = "totp"
	MethodRecoveryCode = "recovery_code"
)

// AssertionValidator is implemented by the identity-provider integration
// layer. It performs the XML, signature, audience and time-window checks and
// returns nil only for a trustworthy assertion. The orchestrator adds replay
// protection and user resolution on top.
type AssertionValidator interface {
	ValidateAssertion(ctx context.Context, a domain.Assertion) error
}

// SessionService orchestrates authentication flows over the durable ledger.
type SessionService struct {
	Store     store.Store
	Issuer    *jwtx.Issuer
	Limiter   *ratelimit.Limiter
	Replay    *replay.Guard
	Verifier  CredentialVerifier
	Validator AssertionValidator
	Logger    *slog.Logger

	// RefreshTTL bounds each refresh token; rotation re-derives the full
	// lifetime, so an active session never expires mid-use.
	RefreshTTL time.Duration

	// Clock overrides time.Now; tests only.
	Clock func() time.Time
}

func (s *SessionService) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

func (s *SessionService) refreshTTL() time.Duration {
	if s.RefreshTTL > 0 {
		return s.RefreshTTL
	}
	return jwtx.DefaultRefreshTokenTTL
}

// Login authenticates email and password from clientIP. On success it
// returns a fresh token pair rooted in a new rotation family, or a
// StepUpRequiredError when the account has a second factor enrolled. The IP
// and account limiter scopes both gate the attempt; only the account scope
// resets on success, so a success from a spraying IP does not unlock it.
func (s *SessionService) Login(ctx context.Context, email, password, clientIP string) (*domain.TokenPair, error) {
	if err := s.checkLimit(ctx, ratelimit.ScopeIP, clientIP, false); err != nil {
		return nil, err
	}
	if err := s.checkLimit(ctx, ratelimit.ScopeAccount, email, true); err != nil {
		return nil, err
	}

	user, err := s.Store.Users().GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Count the miss so unregistered emails cost attackers the
			// same as wrong passwords.
			s.recordLoginFailure(ctx, email, clientIP)
			return nil, ErrInvalidCredentials
		}
		return nil, s.dependencyDown("load user", err)
	}

	if user.Provider != domain.ProviderLocal || user.PasswordHash == "" {
		s.recordLoginFailure(ctx, email, clientIP)
		return nil, ErrInvalidCredentials
	}

	if !s.Verifier.VerifyPassword(ctx, password, user.PasswordHash) {
		s.recordLoginFailure(ctx, email, clientIP)
		return nil, ErrInvalidCredentials
	}

	if user.SecondFactorEnabled() {
		token, err := s.Issuer.IssueStepUp(user.ID, user.Email, s.now())
		if err != nil {
			return nil, fmt.Errorf("issue step-up token: %w", err)
		}
		return nil, &StepUpRequiredError{StepUpToken: token}
	}

	if err := s.Limiter.Reset(ctx, ratelimit.ScopeAccount, email); err != nil {
		// Stale counters self-expire; a successful login is not worth
		// failing over this.
		s.Logger.Warn("failed to reset account limiter after login", "error", err)
	}

	pair, err := s.mintPair(ctx, user)
	if err != nil {
		return nil, err
	}

	s.Logger.Info("user logged in", "user_id", user.ID, "provider", user.Provider)
	return pair, nil
}

// VerifyStepUp completes a login that required a second factor. The step-up
// token proves the password already verified; code is either a current TOTP
// code or a single-use recovery code, per method. Each method has its own
// limiter scope keyed by user ID.
func (s *SessionService) VerifyStepUp(ctx context.Context, stepUpToken, code, method string) (*domain.TokenPair, error) {
	claims, err := s.Issuer.VerifyStepUp(stepUpToken)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid or expired step-up token", ErrUnauthenticated)
	}

	user, err := s.Store.Users().GetUserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, s.dependencyDown("load user", err)
	}

	var scope ratelimit.Scope
	switch method {
	case MethodTOTP:
		scope = ratelimit.ScopeTOTPVerify
	case MethodRecoveryCode:
		scope = ratelimit.ScopeRecoveryCode
	default:
		return nil, fmt.Errorf("%w: unknown verification method %q", ErrInvalidCredentials, method)
	}

	if err := s.checkLimit(ctx, scope, user.ID, false); err != nil {
		return nil, err
	}

	var ok bool
	switch method {
	case MethodTOTP:
		if !user.SecondFactorEnabled() {
			return nil, ErrInvalidCredentials
		}
		ok = s.Verifier.VerifyTOTP(ctx, *user.TOTPSecret, code)
	case MethodRecoveryCode:
		ok, err = s.Verifier.VerifyRecoveryCode(ctx, user.ID, code)
		if err != nil {
			return nil, s.dependencyDown("consume recovery code", err)
		}
	}

	if !ok {
		if err := s.Limiter.RecordFailure(ctx, scope, user.ID); err != nil {
			s.Logger.Warn("failed to record second-factor failure", "scope", scope, "error", err)
		}
		return nil, ErrInvalidCredentials
	}

	// The second factor completed the login, so the account scope resets
	// along with the method scope.
	if err := s.Limiter.Reset(ctx, scope, user.ID); err != nil {
		s.Logger.Warn("failed to reset limiter after step-up", "scope", scope, "error", err)
	}
	if err := s.Limiter.Reset(ctx, ratelimit.ScopeAccount, user.Email); err != nil {
		s.Logger.Warn("failed to reset account limiter after step-up", "error", err)
	}

	pair, err := s.mintPair(ctx, user)
	if err != nil {
		return nil, err
	}

	s.Logger.Info("second factor verified", "user_id", user.ID, "method", method)
	return pair, nil
}

// LoginSAML turns a validated identity-provider assertion into a session.
// The assertion must validate, must not be a replay, and its subject must be
// an already-provisioned user; just-in-time provisioning is a concern of the
// admin surface, not of this flow.
func (s *SessionService) LoginSAML(ctx context.Context, assertion domain.Assertion) (*domain.TokenPair, error) {
	if s.Validator != nil {
		if err := s.Validator.ValidateAssertion(ctx, assertion); err != nil {
			return nil, fmt.Errorf("%w: assertion rejected: %v", ErrUnauthenticated, err)
		}
	}

	key := replay.AssertionKey(s.Logger, assertion.ID, assertion.InResponseTo, assertion.SessionIndex, assertion.Issuer)
	if s.Replay.CheckReplay(ctx, key) {
		s.Logger.Warn("replayed assertion rejected", "issuer", assertion.Issuer)
		return nil, ErrReplayDetected
	}
	s.Replay.MarkProcessed(ctx, key, assertion.NotOnOrAfter)

	user, err := s.Store.Users().GetUserByEmail(ctx, assertion.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, s.dependencyDown("load user", err)
	}
	if user.Provider != domain.ProviderSAML {
		return nil, ErrInvalidCredentials
	}

	pair, err := s.mintPair(ctx, user)
	if err != nil {
		return nil, err
	}

	s.Logger.Info("user logged in", "user_id", user.ID, "provider", user.Provider)
	return pair, nil
}

// Refresh rotates a refresh token. The presented pair must verify and
// belong together; the ledger row must be the family's one active link.
// Presenting an already-rotated token is treated as theft and kills the
// entire family, including whatever token the legitimate holder has now.
func (s *SessionService) Refresh(ctx context.Context, refreshToken, accessToken string) (*domain.TokenPair, error) {
	rc, err := s.Issuer.VerifyRefresh(refreshToken)
	if err != nil {
		return nil, ErrRefreshInvalid
	}

	ac, err := s.Issuer.VerifyAccessExpired(accessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid access token", ErrUnauthenticated)
	}
	if ac.Subject != rc.Subject {
		return nil, ErrTokenMismatch
	}

	rec, err := s.Store.RefreshTokens().GetRefreshTokenByID(ctx, rc.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRefreshInvalid
		}
		return nil, s.dependencyDown("load refresh token", err)
	}

	// The stored fingerprint covers the whole encoded token, so a forged
	// jti pointing at someone else's row cannot pass.
	if rec.UserID != rc.Subject || rec.TokenHash != cryptox.FingerprintToken(refreshToken) {
		return nil, ErrRefreshInvalid
	}

	if rec.Revoked {
		return nil, s.handleTheft(ctx, rec)
	}

	now := s.now()
	if !now.Before(rec.ExpiresAt) {
		return nil, ErrRefreshExpired
	}

	user, err := s.Store.Users().GetUserByID(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRefreshInvalid
		}
		return nil, s.dependencyDown("load user", err)
	}

	newID := idx.New().String()
	newRefresh, err := s.Issuer.IssueRefresh(user.ID, newID, s.refreshTTL(), now)
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}

	// The conditional revoke inside the transaction is the linearization
	// point: of N concurrent calls with the same token, exactly one flips
	// the row and inserts a successor.
	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.RefreshTokens().RevokeRefreshToken(ctx, rec.ID, domain.RevokedRotated); err != nil {
			return err
		}
		return tx.RefreshTokens().CreateRefreshToken(ctx, domain.RefreshToken{
			ID:        newID,
			UserID:    user.ID,
			FamilyID:  rec.FamilyID,
			TokenHash: cryptox.FingerprintToken(newRefresh),
			ExpiresAt: now.Add(s.refreshTTL()),
			CreatedAt: now,
			UpdatedAt: now,
		})
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Lost the race: someone else rotated this row first, which
			// means this presentation is a reuse.
			return nil, s.handleTheft(ctx, rec)
		}
		return nil, s.dependencyDown("rotate refresh token", err)
	}

	access, err := s.Issuer.IssueAccess(user.ID, user.Email, user.Role, user.Provider, user.OrgID, now)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}

	return &domain.TokenPair{
		AccessToken:  access,
		RefreshToken: newRefresh,
		TokenType:    "Bearer",
		ExpiresIn:    s.Issuer.AccessTTL,
	}, nil
}

// Logout revokes the presented refresh token for userID. Idempotent: a
// token that never existed or is already revoked is a no-op, not an error.
func (s *SessionService) Logout(ctx context.Context, userID, refreshToken string) error {
	rc, err := s.Issuer.VerifyRefresh(refreshToken)
	if err != nil {
		// Unverifiable tokens have no ledger row to revoke.
		return nil
	}
	if rc.Subject != userID {
		return ErrUnauthenticated
	}

	err = s.Store.RefreshTokens().RevokeRefreshToken(ctx, rc.ID, domain.RevokedLogout)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return s.dependencyDown("revoke refresh token", err)
	}

	s.Logger.Info("user logged out", "user_id", userID)
	return nil
}

// ChangePassword verifies the current password, stores the new digest and
// bulk-revokes every active session for the user. The caller's own next
// refresh fails too; re-login with the new password is intentional.
func (s *SessionService) ChangePassword(ctx context.Context, userID, current, updated string) error {
	user, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUnauthenticated
		}
		return s.dependencyDown("load user", err)
	}
	if user.Provider != domain.ProviderLocal {
		return ErrInvalidCredentials
	}
	if !s.Verifier.VerifyPassword(ctx, current, user.PasswordHash) {
		return ErrInvalidCredentials
	}

	hash, err := cryptox.HashPassword(updated)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Users().UpdatePasswordHash(ctx, userID, hash); err != nil {
			return err
		}
		return tx.RefreshTokens().RevokeAllForUser(ctx, userID, domain.RevokedPasswordChange)
	})
	if err != nil {
		return s.dependencyDown("update password", err)
	}

	s.Logger.Info("password changed, all sessions revoked", "user_id", userID)
	return nil
}

// ChangeRole updates the user's role and bulk-revokes every active session,
// bounding stale role claims to one access-token lifetime.
func (s *SessionService) ChangeRole(ctx context.Context, userID, role string) error {
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Users().UpdateRole(ctx, userID, role); err != nil {
			return err
		}
		return tx.RefreshTokens().RevokeAllForUser(ctx, userID, domain.RevokedRoleChange)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.ErrNotFound
		}
		return s.dependencyDown("update role", err)
	}

	s.Logger.Info("role changed, all sessions revoked", "user_id", userID, "role", role)
	return nil
}

// mintPair creates a new rotation family rooted at a fresh ledger row and
// returns the access/refresh pair for it.
func (s *SessionService) mintPair(ctx context.Context, user domain.User) (*domain.TokenPair, error) {
	now := s.now()
	tokenID := idx.New().String()

	refresh, err := s.Issuer.IssueRefresh(user.ID, tokenID, s.refreshTTL(), now)
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}

	err = s.Store.RefreshTokens().CreateRefreshToken(ctx, domain.RefreshToken{
		ID:        tokenID,
		UserID:    user.ID,
		FamilyID:  uuid.NewString(),
		TokenHash: cryptox.FingerprintToken(refresh),
		ExpiresAt: now.Add(s.refreshTTL()),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, s.dependencyDown("create refresh token", err)
	}

	access, err := s.Issuer.IssueAccess(user.ID, user.Email, user.Role, user.Provider, user.OrgID, now)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}

	return &domain.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    s.Issuer.AccessTTL,
	}, nil
}

// handleTheft revokes the whole family of a reused token. The cascade is
// best-effort: even if it fails the caller still gets the terminal error,
// and housekeeping plus the conditional revoke keep the family unusable.
func (s *SessionService) handleTheft(ctx context.Context, rec domain.RefreshToken) error {
	s.Logger.Warn("refresh token reuse detected, revoking family",
		"user_id", rec.UserID,
		"family_id", rec.FamilyID,
		"token_id", rec.ID)

	if err := s.Store.RefreshTokens().RevokeFamily(ctx, rec.FamilyID, domain.RevokedTheftDetected); err != nil {
		s.Logger.Error("failed to revoke token family", "family_id", rec.FamilyID, "error", err)
	}
	return ErrTokenTheft
}

// checkLimit gates an attempt on one limiter scope. A down counter store
// fails closed: brute-force protection is not silently disabled.
func (s *SessionService) checkLimit(ctx context.Context, scope ratelimit.Scope, key string, asLock bool) error {
	decision, err := s.Limiter.Check(ctx, scope, key)
	if err != nil {
		return s.dependencyDown("rate limiter check", err)
	}
	if decision.Allowed {
		return nil
	}
	if asLock {
		return &AccountLockedError{RetryAfter: decision.RetryAfter}
	}
	return &RateLimitedError{RetryAfter: decision.RetryAfter}
}

// recordLoginFailure counts one failed login against both gating scopes.
// Recording errors are logged, not surfaced: the attempt already failed and
// the caller's error stays ErrInvalidCredentials.
func (s *SessionService) recordLoginFailure(ctx context.Context, email, clientIP string) {
	if err := s.Limiter.RecordFailure(ctx, ratelimit.ScopeIP, clientIP); err != nil {
		s.Logger.Warn("failed to record login failure", "scope", ratelimit.ScopeIP, "error", err)
	}
	if err := s.Limiter.RecordFailure(ctx, ratelimit.ScopeAccount, email); err != nil {
		s.Logger.Warn("failed to record login failure", "scope", ratelimit.ScopeAccount, "error", err)
	}
}

func (s *SessionService) dependencyDown(op string, err error) error {
	s.Logger.Error("auth dependency unavailable", "op", op, "error", err)
	return fmt.Errorf("%w: %s", ErrDependencyUnavailable, op)
}
