package store

import (
	"context"
	"errors"
	"time"

	"github.com/dmarclens/dmarclens/internal/auth/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// Store is the root data access interface. Concrete drivers (sqlite,
// postgres) implement this. Sub-repositories keep concerns tidy and
// testable; the Tx variant exists because refresh rotation must revoke the
// old row and insert the new one atomically.
type Store interface {
	Users() Users
	RefreshTokens() RefreshTokens
	RecoveryCodes() RecoveryCodes

	ApplyMigrations() error

	// Tx starts a read/write transaction and returns a Tx-scoped Store.
	// The caller MUST call Commit() or Rollback() on the returned Tx.
	Tx(ctx context.Context) (Tx, error)

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back, otherwise it is committed.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases any underlying resources.
	Close() error

	// Ping verifies the database connection is still alive.
	Ping(ctx context.Context) error
}

// Tx is a transactional store. It embeds the same repos but adds
// Commit/Rollback.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

type Users interface {
	// GetUserByID returns a user by id.
	GetUserByID(ctx context.Context, id string) (domain.User, error)

	// GetUserByEmail is used during login; lookup is case-insensitive.
	GetUserByEmail(ctx context.Context, email string) (domain.User, error)

	// CreateUser inserts a new user (id is provided by app via ULID).
	CreateUser(ctx context.Context, u domain.User) error

	// UpdatePasswordHash sets the password_hash (argon2) and bumps updated_at.
	UpdatePasswordHash(ctx context.Context, userID string, newHash string) error

	// UpdateRole changes the user's role and bumps updated_at.
	UpdateRole(ctx context.Context, userID string, role string) error

	// UpdateTOTP sets or clears the TOTP secret and enabled flag.
	UpdateTOTP(ctx context.Context, userID string, secret *string, enabled bool) error
}

// RefreshTokens is the durable ledger behind refresh-token rotation. It is
// the only part of the auth core requiring strict consistency: the
// conditional revoke is the linearization point that makes concurrent
// refresh calls with the same token resolve to exactly one winner.
type RefreshTokens interface {
	// CreateRefreshToken stores a new refresh token record.
	CreateRefreshToken(ctx context.Context, t domain.RefreshToken) error

	// GetRefreshTokenByID returns the record for the token's ledger row.
	GetRefreshTokenByID(ctx context.Context, id string) (domain.RefreshToken, error)

	// RevokeRefreshToken conditionally flips revoked=1 with the given reason
	// (WHERE id = ? AND revoked = 0). Returns ErrNotFound when no row
	// flipped, i.e. the record was already revoked or never existed.
	RevokeRefreshToken(ctx context.Context, id string, reason string) error

	// RevokeFamily revokes every active record in a rotation family.
	// Already-revoked rows keep their original reason; the call is
	// idempotent.
	RevokeFamily(ctx context.Context, familyID string, reason string) error

	// RevokeAllForUser bulk-revokes every active record for a user
	// (password change, role change).
	RevokeAllForUser(ctx context.Context, userID string, reason string) error

	// CountActiveInFamily reports how many non-revoked, non-expired records
	// a family currently has.
	CountActiveInFamily(ctx context.Context, familyID string, now time.Time) (int, error)

	// DeleteExpiredRefreshTokens removes rows past expiry, plus revoked rows
	// older than the retention window. Housekeeping only.
	DeleteExpiredRefreshTokens(ctx context.Context, now time.Time, revokedRetention time.Duration) (int64, error)
}

type RecoveryCodes interface {
	// CreateRecoveryCode stores a recovery code fingerprint for a user.
	CreateRecoveryCode(ctx context.Context, userID string, codeHash string) error

	// ConsumeRecoveryCode deletes the matching fingerprint and reports
	// whether it existed. Codes are single-use by construction.
	ConsumeRecoveryCode(ctx context.Context, userID string, codeHash string) (bool, error)

	// DeleteAllRecoveryCodes removes all codes for a user (regeneration).
	DeleteAllRecoveryCodes(ctx context.Context, userID string) error

	// CountRecoveryCodes returns how many unused codes remain.
	CountRecoveryCodes(ctx context.Context, userID string) (int, error)
}
