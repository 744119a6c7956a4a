package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmarclens/dmarclens/internal/auth/domain"
	"github.com/dmarclens/dmarclens/internal/auth/store"
	"github.com/dmarclens/dmarclens/pkg/idx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.ApplyMigrations())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedUser(t *testing.T, s *Store, email string) domain.User {
	t.Helper()
	u := domain.User{
		ID:       idx.New().String(),
		OrgID:    idx.New().String(),
		Email:    email,
		Role:     domain.RoleViewer,
		Provider: domain.ProviderLocal,
	}
	require.NoError(t, s.Users().CreateUser(context.Background(), u))
	return u
}

func seedToken(t *testing.T, s *Store, userID, familyID string, expiresAt time.Time) string {
	t.Helper()
	id := idx.New().String()
	require.NoError(t, s.RefreshTokens().CreateRefreshToken(context.Background(), domain.RefreshToken{
		ID:        id,
		UserID:    userID,
		FamilyID:  familyID,
		TokenHash: "hash-" + id,
		ExpiresAt: expiresAt,
	}))
	return id
}

func TestUsersRepo(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	t.Run("round trip and case-insensitive email", func(t *testing.T) {
		u := seedUser(t, s, "Mixed@Example.com")

		got, err := s.Users().GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		require.Equal(t, u.Email, got.Email)
		require.Nil(t, got.TOTPSecret)
		require.False(t, got.TOTPEnabled)

		byEmail, err := s.Users().GetUserByEmail(ctx, "mixed@example.COM")
		require.NoError(t, err)
		require.Equal(t, u.ID, byEmail.ID)
	})

	t.Run("duplicate email differing only in case is rejected", func(t *testing.T) {
		seedUser(t, s, "dup@example.com")
		err := s.Users().CreateUser(ctx, domain.User{
			ID:       idx.New().String(),
			OrgID:    idx.New().String(),
			Email:    "DUP@example.com",
			Role:     domain.RoleViewer,
			Provider: domain.ProviderLocal,
		})
		require.Error(t, err)
	})

	t.Run("updates", func(t *testing.T) {
		u := seedUser(t, s, "upd@example.com")

		require.NoError(t, s.Users().UpdatePasswordHash(ctx, u.ID, "new-hash"))
		require.NoError(t, s.Users().UpdateRole(ctx, u.ID, domain.RoleAdmin))
		secret := "JBSWY3DPEHPK3PXP"
		require.NoError(t, s.Users().UpdateTOTP(ctx, u.ID, &secret, true))

		got, err := s.Users().GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		require.Equal(t, "new-hash", got.PasswordHash)
		require.Equal(t, domain.RoleAdmin, got.Role)
		require.True(t, got.SecondFactorEnabled())

		require.NoError(t, s.Users().UpdateTOTP(ctx, u.ID, nil, false))
		got, err = s.Users().GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		require.False(t, got.SecondFactorEnabled())
	})

	t.Run("missing rows map to ErrNotFound", func(t *testing.T) {
		_, err := s.Users().GetUserByID(ctx, "missing")
		require.ErrorIs(t, err, store.ErrNotFound)
		require.ErrorIs(t, s.Users().UpdateRole(ctx, "missing", domain.RoleAdmin), store.ErrNotFound)
	})
}

func TestRefreshTokensRepo(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("conditional revoke flips exactly once", func(t *testing.T) {
		s := newTestStore(t)
		u := seedUser(t, s, "a@example.com")
		id := seedToken(t, s, u.ID, "fam-1", now.Add(time.Hour))

		require.NoError(t, s.RefreshTokens().RevokeRefreshToken(ctx, id, domain.RevokedRotated))
		require.ErrorIs(t,
			s.RefreshTokens().RevokeRefreshToken(ctx, id, domain.RevokedRotated),
			store.ErrNotFound)

		got, err := s.RefreshTokens().GetRefreshTokenByID(ctx, id)
		require.NoError(t, err)
		require.True(t, got.Revoked)
		require.Equal(t, domain.RevokedRotated, got.RevokedReason)
	})

	t.Run("family cascade keeps earlier reasons", func(t *testing.T) {
		s := newTestStore(t)
		u := seedUser(t, s, "a@example.com")
		rotated := seedToken(t, s, u.ID, "fam-1", now.Add(time.Hour))
		active := seedToken(t, s, u.ID, "fam-1", now.Add(time.Hour))
		otherFamily := seedToken(t, s, u.ID, "fam-2", now.Add(time.Hour))

		require.NoError(t, s.RefreshTokens().RevokeRefreshToken(ctx, rotated, domain.RevokedRotated))
		require.NoError(t, s.RefreshTokens().RevokeFamily(ctx, "fam-1", domain.RevokedTheftDetected))

		got, err := s.RefreshTokens().GetRefreshTokenByID(ctx, rotated)
		require.NoError(t, err)
		require.Equal(t, domain.RevokedRotated, got.RevokedReason)

		got, err = s.RefreshTokens().GetRefreshTokenByID(ctx, active)
		require.NoError(t, err)
		require.Equal(t, domain.RevokedTheftDetected, got.RevokedReason)

		got, err = s.RefreshTokens().GetRefreshTokenByID(ctx, otherFamily)
		require.NoError(t, err)
		require.False(t, got.Revoked)

		n, err := s.RefreshTokens().CountActiveInFamily(ctx, "fam-1", now)
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("revoke all for user", func(t *testing.T) {
		s := newTestStore(t)
		u := seedUser(t, s, "a@example.com")
		other := seedUser(t, s, "b@example.com")
		mine := seedToken(t, s, u.ID, "fam-1", now.Add(time.Hour))
		theirs := seedToken(t, s, other.ID, "fam-2", now.Add(time.Hour))

		require.NoError(t, s.RefreshTokens().RevokeAllForUser(ctx, u.ID, domain.RevokedPasswordChange))

		got, err := s.RefreshTokens().GetRefreshTokenByID(ctx, mine)
		require.NoError(t, err)
		require.Equal(t, domain.RevokedPasswordChange, got.RevokedReason)

		got, err = s.RefreshTokens().GetRefreshTokenByID(ctx, theirs)
		require.NoError(t, err)
		require.False(t, got.Revoked)
	})

	t.Run("sweep honours the revoked retention window", func(t *testing.T) {
		s := newTestStore(t)
		u := seedUser(t, s, "a@example.com")
		expired := seedToken(t, s, u.ID, "fam-1", now.Add(-time.Hour))
		agedRevoked := seedToken(t, s, u.ID, "fam-2", now.Add(time.Hour))
		freshRevoked := seedToken(t, s, u.ID, "fam-3", now.Add(time.Hour))
		active := seedToken(t, s, u.ID, "fam-4", now.Add(time.Hour))

		require.NoError(t, s.RefreshTokens().RevokeRefreshToken(ctx, agedRevoked, domain.RevokedLogout))
		require.NoError(t, s.RefreshTokens().RevokeRefreshToken(ctx, freshRevoked, domain.RevokedLogout))

		// Age one revoked row past the retention window.
		_, err := s.db.ExecContext(ctx,
			`UPDATE refresh_tokens SET updated_at = ? WHERE id = ?`,
			now.Add(-40*24*time.Hour).UTC(), agedRevoked)
		require.NoError(t, err)

		deleted, err := s.RefreshTokens().DeleteExpiredRefreshTokens(ctx, now, 30*24*time.Hour)
		require.NoError(t, err)
		require.EqualValues(t, 2, deleted)

		_, err = s.RefreshTokens().GetRefreshTokenByID(ctx, expired)
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.RefreshTokens().GetRefreshTokenByID(ctx, agedRevoked)
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.RefreshTokens().GetRefreshTokenByID(ctx, freshRevoked)
		require.NoError(t, err)
		_, err = s.RefreshTokens().GetRefreshTokenByID(ctx, active)
		require.NoError(t, err)
	})

	t.Run("deleting a user cascades to their tokens", func(t *testing.T) {
		s := newTestStore(t)
		u := seedUser(t, s, "a@example.com")
		id := seedToken(t, s, u.ID, "fam-1", now.Add(time.Hour))

		_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, u.ID)
		require.NoError(t, err)

		_, err = s.RefreshTokens().GetRefreshTokenByID(ctx, id)
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestRecoveryCodesRepo(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	u := seedUser(t, s, "a@example.com")

	require.NoError(t, s.RecoveryCodes().CreateRecoveryCode(ctx, u.ID, "code-1"))
	require.NoError(t, s.RecoveryCodes().CreateRecoveryCode(ctx, u.ID, "code-2"))

	n, err := s.RecoveryCodes().CountRecoveryCodes(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	ok, err := s.RecoveryCodes().ConsumeRecoveryCode(ctx, u.ID, "code-1")
	require.NoError(t, err)
	require.True(t, ok)

	// Single use: the same fingerprint never consumes twice.
	ok, err = s.RecoveryCodes().ConsumeRecoveryCode(ctx, u.ID, "code-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.RecoveryCodes().DeleteAllRecoveryCodes(ctx, u.ID))
	n, err = s.RecoveryCodes().CountRecoveryCodes(ctx, u.ID)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	u := seedUser(t, s, "a@example.com")

	boom := store.ErrNotFound
	err := s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.RefreshTokens().CreateRefreshToken(ctx, domain.RefreshToken{
			ID:        "tx-token",
			UserID:    u.ID,
			FamilyID:  "fam-tx",
			TokenHash: "hash-tx",
			ExpiresAt: time.Now().Add(time.Hour),
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.RefreshTokens().GetRefreshTokenByID(ctx, "tx-token")
	require.ErrorIs(t, err, store.ErrNotFound)
}
