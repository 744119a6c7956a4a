package sqlite

import (
	"context"
	"time"

	"github.com/dmarclens/dmarclens/internal/auth/domain"
)

type refreshTokensRepo struct {
	db dbtx
}

const refreshColumns = `id, user_id, family_id, token_hash, expires_at, revoked, revoked_reason, created_at, updated_at`

func (r *refreshTokensRepo) CreateRefreshToken(ctx context.Context, t domain.RefreshToken) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, family_id, token_hash, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.FamilyID, t.TokenHash, t.ExpiresAt.UTC(),
	)
	return err
}

func (r *refreshTokensRepo) GetRefreshTokenByID(ctx context.Context, id string) (domain.RefreshToken, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+refreshColumns+` FROM refresh_tokens WHERE id = ?`, id)

	var (
		t      domain.RefreshToken
		reason = mapOptionalString(nil)
	)
	err := row.Scan(
		&t.ID, &t.UserID, &t.FamilyID, &t.TokenHash, &t.ExpiresAt,
		&t.Revoked, &reason, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return domain.RefreshToken{}, mapNotFound(err)
	}
	if reason.Valid {
		t.RevokedReason = reason.String
	}
	return t, nil
}

// RevokeRefreshToken is conditional on the row still being active. Exactly
// one of two concurrent rotations presenting the same token can win; the
// other observes ErrNotFound here and takes the theft path.
func (r *refreshTokensRepo) RevokeRefreshToken(ctx context.Context, id string, reason string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET revoked = 1, revoked_reason = ?, updated_at = ?
		WHERE id = ? AND revoked = 0`,
		reason, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

func (r *refreshTokensRepo) RevokeFamily(ctx context.Context, familyID string, reason string) error {
	// Only active rows change; already-revoked rows keep their original
	// reason, which makes the theft cascade idempotent.
	_, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET revoked = 1, revoked_reason = ?, updated_at = ?
		WHERE family_id = ? AND revoked = 0`,
		reason, time.Now().UTC(), familyID,
	)
	return err
}

func (r *refreshTokensRepo) RevokeAllForUser(ctx context.Context, userID string, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET revoked = 1, revoked_reason = ?, updated_at = ?
		WHERE user_id = ? AND revoked = 0`,
		reason, time.Now().UTC(), userID,
	)
	return err
}

func (r *refreshTokensRepo) CountActiveInFamily(ctx context.Context, familyID string, now time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM refresh_tokens
		WHERE family_id = ? AND revoked = 0 AND expires_at > ?`,
		familyID, now.UTC(),
	).Scan(&n)
	return n, err
}

func (r *refreshTokensRepo) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time, revokedRetention time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM refresh_tokens
		WHERE expires_at < ?
		   OR (revoked = 1 AND updated_at < ?)`,
		now.UTC(), now.Add(-revokedRetention).UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
