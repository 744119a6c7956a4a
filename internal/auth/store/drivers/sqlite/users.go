package sqlite

import (
	"context"
	"time"

	"github.com/dmarclens/dmarclens/internal/auth/domain"
)

type usersRepo struct {
	db dbtx
}

const userColumns = `id, org_id, email, role, provider, password_hash, totp_secret, totp_enabled, created_at, updated_at`

func (r *usersRepo) GetUserByID(ctx context.Context, id string) (domain.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (r *usersRepo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	// Emails are stored as entered but compared case-insensitively.
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ? COLLATE NOCASE`, email)
	return scanUser(row)
}

func (r *usersRepo) CreateUser(ctx context.Context, u domain.User) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, org_id, email, role, provider, password_hash, totp_secret, totp_enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.OrgID, u.Email, u.Role, u.Provider, u.PasswordHash,
		mapOptionalString(u.TOTPSecret), u.TOTPEnabled,
	)
	return err
}

func (r *usersRepo) UpdatePasswordHash(ctx context.Context, userID string, newHash string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`,
		newHash, time.Now().UTC(), userID,
	)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

func (r *usersRepo) UpdateRole(ctx context.Context, userID string, role string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET role = ?, updated_at = ? WHERE id = ?`,
		role, time.Now().UTC(), userID,
	)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

func (r *usersRepo) UpdateTOTP(ctx context.Context, userID string, secret *string, enabled bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET totp_secret = ?, totp_enabled = ?, updated_at = ? WHERE id = ?`,
		mapOptionalString(secret), enabled, time.Now().UTC(), userID,
	)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (domain.User, error) {
	var (
		u          domain.User
		totpSecret = mapOptionalString(nil)
	)
	err := row.Scan(
		&u.ID, &u.OrgID, &u.Email, &u.Role, &u.Provider, &u.PasswordHash,
		&totpSecret, &u.TOTPEnabled, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return domain.User{}, mapNotFound(err)
	}
	u.TOTPSecret = mapNullStringPtr(totpSecret)
	return u, nil
}
