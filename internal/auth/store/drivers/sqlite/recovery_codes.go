package sqlite

import "context"

type recoveryCodesRepo struct {
	db dbtx
}

func (r *recoveryCodesRepo) CreateRecoveryCode(ctx context.Context, userID string, codeHash string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO recovery_codes (user_id, code_hash) VALUES (?, ?)`,
		userID, codeHash,
	)
	return err
}

// ConsumeRecoveryCode deletes the row in the same statement that finds it,
// so a recovery code can never verify twice.
func (r *recoveryCodesRepo) ConsumeRecoveryCode(ctx context.Context, userID string, codeHash string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM recovery_codes WHERE user_id = ? AND code_hash = ?`,
		userID, codeHash,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *recoveryCodesRepo) DeleteAllRecoveryCodes(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM recovery_codes WHERE user_id = ?`, userID)
	return err
}

func (r *recoveryCodesRepo) CountRecoveryCodes(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM recovery_codes WHERE user_id = ?`, userID,
	).Scan(&n)
	return n, err
}
