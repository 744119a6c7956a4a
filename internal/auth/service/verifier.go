package service

import (
	"context"
	"fmt"

	"github.com/pquerna/otp/totp"

	"github.com/dmarclens/dmarclens/internal/auth/store"
	"github.com/dmarclens/dmarclens/pkg/cryptox"
)

// CredentialVerifier checks the things a user can present at login. Split
// out of SessionService so tests can substitute a deterministic verifier
// and so the hashing scheme can change without touching orchestration.
type CredentialVerifier interface {
	// VerifyPassword reports whether plain matches the stored digest.
	VerifyPassword(ctx context.Context, plain, digest string) bool

	// VerifyTOTP reports whether code is currently valid for secret.
	VerifyTOTP(ctx context.Context, secret, code string) bool

	// VerifyRecoveryCode consumes a single-use recovery code. Consumption
	// and the validity check are one atomic operation; a valid code can
	// never be accepted twice.
	VerifyRecoveryCode(ctx context.Context, userID, code string) (bool, error)
}

// LocalVerifier verifies against the local user store: argon2id password
// digests, RFC 6238 TOTP codes and hashed single-use recovery codes.
type LocalVerifier struct {
	Store store.Store
}

func (v *LocalVerifier) VerifyPassword(_ context.Context, plain, digest string) bool {
	return cryptox.VerifyPassword(plain, digest) == nil
}

func (v *LocalVerifier) VerifyTOTP(_ context.Context, secret, code string) bool {
	return totp.Validate(code, secret)
}

func (v *LocalVerifier) VerifyRecoveryCode(ctx context.Context, userID, code string) (bool, error) {
	ok, err := v.Store.RecoveryCodes().ConsumeRecoveryCode(ctx, userID, cryptox.FingerprintToken(code))
	if err != nil {
		return false, fmt.Errorf("consume recovery code: %w", err)
	}
	return ok, nil
}
