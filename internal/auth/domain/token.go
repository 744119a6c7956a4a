package domain

import "time"

// TokenPair is what a successful login, step-up or refresh returns: the
// short-lived access JWT and the ledger-backed refresh token.
type TokenPair struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	TokenType    string        `json:"token_type,omitempty"` // typically "Bearer"
	ExpiresIn    time.Duration `json:"expires_in"`           // access token lifetime
}

// Revocation reasons recorded on refresh token rows. "rotated" is the normal
// lifecycle; "theft_detected" marks a whole family killed by reuse of a
// rotated-out token; the rest end a session by policy.
const (
	RevokedRotated        = "rotated"
	RevokedTheftDetected  = "theft_detected"
	RevokedLogout         = "logout"
	RevokedPasswordChange = "password_change"
	RevokedRoleChange     = "role_change"
)

// RefreshToken models the stored refresh token record. All records sharing a
// FamilyID form the rotation chain of one login session; at most one of them
// is active at any time.
type RefreshToken struct {
	ID            string
	UserID        string
	FamilyID      string
	TokenHash     string // deterministic fingerprint (base64url SHA-256) of the bearer token
	ExpiresAt     time.Time
	Revoked       bool
	RevokedReason string // one of the Revoked* constants, empty while active
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Active reports whether the record can still be presented for rotation.
func (t RefreshToken) Active(at time.Time) bool {
	return !t.Revoked && at.Before(t.ExpiresAt)
}
