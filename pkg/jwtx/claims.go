package jwtx

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Default token TTL constants. Access tokens are deliberately short-lived
// because they are stateless and cannot be revoked; refresh tokens are
// ledger-backed and revocable, so they may live much longer.
const (
	DefaultAccessTokenTTL  = 15 * time.Minute
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour

	// StepUpTokenTTL bounds the window between password verification and
	// second-factor verification.
	StepUpTokenTTL = 5 * time.Minute
)

// Purpose tags embedded into every token. A token minted for one purpose
// never verifies under another, even if it leaks into the wrong code path.
const (
	PurposeAccess  = "access"
	PurposeStepUp  = "step_up"
	PurposeRefresh = "refresh"
)

// Claims are the claims carried by every token this service mints. Access
// tokens fill the identity fields; step-up and refresh tokens carry only
// what their narrow purpose needs.
type Claims struct {
	jwt.RegisteredClaims

	// Purpose discriminates access, step-up and refresh tokens.
	Purpose string `json:"purpose"`

	// Email of the authenticated user.
	Email string `json:"email,omitempty"`

	// Role within the organisation ("admin", "analyst", "viewer").
	Role string `json:"role,omitempty"`

	// Provider records how the user authenticated ("local", "saml").
	Provider string `json:"provider,omitempty"`

	// OrgID scopes the token to one tenant's DMARC data.
	OrgID string `json:"org,omitempty"`
}

func newRegistered(issuer, subject string, ttl time.Duration, now time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        newJTI(),
	}
}

// newJTI returns a URL-safe random identifier for the "jti" claim.
func newJTI() string {
	var b [20]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}
