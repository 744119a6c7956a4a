package jwtx

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenInvalid = errors.New("jwtx: invalid token")
	ErrTokenExpired = errors.New("jwtx: token expired")
	ErrWrongPurpose = errors.New("jwtx: wrong token purpose")
)

// Issuer mints and verifies the three token kinds used by the auth core:
// stateless access tokens, short step-up tokens bridging first and second
// factor, and refresh tokens whose jti binds them to a ledger row.
type Issuer struct {
	name string
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey

	AccessTTL time.Duration
}

// NewIssuer loads an Ed25519 private key from PEM bytes (PKCS8).
func NewIssuer(name string, pemKey []byte, accessTTL time.Duration) (*Issuer, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, errors.New("jwtx: invalid PEM for Ed25519 key")
	}
	if block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("jwtx: expected PRIVATE KEY, got %q (Ed25519 requires PKCS8)", block.Type)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("jwtx: parse PKCS8: %w", err)
	}

	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("jwtx: not an Ed25519 private key")
	}

	return newIssuer(name, priv, accessTTL), nil
}

// NewEphemeralIssuer generates a fresh Ed25519 keypair. Tokens signed by an
// ephemeral issuer do not survive a process restart; use a persisted key in
// multi-instance deployments.
func NewEphemeralIssuer(name string, accessTTL time.Duration) (*Issuer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("jwtx: generate Ed25519 key: %w", err)
	}
	return newIssuer(name, priv, accessTTL), nil
}

func newIssuer(name string, priv ed25519.PrivateKey, accessTTL time.Duration) *Issuer {
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTokenTTL
	}
	return &Issuer{
		name:      name,
		priv:      priv,
		pub:       priv.Public().(ed25519.PublicKey),
		AccessTTL: accessTTL,
	}
}

// IssueAccess mints a stateless access token. Validity is determined purely
// by signature and expiry; there is no database round-trip on verification.
func (i *Issuer) IssueAccess(subject, email, role, provider, orgID string, now time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: newRegistered(i.name, subject, i.AccessTTL, now),
		Purpose:          PurposeAccess,
		Email:            email,
		Role:             role,
		Provider:         provider,
		OrgID:            orgID,
	}
	return i.sign(claims)
}

// IssueStepUp mints the narrow token bridging password verification and
// second-factor verification. Fixed five minute lifetime.
func (i *Issuer) IssueStepUp(subject, email string, now time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: newRegistered(i.name, subject, StepUpTokenTTL, now),
		Purpose:          PurposeStepUp,
		Email:            email,
	}
	return i.sign(claims)
}

// IssueRefresh mints the bearer half of a refresh token. The jti claim is
// the ledger row ID, so verification yields the row to compare fingerprints
// against in O(1).
func (i *Issuer) IssueRefresh(subject, tokenID string, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: newRegistered(i.name, subject, ttl, now),
		Purpose:          PurposeRefresh,
	}
	claims.ID = tokenID
	return i.sign(claims)
}

func (i *Issuer) sign(claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(i.priv)
}

// VerifyAccess checks signature, structure and expiry of an access token.
func (i *Issuer) VerifyAccess(token string) (Claims, error) {
	return i.verify(token, PurposeAccess, true)
}

// VerifyAccessExpired checks signature and structure but skips expiry. Used
// only to correlate an expired access token with its refresh token during
// rotation.
func (i *Issuer) VerifyAccessExpired(token string) (Claims, error) {
	return i.verify(token, PurposeAccess, false)
}

// VerifyStepUp additionally rejects tokens missing the step-up purpose tag.
func (i *Issuer) VerifyStepUp(token string) (Claims, error) {
	return i.verify(token, PurposeStepUp, true)
}

// VerifyRefresh validates the signed envelope of a refresh token.
func (i *Issuer) VerifyRefresh(token string) (Claims, error) {
	return i.verify(token, PurposeRefresh, true)
}

func (i *Issuer) verify(token, purpose string, checkExpiry bool) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(i.name),
	}
	if !checkExpiry {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return i.pub, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return Claims{}, ErrTokenInvalid
	}

	// WithoutClaimsValidation skips the issuer check too, so re-check it.
	if !checkExpiry && claims.Issuer != i.name {
		return Claims{}, ErrTokenInvalid
	}

	if claims.Purpose != purpose {
		return Claims{}, ErrWrongPurpose
	}
	if claims.Subject == "" {
		return Claims{}, ErrTokenInvalid
	}

	return claims, nil
}
