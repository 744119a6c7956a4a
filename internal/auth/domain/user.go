package domain

import "time"

// Auth providers a user can sign in with.
const (
	ProviderLocal = "local"
	ProviderSAML  = "saml"
)

// Roles within an organisation. Role changes force re-authentication
// everywhere, so the role claim in circulating access tokens can only be
// stale for one access-token lifetime.
const (
	RoleAdmin   = "admin"
	RoleAnalyst = "analyst"
	RoleViewer  = "viewer"
)

// User is an account in a tenant organisation. Report data hangs off OrgID;
// this service only cares about the credential and identity fields.
type User struct {
	ID           string
	OrgID        string
	Email        string
	Role         string
	Provider     string // "local" or "saml"
	PasswordHash string // empty for SAML-only users
	TOTPSecret   *string
	TOTPEnabled  bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SecondFactorEnabled reports whether login must go through the step-up
// flow before tokens are issued.
func (u User) SecondFactorEnabled() bool {
	return u.TOTPEnabled && u.TOTPSecret != nil && *u.TOTPSecret != ""
}
