package domain

import "time"

// Assertion is the distilled result of SAML response validation, produced by
// the identity-provider integration layer. XML parsing, signature and
// audience checks happen there; this core only consumes the outcome and adds
// replay protection.
type Assertion struct {
	// ID is the IdP-native assertion identifier, when the IdP exposes one.
	ID string

	// InResponseTo, SessionIndex and Issuer form the fallback replay key for
	// IdPs without a stable assertion ID.
	InResponseTo string
	SessionIndex string
	Issuer       string

	// Email identifies the subject; must match a provisioned user.
	Email string

	// NotOnOrAfter bounds how long the assertion is valid, and therefore how
	// long its replay record needs to live.
	NotOnOrAfter time.Time
}
