// Package http is the JSON transport over the session service. Handlers
// stay thin: decode, delegate, map the service error taxonomy onto status
// codes. The refresh token travels in an httpOnly cookie and never appears
// in response bodies.
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dmarclens/dmarclens/internal/auth/domain"
	"github.com/dmarclens/dmarclens/internal/auth/service"
	"github.com/dmarclens/dmarclens/pkg/httpx"
	"github.com/dmarclens/dmarclens/pkg/jwtx"
	"github.com/dmarclens/dmarclens/pkg/slogx"
)

// RefreshCookieName is the httpOnly cookie carrying the refresh token.
const RefreshCookieName = "dmarclens_refresh"

const refreshCookiePath = "/v1/auth"

// Handler serves the authentication endpoints.
type Handler struct {
	Sessions *service.SessionService
	Issuer   *jwtx.Issuer
	Logger   *slog.Logger

	// SecureCookies should only be false in local development.
	SecureCookies bool

	// Ready reports backend health for the readiness probe.
	Ready func(r *http.Request) error
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"` // seconds
}

type stepUpResponse struct {
	StepUpRequired bool   `json:"step_up_required"`
	StepUpToken    string `json:"step_up_token"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	pair, err := h.Sessions.Login(r.Context(), req.Email, req.Password, httpx.ClientIP(r))
	if err != nil {
		var stepUp *service.StepUpRequiredError
		if errors.As(err, &stepUp) {
			httpx.WriteJSON(w, http.StatusOK, stepUpResponse{
				StepUpRequired: true,
				StepUpToken:    stepUp.StepUpToken,
			})
			return
		}
		h.writeServiceError(w, r, err)
		return
	}

	h.writePair(w, pair)
}

func (h *Handler) handleStepUp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StepUpToken string `json:"step_up_token"`
		Code        string `json:"code"`
		Method      string `json:"method"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Method == "" {
		req.Method = service.MethodTOTP
	}

	pair, err := h.Sessions.VerifyStepUp(r.Context(), req.StepUpToken, req.Code, req.Method)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writePair(w, pair)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	refresh, ok := h.refreshCookie(r)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthenticated", "missing refresh token")
		return
	}
	access := bearerToken(r)
	if access == "" {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthenticated", "missing access token")
		return
	}

	pair, err := h.Sessions.Refresh(r.Context(), refresh, access)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writePair(w, pair)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAccess(w, r)
	if !ok {
		return
	}

	if refresh, ok := h.refreshCookie(r); ok {
		if err := h.Sessions.Logout(r.Context(), claims.Subject, refresh); err != nil {
			h.writeServiceError(w, r, err)
			return
		}
	}

	// The cookie goes regardless of whether a ledger row existed.
	h.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePasswordChange(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAccess(w, r)
	if !ok {
		return
	}

	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if !decode(w, r, &req) {
		return
	}
	if len(req.NewPassword) < 12 {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "new password must be at least 12 characters")
		return
	}

	if err := h.Sessions.ChangePassword(r.Context(), claims.Subject, req.CurrentPassword, req.NewPassword); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	// Every session is revoked, including this one.
	h.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleSAMLACS consumes the distilled assertion produced by the identity
// provider integration in front of this service. Signature and schema
// validation already happened there; this endpoint adds replay protection
// and session issuance.
func (h *Handler) handleSAMLACS(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID           string    `json:"id"`
		InResponseTo string    `json:"in_response_to"`
		SessionIndex string    `json:"session_index"`
		Issuer       string    `json:"issuer"`
		Email        string    `json:"email"`
		NotOnOrAfter time.Time `json:"not_on_or_after"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Email == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "assertion subject email is required")
		return
	}

	pair, err := h.Sessions.LoginSAML(r.Context(), domain.Assertion{
		ID:           req.ID,
		InResponseTo: req.InResponseTo,
		SessionIndex: req.SessionIndex,
		Issuer:       req.Issuer,
		Email:        req.Email,
		NotOnOrAfter: req.NotOnOrAfter,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writePair(w, pair)
}

func (h *Handler) handleLivez(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		if err := h.Ready(r); err != nil {
			slogx.FromContext(r.Context()).Warn("readiness check failed", "error", err)
			httpx.WriteError(w, http.StatusServiceUnavailable, "not_ready", "backend unavailable")
			return
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writePair sends the access token in the body and the refresh token in the
// httpOnly cookie.
func (h *Handler) writePair(w http.ResponseWriter, pair *domain.TokenPair) {
	h.setRefreshCookie(w, pair.RefreshToken)
	httpx.WriteJSON(w, http.StatusOK, tokenResponse{
		AccessToken: pair.AccessToken,
		TokenType:   pair.TokenType,
		ExpiresIn:   int(pair.ExpiresIn.Seconds()),
	})
}

// writeServiceError maps the service error taxonomy onto HTTP. Terminal
// authentication failures clear the refresh cookie; a 503 keeps it so the
// client can retry once the backend recovers.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var limited *service.RateLimitedError
	var locked *service.AccountLockedError

	switch {
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfter))
		httpx.WriteError(w, http.StatusTooManyRequests, "rate_limited", limited.Error())

	case errors.As(err, &locked):
		w.Header().Set("Retry-After", strconv.Itoa(locked.RetryAfter))
		httpx.WriteError(w, http.StatusLocked, "account_locked", locked.Error())

	case errors.Is(err, service.ErrTokenTheft):
		h.clearRefreshCookie(w)
		httpx.WriteError(w, http.StatusUnauthorized, "session_terminated", err.Error())

	case errors.Is(err, service.ErrUnauthenticated):
		h.clearRefreshCookie(w)
		httpx.WriteError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")

	case errors.Is(err, service.ErrInvalidCredentials):
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")

	case errors.Is(err, service.ErrDependencyUnavailable):
		httpx.WriteError(w, http.StatusServiceUnavailable, "temporarily_unavailable", err.Error())

	default:
		slogx.FromContext(r.Context()).Error("unhandled service error", "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

// requireAccess authenticates the request with a currently valid access
// token.
func (h *Handler) requireAccess(w http.ResponseWriter, r *http.Request) (jwtx.Claims, bool) {
	token := bearerToken(r)
	if token == "" {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthenticated", "missing access token")
		return jwtx.Claims{}, false
	}
	claims, err := h.Issuer.VerifyAccess(token)
	if err != nil {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthenticated", "invalid access token")
		return jwtx.Claims{}, false
	}
	return claims, true
}

func (h *Handler) refreshCookie(r *http.Request) (string, bool) {
	c, err := r.Cookie(RefreshCookieName)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

func (h *Handler) setRefreshCookie(w http.ResponseWriter, token string) {
	ttl := h.Sessions.RefreshTTL
	if ttl <= 0 {
		ttl = jwtx.DefaultRefreshTokenTTL
	}
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    token,
		Path:     refreshCookiePath,
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   h.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return auth[len(prefix):]
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return false
	}
	return true
}
