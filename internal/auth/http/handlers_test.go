package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmarclens/dmarclens/internal/auth/domain"
	"github.com/dmarclens/dmarclens/internal/auth/ratelimit"
	"github.com/dmarclens/dmarclens/internal/auth/replay"
	"github.com/dmarclens/dmarclens/internal/auth/service"
	"github.com/dmarclens/dmarclens/internal/auth/store"
	"github.com/dmarclens/dmarclens/internal/auth/store/drivers/sqlite"
	"github.com/dmarclens/dmarclens/pkg/cryptox"
	"github.com/dmarclens/dmarclens/pkg/idx"
	"github.com/dmarclens/dmarclens/pkg/jwtx"
)

type env struct {
	handler http.Handler
	store   store.Store
	issuer  *jwtx.Issuer
	h       *Handler
}

type allowAllValidator struct{}

func (allowAllValidator) ValidateAssertion(context.Context, domain.Assertion) error { return nil }

func newEnv(t *testing.T) *env {
	t.Helper()

	st, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.ApplyMigrations())
	t.Cleanup(func() { _ = st.Close() })

	issuer, err := jwtx.NewEphemeralIssuer("dmarclens", time.Minute)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := &service.SessionService{
		Store:     st,
		Issuer:    issuer,
		Limiter:   ratelimit.NewLimiter(ratelimit.NewMemoryStore(), nil),
		Replay:    replay.NewGuard(replay.NewMemoryCache(), logger),
		Verifier:  &service.LocalVerifier{Store: st},
		Validator: allowAllValidator{},
		Logger:    logger,
	}

	h := &Handler{
		Sessions: svc,
		Issuer:   issuer,
		Logger:   logger,
		Ready:    func(r *http.Request) error { return st.Ping(r.Context()) },
	}
	return &env{handler: h.Routes(), store: st, issuer: issuer, h: h}
}

func (e *env) seedUser(t *testing.T, email, password string) domain.User {
	t.Helper()
	hash, err := cryptox.HashPassword(password)
	require.NoError(t, err)
	u := domain.User{
		ID:           idx.New().String(),
		OrgID:        idx.New().String(),
		Email:        email,
		Role:         domain.RoleAnalyst,
		Provider:     domain.ProviderLocal,
		PasswordHash: hash,
	}
	require.NoError(t, e.store.Users().CreateUser(context.Background(), u))
	return u
}

func (e *env) do(t *testing.T, method, path string, body any, prepare ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = "198.51.100.7:4242"
	for _, p := range prepare {
		p(req)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func refreshCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == RefreshCookieName {
			return c
		}
	}
	t.Fatalf("no %s cookie in response", RefreshCookieName)
	return nil
}

func (e *env) login(t *testing.T, email, password string) (string, *http.Cookie) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/auth/login", map[string]string{
		"email": email, "password": password,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.AccessToken, refreshCookie(t, rec)
}

func TestLoginEndpoint(t *testing.T) {
	t.Run("success sets the refresh cookie", func(t *testing.T) {
		e := newEnv(t)
		e.seedUser(t, "ana@example.com", "correct horse battery")

		rec := e.do(t, http.MethodPost, "/v1/auth/login", map[string]string{
			"email": "ana@example.com", "password": "correct horse battery",
		})
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

		var resp struct {
			AccessToken string `json:"access_token"`
			TokenType   string `json:"token_type"`
			ExpiresIn   int    `json:"expires_in"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, "Bearer", resp.TokenType)
		require.Equal(t, 60, resp.ExpiresIn)

		_, err := e.issuer.VerifyAccess(resp.AccessToken)
		require.NoError(t, err)

		c := refreshCookie(t, rec)
		require.True(t, c.HttpOnly)
		require.NotEmpty(t, c.Value)
		require.NotContains(t, rec.Body.String(), c.Value)
	})

	t.Run("invalid credentials", func(t *testing.T) {
		e := newEnv(t)
		e.seedUser(t, "ana@example.com", "correct horse battery")

		rec := e.do(t, http.MethodPost, "/v1/auth/login", map[string]string{
			"email": "ana@example.com", "password": "wrong",
		})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.Contains(t, rec.Body.String(), "invalid_credentials")
	})

	t.Run("account lock returns 423 with Retry-After", func(t *testing.T) {
		e := newEnv(t)
		e.seedUser(t, "ana@example.com", "correct horse battery")

		for i := 0; i < 5; i++ {
			e.do(t, http.MethodPost, "/v1/auth/login", map[string]string{
				"email": "ana@example.com", "password": "wrong",
			})
		}
		rec := e.do(t, http.MethodPost, "/v1/auth/login", map[string]string{
			"email": "ana@example.com", "password": "correct horse battery",
		})
		require.Equal(t, http.StatusLocked, rec.Code)
		require.NotEmpty(t, rec.Header().Get("Retry-After"))
	})

	t.Run("malformed body", func(t *testing.T) {
		e := newEnv(t)
		req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", bytes.NewReader([]byte("{")))
		req.RemoteAddr = "198.51.100.7:4242"
		rec := httptest.NewRecorder()
		e.handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRefreshEndpoint(t *testing.T) {
	t.Run("rotates the cookie", func(t *testing.T) {
		e := newEnv(t)
		e.seedUser(t, "ana@example.com", "correct horse battery")
		access, cookie := e.login(t, "ana@example.com", "correct horse battery")

		rec := e.do(t, http.MethodPost, "/v1/auth/refresh", nil, func(r *http.Request) {
			r.AddCookie(cookie)
			r.Header.Set("Authorization", "Bearer "+access)
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		next := refreshCookie(t, rec)
		require.NotEqual(t, cookie.Value, next.Value)
	})

	t.Run("reuse clears the cookie with 401", func(t *testing.T) {
		e := newEnv(t)
		e.seedUser(t, "ana@example.com", "correct horse battery")
		access, cookie := e.login(t, "ana@example.com", "correct horse battery")

		first := e.do(t, http.MethodPost, "/v1/auth/refresh", nil, func(r *http.Request) {
			r.AddCookie(cookie)
			r.Header.Set("Authorization", "Bearer "+access)
		})
		require.Equal(t, http.StatusOK, first.Code)

		replayed := e.do(t, http.MethodPost, "/v1/auth/refresh", nil, func(r *http.Request) {
			r.AddCookie(cookie)
			r.Header.Set("Authorization", "Bearer "+access)
		})
		require.Equal(t, http.StatusUnauthorized, replayed.Code)
		require.Contains(t, replayed.Body.String(), "session_terminated")

		cleared := refreshCookie(t, replayed)
		require.Empty(t, cleared.Value)
		require.Negative(t, cleared.MaxAge)
	})

	t.Run("missing credentials", func(t *testing.T) {
		e := newEnv(t)
		rec := e.do(t, http.MethodPost, "/v1/auth/refresh", nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestLogoutEndpoint(t *testing.T) {
	e := newEnv(t)
	e.seedUser(t, "ana@example.com", "correct horse battery")
	access, cookie := e.login(t, "ana@example.com", "correct horse battery")

	rec := e.do(t, http.MethodPost, "/v1/auth/logout", nil, func(r *http.Request) {
		r.AddCookie(cookie)
		r.Header.Set("Authorization", "Bearer "+access)
	})
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Negative(t, refreshCookie(t, rec).MaxAge)

	// Logging out again, cookie already gone, still succeeds.
	rec = e.do(t, http.MethodPost, "/v1/auth/logout", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+access)
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	// The revoked refresh token no longer rotates.
	rec = e.do(t, http.MethodPost, "/v1/auth/refresh", nil, func(r *http.Request) {
		r.AddCookie(cookie)
		r.Header.Set("Authorization", "Bearer "+access)
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPasswordChangeEndpoint(t *testing.T) {
	e := newEnv(t)
	e.seedUser(t, "ana@example.com", "correct horse battery")
	access, cookie := e.login(t, "ana@example.com", "correct horse battery")

	rec := e.do(t, http.MethodPost, "/v1/auth/password", map[string]string{
		"current_password": "correct horse battery",
		"new_password":     "brand new battery staple",
	}, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+access)
	})
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Negative(t, refreshCookie(t, rec).MaxAge)

	// Old refresh token is dead.
	rec = e.do(t, http.MethodPost, "/v1/auth/refresh", nil, func(r *http.Request) {
		r.AddCookie(cookie)
		r.Header.Set("Authorization", "Bearer "+access)
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Short replacement passwords are rejected up front.
	rec = e.do(t, http.MethodPost, "/v1/auth/password", map[string]string{
		"current_password": "brand new battery staple",
		"new_password":     "short",
	}, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+access)
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSAMLACSEndpoint(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.store.Users().CreateUser(context.Background(), domain.User{
		ID:       idx.New().String(),
		OrgID:    idx.New().String(),
		Email:    "sso@example.com",
		Role:     domain.RoleViewer,
		Provider: domain.ProviderSAML,
	}))

	assertion := map[string]any{
		"id":              "assert-1",
		"issuer":          "https://idp.example.com",
		"email":           "sso@example.com",
		"not_on_or_after": time.Now().Add(5 * time.Minute).Format(time.RFC3339),
	}

	rec := e.do(t, http.MethodPost, "/v1/auth/saml/acs", assertion)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotEmpty(t, refreshCookie(t, rec).Value)
}

func TestHealthEndpoints(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/livez", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	e.h.Ready = func(*http.Request) error { return errors.New("db gone") }
	rec = e.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
