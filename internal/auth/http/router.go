package http

import (
	"net/http"

	"github.com/dmarclens/dmarclens/pkg/httpx"
	"github.com/dmarclens/dmarclens/pkg/slogx"
)

// Routes builds the full handler chain: request logging outermost, then a
// coarse per-IP throttle in front of the credential-aware limiter inside
// the service.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/auth/login", h.handleLogin)
	mux.HandleFunc("POST /v1/auth/step-up", h.handleStepUp)
	mux.HandleFunc("POST /v1/auth/refresh", h.handleRefresh)
	mux.HandleFunc("POST /v1/auth/logout", h.handleLogout)
	mux.HandleFunc("POST /v1/auth/password", h.handlePasswordChange)
	mux.HandleFunc("POST /v1/auth/saml/acs", h.handleSAMLACS)

	mux.HandleFunc("GET /livez", h.handleLivez)
	mux.HandleFunc("GET /readyz", h.handleReadyz)

	return httpx.Chain(mux,
		slogx.HTTPMiddleware(h.Logger),
		httpx.RateLimitByIP(httpx.StrictLimit),
	)
}
