package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/akinalp/collab/models"
	"github.com/akinalp/collab/pkg"
	"github.com/akinalp/collab/pkg/i18n"
	"github.com/akinalp/collab/pkg/ratelimit"
	"github.com/akinalp/collab/services"
)

// AuthHandler issues dev access tokens for the relay.
type AuthHandler struct {
	tokenService services.TokenService
	limiter      *ratelimit.IPRateLimiter
}

// NewAuthHandler creates the handler. limiter may be nil.
func NewAuthHandler(tokenService services.TokenService, limiter *ratelimit.IPRateLimiter) *AuthHandler {
	return &AuthHandler{
		tokenService: tokenService,
		limiter:      limiter,
	}
}

// DevToken signs an access token for any identity. It exists so local
// clients and tests can reach the relay without an account system, and is
// rate limited per IP.
//
//	POST /api/dev/token
//	Request:  { "user_id": "alice", "display_name": "Alice" }
//	Response: { "token": "eyJ...", "expires_in": 3600 }
func (h *AuthHandler) DevToken(w http.ResponseWriter, r *http.Request) {
	ip := ratelimit.ExtractIP(r)
	if h.limiter != nil && !h.limiter.Allow(ip) {
		retryAfter := h.limiter.RetryAfterSeconds(ip)
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))

		localizer := i18n.NewLocalizer(i18n.DetectLanguage(r.Header.Get("Accept-Language")))
		pkg.ErrorWithMessage(w, http.StatusTooManyRequests, localizer.TWithParams("relay.too_many_requests",
			map[string]string{"retry": ratelimit.FormatRetryMessage(retryAfter)}))
		return
	}

	var req models.DevTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkg.ErrorWithMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.tokenService.IssueAccessToken(req)
	if err != nil {
		pkg.Error(w, err)
		return
	}

	pkg.JSON(w, http.StatusOK, resp)
}
