// Package middleware holds HTTP middleware for the dev relay. Each one is a
// func(next http.Handler) http.Handler that either calls next or writes an
// error and stops the chain.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/akinalp/collab/handlers"
	"github.com/akinalp/collab/pkg"
	"github.com/akinalp/collab/services"
)

// AuthMiddleware validates bearer access tokens.
type AuthMiddleware struct {
	tokenService services.TokenService
}

// NewAuthMiddleware creates the middleware.
func NewAuthMiddleware(tokenService services.TokenService) *AuthMiddleware {
	return &AuthMiddleware{tokenService: tokenService}
}

// Require rejects requests without a valid "Authorization: Bearer <token>"
// header with 401 and puts the token claims on the context otherwise.
func (m *AuthMiddleware) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			pkg.ErrorWithMessage(w, http.StatusUnauthorized, "authorization header required")
			return
		}

		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			pkg.ErrorWithMessage(w, http.StatusUnauthorized, "invalid authorization format, use: Bearer <token>")
			return
		}

		claims, err := m.tokenService.ValidateAccessToken(tokenString)
		if err != nil {
			pkg.Error(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), handlers.ClaimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
