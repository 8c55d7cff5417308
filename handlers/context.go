package handlers

import (
	"net/http"

	"github.com/akinalp/collab/models"
)

// contextKey namespaces values this package stores on request contexts.
type contextKey string

// ClaimsContextKey carries the caller's *models.TokenClaims, set by the
// auth middleware.
const ClaimsContextKey contextKey = "claims"

func claimsFromRequest(r *http.Request) (*models.TokenClaims, bool) {
	claims, ok := r.Context().Value(ClaimsContextKey).(*models.TokenClaims)
	return claims, ok && claims != nil
}
