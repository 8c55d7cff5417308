// Package main: HTTP route registration.
package main

import (
	"net/http"

	"github.com/akinalp/collab/middleware"
	"github.com/akinalp/collab/services"
)

// initRoutes binds every relay endpoint to mux.
func initRoutes(mux *http.ServeMux, h *Handlers, tokens services.TokenService) {
	// ─── Middleware ───
	authMw := middleware.NewAuthMiddleware(tokens)

	auth := func(handler http.HandlerFunc) http.Handler {
		return authMw.Require(http.HandlerFunc(handler))
	}

	// Health
	mux.HandleFunc("GET /api/health", h.Stats.Health)

	// Tokens
	mux.HandleFunc("POST /api/dev/token", h.Auth.DevToken)
	mux.Handle("POST /api/calls/token", auth(h.Call.Token))

	// WebSocket: browsers cannot set headers on the upgrade request, so the
	// token travels in the query string and the handler validates it itself.
	mux.HandleFunc("GET /ws", h.WS.HandleConnection)
}
