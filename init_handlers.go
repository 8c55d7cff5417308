// Package main: handler wire-up.
//
// Handlers are thin: parse the request, call a service, write the response.
package main

import (
	"github.com/akinalp/collab/handlers"
	"github.com/akinalp/collab/ws"
)

// Handlers holds every HTTP handler the relay serves.
type Handlers struct {
	Auth  *handlers.AuthHandler
	Call  *handlers.CallHandler
	Stats *handlers.StatsHandler
	WS    *ws.Handler
}

func initHandlers(svcs *Services, limiters *RateLimiters, hub *ws.Hub) *Handlers {
	return &Handlers{
		Auth:  handlers.NewAuthHandler(svcs.Tokens, limiters.DevToken),
		Call:  handlers.NewCallHandler(svcs.Tokens),
		Stats: handlers.NewStatsHandler(hub),
		WS:    ws.NewHandler(hub, svcs.Tokens),
	}
}
