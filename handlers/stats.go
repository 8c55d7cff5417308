// Package handlers holds the dev relay's HTTP endpoints. Handlers stay thin:
// parse the request, call a service, write the response.
package handlers

import (
	"net/http"
	"time"

	"github.com/akinalp/collab/pkg"
	"github.com/akinalp/collab/ws"
)

// StatsSource reports live relay counts. *ws.Hub satisfies it.
type StatsSource interface {
	Stats() ws.HubStats
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status string      `json:"status"`
	Uptime string      `json:"uptime"`
	Relay  ws.HubStats `json:"relay"`
}

// StatsHandler serves unauthenticated health and stats endpoints.
type StatsHandler struct {
	source  StatsSource
	started time.Time
}

// NewStatsHandler creates the handler. main.go wires it to the hub.
func NewStatsHandler(source StatsSource) *StatsHandler {
	return &StatsHandler{source: source, started: time.Now()}
}

// Health reports liveness plus room and connection counts.
//
//	GET /api/health
//	Response: { "success": true, "data": { "status": "ok", "uptime": "1h2m3s", "relay": {...} } }
func (h *StatsHandler) Health(w http.ResponseWriter, r *http.Request) {
	pkg.JSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(h.started).Round(time.Second).String(),
		Relay:  h.source.Stats(),
	})
}
