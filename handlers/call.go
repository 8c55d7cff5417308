package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/akinalp/collab/models"
	"github.com/akinalp/collab/pkg"
	"github.com/akinalp/collab/services"
)

// CallHandler issues media-server tokens for channel calls.
type CallHandler struct {
	tokenService services.TokenService
}

// NewCallHandler creates the handler.
func NewCallHandler(tokenService services.TokenService) *CallHandler {
	return &CallHandler{tokenService: tokenService}
}

// Token mints a LiveKit token for the caller in the channel's call room.
//
//	POST /api/calls/token
//	Request:  { "project_id": "p1", "channel_id": "standup" }
//	Response: { "token": "eyJ...", "url": "ws://localhost:7880", "room": "p1_standup" }
func (h *CallHandler) Token(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromRequest(r)
	if !ok {
		pkg.ErrorWithMessage(w, http.StatusUnauthorized, "claims not found in context")
		return
	}

	var req models.CallTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkg.ErrorWithMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.tokenService.IssueCallToken(claims, req)
	if err != nil {
		pkg.Error(w, err)
		return
	}

	pkg.JSON(w, http.StatusOK, resp)
}
