package ws

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/akinalp/collab/models"
)

// TokenValidator checks an access token and returns its claims.
type TokenValidator interface {
	ValidateAccessToken(tokenString string) (*models.TokenClaims, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dev relay is reached from arbitrary local origins.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades GET /ws?project_id=&channel_id=&token= to a relay client.
type Handler struct {
	hub            *Hub
	tokenValidator TokenValidator
}

// NewHandler creates the websocket endpoint handler.
func NewHandler(hub *Hub, tokenValidator TokenValidator) *Handler {
	return &Handler{
		hub:            hub,
		tokenValidator: tokenValidator,
	}
}

// HandleConnection authenticates before upgrading: a bad token gets a plain
// 401 so the client can tell it apart from a network failure.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := models.ConnectionKey{ProjectID: q.Get("project_id"), ChannelID: q.Get("channel_id")}
	if !key.Valid() {
		http.Error(w, "project_id and channel_id are required", http.StatusBadRequest)
		return
	}

	token := q.Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	claims, err := h.tokenValidator.ValidateAccessToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[relay] upgrade failed for %s: %v", claims.UserID, err)
		return
	}

	client := &Client{
		hub:         h.hub,
		conn:        conn,
		key:         key,
		userID:      claims.UserID,
		displayName: claims.DisplayName,
		send:        make(chan []byte, sendBufferSize),
	}

	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		conn.Close()
		return
	}

	go client.WritePump()
	client.ReadPump()
}
