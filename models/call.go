package models

// CallTokenRequest asks for a media-server token for a channel's call.
type CallTokenRequest struct {
	ProjectID string `json:"project_id"`
	ChannelID string `json:"channel_id"`
}

// CallTokenResponse is returned to a client about to join a call.
type CallTokenResponse struct {
	Token string `json:"token"` // LiveKit JWT
	URL   string `json:"url"`   // LiveKit WebSocket URL
	Room  string `json:"room"`  // LiveKit room name derived from the connection key
}
