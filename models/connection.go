package models

import "fmt"

// ConnectionKey identifies one logical transport connection.
// At most one live session exists per key.
type ConnectionKey struct {
	ProjectID string `json:"project_id"`
	ChannelID string `json:"channel_id"`
}

// Valid reports whether both halves of the key are set.
func (k ConnectionKey) Valid() bool {
	return k.ProjectID != "" && k.ChannelID != ""
}

func (k ConnectionKey) String() string {
	return fmt.Sprintf("%s/%s", k.ProjectID, k.ChannelID)
}

// ConnectionState is the lifecycle state of a connection session.
type ConnectionState string

const (
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionOpen         ConnectionState = "open"
	ConnectionReconnecting ConnectionState = "reconnecting"
	ConnectionClosed       ConnectionState = "closed"
)

// ConnectionStatus is a point-in-time snapshot carried by status-changed events.
type ConnectionStatus struct {
	Key     ConnectionKey   `json:"key"`
	State   ConnectionState `json:"state"`
	Retries int             `json:"retries"`
	// LastError is the most recent transport failure, nil after a clean open.
	LastError error `json:"-"`
}
