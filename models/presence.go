package models

// PresenceStatus is the three-valued connection signal shown to the user.
type PresenceStatus string

const (
	PresenceConnected    PresenceStatus = "connected"
	PresenceReconnecting PresenceStatus = "reconnecting"
	PresenceDisconnected PresenceStatus = "disconnected"
)

// PresenceFromState projects a connection state onto the UI signal.
// A first connect attempt counts as reconnecting: the session has not given up.
func PresenceFromState(state ConnectionState) PresenceStatus {
	switch state {
	case ConnectionOpen:
		return PresenceConnected
	case ConnectionConnecting, ConnectionReconnecting:
		return PresenceReconnecting
	default:
		return PresenceDisconnected
	}
}

// Severity orders statuses so several sessions can be folded into one banner.
func (p PresenceStatus) Severity() int {
	switch p {
	case PresenceConnected:
		return 0
	case PresenceReconnecting:
		return 1
	default:
		return 2
	}
}
