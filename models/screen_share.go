package models

// ScreenShareStatus is the state of the local screen-share controller.
type ScreenShareStatus string

const (
	ScreenShareIdle       ScreenShareStatus = "idle"
	ScreenShareRequesting ScreenShareStatus = "requesting"
	ScreenShareActive     ScreenShareStatus = "active"
)

// ScreenShareSession exists only while a share is active.
type ScreenShareSession struct {
	Active          bool   `json:"active"`
	WithSystemAudio bool   `json:"with_system_audio"`
	StreamID        string `json:"stream_id"`
}

// ScreenShareState is the controller snapshot published to subscribers.
type ScreenShareState struct {
	Status  ScreenShareStatus   `json:"status"`
	Session *ScreenShareSession `json:"session,omitempty"`
	// LastError holds the last denial; cleared by the next successful share.
	LastError error `json:"-"`
}
