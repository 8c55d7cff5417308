package models

// MediaStream is an opaque capture handle owned by the media layer.
// The core only stores, attaches and releases it.
type MediaStream interface {
	ID() string
	// Stop releases the underlying capture. Safe to call more than once.
	Stop()
	// Ended is closed when the platform ends the stream on its own
	// (device unplugged, "stop sharing" in the browser bar).
	Ended() <-chan struct{}
}

// Participant is one member of a call roster.
type Participant struct {
	ParticipantID string      `json:"participant_id"`
	DisplayName   string      `json:"display_name"`
	IsLocal       bool        `json:"is_local"`
	MediaStream   MediaStream `json:"-"`
	AudioMuted    bool        `json:"audio_muted"`
	VideoOff      bool        `json:"video_off"`
	IsSharing     bool        `json:"is_sharing"` // screen share active
	IsPinned      bool        `json:"is_pinned"`
}

// StreamID returns the attached stream's id, or "" when no stream is attached.
func (p Participant) StreamID() string {
	if p.MediaStream == nil {
		return ""
	}
	return p.MediaStream.ID()
}

// CallView is the read model the call UI binds to.
type CallView struct {
	Participants        []Participant  `json:"participants"`
	PinnedParticipantID string         `json:"pinned_participant_id,omitempty"`
	Layout              LayoutDecision `json:"layout"`
}
