package ws

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/akinalp/collab/models"
)

// Event is the envelope of every frame on the wire, in both directions.
//
//	{"op": "message_create", "d": {...}, "seq": 42}
//
// Seq is stamped by the relay on outbound events and lets a client spot gaps.
type Event struct {
	Op   string `json:"op"`
	Data any    `json:"d,omitempty"`
	Seq  int64  `json:"seq,omitempty"`
}

// ─── Client → Server ───

const (
	OpHeartbeat = "heartbeat" // sent every HeartbeatInterval while open
)

// ─── Server → Client ───

const (
	OpHeartbeatAck    = "heartbeat_ack"
	OpMessageAck      = "message_ack"      // server id + time for an optimistic message
	OpParticipantSync = "participant_sync" // full remote roster, sent on (re)connect
	OpError           = "error"
)

// ─── Both directions ───
//
// Clients send these for their own actions; the relay fans them out to the
// rest of the channel.

const (
	OpMessageCreate     = "message_create"
	OpParticipantJoin   = "participant_join"
	OpParticipantLeave  = "participant_leave"
	OpParticipantUpdate = "participant_update"
)

// MessageAckData confirms a message sent with a client-generated id.
type MessageAckData struct {
	ClientID string         `json:"client_id"`
	Message  models.Message `json:"message"`
}

// ParticipantData is the wire view of a call participant. Stream handles
// never cross the wire.
type ParticipantData struct {
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"display_name"`
	AudioMuted    bool   `json:"audio_muted"`
	VideoOff      bool   `json:"video_off"`
	IsSharing     bool   `json:"is_sharing"`
}

// ParticipantLeaveData removes one participant from the roster.
type ParticipantLeaveData struct {
	ParticipantID string `json:"participant_id"`
}

// ParticipantUpdateData carries only the flags that changed.
type ParticipantUpdateData struct {
	ParticipantID string `json:"participant_id"`
	AudioMuted    *bool  `json:"audio_muted,omitempty"`
	VideoOff      *bool  `json:"video_off,omitempty"`
	IsSharing     *bool  `json:"is_sharing,omitempty"`
}

// ParticipantSyncData replaces the remote part of a roster.
type ParticipantSyncData struct {
	Participants []ParticipantData `json:"participants"`
}

// ErrorData is sent by the relay when it rejects a frame.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeInvalidFrame = "invalid_frame"
	ErrCodeRateLimited  = "rate_limited"
)

var errEmptyOp = errors.New("frame has no op")

// ParseEvent decodes one raw frame. A frame without an op is malformed.
func ParseEvent(raw []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return Event{}, err
	}
	if event.Op == "" {
		return Event{}, errEmptyOp
	}
	return event, nil
}

// DecodeData converts the loosely typed payload into a concrete struct.
//
// Data arrives as `any` (map[string]any after json.Unmarshal), so it is
// round-tripped through JSON. This also works for events built locally with a
// typed payload.
func DecodeData(event Event, v any) error {
	raw, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to re-encode %s payload: %w", event.Op, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", event.Op, err)
	}
	return nil
}
