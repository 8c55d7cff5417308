package models

import "time"

// MessageStatus separates optimistic local entries from server-confirmed ones.
//
//	pending   → sent locally, not yet acknowledged
//	confirmed → acknowledged or received from the server
//	failed    → could not be delivered; the UI shows a "retry send" marker
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusConfirmed MessageStatus = "confirmed"
	MessageStatusFailed    MessageStatus = "failed"
)

// Message is a single chat message in a channel log.
//
// ID is assigned optimistically by the sender and replaced by the server id on
// acknowledgement. ClientID keeps the sender's original id so the ack or the
// server echo can be matched with the pending entry.
type Message struct {
	ID                string        `json:"id"`
	ClientID          string        `json:"client_id,omitempty"`
	ProjectID         string        `json:"project_id"`
	ChannelID         string        `json:"channel_id"`
	UserID            string        `json:"user_id"`
	AuthorDisplayName string        `json:"author_display_name"`
	Body              string        `json:"body"`
	SentAt            time.Time     `json:"sent_at"`
	Status            MessageStatus `json:"-"`
}

// SameContent reports whether two entries with the same id carry identical data.
// Used by the dedupe rule: a redelivered message only replaces the stored one
// when something actually changed.
func (m Message) SameContent(other Message) bool {
	return m.ID == other.ID &&
		m.ClientID == other.ClientID &&
		m.ProjectID == other.ProjectID &&
		m.ChannelID == other.ChannelID &&
		m.UserID == other.UserID &&
		m.AuthorDisplayName == other.AuthorDisplayName &&
		m.Body == other.Body &&
		m.SentAt.Equal(other.SentAt) &&
		m.Status == other.Status
}

// MessageDraft is what the UI hands to ChatChannel.SendMessage.
type MessageDraft struct {
	Body string `json:"body"`
}

// ChatView is the read model the chat UI binds to.
type ChatView struct {
	Messages    []Message `json:"messages"`
	IsConnected bool      `json:"is_connected"`
}
