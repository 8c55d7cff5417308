package repository

import (
	"context"

	"github.com/akinalp/collab/models"
)

// MessageCache persists confirmed chat messages locally so a channel can be
// hydrated before its transport opens.
//
// Only confirmed messages are stored; pending and failed entries live in
// memory until the relay acknowledges them.
type MessageCache interface {
	// SaveMessages upserts messages by id.
	SaveMessages(ctx context.Context, messages []models.Message) error
	// RecentMessages returns up to limit of the newest messages for key,
	// oldest first.
	RecentMessages(ctx context.Context, key models.ConnectionKey, limit int) ([]models.Message, error)
	// Prune keeps only the newest keep messages for key.
	Prune(ctx context.Context, key models.ConnectionKey, keep int) error
}
