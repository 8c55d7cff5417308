package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/akinalp/collab/database"
	"github.com/akinalp/collab/models"
)

type sqliteMessageCache struct {
	db *sql.DB
}

// NewSQLiteMessageCache returns a MessageCache backed by db.
func NewSQLiteMessageCache(db *sql.DB) MessageCache {
	return &sqliteMessageCache{db: db}
}

func (r *sqliteMessageCache) SaveMessages(ctx context.Context, messages []models.Message) error {
	if len(messages) == 0 {
		return nil
	}

	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO cached_messages
				(id, client_id, project_id, channel_id, user_id, author_display_name, body, sent_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				client_id = excluded.client_id,
				author_display_name = excluded.author_display_name,
				body = excluded.body,
				sent_at = excluded.sent_at`)
		if err != nil {
			return fmt.Errorf("failed to prepare message upsert: %w", err)
		}
		defer stmt.Close()

		for _, m := range messages {
			if _, err := stmt.ExecContext(ctx,
				m.ID, m.ClientID, m.ProjectID, m.ChannelID, m.UserID,
				m.AuthorDisplayName, m.Body, m.SentAt.UTC().UnixNano(),
			); err != nil {
				return fmt.Errorf("failed to cache message %s: %w", m.ID, err)
			}
		}
		return nil
	})
}

func (r *sqliteMessageCache) RecentMessages(ctx context.Context, key models.ConnectionKey, limit int) ([]models.Message, error) {
	// Newest first to apply the limit, then flipped back to ascending.
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, client_id, project_id, channel_id, user_id, author_display_name, body, sent_at
		FROM cached_messages
		WHERE project_id = ? AND channel_id = ?
		ORDER BY sent_at DESC, id DESC
		LIMIT ?`,
		key.ProjectID, key.ChannelID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query cached messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var sentAt int64
		if err := rows.Scan(
			&m.ID, &m.ClientID, &m.ProjectID, &m.ChannelID, &m.UserID,
			&m.AuthorDisplayName, &m.Body, &sentAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan cached message: %w", err)
		}
		m.SentAt = time.Unix(0, sentAt).UTC()
		m.Status = models.MessageStatusConfirmed
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cached messages: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *sqliteMessageCache) Prune(ctx context.Context, key models.ConnectionKey, keep int) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM cached_messages
		WHERE project_id = ? AND channel_id = ?
		  AND id NOT IN (
			SELECT id FROM cached_messages
			WHERE project_id = ? AND channel_id = ?
			ORDER BY sent_at DESC, id DESC
			LIMIT ?
		  )`,
		key.ProjectID, key.ChannelID, key.ProjectID, key.ChannelID, keep,
	)
	if err != nil {
		return fmt.Errorf("failed to prune cached messages: %w", err)
	}
	return nil
}
