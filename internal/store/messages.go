// ABOUTME: Channel message audit log persistence for SQLiteStore
// ABOUTME: Append-only inbound/outbound message records per channel session

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveChannelMessage appends one audit log entry
func (s *SQLiteStore) SaveChannelMessage(ctx context.Context, msg *ChannelMessage) error {
	metadataJSON, err := marshalJSON(msg.Metadata)
	if err != nil {
		return err
	}
	if metadataJSON == "null" {
		metadataJSON = ""
	}

	query := `
		INSERT INTO channel_messages (
			id, channel_session_id, direction, external_message_id,
			content, content_type, metadata_json, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ChannelSessionID,
		msg.Direction,
		nullString(msg.ExternalMessageID),
		msg.Content,
		msg.ContentType,
		nullString(metadataJSON),
		msg.Status,
		msg.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting channel message: %w", err)
	}

	return nil
}

// ListChannelMessages returns audit entries for a session in chronological
// order. A limit <= 0 returns all entries.
func (s *SQLiteStore) ListChannelMessages(ctx context.Context, channelSessionID string, limit int) ([]*ChannelMessage, error) {
	query := `
		SELECT id, channel_session_id, direction, external_message_id,
		       content, content_type, metadata_json, status, created_at
		FROM channel_messages
		WHERE channel_session_id = ?
		ORDER BY created_at
	`

	args := []any{channelSessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying channel messages: %w", err)
	}
	defer rows.Close()

	var messages []*ChannelMessage
	for rows.Next() {
		var msg ChannelMessage
		var externalID, metadataJSON sql.NullString
		var createdAtStr string

		err := rows.Scan(
			&msg.ID,
			&msg.ChannelSessionID,
			&msg.Direction,
			&externalID,
			&msg.Content,
			&msg.ContentType,
			&metadataJSON,
			&msg.Status,
			&createdAtStr,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning channel message: %w", err)
		}

		msg.ExternalMessageID = externalID.String
		if metadataJSON.Valid {
			if msg.Metadata, err = unmarshalMap(metadataJSON.String); err != nil {
				return nil, err
			}
		}
		if msg.CreatedAt, err = parseTime(createdAtStr, "created_at"); err != nil {
			return nil, err
		}

		messages = append(messages, &msg)
	}

	return messages, rows.Err()
}
