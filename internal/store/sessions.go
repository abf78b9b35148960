// ABOUTME: Session and channel session persistence methods for SQLiteStore
// ABOUTME: Enforces one channel session per (channel, chat, thread) tuple

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateSession inserts a new internal session record
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO sessions (id, agent_id, title, created_at)
		VALUES (?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.AgentID,
		session.Title,
		session.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	return nil
}

// GetSession retrieves an internal session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT id, agent_id, title, created_at
		FROM sessions
		WHERE id = ?
	`

	var session Session
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&session.ID,
		&session.AgentID,
		&session.Title,
		&createdAtStr,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	if session.CreatedAt, err = parseTime(createdAtStr, "created_at"); err != nil {
		return nil, err
	}

	return &session, nil
}

// CreateChannelSession inserts a new channel session.
// Returns ErrDuplicateChannelSession if a session already exists for the
// same (channel_id, external_chat_id, external_thread_id) tuple. Callers
// should re-fetch with GetChannelSessionByExternal when that happens.
func (s *SQLiteStore) CreateChannelSession(ctx context.Context, cs *ChannelSession) error {
	query := `
		INSERT INTO channel_sessions (
			id, channel_id, external_chat_id, external_sender_id, external_thread_id,
			session_id, agent_id, sender_display_name, message_count,
			last_message_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		cs.ID,
		cs.ChannelID,
		cs.ExternalChatID,
		cs.ExternalSenderID,
		cs.ExternalThreadID,
		cs.SessionID,
		cs.AgentID,
		cs.SenderDisplayName,
		cs.MessageCount,
		cs.LastMessageAt.UTC().Format(time.RFC3339),
		cs.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateChannelSession
		}
		return fmt.Errorf("inserting channel session: %w", err)
	}

	s.logger.Debug("created channel session",
		"id", cs.ID,
		"channel_id", cs.ChannelID,
		"external_chat_id", cs.ExternalChatID)
	return nil
}

const channelSessionColumns = `
	id, channel_id, external_chat_id, external_sender_id, external_thread_id,
	session_id, agent_id, sender_display_name, message_count,
	last_message_at, created_at
`

func scanChannelSession(row rowScanner) (*ChannelSession, error) {
	var cs ChannelSession
	var lastMessageAtStr, createdAtStr string

	err := row.Scan(
		&cs.ID,
		&cs.ChannelID,
		&cs.ExternalChatID,
		&cs.ExternalSenderID,
		&cs.ExternalThreadID,
		&cs.SessionID,
		&cs.AgentID,
		&cs.SenderDisplayName,
		&cs.MessageCount,
		&lastMessageAtStr,
		&createdAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning channel session: %w", err)
	}

	if cs.LastMessageAt, err = parseTime(lastMessageAtStr, "last_message_at"); err != nil {
		return nil, err
	}
	if cs.CreatedAt, err = parseTime(createdAtStr, "created_at"); err != nil {
		return nil, err
	}

	return &cs, nil
}

// GetChannelSession retrieves a channel session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetChannelSession(ctx context.Context, id string) (*ChannelSession, error) {
	query := `SELECT ` + channelSessionColumns + ` FROM channel_sessions WHERE id = ?`
	return scanChannelSession(s.db.QueryRowContext(ctx, query, id))
}

// GetChannelSessionByExternal retrieves a channel session by its external
// conversation identity. Pass externalThreadID as "" for threadless platforms.
// Returns ErrNotFound if no session exists for the tuple.
func (s *SQLiteStore) GetChannelSessionByExternal(ctx context.Context, channelID, externalChatID, externalThreadID string) (*ChannelSession, error) {
	query := `
		SELECT ` + channelSessionColumns + `
		FROM channel_sessions
		WHERE channel_id = ? AND external_chat_id = ? AND external_thread_id = ?
	`
	return scanChannelSession(s.db.QueryRowContext(ctx, query, channelID, externalChatID, externalThreadID))
}

// UpdateChannelSessionID replaces the engine session ID for a channel session.
// Used when the engine assigns its own session identifier.
func (s *SQLiteStore) UpdateChannelSessionID(ctx context.Context, id, sessionID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE channel_sessions SET session_id = ? WHERE id = ?`,
		sessionID, id,
	)
	if err != nil {
		return fmt.Errorf("updating channel session id: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// TouchChannelSession updates last_message_at and adds countDelta to
// message_count. Pass countDelta 0 to only record activity.
func (s *SQLiteStore) TouchChannelSession(ctx context.Context, id string, lastMessageAt time.Time, countDelta int) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE channel_sessions SET last_message_at = ?, message_count = message_count + ? WHERE id = ?`,
		lastMessageAt.UTC().Format(time.RFC3339), countDelta, id,
	)
	if err != nil {
		return fmt.Errorf("touching channel session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// ListChannelSessions returns all sessions for a channel, most recent activity first
func (s *SQLiteStore) ListChannelSessions(ctx context.Context, channelID string) ([]*ChannelSession, error) {
	query := `
		SELECT ` + channelSessionColumns + `
		FROM channel_sessions
		WHERE channel_id = ?
		ORDER BY last_message_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, channelID)
	if err != nil {
		return nil, fmt.Errorf("querying channel sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*ChannelSession
	for rows.Next() {
		cs, err := scanChannelSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, cs)
	}

	return sessions, rows.Err()
}

// CountChannelSessions returns the number of sessions for a channel
func (s *SQLiteStore) CountChannelSessions(ctx context.Context, channelID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM channel_sessions WHERE channel_id = ?`,
		channelID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting channel sessions: %w", err)
	}
	return count, nil
}

// DeleteChannelSessions removes all sessions and their audit messages for a channel
func (s *SQLiteStore) DeleteChannelSessions(ctx context.Context, channelID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM channel_messages
		WHERE channel_session_id IN (
			SELECT id FROM channel_sessions WHERE channel_id = ?
		)
	`, channelID)
	if err != nil {
		return fmt.Errorf("deleting channel messages: %w", err)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM channel_sessions WHERE channel_id = ?`, channelID)
	if err != nil {
		return fmt.Errorf("deleting channel sessions: %w", err)
	}

	return tx.Commit()
}
