// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent/channel persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			model      TEXT NOT NULL DEFAULT '',
			workspace  TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			agent_id   TEXT NOT NULL,
			title      TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id);

		CREATE TABLE IF NOT EXISTS channels (
			id                    TEXT PRIMARY KEY,
			name                  TEXT NOT NULL,
			channel_type          TEXT NOT NULL,
			agent_id              TEXT NOT NULL,
			config_json           TEXT NOT NULL DEFAULT '{}',
			status                TEXT NOT NULL DEFAULT 'inactive',
			error_message         TEXT NOT NULL DEFAULT '',
			access_mode           TEXT NOT NULL DEFAULT 'open',
			allowed_senders_json  TEXT NOT NULL DEFAULT '[]',
			blocked_senders_json  TEXT NOT NULL DEFAULT '[]',
			rate_limit_per_minute INTEGER NOT NULL DEFAULT 0,
			enable_skills         INTEGER NOT NULL DEFAULT 0,
			enable_mcp            INTEGER NOT NULL DEFAULT 0,
			created_at            TEXT NOT NULL,
			updated_at            TEXT NOT NULL,

			CHECK (status IN ('inactive', 'active', 'error')),
			CHECK (access_mode IN ('open', 'allowlist', 'blocklist'))
		);

		CREATE INDEX IF NOT EXISTS idx_channels_type ON channels(channel_type);
		CREATE INDEX IF NOT EXISTS idx_channels_status ON channels(status);

		-- external_thread_id is '' rather than NULL for threadless platforms
		-- so that the unique index below actually enforces one session per
		-- conversation (NULLs compare distinct in SQLite unique indexes).
		CREATE TABLE IF NOT EXISTS channel_sessions (
			id                  TEXT PRIMARY KEY,
			channel_id          TEXT NOT NULL REFERENCES channels(id),
			external_chat_id    TEXT NOT NULL,
			external_sender_id  TEXT NOT NULL DEFAULT '',
			external_thread_id  TEXT NOT NULL DEFAULT '',
			session_id          TEXT NOT NULL,
			agent_id            TEXT NOT NULL,
			sender_display_name TEXT NOT NULL DEFAULT '',
			message_count       INTEGER NOT NULL DEFAULT 0,
			last_message_at     TEXT NOT NULL,
			created_at          TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_channel_sessions_external
			ON channel_sessions(channel_id, external_chat_id, external_thread_id);

		CREATE INDEX IF NOT EXISTS idx_channel_sessions_channel
			ON channel_sessions(channel_id);

		CREATE TABLE IF NOT EXISTS channel_messages (
			id                  TEXT PRIMARY KEY,
			channel_session_id  TEXT NOT NULL REFERENCES channel_sessions(id),
			direction           TEXT NOT NULL,
			external_message_id TEXT,
			content             TEXT NOT NULL,
			content_type        TEXT NOT NULL DEFAULT 'text',
			metadata_json       TEXT,
			status              TEXT NOT NULL,
			created_at          TEXT NOT NULL,

			CHECK (direction IN ('inbound', 'outbound'))
		);

		CREATE INDEX IF NOT EXISTS idx_channel_messages_session
			ON channel_messages(channel_session_id, created_at);

		CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			agent_id     TEXT NOT NULL,
			session_id   TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			title        TEXT NOT NULL DEFAULT '',
			model        TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			started_at   TEXT,
			completed_at TEXT,
			error        TEXT NOT NULL DEFAULT '',
			work_dir     TEXT NOT NULL DEFAULT '',

			CHECK (status IN ('pending', 'running', 'completed', 'failed', 'cancelled'))
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(agent_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string itself
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullTime formats an optional timestamp, nil when unset
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s, field string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding json: %w", err)
	}
	return string(data), nil
}

func unmarshalMap(data string) (map[string]any, error) {
	if data == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("decoding json: %w", err)
	}
	return m, nil
}

// unmarshalStringList decodes a JSON array of strings. Malformed data
// decodes as an empty list rather than failing the whole row.
func unmarshalStringList(data string) []string {
	if data == "" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(data), &list); err != nil {
		return nil
	}
	return list
}

// CreateAgent inserts a new agent record
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	query := `
		INSERT INTO agents (id, name, model, workspace, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		agent.ID,
		agent.Name,
		agent.Model,
		agent.Workspace,
		agent.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "id", agent.ID, "name", agent.Name)
	return nil
}

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	query := `
		SELECT id, name, model, workspace, created_at
		FROM agents
		WHERE id = ?
	`

	var agent Agent
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&agent.ID,
		&agent.Name,
		&agent.Model,
		&agent.Workspace,
		&createdAtStr,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}

	if agent.CreatedAt, err = parseTime(createdAtStr, "created_at"); err != nil {
		return nil, err
	}

	return &agent, nil
}

// ListAgents returns all agents ordered by creation time
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	query := `
		SELECT id, name, model, workspace, created_at
		FROM agents
		ORDER BY created_at
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		var agent Agent
		var createdAtStr string
		if err := rows.Scan(&agent.ID, &agent.Name, &agent.Model, &agent.Workspace, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		if agent.CreatedAt, err = parseTime(createdAtStr, "created_at"); err != nil {
			return nil, err
		}
		agents = append(agents, &agent)
	}

	return agents, rows.Err()
}

// CreateChannel inserts a new channel record
func (s *SQLiteStore) CreateChannel(ctx context.Context, ch *Channel) error {
	configJSON, err := marshalJSON(ch.Config)
	if err != nil {
		return err
	}
	allowedJSON, err := marshalJSON(ch.AllowedSenders)
	if err != nil {
		return err
	}
	blockedJSON, err := marshalJSON(ch.BlockedSenders)
	if err != nil {
		return err
	}
	if configJSON == "" {
		configJSON = "{}"
	}
	if allowedJSON == "" || allowedJSON == "null" {
		allowedJSON = "[]"
	}
	if blockedJSON == "" || blockedJSON == "null" {
		blockedJSON = "[]"
	}

	query := `
		INSERT INTO channels (
			id, name, channel_type, agent_id, config_json, status, error_message,
			access_mode, allowed_senders_json, blocked_senders_json,
			rate_limit_per_minute, enable_skills, enable_mcp, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		ch.ID,
		ch.Name,
		ch.ChannelType,
		ch.AgentID,
		configJSON,
		string(ch.Status),
		ch.ErrorMessage,
		string(ch.AccessMode),
		allowedJSON,
		blockedJSON,
		ch.RateLimitPerMinute,
		boolToInt(ch.EnableSkills),
		boolToInt(ch.EnableMCP),
		ch.CreatedAt.UTC().Format(time.RFC3339),
		ch.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting channel: %w", err)
	}

	s.logger.Debug("created channel", "id", ch.ID, "type", ch.ChannelType)
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const channelColumns = `
	id, name, channel_type, agent_id, config_json, status, error_message,
	access_mode, allowed_senders_json, blocked_senders_json,
	rate_limit_per_minute, enable_skills, enable_mcp, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (*Channel, error) {
	var ch Channel
	var configJSON, allowedJSON, blockedJSON string
	var status, accessMode string
	var enableSkills, enableMCP int
	var createdAtStr, updatedAtStr string

	err := row.Scan(
		&ch.ID,
		&ch.Name,
		&ch.ChannelType,
		&ch.AgentID,
		&configJSON,
		&status,
		&ch.ErrorMessage,
		&accessMode,
		&allowedJSON,
		&blockedJSON,
		&ch.RateLimitPerMinute,
		&enableSkills,
		&enableMCP,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning channel: %w", err)
	}

	ch.Status = ChannelStatus(status)
	ch.AccessMode = AccessMode(accessMode)
	ch.EnableSkills = enableSkills != 0
	ch.EnableMCP = enableMCP != 0
	ch.AllowedSenders = unmarshalStringList(allowedJSON)
	ch.BlockedSenders = unmarshalStringList(blockedJSON)

	if ch.Config, err = unmarshalMap(configJSON); err != nil {
		return nil, err
	}
	if ch.CreatedAt, err = parseTime(createdAtStr, "created_at"); err != nil {
		return nil, err
	}
	if ch.UpdatedAt, err = parseTime(updatedAtStr, "updated_at"); err != nil {
		return nil, err
	}

	return &ch, nil
}

// GetChannel retrieves a channel by ID.
// Returns ErrNotFound if the channel doesn't exist.
func (s *SQLiteStore) GetChannel(ctx context.Context, id string) (*Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels WHERE id = ?`
	return scanChannel(s.db.QueryRowContext(ctx, query, id))
}

// ListChannels returns all channels ordered by creation time
func (s *SQLiteStore) ListChannels(ctx context.Context) ([]*Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying channels: %w", err)
	}
	defer rows.Close()

	var channels []*Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}

	return channels, rows.Err()
}

// UpdateChannel updates a channel's configuration fields.
// Status and error_message are managed separately via SetChannelStatus.
// Returns ErrNotFound if the channel doesn't exist.
func (s *SQLiteStore) UpdateChannel(ctx context.Context, ch *Channel) error {
	configJSON, err := marshalJSON(ch.Config)
	if err != nil {
		return err
	}
	allowedJSON, err := marshalJSON(ch.AllowedSenders)
	if err != nil {
		return err
	}
	blockedJSON, err := marshalJSON(ch.BlockedSenders)
	if err != nil {
		return err
	}
	if configJSON == "" {
		configJSON = "{}"
	}
	if allowedJSON == "" || allowedJSON == "null" {
		allowedJSON = "[]"
	}
	if blockedJSON == "" || blockedJSON == "null" {
		blockedJSON = "[]"
	}

	query := `
		UPDATE channels
		SET name = ?, agent_id = ?, config_json = ?, access_mode = ?,
		    allowed_senders_json = ?, blocked_senders_json = ?,
		    rate_limit_per_minute = ?, enable_skills = ?, enable_mcp = ?,
		    updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		ch.Name,
		ch.AgentID,
		configJSON,
		string(ch.AccessMode),
		allowedJSON,
		blockedJSON,
		ch.RateLimitPerMinute,
		boolToInt(ch.EnableSkills),
		boolToInt(ch.EnableMCP),
		time.Now().UTC().Format(time.RFC3339),
		ch.ID,
	)
	if err != nil {
		return fmt.Errorf("updating channel: %w", err)
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

// SetChannelStatus updates the channel lifecycle status and error message.
// Returns ErrNotFound if the channel doesn't exist.
func (s *SQLiteStore) SetChannelStatus(ctx context.Context, id string, status ChannelStatus, errorMessage string) error {
	query := `
		UPDATE channels
		SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(status),
		errorMessage,
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating channel status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	s.logger.Debug("channel status changed", "id", id, "status", status)
	return nil
}

// DeleteChannel removes a channel record.
// Returns ErrNotFound if the channel doesn't exist.
func (s *SQLiteStore) DeleteChannel(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting channel: %w", err)
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
