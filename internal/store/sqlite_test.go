// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers agent and channel CRUD plus status transitions

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist")
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestAgentCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	agent := &Agent{
		ID:        "agent-001",
		Name:      "helper",
		Model:     "claude-sonnet-4-5",
		Workspace: "/tmp/ws",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.CreateAgent(ctx, agent))

	got, err := store.GetAgent(ctx, "agent-001")
	require.NoError(t, err)
	assert.Equal(t, "helper", got.Name)
	assert.Equal(t, "claude-sonnet-4-5", got.Model)

	_, err = store.GetAgent(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	agents, err := store.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestChannelCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	ch := &Channel{
		ID:          "chan-001",
		Name:        "team feishu",
		ChannelType: "feishu",
		AgentID:     "agent-001",
		Config: map[string]any{
			"app_id":     "cli_123",
			"app_secret": "shh",
		},
		Status:             ChannelStatusInactive,
		AccessMode:         AccessModeAllowlist,
		AllowedSenders:     []string{"ou_alice", "ou_bob"},
		RateLimitPerMinute: 10,
		EnableSkills:       true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	require.NoError(t, store.CreateChannel(ctx, ch))

	got, err := store.GetChannel(ctx, "chan-001")
	require.NoError(t, err)
	assert.Equal(t, "feishu", got.ChannelType)
	assert.Equal(t, AccessModeAllowlist, got.AccessMode)
	assert.Equal(t, []string{"ou_alice", "ou_bob"}, got.AllowedSenders)
	assert.Empty(t, got.BlockedSenders)
	assert.Equal(t, "cli_123", got.Config["app_id"])
	assert.Equal(t, 10, got.RateLimitPerMinute)
	assert.True(t, got.EnableSkills)
	assert.False(t, got.EnableMCP)
	assert.Equal(t, ChannelStatusInactive, got.Status)

	got.Name = "renamed"
	got.AccessMode = AccessModeOpen
	got.AllowedSenders = nil
	require.NoError(t, store.UpdateChannel(ctx, got))

	updated, err := store.GetChannel(ctx, "chan-001")
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, AccessModeOpen, updated.AccessMode)
	assert.Empty(t, updated.AllowedSenders)

	channels, err := store.ListChannels(ctx)
	require.NoError(t, err)
	assert.Len(t, channels, 1)

	require.NoError(t, store.DeleteChannel(ctx, "chan-001"))
	_, err = store.GetChannel(ctx, "chan-001")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.DeleteChannel(ctx, "chan-001"), ErrNotFound)
}

func TestSetChannelStatus(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	ch := &Channel{
		ID:          "chan-001",
		Name:        "slack bot",
		ChannelType: "slack",
		AgentID:     "agent-001",
		Status:      ChannelStatusInactive,
		AccessMode:  AccessModeOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, store.CreateChannel(ctx, ch))

	require.NoError(t, store.SetChannelStatus(ctx, "chan-001", ChannelStatusActive, ""))
	got, err := store.GetChannel(ctx, "chan-001")
	require.NoError(t, err)
	assert.Equal(t, ChannelStatusActive, got.Status)
	assert.Empty(t, got.ErrorMessage)

	require.NoError(t, store.SetChannelStatus(ctx, "chan-001", ChannelStatusError, "websocket closed"))
	got, err = store.GetChannel(ctx, "chan-001")
	require.NoError(t, err)
	assert.Equal(t, ChannelStatusError, got.Status)
	assert.Equal(t, "websocket closed", got.ErrorMessage)

	err = store.SetChannelStatus(ctx, "missing", ChannelStatusActive, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChannelMalformedSenderLists(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	ch := &Channel{
		ID:          "chan-001",
		Name:        "tg",
		ChannelType: "telegram",
		AgentID:     "agent-001",
		Status:      ChannelStatusInactive,
		AccessMode:  AccessModeBlocklist,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, store.CreateChannel(ctx, ch))

	// Corrupt the stored JSON directly; reads should degrade to empty lists.
	_, err := store.db.ExecContext(ctx,
		`UPDATE channels SET allowed_senders_json = ?, blocked_senders_json = ? WHERE id = ?`,
		"not json", "{...", "chan-001",
	)
	require.NoError(t, err)

	got, err := store.GetChannel(ctx, "chan-001")
	require.NoError(t, err)
	assert.Empty(t, got.AllowedSenders)
	assert.Empty(t, got.BlockedSenders)
}
