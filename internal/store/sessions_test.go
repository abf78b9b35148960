// ABOUTME: Tests for channel session persistence
// ABOUTME: Covers external tuple uniqueness, message counting, and cleanup

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestChannel(t *testing.T, store *SQLiteStore, id string) {
	t.Helper()
	now := time.Now().UTC()
	ch := &Channel{
		ID:          id,
		Name:        "test channel " + id,
		ChannelType: "telegram",
		AgentID:     "agent-001",
		Status:      ChannelStatusActive,
		AccessMode:  AccessModeOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, store.CreateChannel(context.Background(), ch))
}

func newChannelSession(channelID, chatID, threadID string) *ChannelSession {
	now := time.Now().UTC().Truncate(time.Second)
	return &ChannelSession{
		ID:               "cs-" + chatID + "-" + threadID,
		ChannelID:        channelID,
		ExternalChatID:   chatID,
		ExternalSenderID: "sender-1",
		ExternalThreadID: threadID,
		SessionID:        "sess-" + chatID,
		AgentID:          "agent-001",
		LastMessageAt:    now,
		CreatedAt:        now,
	}
}

func TestCreateAndGetChannelSession(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestChannel(t, store, "chan-001")

	cs := newChannelSession("chan-001", "chat-42", "")
	cs.SenderDisplayName = "Alice"
	require.NoError(t, store.CreateChannelSession(ctx, cs))

	got, err := store.GetChannelSession(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, "chat-42", got.ExternalChatID)
	assert.Equal(t, "Alice", got.SenderDisplayName)
	assert.Equal(t, 0, got.MessageCount)

	byExt, err := store.GetChannelSessionByExternal(ctx, "chan-001", "chat-42", "")
	require.NoError(t, err)
	assert.Equal(t, cs.ID, byExt.ID)

	_, err = store.GetChannelSessionByExternal(ctx, "chan-001", "chat-42", "thread-9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChannelSessionTupleUniqueness(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestChannel(t, store, "chan-001")

	first := newChannelSession("chan-001", "chat-42", "")
	require.NoError(t, store.CreateChannelSession(ctx, first))

	dup := newChannelSession("chan-001", "chat-42", "")
	dup.ID = "cs-duplicate"
	err := store.CreateChannelSession(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateChannelSession)

	// A different thread in the same chat is a distinct session.
	threaded := newChannelSession("chan-001", "chat-42", "thread-1")
	assert.NoError(t, store.CreateChannelSession(ctx, threaded))
}

func TestTouchChannelSession(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestChannel(t, store, "chan-001")

	cs := newChannelSession("chan-001", "chat-42", "")
	require.NoError(t, store.CreateChannelSession(ctx, cs))

	later := time.Now().UTC().Add(time.Minute).Truncate(time.Second)
	require.NoError(t, store.TouchChannelSession(ctx, cs.ID, later, 2))

	got, err := store.GetChannelSession(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.MessageCount)
	assert.Equal(t, later, got.LastMessageAt)

	// Delta 0 records activity without changing the count.
	require.NoError(t, store.TouchChannelSession(ctx, cs.ID, later.Add(time.Minute), 0))
	got, err = store.GetChannelSession(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.MessageCount)

	err = store.TouchChannelSession(ctx, "missing", later, 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateChannelSessionID(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestChannel(t, store, "chan-001")

	cs := newChannelSession("chan-001", "chat-42", "")
	require.NoError(t, store.CreateChannelSession(ctx, cs))

	require.NoError(t, store.UpdateChannelSessionID(ctx, cs.ID, "engine-sess-99"))
	got, err := store.GetChannelSession(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, "engine-sess-99", got.SessionID)
}

func TestListAndCountChannelSessions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestChannel(t, store, "chan-001")
	createTestChannel(t, store, "chan-002")

	require.NoError(t, store.CreateChannelSession(ctx, newChannelSession("chan-001", "chat-1", "")))
	require.NoError(t, store.CreateChannelSession(ctx, newChannelSession("chan-001", "chat-2", "")))
	require.NoError(t, store.CreateChannelSession(ctx, newChannelSession("chan-002", "chat-1", "")))

	sessions, err := store.ListChannelSessions(ctx, "chan-001")
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	count, err := store.CountChannelSessions(ctx, "chan-001")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestDeleteChannelSessions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestChannel(t, store, "chan-001")

	cs := newChannelSession("chan-001", "chat-1", "")
	require.NoError(t, store.CreateChannelSession(ctx, cs))

	msg := &ChannelMessage{
		ID:               "msg-001",
		ChannelSessionID: cs.ID,
		Direction:        DirectionInbound,
		Content:          "hello",
		ContentType:      "text",
		Status:           MessageStatusReceived,
		CreatedAt:        time.Now().UTC(),
	}
	require.NoError(t, store.SaveChannelMessage(ctx, msg))

	require.NoError(t, store.DeleteChannelSessions(ctx, "chan-001"))

	count, err := store.CountChannelSessions(ctx, "chan-001")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	msgs, err := store.ListChannelMessages(ctx, cs.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
