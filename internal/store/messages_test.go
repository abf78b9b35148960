// ABOUTME: Tests for the channel message audit log
// ABOUTME: Covers ordering, limits, and metadata round-trips

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelMessageOrderingAndLimit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestChannel(t, store, "chan-001")

	cs := newChannelSession("chan-001", "chat-1", "")
	require.NoError(t, store.CreateChannelSession(ctx, cs))

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		msg := &ChannelMessage{
			ID:               fmt.Sprintf("msg-%d", i),
			ChannelSessionID: cs.ID,
			Direction:        DirectionInbound,
			Content:          fmt.Sprintf("message %d", i),
			ContentType:      "text",
			Status:           MessageStatusReceived,
			CreatedAt:        base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.SaveChannelMessage(ctx, msg))
	}

	all, err := store.ListChannelMessages(ctx, cs.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "msg-0", all[0].ID, "chronological order")
	assert.Equal(t, "msg-4", all[4].ID)

	limited, err := store.ListChannelMessages(ctx, cs.ID, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestChannelMessageMetadata(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestChannel(t, store, "chan-001")

	cs := newChannelSession("chan-001", "chat-1", "")
	require.NoError(t, store.CreateChannelSession(ctx, cs))

	msg := &ChannelMessage{
		ID:                "msg-001",
		ChannelSessionID:  cs.ID,
		Direction:         DirectionOutbound,
		ExternalMessageID: "om_abc123",
		Content:           "reply",
		ContentType:       "text",
		Metadata:          map[string]any{"attachments": float64(2)},
		Status:            MessageStatusSent,
		CreatedAt:         time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.SaveChannelMessage(ctx, msg))

	msgs, err := store.ListChannelMessages(ctx, cs.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "om_abc123", msgs[0].ExternalMessageID)
	assert.Equal(t, float64(2), msgs[0].Metadata["attachments"])

	// Messages without metadata come back with a nil map.
	bare := &ChannelMessage{
		ID:               "msg-002",
		ChannelSessionID: cs.ID,
		Direction:        DirectionInbound,
		Content:          "hi",
		ContentType:      "text",
		Status:           MessageStatusReceived,
		CreatedAt:        time.Now().UTC().Truncate(time.Second).Add(time.Second),
	}
	require.NoError(t, store.SaveChannelMessage(ctx, bare))

	msgs, err = store.ListChannelMessages(ctx, cs.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Nil(t, msgs[1].Metadata)
}
