// ABOUTME: Channel session resolution keyed by external conversation identity
// ABOUTME: Creates sessions on first contact and survives concurrent creation races

package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/owork-gateway/internal/channels"
	"github.com/2389/owork-gateway/internal/store"
)

// resolveSession finds or creates the channel session for an inbound
// message. Two concurrent first messages for the same conversation race on
// the unique tuple; the loser re-fetches the winner's row.
func (g *Gateway) resolveSession(ctx context.Context, ch *store.Channel, msg channels.InboundMessage) (*store.ChannelSession, error) {
	cs, err := g.store.GetChannelSessionByExternal(ctx, ch.ID, msg.ExternalChatID, msg.ExternalThreadID)
	if err == nil {
		return cs, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up channel session: %w", err)
	}

	now := time.Now().UTC()
	cs = &store.ChannelSession{
		ID:                uuid.New().String(),
		ChannelID:         ch.ID,
		ExternalChatID:    msg.ExternalChatID,
		ExternalSenderID:  msg.ExternalSenderID,
		ExternalThreadID:  msg.ExternalThreadID,
		SessionID:         uuid.New().String(),
		AgentID:           ch.AgentID,
		SenderDisplayName: msg.SenderDisplayName,
		LastMessageAt:     now,
		CreatedAt:         now,
	}

	err = g.store.CreateChannelSession(ctx, cs)
	if err == nil {
		g.logger.Debug("created channel session",
			"channel_id", ch.ID,
			"external_chat_id", msg.ExternalChatID)
		return cs, nil
	}
	if errors.Is(err, store.ErrDuplicateChannelSession) {
		return g.store.GetChannelSessionByExternal(ctx, ch.ID, msg.ExternalChatID, msg.ExternalThreadID)
	}
	return nil, fmt.Errorf("creating channel session: %w", err)
}
