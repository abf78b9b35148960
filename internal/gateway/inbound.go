// ABOUTME: Inbound message processing pipeline from access control to reply delivery
// ABOUTME: Audit writes are best-effort; delivery and counting track exchange success

package gateway

import (
	"context"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/2389/owork-gateway/internal/channels"
	"github.com/2389/owork-gateway/internal/engine"
	"github.com/2389/owork-gateway/internal/store"
)

const (
	rateLimitNotice  = "You're sending messages too quickly. Please wait a moment and try again."
	errorNotice      = "Sorry, something went wrong while processing your message."
	emptyReplyNotice = "(No response generated)"
)

// handleInbound runs one message through the full pipeline: access
// control, rate limiting, session resolution, attachment staging, engine
// invocation, and reply delivery. It never returns an error; failures are
// logged and, where the sender should know, reported back on the channel.
func (g *Gateway) handleInbound(ctx context.Context, rc *runningChannel, msg channels.InboundMessage) {
	// Reload the channel so config edits apply without a restart
	ch, err := g.store.GetChannel(ctx, rc.channelID)
	if err != nil {
		g.logger.Error("loading channel for inbound message", "channel_id", rc.channelID, "error", err)
		return
	}

	if !SenderAllowed(ch, msg.ExternalSenderID) {
		g.logger.Debug("sender denied by access control",
			"channel_id", ch.ID, "sender", msg.ExternalSenderID)
		return
	}

	// Adapters can redeliver after reconnects; process each message once
	if msg.ExternalMessageID != "" && g.seen.Seen(ch.ID, msg.ExternalMessageID) {
		g.logger.Debug("dropping redelivered message",
			"channel_id", ch.ID, "external_message_id", msg.ExternalMessageID)
		return
	}

	if !rc.limiter.Allow(msg.ExternalSenderID) {
		// One notice per window; further floods are dropped silently
		if rc.limiter.AllowNotice(msg.ExternalSenderID) {
			g.sendNotice(ctx, rc, msg, rateLimitNotice)
		}
		return
	}

	cs, err := g.resolveSession(ctx, ch, msg)
	if err != nil {
		g.logger.Error("resolving channel session", "channel_id", ch.ID, "error", err)
		return
	}

	stagingDir := filepath.Join(g.workspaceDir, "channels", ch.ID, cs.ID)
	notes, err := StageAttachments(stagingDir, msg.Attachments)
	if err != nil {
		g.logger.Error("staging attachments", "channel_session_id", cs.ID, "error", err)
		// Continue with whatever text we have
	}

	prompt := BuildPrompt(msg.Text, notes)
	if prompt == "" {
		return
	}

	g.audit(ctx, cs.ID, store.DirectionInbound, msg.ExternalMessageID, prompt, store.MessageStatusReceived)

	reply, engineSession, runErr := g.runTurn(ctx, ch, cs, msg, prompt, stagingDir)

	if engineSession != "" && engineSession != cs.SessionID {
		if err := g.store.UpdateChannelSessionID(ctx, cs.ID, engineSession); err != nil {
			g.logger.Warn("recording engine session id", "channel_session_id", cs.ID, "error", err)
		}
	}

	now := time.Now().UTC()
	if runErr != nil {
		g.logger.Error("conversation turn failed", "channel_session_id", cs.ID, "error", runErr)
		g.sendNotice(ctx, rc, msg, errorNotice)
		g.audit(ctx, cs.ID, store.DirectionOutbound, "", runErr.Error(), store.MessageStatusError)
		// Errored exchanges record activity but never count
		g.touch(ctx, cs.ID, now, 0)
		return
	}

	if reply == "" {
		// Never send an empty message back to the platform
		reply = emptyReplyNotice
	}

	externalID, err := rc.adapter.SendMessage(ctx, channels.OutboundMessage{
		ExternalChatID:   msg.ExternalChatID,
		ExternalThreadID: msg.ExternalThreadID,
		Text:             reply,
	})
	if err != nil {
		g.logger.Error("delivering reply", "channel_session_id", cs.ID, "error", err)
		g.audit(ctx, cs.ID, store.DirectionOutbound, "", reply, store.MessageStatusError)
		g.touch(ctx, cs.ID, now, 0)
		return
	}

	g.audit(ctx, cs.ID, store.DirectionOutbound, externalID, reply, store.MessageStatusSent)
	g.touch(ctx, cs.ID, now, 2)
}

// runTurn invokes the engine and drains the event stream, returning the
// final reply text and the engine's session ID. A session with no
// completed exchange starts fresh rather than resuming.
func (g *Gateway) runTurn(ctx context.Context, ch *store.Channel, cs *store.ChannelSession, msg channels.InboundMessage, prompt, workDir string) (reply, engineSession string, err error) {
	req := engine.RunRequest{
		AgentID:      cs.AgentID,
		Prompt:       prompt,
		WorkDir:      workDir,
		EnableSkills: ch.EnableSkills,
		EnableMCP:    ch.EnableMCP,
		Channel: &engine.ChannelContext{
			ChannelType:    ch.ChannelType,
			ChannelID:      ch.ID,
			ExternalChatID: msg.ExternalChatID,
			ReplyToID:      msg.ExternalMessageID,
			Credentials:    channels.ToolCredentials(ch.ChannelType, channels.Config(ch.Config)),
		},
	}
	if cs.MessageCount > 0 {
		req.SessionID = cs.SessionID
	}

	events, err := g.runner.RunConversation(ctx, req)
	if err != nil {
		return "", "", err
	}

	for ev := range events {
		switch ev.Type {
		case engine.EventSessionStart:
			engineSession = ev.SessionID
		case engine.EventResult:
			reply = ev.Text
		case engine.EventError:
			return "", engineSession, &engineError{text: ev.Text}
		}
	}
	return reply, engineSession, nil
}

type engineError struct {
	text string
}

func (e *engineError) Error() string {
	if e.text == "" {
		return "engine reported an error"
	}
	return e.text
}

// sendNotice delivers a system notice to the sender, best-effort
func (g *Gateway) sendNotice(ctx context.Context, rc *runningChannel, msg channels.InboundMessage, text string) {
	_, err := rc.adapter.SendMessage(ctx, channels.OutboundMessage{
		ExternalChatID:   msg.ExternalChatID,
		ExternalThreadID: msg.ExternalThreadID,
		Text:             text,
	})
	if err != nil {
		g.logger.Warn("sending notice failed", "channel_id", rc.channelID, "error", err)
	}
}

// audit appends to the channel message log, best-effort. A failed audit
// write never blocks message processing.
func (g *Gateway) audit(ctx context.Context, channelSessionID, direction, externalID, content, status string) {
	err := g.store.SaveChannelMessage(ctx, &store.ChannelMessage{
		ID:                uuid.New().String(),
		ChannelSessionID:  channelSessionID,
		Direction:         direction,
		ExternalMessageID: externalID,
		Content:           content,
		ContentType:       "text",
		Status:            status,
		CreatedAt:         time.Now().UTC(),
	})
	if err != nil {
		g.logger.Warn("audit write failed", "channel_session_id", channelSessionID, "error", err)
	}
}

func (g *Gateway) touch(ctx context.Context, channelSessionID string, at time.Time, delta int) {
	if err := g.store.TouchChannelSession(ctx, channelSessionID, at, delta); err != nil {
		g.logger.Warn("updating channel session activity failed",
			"channel_session_id", channelSessionID, "error", err)
	}
}
