// ABOUTME: Discord adapter using a gateway websocket session
// ABOUTME: Handles message create events and downloads attachments up to the size cap

package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
)

func init() {
	Register(Registration{
		Type:        "discord",
		DisplayName: "Discord",
		Description: "Discord bot via gateway websocket",
		Fields: []ConfigField{
			{Key: "bot_token", Label: "Bot Token", Required: true, Secret: true},
		},
		New:      newDiscordAdapter,
		Validate: validateDiscordConfig,
	})
}

type discordConfig struct {
	BotToken string `json:"bot_token"`
}

func validateDiscordConfig(cfg Config) error {
	return requireKeys(cfg, "bot_token")
}

type discordAdapter struct {
	session *discordgo.Session
	handler InboundHandler
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

func newDiscordAdapter(cfg Config, handler InboundHandler) (Adapter, error) {
	var dc discordConfig
	if err := decodeConfig(cfg, &dc); err != nil {
		return nil, err
	}

	session, err := discordgo.New("Bot " + dc.BotToken)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	return &discordAdapter{
		session: session,
		handler: handler,
		logger:  slog.Default().With("component", "channel.discord"),
		done:    make(chan struct{}),
	}, nil
}

func (a *discordAdapter) Type() string { return "discord" }

func (a *discordAdapter) Start(ctx context.Context) error {
	a.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(ctx, m)
	})

	if err := a.session.Open(); err != nil {
		return fmt.Errorf("opening discord session: %w", err)
	}

	a.mu.Lock()
	a.running = true
	a.mu.Unlock()

	a.logger.Info("discord bot connected", "username", a.session.State.User.Username)

	select {
	case <-ctx.Done():
		a.closeSession()
		return ctx.Err()
	case <-a.done:
		return nil
	}
}

func (a *discordAdapter) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	// Ignore our own messages and other bots
	if m.Author == nil || m.Author.Bot {
		return
	}

	inbound := InboundMessage{
		ExternalChatID:    m.ChannelID,
		ExternalSenderID:  m.Author.ID,
		ExternalMessageID: m.ID,
		SenderDisplayName: m.Author.Username,
		Text:              m.Content,
	}

	for _, att := range m.Attachments {
		if att.Size > MaxAttachmentSize {
			a.logger.Warn("skipping oversized attachment", "filename", att.Filename, "size", att.Size)
			continue
		}
		data, err := fetchURL(ctx, att.URL)
		if err != nil {
			a.logger.Warn("downloading attachment failed", "filename", att.Filename, "error", err)
			continue
		}
		inbound.Attachments = append(inbound.Attachments, Attachment{
			Filename: att.Filename,
			MIMEType: att.ContentType,
			Data:     data,
		})
	}

	a.handler(ctx, inbound)
}

func (a *discordAdapter) Stop(ctx context.Context) error {
	a.closeSession()
	return nil
}

func (a *discordAdapter) closeSession() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	a.running = false
	close(a.done)
	if err := a.session.Close(); err != nil {
		a.logger.Warn("closing discord session", "error", err)
	}
}

func (a *discordAdapter) SendMessage(ctx context.Context, msg OutboundMessage) (string, error) {
	a.mu.Lock()
	running := a.running
	a.mu.Unlock()
	if !running {
		return "", ErrNotRunning
	}

	sent, err := a.session.ChannelMessageSend(msg.ExternalChatID, msg.Text)
	if err != nil {
		return "", fmt.Errorf("sending discord message: %w", err)
	}
	return sent.ID, nil
}
