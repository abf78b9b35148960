// ABOUTME: Telegram adapter using long polling via the Bot API
// ABOUTME: Downloads photo and document attachments up to the size cap

package channels

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func init() {
	Register(Registration{
		Type:        "telegram",
		DisplayName: "Telegram",
		Description: "Telegram bot via long polling",
		Fields: []ConfigField{
			{Key: "bot_token", Label: "Bot Token", Required: true, Secret: true},
		},
		New:      newTelegramAdapter,
		Validate: validateTelegramConfig,
	})
}

type telegramConfig struct {
	BotToken string `json:"bot_token"`
}

func validateTelegramConfig(cfg Config) error {
	return requireKeys(cfg, "bot_token")
}

type telegramAdapter struct {
	token   string
	handler InboundHandler
	logger  *slog.Logger

	mu      sync.Mutex
	bot     *tgbotapi.BotAPI
	running bool
}

func newTelegramAdapter(cfg Config, handler InboundHandler) (Adapter, error) {
	var tc telegramConfig
	if err := decodeConfig(cfg, &tc); err != nil {
		return nil, err
	}
	return &telegramAdapter{
		token:   tc.BotToken,
		handler: handler,
		logger:  slog.Default().With("component", "channel.telegram"),
	}, nil
}

func (a *telegramAdapter) Type() string { return "telegram" }

func (a *telegramAdapter) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(a.token)
	if err != nil {
		return fmt.Errorf("creating telegram bot: %w", err)
	}

	a.mu.Lock()
	a.bot = bot
	a.running = true
	a.mu.Unlock()

	a.logger.Info("telegram bot connected", "username", bot.Self.UserName)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			bot.StopReceivingUpdates()
			a.setStopped()
			return ctx.Err()
		}
	}
}

func (a *telegramAdapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	inbound := InboundMessage{
		ExternalChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		ExternalSenderID:  strconv.FormatInt(msg.From.ID, 10),
		ExternalMessageID: strconv.Itoa(msg.MessageID),
		SenderDisplayName: msg.From.FirstName,
		Text:              msg.Text,
	}
	if inbound.Text == "" {
		inbound.Text = msg.Caption
	}

	if msg.Document != nil {
		a.fetchAttachment(ctx, &inbound, msg.Document.FileID, msg.Document.FileName, msg.Document.FileSize)
	}
	if len(msg.Photo) > 0 {
		// Largest resolution is last
		photo := msg.Photo[len(msg.Photo)-1]
		a.fetchAttachment(ctx, &inbound, photo.FileID, "photo.jpg", photo.FileSize)
	}

	a.handler(ctx, inbound)
}

func (a *telegramAdapter) fetchAttachment(ctx context.Context, inbound *InboundMessage, fileID, name string, size int) {
	if size > MaxAttachmentSize {
		a.logger.Warn("skipping oversized attachment", "filename", name, "size", size)
		return
	}

	url, err := a.bot.GetFileDirectURL(fileID)
	if err != nil {
		a.logger.Warn("resolving attachment URL failed", "file_id", fileID, "error", err)
		return
	}

	data, err := fetchURL(ctx, url)
	if err != nil {
		a.logger.Warn("downloading attachment failed", "filename", name, "error", err)
		return
	}

	inbound.Attachments = append(inbound.Attachments, Attachment{
		Filename: name,
		Data:     data,
	})
}

func (a *telegramAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bot != nil && a.running {
		a.bot.StopReceivingUpdates()
	}
	a.running = false
	return nil
}

func (a *telegramAdapter) setStopped() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}

func (a *telegramAdapter) SendMessage(ctx context.Context, msg OutboundMessage) (string, error) {
	a.mu.Lock()
	bot := a.bot
	running := a.running
	a.mu.Unlock()
	if bot == nil || !running {
		return "", ErrNotRunning
	}

	chatID, err := strconv.ParseInt(msg.ExternalChatID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid telegram chat ID %q: %w", msg.ExternalChatID, err)
	}

	out := tgbotapi.NewMessage(chatID, msg.Text)
	sent, err := bot.Send(out)
	if err != nil {
		return "", fmt.Errorf("sending telegram message: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// fetchURL downloads a file, enforcing the attachment size cap
func fetchURL(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxAttachmentSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxAttachmentSize {
		return nil, fmt.Errorf("attachment exceeds %d bytes", MaxAttachmentSize)
	}
	return data, nil
}
