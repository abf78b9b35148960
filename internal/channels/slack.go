// ABOUTME: Slack adapter using socket mode, no public webhook needed
// ABOUTME: Replies thread-aware and downloads shared files up to the size cap

package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

func init() {
	Register(Registration{
		Type:        "slack",
		DisplayName: "Slack",
		Description: "Slack app via socket mode",
		Fields: []ConfigField{
			{Key: "bot_token", Label: "Bot Token (xoxb-)", Required: true, Secret: true},
			{Key: "app_token", Label: "App Token (xapp-)", Required: true, Secret: true},
		},
		New:      newSlackAdapter,
		Validate: validateSlackConfig,
	})
}

type slackConfig struct {
	BotToken string `json:"bot_token"`
	AppToken string `json:"app_token"`
}

func validateSlackConfig(cfg Config) error {
	return requireKeys(cfg, "bot_token", "app_token")
}

type slackAdapter struct {
	api     *slack.Client
	socket  *socketmode.Client
	handler InboundHandler
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

func newSlackAdapter(cfg Config, handler InboundHandler) (Adapter, error) {
	var sc slackConfig
	if err := decodeConfig(cfg, &sc); err != nil {
		return nil, err
	}

	api := slack.New(sc.BotToken, slack.OptionAppLevelToken(sc.AppToken))
	return &slackAdapter{
		api:     api,
		socket:  socketmode.New(api),
		handler: handler,
		logger:  slog.Default().With("component", "channel.slack"),
	}, nil
}

func (a *slackAdapter) Type() string { return "slack" }

func (a *slackAdapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.running = true
	a.cancel = cancel
	a.mu.Unlock()
	defer a.setStopped()

	go a.pumpEvents(ctx)

	return a.socket.RunContext(ctx)
}

func (a *slackAdapter) pumpEvents(ctx context.Context) {
	for {
		select {
		case evt, ok := <-a.socket.Events:
			if !ok {
				return
			}
			a.handleSocketEvent(ctx, evt)
		case <-ctx.Done():
			return
		}
	}
}

func (a *slackAdapter) handleSocketEvent(ctx context.Context, evt socketmode.Event) {
	if evt.Type != socketmode.EventTypeEventsAPI {
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		return
	}

	eventsAPI, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		a.socket.Ack(*evt.Request)
		return
	}
	a.socket.Ack(*evt.Request)

	if eventsAPI.Type != slackevents.CallbackEvent {
		return
	}
	inner, ok := eventsAPI.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	// Ignore our own and other bots' messages
	if inner.BotID != "" || inner.SubType == "bot_message" {
		return
	}

	inbound := InboundMessage{
		ExternalChatID:    inner.Channel,
		ExternalSenderID:  inner.User,
		ExternalThreadID:  inner.ThreadTimeStamp,
		ExternalMessageID: inner.TimeStamp,
		Text:              inner.Text,
	}

	for _, file := range inner.Files {
		if file.Size > MaxAttachmentSize {
			a.logger.Warn("skipping oversized attachment", "filename", file.Name, "size", file.Size)
			continue
		}
		data, err := a.downloadFile(ctx, file.URLPrivateDownload)
		if err != nil {
			a.logger.Warn("downloading attachment failed", "filename", file.Name, "error", err)
			continue
		}
		inbound.Attachments = append(inbound.Attachments, Attachment{
			Filename: file.Name,
			MIMEType: file.Mimetype,
			Data:     data,
		})
	}

	a.handler(ctx, inbound)
}

func (a *slackAdapter) downloadFile(ctx context.Context, url string) ([]byte, error) {
	var buf limitedBuffer
	if err := a.api.GetFileContext(ctx, url, &buf); err != nil {
		return nil, err
	}
	if buf.overflowed {
		return nil, fmt.Errorf("attachment exceeds %d bytes", MaxAttachmentSize)
	}
	return buf.data, nil
}

func (a *slackAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
	a.running = false
	return nil
}

func (a *slackAdapter) setStopped() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}

func (a *slackAdapter) SendMessage(ctx context.Context, msg OutboundMessage) (string, error) {
	a.mu.Lock()
	running := a.running
	a.mu.Unlock()
	if !running {
		return "", ErrNotRunning
	}

	opts := []slack.MsgOption{slack.MsgOptionText(msg.Text, false)}
	if msg.ExternalThreadID != "" {
		opts = append(opts, slack.MsgOptionTS(msg.ExternalThreadID))
	}

	_, timestamp, err := a.api.PostMessageContext(ctx, msg.ExternalChatID, opts...)
	if err != nil {
		return "", fmt.Errorf("posting slack message: %w", err)
	}
	return timestamp, nil
}

// limitedBuffer collects writes up to the attachment cap
type limitedBuffer struct {
	data       []byte
	overflowed bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if len(b.data)+len(p) > MaxAttachmentSize {
		b.overflowed = true
		return len(p), nil
	}
	b.data = append(b.data, p...)
	return len(p), nil
}
