// ABOUTME: Matrix adapter using the mautrix client library
// ABOUTME: Syncs message events and replies as plain text to the room

package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func init() {
	Register(Registration{
		Type:        "matrix",
		DisplayName: "Matrix",
		Description: "Matrix account via client-server sync",
		Fields: []ConfigField{
			{Key: "homeserver", Label: "Homeserver URL", Required: true},
			{Key: "user_id", Label: "User ID", Required: true},
			{Key: "access_token", Label: "Access Token", Required: true, Secret: true},
		},
		New:      newMatrixAdapter,
		Validate: validateMatrixConfig,
	})
}

type matrixConfig struct {
	Homeserver  string `json:"homeserver"`
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
}

func validateMatrixConfig(cfg Config) error {
	return requireKeys(cfg, "homeserver", "user_id", "access_token")
}

type matrixAdapter struct {
	client  *mautrix.Client
	userID  id.UserID
	handler InboundHandler
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

func newMatrixAdapter(cfg Config, handler InboundHandler) (Adapter, error) {
	var mc matrixConfig
	if err := decodeConfig(cfg, &mc); err != nil {
		return nil, err
	}

	client, err := mautrix.NewClient(mc.Homeserver, id.UserID(mc.UserID), mc.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	return &matrixAdapter{
		client:  client,
		userID:  id.UserID(mc.UserID),
		handler: handler,
		logger:  slog.Default().With("component", "channel.matrix"),
	}, nil
}

func (a *matrixAdapter) Type() string { return "matrix" }

func (a *matrixAdapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.running = true
	a.cancel = cancel
	a.mu.Unlock()
	defer a.setStopped()

	syncer, ok := a.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", a.client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, a.handleMessageEvent)

	a.logger.Info("connecting to matrix homeserver")
	if err := a.client.SyncWithContext(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("matrix sync failed: %w", err)
	}
	return ctx.Err()
}

func (a *matrixAdapter) handleMessageEvent(ctx context.Context, evt *event.Event) {
	// Ignore our own messages
	if evt.Sender == a.userID {
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}
	if content.MsgType != event.MsgText {
		return
	}

	a.handler(ctx, InboundMessage{
		ExternalChatID:    evt.RoomID.String(),
		ExternalSenderID:  evt.Sender.String(),
		ExternalMessageID: evt.ID.String(),
		Text:              content.Body,
	})
}

func (a *matrixAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
	a.running = false
	return nil
}

func (a *matrixAdapter) setStopped() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}

func (a *matrixAdapter) SendMessage(ctx context.Context, msg OutboundMessage) (string, error) {
	a.mu.Lock()
	running := a.running
	a.mu.Unlock()
	if !running {
		return "", ErrNotRunning
	}

	resp, err := a.client.SendText(ctx, id.RoomID(msg.ExternalChatID), msg.Text)
	if err != nil {
		return "", fmt.Errorf("sending matrix message: %w", err)
	}
	return resp.EventID.String(), nil
}
