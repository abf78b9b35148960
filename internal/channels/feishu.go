// ABOUTME: Feishu (Lark) adapter using the long-connection websocket client
// ABOUTME: No public webhook needed; downloads image and file resources up to the size cap

package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"
)

func init() {
	Register(Registration{
		Type:        "feishu",
		DisplayName: "Feishu",
		Description: "Feishu/Lark app via long connection",
		Fields: []ConfigField{
			{Key: "app_id", Label: "App ID", Required: true},
			{Key: "app_secret", Label: "App Secret", Required: true, Secret: true},
		},
		New:      newFeishuAdapter,
		Validate: validateFeishuConfig,
	})
}

type feishuConfig struct {
	AppID     string `json:"app_id"`
	AppSecret string `json:"app_secret"`
}

func validateFeishuConfig(cfg Config) error {
	return requireKeys(cfg, "app_id", "app_secret")
}

type feishuAdapter struct {
	client   *lark.Client
	wsClient *larkws.Client
	handler  InboundHandler
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

func newFeishuAdapter(cfg Config, handler InboundHandler) (Adapter, error) {
	var fc feishuConfig
	if err := decodeConfig(cfg, &fc); err != nil {
		return nil, err
	}

	a := &feishuAdapter{
		client:  lark.NewClient(fc.AppID, fc.AppSecret),
		handler: handler,
		logger:  slog.Default().With("component", "channel.feishu"),
	}

	eventHandler := dispatcher.NewEventDispatcher("", "").
		OnP2MessageReceiveV1(a.handleMessageReceive)

	a.wsClient = larkws.NewClient(fc.AppID, fc.AppSecret,
		larkws.WithEventHandler(eventHandler),
		larkws.WithAutoReconnect(true),
	)

	return a, nil
}

func (a *feishuAdapter) Type() string { return "feishu" }

func (a *feishuAdapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.running = true
	a.cancel = cancel
	a.mu.Unlock()
	defer a.setStopped()

	a.logger.Info("feishu long connection starting")
	return a.wsClient.Start(ctx)
}

func (a *feishuAdapter) handleMessageReceive(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
	msg := event.Event.Message
	if msg == nil || event.Event.Sender == nil || event.Event.Sender.SenderId == nil {
		return nil
	}

	inbound := InboundMessage{
		ExternalChatID:    deref(msg.ChatId),
		ExternalSenderID:  deref(event.Event.Sender.SenderId.OpenId),
		ExternalThreadID:  deref(msg.ThreadId),
		ExternalMessageID: deref(msg.MessageId),
	}

	switch deref(msg.MessageType) {
	case larkim.MsgTypeText:
		var content struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(deref(msg.Content)), &content); err != nil {
			a.logger.Warn("parsing text content failed", "error", err)
			return nil
		}
		inbound.Text = content.Text

	case larkim.MsgTypeImage:
		var content struct {
			ImageKey string `json:"image_key"`
		}
		if err := json.Unmarshal([]byte(deref(msg.Content)), &content); err != nil {
			return nil
		}
		a.fetchResource(ctx, &inbound, deref(msg.MessageId), content.ImageKey, "image", "image.png")

	case larkim.MsgTypeFile:
		var content struct {
			FileKey  string `json:"file_key"`
			FileName string `json:"file_name"`
		}
		if err := json.Unmarshal([]byte(deref(msg.Content)), &content); err != nil {
			return nil
		}
		a.fetchResource(ctx, &inbound, deref(msg.MessageId), content.FileKey, "file", content.FileName)

	default:
		// Unsupported message types are dropped silently
		return nil
	}

	a.handler(ctx, inbound)
	return nil
}

// fetchResource downloads an image or file resource attached to a message
func (a *feishuAdapter) fetchResource(ctx context.Context, inbound *InboundMessage, messageID, key, resourceType, filename string) {
	resp, err := a.client.Im.MessageResource.Get(ctx, larkim.NewGetMessageResourceReqBuilder().
		MessageId(messageID).
		FileKey(key).
		Type(resourceType).
		Build())
	if err != nil {
		a.logger.Warn("downloading resource failed", "message_id", messageID, "error", err)
		return
	}
	if !resp.Success() {
		a.logger.Warn("downloading resource rejected", "message_id", messageID, "code", resp.Code, "msg", resp.Msg)
		return
	}

	data, err := io.ReadAll(io.LimitReader(resp.File, MaxAttachmentSize+1))
	if err != nil {
		a.logger.Warn("reading resource failed", "message_id", messageID, "error", err)
		return
	}
	if len(data) > MaxAttachmentSize {
		a.logger.Warn("skipping oversized attachment", "filename", filename, "size", len(data))
		return
	}
	if resp.FileName != "" {
		filename = resp.FileName
	}

	inbound.Attachments = append(inbound.Attachments, Attachment{
		Filename: filename,
		Data:     data,
	})
}

func (a *feishuAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
	a.running = false
	return nil
}

func (a *feishuAdapter) setStopped() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}

func (a *feishuAdapter) SendMessage(ctx context.Context, msg OutboundMessage) (string, error) {
	a.mu.Lock()
	running := a.running
	a.mu.Unlock()
	if !running {
		return "", ErrNotRunning
	}

	content, err := json.Marshal(map[string]string{"text": msg.Text})
	if err != nil {
		return "", fmt.Errorf("encoding message content: %w", err)
	}

	resp, err := a.client.Im.Message.Create(ctx, larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(larkim.ReceiveIdTypeChatId).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(msg.ExternalChatID).
			MsgType(larkim.MsgTypeText).
			Content(string(content)).
			Build()).
		Build())
	if err != nil {
		return "", fmt.Errorf("sending feishu message: %w", err)
	}
	if !resp.Success() {
		return "", fmt.Errorf("feishu send rejected: code %d: %s", resp.Code, resp.Msg)
	}

	return deref(resp.Data.MessageId), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
