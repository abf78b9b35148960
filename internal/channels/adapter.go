// ABOUTME: Adapter contract and message envelopes shared by all platform adapters
// ABOUTME: Defines the inbound/outbound types the gateway exchanges with adapters

package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// MaxAttachmentSize is the largest attachment an adapter will stage.
// Larger files are skipped with a warning rather than failing the message.
const MaxAttachmentSize = 20 << 20 // 20 MiB

// ErrNotRunning is returned by SendMessage when the adapter is stopped
var ErrNotRunning = errors.New("adapter not running")

// Attachment is a file carried by an inbound message
type Attachment struct {
	Filename string
	MIMEType string
	Data     []byte
}

// InboundMessage is a normalized message received from an external platform
type InboundMessage struct {
	ExternalChatID    string
	ExternalSenderID  string
	ExternalThreadID  string // empty for threadless platforms
	ExternalMessageID string
	SenderDisplayName string
	Text              string
	Attachments       []Attachment
}

// OutboundMessage is a reply for delivery to an external platform
type OutboundMessage struct {
	ExternalChatID   string
	ExternalThreadID string
	Text             string
}

// InboundHandler receives normalized messages from a running adapter.
// Adapters call it synchronously from their receive loop; handlers that
// need to do slow work should dispatch to their own goroutine.
type InboundHandler func(ctx context.Context, msg InboundMessage)

// Adapter connects one configured channel to its external platform.
//
// Start blocks until the connection ends or ctx is cancelled; the gateway
// runs it in its own goroutine. Stop asks a running adapter to shut down
// and is safe to call more than once.
type Adapter interface {
	// Type returns the platform type, e.g. "telegram"
	Type() string

	// Start connects and pumps inbound messages to the handler until ctx
	// is cancelled or the connection fails
	Start(ctx context.Context) error

	// Stop shuts the adapter down
	Stop(ctx context.Context) error

	// SendMessage delivers an outbound message and returns the platform's
	// message ID where the platform reports one
	SendMessage(ctx context.Context, msg OutboundMessage) (string, error)
}

// Config is a channel's platform configuration as stored
type Config map[string]any

// decodeConfig unmarshals a Config into a typed adapter config struct
func decodeConfig(cfg Config, out any) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding config: %w", err)
	}
	return nil
}

// requireKeys returns an error naming the first missing or empty key
func requireKeys(cfg Config, keys ...string) error {
	for _, key := range keys {
		v, ok := cfg[key]
		if !ok {
			return fmt.Errorf("missing required config key %q", key)
		}
		if s, ok := v.(string); ok && s == "" {
			return fmt.Errorf("config key %q must not be empty", key)
		}
	}
	return nil
}
