// ABOUTME: Anthropic-backed Runner implementation using the official SDK
// ABOUTME: Keeps per-session message history in memory for resumable turns

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 4096
)

// AnthropicRunner implements Runner against the Anthropic Messages API.
// Session history lives in memory, so resumability spans the process
// lifetime: a session with no completed exchange simply has no history
// entry and starts clean.
type AnthropicRunner struct {
	client       *anthropic.Client
	defaultModel string
	logger       *slog.Logger

	mu       sync.Mutex
	sessions map[string][]anthropic.MessageParam
}

// NewAnthropicRunner creates a runner using the given API key.
// model overrides the built-in default when non-empty.
func NewAnthropicRunner(apiKey, model string) (*AnthropicRunner, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: no API key configured", ErrEngineUnavailable)
	}
	if model == "" {
		model = defaultModel
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicRunner{
		client:       &client,
		defaultModel: model,
		logger:       slog.Default().With("component", "engine"),
		sessions:     make(map[string][]anthropic.MessageParam),
	}, nil
}

// RunConversation executes one turn. See Runner for stream semantics.
func (r *AnthropicRunner) RunConversation(ctx context.Context, req RunRequest) (<-chan Event, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("empty prompt")
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	events := make(chan Event, 8)
	go r.run(ctx, req, sessionID, events)
	return events, nil
}

func (r *AnthropicRunner) run(ctx context.Context, req RunRequest, sessionID string, events chan<- Event) {
	defer close(events)

	emit := func(ev Event) bool {
		ev.SessionID = sessionID
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !emit(Event{Type: EventSessionStart}) {
		return
	}

	model := req.Model
	if model == "" {
		model = r.defaultModel
	}

	history := r.snapshot(sessionID)
	messages := append(history, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(defaultMaxTokens),
		Messages:  messages,
	}
	if system := composeSystem(req); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := r.client.Messages.New(ctx, params)
	if err != nil {
		r.logger.Error("conversation turn failed", "session_id", sessionID, "error", err)
		emit(Event{Type: EventError, Text: err.Error(), IsError: true})
		return
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	if !emit(Event{Type: EventAssistant, Text: text}) {
		return
	}

	r.record(sessionID, req.Prompt, resp)

	emit(Event{Type: EventResult, Text: text})
}

// composeSystem appends channel framing to the system prompt. Credentials
// never reach the model; they exist for tool-capable runners.
func composeSystem(req RunRequest) string {
	system := req.SystemPrompt
	if req.Channel == nil {
		return system
	}
	framing := fmt.Sprintf("You are replying inside a %s channel (chat %s). Keep replies suited to that medium.",
		req.Channel.ChannelType, req.Channel.ExternalChatID)
	if system == "" {
		return framing
	}
	return system + "\n\n" + framing
}

// snapshot copies the session history so the in-flight turn is isolated
// from concurrent turns on the same session
func (r *AnthropicRunner) snapshot(sessionID string) []anthropic.MessageParam {
	r.mu.Lock()
	defer r.mu.Unlock()
	history := r.sessions[sessionID]
	out := make([]anthropic.MessageParam, len(history))
	copy(out, history)
	return out
}

func (r *AnthropicRunner) record(sessionID, prompt string, resp *anthropic.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID] = append(r.sessions[sessionID],
		anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		resp.ToParam(),
	)
}
