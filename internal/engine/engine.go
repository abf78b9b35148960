// ABOUTME: Engine boundary types for running agent conversations
// ABOUTME: Defines the Runner interface and the event stream it produces

package engine

import (
	"context"
	"errors"
)

// ErrEngineUnavailable is returned when the engine cannot accept work,
// for example when no API key is configured.
var ErrEngineUnavailable = errors.New("engine unavailable")

// EventType identifies the kind of an engine event
type EventType string

const (
	EventSessionStart    EventType = "session_start"
	EventAssistant       EventType = "assistant"
	EventToolUse         EventType = "tool_use"
	EventToolResult      EventType = "tool_result"
	EventAskUserQuestion EventType = "ask_user_question"
	EventStatus          EventType = "status"
	EventResult          EventType = "result"
	EventError           EventType = "error"
)

// Terminal reports whether the event type ends a conversation turn
func (t EventType) Terminal() bool {
	return t == EventResult || t == EventError
}

// Event is one item in a conversation's event stream. Fields beyond Type
// and SessionID are populated depending on the event type; Raw carries the
// engine's payload through untouched for consumers that want it.
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Text      string         `json:"text,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	Question  string         `json:"question,omitempty"`
	Raw       map[string]any `json:"raw,omitempty"`
}

// ChannelContext identifies the channel a turn is acting for, so
// engine-side tool integrations can post back to the platform. It carries
// only what those integrations need, including the channel's credential
// fields; runners without tool support use it for framing at most.
type ChannelContext struct {
	ChannelType    string
	ChannelID      string
	ExternalChatID string
	ReplyToID      string
	Credentials    map[string]string
}

// RunRequest describes one conversation turn.
// A non-empty SessionID resumes an existing engine session; otherwise the
// engine starts a fresh one and reports its ID in the session_start event.
// EnableSkills and EnableMCP are ignored by runners that have neither.
type RunRequest struct {
	SessionID    string
	AgentID      string
	Prompt       string
	Model        string
	SystemPrompt string
	WorkDir      string
	EnableSkills bool
	EnableMCP    bool
	Channel      *ChannelContext
}

// Runner executes conversation turns against the agent engine.
//
// RunConversation returns immediately with a channel that yields events as
// the turn progresses. The channel is closed after a terminal event (result
// or error). Cancelling ctx abandons the turn and closes the channel.
type Runner interface {
	RunConversation(ctx context.Context, req RunRequest) (<-chan Event, error)
}
