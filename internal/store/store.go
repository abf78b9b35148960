// ABOUTME: Store interface and data types for owork-gateway persistence
// ABOUTME: Defines Channel, ChannelSession, ChannelMessage, Task records and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateChannelSession is returned when a channel session already exists
// for the same (channel_id, external_chat_id, external_thread_id) tuple.
// Callers resolving sessions concurrently should re-fetch on this error.
var ErrDuplicateChannelSession = errors.New("channel session already exists")

// Channel status values. Status is written exclusively by the gateway.
type ChannelStatus string

const (
	ChannelStatusInactive ChannelStatus = "inactive"
	ChannelStatusActive   ChannelStatus = "active"
	ChannelStatusError    ChannelStatus = "error"
)

// Access control modes for a channel.
type AccessMode string

const (
	AccessModeOpen      AccessMode = "open"
	AccessModeAllowlist AccessMode = "allowlist"
	AccessModeBlocklist AccessMode = "blocklist"
)

// Agent is a configured conversational agent that channels and tasks bind to.
type Agent struct {
	ID        string
	Name      string
	Model     string
	Workspace string
	CreatedAt time.Time
}

// Session is an internal conversation record. Its ID may be superseded once
// the engine assigns its own session identifier.
type Session struct {
	ID        string
	AgentID   string
	Title     string
	CreatedAt time.Time
}

// Channel binds one external messaging platform account to one agent.
type Channel struct {
	ID                 string
	Name               string
	ChannelType        string
	AgentID            string
	Config             map[string]any
	Status             ChannelStatus
	ErrorMessage       string
	AccessMode         AccessMode
	AllowedSenders     []string
	BlockedSenders     []string
	RateLimitPerMinute int
	EnableSkills       bool
	EnableMCP          bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ChannelSession maps an external conversation to an internal session.
// MessageCount starts at 0 and is incremented by 2 per successful exchange;
// MessageCount == 0 means the session has never completed an exchange and
// must not be resumed on the engine side.
type ChannelSession struct {
	ID                string
	ChannelID         string
	ExternalChatID    string
	ExternalSenderID  string
	ExternalThreadID  string // empty when the platform has no thread concept
	SessionID         string
	AgentID           string
	SenderDisplayName string
	MessageCount      int
	LastMessageAt     time.Time
	CreatedAt         time.Time
}

// Message directions and statuses for the channel audit log.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"

	MessageStatusReceived = "received"
	MessageStatusSent     = "sent"
	MessageStatusError    = "error"
)

// ChannelMessage is one append-only audit log entry for a channel session.
type ChannelMessage struct {
	ID                string
	ChannelSessionID  string
	Direction         string
	ExternalMessageID string
	Content           string
	ContentType       string
	Metadata          map[string]any
	Status            string
	CreatedAt         time.Time
}

// Task execution status values.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Task is a background, cancellable, independently observable agent execution.
type Task struct {
	ID          string
	AgentID     string
	SessionID   string // empty until the engine assigns one
	Status      TaskStatus
	Title       string
	Model       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       string
	WorkDir     string
}

// TaskFilter narrows ListTasks results. Empty fields match everything.
type TaskFilter struct {
	Status  string
	AgentID string
}

// Store defines the interface for owork-gateway persistence
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)

	// Internal sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)

	// Channels
	CreateChannel(ctx context.Context, ch *Channel) error
	GetChannel(ctx context.Context, id string) (*Channel, error)
	ListChannels(ctx context.Context) ([]*Channel, error)
	UpdateChannel(ctx context.Context, ch *Channel) error
	SetChannelStatus(ctx context.Context, id string, status ChannelStatus, errorMessage string) error
	DeleteChannel(ctx context.Context, id string) error

	// Channel sessions
	CreateChannelSession(ctx context.Context, cs *ChannelSession) error
	GetChannelSession(ctx context.Context, id string) (*ChannelSession, error)
	GetChannelSessionByExternal(ctx context.Context, channelID, externalChatID, externalThreadID string) (*ChannelSession, error)
	UpdateChannelSessionID(ctx context.Context, id, sessionID string) error
	TouchChannelSession(ctx context.Context, id string, lastMessageAt time.Time, countDelta int) error
	ListChannelSessions(ctx context.Context, channelID string) ([]*ChannelSession, error)
	CountChannelSessions(ctx context.Context, channelID string) (int, error)
	DeleteChannelSessions(ctx context.Context, channelID string) error

	// Channel messages (audit log)
	SaveChannelMessage(ctx context.Context, msg *ChannelMessage) error
	ListChannelMessages(ctx context.Context, channelSessionID string, limit int) ([]*ChannelMessage, error)

	// Tasks
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, task *Task) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	CountTasksByStatus(ctx context.Context, status TaskStatus) (int, error)
	DeleteTask(ctx context.Context, id string) error

	// Close releases any resources held by the store
	Close() error
}
