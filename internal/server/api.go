// ABOUTME: HTTP API handlers for channel and agent management.
// ABOUTME: JSON request/response types mirror the store models with snake_case keys.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/2389/owork-gateway/internal/channels"
	"github.com/2389/owork-gateway/internal/engine"
	"github.com/2389/owork-gateway/internal/store"
	"github.com/2389/owork-gateway/internal/task"
)

// ChannelControl is the subset of the gateway the API needs
type ChannelControl interface {
	StartChannel(ctx context.Context, channelID string) error
	StopChannel(ctx context.Context, channelID string) error
	RestartChannel(ctx context.Context, channelID string) error
	ResetRateLimit(channelID string)
	IsRunning(channelID string) bool
}

// TaskService is the subset of the task manager the API needs
type TaskService interface {
	Create(ctx context.Context, req task.CreateRequest) (*store.Task, error)
	Cancel(ctx context.Context, taskID string) error
	Delete(ctx context.Context, taskID string) error
	SendMessage(ctx context.Context, taskID, text string) (bool, error)
	Subscribe(ctx context.Context, taskID string) (<-chan engine.Event, func(), error)
}

// API holds the dependencies shared by all HTTP handlers
type API struct {
	store   store.Store
	gateway ChannelControl
	tasks   TaskService
	logger  *slog.Logger
}

// NewAPI creates the handler set backed by the given store, gateway, and task manager
func NewAPI(st store.Store, gw ChannelControl, tasks TaskService) *API {
	return &API{
		store:   st,
		gateway: gw,
		tasks:   tasks,
		logger:  slog.Default().With("component", "api"),
	}
}

// Routes returns the API route table. Callers mount it under /api/ and
// are responsible for wrapping it with authentication.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/channel-types", a.handleChannelTypes)
	mux.HandleFunc("GET /api/channels", a.handleListChannels)
	mux.HandleFunc("POST /api/channels", a.handleCreateChannel)
	mux.HandleFunc("GET /api/channels/{id}", a.handleGetChannel)
	mux.HandleFunc("PUT /api/channels/{id}", a.handleUpdateChannel)
	mux.HandleFunc("DELETE /api/channels/{id}", a.handleDeleteChannel)
	mux.HandleFunc("POST /api/channels/{id}/start", a.handleStartChannel)
	mux.HandleFunc("POST /api/channels/{id}/stop", a.handleStopChannel)
	mux.HandleFunc("POST /api/channels/{id}/restart", a.handleRestartChannel)
	mux.HandleFunc("GET /api/channels/{id}/status", a.handleChannelStatus)
	mux.HandleFunc("GET /api/channels/{id}/sessions", a.handleListChannelSessions)
	mux.HandleFunc("DELETE /api/channels/{id}/sessions", a.handleDeleteChannelSessions)
	mux.HandleFunc("GET /api/channels/{id}/sessions/{sessionID}/messages", a.handleListChannelMessages)

	mux.HandleFunc("GET /api/agents", a.handleListAgents)
	mux.HandleFunc("POST /api/agents", a.handleCreateAgent)

	mux.HandleFunc("POST /api/tasks", a.handleCreateTask)
	mux.HandleFunc("GET /api/tasks", a.handleListTasks)
	mux.HandleFunc("GET /api/tasks/running/count", a.handleRunningTaskCount)
	mux.HandleFunc("GET /api/tasks/{id}", a.handleGetTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", a.handleDeleteTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", a.handleCancelTask)
	mux.HandleFunc("POST /api/tasks/{id}/message", a.handleTaskMessage)
	mux.HandleFunc("GET /api/tasks/{id}/stream", a.handleTaskStream)

	return mux
}

// handleHealth handles GET /health. It stays unauthenticated so load
// balancers and the CLI can probe liveness without a token.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady handles GET /health/ready. Ready means the store answers
// queries; the response includes how many channels are running.
func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	list, err := a.store.ListChannels(r.Context())
	if err != nil {
		a.sendJSONError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	running := 0
	for _, ch := range list {
		if a.gateway.IsRunning(ch.ID) {
			running++
		}
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ready",
		"channels":         len(list),
		"running_channels": running,
	})
}

// ChannelRequest is the JSON body for creating or updating a channel.
type ChannelRequest struct {
	Name               string         `json:"name"`
	ChannelType        string         `json:"channel_type"`
	AgentID            string         `json:"agent_id,omitempty"`
	Config             map[string]any `json:"config"`
	AccessMode         string         `json:"access_mode,omitempty"`
	AllowedSenders     []string       `json:"allowed_senders,omitempty"`
	BlockedSenders     []string       `json:"blocked_senders,omitempty"`
	RateLimitPerMinute int            `json:"rate_limit_per_minute,omitempty"`
	EnableSkills       bool           `json:"enable_skills,omitempty"`
	EnableMCP          bool           `json:"enable_mcp,omitempty"`
	AutoStart          bool           `json:"auto_start,omitempty"`
}

// ChannelResponse is the JSON representation of a channel. Secret config
// values are redacted before the channel leaves the server.
type ChannelResponse struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	ChannelType        string         `json:"channel_type"`
	AgentID            string         `json:"agent_id,omitempty"`
	Config             map[string]any `json:"config"`
	Status             string         `json:"status"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	AccessMode         string         `json:"access_mode"`
	AllowedSenders     []string       `json:"allowed_senders,omitempty"`
	BlockedSenders     []string       `json:"blocked_senders,omitempty"`
	RateLimitPerMinute int            `json:"rate_limit_per_minute"`
	EnableSkills       bool           `json:"enable_skills"`
	EnableMCP          bool           `json:"enable_mcp"`
	Running            bool           `json:"running"`
	SessionCount       int            `json:"session_count"`
	CreatedAt          string         `json:"created_at"`
	UpdatedAt          string         `json:"updated_at"`
}

func (a *API) handleChannelTypes(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{"types": channels.Types()})
}

func (a *API) handleListChannels(w http.ResponseWriter, r *http.Request) {
	list, err := a.store.ListChannels(r.Context())
	if err != nil {
		a.internalError(w, "listing channels", err)
		return
	}

	resp := make([]ChannelResponse, 0, len(list))
	for _, ch := range list {
		resp = append(resp, a.channelResponse(r.Context(), ch))
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"channels": resp})
}

func (a *API) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req ChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		a.sendJSONError(w, http.StatusBadRequest, "name is required")
		return
	}
	if !channels.Supported(req.ChannelType) {
		a.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("unsupported channel type %q", req.ChannelType))
		return
	}
	if err := channels.ValidateConfig(req.ChannelType, req.Config); err != nil {
		a.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ch := &store.Channel{
		ID:                 uuid.New().String(),
		Name:               req.Name,
		ChannelType:        req.ChannelType,
		AgentID:            req.AgentID,
		Config:             req.Config,
		Status:             store.ChannelStatusInactive,
		AccessMode:         accessModeOrDefault(req.AccessMode),
		AllowedSenders:     req.AllowedSenders,
		BlockedSenders:     req.BlockedSenders,
		RateLimitPerMinute: req.RateLimitPerMinute,
		EnableSkills:       req.EnableSkills,
		EnableMCP:          req.EnableMCP,
	}
	if err := a.store.CreateChannel(r.Context(), ch); err != nil {
		a.internalError(w, "creating channel", err)
		return
	}

	if req.AutoStart {
		if err := a.gateway.StartChannel(r.Context(), ch.ID); err != nil {
			a.logger.Warn("auto-start failed", "channel_id", ch.ID, "error", err)
		}
	}

	created, err := a.store.GetChannel(r.Context(), ch.ID)
	if err != nil {
		a.internalError(w, "loading created channel", err)
		return
	}
	a.writeJSON(w, http.StatusCreated, a.channelResponse(r.Context(), created))
}

func (a *API) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.loadChannel(w, r)
	if !ok {
		return
	}
	a.writeJSON(w, http.StatusOK, a.channelResponse(r.Context(), ch))
}

// handleUpdateChannel applies the request on top of the stored channel.
// Status and error message are owned by the gateway and never touched
// here. A changed rate limit clears the in-memory window immediately.
func (a *API) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.loadChannel(w, r)
	if !ok {
		return
	}

	var req ChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Name != "" {
		ch.Name = req.Name
	}
	if req.Config != nil {
		// A masked secret in the request means "keep the stored value"
		for k, v := range req.Config {
			if v == redactedValue {
				if prev, ok := ch.Config[k]; ok {
					req.Config[k] = prev
				}
			}
		}
		if err := channels.ValidateConfig(ch.ChannelType, req.Config); err != nil {
			a.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		ch.Config = req.Config
	}
	if req.AccessMode != "" {
		ch.AccessMode = store.AccessMode(req.AccessMode)
	}
	if req.AllowedSenders != nil {
		ch.AllowedSenders = req.AllowedSenders
	}
	if req.BlockedSenders != nil {
		ch.BlockedSenders = req.BlockedSenders
	}
	rateLimitChanged := req.RateLimitPerMinute != ch.RateLimitPerMinute
	ch.RateLimitPerMinute = req.RateLimitPerMinute
	ch.AgentID = req.AgentID
	ch.EnableSkills = req.EnableSkills
	ch.EnableMCP = req.EnableMCP

	if err := a.store.UpdateChannel(r.Context(), ch); err != nil {
		a.internalError(w, "updating channel", err)
		return
	}
	if rateLimitChanged {
		a.gateway.ResetRateLimit(ch.ID)
	}
	if a.gateway.IsRunning(ch.ID) {
		if err := a.gateway.RestartChannel(r.Context(), ch.ID); err != nil {
			a.logger.Warn("restart after update failed", "channel_id", ch.ID, "error", err)
		}
	}

	updated, err := a.store.GetChannel(r.Context(), ch.ID)
	if err != nil {
		a.internalError(w, "loading updated channel", err)
		return
	}
	a.writeJSON(w, http.StatusOK, a.channelResponse(r.Context(), updated))
}

func (a *API) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.loadChannel(w, r)
	if !ok {
		return
	}

	if a.gateway.IsRunning(ch.ID) {
		if err := a.gateway.StopChannel(r.Context(), ch.ID); err != nil {
			a.internalError(w, "stopping channel before delete", err)
			return
		}
	}
	if err := a.store.DeleteChannelSessions(r.Context(), ch.ID); err != nil {
		a.internalError(w, "deleting channel sessions", err)
		return
	}
	if err := a.store.DeleteChannel(r.Context(), ch.ID); err != nil {
		a.internalError(w, "deleting channel", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleStartChannel(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.loadChannel(w, r)
	if !ok {
		return
	}
	if err := a.gateway.StartChannel(r.Context(), ch.ID); err != nil {
		a.sendJSONError(w, http.StatusConflict, err.Error())
		return
	}
	started, err := a.store.GetChannel(r.Context(), ch.ID)
	if err != nil {
		a.internalError(w, "loading started channel", err)
		return
	}
	a.writeJSON(w, http.StatusOK, a.channelResponse(r.Context(), started))
}

func (a *API) handleStopChannel(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.loadChannel(w, r)
	if !ok {
		return
	}
	if err := a.gateway.StopChannel(r.Context(), ch.ID); err != nil {
		a.sendJSONError(w, http.StatusConflict, err.Error())
		return
	}
	stopped, err := a.store.GetChannel(r.Context(), ch.ID)
	if err != nil {
		a.internalError(w, "loading stopped channel", err)
		return
	}
	a.writeJSON(w, http.StatusOK, a.channelResponse(r.Context(), stopped))
}

func (a *API) handleRestartChannel(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.loadChannel(w, r)
	if !ok {
		return
	}
	if err := a.gateway.RestartChannel(r.Context(), ch.ID); err != nil {
		a.sendJSONError(w, http.StatusConflict, err.Error())
		return
	}
	restarted, err := a.store.GetChannel(r.Context(), ch.ID)
	if err != nil {
		a.internalError(w, "loading restarted channel", err)
		return
	}
	a.writeJSON(w, http.StatusOK, a.channelResponse(r.Context(), restarted))
}

// handleChannelStatus returns just the lifecycle state of a channel.
func (a *API) handleChannelStatus(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.loadChannel(w, r)
	if !ok {
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"id":            ch.ID,
		"status":        string(ch.Status),
		"error_message": ch.ErrorMessage,
		"running":       a.gateway.IsRunning(ch.ID),
	})
}

// ChannelSessionResponse is the JSON representation of a channel session.
type ChannelSessionResponse struct {
	ID                string `json:"id"`
	ChannelID         string `json:"channel_id"`
	ExternalChatID    string `json:"external_chat_id"`
	ExternalSenderID  string `json:"external_sender_id"`
	ExternalThreadID  string `json:"external_thread_id,omitempty"`
	SessionID         string `json:"session_id"`
	SenderDisplayName string `json:"sender_display_name,omitempty"`
	MessageCount      int    `json:"message_count"`
	LastMessageAt     string `json:"last_message_at"`
	CreatedAt         string `json:"created_at"`
}

func (a *API) handleListChannelSessions(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.loadChannel(w, r)
	if !ok {
		return
	}
	sessions, err := a.store.ListChannelSessions(r.Context(), ch.ID)
	if err != nil {
		a.internalError(w, "listing channel sessions", err)
		return
	}
	resp := make([]ChannelSessionResponse, 0, len(sessions))
	for _, cs := range sessions {
		resp = append(resp, ChannelSessionResponse{
			ID:                cs.ID,
			ChannelID:         cs.ChannelID,
			ExternalChatID:    cs.ExternalChatID,
			ExternalSenderID:  cs.ExternalSenderID,
			ExternalThreadID:  cs.ExternalThreadID,
			SessionID:         cs.SessionID,
			SenderDisplayName: cs.SenderDisplayName,
			MessageCount:      cs.MessageCount,
			LastMessageAt:     cs.LastMessageAt.UTC().Format(time.RFC3339),
			CreatedAt:         cs.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"sessions": resp})
}

// handleDeleteChannelSessions clears all conversation state for a
// channel. Subsequent messages start fresh engine sessions.
func (a *API) handleDeleteChannelSessions(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.loadChannel(w, r)
	if !ok {
		return
	}
	if err := a.store.DeleteChannelSessions(r.Context(), ch.ID); err != nil {
		a.internalError(w, "deleting channel sessions", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ChannelMessageResponse is one audit-log entry.
type ChannelMessageResponse struct {
	ID                string `json:"id"`
	Direction         string `json:"direction"`
	ExternalMessageID string `json:"external_message_id,omitempty"`
	Content           string `json:"content"`
	Status            string `json:"status"`
	CreatedAt         string `json:"created_at"`
}

func (a *API) handleListChannelMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	cs, err := a.store.GetChannelSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.sendJSONError(w, http.StatusNotFound, "channel session not found")
			return
		}
		a.internalError(w, "loading channel session", err)
		return
	}
	if cs.ChannelID != r.PathValue("id") {
		a.sendJSONError(w, http.StatusNotFound, "channel session not found")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &limit); err != nil || limit < 0 {
			a.sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	msgs, err := a.store.ListChannelMessages(r.Context(), cs.ID, limit)
	if err != nil {
		a.internalError(w, "listing channel messages", err)
		return
	}
	resp := make([]ChannelMessageResponse, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, ChannelMessageResponse{
			ID:                m.ID,
			Direction:         string(m.Direction),
			ExternalMessageID: m.ExternalMessageID,
			Content:           m.Content,
			Status:            string(m.Status),
			CreatedAt:         m.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"messages": resp})
}

// AgentRequest is the JSON body for creating an agent.
type AgentRequest struct {
	Name      string `json:"name"`
	Model     string `json:"model,omitempty"`
	Workspace string `json:"workspace,omitempty"`
}

// AgentResponse is the JSON representation of an agent.
type AgentResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Model     string `json:"model,omitempty"`
	Workspace string `json:"workspace,omitempty"`
	CreatedAt string `json:"created_at"`
}

func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := a.store.ListAgents(r.Context())
	if err != nil {
		a.internalError(w, "listing agents", err)
		return
	}
	resp := make([]AgentResponse, 0, len(agents))
	for _, ag := range agents {
		resp = append(resp, AgentResponse{
			ID:        ag.ID,
			Name:      ag.Name,
			Model:     ag.Model,
			Workspace: ag.Workspace,
			CreatedAt: ag.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"agents": resp})
}

func (a *API) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req AgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		a.sendJSONError(w, http.StatusBadRequest, "name is required")
		return
	}
	ag := &store.Agent{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Model:     req.Model,
		Workspace: req.Workspace,
	}
	if err := a.store.CreateAgent(r.Context(), ag); err != nil {
		a.internalError(w, "creating agent", err)
		return
	}
	created, err := a.store.GetAgent(r.Context(), ag.ID)
	if err != nil {
		a.internalError(w, "loading created agent", err)
		return
	}
	a.writeJSON(w, http.StatusCreated, AgentResponse{
		ID:        created.ID,
		Name:      created.Name,
		Model:     created.Model,
		Workspace: created.Workspace,
		CreatedAt: created.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (a *API) loadChannel(w http.ResponseWriter, r *http.Request) (*store.Channel, bool) {
	ch, err := a.store.GetChannel(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.sendJSONError(w, http.StatusNotFound, "channel not found")
			return nil, false
		}
		a.internalError(w, "loading channel", err)
		return nil, false
	}
	return ch, true
}

func (a *API) channelResponse(ctx context.Context, ch *store.Channel) ChannelResponse {
	count, err := a.store.CountChannelSessions(ctx, ch.ID)
	if err != nil {
		a.logger.Warn("counting channel sessions", "channel_id", ch.ID, "error", err)
	}
	return ChannelResponse{
		ID:                 ch.ID,
		Name:               ch.Name,
		ChannelType:        ch.ChannelType,
		AgentID:            ch.AgentID,
		Config:             redactConfig(ch.ChannelType, ch.Config),
		Status:             string(ch.Status),
		ErrorMessage:       ch.ErrorMessage,
		AccessMode:         string(ch.AccessMode),
		AllowedSenders:     ch.AllowedSenders,
		BlockedSenders:     ch.BlockedSenders,
		RateLimitPerMinute: ch.RateLimitPerMinute,
		EnableSkills:       ch.EnableSkills,
		EnableMCP:          ch.EnableMCP,
		Running:            a.gateway.IsRunning(ch.ID),
		SessionCount:       count,
		CreatedAt:          ch.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:          ch.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

const redactedValue = "********"

// redactConfig masks secret fields so tokens never round-trip through
// list and get responses.
func redactConfig(channelType string, cfg map[string]any) map[string]any {
	secret := map[string]bool{}
	for _, info := range channels.Types() {
		if info.Type != channelType {
			continue
		}
		for _, f := range info.Fields {
			if f.Secret {
				secret[f.Key] = true
			}
		}
	}

	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		if secret[k] {
			out[k] = redactedValue
		} else {
			out[k] = v
		}
	}
	return out
}

func accessModeOrDefault(mode string) store.AccessMode {
	if mode == "" {
		return store.AccessModeOpen
	}
	return store.AccessMode(mode)
}

func (a *API) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (a *API) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (a *API) internalError(w http.ResponseWriter, what string, err error) {
	a.logger.Error("request failed", "op", what, "error", err)
	a.sendJSONError(w, http.StatusInternalServerError, "internal server error")
}
