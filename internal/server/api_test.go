// ABOUTME: Tests for the HTTP API handlers using httptest and fakes
// ABOUTME: Covers channel CRUD, secret redaction, lifecycle, and sessions

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/owork-gateway/internal/engine"
	"github.com/2389/owork-gateway/internal/store"
	"github.com/2389/owork-gateway/internal/task"
)

// fakeGateway records lifecycle calls and tracks a running set
type fakeGateway struct {
	mu       sync.Mutex
	running  map[string]bool
	startErr error
	stopErr  error
	resets   []string
	restarts []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{running: map[string]bool{}}
}

func (g *fakeGateway) StartChannel(ctx context.Context, channelID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.startErr != nil {
		return g.startErr
	}
	g.running[channelID] = true
	return nil
}

func (g *fakeGateway) StopChannel(ctx context.Context, channelID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopErr != nil {
		return g.stopErr
	}
	delete(g.running, channelID)
	return nil
}

func (g *fakeGateway) RestartChannel(ctx context.Context, channelID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.restarts = append(g.restarts, channelID)
	return nil
}

func (g *fakeGateway) ResetRateLimit(channelID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resets = append(g.resets, channelID)
}

func (g *fakeGateway) IsRunning(channelID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running[channelID]
}

// fakeTasks is a canned TaskService for handler tests. It holds the
// test store so Delete removes the persisted row the way the real
// manager does.
type fakeTasks struct {
	st store.Store

	mu        sync.Mutex
	created   []task.CreateRequest
	cancelErr error
	deleted   []string
	sendErr   error
	delivered bool
	messages  []string
	events    []engine.Event
	subErr    error
}

func (f *fakeTasks) Create(ctx context.Context, req task.CreateRequest) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	title := req.Title
	if title == "" {
		title = req.Prompt
	}
	return &store.Task{
		ID:        "task-1",
		AgentID:   req.AgentID,
		Status:    store.TaskStatusPending,
		Title:     title,
		Model:     req.Model,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (f *fakeTasks) Cancel(ctx context.Context, taskID string) error {
	return f.cancelErr
}

func (f *fakeTasks) Delete(ctx context.Context, taskID string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, taskID)
	f.mu.Unlock()
	return f.st.DeleteTask(ctx, taskID)
}

func (f *fakeTasks) SendMessage(ctx context.Context, taskID, text string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return false, f.sendErr
	}
	f.messages = append(f.messages, text)
	return f.delivered, nil
}

func (f *fakeTasks) Subscribe(ctx context.Context, taskID string) (<-chan engine.Event, func(), error) {
	if f.subErr != nil {
		return nil, nil, f.subErr
	}
	ch := make(chan engine.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, func() {}, nil
}

type apiEnv struct {
	api     *API
	store   store.Store
	gateway *fakeGateway
	tasks   *fakeTasks
}

func setupAPI(t *testing.T) *apiEnv {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	gw := newFakeGateway()
	tasks := &fakeTasks{st: st}
	return &apiEnv{
		api:     NewAPI(st, gw, tasks),
		store:   st,
		gateway: gw,
		tasks:   tasks,
	}
}

func (e *apiEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.api.Routes().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func createTelegramChannel(t *testing.T, e *apiEnv) ChannelResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/channels", ChannelRequest{
		Name:        "support bot",
		ChannelType: "telegram",
		Config:      map[string]any{"bot_token": "123:secret"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	return decodeBody[ChannelResponse](t, rec)
}

func TestHealthEndpoint(t *testing.T) {
	e := setupAPI(t)
	rec := httptest.NewRecorder()
	e.api.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "ok", body["status"])
}

func TestChannelTypesListed(t *testing.T) {
	e := setupAPI(t)
	rec := e.do(t, http.MethodGet, "/api/channel-types", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[map[string][]map[string]any](t, rec)
	types := body["types"]
	names := make([]string, 0, len(types))
	for _, info := range types {
		names = append(names, info["type"].(string))
	}
	assert.Contains(t, names, "telegram")
	assert.Contains(t, names, "feishu")
	assert.Contains(t, names, "web_widget")
}

func TestCreateChannelRedactsSecrets(t *testing.T) {
	e := setupAPI(t)
	ch := createTelegramChannel(t, e)

	assert.Equal(t, "support bot", ch.Name)
	assert.Equal(t, "telegram", ch.ChannelType)
	assert.Equal(t, "inactive", ch.Status)
	assert.Equal(t, "open", ch.AccessMode)
	assert.Equal(t, "********", ch.Config["bot_token"])

	// The stored config keeps the real token
	stored, err := e.store.GetChannel(context.Background(), ch.ID)
	require.NoError(t, err)
	assert.Equal(t, "123:secret", stored.Config["bot_token"])
}

func TestCreateChannelRejectsUnknownType(t *testing.T) {
	e := setupAPI(t)
	rec := e.do(t, http.MethodPost, "/api/channels", ChannelRequest{
		Name:        "bad",
		ChannelType: "carrier_pigeon",
		Config:      map[string]any{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateChannelRejectsMissingConfig(t *testing.T) {
	e := setupAPI(t)
	rec := e.do(t, http.MethodPost, "/api/channels", ChannelRequest{
		Name:        "no token",
		ChannelType: "telegram",
		Config:      map[string]any{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetChannelNotFound(t *testing.T) {
	e := setupAPI(t)
	rec := e.do(t, http.MethodGet, "/api/channels/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateChannelPreservesMaskedSecret(t *testing.T) {
	e := setupAPI(t)
	ch := createTelegramChannel(t, e)

	// Round-trip the redacted config the way a UI form would
	rec := e.do(t, http.MethodPut, "/api/channels/"+ch.ID, ChannelRequest{
		Name:               "renamed bot",
		Config:             map[string]any{"bot_token": "********"},
		RateLimitPerMinute: 5,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	updated := decodeBody[ChannelResponse](t, rec)
	assert.Equal(t, "renamed bot", updated.Name)
	assert.Equal(t, 5, updated.RateLimitPerMinute)

	stored, err := e.store.GetChannel(context.Background(), ch.ID)
	require.NoError(t, err)
	assert.Equal(t, "123:secret", stored.Config["bot_token"])

	// Rate limit change clears the limiter window
	assert.Equal(t, []string{ch.ID}, e.gateway.resets)
}

func TestStartStopChannel(t *testing.T) {
	e := setupAPI(t)
	ch := createTelegramChannel(t, e)

	rec := e.do(t, http.MethodPost, "/api/channels/"+ch.ID+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, e.gateway.IsRunning(ch.ID))
	started := decodeBody[ChannelResponse](t, rec)
	assert.True(t, started.Running)

	rec = e.do(t, http.MethodPost, "/api/channels/"+ch.ID+"/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, e.gateway.IsRunning(ch.ID))
}

func TestStartChannelConflict(t *testing.T) {
	e := setupAPI(t)
	ch := createTelegramChannel(t, e)
	e.gateway.startErr = fmt.Errorf("channel already running")

	rec := e.do(t, http.MethodPost, "/api/channels/"+ch.ID+"/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteChannelStopsAndRemovesSessions(t *testing.T) {
	e := setupAPI(t)
	ch := createTelegramChannel(t, e)
	e.gateway.running[ch.ID] = true

	cs := &store.ChannelSession{
		ID:             uuid.New().String(),
		ChannelID:      ch.ID,
		ExternalChatID: "chat-1",
		SessionID:      uuid.New().String(),
		LastMessageAt:  time.Now().UTC(),
	}
	require.NoError(t, e.store.CreateChannelSession(context.Background(), cs))

	rec := e.do(t, http.MethodDelete, "/api/channels/"+ch.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	assert.False(t, e.gateway.IsRunning(ch.ID))
	_, err := e.store.GetChannel(context.Background(), ch.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = e.store.GetChannelSession(context.Background(), cs.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListChannelSessionsAndMessages(t *testing.T) {
	e := setupAPI(t)
	ch := createTelegramChannel(t, e)

	cs := &store.ChannelSession{
		ID:             uuid.New().String(),
		ChannelID:      ch.ID,
		ExternalChatID: "chat-1",
		SessionID:      uuid.New().String(),
		MessageCount:   2,
		LastMessageAt:  time.Now().UTC(),
	}
	require.NoError(t, e.store.CreateChannelSession(context.Background(), cs))
	require.NoError(t, e.store.SaveChannelMessage(context.Background(), &store.ChannelMessage{
		ID:               uuid.New().String(),
		ChannelSessionID: cs.ID,
		Direction:        store.DirectionInbound,
		Content:          "hello",
		Status:           store.MessageStatusReceived,
	}))

	rec := e.do(t, http.MethodGet, "/api/channels/"+ch.ID+"/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sessions := decodeBody[map[string][]ChannelSessionResponse](t, rec)["sessions"]
	require.Len(t, sessions, 1)
	assert.Equal(t, cs.ID, sessions[0].ID)
	assert.Equal(t, 2, sessions[0].MessageCount)

	rec = e.do(t, http.MethodGet, "/api/channels/"+ch.ID+"/sessions/"+cs.ID+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decodeBody[map[string][]ChannelMessageResponse](t, rec)["messages"]
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "inbound", msgs[0].Direction)
}

func TestListChannelMessagesWrongChannel(t *testing.T) {
	e := setupAPI(t)
	ch := createTelegramChannel(t, e)
	other := createTelegramChannel(t, e)

	cs := &store.ChannelSession{
		ID:             uuid.New().String(),
		ChannelID:      other.ID,
		ExternalChatID: "chat-9",
		SessionID:      uuid.New().String(),
		LastMessageAt:  time.Now().UTC(),
	}
	require.NoError(t, e.store.CreateChannelSession(context.Background(), cs))

	rec := e.do(t, http.MethodGet, "/api/channels/"+ch.ID+"/sessions/"+cs.ID+"/messages", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateAndListAgents(t *testing.T) {
	e := setupAPI(t)
	rec := e.do(t, http.MethodPost, "/api/agents", AgentRequest{Name: "researcher", Model: "claude-sonnet-4-20250514"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[AgentResponse](t, rec)
	assert.Equal(t, "researcher", created.Name)

	rec = e.do(t, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	agents := decodeBody[map[string][]AgentResponse](t, rec)["agents"]
	require.Len(t, agents, 1)
	assert.Equal(t, created.ID, agents[0].ID)
}
