// ABOUTME: Tests for the background task manager
// ABOUTME: Covers streaming order, buffer bounds, pause/resume, and retention

package task

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/owork-gateway/internal/engine"
	"github.com/2389/owork-gateway/internal/store"
)

// scriptedRunner plays back one event script per conversation turn
type scriptedRunner struct {
	mu       sync.Mutex
	turns    [][]engine.Event
	requests []engine.RunRequest
	gate     chan struct{} // when set, each turn waits here before emitting
}

func (r *scriptedRunner) RunConversation(ctx context.Context, req engine.RunRequest) (<-chan engine.Event, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	if len(r.turns) == 0 {
		r.mu.Unlock()
		return nil, fmt.Errorf("no scripted turns left")
	}
	turn := r.turns[0]
	r.turns = r.turns[1:]
	gate := r.gate
	r.mu.Unlock()

	events := make(chan engine.Event)
	go func() {
		defer close(events)
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return
			}
		}
		for _, ev := range turn {
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

func (r *scriptedRunner) seenRequests() []engine.RunRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]engine.RunRequest, len(r.requests))
	copy(out, r.requests)
	return out
}

func setupManager(t *testing.T, runner engine.Runner, retention time.Duration) (*Manager, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m := NewManager(st, runner, 100, retention)
	t.Cleanup(m.Shutdown)
	return m, st
}

func simpleTurn(text string) []engine.Event {
	return []engine.Event{
		{Type: engine.EventSessionStart, SessionID: "sess-1"},
		{Type: engine.EventAssistant, SessionID: "sess-1", Text: text},
		{Type: engine.EventResult, SessionID: "sess-1", Text: text},
	}
}

func drain(t *testing.T, events <-chan engine.Event) []engine.Event {
	t.Helper()
	var out []engine.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out draining events")
		}
	}
}

func waitForStatus(t *testing.T, st *store.SQLiteStore, taskID string, want store.TaskStatus) *store.Task {
	t.Helper()
	var task *store.Task
	require.Eventually(t, func() bool {
		var err error
		task, err = st.GetTask(context.Background(), taskID)
		return err == nil && task.Status == want
	}, 2*time.Second, 10*time.Millisecond)
	return task
}

func TestTaskCompletesAndStreams(t *testing.T) {
	runner := &scriptedRunner{turns: [][]engine.Event{simpleTurn("done")}}
	m, st := setupManager(t, runner, time.Minute)
	ctx := context.Background()

	task, err := m.Create(ctx, CreateRequest{AgentID: "agent-001", Prompt: "do the thing"})
	require.NoError(t, err)
	assert.Equal(t, "do the thing", task.Title, "title defaults to the prompt")

	events, detach, err := m.Subscribe(ctx, task.ID)
	require.NoError(t, err)
	defer detach()

	got := drain(t, events)
	require.NotEmpty(t, got)
	assert.Equal(t, engine.EventStatus, got[len(got)-1].Type)
	assert.Equal(t, string(store.TaskStatusCompleted), got[len(got)-1].Text)

	final := waitForStatus(t, st, task.ID, store.TaskStatusCompleted)
	assert.Equal(t, "sess-1", final.SessionID)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.CompletedAt)
}

func TestSubscriberSeesEveryEventInOrder(t *testing.T) {
	gate := make(chan struct{})
	runner := &scriptedRunner{turns: [][]engine.Event{simpleTurn("hello")}, gate: gate}
	m, _ := setupManager(t, runner, time.Minute)
	ctx := context.Background()

	task, err := m.Create(ctx, CreateRequest{AgentID: "agent-001", Prompt: "p"})
	require.NoError(t, err)

	// Attach while the engine is still held at the gate
	events, detach, err := m.Subscribe(ctx, task.ID)
	require.NoError(t, err)
	defer detach()
	close(gate)

	got := drain(t, events)
	var types []engine.EventType
	for _, ev := range got {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []engine.EventType{
		engine.EventStatus, // running
		engine.EventSessionStart,
		engine.EventAssistant,
		engine.EventResult,
		engine.EventStatus, // completed
	}, types)
}

func TestLateSubscriberReplaysBuffer(t *testing.T) {
	runner := &scriptedRunner{turns: [][]engine.Event{simpleTurn("hello")}}
	m, st := setupManager(t, runner, time.Minute)
	ctx := context.Background()

	task, err := m.Create(ctx, CreateRequest{AgentID: "agent-001", Prompt: "p"})
	require.NoError(t, err)
	waitForStatus(t, st, task.ID, store.TaskStatusCompleted)

	events, detach, err := m.Subscribe(ctx, task.ID)
	require.NoError(t, err)
	defer detach()

	got := drain(t, events)
	require.Len(t, got, 5)
	assert.Equal(t, "hello", got[3].Text)
}

func TestBufferBounded(t *testing.T) {
	turn := []engine.Event{{Type: engine.EventSessionStart, SessionID: "sess-1"}}
	for i := 0; i < 150; i++ {
		turn = append(turn, engine.Event{Type: engine.EventAssistant, Text: fmt.Sprintf("chunk %d", i)})
	}
	turn = append(turn, engine.Event{Type: engine.EventResult, Text: "done"})

	runner := &scriptedRunner{turns: [][]engine.Event{turn}}
	m, st := setupManager(t, runner, time.Minute)
	ctx := context.Background()

	task, err := m.Create(ctx, CreateRequest{AgentID: "agent-001", Prompt: "p"})
	require.NoError(t, err)
	waitForStatus(t, st, task.ID, store.TaskStatusCompleted)

	events, detach, err := m.Subscribe(ctx, task.ID)
	require.NoError(t, err)
	defer detach()

	got := drain(t, events)
	assert.Len(t, got, 100, "buffer holds at most 100 events")
	// Oldest events were evicted; the tail survives
	assert.Equal(t, "chunk 52", got[0].Text)
	assert.Equal(t, string(store.TaskStatusCompleted), got[len(got)-1].Text)
}

func TestQuestionPausesAndAnswerResumes(t *testing.T) {
	runner := &scriptedRunner{turns: [][]engine.Event{
		{
			{Type: engine.EventSessionStart, SessionID: "sess-1"},
			{Type: engine.EventAskUserQuestion, SessionID: "sess-1", Question: "which color?"},
			{Type: engine.EventResult, SessionID: "sess-1"},
		},
		{
			{Type: engine.EventAssistant, SessionID: "sess-1", Text: "blue it is"},
			{Type: engine.EventResult, SessionID: "sess-1", Text: "blue it is"},
		},
	}}
	m, st := setupManager(t, runner, time.Minute)
	ctx := context.Background()

	task, err := m.Create(ctx, CreateRequest{AgentID: "agent-001", Prompt: "pick a color"})
	require.NoError(t, err)

	events, detach, err := m.Subscribe(ctx, task.ID)
	require.NoError(t, err)
	defer detach()

	// Wait for the question to come through the stream
	require.Eventually(t, func() bool {
		return m.SubscriberCount(task.ID) == 1 && taskAwaiting(m, task.ID)
	}, 2*time.Second, 10*time.Millisecond)

	delivered, err := m.SendMessage(ctx, task.ID, "blue")
	require.NoError(t, err)
	assert.True(t, delivered)

	got := drain(t, events)
	waitForStatus(t, st, task.ID, store.TaskStatusCompleted)

	var sawQuestion, sawAnswerReply bool
	for _, ev := range got {
		if ev.Type == engine.EventAskUserQuestion && ev.Question == "which color?" {
			sawQuestion = true
		}
		if ev.Type == engine.EventResult && ev.Text == "blue it is" {
			sawAnswerReply = true
		}
	}
	assert.True(t, sawQuestion)
	assert.True(t, sawAnswerReply)

	reqs := runner.seenRequests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "sess-1", reqs[1].SessionID, "resumed on the captured session")
	assert.Equal(t, "blue", reqs[1].Prompt)
}

func taskAwaiting(m *Manager, taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.tasks[taskID]
	return ok && rt.awaiting
}

func TestSendMessageToFinishedTask(t *testing.T) {
	runner := &scriptedRunner{turns: [][]engine.Event{simpleTurn("done")}}
	m, st := setupManager(t, runner, time.Minute)
	ctx := context.Background()

	task, err := m.Create(ctx, CreateRequest{AgentID: "agent-001", Prompt: "p"})
	require.NoError(t, err)
	waitForStatus(t, st, task.ID, store.TaskStatusCompleted)

	delivered, err := m.SendMessage(ctx, task.ID, "hello?")
	assert.False(t, delivered)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestSendMessageUnknownTask(t *testing.T) {
	runner := &scriptedRunner{}
	m, _ := setupManager(t, runner, time.Minute)

	_, err := m.SendMessage(context.Background(), "missing", "hi")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancelRunningTask(t *testing.T) {
	gate := make(chan struct{})
	runner := &scriptedRunner{turns: [][]engine.Event{simpleTurn("never")}, gate: gate}
	m, st := setupManager(t, runner, time.Minute)
	ctx := context.Background()

	task, err := m.Create(ctx, CreateRequest{AgentID: "agent-001", Prompt: "p"})
	require.NoError(t, err)
	waitForStatus(t, st, task.ID, store.TaskStatusRunning)

	require.NoError(t, m.Cancel(ctx, task.ID))
	final := waitForStatus(t, st, task.ID, store.TaskStatusCancelled)
	require.NotNil(t, final.CompletedAt)

	assert.ErrorIs(t, m.Cancel(ctx, task.ID), ErrNotRunning)
}

func TestDeleteRunningTask(t *testing.T) {
	gate := make(chan struct{})
	runner := &scriptedRunner{turns: [][]engine.Event{simpleTurn("never")}, gate: gate}
	m, st := setupManager(t, runner, time.Minute)
	ctx := context.Background()

	task, err := m.Create(ctx, CreateRequest{AgentID: "agent-001", Prompt: "p"})
	require.NoError(t, err)
	waitForStatus(t, st, task.ID, store.TaskStatusRunning)

	events, detach, err := m.Subscribe(ctx, task.ID)
	require.NoError(t, err)
	defer detach()

	require.NoError(t, m.Delete(ctx, task.ID))
	drain(t, events)

	_, err = st.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, _, err = m.Subscribe(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteFinishedTask(t *testing.T) {
	runner := &scriptedRunner{turns: [][]engine.Event{simpleTurn("done")}}
	m, st := setupManager(t, runner, time.Minute)
	ctx := context.Background()

	task, err := m.Create(ctx, CreateRequest{AgentID: "agent-001", Prompt: "p"})
	require.NoError(t, err)
	waitForStatus(t, st, task.ID, store.TaskStatusCompleted)

	require.NoError(t, m.Delete(ctx, task.ID))
	_, err = st.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, _, err = m.Subscribe(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEngineErrorFailsTask(t *testing.T) {
	runner := &scriptedRunner{turns: [][]engine.Event{{
		{Type: engine.EventSessionStart, SessionID: "sess-1"},
		{Type: engine.EventError, SessionID: "sess-1", Text: "model exploded", IsError: true},
	}}}
	m, st := setupManager(t, runner, time.Minute)
	ctx := context.Background()

	task, err := m.Create(ctx, CreateRequest{AgentID: "agent-001", Prompt: "p"})
	require.NoError(t, err)

	final := waitForStatus(t, st, task.ID, store.TaskStatusFailed)
	assert.Equal(t, "model exploded", final.Error)
}

func TestRetentionReleasesBuffer(t *testing.T) {
	runner := &scriptedRunner{turns: [][]engine.Event{simpleTurn("done")}}
	m, st := setupManager(t, runner, 50*time.Millisecond)
	ctx := context.Background()

	task, err := m.Create(ctx, CreateRequest{AgentID: "agent-001", Prompt: "p"})
	require.NoError(t, err)
	waitForStatus(t, st, task.ID, store.TaskStatusCompleted)

	require.Eventually(t, func() bool {
		_, _, err := m.Subscribe(ctx, task.ID)
		return err != nil
	}, 2*time.Second, 20*time.Millisecond)

	_, _, err = m.Subscribe(ctx, task.ID)
	assert.ErrorIs(t, err, ErrStreamExpired)

	// The task row itself survives in the store
	_, err = st.GetTask(ctx, task.ID)
	assert.NoError(t, err)
}

func TestSubscribeUnknownTask(t *testing.T) {
	runner := &scriptedRunner{}
	m, _ := setupManager(t, runner, time.Minute)

	_, _, err := m.Subscribe(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateRejectsEmptyPrompt(t *testing.T) {
	runner := &scriptedRunner{}
	m, _ := setupManager(t, runner, time.Minute)

	_, err := m.Create(context.Background(), CreateRequest{AgentID: "agent-001"})
	assert.Error(t, err)
}
