// ABOUTME: Background task manager with buffered event streaming to subscribers
// ABOUTME: Tasks pause on questions, resume on answers, and linger for late subscribers

package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/owork-gateway/internal/engine"
	"github.com/2389/owork-gateway/internal/store"
)

var (
	// ErrStreamExpired is returned when a task finished long enough ago
	// that its event buffer has been released
	ErrStreamExpired = errors.New("task event stream expired")

	// ErrNotRunning is returned when sending a message to a task that is
	// not currently running
	ErrNotRunning = errors.New("task not running")
)

// CreateRequest describes a new background task
type CreateRequest struct {
	AgentID string
	Prompt  string
	Title   string
	Model   string
	WorkDir string
}

// Manager runs background tasks and streams their events. Each task keeps
// a bounded buffer of recent events so subscribers who attach late still
// see the history; finished tasks stay in memory for a retention period
// that keeps extending while anyone is still attached.
type Manager struct {
	store      store.Store
	runner     engine.Runner
	bufferSize int
	retention  time.Duration
	logger     *slog.Logger

	mu    sync.Mutex
	tasks map[string]*runningTask
}

type runningTask struct {
	id          string
	status      store.TaskStatus
	cancel      context.CancelFunc
	buffer      []engine.Event
	subscribers map[*subscriber]struct{}
	answerCh    chan string
	awaiting    bool
	sessionID   string
	done        bool
	cleanup     *time.Timer
}

type subscriber struct {
	events chan engine.Event
}

// NewManager creates a task manager. bufferSize bounds the per-task event
// buffer; retention is how long finished tasks remain subscribable.
func NewManager(st store.Store, runner engine.Runner, bufferSize int, retention time.Duration) *Manager {
	return &Manager{
		store:      st,
		runner:     runner,
		bufferSize: bufferSize,
		retention:  retention,
		logger:     slog.Default().With("component", "tasks"),
		tasks:      make(map[string]*runningTask),
	}
}

// Create persists a new task and starts it in the background
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*store.Task, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("task prompt must not be empty")
	}

	task := &store.Task{
		ID:        uuid.New().String(),
		AgentID:   req.AgentID,
		Status:    store.TaskStatusPending,
		Title:     req.Title,
		Model:     req.Model,
		CreatedAt: time.Now().UTC(),
		WorkDir:   req.WorkDir,
	}
	if task.Title == "" {
		task.Title = truncate(req.Prompt, 80)
	}

	if err := m.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("persisting task: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rt := &runningTask{
		id:          task.ID,
		status:      store.TaskStatusPending,
		cancel:      cancel,
		subscribers: make(map[*subscriber]struct{}),
		answerCh:    make(chan string, 1),
	}

	m.mu.Lock()
	m.tasks[task.ID] = rt
	m.mu.Unlock()

	go m.run(runCtx, rt, req)

	m.logger.Info("task created", "task_id", task.ID, "agent_id", req.AgentID)
	return task, nil
}

// Cancel stops a running task. Finished tasks cannot be cancelled.
func (m *Manager) Cancel(ctx context.Context, taskID string) error {
	m.mu.Lock()
	rt, ok := m.tasks[taskID]
	if !ok || rt.done {
		m.mu.Unlock()
		if !ok {
			if _, err := m.store.GetTask(ctx, taskID); err != nil {
				return err
			}
		}
		return ErrNotRunning
	}
	m.mu.Unlock()

	rt.cancel()
	return nil
}

// Delete cancels the task if it is still running, releases its event
// buffer, and removes the persisted record
func (m *Manager) Delete(ctx context.Context, taskID string) error {
	m.mu.Lock()
	rt, ok := m.tasks[taskID]
	if ok {
		if rt.cleanup != nil {
			rt.cleanup.Stop()
		}
		for sub := range rt.subscribers {
			close(sub.events)
		}
		rt.subscribers = make(map[*subscriber]struct{})
		delete(m.tasks, taskID)
	}
	m.mu.Unlock()

	if ok {
		rt.cancel()
	}
	return m.store.DeleteTask(ctx, taskID)
}

// SendMessage delivers a user message to a task that is paused on a
// question. It reports false without error when the task is running but
// not waiting for input; ErrNotRunning when the task is not running.
func (m *Manager) SendMessage(ctx context.Context, taskID, text string) (bool, error) {
	m.mu.Lock()
	rt, ok := m.tasks[taskID]
	if !ok || rt.done || rt.status != store.TaskStatusRunning {
		m.mu.Unlock()
		if !ok {
			if _, err := m.store.GetTask(ctx, taskID); err != nil {
				return false, err
			}
		}
		return false, ErrNotRunning
	}
	awaiting := rt.awaiting
	m.mu.Unlock()

	if !awaiting {
		return false, nil
	}

	select {
	case rt.answerCh <- text:
		return true, nil
	default:
		// An answer is already queued
		return false, nil
	}
}

// Subscribe attaches to a task's event stream. The returned channel first
// replays all buffered events, then carries live events until a terminal
// event closes it. The returned func detaches the subscriber.
//
// Registration and buffer replay happen under one lock, so no event can
// fall between the replayed history and the live stream.
func (m *Manager) Subscribe(ctx context.Context, taskID string) (<-chan engine.Event, func(), error) {
	m.mu.Lock()
	rt, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		if _, err := m.store.GetTask(ctx, taskID); err != nil {
			return nil, nil, err
		}
		return nil, nil, ErrStreamExpired
	}

	if rt.done {
		// Finished but still retained: replay and close
		events := make(chan engine.Event, len(rt.buffer))
		for _, ev := range rt.buffer {
			events <- ev
		}
		close(events)
		m.mu.Unlock()
		return events, func() {}, nil
	}

	sub := &subscriber{
		// Headroom beyond the buffer so a live burst does not drop
		events: make(chan engine.Event, m.bufferSize*2),
	}
	for _, ev := range rt.buffer {
		sub.events <- ev
	}
	rt.subscribers[sub] = struct{}{}
	m.mu.Unlock()

	detach := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, still := rt.subscribers[sub]; still {
			delete(rt.subscribers, sub)
			close(sub.events)
		}
	}
	return sub.events, detach, nil
}

// SubscriberCount returns the number of attached subscribers, 0 for
// unknown tasks
func (m *Manager) SubscriberCount(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.tasks[taskID]
	if !ok {
		return 0
	}
	return len(rt.subscribers)
}

// Shutdown cancels all running tasks
func (m *Manager) Shutdown() {
	m.mu.Lock()
	rts := make([]*runningTask, 0, len(m.tasks))
	for _, rt := range m.tasks {
		rts = append(rts, rt)
	}
	m.mu.Unlock()

	for _, rt := range rts {
		rt.cancel()
	}
}

// run drives a task to completion. A question from the engine pauses the
// loop until an answer arrives, then re-invokes the engine on the same
// session. This is a loop rather than recursion so arbitrarily long
// question chains hold constant stack.
func (m *Manager) run(ctx context.Context, rt *runningTask, req CreateRequest) {
	m.setStatus(ctx, rt, store.TaskStatusRunning, "")

	prompt := req.Prompt
	for {
		events, err := m.runner.RunConversation(ctx, engine.RunRequest{
			SessionID: rt.sessionID,
			AgentID:   req.AgentID,
			Prompt:    prompt,
			Model:     req.Model,
			WorkDir:   req.WorkDir,
		})
		if err != nil {
			m.finish(ctx, rt, store.TaskStatusFailed, err.Error())
			return
		}

		var question string
		var turnErr string
		awaiting := false
		for ev := range events {
			if ev.Type == engine.EventSessionStart && ev.SessionID != "" {
				m.setSession(ctx, rt, ev.SessionID)
			}

			switch ev.Type {
			case engine.EventAskUserQuestion:
				awaiting = true
				question = ev.Question
				m.setAwaiting(rt, true)
			case engine.EventError:
				turnErr = ev.Text
			}

			// Terminal engine events are withheld while a question is
			// pending; the task itself is not done yet
			if awaiting && ev.Type == engine.EventResult {
				continue
			}
			m.broadcast(rt, ev, false)
		}

		if turnErr != "" {
			m.finish(ctx, rt, store.TaskStatusFailed, turnErr)
			return
		}
		if ctx.Err() != nil {
			m.finish(ctx, rt, store.TaskStatusCancelled, "")
			return
		}
		if !awaiting {
			m.finish(ctx, rt, store.TaskStatusCompleted, "")
			return
		}

		m.logger.Debug("task waiting for answer", "task_id", rt.id, "question", truncate(question, 120))
		select {
		case answer := <-rt.answerCh:
			m.setAwaiting(rt, false)
			prompt = answer
		case <-ctx.Done():
			m.setAwaiting(rt, false)
			m.finish(ctx, rt, store.TaskStatusCancelled, "")
			return
		}
	}
}

// broadcast appends an event to the buffer, evicting the oldest entry
// past the cap, and fans it out to subscribers. terminal closes all
// subscriber channels after delivery.
func (m *Manager) broadcast(rt *runningTask, ev engine.Event, terminal bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rt.buffer = append(rt.buffer, ev)
	if len(rt.buffer) > m.bufferSize {
		rt.buffer = rt.buffer[len(rt.buffer)-m.bufferSize:]
	}

	for sub := range rt.subscribers {
		select {
		case sub.events <- ev:
		default:
			m.logger.Warn("dropping event for slow subscriber", "task_id", rt.id)
		}
	}

	if terminal {
		rt.done = true
		for sub := range rt.subscribers {
			close(sub.events)
		}
		rt.subscribers = make(map[*subscriber]struct{})
		m.scheduleCleanupLocked(rt)
	}
}

// scheduleCleanupLocked arms the retention timer. When it fires with
// subscribers still attached it re-arms, so the buffer outlives any
// active reader. Caller must hold m.mu.
func (m *Manager) scheduleCleanupLocked(rt *runningTask) {
	rt.cleanup = time.AfterFunc(m.retention, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if len(rt.subscribers) > 0 {
			m.scheduleCleanupLocked(rt)
			return
		}
		delete(m.tasks, rt.id)
		m.logger.Debug("task buffer released", "task_id", rt.id)
	})
}

func (m *Manager) setAwaiting(rt *runningTask, awaiting bool) {
	m.mu.Lock()
	rt.awaiting = awaiting
	m.mu.Unlock()
}

func (m *Manager) setSession(ctx context.Context, rt *runningTask, sessionID string) {
	m.mu.Lock()
	changed := rt.sessionID != sessionID
	rt.sessionID = sessionID
	m.mu.Unlock()
	if !changed {
		return
	}

	task, err := m.store.GetTask(ctx, rt.id)
	if err != nil {
		return
	}
	task.SessionID = sessionID
	if err := m.store.UpdateTask(ctx, task); err != nil {
		m.logger.Warn("recording task session id", "task_id", rt.id, "error", err)
	}
}

// setStatus moves the task to a non-terminal status and announces it
func (m *Manager) setStatus(ctx context.Context, rt *runningTask, status store.TaskStatus, errMsg string) {
	m.mu.Lock()
	rt.status = status
	m.mu.Unlock()

	m.persistStatus(ctx, rt.id, status, errMsg)
	m.broadcast(rt, engine.Event{Type: engine.EventStatus, Text: string(status)}, false)
}

// finish moves the task to a terminal status, announces it, and starts
// the retention clock
func (m *Manager) finish(ctx context.Context, rt *runningTask, status store.TaskStatus, errMsg string) {
	m.mu.Lock()
	rt.status = status
	m.mu.Unlock()

	m.persistStatus(ctx, rt.id, status, errMsg)
	m.broadcast(rt, engine.Event{Type: engine.EventStatus, Text: string(status), IsError: status == store.TaskStatusFailed}, true)
	m.logger.Info("task finished", "task_id", rt.id, "status", status)
}

func (m *Manager) persistStatus(ctx context.Context, taskID string, status store.TaskStatus, errMsg string) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		m.logger.Warn("loading task for status update", "task_id", taskID, "error", err)
		return
	}

	now := time.Now().UTC()
	task.Status = status
	task.Error = errMsg
	if status == store.TaskStatusRunning && task.StartedAt == nil {
		task.StartedAt = &now
	}
	if status.Terminal() && task.CompletedAt == nil {
		task.CompletedAt = &now
	}

	if err := m.store.UpdateTask(ctx, task); err != nil {
		m.logger.Warn("persisting task status", "task_id", taskID, "status", status, "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
