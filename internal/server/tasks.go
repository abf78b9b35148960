// ABOUTME: HTTP handlers for background tasks including the SSE stream.
// ABOUTME: Late subscribers receive buffered history before live events.

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/owork-gateway/internal/engine"
	"github.com/2389/owork-gateway/internal/store"
	"github.com/2389/owork-gateway/internal/task"
)

// TaskRequest is the JSON body for POST /api/tasks.
type TaskRequest struct {
	Prompt  string `json:"prompt"`
	Title   string `json:"title,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	Model   string `json:"model,omitempty"`
	WorkDir string `json:"work_dir,omitempty"`
}

// TaskResponse is the JSON representation of a task.
type TaskResponse struct {
	ID          string `json:"id"`
	AgentID     string `json:"agent_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	Status      string `json:"status"`
	Title       string `json:"title"`
	Model       string `json:"model,omitempty"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"created_at"`
	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// TaskMessageRequest is the JSON body for POST /api/tasks/{id}/message.
type TaskMessageRequest struct {
	Text string `json:"text"`
}

func (a *API) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Prompt == "" {
		a.sendJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	t, err := a.tasks.Create(r.Context(), task.CreateRequest{
		AgentID: req.AgentID,
		Prompt:  req.Prompt,
		Title:   req.Title,
		Model:   req.Model,
		WorkDir: req.WorkDir,
	})
	if err != nil {
		a.internalError(w, "creating task", err)
		return
	}
	a.writeJSON(w, http.StatusCreated, taskResponse(t))
}

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter := store.TaskFilter{
		Status:  r.URL.Query().Get("status"),
		AgentID: r.URL.Query().Get("agent_id"),
	}
	list, err := a.store.ListTasks(r.Context(), filter)
	if err != nil {
		a.internalError(w, "listing tasks", err)
		return
	}
	resp := make([]TaskResponse, 0, len(list))
	for _, t := range list {
		resp = append(resp, taskResponse(t))
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"tasks": resp})
}

func (a *API) handleRunningTaskCount(w http.ResponseWriter, r *http.Request) {
	count, err := a.store.CountTasksByStatus(r.Context(), store.TaskStatusRunning)
	if err != nil {
		a.internalError(w, "counting running tasks", err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, ok := a.loadTask(w, r)
	if !ok {
		return
	}
	a.writeJSON(w, http.StatusOK, taskResponse(t))
}

// handleDeleteTask removes a task, cancelling it first when still running
func (a *API) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	t, ok := a.loadTask(w, r)
	if !ok {
		return
	}
	if err := a.tasks.Delete(r.Context(), t.ID); err != nil {
		a.internalError(w, "deleting task", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if err := a.tasks.Cancel(r.Context(), taskID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			a.sendJSONError(w, http.StatusNotFound, "task not found")
		case errors.Is(err, task.ErrNotRunning):
			a.sendJSONError(w, http.StatusConflict, "task is not running")
		default:
			a.internalError(w, "cancelling task", err)
		}
		return
	}
	t, err := a.store.GetTask(r.Context(), taskID)
	if err != nil {
		a.internalError(w, "loading cancelled task", err)
		return
	}
	a.writeJSON(w, http.StatusOK, taskResponse(t))
}

// handleTaskMessage feeds an answer to a task paused on a question. The
// delivered flag tells the caller whether the task consumed it.
func (a *API) handleTaskMessage(w http.ResponseWriter, r *http.Request) {
	var req TaskMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Text == "" {
		a.sendJSONError(w, http.StatusBadRequest, "text is required")
		return
	}

	delivered, err := a.tasks.SendMessage(r.Context(), r.PathValue("id"), req.Text)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			a.sendJSONError(w, http.StatusNotFound, "task not found")
		case errors.Is(err, task.ErrNotRunning):
			a.sendJSONError(w, http.StatusConflict, "task is not running")
		default:
			a.internalError(w, "sending task message", err)
		}
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]bool{"delivered": delivered})
}

// handleTaskStream serves GET /api/tasks/{id}/stream as Server-Sent
// Events. Buffered history arrives first, then live events until the
// task reaches a terminal status or the client disconnects.
func (a *API) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, detach, err := a.tasks.Subscribe(r.Context(), r.PathValue("id"))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			a.sendJSONError(w, http.StatusNotFound, "task not found")
		case errors.Is(err, task.ErrStreamExpired):
			a.sendJSONError(w, http.StatusGone, "task event stream expired")
		default:
			a.internalError(w, "subscribing to task", err)
		}
		return
	}
	defer detach()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Heartbeat comments keep idle proxies from dropping the stream
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.writeSSEEvent(w, ev)
			flusher.Flush()
		}
	}
}

func (a *API) writeSSEEvent(w http.ResponseWriter, ev engine.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		a.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", ev.Type)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func taskResponse(t *store.Task) TaskResponse {
	resp := TaskResponse{
		ID:        t.ID,
		AgentID:   t.AgentID,
		SessionID: t.SessionID,
		Status:    string(t.Status),
		Title:     t.Title,
		Model:     t.Model,
		Error:     t.Error,
		CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339),
	}
	if t.StartedAt != nil {
		resp.StartedAt = t.StartedAt.UTC().Format(time.RFC3339)
	}
	if t.CompletedAt != nil {
		resp.CompletedAt = t.CompletedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func (a *API) loadTask(w http.ResponseWriter, r *http.Request) (*store.Task, bool) {
	t, err := a.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.sendJSONError(w, http.StatusNotFound, "task not found")
			return nil, false
		}
		a.internalError(w, "loading task", err)
		return nil, false
	}
	return t, true
}
