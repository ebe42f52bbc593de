package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rileyseaburg/codetether/internal/authn"
	"github.com/rileyseaburg/codetether/internal/lifecycle"
	"github.com/rileyseaburg/codetether/internal/store"
	"github.com/rileyseaburg/codetether/internal/taskcore"
)

type submitBody struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	CodebaseID  string         `json:"codebase_id"`
	AgentType   string         `json:"agent_type"`
	Model       string         `json:"model"`
	Priority    int            `json:"priority"`
	Metadata    map[string]any `json:"metadata"`
	NotifyEmail string         `json:"notify_email"`
	WebhookURL  string         `json:"webhook_url"`
}

type submitResponse struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, "tasks.submit", ""); err != nil {
		writeError(w, r, err)
		return
	}
	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, taskcore.Invalid("decode request body: %v", err))
		return
	}

	principal := authn.FromContext(r.Context())
	task, created, err := s.lifecycle.Submit(r.Context(), principal.ID, lifecycle.SubmitRequest{
		Title:          body.Title,
		Description:    body.Description,
		CodebaseID:     body.CodebaseID,
		AgentType:      body.AgentType,
		Model:          body.Model,
		Priority:       body.Priority,
		Metadata:       body.Metadata,
		NotifyEmail:    body.NotifyEmail,
		WebhookURL:     body.WebhookURL,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, submitResponse{
		TaskID:    task.ID,
		Status:    string(task.Status),
		CreatedAt: rfc3339(task.CreatedAt),
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("task_id")
	if err := s.authorize(r, "tasks.read", id); err != nil {
		writeError(w, r, err)
		return
	}
	task, err := s.lifecycle.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskToBody(task))
}

type listResponse struct {
	Tasks      []taskBody `json:"tasks"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, "tasks.list", ""); err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	filter := store.Filter{
		Status:     taskcore.TaskStatus(q.Get("status")),
		CodebaseID: q.Get("codebase_id"),
		Cursor:     q.Get("cursor"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 500 {
			writeError(w, r, taskcore.Invalid("limit must be an integer between 1 and 500"))
			return
		}
		filter.Limit = limit
	}

	page, err := s.lifecycle.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := listResponse{Tasks: make([]taskBody, 0, len(page.Tasks)), NextCursor: page.NextCursor}
	for _, t := range page.Tasks {
		resp.Tasks = append(resp.Tasks, taskToBody(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("task_id")
	if err := s.authorize(r, "tasks.cancel", id); err != nil {
		writeError(w, r, err)
		return
	}
	task, err := s.lifecycle.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskToBody(task))
}
