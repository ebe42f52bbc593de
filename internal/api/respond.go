package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/rileyseaburg/codetether/internal/taskcore"
	"github.com/rileyseaburg/codetether/internal/util/timefmt"
)

// errorBody is the JSON error shape returned on every non-2xx response
// that carries a body.
type errorBody struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("encode response failed", "error", err)
	}
}

// statusOf maps an error kind to an HTTP status code.
func statusOf(err error) int {
	switch taskcore.KindOf(err) {
	case taskcore.KindInvalidArgument:
		return http.StatusBadRequest
	case taskcore.KindNotFound:
		return http.StatusNotFound
	case taskcore.KindConflict:
		return http.StatusConflict
	case taskcore.KindUnauthenticated:
		return http.StatusUnauthorized
	case taskcore.KindForbidden:
		return http.StatusForbidden
	case taskcore.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		slog.Error("internal error", "method", r.Method, "path", r.URL.Path, "request_id", requestID(r.Context()), "error", err)
		writeJSON(w, status, errorBody{Error: "internal error", Kind: string(taskcore.KindInternal)})
		return
	}
	writeJSON(w, status, errorBody{
		Error:  err.Error(),
		Kind:   string(taskcore.KindOf(err)),
		Reason: taskcore.ReasonOf(err),
	})
}

// taskBody is the wire representation of a task.
type taskBody struct {
	ID            string         `json:"id"`
	CodebaseID    string         `json:"codebase_id"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	AgentType     string         `json:"agent_type"`
	Model         string         `json:"model,omitempty"`
	Priority      int            `json:"priority"`
	Status        string         `json:"status"`
	WorkerID      string         `json:"worker_id,omitempty"`
	ClaimDeadline string         `json:"claim_deadline,omitempty"`
	Attempts      int            `json:"attempts"`
	Result        string         `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	NotifyEmail   string         `json:"notify_email,omitempty"`
	WebhookURL    string         `json:"webhook_url,omitempty"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
	CompletedAt   string         `json:"completed_at,omitempty"`
}

func taskToBody(t *taskcore.Task) taskBody {
	b := taskBody{
		ID:          t.ID,
		CodebaseID:  t.CodebaseID,
		Title:       t.Title,
		Description: t.Description,
		AgentType:   string(t.AgentType),
		Model:       t.Model,
		Priority:    t.Priority,
		Status:      string(t.Status),
		WorkerID:    t.WorkerID,
		Attempts:    t.Attempts,
		Result:      t.Result,
		Error:       t.Error,
		Metadata:    t.Metadata,
		NotifyEmail: t.NotifyEmail,
		WebhookURL:  t.WebhookURL,
		CreatedAt:   timefmt.Format(t.CreatedAt),
		UpdatedAt:   timefmt.Format(t.UpdatedAt),
	}
	if !t.ClaimDeadline.IsZero() {
		b.ClaimDeadline = timefmt.Format(t.ClaimDeadline)
	}
	if !t.CompletedAt.IsZero() {
		b.CompletedAt = timefmt.Format(t.CompletedAt)
	}
	return b
}

func rfc3339(t time.Time) string { return t.UTC().Format(time.RFC3339) }
