package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rileyseaburg/codetether/internal/eventbus"
	"github.com/rileyseaburg/codetether/internal/taskcore"
)

// sseWriter frames server-sent events onto an http.ResponseWriter,
// flushing after every write so clients see events immediately.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	s := &sseWriter{w: w, rc: http.NewResponseController(w)}
	s.flush()
	return s
}

func (s *sseWriter) flush() {
	_ = s.rc.Flush()
}

// writeEvent writes one framed event. An empty id omits the id line.
func (s *sseWriter) writeEvent(id, event string, data []byte) error {
	if id != "" {
		if _, err := fmt.Fprintf(s.w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flush()
	return nil
}

// writeComment writes a comment line, used for keep-alives.
func (s *sseWriter) writeComment(c string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", c); err != nil {
		return err
	}
	s.flush()
	return nil
}

// writeEnd writes the final event of a gracefully-closed stream. Clients
// treat a socket close without it as reconnectable.
func (s *sseWriter) writeEnd(reason string) {
	_ = s.writeEvent("", "end", []byte(fmt.Sprintf(`{"kind":"end","reason":%q}`, reason)))
}

// eventEnvelope is the wire shape of a task/codebase event.
type eventEnvelope struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	TaskID     string `json:"task_id"`
	CodebaseID string `json:"codebase_id"`
	At         string `json:"at"`
	Status     string `json:"status,omitempty"`
	Delta      string `json:"delta,omitempty"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

// envelope wraps a bus event's payload with its per-topic id, kind, and
// timestamp.
func envelope(ev eventbus.Event) ([]byte, error) {
	var payload taskcore.TaskEvent
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
	}
	return json.Marshal(eventEnvelope{
		ID:         ev.ID,
		Kind:       ev.Kind,
		TaskID:     payload.TaskID,
		CodebaseID: payload.CodebaseID,
		At:         rfc3339(ev.CreatedAt),
		Status:     payload.Status,
		Delta:      payload.Delta,
		Result:     payload.Result,
		Error:      payload.Error,
	})
}

// droppedEvent is sent when delivery resumes after slow-consumer loss, so
// the client knows to refetch state.
func droppedEvent(count int64) []byte {
	return []byte(fmt.Sprintf(`{"kind":"dropped","count":%d}`, count))
}
