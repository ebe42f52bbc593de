package api

import (
	"net/http"
	"time"

	"github.com/rileyseaburg/codetether/internal/eventbus"
)

// keepAliveInterval matches the worker stream's keep-alive cadence.
const keepAliveInterval = 15 * time.Second

func (s *Server) handleCodebaseEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("codebase_id")
	if err := s.authorize(r, "events.subscribe", id); err != nil {
		writeError(w, r, err)
		return
	}
	s.streamTopic(w, r, eventbus.CodebaseTopic(id))
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("task_id")
	if err := s.authorize(r, "events.subscribe", id); err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	s.streamTopic(w, r, eventbus.TaskTopic(id))
}

// streamTopic frames a bus subscription as SSE until the client
// disconnects or the server shuts down. Slow-consumer loss is surfaced as
// a dropped event carrying the count lost since the last delivery.
func (s *Server) streamTopic(w http.ResponseWriter, r *http.Request, topic string) {
	sub := s.bus.SubscribeFrom(r.Context(), topic, r.Header.Get("Last-Event-ID"))
	defer sub.Cancel()

	sse := newSSEWriter(w)
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	var reported int64
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.shutdownCh:
			sse.writeEnd("server shutting down")
			return
		case <-ticker.C:
			if sse.writeComment("keep-alive") != nil {
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if dropped := sub.Dropped(); dropped > reported {
				if sse.writeEvent("", "dropped", droppedEvent(dropped-reported)) != nil {
					return
				}
				reported = dropped
			}
			data, err := envelope(ev)
			if err != nil {
				continue
			}
			if sse.writeEvent(ev.ID, ev.Kind, data) != nil {
				return
			}
		}
	}
}
