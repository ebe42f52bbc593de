package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rileyseaburg/codetether/internal/metrics"
	"github.com/rileyseaburg/codetether/internal/scheduler"
	"github.com/rileyseaburg/codetether/internal/store"
	"github.com/rileyseaburg/codetether/internal/taskcore"
)

// handleWorkerStream serves the per-worker SSE task stream. The worker
// declares its identity and capabilities in headers; offered tasks arrive
// as task.created events carrying the full task body.
func (s *Server) handleWorkerStream(w http.ResponseWriter, r *http.Request) {
	worker, err := workerID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.authorize(r, "worker.stream", worker); err != nil {
		writeError(w, r, err)
		return
	}
	codebases := splitHeader(r.Header.Get("X-Codebases"))
	if len(codebases) == 0 {
		writeError(w, r, taskcore.Invalid("X-Codebases header is required"))
		return
	}
	models := splitHeader(r.Header.Get("X-Models"))
	name := r.Header.Get("X-Agent-Name")

	stream, err := s.scheduler.TaskStream(r.Context(), worker, name, codebases, models)
	if err != nil {
		writeError(w, r, err)
		return
	}

	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()

	sse := newSSEWriter(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.shutdownCh:
			sse.writeEnd("server shutting down")
			return
		case ev, ok := <-stream:
			if !ok {
				return
			}
			switch ev.Kind {
			case scheduler.StreamEventKeepAlive:
				if sse.writeComment("keep-alive") != nil {
					return
				}
			case scheduler.StreamEventTask:
				data, err := json.Marshal(taskToBody(ev.Task))
				if err != nil {
					continue
				}
				if sse.writeEvent("", "task.created", data) != nil {
					return
				}
			}
		}
	}
}

func splitHeader(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

type claimBody struct {
	TaskID string `json:"task_id"`
}

type claimResponse struct {
	ClaimToken    string `json:"claim_token"`
	ClaimDeadline string `json:"claim_deadline"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	worker, err := workerID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.authorize(r, "worker.claim", worker); err != nil {
		writeError(w, r, err)
		return
	}
	s.touchWorker(r, worker)

	var body claimBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TaskID == "" {
		writeError(w, r, taskcore.Invalid("task_id is required"))
		return
	}

	token, task, err := s.scheduler.Claim(r.Context(), worker, body.TaskID)
	if err != nil {
		// Losing the claim race is expected; a bare 409 tells the worker to
		// silently move on.
		if taskcore.KindOf(err) == taskcore.KindConflict {
			w.WriteHeader(http.StatusConflict)
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claimResponse{
		ClaimToken:    token,
		ClaimDeadline: rfc3339(task.ClaimDeadline),
	})
}

type releaseBody struct {
	TaskID     string `json:"task_id"`
	ClaimToken string `json:"claim_token"`
	Status     string `json:"status"`
	Result     string `json:"result"`
	Error      string `json:"error"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	worker, err := workerID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.authorize(r, "worker.release", worker); err != nil {
		writeError(w, r, err)
		return
	}
	s.touchWorker(r, worker)

	var body releaseBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, taskcore.Invalid("decode request body: %v", err))
		return
	}
	status := taskcore.TaskStatus(body.Status)
	switch status {
	case taskcore.TaskCompleted, taskcore.TaskFailed, taskcore.TaskCancelled:
	default:
		writeError(w, r, taskcore.Invalid("status must be completed, failed, or cancelled"))
		return
	}
	if status == taskcore.TaskFailed && body.Error == "" {
		body.Error = "worker reported failure"
	}

	task, err := s.scheduler.Release(r.Context(), worker, body.TaskID, body.ClaimToken, store.ReleaseOutcome{
		Status: status,
		Result: body.Result,
		Error:  body.Error,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskToBody(task))
}

type statusBody struct {
	Status     string         `json:"status"`
	ClaimToken string         `json:"claim_token"`
	Metadata   map[string]any `json:"metadata"`
}

func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	worker, err := workerID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	taskID := r.PathValue("task_id")
	if err := s.authorize(r, "worker.status", taskID); err != nil {
		writeError(w, r, err)
		return
	}
	s.touchWorker(r, worker)

	var body statusBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, taskcore.Invalid("decode request body: %v", err))
		return
	}
	task, err := s.scheduler.ReportStatus(r.Context(), worker, taskID, body.ClaimToken, taskcore.TaskStatus(body.Status))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskToBody(task))
}

type outputBody struct {
	Delta string `json:"delta"`
}

func (s *Server) handleWorkerOutput(w http.ResponseWriter, r *http.Request) {
	worker, err := workerID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	taskID := r.PathValue("task_id")
	if err := s.authorize(r, "worker.output", taskID); err != nil {
		writeError(w, r, err)
		return
	}
	s.touchWorker(r, worker)

	var body outputBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, taskcore.Invalid("decode request body: %v", err))
		return
	}
	if err := s.scheduler.PublishOutput(r.Context(), taskID, body.Delta); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type codebasesBody struct {
	Codebases []string `json:"codebases"`
}

func (s *Server) handleWorkerCodebases(w http.ResponseWriter, r *http.Request) {
	worker, err := workerID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.authorize(r, "worker.codebases", worker); err != nil {
		writeError(w, r, err)
		return
	}
	s.touchWorker(r, worker)

	var body codebasesBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, taskcore.Invalid("decode request body: %v", err))
		return
	}
	set := make(map[string]struct{}, len(body.Codebases))
	for _, c := range body.Codebases {
		set[c] = struct{}{}
	}
	if err := s.registry.SetCodebases(r.Context(), worker, set); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleWorkerDeregister gracefully drains a worker: it is excluded from
// eligibility immediately, and its last-seen time is backdated past the
// liveness window so the next reaper sweep re-queues its claims instead of
// waiting the window out.
func (s *Server) handleWorkerDeregister(w http.ResponseWriter, r *http.Request) {
	worker, err := workerID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.authorize(r, "worker.deregister", worker); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.registry.MarkDisconnected(r.Context(), worker); err != nil {
		writeError(w, r, err)
		return
	}
	backdated := time.Now().UTC().Add(-s.registry.LivenessWindow() - time.Second)
	if err := s.store.TouchWorker(r.Context(), worker, backdated); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
