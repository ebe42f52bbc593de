package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rileyseaburg/codetether/internal/authn"
	"github.com/rileyseaburg/codetether/internal/config"
	"github.com/rileyseaburg/codetether/internal/policy"
	"github.com/rileyseaburg/codetether/internal/store/memory"
	"github.com/rileyseaburg/codetether/internal/util/testutil"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.AutoRegisterCodebases = true

	verifier := &authn.StaticVerifier{Tokens: map[string]authn.Principal{
		"client-token": {ID: "alice", Scopes: []string{authn.ScopeTasksRead, authn.ScopeTasksWrite}},
		"other-token":  {ID: "bob", Scopes: []string{authn.ScopeTasksRead, authn.ScopeTasksWrite}},
		"worker-token": {ID: "worker-principal", Scopes: []string{authn.ScopeWorker}},
		"admin-token":  {ID: "root", Scopes: []string{authn.ScopeAdmin}},
	}}
	s := New(cfg, memory.New(), verifier, policy.AllowAll{}, "test")
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func doJSON(t *testing.T, method, url, token string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func submitTask(t *testing.T, ts *httptest.Server, codebase string, headers map[string]string) submitResponse {
	t.Helper()
	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/tasks", "client-token", submitBody{
		Title:       "t",
		Description: "hello world prompt",
		CodebaseID:  codebase,
		Priority:    5,
	}, headers)
	require.Contains(t, []int{http.StatusCreated, http.StatusOK}, resp.StatusCode)
	return decodeBody[submitResponse](t, resp)
}

// sseEvent is one parsed frame of an SSE stream.
type sseEvent struct {
	ID    string
	Event string
	Data  string
}

// sseReader incrementally parses an SSE response body.
type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(body io.Reader) *sseReader {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &sseReader{scanner: sc}
}

// next returns the next non-comment event, or false at stream end.
func (r *sseReader) next() (sseEvent, bool) {
	var ev sseEvent
	for r.scanner.Scan() {
		line := r.scanner.Text()
		switch {
		case line == "":
			if ev.Event != "" || ev.Data != "" {
				return ev, true
			}
		case strings.HasPrefix(line, ":"):
			ev = sseEvent{}
		case strings.HasPrefix(line, "id: "):
			ev.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			ev.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	return sseEvent{}, false
}

func openWorkerStream(t *testing.T, ts *httptest.Server, workerID string, codebases string) (*sseReader, func()) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/worker/tasks/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer worker-token")
	req.Header.Set("X-Worker-ID", workerID)
	req.Header.Set("X-Agent-Name", workerID)
	req.Header.Set("X-Codebases", codebases)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return newSSEReader(resp.Body), func() { resp.Body.Close() }
}

func workerHeaders(workerID string) map[string]string {
	return map[string]string{"X-Worker-ID": workerID}
}

func TestSubmitClaimReleaseRoundTrip(t *testing.T) {
	_, ts := newTestServer(t)

	created := submitTask(t, ts, "global", nil)
	assert.Equal(t, "pending", created.Status)

	stream, closeStream := openWorkerStream(t, ts, "worker-1", "global")
	defer closeStream()

	ev, ok := stream.next()
	require.True(t, ok)
	assert.Equal(t, "task.created", ev.Event)
	assert.Contains(t, ev.Data, created.TaskID)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/worker/tasks/claim", "worker-token",
		claimBody{TaskID: created.TaskID}, workerHeaders("worker-1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	claim := decodeBody[claimResponse](t, resp)
	require.NotEmpty(t, claim.ClaimToken)
	require.NotEmpty(t, claim.ClaimDeadline)

	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/worker/tasks/release", "worker-token", releaseBody{
		TaskID: created.TaskID, ClaimToken: claim.ClaimToken, Status: "completed", Result: "ok",
	}, workerHeaders("worker-1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/tasks/"+created.TaskID, "client-token", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[taskBody](t, resp)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, "ok", got.Result)
	assert.NotEmpty(t, got.CompletedAt)
}

func TestConcurrentClaim_ExactlyOneWins(t *testing.T) {
	_, ts := newTestServer(t)

	created := submitTask(t, ts, "c1", nil)

	results := make([]int, 2)
	var wg sync.WaitGroup
	for i, worker := range []string{"worker-a", "worker-b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/worker/tasks/claim",
				strings.NewReader(fmt.Sprintf(`{"task_id":%q}`, created.TaskID)))
			req.Header.Set("Authorization", "Bearer worker-token")
			req.Header.Set("X-Worker-ID", worker)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return
			}
			defer resp.Body.Close()
			results[i] = resp.StatusCode
		}()
	}
	wg.Wait()

	codes := []int{results[0], results[1]}
	assert.ElementsMatch(t, []int{http.StatusOK, http.StatusConflict}, codes)
}

func TestIdempotentSubmission(t *testing.T) {
	_, ts := newTestServer(t)

	headers := map[string]string{"Idempotency-Key": "K"}
	first := submitTask(t, ts, "c1", headers)

	// Different body, same key and principal: original task, no new one.
	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/tasks", "client-token", submitBody{
		Title: "different", Description: "another prompt entirely", CodebaseID: "c1",
	}, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decodeBody[submitResponse](t, resp)
	assert.Equal(t, first.TaskID, second.TaskID)

	list := decodeBody[listResponse](t, doJSON(t, http.MethodGet, ts.URL+"/v1/tasks", "client-token", nil, nil))
	assert.Len(t, list.Tasks, 1)
}

func TestIdempotencyKeyScopedPerPrincipal(t *testing.T) {
	_, ts := newTestServer(t)

	headers := map[string]string{"Idempotency-Key": "K"}
	first := submitTask(t, ts, "c1", headers)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/tasks", "other-token", submitBody{
		Title: "t", Description: "hello world prompt", CodebaseID: "c1",
	}, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	second := decodeBody[submitResponse](t, resp)
	assert.NotEqual(t, first.TaskID, second.TaskID, "same key under another principal creates a new task")
}

func TestCancelledTaskRejectsRelease(t *testing.T) {
	_, ts := newTestServer(t)

	created := submitTask(t, ts, "c1", nil)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/worker/tasks/claim", "worker-token",
		claimBody{TaskID: created.TaskID}, workerHeaders("worker-1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	claim := decodeBody[claimResponse](t, resp)

	resp = doJSON(t, http.MethodDelete, ts.URL+"/v1/tasks/"+created.TaskID, "client-token", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cancelled := decodeBody[taskBody](t, resp)
	assert.Equal(t, "cancelled", cancelled.Status)

	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/worker/tasks/release", "worker-token", releaseBody{
		TaskID: created.TaskID, ClaimToken: claim.ClaimToken, Status: "completed", Result: "late",
	}, workerHeaders("worker-1"))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	got := decodeBody[taskBody](t, doJSON(t, http.MethodGet, ts.URL+"/v1/tasks/"+created.TaskID, "client-token", nil, nil))
	assert.Equal(t, "cancelled", got.Status)
}

func TestEligibility_CodebaseFiltering(t *testing.T) {
	_, ts := newTestServer(t)

	created := submitTask(t, ts, "c1", nil)

	// Worker declaring only c2 never sees the c1 task.
	wrongStream, closeWrong := openWorkerStream(t, ts, "worker-c2", "c2")
	defer closeWrong()
	wrongEvents := make(chan sseEvent, 8)
	go func() {
		for {
			ev, ok := wrongStream.next()
			if !ok {
				return
			}
			wrongEvents <- ev
		}
	}()
	select {
	case ev := <-wrongEvents:
		t.Fatalf("ineligible worker received %v", ev)
	case <-time.After(300 * time.Millisecond):
	}

	// Worker declaring c1 receives it promptly.
	rightStream, closeRight := openWorkerStream(t, ts, "worker-c1", "c1")
	defer closeRight()
	ev, ok := rightStream.next()
	require.True(t, ok)
	assert.Equal(t, "task.created", ev.Event)
	assert.Contains(t, ev.Data, created.TaskID)
}

func TestCodebaseEvents_ObservesClaimAndTerminal(t *testing.T) {
	_, ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/codebases/c1/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer client-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := newSSEReader(resp.Body)

	created := submitTask(t, ts, "c1", nil)

	claimResp := doJSON(t, http.MethodPost, ts.URL+"/v1/worker/tasks/claim", "worker-token",
		claimBody{TaskID: created.TaskID}, workerHeaders("worker-1"))
	require.Equal(t, http.StatusOK, claimResp.StatusCode)
	claim := decodeBody[claimResponse](t, claimResp)

	releaseResp := doJSON(t, http.MethodPost, ts.URL+"/v1/worker/tasks/release", "worker-token", releaseBody{
		TaskID: created.TaskID, ClaimToken: claim.ClaimToken, Status: "completed", Result: "done",
	}, workerHeaders("worker-1"))
	require.Equal(t, http.StatusOK, releaseResp.StatusCode)
	releaseResp.Body.Close()

	var kinds []string
	for len(kinds) < 3 {
		ev, ok := events.next()
		require.True(t, ok, "stream ended early, saw %v", kinds)
		kinds = append(kinds, ev.Event)

		var envelope eventEnvelope
		require.NoError(t, json.Unmarshal([]byte(ev.Data), &envelope))
		assert.Equal(t, created.TaskID, envelope.TaskID)
		assert.Equal(t, "c1", envelope.CodebaseID)
		assert.NotEmpty(t, envelope.At)
	}
	assert.Equal(t, []string{"task.created", "task.claimed", "task.completed"}, kinds)
}

func TestWorkerOutput_FansOutToSubscribers(t *testing.T) {
	_, ts := newTestServer(t)

	created := submitTask(t, ts, "c1", nil)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/tasks/"+created.TaskID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer client-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	events := newSSEReader(resp.Body)

	outResp := doJSON(t, http.MethodPost, ts.URL+"/v1/worker/tasks/"+created.TaskID+"/output", "worker-token",
		outputBody{Delta: "compiling..."}, workerHeaders("worker-1"))
	require.Equal(t, http.StatusOK, outResp.StatusCode)
	outResp.Body.Close()

	ev, ok := events.next()
	require.True(t, ok)
	assert.Equal(t, "task.output", ev.Event)

	var envelope eventEnvelope
	require.NoError(t, json.Unmarshal([]byte(ev.Data), &envelope))
	assert.Equal(t, "compiling...", envelope.Delta)
}

func TestRunningStatusTransition(t *testing.T) {
	s, ts := newTestServer(t)

	created := submitTask(t, ts, "c1", nil)

	_, closeStream := openWorkerStream(t, ts, "worker-1", "c1")
	defer closeStream()

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/worker/tasks/claim", "worker-token",
		claimBody{TaskID: created.TaskID}, workerHeaders("worker-1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	claim := decodeBody[claimResponse](t, resp)

	resp = doJSON(t, http.MethodPut, ts.URL+"/v1/worker/tasks/"+created.TaskID+"/status", "worker-token",
		statusBody{Status: "running", ClaimToken: claim.ClaimToken}, workerHeaders("worker-1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[taskBody](t, resp)
	assert.Equal(t, "running", got.Status)

	// The heartbeat also refreshed the worker's liveness.
	testutil.AssertEventually(t, func() bool {
		worker, err := s.store.GetWorker(context.Background(), "worker-1")
		return err == nil && time.Since(worker.LastSeenAt) < time.Minute
	})
}

func TestAuthRequired(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/tasks")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAgentCardIsPublic(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/.well-known/agent-card.json")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	card := decodeBody[agentCard](t, resp)
	assert.Equal(t, "taskhub", card.Name)
	assert.True(t, card.Capabilities.Streaming)
	assert.NotEmpty(t, card.Skills)
}

func TestAdminLogLevelRequiresAdminScope(t *testing.T) {
	_, ts := newTestServer(t)

	resp := doJSON(t, http.MethodPut, ts.URL+"/v1/admin/log-level", "client-token",
		logLevelBody{Level: "debug"}, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doJSON(t, http.MethodPut, ts.URL+"/v1/admin/log-level", "admin-token",
		logLevelBody{Level: "debug"}, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubmitValidation(t *testing.T) {
	_, ts := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/tasks", "client-token", submitBody{
		Title: "t", Description: "short", CodebaseID: "c1",
	}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[errorBody](t, resp)
	assert.Equal(t, "invalid_argument", body.Kind)
}
