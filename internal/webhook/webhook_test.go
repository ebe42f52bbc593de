package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rileyseaburg/codetether/internal/taskcore"
)

func terminalTask(url string) *taskcore.Task {
	return &taskcore.Task{
		ID:         "task_1",
		CodebaseID: "c1",
		Status:     taskcore.TaskCompleted,
		Result:     "ok",
		WebhookURL: url,
		UpdatedAt:  time.Now().UTC(),
	}
}

func TestSchedule_DeliversTerminalEvent(t *testing.T) {
	received := make(chan Payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		received <- p
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(0, nil)
	require.NoError(t, d.Schedule(context.Background(), terminalTask(srv.URL)))
	d.deliverDue(context.Background())

	select {
	case p := <-received:
		assert.Equal(t, "task_1", p.TaskID)
		assert.Equal(t, "completed", p.Status)
		assert.Equal(t, "ok", p.Result)
	case <-time.After(time.Second):
		t.Fatal("webhook not delivered")
	}
}

func TestSchedule_NoURLIsNoOp(t *testing.T) {
	d := New(0, nil)
	task := terminalTask("")
	require.NoError(t, d.Schedule(context.Background(), task))
	assert.Empty(t, d.pending)
}

func TestDeliver_RetriesWithBackoffOnFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := New(0, nil)
	require.NoError(t, d.Schedule(context.Background(), terminalTask(srv.URL)))
	d.deliverDue(context.Background())

	require.EqualValues(t, 1, calls.Load())
	d.mu.Lock()
	var delivery *taskcore.WebhookDelivery
	for _, dl := range d.pending {
		delivery = dl
	}
	d.mu.Unlock()
	require.NotNil(t, delivery)
	assert.False(t, delivery.Delivered)
	assert.False(t, delivery.GaveUp)
	assert.Equal(t, 1, delivery.Attempts)
	assert.True(t, delivery.NextAttempt.After(time.Now().UTC()), "next attempt scheduled in the future")

	// Not due yet: a second pass does not re-attempt.
	d.deliverDue(context.Background())
	assert.EqualValues(t, 1, calls.Load())
}

func TestDeliver_GivesUpPastMaxAge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := New(time.Millisecond, nil)
	require.NoError(t, d.Schedule(context.Background(), terminalTask(srv.URL)))

	// Drive attempts until the floor is met and the age ceiling passed.
	deadline := time.Now().Add(5 * time.Second)
	now := time.Now().UTC()
	for time.Now().Before(deadline) {
		// Advance a simulated clock past the 5m backoff ceiling so every
		// scheduled retry is due on the next pass.
		now = now.Add(time.Hour)
		for _, dl := range d.collectDuePending(now) {
			d.attempt(context.Background(), dl, now)
		}
		d.mu.Lock()
		gaveUp := false
		for _, dl := range d.pending {
			gaveUp = dl.GaveUp
		}
		d.mu.Unlock()
		if gaveUp {
			return
		}
	}
	t.Fatal("delivery never gave up")
}
