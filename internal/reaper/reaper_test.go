package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rileyseaburg/codetether/internal/eventbus"
	"github.com/rileyseaburg/codetether/internal/store"
	"github.com/rileyseaburg/codetether/internal/store/memory"
	"github.com/rileyseaburg/codetether/internal/taskcore"
)

type recordingNotifier struct {
	pending []string
}

func (n *recordingNotifier) NotifyPending(taskID string) {
	n.pending = append(n.pending, taskID)
}

func newTask(t *testing.T, st store.Store) *taskcore.Task {
	t.Helper()
	task, err := st.CreateTask(context.Background(), &taskcore.Task{
		CodebaseID: "repo-a", Title: "t", Description: "a description long enough",
		AgentType: taskcore.AgentBuild,
	}, "")
	require.NoError(t, err)
	return task
}

func TestSweep_RequeuesExpiredClaim(t *testing.T) {
	st := memory.New()
	bus := eventbus.New(0)
	notifier := &recordingNotifier{}
	r := New(st, bus, notifier, time.Second, 3, time.Minute, 0)
	ctx := context.Background()

	task := newTask(t, st)
	_, _, err := st.ClaimTask(ctx, task.ID, "worker-1", time.Now().UTC().Add(-time.Second))
	require.NoError(t, err)

	r.Sweep(ctx)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, taskcore.TaskPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Empty(t, got.WorkerID)
	assert.Empty(t, got.ClaimToken)
	assert.Equal(t, []string{task.ID}, notifier.pending)
}

func TestSweep_FailsTaskAfterMaxAttempts(t *testing.T) {
	st := memory.New()
	bus := eventbus.New(0)
	r := New(st, bus, &recordingNotifier{}, time.Second, 3, time.Minute, 0)
	ctx := context.Background()

	task := newTask(t, st)
	for i := 0; i < 3; i++ {
		_, _, err := st.ClaimTask(ctx, task.ID, "worker-1", time.Now().UTC().Add(-time.Second))
		require.NoError(t, err)
		r.Sweep(ctx)
	}

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, taskcore.TaskFailed, got.Status)
	assert.Contains(t, got.Error, "worker_lost")
	assert.Equal(t, 3, got.Attempts)
	assert.False(t, got.CompletedAt.IsZero())
}

func TestSweep_PublishesRequeueEvent(t *testing.T) {
	st := memory.New()
	bus := eventbus.New(0)
	r := New(st, bus, &recordingNotifier{}, time.Second, 3, time.Minute, 0)
	ctx := context.Background()

	task := newTask(t, st)
	_, _, err := st.ClaimTask(ctx, task.ID, "worker-1", time.Now().UTC().Add(-time.Second))
	require.NoError(t, err)

	sub := bus.Subscribe(ctx, eventbus.CodebaseTopic("repo-a"))
	r.Sweep(ctx)

	select {
	case ev := <-sub.C:
		assert.Equal(t, "task.status", ev.Kind)
		assert.Contains(t, string(ev.Payload), `"status":"pending"`)
	case <-time.After(time.Second):
		t.Fatal("requeue event not published")
	}
}

func TestSweep_ExpiresClaimsOfStaleWorkers(t *testing.T) {
	st := memory.New()
	bus := eventbus.New(0)
	r := New(st, bus, &recordingNotifier{}, time.Second, 3, time.Minute, 0)
	ctx := context.Background()

	// Register a worker, claim with a deadline far in the future, then let
	// the worker's last heartbeat fall outside the liveness window. The
	// sweep must force the claim's deadline and re-queue in the same pass.
	_, err := st.UpsertWorker(ctx, &taskcore.Worker{
		ID:        "worker-1",
		Codebases: map[string]struct{}{"repo-a": {}},
	})
	require.NoError(t, err)

	task := newTask(t, st)
	_, _, err = st.ClaimTask(ctx, task.ID, "worker-1", time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, st.TouchWorker(ctx, "worker-1", time.Now().UTC().Add(-2*time.Minute)))

	r.Sweep(ctx)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, taskcore.TaskPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestSweep_PrunesIdempotencyRecords(t *testing.T) {
	st := memory.New()
	bus := eventbus.New(0)
	r := New(st, bus, &recordingNotifier{}, time.Second, 3, time.Minute, time.Nanosecond)
	ctx := context.Background()

	first, err := st.CreateTask(ctx, &taskcore.Task{
		CodebaseID: "repo-a", Title: "t", Description: "a description long enough",
		AgentType: taskcore.AgentBuild, IdempotencyKey: "k1",
	}, "principal-1")
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	r.Sweep(ctx)

	// The record is gone, so the same key creates a fresh task.
	second, err := st.CreateTask(ctx, &taskcore.Task{
		CodebaseID: "repo-a", Title: "t", Description: "a description long enough",
		AgentType: taskcore.AgentBuild, IdempotencyKey: "k1",
	}, "principal-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}
