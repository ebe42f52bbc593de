package sqlstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rileyseaburg/codetether/internal/store"
	"github.com/rileyseaburg/codetether/internal/taskcore"
)

// startPostgres launches a throwaway Postgres container and returns a
// migrated Store. Skipped when Docker is unavailable.
func startPostgres(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "taskhub",
				"POSTGRES_PASSWORD": "taskhub",
				"POSTGRES_DB":       "taskhub",
			},
			WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://taskhub:taskhub@%s:%s/taskhub?sslmode=disable", host, port.Port())

	// The port being open does not mean Postgres finished initializing;
	// retry briefly.
	deadline := time.Now().Add(30 * time.Second)
	for {
		if err = Migrate(dsn); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("migrate: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}

	pool, err := Open(ctx, dsn)
	require.NoError(t, err)
	st := New(pool)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func createTask(t *testing.T, st *Store) *taskcore.Task {
	t.Helper()
	task, err := st.CreateTask(context.Background(), &taskcore.Task{
		CodebaseID:  "repo-a",
		Title:       "t",
		Description: "a description long enough",
		AgentType:   taskcore.AgentBuild,
		Priority:    5,
	}, "")
	require.NoError(t, err)
	return task
}

func TestSQLStore_ClaimIsExclusiveUnderConcurrency(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()
	task := createTask(t, st)

	const claimants = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var successes, conflicts int
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _, err := st.ClaimTask(ctx, task.ID, fmt.Sprintf("worker-%d", n), time.Now().UTC().Add(time.Minute))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case taskcore.KindOf(err) == taskcore.KindConflict:
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes, "exactly one claimant wins")
	assert.Equal(t, claimants-1, conflicts)
}

func TestSQLStore_ReleaseAndOutbox(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()
	task := createTask(t, st)

	token, claimed, err := st.ClaimTask(ctx, task.ID, "worker-1", time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, taskcore.TaskClaimed, claimed.Status)

	released, err := st.Release(ctx, task.ID, "worker-1", token, store.ReleaseOutcome{
		Status: taskcore.TaskCompleted, Result: "ok",
	})
	require.NoError(t, err)
	assert.Equal(t, taskcore.TaskCompleted, released.Status)
	assert.Equal(t, "ok", released.Result)
	assert.False(t, released.CompletedAt.IsZero())

	// Stale token after release.
	_, err = st.Release(ctx, task.ID, "worker-1", token, store.ReleaseOutcome{Status: taskcore.TaskFailed})
	assert.Equal(t, taskcore.ReasonAlreadyTerminal, taskcore.ReasonOf(err))

	// Each mutation wrote outbox rows for both topics.
	events, err := st.ListUndeliveredOutbox(ctx, 100)
	require.NoError(t, err)
	var kinds []string
	for _, ev := range events {
		if ev.Topic == "task:"+task.ID {
			kinds = append(kinds, ev.Kind)
			assert.Equal(t, st.Origin(), ev.Origin)
		}
	}
	assert.Equal(t, []string{"task.created", "task.claimed", "task.completed"}, kinds)

	ids := make([]int64, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	require.NoError(t, st.MarkOutboxDelivered(ctx, ids, time.Now().UTC()))
	remaining, err := st.ListUndeliveredOutbox(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestSQLStore_IdempotentCreate(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()

	mk := func() (*taskcore.Task, error) {
		return st.CreateTask(ctx, &taskcore.Task{
			CodebaseID:     "repo-a",
			Title:          "t",
			Description:    "a description long enough",
			AgentType:      taskcore.AgentBuild,
			IdempotencyKey: "K",
		}, "alice")
	}
	first, err := mk()
	require.NoError(t, err)
	second, err := mk()
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	pruned, err := st.PruneIdempotencyRecords(ctx, time.Now().UTC().Add(48*time.Hour), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
}

func TestSQLStore_ReapExpired(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()
	task := createTask(t, st)

	_, _, err := st.ClaimTask(ctx, task.ID, "worker-1", time.Now().UTC().Add(-time.Second))
	require.NoError(t, err)

	reclaimed, err := st.ReapExpired(ctx, time.Now().UTC(), 3)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, taskcore.TaskPending, reclaimed[0].NewStatus)
	assert.Equal(t, "worker-1", reclaimed[0].PriorWorker)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, taskcore.TaskPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Empty(t, got.WorkerID)
}

func TestSQLStore_WebhookDeliveryRoundTrip(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	delivery := &taskcore.WebhookDelivery{
		ID:          "whd_test",
		TaskID:      "task_x",
		URL:         "https://example.com/hook",
		Payload:     []byte(`{"status":"completed"}`),
		NextAttempt: now,
		CreatedAt:   now,
	}
	require.NoError(t, st.SaveWebhookDelivery(ctx, delivery))

	due, err := st.ListDueWebhookDeliveries(ctx, now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "whd_test", due[0].ID)

	due[0].Delivered = true
	due[0].Attempts = 1
	require.NoError(t, st.UpdateWebhookDelivery(ctx, due[0]))

	due, err = st.ListDueWebhookDeliveries(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, due)
}
