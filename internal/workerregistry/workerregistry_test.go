package workerregistry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rileyseaburg/codetether/internal/store/memory"
	"github.com/rileyseaburg/codetether/internal/taskcore"
)

func TestRegister_CreatesWorker(t *testing.T) {
	r := New(memory.New(), time.Minute)
	w, err := r.Register(context.Background(), &taskcore.Worker{
		ID:        "worker-1",
		Codebases: map[string]struct{}{"repo-a": {}},
	})
	require.NoError(t, err)
	assert.False(t, w.LastSeenAt.IsZero())
}

func TestEligible_RespectsLivenessAndCodebase(t *testing.T) {
	st := memory.New()
	r := New(st, 50*time.Millisecond)
	ctx := context.Background()

	_, err := r.Register(ctx, &taskcore.Worker{ID: "worker-1", Codebases: map[string]struct{}{"repo-a": {}}})
	require.NoError(t, err)

	task := &taskcore.Task{CodebaseID: "repo-a"}
	ids, err := r.Eligible(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, []string{"worker-1"}, ids)

	time.Sleep(100 * time.Millisecond)
	ids, err = r.Eligible(ctx, task)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestMarkDisconnected_ExcludesFromEligibility(t *testing.T) {
	st := memory.New()
	r := New(st, time.Minute)
	ctx := context.Background()

	_, err := r.Register(ctx, &taskcore.Worker{ID: "worker-1", Codebases: map[string]struct{}{"global": {}}})
	require.NoError(t, err)

	require.NoError(t, r.MarkDisconnected(ctx, "worker-1"))

	task := &taskcore.Task{CodebaseID: "repo-a"}
	ids, err := r.Eligible(ctx, task)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSetCodebases_UpdatesRouting(t *testing.T) {
	st := memory.New()
	r := New(st, time.Minute)
	ctx := context.Background()

	_, err := r.Register(ctx, &taskcore.Worker{ID: "worker-1", Codebases: map[string]struct{}{"repo-a": {}}})
	require.NoError(t, err)
	require.NoError(t, r.SetCodebases(ctx, "worker-1", map[string]struct{}{"repo-b": {}}))

	ids, err := r.Eligible(ctx, &taskcore.Task{CodebaseID: "repo-b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"worker-1"}, ids)

	ids, err = r.Eligible(ctx, &taskcore.Task{CodebaseID: "repo-a"})
	require.NoError(t, err)
	assert.Empty(t, ids)
}
