// Package workerregistry tracks worker liveness and capability, delegating
// all persistence to a store.Store. Workers pull work over SSE rather than
// holding a live bidirectional stream, so the registry is a
// liveness+capability record, not a connection table.
package workerregistry

import (
	"context"
	"fmt"
	"time"

	"github.com/rileyseaburg/codetether/internal/store"
	"github.com/rileyseaburg/codetether/internal/taskcore"
)

// DefaultLivenessWindow is the default liveness window.
const DefaultLivenessWindow = 60 * time.Second

// Registry is the liveness/capability tracking component.
type Registry struct {
	store          store.Store
	livenessWindow time.Duration
}

// New creates a Registry backed by st, with livenessWindow determining how
// long a worker is considered live after its last heartbeat. A zero window
// selects DefaultLivenessWindow.
func New(st store.Store, livenessWindow time.Duration) *Registry {
	if livenessWindow <= 0 {
		livenessWindow = DefaultLivenessWindow
	}
	return &Registry{store: st, livenessWindow: livenessWindow}
}

// Register creates or refreshes a worker's declared codebases and models,
// and stamps its last-seen time.
func (r *Registry) Register(ctx context.Context, worker *taskcore.Worker) (*taskcore.Worker, error) {
	worker.LastSeenAt = time.Now().UTC()
	w, err := r.store.UpsertWorker(ctx, worker)
	if err != nil {
		return nil, fmt.Errorf("register worker: %w", err)
	}
	return w, nil
}

// Heartbeat refreshes workerID's last-seen time. Any worker-originated
// request implicitly heartbeats; this is the explicit path
// used by the periodic PUT. Register stamps the last-seen time itself.
func (r *Registry) Heartbeat(ctx context.Context, workerID string) error {
	if err := r.store.TouchWorker(ctx, workerID, time.Now().UTC()); err != nil {
		return fmt.Errorf("heartbeat worker %q: %w", workerID, err)
	}
	return nil
}

// SetCodebases updates the set of codebases workerID declares it serves.
func (r *Registry) SetCodebases(ctx context.Context, workerID string, codebases map[string]struct{}) error {
	w, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return fmt.Errorf("get worker %q: %w", workerID, err)
	}
	w.Codebases = codebases
	if _, err := r.store.UpsertWorker(ctx, w); err != nil {
		return fmt.Errorf("update worker %q codebases: %w", workerID, err)
	}
	return nil
}

// MarkDisconnected flags workerID as deregistering, so it is excluded from
// further eligibility even before its liveness window elapses (used for a
// graceful worker shutdown).
func (r *Registry) MarkDisconnected(ctx context.Context, workerID string) error {
	w, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return fmt.Errorf("get worker %q: %w", workerID, err)
	}
	w.Deregistering = true
	if _, err := r.store.UpsertWorker(ctx, w); err != nil {
		return fmt.Errorf("mark worker %q disconnected: %w", workerID, err)
	}
	return nil
}

// Eligible returns the ids of workers currently eligible for task.
func (r *Registry) Eligible(ctx context.Context, task *taskcore.Task) ([]string, error) {
	ids, err := r.store.ListEligibleWorkers(ctx, task, time.Now().UTC(), r.livenessWindow)
	if err != nil {
		return nil, fmt.Errorf("list eligible workers: %w", err)
	}
	return ids, nil
}

// IsLive reports whether worker is currently live, given the registry's
// configured liveness window.
func (r *Registry) IsLive(worker *taskcore.Worker) bool {
	return worker.IsLive(time.Now().UTC(), r.livenessWindow)
}

// LivenessWindow returns the configured liveness window.
func (r *Registry) LivenessWindow() time.Duration { return r.livenessWindow }
