// Package reaper guarantees bounded progress: a periodic
// sweep returns expired claims to pending (or fails them after max
// attempts), forcibly expires the claims of workers that fell out of the
// liveness window, and prunes aged idempotency records and idle bus topics.
package reaper

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rileyseaburg/codetether/internal/eventbus"
	"github.com/rileyseaburg/codetether/internal/metrics"
	"github.com/rileyseaburg/codetether/internal/store"
	"github.com/rileyseaburg/codetether/internal/taskcore"
)

// DefaultInterval is the default time between sweep passes.
const DefaultInterval = 30 * time.Second

// DefaultMaxAttempts is the default number of claim attempts before a task
// is failed with worker_lost.
const DefaultMaxAttempts = 3

// Notifier wakes worker task streams when a task returns to pending,
// implemented by scheduler.Scheduler.
type Notifier interface {
	NotifyPending(taskID string)
}

// outboxPruner is implemented by the sql store backing; the memory backing
// has no outbox to prune.
type outboxPruner interface {
	PruneOutbox(ctx context.Context, now time.Time, keep time.Duration) (int, error)
}

// Reaper is the periodic sweeper.
type Reaper struct {
	store          store.Store
	bus            *eventbus.Bus
	notifier       Notifier
	interval       time.Duration
	maxAttempts    int
	livenessWindow time.Duration
	idempotencyTTL time.Duration
	log            *slog.Logger
}

// New creates a Reaper. Zero values for interval and maxAttempts select the
// defaults.
func New(st store.Store, bus *eventbus.Bus, notifier Notifier, interval time.Duration, maxAttempts int, livenessWindow, idempotencyTTL time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Reaper{
		store:          st,
		bus:            bus,
		notifier:       notifier,
		interval:       interval,
		maxAttempts:    maxAttempts,
		livenessWindow: livenessWindow,
		idempotencyTTL: idempotencyTTL,
		log:            slog.With("component", "reaper"),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one reap pass: expire stale worker claims, re-queue or
// fail tasks past their claim deadline, prune expired idempotency records,
// and reap idle bus topics.
func (r *Reaper) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	metrics.ReaperSweepsTotal.Inc()

	// Workers past the liveness window first: forcing their claim deadlines
	// to now lets the expiry pass below re-queue their tasks in the same
	// sweep instead of waiting for the next one.
	if n, err := r.store.ExpireStaleWorkerClaims(ctx, now, r.livenessWindow); err != nil {
		r.log.Warn("expire stale worker claims failed", "error", err)
	} else if n > 0 {
		r.log.Info("expired claims of stale workers", "claims", n)
	}

	// A fresh timestamp so deadlines forced to "now" above are strictly past.
	reclaimed, err := r.store.ReapExpired(ctx, time.Now().UTC(), r.maxAttempts)
	if err != nil {
		r.log.Warn("reap expired claims failed", "error", err)
		return
	}
	for _, rec := range reclaimed {
		switch rec.NewStatus {
		case taskcore.TaskPending:
			metrics.ReaperRequeuedTotal.Inc()
			r.log.Info("returned expired claim to pending",
				"task_id", rec.TaskID, "prior_worker", rec.PriorWorker, "attempts", rec.Attempts)
			r.publishStatus(ctx, rec.TaskID, taskcore.TaskPending)
			if r.notifier != nil {
				r.notifier.NotifyPending(rec.TaskID)
			}
		case taskcore.TaskFailed:
			metrics.ReaperFailedTotal.Inc()
			r.log.Warn("failed task after exhausting attempts",
				"task_id", rec.TaskID, "prior_worker", rec.PriorWorker, "attempts", rec.Attempts)
			r.publishFailed(ctx, rec.TaskID)
		}
	}

	if r.idempotencyTTL > 0 {
		if _, err := r.store.PruneIdempotencyRecords(ctx, now, r.idempotencyTTL); err != nil {
			r.log.Warn("prune idempotency records failed", "error", err)
		}
	}
	if pruner, ok := r.store.(outboxPruner); ok {
		if _, err := pruner.PruneOutbox(ctx, now, 24*time.Hour); err != nil {
			r.log.Warn("prune outbox failed", "error", err)
		}
	}
	r.bus.ReapIdle(now)
	r.samplePendingGauge(ctx)
}

func (r *Reaper) publishStatus(ctx context.Context, taskID string, status taskcore.TaskStatus) {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	payload, err := json.Marshal(taskcore.TaskEvent{TaskID: taskID, CodebaseID: task.CodebaseID, Status: string(status)})
	if err != nil {
		return
	}
	r.bus.Publish(eventbus.TaskTopic(taskID), "task.status", payload)
	r.bus.Publish(eventbus.CodebaseTopic(task.CodebaseID), "task.status", payload)
}

func (r *Reaper) publishFailed(ctx context.Context, taskID string) {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	payload, err := json.Marshal(taskcore.NewTaskEvent(task))
	if err != nil {
		return
	}
	r.bus.Publish(eventbus.TaskTopic(taskID), "task.failed", payload)
	r.bus.Publish(eventbus.CodebaseTopic(task.CodebaseID), "task.failed", payload)
}

func (r *Reaper) samplePendingGauge(ctx context.Context) {
	pending := 0
	cursor := ""
	for {
		page, err := r.store.ListTasks(ctx, store.Filter{Status: taskcore.TaskPending, Limit: 500, Cursor: cursor})
		if err != nil {
			return
		}
		pending += len(page.Tasks)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	metrics.PendingTasks.Set(float64(pending))
}
