// Package scheduler matches pending tasks to live, eligible workers and
// serves each worker's task stream. Placement is
// client-driven: the scheduler offers every pending task a worker is
// eligible for and lets the claim race in the Store arbitrate, which keeps
// the server stateless with respect to placement.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rileyseaburg/codetether/internal/eventbus"
	"github.com/rileyseaburg/codetether/internal/idgen"
	"github.com/rileyseaburg/codetether/internal/metrics"
	"github.com/rileyseaburg/codetether/internal/store"
	"github.com/rileyseaburg/codetether/internal/taskcore"
	"github.com/rileyseaburg/codetether/internal/workerregistry"
)

// DefaultClaimLease is the default time a claim holds before it must be
// renewed by heartbeat or released.
const DefaultClaimLease = 5 * time.Minute

// KeepAliveInterval is how often TaskStream emits a keep-alive when no task
// events have occurred.
const KeepAliveInterval = 15 * time.Second

// StreamEventKind discriminates StreamEvent's payload.
type StreamEventKind int

const (
	// StreamEventTask carries an offered task.
	StreamEventTask StreamEventKind = iota
	// StreamEventKeepAlive carries no task; it exists only to keep the
	// underlying connection alive.
	StreamEventKeepAlive
)

// StreamEvent is one item of a worker's task stream.
type StreamEvent struct {
	Kind StreamEventKind
	Task *taskcore.Task
}

// WebhookScheduler is the narrow interface Scheduler uses to hand off
// outbound webhook delivery on Release, implemented by internal/webhook.
// Kept as an interface here (rather than importing internal/webhook
// directly) to avoid a dependency cycle between the two packages.
type WebhookScheduler interface {
	Schedule(ctx context.Context, task *taskcore.Task) error
}

// Scheduler is the routing and claim component.
type Scheduler struct {
	store      store.Store
	registry   *workerregistry.Registry
	bus        *eventbus.Bus
	claimLease time.Duration
	webhooks   WebhookScheduler
}

// New creates a Scheduler. A zero claimLease selects DefaultClaimLease. A
// nil webhooks disables outbound webhook delivery on Release.
func New(st store.Store, registry *workerregistry.Registry, bus *eventbus.Bus, claimLease time.Duration, webhooks WebhookScheduler) *Scheduler {
	if claimLease <= 0 {
		claimLease = DefaultClaimLease
	}
	return &Scheduler{store: st, registry: registry, bus: bus, claimLease: claimLease, webhooks: webhooks}
}

// TaskStream opens a worker's task stream. On entry it registers/refreshes
// the worker with the declared codebases and models, emits every currently
// pending task the worker is eligible for (priority DESC, created_at ASC),
// then subscribes to the pending-tasks topic so newly submitted or
// re-queued tasks are pushed as they appear, and emits a keep-alive every
// KeepAliveInterval. The returned channel is closed when ctx is cancelled.
func (s *Scheduler) TaskStream(ctx context.Context, workerID, name string, codebases, models []string) (<-chan StreamEvent, error) {
	codebaseSet := toSet(codebases)
	modelSet := toSet(models)

	worker, err := s.registry.Register(ctx, &taskcore.Worker{
		ID:              workerID,
		Name:            name,
		Codebases:       codebaseSet,
		ModelsSupported: modelSet,
		ConnectionID:    idgen.GenerateWithPrefix("conn_"),
	})
	if err != nil {
		return nil, fmt.Errorf("register worker: %w", err)
	}

	pending, err := s.eligiblePendingTasks(ctx, worker)
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}

	sub := s.bus.Subscribe(ctx, eventbus.PendingTasksTopic)
	out := make(chan StreamEvent, len(pending)+1)
	for _, t := range pending {
		out <- StreamEvent{Kind: StreamEventTask, Task: t}
	}

	go s.pumpStream(ctx, worker, sub, out)
	return out, nil
}

func (s *Scheduler) pumpStream(ctx context.Context, worker *taskcore.Worker, sub *eventbus.Subscription, out chan<- StreamEvent) {
	defer close(out)
	defer sub.Cancel()

	ticker := time.NewTicker(KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case out <- StreamEvent{Kind: StreamEventKeepAlive}:
			case <-ctx.Done():
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			task, err := s.eligibleTaskFromPendingEvent(ctx, worker, ev)
			if err != nil || task == nil {
				continue
			}
			select {
			case out <- StreamEvent{Kind: StreamEventTask, Task: task}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// eligibleTaskFromPendingEvent re-fetches the task named by a pending-tasks
// event and re-checks eligibility (the task may have been claimed, or the
// worker's registration may have changed, between publish and delivery).
func (s *Scheduler) eligibleTaskFromPendingEvent(ctx context.Context, worker *taskcore.Worker, ev eventbus.Event) (*taskcore.Task, error) {
	taskID := string(ev.Payload)
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		// Already gone (cancelled/claimed/deleted); nothing to offer.
		return nil, nil
	}
	if task.Status != taskcore.TaskPending {
		return nil, nil
	}
	fresh, err := s.store.GetWorker(ctx, worker.ID)
	if err != nil {
		return nil, err
	}
	if !fresh.Eligible(task, time.Now().UTC(), s.registry.LivenessWindow()) {
		return nil, nil
	}
	return task, nil
}

func (s *Scheduler) eligiblePendingTasks(ctx context.Context, worker *taskcore.Worker) ([]*taskcore.Task, error) {
	var eligible []*taskcore.Task
	cursor := ""
	now := time.Now().UTC()
	for {
		page, err := s.store.ListTasks(ctx, store.Filter{Status: taskcore.TaskPending, Limit: 200, Cursor: cursor})
		if err != nil {
			return nil, err
		}
		for _, t := range page.Tasks {
			if worker.Eligible(t, now, s.registry.LivenessWindow()) {
				eligible = append(eligible, t)
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})
	return eligible, nil
}

// Claim delegates to Store.ClaimTask; on success it publishes task.claimed
// and sets claim_deadline = now + claim lease.
func (s *Scheduler) Claim(ctx context.Context, workerID, taskID string) (string, *taskcore.Task, error) {
	deadline := time.Now().UTC().Add(s.claimLease)
	token, task, err := s.store.ClaimTask(ctx, taskID, workerID, deadline)
	if err != nil {
		if taskcore.KindOf(err) == taskcore.KindConflict {
			metrics.ClaimAttemptsTotal.WithLabelValues("conflict").Inc()
		}
		return "", nil, err
	}
	metrics.ClaimAttemptsTotal.WithLabelValues("success").Inc()
	s.publishTaskEvent(task, "task.claimed")
	return token, task, nil
}

// Release delegates to Store.Release, publishes the terminal event, and
// schedules an outbound webhook delivery if the task has a webhook_url.
func (s *Scheduler) Release(ctx context.Context, workerID, taskID, claimToken string, outcome store.ReleaseOutcome) (*taskcore.Task, error) {
	task, err := s.store.Release(ctx, taskID, workerID, claimToken, outcome)
	if err != nil {
		return nil, err
	}
	metrics.TasksReleasedTotal.WithLabelValues(string(task.Status)).Inc()
	s.publishTaskEvent(task, "task."+string(task.Status))

	if task.WebhookURL != "" && s.webhooks != nil {
		if err := s.webhooks.Schedule(ctx, task); err != nil {
			return task, fmt.Errorf("schedule webhook: %w", err)
		}
	}
	return task, nil
}

// Cancel delegates to Store.Cancel and publishes the cancellation event.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) (*taskcore.Task, error) {
	task, err := s.store.Cancel(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.publishTaskEvent(task, "task.cancelled")
	return task, nil
}

// Heartbeat delegates to Store.Heartbeat, extending the claim deadline.
func (s *Scheduler) Heartbeat(ctx context.Context, workerID, taskID, claimToken string) error {
	deadline := time.Now().UTC().Add(s.claimLease)
	if err := s.store.Heartbeat(ctx, taskID, workerID, claimToken, deadline); err != nil {
		return err
	}
	// A worker can heartbeat a claim it made before its registry row was
	// garbage-collected; the claim extension above still counts.
	if err := s.registry.Heartbeat(ctx, workerID); err != nil && taskcore.KindOf(err) != taskcore.KindNotFound {
		return err
	}
	return nil
}

// ReportStatus processes a worker's status report for a claimed task. The
// claim lease is extended, and the first report of running publishes the
// claimed → running transition.
func (s *Scheduler) ReportStatus(ctx context.Context, workerID, taskID, claimToken string, status taskcore.TaskStatus) (*taskcore.Task, error) {
	if status != taskcore.TaskRunning {
		return nil, taskcore.Invalid("status must be %q", taskcore.TaskRunning)
	}
	before, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.Heartbeat(ctx, workerID, taskID, claimToken); err != nil {
		return nil, err
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if before.Status == taskcore.TaskClaimed && task.Status == taskcore.TaskRunning {
		s.publishTaskEvent(task, "task.status")
	}
	return task, nil
}

// PublishOutput publishes a task.output streaming delta on the task and
// codebase topics. Output is opaque to the server; deltas are
// not persisted, only fanned out live.
func (s *Scheduler) PublishOutput(ctx context.Context, taskID string, delta string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(taskcore.TaskEvent{TaskID: taskID, CodebaseID: task.CodebaseID, Delta: delta})
	if err != nil {
		return fmt.Errorf("marshal output event: %w", err)
	}
	s.bus.Publish(eventbus.TaskTopic(taskID), "task.output", payload)
	s.bus.Publish(eventbus.CodebaseTopic(task.CodebaseID), "task.output", payload)
	return nil
}

// NotifyPending publishes taskID on the internal pending-tasks topic, waking
// every worker's TaskStream to re-evaluate eligibility (used by Lifecycle on
// submission and by the Reaper on re-queue).
func (s *Scheduler) NotifyPending(taskID string) {
	s.bus.Publish(eventbus.PendingTasksTopic, "pending", []byte(taskID))
}

func (s *Scheduler) publishTaskEvent(task *taskcore.Task, kind string) {
	payload, err := json.Marshal(taskcore.NewTaskEvent(task))
	if err != nil {
		return
	}
	s.bus.Publish(eventbus.TaskTopic(task.ID), kind, payload)
	s.bus.Publish(eventbus.CodebaseTopic(task.CodebaseID), kind, payload)
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, v := range items {
		out[v] = struct{}{}
	}
	return out
}
