// Package lifecycle enforces legal task transitions, admission validation,
// idempotent submission, and cancellation. It is the only
// component that creates tasks; the Scheduler (claim/release/cancel
// delegate to the Store directly) and the Reaper mutate existing tasks but
// never create them.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rileyseaburg/codetether/internal/eventbus"
	"github.com/rileyseaburg/codetether/internal/metrics"
	"github.com/rileyseaburg/codetether/internal/scheduler"
	"github.com/rileyseaburg/codetether/internal/store"
	"github.com/rileyseaburg/codetether/internal/taskcore"
)

// SubmitRequest is the validated input to Submit, mirroring the POST
// /v1/tasks body.
type SubmitRequest struct {
	Title          string
	Description    string
	CodebaseID     string
	AgentType      string
	Model          string
	Priority       int
	Metadata       map[string]any
	NotifyEmail    string
	WebhookURL     string
	IdempotencyKey string
}

// Lifecycle is the admission/idempotency/cancellation component.
type Lifecycle struct {
	store                 store.Store
	bus                   *eventbus.Bus
	scheduler             *scheduler.Scheduler
	autoRegisterCodebases bool
	limiter               *rateLimiter
}

// New creates a Lifecycle. submissionRateLimit is tokens/second per
// principal; 0 disables the limiter.
func New(st store.Store, bus *eventbus.Bus, sched *scheduler.Scheduler, autoRegisterCodebases bool, submissionRateLimit float64) *Lifecycle {
	return &Lifecycle{
		store:                 st,
		bus:                   bus,
		scheduler:             sched,
		autoRegisterCodebases: autoRegisterCodebases,
		limiter:               newRateLimiter(submissionRateLimit),
	}
}

// Submit validates and admits req on behalf of principal, returning the
// created (or, on an idempotency hit, the previously-created) task and
// whether this call created it.
func (l *Lifecycle) Submit(ctx context.Context, principal string, req SubmitRequest) (task *taskcore.Task, created bool, err error) {
	if !l.limiter.Allow(principal) {
		return nil, false, taskcore.Wrap(taskcore.KindUnavailable, taskcore.ReasonRateLimited, fmt.Errorf("submission rate limit exceeded for principal %q", principal))
	}

	if req.AgentType == "" {
		req.AgentType = string(taskcore.AgentGeneral)
	}
	if err := l.validateAdmission(ctx, &req); err != nil {
		return nil, false, err
	}

	before := time.Now().UTC()
	t := &taskcore.Task{
		CodebaseID:     req.CodebaseID,
		Title:          req.Title,
		Description:    req.Description,
		AgentType:      taskcore.AgentType(req.AgentType),
		Model:          req.Model,
		Priority:       req.Priority,
		Metadata:       req.Metadata,
		NotifyEmail:    req.NotifyEmail,
		WebhookURL:     req.WebhookURL,
		IdempotencyKey: req.IdempotencyKey,
	}

	saved, err := l.store.CreateTask(ctx, t, principal)
	if err != nil {
		return nil, false, err
	}

	// An idempotency hit returns the pre-existing record, whose CreatedAt
	// predates this call; a genuinely new task's CreatedAt is stamped at or
	// after `before`. This lets the API layer choose 200 vs 201 without the
	// Store interface needing a separate "was this a hit" return value.
	created = !saved.CreatedAt.Before(before)
	if created {
		metrics.TasksSubmittedTotal.Inc()
		l.publishCreated(saved)
		l.scheduler.NotifyPending(saved.ID)
	}
	return saved, created, nil
}

func (l *Lifecycle) validateAdmission(ctx context.Context, req *SubmitRequest) error {
	if err := ValidateTitle(req.Title); err != nil {
		return err
	}
	if err := ValidateDescription(req.Description); err != nil {
		return err
	}
	if err := ValidateAgentType(req.AgentType); err != nil {
		return err
	}
	if err := ValidatePriority(req.Priority); err != nil {
		return err
	}
	if err := ValidateCodebaseID(req.CodebaseID); err != nil {
		return err
	}

	if req.CodebaseID == taskcore.GlobalCodebase {
		return nil
	}
	_, err := l.store.GetCodebase(ctx, req.CodebaseID)
	if err == nil {
		return nil
	}
	if taskcore.KindOf(err) != taskcore.KindNotFound {
		return err
	}
	if !l.autoRegisterCodebases {
		return taskcore.Invalid("unknown codebase_id %q", req.CodebaseID)
	}
	_, err = l.store.UpsertCodebase(ctx, &taskcore.Codebase{ID: req.CodebaseID, Name: req.CodebaseID, Status: "active"})
	if err != nil {
		return fmt.Errorf("auto-register codebase %q: %w", req.CodebaseID, err)
	}
	return nil
}

func (l *Lifecycle) publishCreated(t *taskcore.Task) {
	payload, err := json.Marshal(taskcore.NewTaskEvent(t))
	if err != nil {
		return
	}
	l.bus.Publish(eventbus.TaskTopic(t.ID), "task.created", payload)
	l.bus.Publish(eventbus.CodebaseTopic(t.CodebaseID), "task.created", payload)
}

// Get returns the task with id.
func (l *Lifecycle) Get(ctx context.Context, id string) (*taskcore.Task, error) {
	return l.store.GetTask(ctx, id)
}

// List returns a page of tasks matching filter.
func (l *Lifecycle) List(ctx context.Context, filter store.Filter) (store.Page, error) {
	return l.store.ListTasks(ctx, filter)
}

// Cancel transitions id to cancelled from any non-terminal state. Delegates to the Scheduler so the cancellation event
// is published exactly the way claim/release events are.
func (l *Lifecycle) Cancel(ctx context.Context, id string) (*taskcore.Task, error) {
	return l.scheduler.Cancel(ctx, id)
}
