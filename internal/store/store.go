// Package store defines the durable Store abstraction: the only component
// permitted to mutate Task/Worker state. Everything above
// the Store communicates by value or by calling these operations; no
// cross-row invariant is maintained outside a single Store transaction.
package store

import (
	"context"
	"time"

	"github.com/rileyseaburg/codetether/internal/taskcore"
)

// Filter selects a page of tasks for ListTasks.
type Filter struct {
	Status     taskcore.TaskStatus // zero value means "any status"
	CodebaseID string              // empty means "any codebase"
	Limit      int
	Cursor     string // opaque, returned by a prior Page
}

// Page is an ordered, cursor-paginated slice of tasks.
type Page struct {
	Tasks      []*taskcore.Task
	NextCursor string // empty when there are no further pages
}

// Reclaimed describes a task the Reaper observed past its claim deadline,
// returned by ReapExpired.
type Reclaimed struct {
	TaskID       string
	PriorWorker  string
	NewStatus    taskcore.TaskStatus // taskcore.TaskPending or taskcore.TaskFailed
	Attempts     int
	FailureCause taskcore.FailureCause // set only when NewStatus is terminal
}

// ReleaseOutcome is the terminal disposition passed to Release. Release
// never returns a task to pending.
type ReleaseOutcome struct {
	Status taskcore.TaskStatus // completed, failed, or cancelled
	Result string
	Error  string
}

// Store is the durable CRUD boundary of the coordination server. Every
// operation below is a single transaction.
type Store interface {
	// CreateTask creates task. If idempotencyKey and submitterScope are both
	// non-empty and a live record for (submitterScope, idempotencyKey) already
	// exists, the previously-created task is returned unchanged instead
	// (taskcore.ReasonDuplicateIdemKey carries no error in this case: the
	// caller distinguishes "created" from "existing" by comparing
	// task.CreatedAt against its own submission time, or simply treats both
	// the same since the contract is idempotent).
	CreateTask(ctx context.Context, task *taskcore.Task, submitterScope string) (*taskcore.Task, error)

	// GetTask returns the task with id, or a taskcore.KindNotFound error.
	GetTask(ctx context.Context, id string) (*taskcore.Task, error)

	// ListTasks returns an ordered page of tasks matching filter.
	ListTasks(ctx context.Context, filter Filter) (Page, error)

	// ClaimTask atomically transitions taskID from pending to claimed,
	// assigning workerID and a fresh claim token with the given deadline.
	// Returns taskcore errors with reasons ReasonAlreadyClaimed,
	// ReasonNotPending, or KindNotFound.
	ClaimTask(ctx context.Context, taskID, workerID string, deadline time.Time) (claimToken string, task *taskcore.Task, err error)

	// Release transitions taskID out of claimed/running per outcome,
	// verifying workerID and claimToken still match (ReasonStaleClaim if
	// not) and that the transition is legal (ReasonInvalidTransition if
	// not).
	Release(ctx context.Context, taskID, workerID, claimToken string, outcome ReleaseOutcome) (*taskcore.Task, error)

	// Heartbeat extends taskID's claim deadline, verifying workerID and
	// claimToken still match.
	Heartbeat(ctx context.Context, taskID, workerID, claimToken string, newDeadline time.Time) error

	// Cancel transitions taskID to cancelled from any non-terminal status.
	// Returns ReasonAlreadyTerminal if the task is already terminal.
	Cancel(ctx context.Context, taskID string) (*taskcore.Task, error)

	// ReapExpired loads every claimed/running task whose claim deadline is
	// before now, applies the attempts/max_attempts policy, and returns what
	// changed so the caller (the Reaper) can publish events.
	ReapExpired(ctx context.Context, now time.Time, maxAttempts int) ([]Reclaimed, error)

	// UpsertWorker creates or updates a worker row by ID.
	UpsertWorker(ctx context.Context, worker *taskcore.Worker) (*taskcore.Worker, error)

	// TouchWorker refreshes a worker's last_seen_at. Returns KindNotFound if
	// the worker is unknown.
	TouchWorker(ctx context.Context, workerID string, now time.Time) error

	// GetWorker returns the worker with id, or a taskcore.KindNotFound error.
	GetWorker(ctx context.Context, workerID string) (*taskcore.Worker, error)

	// ListEligibleWorkers returns the set of worker ids eligible for task
	// given the current livenessWindow.
	ListEligibleWorkers(ctx context.Context, task *taskcore.Task, now time.Time, livenessWindow time.Duration) ([]string, error)

	// ExpireStaleWorkerClaims forces claim_deadline = now for every active
	// claim held by a worker whose last_seen_at is beyond livenessWindow, so
	// the next ReapExpired pass re-queues them.
	ExpireStaleWorkerClaims(ctx context.Context, now time.Time, livenessWindow time.Duration) (int, error)

	// UpsertCodebase creates or updates a codebase row, used both for
	// explicit codebase registration and admission-time auto-registration.
	UpsertCodebase(ctx context.Context, codebase *taskcore.Codebase) (*taskcore.Codebase, error)

	// GetCodebase returns the codebase with id, or taskcore.KindNotFound.
	GetCodebase(ctx context.Context, id string) (*taskcore.Codebase, error)

	// PruneIdempotencyRecords deletes idempotency records older than ttl,
	// called periodically by the Reaper.
	PruneIdempotencyRecords(ctx context.Context, now time.Time, ttl time.Duration) (int, error)

	// Close releases any resources (connection pools, background drains)
	// held by the Store.
	Close() error
}
