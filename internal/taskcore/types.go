// Package taskcore holds the shared vocabulary of the coordination server:
// the Task/Worker/Codebase data model and the error taxonomy every layer
// above the Store speaks in.
package taskcore

import "time"

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskClaimed   TaskStatus = "claimed"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether s is a terminal status.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// AgentType selects which agent behavior a worker should run for a task.
type AgentType string

const (
	AgentBuild   AgentType = "build"
	AgentPlan    AgentType = "plan"
	AgentGeneral AgentType = "general"
	AgentExplore AgentType = "explore"
)

// ValidAgentType reports whether s is one of the recognized agent types.
func ValidAgentType(s string) bool {
	switch AgentType(s) {
	case AgentBuild, AgentPlan, AgentGeneral, AgentExplore:
		return true
	default:
		return false
	}
}

// GlobalCodebase is the reserved codebase id meaning "any worker that
// declares global."
const GlobalCodebase = "global"

// Task is the unit of agent work.
type Task struct {
	ID          string
	CodebaseID  string
	Title       string
	Description string
	AgentType   AgentType
	Model       string // optional, e.g. "anthropic:claude-sonnet-4"
	Priority    int
	Status      TaskStatus

	WorkerID      string // empty when unclaimed
	ClaimToken    string // empty when unclaimed
	ClaimDeadline time.Time
	Attempts      int

	Result string
	Error  string

	Metadata map[string]any

	NotifyEmail string
	WebhookURL  string

	IdempotencyKey string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
}

// FailureCause tags why a task entered a failed/cancelled state. The Store
// reports it in store.Reclaimed.FailureCause and writes it as the task's
// Error string; Task.Metadata is not populated with it.
type FailureCause string

const (
	FailureWorkerLost        FailureCause = "worker_lost"
	FailureWorkerReported    FailureCause = "worker_reported"
	FailureCancelled         FailureCause = "cancelled"
	FailureAdmissionRejected FailureCause = "admission_rejected"
)

// Worker is a remote process that claims and executes tasks.
type Worker struct {
	ID              string
	Name            string
	Codebases       map[string]struct{}
	ModelsSupported map[string]struct{}
	LastSeenAt      time.Time
	ConnectionID    string
	ActiveClaims    int
	Deregistering   bool
}

// IsLive reports whether the worker's last heartbeat is within window.
func (w *Worker) IsLive(now time.Time, window time.Duration) bool {
	if w == nil {
		return false
	}
	return now.Sub(w.LastSeenAt) < window
}

// ServesCodebase reports whether the worker declares the given codebase,
// honoring the reserved "global" bucket rule.
func (w *Worker) ServesCodebase(codebaseID string) bool {
	if w == nil {
		return false
	}
	if _, ok := w.Codebases[codebaseID]; ok {
		return true
	}
	if codebaseID == GlobalCodebase {
		return false
	}
	_, global := w.Codebases[GlobalCodebase]
	return global
}

// SupportsModel reports whether the worker supports the given model
// reference, or true if model is empty (no constraint).
func (w *Worker) SupportsModel(model string) bool {
	if model == "" {
		return true
	}
	if w == nil {
		return false
	}
	_, ok := w.ModelsSupported[model]
	return ok
}

// Eligible reports whether the worker is eligible to claim task: live,
// not draining, serving the task's codebase, and supporting its model.
func (w *Worker) Eligible(task *Task, now time.Time, livenessWindow time.Duration) bool {
	if !w.IsLive(now, livenessWindow) {
		return false
	}
	if w.Deregistering {
		return false
	}
	if !w.ServesCodebase(task.CodebaseID) {
		return false
	}
	return w.SupportsModel(task.Model)
}

// Codebase is a named routing bucket.
type Codebase struct {
	ID       string
	Name     string
	Path     string
	WorkerID string
	Status   string
}

// IdempotencyRecord maps a (submitter_scope, key) pair to the task it
// created.
type IdempotencyRecord struct {
	Key            string
	SubmitterScope string
	TaskID         string
	CreatedAt      time.Time
}

// OutboxEvent is a durably-queued event awaiting dispatch into the
// EventBus. Origin identifies the server process
// that wrote the row, so a dispatcher can replay rows from crashed or
// sibling processes without re-publishing events its own process already
// delivered live.
type OutboxEvent struct {
	ID          int64
	Topic       string
	Kind        string
	Payload     []byte
	Origin      string
	CreatedAt   time.Time
	DeliveredAt time.Time // zero value means not yet delivered
}

// TaskEvent is the JSON payload published on task:{id} and codebase:{id}
// topics. The SSE layer wraps it with the per-topic event id, kind, and
// timestamp to form the wire envelope.
type TaskEvent struct {
	TaskID     string `json:"task_id"`
	CodebaseID string `json:"codebase_id"`
	Status     string `json:"status,omitempty"`
	Delta      string `json:"delta,omitempty"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

// NewTaskEvent builds the event payload for a task state change. Result and
// Error are carried only on terminal statuses.
func NewTaskEvent(t *Task) TaskEvent {
	ev := TaskEvent{
		TaskID:     t.ID,
		CodebaseID: t.CodebaseID,
		Status:     string(t.Status),
	}
	if t.Status.IsTerminal() {
		ev.Result = t.Result
		ev.Error = t.Error
	}
	return ev
}

// WebhookDelivery tracks a pending/attempted outbound webhook POST.
type WebhookDelivery struct {
	ID          string
	TaskID      string
	URL         string
	Payload     []byte
	Attempts    int
	NextAttempt time.Time
	CreatedAt   time.Time
	Delivered   bool
	GaveUp      bool
}
