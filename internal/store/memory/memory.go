// Package memory implements store.Store in process memory. Every operation
// holds a single mutex for its duration, which satisfies the at-most-once
// claim invariant without the complexity of per-id lock striping — this backing targets tests and small single-process
// deployments, not the concurrency scale the sql backing targets.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rileyseaburg/codetether/internal/idgen"
	"github.com/rileyseaburg/codetether/internal/store"
	"github.com/rileyseaburg/codetether/internal/taskcore"
)

// Store is an in-memory store.Store implementation.
type Store struct {
	mu sync.Mutex

	tasks      map[string]*taskcore.Task
	workers    map[string]*taskcore.Worker
	codebases  map[string]*taskcore.Codebase
	idemByKey  map[string]string // "scope\x00key" -> task id
	idemRecord map[string]*taskcore.IdempotencyRecord
}

// New creates an empty in-memory Store.
func New() *Store {
	return &Store{
		tasks:      make(map[string]*taskcore.Task),
		workers:    make(map[string]*taskcore.Worker),
		codebases:  make(map[string]*taskcore.Codebase),
		idemByKey:  make(map[string]string),
		idemRecord: make(map[string]*taskcore.IdempotencyRecord),
	}
}

func idemCompositeKey(scope, key string) string {
	return scope + "\x00" + key
}

func cloneTask(t *taskcore.Task) *taskcore.Task {
	cp := *t
	if t.Metadata != nil {
		cp.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func cloneWorker(w *taskcore.Worker) *taskcore.Worker {
	cp := *w
	cp.Codebases = cloneSet(w.Codebases)
	cp.ModelsSupported = cloneSet(w.ModelsSupported)
	return &cp
}

func cloneSet(s map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

// CreateTask implements store.Store.
func (s *Store) CreateTask(_ context.Context, task *taskcore.Task, submitterScope string) (*taskcore.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.IdempotencyKey != "" && submitterScope != "" {
		ck := idemCompositeKey(submitterScope, task.IdempotencyKey)
		if existingID, ok := s.idemByKey[ck]; ok {
			if existing, ok := s.tasks[existingID]; ok {
				return cloneTask(existing), nil
			}
		}
	}

	now := task.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	task.ID = idgen.GenerateWithPrefix("task_")
	task.Status = taskcore.TaskPending
	task.WorkerID = ""
	task.ClaimToken = ""
	task.ClaimDeadline = time.Time{}
	task.CreatedAt = now
	task.UpdatedAt = now
	s.tasks[task.ID] = cloneTask(task)

	if task.IdempotencyKey != "" && submitterScope != "" {
		ck := idemCompositeKey(submitterScope, task.IdempotencyKey)
		s.idemByKey[ck] = task.ID
		s.idemRecord[ck] = &taskcore.IdempotencyRecord{
			Key:            task.IdempotencyKey,
			SubmitterScope: submitterScope,
			TaskID:         task.ID,
			CreatedAt:      now,
		}
	}

	return cloneTask(s.tasks[task.ID]), nil
}

// GetTask implements store.Store.
func (s *Store) GetTask(_ context.Context, id string) (*taskcore.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, taskcore.NotFound("task %q not found", id)
	}
	return cloneTask(t), nil
}

// ListTasks implements store.Store. Cursor is the task id to resume after,
// within the fixed order (priority DESC, created_at ASC, id ASC).
func (s *Store) ListTasks(_ context.Context, filter store.Filter) (store.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*taskcore.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.CodebaseID != "" && t.CodebaseID != filter.CodebaseID {
			continue
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	start := 0
	if filter.Cursor != "" {
		for i, t := range matched {
			if t.ID == filter.Cursor {
				start = i + 1
				break
			}
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	if start > len(matched) {
		start = len(matched)
	}

	page := store.Page{}
	for _, t := range matched[start:end] {
		page.Tasks = append(page.Tasks, cloneTask(t))
	}
	if end < len(matched) {
		page.NextCursor = matched[end-1].ID
	}
	return page, nil
}

// ClaimTask implements store.Store.
func (s *Store) ClaimTask(_ context.Context, taskID, workerID string, deadline time.Time) (string, *taskcore.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return "", nil, taskcore.NotFound("task %q not found", taskID)
	}
	if t.Status != taskcore.TaskPending {
		if t.Status == taskcore.TaskClaimed || t.Status == taskcore.TaskRunning {
			return "", nil, taskcore.Conflict(taskcore.ReasonAlreadyClaimed, "task %q already claimed", taskID)
		}
		return "", nil, taskcore.Conflict(taskcore.ReasonNotPending, "task %q is not pending (status %s)", taskID, t.Status)
	}

	token := idgen.GenerateWithPrefix("claim_")
	t.Status = taskcore.TaskClaimed
	t.WorkerID = workerID
	t.ClaimToken = token
	t.ClaimDeadline = deadline
	t.UpdatedAt = time.Now().UTC()

	if w, ok := s.workers[workerID]; ok {
		w.ActiveClaims++
	}

	return token, cloneTask(t), nil
}

// Release implements store.Store.
func (s *Store) Release(_ context.Context, taskID, workerID, claimToken string, outcome store.ReleaseOutcome) (*taskcore.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, taskcore.NotFound("task %q not found", taskID)
	}
	if t.Status.IsTerminal() {
		return nil, taskcore.Conflict(taskcore.ReasonAlreadyTerminal, "task %q is already terminal", taskID)
	}
	if t.WorkerID != workerID || t.ClaimToken != claimToken {
		return nil, taskcore.Conflict(taskcore.ReasonStaleClaim, "claim token mismatch for task %q", taskID)
	}
	if !legalReleaseTransition(t.Status, outcome.Status) {
		return nil, taskcore.Conflict(taskcore.ReasonInvalidTransition, "cannot transition task %q from %s to %s", taskID, t.Status, outcome.Status)
	}

	now := time.Now().UTC()
	t.Status = outcome.Status
	t.Result = outcome.Result
	t.Error = outcome.Error
	t.UpdatedAt = now
	t.CompletedAt = now

	if w, ok := s.workers[workerID]; ok && w.ActiveClaims > 0 {
		w.ActiveClaims--
	}

	return cloneTask(t), nil
}

func legalReleaseTransition(from, to taskcore.TaskStatus) bool {
	if from != taskcore.TaskClaimed && from != taskcore.TaskRunning {
		return false
	}
	switch to {
	case taskcore.TaskCompleted, taskcore.TaskFailed, taskcore.TaskCancelled, taskcore.TaskRunning:
		return true
	default:
		return false
	}
}

// Heartbeat implements store.Store.
func (s *Store) Heartbeat(_ context.Context, taskID, workerID, claimToken string, newDeadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return taskcore.NotFound("task %q not found", taskID)
	}
	if t.WorkerID != workerID || t.ClaimToken != claimToken {
		return taskcore.Conflict(taskcore.ReasonStaleClaim, "claim token mismatch for task %q", taskID)
	}
	if t.Status == taskcore.TaskClaimed {
		t.Status = taskcore.TaskRunning
	}
	t.ClaimDeadline = newDeadline
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Cancel implements store.Store.
func (s *Store) Cancel(_ context.Context, taskID string) (*taskcore.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, taskcore.NotFound("task %q not found", taskID)
	}
	if t.Status.IsTerminal() {
		return nil, taskcore.Conflict(taskcore.ReasonAlreadyTerminal, "task %q is already terminal", taskID)
	}

	now := time.Now().UTC()
	if t.WorkerID != "" {
		if w, ok := s.workers[t.WorkerID]; ok && w.ActiveClaims > 0 {
			w.ActiveClaims--
		}
	}
	t.Status = taskcore.TaskCancelled
	t.Error = ""
	t.UpdatedAt = now
	t.CompletedAt = now
	return cloneTask(t), nil
}

// ReapExpired implements store.Store.
func (s *Store) ReapExpired(_ context.Context, now time.Time, maxAttempts int) ([]store.Reclaimed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reclaimed []store.Reclaimed
	for _, t := range s.tasks {
		if t.Status != taskcore.TaskClaimed && t.Status != taskcore.TaskRunning {
			continue
		}
		if t.ClaimDeadline.IsZero() || !t.ClaimDeadline.Before(now) {
			continue
		}

		priorWorker := t.WorkerID
		t.Attempts++

		if w, ok := s.workers[priorWorker]; ok && w.ActiveClaims > 0 {
			w.ActiveClaims--
		}

		r := store.Reclaimed{TaskID: t.ID, PriorWorker: priorWorker, Attempts: t.Attempts}
		if t.Attempts < maxAttempts {
			t.Status = taskcore.TaskPending
			t.WorkerID = ""
			t.ClaimToken = ""
			t.ClaimDeadline = time.Time{}
			r.NewStatus = taskcore.TaskPending
		} else {
			t.Status = taskcore.TaskFailed
			t.Error = string(taskcore.FailureWorkerLost)
			t.CompletedAt = now
			r.NewStatus = taskcore.TaskFailed
			r.FailureCause = taskcore.FailureWorkerLost
		}
		t.UpdatedAt = now
		reclaimed = append(reclaimed, r)
	}
	return reclaimed, nil
}

// UpsertWorker implements store.Store.
func (s *Store) UpsertWorker(_ context.Context, worker *taskcore.Worker) (*taskcore.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if worker.ID == "" {
		return nil, taskcore.Invalid("worker id is required")
	}
	existing, ok := s.workers[worker.ID]
	now := worker.LastSeenAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if !ok {
		w := cloneWorker(worker)
		w.LastSeenAt = now
		s.workers[worker.ID] = w
		return cloneWorker(w), nil
	}

	existing.Name = worker.Name
	if worker.Codebases != nil {
		existing.Codebases = cloneSet(worker.Codebases)
	}
	if worker.ModelsSupported != nil {
		existing.ModelsSupported = cloneSet(worker.ModelsSupported)
	}
	existing.ConnectionID = worker.ConnectionID
	existing.LastSeenAt = now
	existing.Deregistering = worker.Deregistering
	return cloneWorker(existing), nil
}

// TouchWorker implements store.Store.
func (s *Store) TouchWorker(_ context.Context, workerID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return taskcore.NotFound("worker %q not found", workerID)
	}
	w.LastSeenAt = now
	return nil
}

// GetWorker implements store.Store.
func (s *Store) GetWorker(_ context.Context, workerID string) (*taskcore.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return nil, taskcore.NotFound("worker %q not found", workerID)
	}
	return cloneWorker(w), nil
}

// ListEligibleWorkers implements store.Store.
func (s *Store) ListEligibleWorkers(_ context.Context, task *taskcore.Task, now time.Time, livenessWindow time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, w := range s.workers {
		if w.Eligible(task, now, livenessWindow) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ExpireStaleWorkerClaims implements store.Store.
func (s *Store) ExpireStaleWorkerClaims(_ context.Context, now time.Time, livenessWindow time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0
	for _, w := range s.workers {
		if w.ActiveClaims <= 0 {
			continue
		}
		if w.IsLive(now, livenessWindow) {
			continue
		}
		for _, t := range s.tasks {
			if t.WorkerID == w.ID && (t.Status == taskcore.TaskClaimed || t.Status == taskcore.TaskRunning) {
				t.ClaimDeadline = now
				expired++
			}
		}
	}
	return expired, nil
}

// UpsertCodebase implements store.Store.
func (s *Store) UpsertCodebase(_ context.Context, codebase *taskcore.Codebase) (*taskcore.Codebase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if codebase.ID == "" {
		return nil, taskcore.Invalid("codebase id is required")
	}
	cp := *codebase
	s.codebases[codebase.ID] = &cp
	out := *s.codebases[codebase.ID]
	return &out, nil
}

// GetCodebase implements store.Store.
func (s *Store) GetCodebase(_ context.Context, id string) (*taskcore.Codebase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codebases[id]
	if !ok {
		return nil, taskcore.NotFound("codebase %q not found", id)
	}
	out := *c
	return &out, nil
}

// PruneIdempotencyRecords implements store.Store.
func (s *Store) PruneIdempotencyRecords(_ context.Context, now time.Time, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for ck, rec := range s.idemRecord {
		if now.Sub(rec.CreatedAt) >= ttl {
			delete(s.idemRecord, ck)
			delete(s.idemByKey, ck)
			pruned++
		}
	}
	return pruned, nil
}

// Close implements store.Store. The memory backing holds no external
// resources.
func (s *Store) Close() error { return nil }

var _ store.Store = (*Store)(nil)
