package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rileyseaburg/codetether/internal/idgen"
	"github.com/rileyseaburg/codetether/internal/store"
	"github.com/rileyseaburg/codetether/internal/taskcore"
)

// nullString converts an empty string to SQL NULL; pgx binds nil params
// as NULL regardless of the declared column type.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullTime converts a zero time.Time to SQL NULL.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// Store implements store.Store against a PostgreSQL pgxpool.Pool. Each
// Store instance carries a unique origin id stamped onto the outbox rows it
// writes, letting the outbox dispatcher distinguish rows this process
// already published live from rows left behind by a crashed or sibling
// process.
type Store struct {
	pool   *pgxpool.Pool
	origin string
}

// New wraps an already-opened pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, origin: idgen.GenerateWithPrefix("srv_")}
}

// Origin returns this process instance's outbox origin id.
func (s *Store) Origin() string { return s.origin }

// Close implements store.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func marshalSet(set map[string]struct{}) []byte {
	list := make([]string, 0, len(set))
	for k := range set {
		list = append(list, k)
	}
	b, _ := json.Marshal(list)
	return b
}

func unmarshalSet(raw []byte) map[string]struct{} {
	var list []string
	_ = json.Unmarshal(raw, &list)
	out := make(map[string]struct{}, len(list))
	for _, v := range list {
		out[v] = struct{}{}
	}
	return out
}

func marshalMetadata(m map[string]any) []byte {
	if m == nil {
		m = map[string]any{}
	}
	b, _ := json.Marshal(m)
	return b
}

func unmarshalMetadata(raw []byte) map[string]any {
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	return m
}

// insertOutbox inserts one OutboxEvent row per topic (task:{id} and
// codebase:{id}) within tx, part of the same transaction as the task
// mutation that produced the event.
func (s *Store) insertOutbox(ctx context.Context, tx pgx.Tx, kind string, ev taskcore.TaskEvent, now time.Time) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	for _, topic := range []string{"task:" + ev.TaskID, "codebase:" + ev.CodebaseID} {
		_, err = tx.Exec(ctx,
			`INSERT INTO outbox_events (topic, kind, payload, origin, created_at) VALUES ($1, $2, $3, $4, $5)`,
			topic, kind, body, s.origin, now)
		if err != nil {
			return err
		}
	}
	return nil
}

const taskColumns = `id, codebase_id, title, description, agent_type, model, priority, status,
	worker_id, claim_token, claim_deadline, attempts, result, error, metadata,
	notify_email, webhook_url, idempotency_key, created_at, updated_at, completed_at`

func scanTask(row pgx.Row) (*taskcore.Task, error) {
	var t taskcore.Task
	var model, result, errStr, notifyEmail, webhookURL sql.NullString
	var workerID, claimToken, idemKey sql.NullString
	var claimDeadline, completedAt sql.NullTime
	var metadataRaw []byte

	err := row.Scan(
		&t.ID, &t.CodebaseID, &t.Title, &t.Description, &t.AgentType, &model, &t.Priority, &t.Status,
		&workerID, &claimToken, &claimDeadline, &t.Attempts, &result, &errStr, &metadataRaw,
		&notifyEmail, &webhookURL, &idemKey, &t.CreatedAt, &t.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Model = model.String
	t.WorkerID = workerID.String
	t.ClaimToken = claimToken.String
	t.ClaimDeadline = claimDeadline.Time
	t.Result = result.String
	t.Error = errStr.String
	t.NotifyEmail = notifyEmail.String
	t.WebhookURL = webhookURL.String
	t.IdempotencyKey = idemKey.String
	t.CompletedAt = completedAt.Time
	t.Metadata = unmarshalMetadata(metadataRaw)
	return &t, nil
}

// CreateTask implements store.Store.
func (s *Store) CreateTask(ctx context.Context, task *taskcore.Task, submitterScope string) (*taskcore.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if task.IdempotencyKey != "" && submitterScope != "" {
		var existingID string
		err := tx.QueryRow(ctx,
			`SELECT task_id FROM idempotency_records WHERE submitter_scope = $1 AND key = $2`,
			submitterScope, task.IdempotencyKey).Scan(&existingID)
		if err == nil {
			existing, err := s.getTaskTx(ctx, tx, existingID)
			if err != nil {
				return nil, err
			}
			return existing, tx.Commit(ctx)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("lookup idempotency record: %w", err)
		}
	}

	now := time.Now().UTC()
	task.ID = idgen.GenerateWithPrefix("task_")
	task.Status = taskcore.TaskPending
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err = tx.Exec(ctx, `INSERT INTO tasks (`+taskColumns+`) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		task.ID, task.CodebaseID, task.Title, task.Description, task.AgentType, task.Model, task.Priority, task.Status,
		nullString(task.WorkerID), nullString(task.ClaimToken), nullTime(task.ClaimDeadline), task.Attempts,
		task.Result, task.Error, marshalMetadata(task.Metadata),
		task.NotifyEmail, task.WebhookURL, nullString(task.IdempotencyKey), task.CreatedAt, task.UpdatedAt, nullTime(task.CompletedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}

	if task.IdempotencyKey != "" && submitterScope != "" {
		_, err = tx.Exec(ctx,
			`INSERT INTO idempotency_records (submitter_scope, key, task_id, created_at) VALUES ($1,$2,$3,$4)`,
			submitterScope, task.IdempotencyKey, task.ID, now)
		if err != nil {
			return nil, fmt.Errorf("insert idempotency record: %w", err)
		}
	}

	if err := s.insertOutbox(ctx, tx, "task.created", taskcore.NewTaskEvent(task), now); err != nil {
		return nil, fmt.Errorf("insert outbox event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return task, nil
}

func (s *Store) getTaskTx(ctx context.Context, tx pgx.Tx, id string) (*taskcore.Task, error) {
	row := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, taskcore.NotFound("task %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}

// GetTask implements store.Store.
func (s *Store) GetTask(ctx context.Context, id string) (*taskcore.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, taskcore.NotFound("task %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}

// ListTasks implements store.Store.
func (s *Store) ListTasks(ctx context.Context, filter store.Filter) (store.Page, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []any{}
	argN := 1
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, filter.Status)
		argN++
	}
	if filter.CodebaseID != "" {
		query += fmt.Sprintf(" AND codebase_id = $%d", argN)
		args = append(args, filter.CodebaseID)
		argN++
	}
	if filter.Cursor != "" {
		query += fmt.Sprintf(` AND (-priority, created_at, id) > (
			SELECT -priority, created_at, id FROM tasks WHERE id = $%d)`, argN)
		args = append(args, filter.Cursor)
		argN++
	}
	query += fmt.Sprintf(" ORDER BY priority DESC, created_at ASC, id ASC LIMIT $%d", argN)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return store.Page{}, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*taskcore.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return store.Page{}, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return store.Page{}, err
	}

	page := store.Page{}
	if len(tasks) > limit {
		page.Tasks = tasks[:limit]
		page.NextCursor = tasks[limit-1].ID
	} else {
		page.Tasks = tasks
	}
	return page, nil
}

// ClaimTask implements store.Store using SELECT ... FOR UPDATE SKIP LOCKED
// so two concurrent claimants can never both succeed.
func (s *Store) ClaimTask(ctx context.Context, taskID, workerID string, deadline time.Time) (string, *taskcore.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status taskcore.TaskStatus
	err = tx.QueryRow(ctx,
		`SELECT status FROM tasks WHERE id = $1 FOR UPDATE SKIP LOCKED`, taskID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the task does not exist, or another transaction holds the
		// row lock, meaning a concurrent claim is in flight: treat both as
		// "not available to claim right now".
		var exists bool
		if qerr := s.pool.QueryRow(ctx, `SELECT true FROM tasks WHERE id = $1`, taskID).Scan(&exists); qerr != nil {
			if errors.Is(qerr, pgx.ErrNoRows) {
				return "", nil, taskcore.NotFound("task %q not found", taskID)
			}
		}
		return "", nil, taskcore.Conflict(taskcore.ReasonAlreadyClaimed, "task %q is being claimed concurrently", taskID)
	}
	if err != nil {
		return "", nil, fmt.Errorf("select task for update: %w", err)
	}
	if status != taskcore.TaskPending {
		if status == taskcore.TaskClaimed || status == taskcore.TaskRunning {
			return "", nil, taskcore.Conflict(taskcore.ReasonAlreadyClaimed, "task %q already claimed", taskID)
		}
		return "", nil, taskcore.Conflict(taskcore.ReasonNotPending, "task %q is not pending (status %s)", taskID, status)
	}

	token := idgen.GenerateWithPrefix("claim_")
	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `UPDATE tasks SET status = $1, worker_id = $2, claim_token = $3,
		claim_deadline = $4, updated_at = $5 WHERE id = $6`,
		taskcore.TaskClaimed, workerID, token, deadline, now, taskID)
	if err != nil {
		return "", nil, fmt.Errorf("update task: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE workers SET active_claims = active_claims + 1 WHERE id = $1`, workerID); err != nil {
		return "", nil, fmt.Errorf("increment active claims: %w", err)
	}

	t, err := s.getTaskTx(ctx, tx, taskID)
	if err != nil {
		return "", nil, err
	}
	if err := s.insertOutbox(ctx, tx, "task.claimed", taskcore.NewTaskEvent(t), now); err != nil {
		return "", nil, fmt.Errorf("insert outbox event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", nil, fmt.Errorf("commit: %w", err)
	}
	return token, t, nil
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

// Release implements store.Store.
func (s *Store) Release(ctx context.Context, taskID, workerID, claimToken string, outcome store.ReleaseOutcome) (*taskcore.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.getTaskTx(ctx, tx, taskID)
	if err != nil {
		return nil, err
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
	_, err = tx.Exec(ctx, `UPDATE tasks SET status = $1, result = $2, error = $3,
		updated_at = $4, completed_at = $5 WHERE id = $6`,
		outcome.Status, outcome.Result, outcome.Error, now, now, taskID)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE workers SET active_claims = GREATEST(active_claims - 1, 0) WHERE id = $1`, workerID); err != nil {
		return nil, fmt.Errorf("decrement active claims: %w", err)
	}

	updated, err := s.getTaskTx(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.insertOutbox(ctx, tx, "task."+string(outcome.Status), taskcore.NewTaskEvent(updated), now); err != nil {
		return nil, fmt.Errorf("insert outbox event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return updated, nil
}

// Heartbeat implements store.Store.
func (s *Store) Heartbeat(ctx context.Context, taskID, workerID, claimToken string, newDeadline time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.getTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if t.WorkerID != workerID || t.ClaimToken != claimToken {
		return taskcore.Conflict(taskcore.ReasonStaleClaim, "claim token mismatch for task %q", taskID)
	}

	newStatus := t.Status
	if t.Status == taskcore.TaskClaimed {
		newStatus = taskcore.TaskRunning
	}
	_, err = tx.Exec(ctx, `UPDATE tasks SET status = $1, claim_deadline = $2, updated_at = $3 WHERE id = $4`,
		newStatus, newDeadline, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return tx.Commit(ctx)
}

// Cancel implements store.Store.
func (s *Store) Cancel(ctx context.Context, taskID string) (*taskcore.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.getTaskTx(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return nil, taskcore.Conflict(taskcore.ReasonAlreadyTerminal, "task %q is already terminal", taskID)
	}

	now := time.Now().UTC()
	if t.WorkerID != "" {
		if _, err := tx.Exec(ctx, `UPDATE workers SET active_claims = GREATEST(active_claims - 1, 0) WHERE id = $1`, t.WorkerID); err != nil {
			return nil, fmt.Errorf("decrement active claims: %w", err)
		}
	}
	_, err = tx.Exec(ctx, `UPDATE tasks SET status = $1, updated_at = $2, completed_at = $3 WHERE id = $4`,
		taskcore.TaskCancelled, now, now, taskID)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}

	updated, err := s.getTaskTx(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.insertOutbox(ctx, tx, "task.cancelled", taskcore.NewTaskEvent(updated), now); err != nil {
		return nil, fmt.Errorf("insert outbox event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return updated, nil
}

// ReapExpired implements store.Store.
func (s *Store) ReapExpired(ctx context.Context, now time.Time, maxAttempts int) ([]store.Reclaimed, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT id, worker_id, attempts, codebase_id FROM tasks
		WHERE status IN ($1, $2) AND claim_deadline IS NOT NULL AND claim_deadline < $3
		FOR UPDATE SKIP LOCKED`, taskcore.TaskClaimed, taskcore.TaskRunning, now)
	if err != nil {
		return nil, fmt.Errorf("select expired tasks: %w", err)
	}

	type row struct {
		id, workerID, codebaseID string
		attempts                 int
	}
	var expired []row
	for rows.Next() {
		var r row
		var workerID sql.NullString
		if err := rows.Scan(&r.id, &workerID, &r.attempts, &r.codebaseID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired task: %w", err)
		}
		r.workerID = workerID.String
		expired = append(expired, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var reclaimed []store.Reclaimed
	for _, r := range expired {
		attempts := r.attempts + 1
		rec := store.Reclaimed{TaskID: r.id, PriorWorker: r.workerID, Attempts: attempts}

		if r.workerID != "" {
			if _, err := tx.Exec(ctx, `UPDATE workers SET active_claims = GREATEST(active_claims - 1, 0) WHERE id = $1`, r.workerID); err != nil {
				return nil, fmt.Errorf("decrement active claims: %w", err)
			}
		}

		if attempts < maxAttempts {
			_, err = tx.Exec(ctx, `UPDATE tasks SET status = $1, worker_id = NULL, claim_token = NULL,
				claim_deadline = NULL, attempts = $2, updated_at = $3 WHERE id = $4`,
				taskcore.TaskPending, attempts, now, r.id)
			rec.NewStatus = taskcore.TaskPending
			ev := taskcore.TaskEvent{TaskID: r.id, CodebaseID: r.codebaseID, Status: string(taskcore.TaskPending)}
			if err := s.insertOutbox(ctx, tx, "task.status", ev, now); err != nil {
				return nil, fmt.Errorf("insert outbox event: %w", err)
			}
		} else {
			_, err = tx.Exec(ctx, `UPDATE tasks SET status = $1, error = $2, attempts = $3,
				updated_at = $4, completed_at = $5 WHERE id = $6`,
				taskcore.TaskFailed, string(taskcore.FailureWorkerLost), attempts, now, now, r.id)
			rec.NewStatus = taskcore.TaskFailed
			rec.FailureCause = taskcore.FailureWorkerLost
			ev := taskcore.TaskEvent{TaskID: r.id, CodebaseID: r.codebaseID, Status: string(taskcore.TaskFailed), Error: string(taskcore.FailureWorkerLost)}
			if err := s.insertOutbox(ctx, tx, "task.failed", ev, now); err != nil {
				return nil, fmt.Errorf("insert outbox event: %w", err)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("update expired task: %w", err)
		}
		reclaimed = append(reclaimed, rec)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return reclaimed, nil
}

// UpsertWorker implements store.Store.
func (s *Store) UpsertWorker(ctx context.Context, worker *taskcore.Worker) (*taskcore.Worker, error) {
	if worker.ID == "" {
		return nil, taskcore.Invalid("worker id is required")
	}
	now := worker.LastSeenAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO workers (id, name, codebases, models_supported, last_seen_at, connection_id, deregistering)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET name = $2, codebases = $3, models_supported = $4,
			last_seen_at = $5, connection_id = $6, deregistering = $7`,
		worker.ID, worker.Name, marshalSet(worker.Codebases), marshalSet(worker.ModelsSupported),
		now, nullString(worker.ConnectionID), worker.Deregistering)
	if err != nil {
		return nil, fmt.Errorf("upsert worker: %w", err)
	}
	return s.GetWorker(ctx, worker.ID)
}

// TouchWorker implements store.Store.
func (s *Store) TouchWorker(ctx context.Context, workerID string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE workers SET last_seen_at = $1 WHERE id = $2`, now, workerID)
	if err != nil {
		return fmt.Errorf("touch worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return taskcore.NotFound("worker %q not found", workerID)
	}
	return nil
}

// GetWorker implements store.Store.
func (s *Store) GetWorker(ctx context.Context, workerID string) (*taskcore.Worker, error) {
	var w taskcore.Worker
	var codebasesRaw, modelsRaw []byte
	var connectionID sql.NullString
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, codebases, models_supported, last_seen_at, connection_id, active_claims, deregistering
		 FROM workers WHERE id = $1`, workerID).Scan(
		&w.ID, &w.Name, &codebasesRaw, &modelsRaw, &w.LastSeenAt, &connectionID, &w.ActiveClaims, &w.Deregistering)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, taskcore.NotFound("worker %q not found", workerID)
	}
	if err != nil {
		return nil, fmt.Errorf("scan worker: %w", err)
	}
	w.ConnectionID = connectionID.String
	w.Codebases = unmarshalSet(codebasesRaw)
	w.ModelsSupported = unmarshalSet(modelsRaw)
	return &w, nil
}

// ListEligibleWorkers implements store.Store.
func (s *Store) ListEligibleWorkers(ctx context.Context, task *taskcore.Task, now time.Time, livenessWindow time.Duration) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, codebases, models_supported, last_seen_at, deregistering FROM workers`)
	if err != nil {
		return nil, fmt.Errorf("query workers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		var codebasesRaw, modelsRaw []byte
		var lastSeenAt time.Time
		var deregistering bool
		if err := rows.Scan(&id, &codebasesRaw, &modelsRaw, &lastSeenAt, &deregistering); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		w := &taskcore.Worker{
			ID:              id,
			Codebases:       unmarshalSet(codebasesRaw),
			ModelsSupported: unmarshalSet(modelsRaw),
			LastSeenAt:      lastSeenAt,
			Deregistering:   deregistering,
		}
		if w.Eligible(task, now, livenessWindow) {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

// ExpireStaleWorkerClaims implements store.Store.
func (s *Store) ExpireStaleWorkerClaims(ctx context.Context, now time.Time, livenessWindow time.Duration) (int, error) {
	cutoff := now.Add(-livenessWindow)
	tag, err := s.pool.Exec(ctx, `UPDATE tasks SET claim_deadline = $1
		WHERE status IN ($2, $3) AND worker_id IN (
			SELECT id FROM workers WHERE active_claims > 0 AND last_seen_at < $4
		)`, now, taskcore.TaskClaimed, taskcore.TaskRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire stale claims: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// UpsertCodebase implements store.Store.
func (s *Store) UpsertCodebase(ctx context.Context, codebase *taskcore.Codebase) (*taskcore.Codebase, error) {
	if codebase.ID == "" {
		return nil, taskcore.Invalid("codebase id is required")
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO codebases (id, name, path, worker_id, status)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET name = $2, path = $3, worker_id = $4, status = $5`,
		codebase.ID, codebase.Name, codebase.Path, nullString(codebase.WorkerID), codebase.Status)
	if err != nil {
		return nil, fmt.Errorf("upsert codebase: %w", err)
	}
	return s.GetCodebase(ctx, codebase.ID)
}

// GetCodebase implements store.Store.
func (s *Store) GetCodebase(ctx context.Context, id string) (*taskcore.Codebase, error) {
	var c taskcore.Codebase
	var workerID sql.NullString
	err := s.pool.QueryRow(ctx, `SELECT id, name, path, worker_id, status FROM codebases WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Path, &workerID, &c.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, taskcore.NotFound("codebase %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan codebase: %w", err)
	}
	c.WorkerID = workerID.String
	return &c, nil
}

// PruneIdempotencyRecords implements store.Store.
func (s *Store) PruneIdempotencyRecords(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	cutoff := now.Add(-ttl)
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune idempotency records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

var _ store.Store = (*Store)(nil)
