// Package webhook delivers outbound POSTs for terminal task events: a
// task with a non-empty webhook_url gets its terminal event POSTed with
// retries (exponential backoff, at least 5 attempts, jitter, maximum age
// 24h). Delivery failure never affects task status.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/rileyseaburg/codetether/internal/idgen"
	"github.com/rileyseaburg/codetether/internal/metrics"
	"github.com/rileyseaburg/codetether/internal/taskcore"
)

// DefaultMaxAge is the default deadline after which a delivery is
// abandoned.
const DefaultMaxAge = 24 * time.Hour

// MinAttempts is the floor on delivery attempts before giving up: a delivery
// is abandoned only once it has been attempted at least this many times and
// MaxAge has elapsed.
const MinAttempts = 5

// Payload is the JSON body POSTed to webhook_url on a task's terminal
// transition.
type Payload struct {
	TaskID     string `json:"task_id"`
	CodebaseID string `json:"codebase_id"`
	Status     string `json:"status"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	At         string `json:"at"`
}

// Persister durably records delivery state so it survives a restart. Only
// the sql store backing implements this; the memory backing leaves
// deliveries best-effort and in-process only.
type Persister interface {
	SaveWebhookDelivery(ctx context.Context, d *taskcore.WebhookDelivery) error
	ListDueWebhookDeliveries(ctx context.Context, now time.Time) ([]*taskcore.WebhookDelivery, error)
	UpdateWebhookDelivery(ctx context.Context, d *taskcore.WebhookDelivery) error
}

// Dispatcher queues and delivers outbound webhook POSTs with retry.
type Dispatcher struct {
	client    *http.Client
	maxAge    time.Duration
	persister Persister // nil disables durable persistence

	mu      sync.Mutex
	pending map[string]*taskcore.WebhookDelivery
}

// New creates a Dispatcher. A zero maxAge selects DefaultMaxAge. A nil
// persister means deliveries are held only in process memory.
func New(maxAge time.Duration, persister Persister) *Dispatcher {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Dispatcher{
		client:    &http.Client{Timeout: 10 * time.Second},
		maxAge:    maxAge,
		persister: persister,
		pending:   make(map[string]*taskcore.WebhookDelivery),
	}
}

// Schedule enqueues task's terminal event for delivery to task.WebhookURL.
// Implements scheduler.WebhookScheduler.
func (d *Dispatcher) Schedule(ctx context.Context, task *taskcore.Task) error {
	if task.WebhookURL == "" {
		return nil
	}
	payload, err := json.Marshal(Payload{
		TaskID:     task.ID,
		CodebaseID: task.CodebaseID,
		Status:     string(task.Status),
		Result:     task.Result,
		Error:      task.Error,
		At:         task.UpdatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	delivery := &taskcore.WebhookDelivery{
		ID:          idgen.GenerateWithPrefix("whd_"),
		TaskID:      task.ID,
		URL:         task.WebhookURL,
		Payload:     payload,
		NextAttempt: time.Now().UTC(),
		CreatedAt:   time.Now().UTC(),
	}

	d.mu.Lock()
	d.pending[delivery.ID] = delivery
	d.mu.Unlock()

	if d.persister != nil {
		if err := d.persister.SaveWebhookDelivery(ctx, delivery); err != nil {
			return fmt.Errorf("persist webhook delivery: %w", err)
		}
	}
	return nil
}

// Run drives delivery attempts until ctx is cancelled, checking for due
// deliveries every interval.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.deliverDue(ctx)
		}
	}
}

func (d *Dispatcher) deliverDue(ctx context.Context) {
	now := time.Now().UTC()

	due := d.collectDuePending(now)
	if d.persister != nil {
		persisted, err := d.persister.ListDueWebhookDeliveries(ctx, now)
		if err != nil {
			slog.Warn("list due webhook deliveries failed", "error", err)
		} else {
			// In-memory rows shadow their persisted copies; only rows recovered
			// from a previous process are new here.
			seen := make(map[string]struct{}, len(due))
			for _, delivery := range due {
				seen[delivery.ID] = struct{}{}
			}
			for _, delivery := range persisted {
				if _, ok := seen[delivery.ID]; !ok {
					due = append(due, delivery)
				}
			}
		}
	}

	for _, delivery := range due {
		d.attempt(ctx, delivery, now)
	}
}

func (d *Dispatcher) collectDuePending(now time.Time) []*taskcore.WebhookDelivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	var due []*taskcore.WebhookDelivery
	for _, delivery := range d.pending {
		if delivery.Delivered || delivery.GaveUp {
			continue
		}
		if delivery.NextAttempt.After(now) {
			continue
		}
		due = append(due, delivery)
	}
	return due
}

func (d *Dispatcher) attempt(ctx context.Context, delivery *taskcore.WebhookDelivery, now time.Time) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, delivery.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		d.giveUp(ctx, delivery)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	delivery.Attempts++
	resp, err := d.client.Do(req)
	if err == nil {
		resp.Body.Close()
	}
	if err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		delivery.Delivered = true
		metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
		d.save(ctx, delivery)
		return
	}

	age := now.Sub(delivery.CreatedAt)
	if delivery.Attempts >= MinAttempts && age >= d.maxAge {
		d.giveUp(ctx, delivery)
		return
	}

	bo := newDeliveryBackoff()
	for i := 0; i < delivery.Attempts; i++ {
		bo.NextBackOff()
	}
	delivery.NextAttempt = now.Add(bo.NextBackOff())
	metrics.WebhookDeliveriesTotal.WithLabelValues("retry").Inc()
	d.save(ctx, delivery)
}

func (d *Dispatcher) giveUp(ctx context.Context, delivery *taskcore.WebhookDelivery) {
	delivery.GaveUp = true
	metrics.WebhookDeliveriesTotal.WithLabelValues("gave_up").Inc()
	slog.Warn("webhook delivery exhausted", "task_id", delivery.TaskID, "url", delivery.URL, "attempts", delivery.Attempts)
	d.save(ctx, delivery)
}

func (d *Dispatcher) save(ctx context.Context, delivery *taskcore.WebhookDelivery) {
	d.mu.Lock()
	d.pending[delivery.ID] = delivery
	d.mu.Unlock()
	if d.persister == nil {
		return
	}
	if err := d.persister.UpdateWebhookDelivery(ctx, delivery); err != nil {
		slog.Warn("update webhook delivery failed", "id", delivery.ID, "error", err)
	}
}

// newDeliveryBackoff builds the delivery retry schedule: 1s initial, 5m
// ceiling, 2x multiplier, ±30% jitter.
func newDeliveryBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 5 * time.Minute
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.3
	b.Reset()
	return b
}
