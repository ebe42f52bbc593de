package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/rileyseaburg/codetether/internal/taskcore"
)

// SaveWebhookDelivery implements webhook.Persister.
func (s *Store) SaveWebhookDelivery(ctx context.Context, d *taskcore.WebhookDelivery) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_deliveries (id, task_id, url, payload, attempts, next_attempt, created_at, delivered, gave_up)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		d.ID, d.TaskID, d.URL, d.Payload, d.Attempts, d.NextAttempt, d.CreatedAt, d.Delivered, d.GaveUp)
	if err != nil {
		return fmt.Errorf("save webhook delivery: %w", err)
	}
	return nil
}

// ListDueWebhookDeliveries implements webhook.Persister.
func (s *Store) ListDueWebhookDeliveries(ctx context.Context, now time.Time) ([]*taskcore.WebhookDelivery, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, url, payload, attempts, next_attempt, created_at, delivered, gave_up
		 FROM webhook_deliveries
		 WHERE NOT delivered AND NOT gave_up AND next_attempt <= $1
		 ORDER BY next_attempt ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("query webhook deliveries: %w", err)
	}
	defer rows.Close()

	var due []*taskcore.WebhookDelivery
	for rows.Next() {
		var d taskcore.WebhookDelivery
		if err := rows.Scan(&d.ID, &d.TaskID, &d.URL, &d.Payload, &d.Attempts, &d.NextAttempt, &d.CreatedAt, &d.Delivered, &d.GaveUp); err != nil {
			return nil, fmt.Errorf("scan webhook delivery: %w", err)
		}
		due = append(due, &d)
	}
	return due, rows.Err()
}

// UpdateWebhookDelivery implements webhook.Persister.
func (s *Store) UpdateWebhookDelivery(ctx context.Context, d *taskcore.WebhookDelivery) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE webhook_deliveries SET attempts = $1, next_attempt = $2, delivered = $3, gave_up = $4 WHERE id = $5`,
		d.Attempts, d.NextAttempt, d.Delivered, d.GaveUp, d.ID)
	if err != nil {
		return fmt.Errorf("update webhook delivery: %w", err)
	}
	return nil
}
