package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/rileyseaburg/codetether/internal/taskcore"
)

// ListUndeliveredOutbox returns up to limit undelivered outbox rows in
// insertion order.
func (s *Store) ListUndeliveredOutbox(ctx context.Context, limit int) ([]*taskcore.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, topic, kind, payload, origin, created_at FROM outbox_events
		 WHERE delivered_at IS NULL ORDER BY id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var events []*taskcore.OutboxEvent
	for rows.Next() {
		var ev taskcore.OutboxEvent
		if err := rows.Scan(&ev.ID, &ev.Topic, &ev.Kind, &ev.Payload, &ev.Origin, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// MarkOutboxDelivered stamps delivered_at on the given outbox rows.
func (s *Store) MarkOutboxDelivered(ctx context.Context, ids []int64, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE outbox_events SET delivered_at = $1 WHERE id = ANY($2)`, now, ids)
	if err != nil {
		return fmt.Errorf("mark outbox delivered: %w", err)
	}
	return nil
}

// PruneOutbox deletes delivered outbox rows older than keep, bounding table
// growth. Called periodically by the Reaper.
func (s *Store) PruneOutbox(ctx context.Context, now time.Time, keep time.Duration) (int, error) {
	cutoff := now.Add(-keep)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM outbox_events WHERE delivered_at IS NOT NULL AND delivered_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune outbox: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
