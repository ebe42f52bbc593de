// Package outbox drains durably-recorded events into the in-memory
// EventBus. Store transactions that mutate a task also
// insert outbox rows; this dispatcher polls for undelivered rows and
// publishes them, which preserves at-least-once delivery across restarts
// for subscribers that reconnect with a Last-Event-ID.
package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/rileyseaburg/codetether/internal/eventbus"
	"github.com/rileyseaburg/codetether/internal/taskcore"
)

// DefaultInterval is the default poll interval between drain passes.
const DefaultInterval = time.Second

// Source is the slice of the sql store the dispatcher reads from,
// implemented by sqlstore.Store.
type Source interface {
	ListUndeliveredOutbox(ctx context.Context, limit int) ([]*taskcore.OutboxEvent, error)
	MarkOutboxDelivered(ctx context.Context, ids []int64, now time.Time) error
	Origin() string
}

// Dispatcher polls a Source for undelivered outbox rows and publishes them
// to the bus. Rows written by this process's own Store are marked delivered
// without re-publishing: the mutating component already published them live,
// and replaying them would duplicate every event for in-process
// subscribers. Rows from any other origin (a crashed predecessor, or a
// sibling server sharing the database) are published before being marked.
type Dispatcher struct {
	source   Source
	bus      *eventbus.Bus
	interval time.Duration
}

// New creates a Dispatcher. A zero interval selects DefaultInterval.
func New(source Source, bus *eventbus.Bus, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Dispatcher{source: source, bus: bus, interval: interval}
}

// Run drains the outbox until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Drain(ctx); err != nil {
				slog.Warn("outbox drain failed", "error", err)
			}
		}
	}
}

// Drain performs one drain pass: fetch undelivered rows, publish foreign
// rows, mark everything fetched as delivered.
func (d *Dispatcher) Drain(ctx context.Context) error {
	for {
		events, err := d.source.ListUndeliveredOutbox(ctx, 200)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(events))
		for _, ev := range events {
			if ev.Origin != d.source.Origin() {
				d.bus.Publish(ev.Topic, ev.Kind, ev.Payload)
			}
			ids = append(ids, ev.ID)
		}
		if err := d.source.MarkOutboxDelivered(ctx, ids, time.Now().UTC()); err != nil {
			return err
		}
		if len(events) < 200 {
			return nil
		}
	}
}
