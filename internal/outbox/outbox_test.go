package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rileyseaburg/codetether/internal/eventbus"
	"github.com/rileyseaburg/codetether/internal/taskcore"
)

type fakeSource struct {
	origin string
	rows   []*taskcore.OutboxEvent
}

func (f *fakeSource) Origin() string { return f.origin }

func (f *fakeSource) ListUndeliveredOutbox(_ context.Context, limit int) ([]*taskcore.OutboxEvent, error) {
	var out []*taskcore.OutboxEvent
	for _, r := range f.rows {
		if r.DeliveredAt.IsZero() {
			out = append(out, r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSource) MarkOutboxDelivered(_ context.Context, ids []int64, now time.Time) error {
	for _, id := range ids {
		for _, r := range f.rows {
			if r.ID == id {
				r.DeliveredAt = now
			}
		}
	}
	return nil
}

func TestDrain_PublishesForeignRowsOnly(t *testing.T) {
	bus := eventbus.New(0)
	src := &fakeSource{
		origin: "srv_self",
		rows: []*taskcore.OutboxEvent{
			{ID: 1, Topic: "codebase:c1", Kind: "task.created", Payload: []byte(`{"task_id":"t1"}`), Origin: "srv_self"},
			{ID: 2, Topic: "codebase:c1", Kind: "task.claimed", Payload: []byte(`{"task_id":"t2"}`), Origin: "srv_other"},
		},
	}
	sub := bus.Subscribe(context.Background(), "codebase:c1")

	require.NoError(t, New(src, bus, 0).Drain(context.Background()))

	select {
	case ev := <-sub.C:
		assert.Equal(t, "task.claimed", ev.Kind, "only the foreign row is re-published")
	case <-time.After(time.Second):
		t.Fatal("foreign outbox row was not published")
	}
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected second event %q: own-origin rows must not be re-published", ev.Kind)
	default:
	}
}

func TestDrain_MarksAllFetchedRowsDelivered(t *testing.T) {
	bus := eventbus.New(0)
	src := &fakeSource{
		origin: "srv_self",
		rows: []*taskcore.OutboxEvent{
			{ID: 1, Topic: "task:t1", Kind: "task.created", Origin: "srv_self"},
			{ID: 2, Topic: "task:t2", Kind: "task.created", Origin: "srv_other"},
		},
	}

	require.NoError(t, New(src, bus, 0).Drain(context.Background()))

	for _, r := range src.rows {
		assert.False(t, r.DeliveredAt.IsZero(), "row %d not marked delivered", r.ID)
	}
}
