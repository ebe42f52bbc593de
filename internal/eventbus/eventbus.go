// Package eventbus implements a bounded, per-subscriber publish/subscribe
// primitive: each subscription gets its own
// buffered channel, a full buffer drops the oldest undelivered event rather
// than blocking the publisher or disconnecting the subscriber, and topics
// are created lazily and reaped after a grace period with no activity.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rileyseaburg/codetether/internal/metrics"
)

// Event is a single message delivered to subscribers of a topic.
type Event struct {
	Topic     string
	Kind      string
	Payload   []byte
	ID        string // opaque, monotonically increasing per topic; used for Last-Event-ID resumption
	CreatedAt time.Time
}

// DefaultCapacity is the default per-subscriber buffer size.
const DefaultCapacity = 256

// DefaultReapGrace is how long a topic with no subscribers and no publishes
// survives before it is removed from the bus.
const DefaultReapGrace = 5 * time.Minute

// Subscription is a live subscription to a topic.
type Subscription struct {
	C      <-chan Event
	cancel func()
	sub    *subscriber
}

// Cancel unsubscribes and releases the subscription's buffer.
func (sub *Subscription) Cancel() {
	sub.cancel()
}

// Dropped returns the running total of events dropped for this subscription
// because its buffer was full. Callers compare
// successive reads to detect new drops and surface a kind=dropped event to
// the client.
func (sub *Subscription) Dropped() int64 {
	return sub.sub.dropped.Load()
}

// Bus is a bounded, drop-oldest, multi-subscriber event bus.
type Bus struct {
	capacity int
	grace    time.Duration

	mu     sync.Mutex
	topics map[string]*topic
}

// New creates a Bus with the given per-subscriber capacity. A capacity of 0
// selects DefaultCapacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		capacity: capacity,
		grace:    DefaultReapGrace,
		topics:   make(map[string]*topic),
	}
}

type subscriber struct {
	ch      chan Event
	dropped atomic.Int64
}

type topic struct {
	mu          sync.Mutex
	subscribers map[int64]*subscriber
	nextSubID   int64
	nextEventID int64
	lastActive  time.Time

	// recent is a bounded history of the latest published events, kept so a
	// subscriber reconnecting with a Last-Event-ID can be caught up without
	// a durable log. Oldest first.
	recent []Event
}

func (b *Bus) getOrCreateTopic(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{
			subscribers: make(map[int64]*subscriber),
			lastActive:  time.Now(),
		}
		b.topics[name] = t
	}
	return t
}

// Publish delivers kind/payload to every current subscriber of topic. It
// never blocks: a subscriber whose buffer is full has its oldest event
// dropped (and its dropped counter, read via Subscription.Dropped,
// incremented) to make room.
func (b *Bus) Publish(topicName, kind string, payload []byte) {
	t := b.getOrCreateTopic(topicName)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastActive = time.Now()
	t.nextEventID++
	ev := Event{
		Topic:     topicName,
		Kind:      kind,
		Payload:   payload,
		ID:        eventID(t.nextEventID),
		CreatedAt: t.lastActive,
	}
	t.recent = append(t.recent, ev)
	if len(t.recent) > b.capacity {
		t.recent = t.recent[len(t.recent)-b.capacity:]
	}
	metrics.EventsPublishedTotal.WithLabelValues(kind).Inc()
	for _, sub := range t.subscribers {
		deliver(sub, ev)
	}
}

func eventID(n int64) string {
	const alphabet = "0123456789"
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = alphabet[n%10]
		n /= 10
	}
	return string(buf[i:])
}

// eventIDAfter reports whether id orders after ref. Event ids are decimal
// strings without leading zeros, so length then lexicographic order is
// numeric order.
func eventIDAfter(id, ref string) bool {
	if len(id) != len(ref) {
		return len(id) > len(ref)
	}
	return id > ref
}

func deliver(sub *subscriber, ev Event) {
	select {
	case sub.ch <- ev:
		return
	default:
	}
	// Buffer full: drop the oldest queued event, then deliver.
	select {
	case <-sub.ch:
		sub.dropped.Add(1)
		metrics.EventsDroppedTotal.Inc()
	default:
	}
	select {
	case sub.ch <- ev:
	default:
		// Lost a race with another goroutine draining/filling the channel;
		// count it dropped rather than spin.
		sub.dropped.Add(1)
		metrics.EventsDroppedTotal.Inc()
	}
}

// Subscribe creates a subscription to topicName with the bus's default
// capacity. Cancel releases the subscription.
func (b *Bus) Subscribe(ctx context.Context, topicName string) *Subscription {
	return b.SubscribeFrom(ctx, topicName, "")
}

// SubscribeFrom creates a subscription to topicName and, when afterID is
// non-empty, pre-loads every event in the topic's recent history whose id
// orders after afterID (Last-Event-ID resumption); afterID itself need not
// still be retained. An empty afterID, or one at or past the newest id,
// delivers only new events.
func (b *Bus) SubscribeFrom(ctx context.Context, topicName, afterID string) *Subscription {
	t := b.getOrCreateTopic(topicName)

	t.mu.Lock()
	id := t.nextSubID
	t.nextSubID++
	sub := &subscriber{ch: make(chan Event, b.capacity)}
	if afterID != "" {
		for _, ev := range t.recent {
			if eventIDAfter(ev.ID, afterID) {
				deliver(sub, ev)
			}
		}
	}
	t.subscribers[id] = sub
	t.lastActive = time.Now()
	t.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subscribers, id)
			t.lastActive = time.Now()
			t.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()

	return &Subscription{C: sub.ch, cancel: cancel, sub: sub}
}

// Stats is a snapshot of a topic's subscriber count and the summed
// per-subscriber dropped counters, exposed for tests/metrics.
type Stats struct {
	Subscribers int
	Dropped     int64
}

// TopicStats returns a snapshot of topicName's subscriber count and total
// dropped-event count, or the zero value if the topic does not exist.
func (b *Bus) TopicStats(topicName string) Stats {
	b.mu.Lock()
	t, ok := b.topics[topicName]
	b.mu.Unlock()
	if !ok {
		return Stats{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var dropped int64
	for _, sub := range t.subscribers {
		dropped += sub.dropped.Load()
	}
	return Stats{Subscribers: len(t.subscribers), Dropped: dropped}
}

// ReapIdle removes topics that have had no subscribers and no publish
// activity for longer than the bus's grace period. Intended to be called
// periodically by the Reaper.
func (b *Bus) ReapIdle(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	reaped := 0
	for name, t := range b.topics {
		t.mu.Lock()
		idle := len(t.subscribers) == 0 && now.Sub(t.lastActive) > b.grace
		t.mu.Unlock()
		if idle {
			delete(b.topics, name)
			reaped++
		}
	}
	return reaped
}

// TaskTopic returns the event topic name for a single task.
func TaskTopic(taskID string) string { return "task:" + taskID }

// CodebaseTopic returns the event topic name for a codebase.
func CodebaseTopic(codebaseID string) string { return "codebase:" + codebaseID }

// PendingTasksTopic is the internal topic the Scheduler subscribes to in
// order to wake worker streams when new or re-queued tasks appear.
const PendingTasksTopic = "pending-tasks"
