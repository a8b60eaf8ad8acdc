// ABOUTME: In-memory fan-out event bus with bounded per-subscriber queues
// ABOUTME: Publish never blocks; full queues drop their oldest entry and flag the subscriber lagged

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberQueueSize is the channel buffer for each subscriber.
	subscriberQueueSize = 256

	// Lagged is delivered to a subscriber ahead of its next event after
	// the bus dropped entries from its queue. The payload carries the
	// number of dropped events.
	Lagged = "sys.lagged"
)

// Event is a single bus event. Payload is whatever the publisher supplied;
// transports marshal it at the edge.
type Event struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Payload any       `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

// LaggedPayload is the payload of a sys.lagged event.
type LaggedPayload struct {
	Dropped int `json:"dropped"`
}

type subscriber struct {
	mu      sync.Mutex
	ch      chan *Event
	closed  bool
	dropped int
}

// Bus provides in-memory pub/sub for gateway events. Every subscriber sees
// every published event. Slow subscribers lose their oldest queued events
// rather than stalling publishers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	logger      *slog.Logger
}

// NewBus creates a bus. Pass nil logger for default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string]*subscriber),
		logger:      logger.With("component", "events"),
	}
}

// Subscribe registers a subscriber and returns its ID and receive channel.
// The subscription is automatically cleaned up when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context) (string, <-chan *Event) {
	subID := uuid.New().String()
	sub := &subscriber{ch: make(chan *Event, subscriberQueueSize)}

	b.mu.Lock()
	b.subscribers[subID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return subID, sub.ch
}

// Publish fans an event out to all subscribers. It never blocks: when a
// subscriber's queue is full the oldest queued event is dropped to admit
// the new one, and the subscriber's next delivery is preceded by a
// sys.lagged event carrying the drop count.
func (b *Bus) Publish(name string, payload any) {
	ev := &Event{
		ID:      uuid.New().String(),
		Name:    name,
		Payload: payload,
		Time:    time.Now().UTC(),
	}

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		b.deliver(sub, ev)
	}
}

// deliver enqueues ev for one subscriber, dropping its oldest entry on
// overflow. The subscriber lock serializes publishers; the consumer only
// ever drains, so a drain here guarantees room for the send.
func (b *Bus) deliver(sub *subscriber, ev *Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.closed {
		return
	}

	if sub.dropped > 0 && cap(sub.ch)-len(sub.ch) >= 2 {
		sub.ch <- &Event{
			ID:      uuid.New().String(),
			Name:    Lagged,
			Payload: LaggedPayload{Dropped: sub.dropped},
			Time:    time.Now().UTC(),
		}
		sub.dropped = 0
	}

	select {
	case sub.ch <- ev:
	default:
		select {
		case <-sub.ch:
			sub.dropped++
		default:
		}
		sub.ch <- ev
		b.logger.Debug("dropped event for slow subscriber", "event", ev.Name)
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(subID string) {
	b.mu.Lock()
	sub, ok := b.subscribers[subID]
	if ok {
		delete(b.subscribers, subID)
	}
	b.mu.Unlock()

	if !ok {
		return
	}

	sub.mu.Lock()
	sub.closed = true
	close(sub.ch)
	sub.mu.Unlock()

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[string]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		sub.closed = true
		close(sub.ch)
		sub.mu.Unlock()
	}

	b.logger.Debug("bus closed")
}
