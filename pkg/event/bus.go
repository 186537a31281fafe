package event

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Handler is called synchronously, in subscription order, for every event
// that passes its filter.
type Handler func(context.Context, Event)

// Filter selects the events a subscriber receives. nil accepts everything.
type Filter func(Event) bool

// Bus fans events out to subscribers. Publishers see handlers run in
// publication order; channel subscribers never block a publisher, a full
// buffer drops the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers []subscriber
	closed      atomic.Bool

	metrics *busMetrics
}

type subscriber struct {
	id      uuid.UUID
	filter  Filter
	handler Handler
	ch      chan Event
}

// Subscription is returned by Subscribe and SubscribeChannel.
type Subscription struct {
	bus  *Bus
	id   uuid.UUID
	once sync.Once
}

// NewBus creates a Bus. Metrics are registered on reg when it is not nil.
func NewBus(reg prometheus.Registerer) *Bus {
	return &Bus{metrics: newBusMetrics(reg)}
}

// BySession returns a Filter accepting events of one session.
func BySession(sessionID string) Filter {
	return func(e Event) bool { return e.SessionID == sessionID }
}

// Subscribe registers a handler.
func (b *Bus) Subscribe(handler Handler, filter Filter) *Subscription {
	return b.add(subscriber{id: uuid.New(), filter: filter, handler: handler})
}

// SubscribeChannel returns a channel receiving events. The channel is closed
// by Unsubscribe or Close.
func (b *Bus) SubscribeChannel(bufferSize int, filter Filter) (<-chan Event, *Subscription) {
	ch := make(chan Event, bufferSize)
	if b.closed.Load() {
		slog.Warn("attempted to subscribe channel to closed event bus")
		close(ch)
		return ch, &Subscription{bus: b}
	}
	return ch, b.add(subscriber{id: uuid.New(), filter: filter, ch: ch})
}

func (b *Bus) add(sub subscriber) *Subscription {
	if b.closed.Load() {
		slog.Warn("attempted to subscribe to closed event bus")
		return &Subscription{bus: b}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, sub)
	return &Subscription{bus: b, id: sub.id}
}

// Unsubscribe removes the subscription and closes its channel, if any. Safe
// to call multiple times.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()

		for i, sub := range s.bus.subscribers {
			if sub.id == s.id {
				s.bus.subscribers = append(s.bus.subscribers[:i:i], s.bus.subscribers[i+1:]...)
				if sub.ch != nil {
					close(sub.ch)
				}
				break
			}
		}
	})
}

// Publish delivers e to every subscriber.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if b.closed.Load() {
		slog.Debug("attempted to publish to closed event bus", "event_type", e.Type)
		return
	}
	b.metrics.incPublished(e.Type)

	b.mu.RLock()
	subs := make([]subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		if sub.handler != nil {
			b.invoke(ctx, sub, e)
			continue
		}
		b.send(sub, e)
	}
}

func (b *Bus) invoke(ctx context.Context, sub subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic in event handler",
				"error", r,
				"event_type", e.Type,
				"stack", string(debug.Stack()),
			)
		}
	}()
	sub.handler(ctx, e)
	b.metrics.incDelivered(e.Type)
}

// send holds the read lock so Unsubscribe cannot close the channel mid-send.
func (b *Bus) send(sub subscriber, e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.has(sub.id) {
		return
	}
	select {
	case sub.ch <- e:
		b.metrics.incDelivered(e.Type)
	default:
		b.metrics.incDropped(e.Type)
		slog.Debug("dropped event due to full channel buffer",
			"event_type", e.Type,
			"subscriber_id", sub.id,
		)
	}
}

func (b *Bus) has(id uuid.UUID) bool {
	for _, sub := range b.subscribers {
		if sub.id == id {
			return true
		}
	}
	return false
}

// Close closes all channel subscriptions. Later publications are ignored.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers {
		if sub.ch != nil {
			close(sub.ch)
		}
	}
	b.subscribers = nil
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
