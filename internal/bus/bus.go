// Package bus fans delivery events out to in-process subscribers.
//
// Publish is synchronous: handlers run on the publisher's goroutine in the order they
// subscribed. A handler that fails or panics is logged and skipped; the remaining
// handlers still run. Ordering is only defined within one event type.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"lastmile/internal/domain"
	"lastmile/internal/metrics"
)

// EventType names a notification stream.
type EventType string

const (
	// DeliveryUpdated is published after a delivery changed status.
	DeliveryUpdated EventType = "deliveryUpdated"

	// NewDeliveryAvailable is published when a new pending delivery appears.
	NewDeliveryAvailable EventType = "newDeliveryAvailable"
)

// EventTypes lists every stream, in a stable order.
var EventTypes = []EventType{DeliveryUpdated, NewDeliveryAvailable}

// Event is the payload handed to subscribers. PreviousStatus is set on
// DeliveryUpdated; it equals Delivery.Status when only the payment changed.
type Event struct {
	Type           EventType             `json:"type"`
	Delivery       domain.Delivery       `json:"delivery"`
	PreviousStatus domain.DeliveryStatus `json:"previous_status,omitempty"`
	OccurredAt     time.Time             `json:"occurred_at"`
}

// Handler reacts to one event.
type Handler func(ctx context.Context, e Event) error

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is the in-process observer bus.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[EventType][]subscription

	log     *zap.Logger
	metrics *metrics.Metrics
}

// New creates an empty bus. m may be nil.
func New(log *zap.Logger, m *metrics.Metrics) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		subs:    make(map[EventType][]subscription),
		log:     log,
		metrics: m,
	}
}

// Subscribe registers h for t and returns a function that removes it again.
// The returned function may be called any number of times.
func (b *Bus) Subscribe(t EventType, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[t] = append(b.subs[t], subscription{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(t, id) })
	}
}

// SubscribeAll registers h for every event type.
func (b *Bus) SubscribeAll(h Handler) (unsubscribe func()) {
	cancels := make([]func(), 0, len(EventTypes))
	for _, t := range EventTypes {
		cancels = append(cancels, b.Subscribe(t, h))
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

func (b *Bus) remove(t EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[t]
	for i, s := range subs {
		if s.id == id {
			// Copy so snapshots held by an in-flight Publish stay intact.
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			b.subs[t] = next
			return
		}
	}
}

// Publish delivers e to the current subscribers of e.Type and returns the number
// of handlers that failed. Publishing on a nil Bus is a no-op.
func (b *Bus) Publish(ctx context.Context, e Event) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	subs := b.subs[e.Type]
	b.mu.RUnlock()

	failed := 0
	for _, s := range subs {
		if err := b.invoke(ctx, s.handler, e); err != nil {
			failed++
			b.metrics.HandlerFailed(string(e.Type))
			b.log.Error("notification handler failed",
				zap.String("event", string(e.Type)),
				zap.String("delivery_id", e.Delivery.ID),
				zap.Uint64("subscription", s.id),
				zap.Error(err),
			)
		}
	}
	return failed
}

// Subscribers reports how many handlers are registered for t.
func (b *Bus) Subscribers(t EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[t])
}

func (b *Bus) invoke(ctx context.Context, h Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, e)
}
