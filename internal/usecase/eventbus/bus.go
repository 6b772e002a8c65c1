// Package eventbus fans gateway events out to subscribers.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"gatelink/internal/domain"
)

type subscription struct {
	id      uint64
	handler domain.EventHandler
}

// Bus is an in-process, goroutine-safe event bus. Publish runs handlers on
// the caller's goroutine, so handlers for one name observe events in publish
// order.
type Bus struct {
	mu      sync.RWMutex
	named   map[string][]subscription
	allSubs []subscription
	nextID  atomic.Uint64
	logger  *slog.Logger
	closed  atomic.Bool
	panics  atomic.Uint64
}

var _ domain.EventBus = (*Bus)(nil)

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		named:  make(map[string][]subscription),
		logger: logger,
	}
}

// Publish delivers event to handlers registered for its name, then to
// wildcard handlers. A panicking handler is recovered and the rest still run.
func (b *Bus) Publish(ctx context.Context, event domain.GatewayEvent) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	named := append([]subscription(nil), b.named[event.Name]...)
	allSubs := append([]subscription(nil), b.allSubs...)
	b.mu.RUnlock()

	for _, sub := range named {
		b.dispatch(ctx, event, sub)
	}
	for _, sub := range allSubs {
		b.dispatch(ctx, event, sub)
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.GatewayEvent, sub subscription) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.logger.Error("event handler panicked",
				"event", event.Name,
				"panic", r,
			)
		}
	}()
	sub.handler(ctx, event)
}

// Subscribe registers a handler for an event name. domain.WildcardEvent
// subscribes to every event. Returns an unsubscribe function; calling it more
// than once is harmless.
func (b *Bus) Subscribe(name string, handler domain.EventHandler) func() {
	if name == domain.WildcardEvent {
		return b.SubscribeAll(handler)
	}

	id := b.nextID.Add(1)
	sub := subscription{id: id, handler: handler}

	b.mu.Lock()
	b.named[name] = append(b.named[name], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.named[name]
		for i, s := range subs {
			if s.id == id {
				b.named[name] = append(subs[:i:i], subs[i+1:]...)
				if len(b.named[name]) == 0 {
					delete(b.named, name)
				}
				return
			}
		}
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	id := b.nextID.Add(1)
	sub := subscription{id: id, handler: handler}

	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.allSubs {
			if s.id == id {
				b.allSubs = append(b.allSubs[:i:i], b.allSubs[i+1:]...)
				return
			}
		}
	}
}

// Len reports how many handlers are registered, wildcard included.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.allSubs)
	for _, subs := range b.named {
		n += len(subs)
	}
	return n
}

// Panics reports how many handler panics have been recovered.
func (b *Bus) Panics() uint64 {
	return b.panics.Load()
}

// Close stops delivery. Publishes after Close are dropped.
// Close is idempotent.
func (b *Bus) Close() {
	b.closed.Store(true)
}
