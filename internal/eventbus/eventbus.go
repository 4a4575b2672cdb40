// Package eventbus provides an in-process, synchronous pub/sub bus for
// cross-component fleet notifications.
package eventbus

import (
	"sync"

	"github.com/arvidsson/gpufleet/internal/log"
)

// Handler receives a published event's payload. Handlers run synchronously,
// in registration order, on the publisher's goroutine.
type Handler func(name string, payload any)

// Bus is a named-event, fire-and-forget broadcaster. A handler that panics
// never stops the others: panics are recovered and logged, and Publish
// itself never returns an error to the caller. Handlers run one after
// another, so a slow handler delays the handlers registered after it.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for the named event. Handlers for the same
// name are invoked in the order they were subscribed.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Publish invokes every handler registered for name, in registration order.
// A handler panic is recovered and logged; it does not prevent subsequent
// handlers from running and is never propagated to the caller.
func (b *Bus) Publish(name string, payload any) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[name]...)
	b.mu.RUnlock()

	logger := log.WithComponent("eventbus")

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error().
						Str(log.FieldEvent, name).
						Interface("panic", r).
						Msg("event handler panicked")
				}
			}()
			h(name, payload)
		}()
	}
}

// SubscriberCount returns the number of handlers registered for name.
func (b *Bus) SubscriberCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[name])
}
