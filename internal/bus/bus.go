// Package bus implements the node's internal message bus: a
// synchronous-dispatch, asynchronous-delivery fan-out used to decouple
// the router from the peer relay layer. Publishing never runs a
// subscriber's handler on the publisher's goroutine, so a slow or
// panicking handler cannot block routing or take down the emitting
// call site.
//
// Grounded on the subscriber-map shape of the teacher's eventstream
// server, generalized from a single flat topic space into the bus
// contract of named events with typed payloads.
package bus

import (
	"log/slog"
	"sync"
)

// Handler receives an event's payload. Handlers run on a goroutine owned
// by the bus, never on the emitting goroutine.
type Handler func(payload interface{})

// Bus is a typed, fan-out-to-many event channel. The zero value is not
// usable; use New.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers handler for event, appended after any handler
// already registered for the same event. Registration order is the
// invocation order for any single Emit of that event.
func (b *Bus) Subscribe(event string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], handler)
}

// Emit dispatches payload to every handler registered for event. The
// dispatch itself happens on a new goroutine so Emit never blocks on
// handler execution; handlers for this one call still run in
// registration order, one after another, on that goroutine. A panic in
// one handler is recovered and logged so it cannot prevent later
// handlers in the same emission from running.
func (b *Bus) Emit(event string, payload interface{}) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[event]))
	copy(handlers, b.handlers[event])
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	go func() {
		for _, h := range handlers {
			runHandler(event, h, payload)
		}
	}()
}

func runHandler(event string, h Handler, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus handler panicked", "event", event, "recovered", r)
		}
	}()
	h(payload)
}
