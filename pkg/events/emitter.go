// Package events provides a small typed observer used for in-process
// notification: offline queue outcomes, network status changes and state
// updates. Handlers run synchronously on the emitting goroutine.
package events

import "sync"

// Emitter delivers values of one event type to subscribed handlers.
// The zero value is not usable, create with New.
type Emitter[T any] struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]func(T)
}

// New creates an emitter for event type T
func New[T any]() *Emitter[T] {
	return &Emitter[T]{handlers: map[int]func(T){}}
}

// Subscribe registers a handler and returns a function that removes it.
// Unsubscribing twice is harmless.
func (e *Emitter[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	e.handlers[id] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers, id)
	}
}

// Emit delivers the event to every handler subscribed at the time of the
// call. Handlers added or removed by a running handler take effect for the
// next Emit only.
func (e *Emitter[T]) Emit(event T) {
	e.mu.Lock()
	fns := make([]func(T), 0, len(e.handlers))
	for _, fn := range e.handlers {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
}

// Len returns the number of subscribed handlers
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers)
}
