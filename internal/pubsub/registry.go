// Package pubsub holds the typed listener registries the finders and the
// virtual participant fan events out through. Listeners are invoked inline on
// the thread that received the triggering packet, so they must return quickly
// and hand anything slow to their own goroutine.
package pubsub

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// LifecycleListener is notified when a component starts or stops. Either
// field may be nil.
type LifecycleListener struct {
	Started func()
	Stopped func()
}

// Registry is a set of listeners of one event type. Add returns a token that
// Remove takes back. Dispatch iterates a snapshot of the set, so listeners may
// register or deregister from inside a callback without deadlocking.
type Registry[T any] struct {
	mu        sync.Mutex
	listeners map[uuid.UUID]T
	snapshot  atomic.Pointer[[]T]
}

// NewRegistry creates an empty listener registry.
func NewRegistry[T any]() *Registry[T] {
	r := &Registry[T]{listeners: make(map[uuid.UUID]T)}
	r.snapshot.Store(&[]T{})
	return r
}

// Add registers a listener and returns the token that removes it again.
func (r *Registry[T]) Add(listener T) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New()
	r.listeners[id] = listener
	r.rebuild()
	return id
}

// Remove deregisters the listener registered under the given token. Unknown
// tokens are ignored.
func (r *Registry[T]) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listeners, id)
	r.rebuild()
}

// rebuild refreshes the lock-free snapshot; callers hold r.mu.
func (r *Registry[T]) rebuild() {
	listeners := make([]T, 0, len(r.listeners))
	for _, l := range r.listeners {
		listeners = append(listeners, l)
	}
	r.snapshot.Store(&listeners)
}

// Listeners returns the current snapshot of registered listeners.
func (r *Registry[T]) Listeners() []T {
	return *r.snapshot.Load()
}

// Len reports how many listeners are registered.
func (r *Registry[T]) Len() int {
	return len(r.Listeners())
}

// Dispatch invokes deliver for each registered listener. A listener that
// panics is logged and skipped so one bad listener cannot halt fan-out or
// kill the receive loop that called us.
func (r *Registry[T]) Dispatch(deliver func(T)) {
	for _, listener := range r.Listeners() {
		func() {
			defer func() {
				if p := recover(); p != nil {
					log.Printf("pubsub: problem delivering event to listener: %v", p)
				}
			}()
			deliver(listener)
		}()
	}
}
