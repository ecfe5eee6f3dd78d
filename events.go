package nodeaddr

import (
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ChangeHandler is called when the endpoints an address resolves to change. current is nil
// when the address no longer resolves.
type ChangeHandler func(key string, previous, current []netip.AddrPort)

// HandlerID uniquely identifies a registered event handler
type HandlerID uuid.UUID

// EventHandlers manages a collection of handlers of a specific type
type EventHandlers[T any] struct {
	handlers atomic.Pointer[[]T]
	mu       sync.RWMutex
	idMap    map[HandlerID]int
}

// NewEventHandlers creates a new handler collection for any type
func NewEventHandlers[T any]() *EventHandlers[T] {
	registry := &EventHandlers[T]{
		idMap: make(map[HandlerID]int),
	}
	registry.handlers.Store(&[]T{})
	return registry
}

// Add registers a handler and returns its ID
func (l *EventHandlers[T]) Add(handler T) HandlerID {
	id := HandlerID(uuid.New())

	l.mu.Lock()
	defer l.mu.Unlock()

	current := *l.handlers.Load()
	next := make([]T, len(current)+1)
	copy(next, current)
	next[len(current)] = handler

	l.idMap[id] = len(current)
	l.handlers.Store(&next)

	return id
}

// Remove unregisters a handler by its ID
func (l *EventHandlers[T]) Remove(id HandlerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := *l.handlers.Load()
	index, exists := l.idMap[id]
	if !exists || index >= len(current) {
		return false
	}

	next := make([]T, 0, len(current)-1)
	next = append(next, current[:index]...)
	next = append(next, current[index+1:]...)

	delete(l.idMap, id)
	for otherID, otherIndex := range l.idMap {
		if otherIndex > index {
			l.idMap[otherID] = otherIndex - 1
		}
	}

	l.handlers.Store(&next)
	return true
}

// ForEach calls fn for each handler, in registration order, without locking
func (l *EventHandlers[T]) ForEach(fn func(T)) {
	current := l.handlers.Load()
	if current == nil {
		return
	}
	for _, h := range *current {
		fn(h)
	}
}

// Len returns the number of registered handlers
func (l *EventHandlers[T]) Len() int {
	return len(*l.handlers.Load())
}

// endpointsChanged reports whether two answers differ, ignoring order
func endpointsChanged(previous, current []netip.AddrPort) bool {
	if len(previous) != len(current) {
		return true
	}
	a := slices.Clone(previous)
	b := slices.Clone(current)
	slices.SortFunc(a, netip.AddrPort.Compare)
	slices.SortFunc(b, netip.AddrPort.Compare)
	return !slices.Equal(a, b)
}
