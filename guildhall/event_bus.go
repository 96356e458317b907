package guildhall

import "sync"

type busListener func(args ...any)

type keyedListener struct {
	key string
	fn  busListener
}

// EventBus fans out gateway events to in-process listeners.
// Keyed ("task") listeners run before ordinary ones, each group in
// registration order. Listeners aren't recovered: a panic stops the
// remaining listeners for that emit.
type EventBus struct {
	mu        sync.Mutex
	listeners map[string][]busListener
	tasks     map[string][]keyedListener
}

func NewEventBus() *EventBus {
	return &EventBus{
		listeners: map[string][]busListener{},
		tasks:     map[string][]keyedListener{},
	}
}

// On adds an ordinary listener for event.
func (b *EventBus) On(event string, fn func(args ...any)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[event] = append(b.listeners[event], fn)
}

// Task adds a keyed listener for event. If key is already registered,
// its listener is replaced in place.
func (b *EventBus) Task(event string, key string, fn func(args ...any)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, t := range b.tasks[event] {
		if t.key == key {
			b.tasks[event][i].fn = fn
			return
		}
	}
	b.tasks[event] = append(b.tasks[event], keyedListener{key: key, fn: fn})
}

// RemoveTask removes a keyed listener, reporting whether it existed.
func (b *EventBus) RemoveTask(event string, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	tasks := b.tasks[event]
	for i, t := range tasks {
		if t.key == key {
			b.tasks[event] = append(tasks[:i:i], tasks[i+1:]...)
			return true
		}
	}
	return false
}

// Off removes all listeners for event.
func (b *EventBus) Off(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, event)
	delete(b.tasks, event)
}

// Emit calls event's listeners synchronously.
func (b *EventBus) Emit(event string, args ...any) {
	b.mu.Lock()
	tasks := make([]busListener, 0, len(b.tasks[event]))
	for _, t := range b.tasks[event] {
		tasks = append(tasks, t.fn)
	}
	listeners := append([]busListener{}, b.listeners[event]...)
	b.mu.Unlock()

	for _, fn := range tasks {
		fn(args...)
	}
	for _, fn := range listeners {
		fn(args...)
	}
}

func (b *EventBus) ListenerCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[event]) + len(b.tasks[event])
}
