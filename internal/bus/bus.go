package bus

import (
	"slices"
	"sync"
	"time"
)

// Handler receives events synchronously on the publisher's goroutine.
type Handler func(Event)

// Bus is an in-process publish/subscribe bus keyed by event kind.
// Delivery is best effort: only subscribers registered at publish time see
// an event, and nothing is retained for late subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	kind    Kind
	handler Handler
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish calls every current subscriber of evt.Kind before returning.
// Handlers run outside the bus lock, so they may publish or unsubscribe.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	ids := make([]int, 0, len(b.subs))
	for id, sub := range b.subs {
		if sub.kind == All || sub.kind == evt.Kind {
			ids = append(ids, id)
		}
	}
	b.mu.RUnlock()

	// Map order is random; deliver in registration order.
	slices.Sort(ids)
	for _, id := range ids {
		b.mu.RLock()
		sub, ok := b.subs[id]
		b.mu.RUnlock()
		if ok {
			sub.handler(evt)
		}
	}
}

// Subscribe registers handler for kind and returns its release function.
// Release is idempotent.
func (b *Bus) Subscribe(kind Kind, handler Handler) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{kind: kind, handler: handler}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Watch adapts a subscription to a buffered channel for goroutine consumers.
// Events are dropped when the channel is full.
func (b *Bus) Watch(kind Kind, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	unsub := b.Subscribe(kind, func(evt Event) {
		select {
		case ch <- evt:
		default:
			// Drop event if subscriber is full (non-blocking).
		}
	})
	return ch, unsub
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
