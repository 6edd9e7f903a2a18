// Package events provides the engine's typed publish/subscribe channel:
// one ordered listener list per event kind plus a catch-all list, with
// handle-based unsubscribe.
package events

import (
	"sync"
	"time"
)

// Kind names an event category.
type Kind string

// Event kinds emitted by the engine.
const (
	KindEntryEvicted        Kind = "entry_evicted"
	KindCleanupCompleted    Kind = "cleanup_completed"
	KindSyncCompleted       Kind = "sync_completed"
	KindConflictResolved    Kind = "conflict_resolved"
	KindOperationConfirmed  Kind = "operation_confirmed"
	KindOperationRolledBack Kind = "operation_rolled_back"
	KindCircuitStateChanged Kind = "circuit_state_changed"
	KindNetworkStatus       Kind = "network_status"
)

// KindAll subscribes to every event kind.
const KindAll Kind = "*"

// Event is a single engine notification.
type Event struct {
	Kind    Kind
	Key     string
	Time    time.Time
	Payload any
}

// Handler receives published events. Handlers run synchronously on the
// publishing goroutine and must not block.
type Handler func(Event)

// Subscription identifies a registered handler for unsubscribe.
type Subscription struct {
	bus  *Bus
	kind Kind
	id   int
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s Subscription) Unsubscribe() {
	if s.bus == nil {
		return
	}
	s.bus.unsubscribe(s.kind, s.id)
}

// Bus is an in-process event bus. The zero value is not usable; use NewBus.
type Bus struct {
	mu   sync.RWMutex
	seq  int
	subs map[Kind]*listenerList
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Kind]*listenerList)}
}

// Subscribe registers a handler for one event kind. Use KindAll for a
// catch-all subscription. Handlers are invoked in subscription order.
func (b *Bus) Subscribe(kind Kind, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	list, ok := b.subs[kind]
	if !ok {
		list = newListenerList()
		b.subs[kind] = list
	}
	list.add(b.seq, h)
	return Subscription{bus: b, kind: kind, id: b.seq}
}

// Publish delivers the event to the kind's listeners, then to catch-all
// listeners. Nil buses drop events so callers need no nil guards.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, 4)
	if list, ok := b.subs[ev.Kind]; ok {
		handlers = list.appendHandlers(handlers)
	}
	if list, ok := b.subs[KindAll]; ok {
		handlers = list.appendHandlers(handlers)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (b *Bus) unsubscribe(kind Kind, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if list, ok := b.subs[kind]; ok {
		list.remove(id)
	}
}

// listenerList keeps handlers in subscription order with O(1) removal:
// a map from handle id to handler plus an order slice compacted lazily.
type listenerList struct {
	order    []int
	handlers map[int]Handler
}

func newListenerList() *listenerList {
	return &listenerList{handlers: make(map[int]Handler)}
}

func (l *listenerList) add(id int, h Handler) {
	l.order = append(l.order, id)
	l.handlers[id] = h
}

func (l *listenerList) remove(id int) {
	delete(l.handlers, id)
	// Compact once removed ids dominate the order slice.
	if len(l.order) > 2*len(l.handlers) {
		kept := l.order[:0]
		for _, id := range l.order {
			if _, ok := l.handlers[id]; ok {
				kept = append(kept, id)
			}
		}
		l.order = kept
	}
}

func (l *listenerList) appendHandlers(dst []Handler) []Handler {
	for _, id := range l.order {
		if h, ok := l.handlers[id]; ok {
			dst = append(dst, h)
		}
	}
	return dst
}
