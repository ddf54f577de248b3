package duplex

import (
	"sync"
)

// Event is a session lifecycle event name.
type Event string

const (
	EventConnect Event = "connect"
	EventError   Event = "error"
	EventClose   Event = "close"
	// EventChange fires alongside each of the other events, never on its
	// own. Every lifecycle transition is reported twice: once under its
	// specific name and once under EventChange.
	EventChange Event = "change"
)

type eventListener struct {
	id int
	fn func(payload interface{})
}

// eventRegistry holds the two notification mechanisms per lifecycle event:
// durable listeners indexed for removal, and a FIFO queue of one-shot
// futures consumed on the next firing.
type eventRegistry struct {
	mu        sync.Mutex
	seq       int
	listeners map[Event][]eventListener
	oneshots  map[Event][]*Future
}

func newEventRegistry() *eventRegistry {
	return &eventRegistry{
		listeners: map[Event][]eventListener{},
		oneshots:  map[Event][]*Future{},
	}
}

// on registers a durable listener and returns its removal id.
func (reg *eventRegistry) on(ev Event, fn func(payload interface{})) int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.seq++
	reg.listeners[ev] = append(reg.listeners[ev], eventListener{id: reg.seq, fn: fn})
	return reg.seq
}

// off removes a durable listener by id, reporting whether it existed.
func (reg *eventRegistry) off(ev Event, id int) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	ls := reg.listeners[ev]
	for i, l := range ls {
		if l.id == id {
			reg.listeners[ev] = append(ls[:i:i], ls[i+1:]...)
			return true
		}
	}
	return false
}

// once returns a future that resolves (with no payload) on the next firing
// of the event, then is discarded.
func (reg *eventRegistry) once(ev Event) *Future {
	f := NewFuture()
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.oneshots[ev] = append(reg.oneshots[ev], f)
	return f
}

// fire drains and resolves the pending one-shot futures for the event in
// FIFO order, then invokes the durable listeners in registration order.
// A panicking listener is logged and does not stop delivery to the rest.
func (reg *eventRegistry) fire(ev Event, payload interface{}) {
	reg.mu.Lock()
	oneshots := reg.oneshots[ev]
	delete(reg.oneshots, ev)
	listeners := make([]eventListener, len(reg.listeners[ev]))
	copy(listeners, reg.listeners[ev])
	reg.mu.Unlock()

	for _, f := range oneshots {
		if err := f.Resolve(nil); err != nil {
			logger.Printf("event %q: one-shot already settled", ev)
		}
	}
	for _, l := range listeners {
		callListener(ev, l, payload)
	}
}

func callListener(ev Event, l eventListener, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			logger.Printf("event %q: listener %d panic: %v", ev, l.id, r)
		}
	}()
	l.fn(payload)
}
