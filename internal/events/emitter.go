// Package events provides a small in-process emitter for named domain
// events. Subsystems that produce events (the agent manager, the file
// watcher) own an Emitter; consumers register handlers per event name and
// hold on to the returned Registration to deregister later.
package events

import (
	"log/slog"
	"sync"
)

// Handler receives the payload published for an event name.
type Handler func(payload any)

// Registration is the cancellation handle for a registered handler.
// Deregister is idempotent.
type Registration struct {
	emitter *Emitter
	name    string
	id      int
}

// Deregister removes the handler. Calling it more than once is a no-op.
func (r *Registration) Deregister() {
	if r == nil || r.emitter == nil {
		return
	}
	r.emitter.deregister(r.name, r.id)
	r.emitter = nil
}

// Emitter dispatches payloads to handlers registered by event name.
// Dispatch is synchronous: Emit returns after every handler has run.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[string]map[int]Handler
	nextID   int
}

// NewEmitter creates an empty Emitter.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[string]map[int]Handler)}
}

// Register adds a handler for the given event name.
func (e *Emitter) Register(name string, h Handler) *Registration {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	if e.handlers[name] == nil {
		e.handlers[name] = make(map[int]Handler)
	}
	e.handlers[name][e.nextID] = h
	return &Registration{emitter: e, name: name, id: e.nextID}
}

func (e *Emitter) deregister(name string, id int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if hs, ok := e.handlers[name]; ok {
		delete(hs, id)
		if len(hs) == 0 {
			delete(e.handlers, name)
		}
	}
}

// Emit invokes every handler registered for name. Handlers run over a
// snapshot, so a handler may register or deregister without deadlocking.
// A panicking handler is logged and does not stop the remaining handlers.
func (e *Emitter) Emit(name string, payload any) {
	e.mu.RLock()
	snapshot := make([]Handler, 0, len(e.handlers[name]))
	for _, h := range e.handlers[name] {
		snapshot = append(snapshot, h)
	}
	e.mu.RUnlock()

	for _, h := range snapshot {
		invoke(name, h, payload)
	}
}

func invoke(name string, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "event", name, "panic", r)
		}
	}()
	h(payload)
}

// HandlerCount returns the number of handlers registered for name.
func (e *Emitter) HandlerCount(name string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[name])
}
