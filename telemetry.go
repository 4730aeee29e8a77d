package oban

import (
	"sync"
	"time"
)

// EventKind names one of the telemetry events the executor emits, per
// spec §6 ("Telemetry hook").
type EventKind string

const (
	EventJobStart     EventKind = "job.start"
	EventJobStop      EventKind = "job.stop"
	EventJobException EventKind = "job.exception"
)

// Event is the payload delivered to telemetry handlers. Not every field is
// populated for every EventKind: Duration/QueueTime are set on
// Stop/Exception, State on Stop and on safe-mode Exception, ErrorMessage
// only on Exception. The executor leaves ErrorType and Traceback empty.
type Event struct {
	Kind         EventKind
	Job          *JobRow
	State        JobState
	Duration     time.Duration
	QueueTime    time.Duration
	ErrorType    string
	ErrorMessage string
	Traceback    string
}

// Handler receives emitted telemetry events. Handlers run synchronously on
// the emitting goroutine (typically an executor task) and must not block;
// this mirrors the teacher's lightweight attach/emit contract, which
// deliberately does not buffer or serialize events (serialization is
// explicitly out of scope per spec §1).
type Handler func(Event)

// EventBus is the injectable attach-table described in spec §9: rather
// than a process-wide global, it's an explicit object constructed once and
// shared by the Oban supervisor and its Executor.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string]registeredHandler
}

type registeredHandler struct {
	events  map[EventKind]bool
	handler Handler
}

// NewEventBus returns an empty telemetry registry.
func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[string]registeredHandler)}
}

// Attach registers handler under name to receive the given event kinds.
// Re-attaching the same name replaces the previous registration.
func (b *EventBus) Attach(name string, events []EventKind, handler Handler) {
	set := make(map[EventKind]bool, len(events))
	for _, e := range events {
		set[e] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = registeredHandler{events: set, handler: handler}
}

// Detach removes a previously attached handler by name.
func (b *EventBus) Detach(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, name)
}

// Emit dispatches ev to every handler subscribed to ev.Kind. A best-effort
// hook: per spec §4.3, telemetry is emitted before any state transition is
// durably recorded, but failure to emit (a panicking handler) must never
// prevent the terminal query from running, so Emit recovers from handler
// panics.
func (b *EventBus) Emit(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, rh := range b.handlers {
		if !rh.events[ev.Kind] {
			continue
		}
		b.invokeSafely(rh.handler, ev)
	}
}

func (b *EventBus) invokeSafely(h Handler, ev Event) {
	defer func() { _ = recover() }()
	h(ev)
}
