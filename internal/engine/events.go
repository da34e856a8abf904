package engine

import (
	"log/slog"
	"sync"
	"time"
)

// EventType identifies a bus event.
type EventType string

const (
	StepStarted       EventType = "step_started"
	StepCompleted     EventType = "step_completed"
	StepFailed        EventType = "step_failed"
	WorkflowCompleted EventType = "workflow_completed"
)

// Event is the payload delivered to subscribers.
type Event struct {
	Type       EventType
	WorkflowID string
	StepNumber int
	StepID     string
	Agent      string
	Outputs    map[string]any
	Error      string
	Timestamp  time.Time
}

// Handler consumes bus events.
type Handler func(Event)

// Bus is a minimal in-process pub-sub surface. Emission is synchronous
// and fire-and-forget: a panicking subscriber is logged and never
// propagates to the emitter.
type Bus struct {
	mu     sync.RWMutex
	subs   map[EventType][]Handler
	logger *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[EventType][]Handler),
		logger: logger.With("component", "event-bus"),
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], h)
}

// Emit delivers an event to all subscribers of its type.
func (b *Bus) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	handlers := b.subs[ev.Type]
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, ev)
	}
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event_type", ev.Type, "panic", r)
		}
	}()
	h(ev)
}
