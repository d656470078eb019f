package organizer

import (
	"sync"
	"time"
)

// EventType names a progress event.
type EventType string

const (
	EventFilesFound        EventType = "files_found"
	EventScanComplete      EventType = "scan_complete"
	EventCacheLookup       EventType = "cache_lookup"
	EventBatchClassified   EventType = "batch_classified"
	EventPlanGenerated     EventType = "plan_generated"
	EventOperationProgress EventType = "operation_progress"
	EventSessionComplete   EventType = "session_complete"
	EventSessionError      EventType = "session_error"
	EventRollbackProgress  EventType = "rollback_progress"
	EventPhaseChanged      EventType = "phase_changed"
)

// Event is a progress notification for the presentation layer.
type Event struct {
	Type      EventType
	Timestamp time.Time
	SessionID string
	Data      map[string]any
}

// EventHandler receives events synchronously on the publishing goroutine.
type EventHandler func(Event)

// Publisher is the narrow interface the engine publishes through.
type Publisher interface {
	Publish(event Event)
}

// EventBus fans events out to subscribers.
type EventBus struct {
	mu          sync.RWMutex
	clock       Clock
	handlers    map[EventType][]EventHandler
	allHandlers []EventHandler
}

// NewEventBus creates an event bus that stamps events with clock.
func NewEventBus(clock Clock) *EventBus {
	if clock == nil {
		clock = RealClock{}
	}
	return &EventBus{
		clock:    clock,
		handlers: make(map[EventType][]EventHandler),
	}
}

// Subscribe registers a handler for one event type.
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// SubscribeAll registers a handler for every event type.
func (eb *EventBus) SubscribeAll(handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.allHandlers = append(eb.allHandlers, handler)
}

// Publish delivers event to matching handlers, then to catch-all handlers.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = eb.clock.Now()
	}
	for _, handler := range eb.handlers[event.Type] {
		handler(event)
	}
	for _, handler := range eb.allHandlers {
		handler(event)
	}
}

// PublishWithData is a convenience wrapper around Publish.
func (eb *EventBus) PublishWithData(eventType EventType, sessionID string, data map[string]any) {
	eb.Publish(Event{Type: eventType, SessionID: sessionID, Data: data})
}

// nopPublisher drops events.
type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}
