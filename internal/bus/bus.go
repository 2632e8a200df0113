// Package bus provides an in-process event bus for session events
package bus

import (
	"sync"
	"time"
)

// EventType identifies different event types
type EventType string

// Event types published by a session
const (
	// Intent events
	EventTypeIntentApplied  EventType = "intent.applied"
	EventTypeIntentRejected EventType = "intent.rejected"

	// Speech events
	EventTypeSpeakingStarted EventType = "speech.started"
	EventTypeSpeakingPaused  EventType = "speech.paused"
	EventTypeSpeakingStopped EventType = "speech.stopped"

	// Idle events
	EventTypeIdleEntered        EventType = "idle.entered"
	EventTypeIdleExited         EventType = "idle.exited"
	EventTypeIdleExpression     EventType = "idle.expression"
	EventTypeIdleConfigUpdated  EventType = "idle.config_updated"
	EventTypeIdleRuntimeFailure EventType = "idle.runtime_failure"

	// Attention events
	EventTypeLookAt EventType = "attention.look_at"

	// Output events
	EventTypeFrameApplied EventType = "frame.applied"
	EventTypeSinkError    EventType = "frame.sink_error"

	// Source connection events
	EventTypeSourceConnected    EventType = "source.connected"
	EventTypeSourceDisconnected EventType = "source.disconnected"
)

// Event represents a bus event
type Event struct {
	Type    EventType      `json:"type"`
	Session string         `json:"session,omitempty"`
	At      time.Time      `json:"at"`
	Data    map[string]any `json:"data,omitempty"`
}

// Handler is a function that handles events
type Handler func(Event)

// EventBus is a simple pub/sub event bus
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	all      []Handler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe adds a handler for an event type
func (b *EventBus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeMultiple adds a handler for multiple event types
func (b *EventBus) SubscribeMultiple(eventTypes []EventType, handler Handler) {
	for _, et := range eventTypes {
		b.Subscribe(et, handler)
	}
}

// SubscribeAll adds a handler that receives every event
func (b *EventBus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, handler)
}

// Publish sends an event to all subscribed handlers without blocking
func (b *EventBus) Publish(event Event) {
	for _, handler := range b.snapshot(event) {
		go handler(event)
	}
}

// PublishSync sends an event and waits for all handlers to complete
func (b *EventBus) PublishSync(event Event) {
	var wg sync.WaitGroup
	for _, handler := range b.snapshot(event) {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			h(event)
		}(handler)
	}
	wg.Wait()
}

func (b *EventBus) snapshot(event Event) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type])+len(b.all))
	handlers = append(handlers, b.handlers[event.Type]...)
	return append(handlers, b.all...)
}

// Clear removes all handlers
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]Handler)
	b.all = nil
}
