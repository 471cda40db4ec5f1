package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventPluginDiscovered   EventType = "plugin.discovered"
	EventPluginAdmitted     EventType = "plugin.admitted"
	EventPluginRejected     EventType = "plugin.rejected"
	EventPluginStateChanged EventType = "plugin.state_changed"
	EventPluginExecuted     EventType = "plugin.executed"
	EventPluginCrashed      EventType = "plugin.crashed"
	EventPluginRecovered    EventType = "plugin.recovered"
	EventPluginDisabled     EventType = "plugin.disabled"
	EventPluginUnloaded     EventType = "plugin.unloaded"
	EventPluginMessage      EventType = "plugin.message"

	EventProcessStarted EventType = "process.started"
	EventProcessExited  EventType = "process.exited"

	EventResourceWarning EventType = "resource.warning"
	EventAlertRaised     EventType = "alert.raised"
	EventTrustedKeyAdded EventType = "trust.key_added"
)

// Event is the envelope published on the event bus.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	PluginID  string          `json:"plugin_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// StateChange is the payload of EventPluginStateChanged.
type StateChange struct {
	From LifecycleState `json:"from"`
	To   LifecycleState `json:"to"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
