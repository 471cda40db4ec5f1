// Package eventbus is the in-process publish/subscribe bus carrying plugin
// lifecycle events.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"trustgate/internal/domain"
)

var _ domain.EventBus = (*Bus)(nil)

type subscription struct {
	id       uint64
	pluginID string // empty matches every plugin
	handler  domain.EventHandler
}

func (s subscription) matches(ev domain.Event) bool {
	return s.pluginID == "" || s.pluginID == ev.PluginID
}

// Bus is an in-process, goroutine-safe event bus.
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.EventType][]subscription
	allSubs []subscription
	nextID  atomic.Uint64
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		typed:  make(map[domain.EventType][]subscription),
		logger: logger,
	}
}

// Publish fans out an event to matching typed and all-event subscribers.
// Each handler runs in its own goroutine; panics are recovered and logged.
// Missing IDs and timestamps are filled in.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}
	if event.ID == "" {
		event.ID = newID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	typed := make([]subscription, len(b.typed[event.Type]))
	copy(typed, b.typed[event.Type])
	allSubs := make([]subscription, len(b.allSubs))
	copy(allSubs, b.allSubs)
	b.mu.RUnlock()

	for _, sub := range typed {
		if sub.matches(event) {
			b.dispatch(ctx, event, sub)
		}
	}
	for _, sub := range allSubs {
		if sub.matches(event) {
			b.dispatch(ctx, event, sub)
		}
	}
}

// Emit marshals payload and publishes it as an event of type typ for pluginID.
func (b *Bus) Emit(ctx context.Context, typ domain.EventType, pluginID string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			b.logger.Warn("event payload not serializable", "event", string(typ), "plugin", pluginID, "error", err)
		} else {
			raw = data
		}
	}
	b.Publish(ctx, domain.Event{Type: typ, PluginID: pluginID, Payload: raw})
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event, sub subscription) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"plugin", event.PluginID,
					"panic", r,
				)
			}
		}()
		sub.handler(ctx, event)
	}()
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.subscribeTyped(eventType, "", handler)
}

// SubscribePlugin registers a handler for events of eventType about pluginID only.
func (b *Bus) SubscribePlugin(eventType domain.EventType, pluginID string, handler domain.EventHandler) func() {
	return b.subscribeTyped(eventType, pluginID, handler)
}

func (b *Bus) subscribeTyped(eventType domain.EventType, pluginID string, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)
	sub := subscription{id: id, pluginID: pluginID, handler: handler}

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.typed[eventType]
		for i, s := range subs {
			if s.id == id {
				b.typed[eventType] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	id := b.nextID.Add(1)
	sub := subscription{id: id, handler: handler}

	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.allSubs {
			if s.id == id {
				b.allSubs = append(b.allSubs[:i:i], b.allSubs[i+1:]...)
				return
			}
		}
	}
}

// Close prevents new publishes and waits for in-flight handlers to finish.
// It is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}

func newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
