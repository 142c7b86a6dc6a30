// Package event provides the in-memory event bus that decouples producers
// (the log store tee, primarily) from the WebSocket fan-out.
package event

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Topics published on the bus.
const (
	TopicLogEntry = "log.entry"
)

// Event is a single bus message.
type Event struct {
	Topic     string
	Source    string
	Timestamp time.Time
	Payload   any
}

// Handler processes one event.
type Handler func(ctx context.Context, event Event)

// Bus is an in-memory event bus. Publish is synchronous (handlers run in the
// caller's goroutine); PublishAsync dispatches handlers in separate
// goroutines.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry
	nextID   uint64
	logger   *zap.Logger
}

type handlerEntry struct {
	id      uint64
	handler Handler
}

// NewBus creates a new in-memory event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]handlerEntry),
		logger:   logger,
	}
}

// Publish dispatches an event synchronously to all handlers for its topic.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	entries := make([]handlerEntry, len(b.handlers[event.Topic]))
	copy(entries, b.handlers[event.Topic])
	b.mu.RUnlock()

	for _, e := range entries {
		b.safeCall(ctx, e.handler, event)
	}
}

// PublishAsync dispatches an event asynchronously to all handlers for its
// topic.
func (b *Bus) PublishAsync(ctx context.Context, event Event) {
	b.mu.RLock()
	entries := make([]handlerEntry, len(b.handlers[event.Topic]))
	copy(entries, b.handlers[event.Topic])
	b.mu.RUnlock()

	for _, e := range entries {
		go b.safeCall(ctx, e.handler, event)
	}
}

// Subscribe registers a handler for a topic. Returns an unsubscribe function.
func (b *Bus) Subscribe(topic string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[topic] = append(b.handlers[topic], handlerEntry{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[topic]
		for i, e := range entries {
			if e.id == id {
				b.handlers[topic] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) safeCall(ctx context.Context, handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", event.Topic),
				zap.String("source", event.Source),
				zap.Any("panic", r),
			)
		}
	}()
	handler(ctx, event)
}
