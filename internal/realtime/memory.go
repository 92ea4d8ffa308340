package realtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ashita-ai/koe/internal/model"
)

// MemoryBus is an in-process Publisher/Subscriber for single-instance
// deployments and tests, where turns are processed in the same process that
// holds the SSE connections.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan model.Event
	nextID int
	logger *slog.Logger
}

// NewMemoryBus creates an in-process event bus.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	return &MemoryBus{
		subs:   make(map[string]map[int]chan model.Event),
		logger: logger.With("component", "memory_bus"),
	}
}

// Publish implements Publisher. Slow subscribers have events dropped.
func (b *MemoryBus) Publish(_ context.Context, sessionID string, event model.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[sessionID] {
		select {
		case ch <- event:
		default:
			b.logger.Warn("subscriber too slow, dropping event",
				"session_id", sessionID, "event_type", event.Type())
		}
	}
	return nil
}

// Subscribe implements Subscriber.
func (b *MemoryBus) Subscribe(ctx context.Context, sessionID string) (<-chan model.Event, func(), error) {
	ch := make(chan model.Event, subscriberBuffer)

	b.mu.Lock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[int]chan model.Event)
	}
	id := b.nextID
	b.nextID++
	b.subs[sessionID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[sessionID], id)
			if len(b.subs[sessionID]) == 0 {
				delete(b.subs, sessionID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}

	// Release the subscription if the caller's context ends first.
	go func() {
		<-ctx.Done()
		cancel()
	}()

	return ch, cancel, nil
}
