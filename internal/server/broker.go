package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ashita-ai/koe/internal/storage"
)

// StoreEvent is one durable-store insert surfaced to SSE clients. Name is the
// SSE event type ("message" or "tool_call"); Data is the row as JSON.
type StoreEvent struct {
	Name string
	Data []byte
}

// Broker fans out Postgres LISTEN/NOTIFY insert signals to SSE subscribers,
// keyed by session. It runs a background goroutine that calls
// db.WaitForNotification in a loop and routes each payload to the session's
// active subscriber channels.
//
// Store inserts are the authoritative record of a turn; the broker is how a
// connected client learns a row has been committed without polling.
type Broker struct {
	db     *storage.DB
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]map[chan StoreEvent]struct{}
}

// NewBroker creates a store-insert broker. Call Start to begin listening.
func NewBroker(db *storage.DB, logger *slog.Logger) *Broker {
	return &Broker{
		db:          db,
		logger:      logger,
		subscribers: make(map[string]map[chan StoreEvent]struct{}),
	}
}

// Start begins listening on the message and tool-call channels.
// It blocks, so call it in a goroutine. Returns when ctx is cancelled.
func (b *Broker) Start(ctx context.Context) {
	if err := b.db.Listen(ctx, storage.ChannelMessages); err != nil {
		b.logger.Error("broker: listen messages", "error", err)
		return
	}
	if err := b.db.Listen(ctx, storage.ChannelToolCalls); err != nil {
		b.logger.Error("broker: listen tool calls", "error", err)
		return
	}

	b.logger.Info("broker: listening for store inserts",
		"channels", []string{storage.ChannelMessages, storage.ChannelToolCalls})

	for {
		channel, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}
		b.route(channel, payload)
	}
}

// route extracts the session from the payload and delivers the event to that
// session's subscribers.
func (b *Broker) route(channel, payload string) {
	var row struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal([]byte(payload), &row); err != nil || row.SessionID == "" {
		b.logger.Warn("broker: unroutable notification", "channel", channel, "error", err)
		return
	}

	name := "message"
	if channel == storage.ChannelToolCalls {
		name = "tool_call"
	}
	event := StoreEvent{Name: name, Data: []byte(payload)}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers[row.SessionID] {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full — drop this event for them. The row is
			// durable; the client recovers by re-fetching history.
		}
	}
}

// Subscribe returns a channel receiving store events for one session.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(sessionID string) chan StoreEvent {
	ch := make(chan StoreEvent, 64) // Buffer to avoid blocking the routing loop.
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[sessionID]
	if subs == nil {
		subs = make(map[chan StoreEvent]struct{})
		b.subscribers[sessionID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(sessionID string, ch chan StoreEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[sessionID]
	if subs == nil {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	if len(subs) == 0 {
		delete(b.subscribers, sessionID)
	}
	close(ch)
}
