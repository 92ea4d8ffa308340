// Package realtime carries turn events from the worker processing a turn to
// the server instances holding SSE connections for the session.
package realtime

import (
	"context"

	"github.com/ashita-ai/koe/internal/model"
)

// Publisher broadcasts turn events to every subscriber of a session.
type Publisher interface {
	// Publish sends an event to the session's channel. Delivery is
	// best-effort: the durable store, not the broadcast, is the source of
	// truth.
	Publish(ctx context.Context, sessionID string, event model.Event) error
}

// Subscriber receives events published for sessions.
type Subscriber interface {
	// Subscribe returns a channel of events for the session and a cancel
	// function that releases the subscription.
	Subscribe(ctx context.Context, sessionID string) (<-chan model.Event, func(), error)
}
