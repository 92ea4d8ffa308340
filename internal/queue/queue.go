// Package queue hands turns to the orchestration worker, either through an
// Upstash QStash-compatible message queue or inline in-process.
package queue

import (
	"context"

	"github.com/ashita-ai/koe/internal/model"
)

// Enqueuer accepts a chat job for asynchronous processing. Implementations
// must return quickly; the intake handler calls this on the request path.
type Enqueuer interface {
	Enqueue(ctx context.Context, job model.ChatJob) error
}
