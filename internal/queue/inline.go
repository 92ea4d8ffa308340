package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ashita-ai/koe/internal/model"
)

// JobHandler processes one chat job.
type JobHandler func(ctx context.Context, job model.ChatJob) error

// Inline runs jobs in-process instead of through an external queue. Used in
// development and single-instance deployments where no QStash is configured.
type Inline struct {
	handler JobHandler
	logger  *slog.Logger

	wg      sync.WaitGroup
	baseCtx context.Context
}

// NewInline creates an inline enqueuer. Jobs run on baseCtx, not the intake
// request's context, so processing survives the HTTP request ending.
func NewInline(baseCtx context.Context, handler JobHandler, logger *slog.Logger) *Inline {
	return &Inline{
		handler: handler,
		baseCtx: baseCtx,
		logger:  logger.With("component", "queue_inline"),
	}
}

// Enqueue implements Enqueuer by running the job on a new goroutine.
func (q *Inline) Enqueue(_ context.Context, job model.ChatJob) error {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if err := q.handler(q.baseCtx, job); err != nil {
			q.logger.Error("inline job failed",
				"session_id", job.SessionID, "turn_id", job.TurnID, "error", err)
		}
	}()
	return nil
}

// Wait blocks until all in-flight jobs finish. Called during shutdown.
func (q *Inline) Wait() {
	q.wg.Wait()
}
