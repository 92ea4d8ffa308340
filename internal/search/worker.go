package search

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/koe/internal/storage"
	"github.com/ashita-ai/koe/internal/telemetry"
)

// IndexStore is the storage surface the index worker needs. Documents with a
// NULL indexed_at act as the pending queue; Postgres stays the source of
// truth and the Qdrant index is rebuilt from it.
type IndexStore interface {
	ListUnindexedKnowledge(ctx context.Context, limit int) ([]storage.PendingKnowledge, error)
	MarkKnowledgeIndexed(ctx context.Context, ids []uuid.UUID) error
	CountUnindexedKnowledge(ctx context.Context) (int64, error)
}

// IndexWorker polls for unindexed knowledge documents and syncs them to the
// Qdrant index.
type IndexWorker struct {
	store        IndexStore
	index        *QdrantIndex
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	drainCh    chan context.Context // carries the drain context to pollLoop for the final poll
}

// NewIndexWorker creates a new index worker.
func NewIndexWorker(store IndexStore, index *QdrantIndex, logger *slog.Logger, pollInterval time.Duration, batchSize int) *IndexWorker {
	return &IndexWorker{
		store:        store,
		index:        index,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *IndexWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("search worker: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, processes remaining documents, and
// blocks until done or the context expires. The ctx parameter is passed to
// the final poll so it respects the caller's deadline.
func (w *IndexWorker) Drain(ctx context.Context) {
	// Send the drain context to pollLoop via channel (race-free).
	// Must be sent before cancelLoop so pollLoop can receive it on ctx.Done().
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("search worker: drain timed out")
	}
}

func (w *IndexWorker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain: prefer the drain context (sent by Drain via
			// channel) so the final poll respects the caller's deadline.
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				// Fallback for direct cancellation without Drain (e.g., tests).
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

func (w *IndexWorker) processBatch(ctx context.Context) {
	pending, err := w.store.ListUnindexedKnowledge(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("search worker: list unindexed", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	points := make([]Point, len(pending))
	ids := make([]uuid.UUID, len(pending))
	for i, p := range pending {
		points[i] = Point{
			ID:        p.Document.ID,
			Category:  p.Document.Category,
			CreatedAt: p.Document.CreatedAt,
			Embedding: p.Embedding,
		}
		ids[i] = p.Document.ID
	}

	if err := w.index.Upsert(ctx, points); err != nil {
		// indexed_at stays NULL, so the batch is retried on the next poll.
		w.logger.Error("search worker: qdrant upsert", "error", err, "count", len(points))
		return
	}

	if err := w.store.MarkKnowledgeIndexed(ctx, ids); err != nil {
		w.logger.Error("search worker: mark indexed", "error", err)
		return
	}
	w.logger.Info("search worker: indexed documents", "count", len(points))
}

// registerMetrics registers an observable OTEL gauge for index lag monitoring.
func (w *IndexWorker) registerMetrics() {
	meter := telemetry.Meter("koe/search")

	_, _ = meter.Int64ObservableGauge("koe.search.unindexed",
		metric.WithDescription("Number of knowledge documents awaiting index sync"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			count, err := w.store.CountUnindexedKnowledge(ctx)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(count)
			return nil
		}),
	)
}
