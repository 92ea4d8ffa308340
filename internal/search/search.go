// Package search provides vector search over the knowledge base using an
// external Qdrant index with transparent fallback to pgvector in Postgres.
package search

import (
	"context"

	"github.com/google/uuid"
)

// Result holds a document ID and its raw similarity score from the search
// index. The caller hydrates full documents from Postgres (source of truth).
type Result struct {
	DocumentID uuid.UUID
	Score      float32
}

// Searcher is the interface for vector search indexes.
// Implementations must be safe for concurrent use.
type Searcher interface {
	// Search returns document IDs matching the query vector, optionally
	// restricted to a category.
	Search(ctx context.Context, embedding []float32, category string, limit int) ([]Result, error)

	// Healthy returns nil if the search index is reachable, or an error
	// describing the problem.
	Healthy(ctx context.Context) error
}
