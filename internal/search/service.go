package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/koe/internal/service/embedding"
	"github.com/ashita-ai/koe/internal/storage"
	"github.com/ashita-ai/koe/internal/tools"
)

// KnowledgeService answers semantic queries for the knowledge_base_search
// tool. It embeds the query, searches the Qdrant index when one is configured
// and healthy, and falls back to pgvector in Postgres otherwise.
type KnowledgeService struct {
	embedder embedding.Provider
	db       *storage.DB
	index    Searcher // nil when Qdrant is not configured
	logger   *slog.Logger
}

// NewKnowledgeService creates the search service. index may be nil.
func NewKnowledgeService(embedder embedding.Provider, db *storage.DB, index Searcher, logger *slog.Logger) *KnowledgeService {
	return &KnowledgeService{
		embedder: embedder,
		db:       db,
		index:    index,
		logger:   logger.With("component", "knowledge_search"),
	}
}

// Search implements tools.KnowledgeSearcher.
func (s *KnowledgeService) Search(ctx context.Context, query, category string, limit int) ([]tools.KnowledgeResult, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search: embed query: %w", err)
	}

	if s.index != nil {
		if err := s.index.Healthy(ctx); err != nil {
			s.logger.Warn("index unhealthy, falling back to postgres", "error", err)
		} else {
			results, err := s.searchIndex(ctx, vec.Slice(), category, limit)
			if err == nil {
				return results, nil
			}
			s.logger.Warn("index search failed, falling back to postgres", "error", err)
		}
	}

	return s.searchPostgres(ctx, vec, category, limit)
}

func (s *KnowledgeService) searchIndex(ctx context.Context, embedding []float32, category string, limit int) ([]tools.KnowledgeResult, error) {
	hits, err := s.index.Search(ctx, embedding, category, limit)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, len(hits))
	for i, h := range hits {
		ids[i] = h.DocumentID
	}
	docs, err := s.db.GetKnowledgeDocuments(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]tools.KnowledgeResult, 0, len(hits))
	for _, h := range hits {
		doc, ok := docs[h.DocumentID]
		if !ok {
			// Deleted between index query and Postgres hydration.
			continue
		}
		results = append(results, tools.KnowledgeResult{
			Title:    titleOf(doc.Content),
			Content:  doc.Content,
			Category: doc.Category,
			Score:    h.Score,
		})
	}
	return results, nil
}

func (s *KnowledgeService) searchPostgres(ctx context.Context, vec pgvector.Vector, category string, limit int) ([]tools.KnowledgeResult, error) {
	hits, err := s.db.SearchKnowledge(ctx, vec, category, limit)
	if err != nil {
		return nil, fmt.Errorf("search: postgres search: %w", err)
	}

	results := make([]tools.KnowledgeResult, 0, len(hits))
	for _, h := range hits {
		results = append(results, tools.KnowledgeResult{
			Title:    titleOf(h.Document.Content),
			Content:  h.Document.Content,
			Category: h.Document.Category,
			Score:    h.Similarity,
		})
	}
	return results, nil
}

// titleOf derives a short title from a document's first line.
func titleOf(content string) string {
	line := content
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(strings.TrimLeft(line, "# "))
	runes := []rune(line)
	if len(runes) > 80 {
		return string(runes[:80])
	}
	return line
}
