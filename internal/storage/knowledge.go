package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/koe/internal/model"
)

// InsertKnowledgeDocument stores a knowledge-base entry with its embedding.
// indexed_at is left NULL so the outbox worker picks the row up for the
// Qdrant index.
func (db *DB) InsertKnowledgeDocument(ctx context.Context, category, content string, embedding pgvector.Vector) (model.KnowledgeDocument, error) {
	doc := model.KnowledgeDocument{
		ID:        uuid.New(),
		Category:  category,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO koe_knowledge_documents (id, category, content, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		doc.ID, doc.Category, doc.Content, embedding, doc.CreatedAt,
	)
	if err != nil {
		return model.KnowledgeDocument{}, fmt.Errorf("storage: insert knowledge document: %w", err)
	}
	return doc, nil
}

// KnowledgeHit is one result of a knowledge search with its cosine similarity.
type KnowledgeHit struct {
	Document   model.KnowledgeDocument
	Similarity float32
}

// SearchKnowledge performs cosine-similarity search over the knowledge table.
// This is the fallback path when the Qdrant index is unavailable; Postgres is
// the source of truth either way.
func (db *DB) SearchKnowledge(ctx context.Context, embedding pgvector.Vector, category string, limit int) ([]KnowledgeHit, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, category, content, indexed_at, created_at, 1 - (embedding <=> $1) AS similarity
		 FROM koe_knowledge_documents
		 WHERE embedding IS NOT NULL AND ($2 = '' OR category = $2)
		 ORDER BY embedding <=> $1
		 LIMIT $3`,
		embedding, category, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: search knowledge: %w", err)
	}
	defer rows.Close()

	var hits []KnowledgeHit
	for rows.Next() {
		var h KnowledgeHit
		if err := rows.Scan(&h.Document.ID, &h.Document.Category, &h.Document.Content,
			&h.Document.IndexedAt, &h.Document.CreatedAt, &h.Similarity); err != nil {
			return nil, fmt.Errorf("storage: scan knowledge hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// PendingKnowledge holds one unindexed document with its embedding, for the
// outbox worker.
type PendingKnowledge struct {
	Document  model.KnowledgeDocument
	Embedding []float32
}

// ListUnindexedKnowledge returns documents not yet synced to the search
// index, oldest first.
func (db *DB) ListUnindexedKnowledge(ctx context.Context, limit int) ([]PendingKnowledge, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, category, content, embedding, created_at
		 FROM koe_knowledge_documents
		 WHERE indexed_at IS NULL AND embedding IS NOT NULL
		 ORDER BY created_at ASC
		 LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list unindexed knowledge: %w", err)
	}
	defer rows.Close()

	var pending []PendingKnowledge
	for rows.Next() {
		var p PendingKnowledge
		var vec pgvector.Vector
		if err := rows.Scan(&p.Document.ID, &p.Document.Category, &p.Document.Content, &vec, &p.Document.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan unindexed knowledge: %w", err)
		}
		p.Embedding = vec.Slice()
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// CountUnindexedKnowledge returns how many documents still await index sync.
func (db *DB) CountUnindexedKnowledge(ctx context.Context) (int64, error) {
	var count int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM koe_knowledge_documents WHERE indexed_at IS NULL AND embedding IS NOT NULL`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count unindexed knowledge: %w", err)
	}
	return count, nil
}

// MarkKnowledgeIndexed stamps documents as synced to the search index.
func (db *DB) MarkKnowledgeIndexed(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.pool.Exec(ctx,
		`UPDATE koe_knowledge_documents SET indexed_at = now() WHERE id = ANY($1)`, ids,
	)
	if err != nil {
		return fmt.Errorf("storage: mark knowledge indexed: %w", err)
	}
	return nil
}

// GetKnowledgeDocuments hydrates documents by id, preserving no particular order.
func (db *DB) GetKnowledgeDocuments(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]model.KnowledgeDocument, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]model.KnowledgeDocument{}, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, category, content, indexed_at, created_at
		 FROM koe_knowledge_documents WHERE id = ANY($1)`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get knowledge documents: %w", err)
	}
	defer rows.Close()

	docs := make(map[uuid.UUID]model.KnowledgeDocument, len(ids))
	for rows.Next() {
		var d model.KnowledgeDocument
		if err := rows.Scan(&d.ID, &d.Category, &d.Content, &d.IndexedAt, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan knowledge document: %w", err)
		}
		docs[d.ID] = d
	}
	return docs, rows.Err()
}
