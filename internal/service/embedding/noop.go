package embedding

import (
	"context"
	"hash/fnv"

	"github.com/pgvector/pgvector-go"
)

// NoopProvider generates deterministic pseudo-embeddings without calling any
// API. Used in development and tests where real semantic quality does not
// matter but stable vectors do.
type NoopProvider struct {
	dimensions int
}

// NewNoopProvider creates a no-op provider with the given dimensionality.
func NewNoopProvider(dimensions int) *NoopProvider {
	if dimensions <= 0 {
		dimensions = 1536
	}
	return &NoopProvider{dimensions: dimensions}
}

// Dimensions returns the embedding vector size.
func (p *NoopProvider) Dimensions() int {
	return p.dimensions
}

// Embed returns a deterministic vector derived from the text's hash.
func (p *NoopProvider) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, p.dimensions)
	for i := range vec {
		// xorshift keeps the sequence cheap and reproducible.
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		vec[i] = float32(int64(seed%2000)-1000) / 1000
	}
	return pgvector.NewVector(vec), nil
}

// EmbedBatch returns deterministic vectors for each text.
func (p *NoopProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i, text := range texts {
		v, err := p.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vecs[i] = v
	}
	return vecs, nil
}
