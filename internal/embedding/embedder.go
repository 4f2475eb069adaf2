// Package embedding holds helpers shared by all Embedder implementations.
package embedding

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"ragchat/internal/domain"
)

// DefaultWorkers bounds concurrent embedding calls during ingestion.
const DefaultWorkers = 4

// EmbedAll embeds texts concurrently with at most workers calls in flight.
// Results keep the order of texts. The first failure cancels the remaining
// calls and is returned wrapped in domain.ErrEmbeddingFailure.
func EmbedAll(ctx context.Context, emb domain.Embedder, texts []string, workers int) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	vectors := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range texts {
		g.Go(func() error {
			vec, err := emb.Embed(gctx, texts[i])
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrEmbeddingFailure, err)
	}
	return vectors, nil
}

// fixed rejects vectors whose length differs from the dimension chosen at
// startup.
type fixed struct {
	domain.Embedder
	dim int
}

// WithFixedDimension wraps emb so that every returned vector has exactly
// dim components. A zero dim takes the embedder's declared dimension.
func WithFixedDimension(emb domain.Embedder, dim int) (domain.Embedder, error) {
	if dim == 0 {
		dim = emb.Dimension()
	}
	if dim <= 0 {
		return nil, fmt.Errorf("%w: embedder %s has no fixed dimension", domain.ErrConfiguration, emb.Name())
	}
	if d := emb.Dimension(); d != 0 && d != dim {
		return nil, fmt.Errorf("%w: embedder %s produces %d dimensions, configured %d", domain.ErrDimensionMismatch, emb.Name(), d, dim)
	}
	return &fixed{Embedder: emb, dim: dim}, nil
}

func (f *fixed) Dimension() int { return f.dim }

func (f *fixed) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := f.Embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) != f.dim {
		return nil, fmt.Errorf("%w: %s returned %d dimensions, want %d", domain.ErrDimensionMismatch, f.Name(), len(vec), f.dim)
	}
	return vec, nil
}
