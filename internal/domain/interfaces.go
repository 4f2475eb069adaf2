package domain

import "context"

// Embedder converts free text into a numeric vector representation.
// Dimension is fixed for the lifetime of the embedder; zero means the
// dimension is learned from the first response.
type Embedder interface {
	Name() string
	Dimension() int
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Chunker splits documents into chunks suitable for retrieval indexing.
type Chunker interface {
	Chunk(document Document) ([]Chunk, error)
}

// VectorIndex stores chunk vectors and supports similarity search.
// Insert is all-or-nothing: a failed call leaves the index unchanged.
type VectorIndex interface {
	Insert(ctx context.Context, chunks []Chunk) error
	Query(ctx context.Context, vector []float32, k int) ([]SearchResult, error)
	Len() int
}

// Completer turns an assembled message list into a reply.
type Completer interface {
	ModelName() string
	Complete(ctx context.Context, messages []ChatMessage, opts CompletionOptions) (string, error)
}

// CompletionOptions are the per-request tunables sent upstream.
type CompletionOptions struct {
	MaxTokens   int
	Temperature float64
}

// Summarizer produces a brief summary of the provided text.
type Summarizer interface {
	Summarize(text string, maxSentences int) (string, error)
}
