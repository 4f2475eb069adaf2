package domain

// Document is raw decoded text handed to ingestion. It is not retained
// after chunking.
type Document struct {
	ID      string
	Source  string
	Content string
}

// Chunk is a bounded, overlapping segment of a document used for retrieval.
// Ordinal preserves document order and is never used for ranking.
type Chunk struct {
	ID         string
	DocumentID string
	Ordinal    int
	Text       string
	Vector     []float32
}

// SearchResult represents a matching chunk with its cosine similarity.
type SearchResult struct {
	Chunk Chunk
	Score float64
}
