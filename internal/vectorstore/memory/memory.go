package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"ragchat/internal/domain"
	"ragchat/internal/vectorstore"
)

var (
	_ vectorstore.Storage     = (*Storage)(nil)
	_ vectorstore.Snapshotter = (*Storage)(nil)
)

// Storage is an in-memory vector index using brute-force cosine similarity.
// Writers build a complete snapshot and publish it with a single atomic
// store, so readers never observe a partially replaced index and need no
// lock.
type Storage struct {
	mu         sync.Mutex // serialises writers
	dimension  int        // fixed once set; guarded by mu
	accumulate bool
	current    atomic.Pointer[snapshot]
	logger     *slog.Logger
}

type snapshot struct {
	dimension int
	chunks    []domain.Chunk // vectors are L2-normalised copies
}

// Option configures a Storage.
type Option func(*Storage)

// WithDimension fixes the vector dimensionality up front. Without it the
// first non-empty insert decides it for the lifetime of the index.
func WithDimension(dim int) Option {
	return func(s *Storage) {
		if dim > 0 {
			s.dimension = dim
		}
	}
}

// WithAccumulate makes Insert merge new chunks into the existing contents
// instead of replacing them.
func WithAccumulate() Option {
	return func(s *Storage) { s.accumulate = true }
}

// WithLogger sets the logger used for index rebuild events.
func WithLogger(l *slog.Logger) Option {
	return func(s *Storage) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStorage creates an empty index.
func NewStorage(opts ...Option) *Storage {
	s := &Storage{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store(&snapshot{dimension: s.dimension})
	return s
}

// Len returns the number of indexed chunks.
func (s *Storage) Len() int {
	return len(s.current.Load().chunks)
}

// Dimension returns the fixed dimensionality, or zero before it is known.
func (s *Storage) Dimension() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dimension
}

// Insert replaces the index contents with chunks, or merges them in
// accumulate mode. Validation happens before anything is published, so a
// failure or cancellation leaves the index exactly as it was.
func (s *Storage) Insert(ctx context.Context, chunks []domain.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.current.Load()
	dim := s.dimension
	for i := range chunks {
		if len(chunks[i].Vector) == 0 {
			return fmt.Errorf("%w: chunk %s has no vector", domain.ErrInvalidInput, chunks[i].ID)
		}
		if dim == 0 {
			dim = len(chunks[i].Vector)
		}
		if len(chunks[i].Vector) != dim {
			return fmt.Errorf("%w: chunk %s has %d dimensions, index has %d", domain.ErrDimensionMismatch, chunks[i].ID, len(chunks[i].Vector), dim)
		}
	}

	var base []domain.Chunk
	if s.accumulate {
		base = old.chunks
	}
	next := &snapshot{dimension: dim, chunks: make([]domain.Chunk, 0, len(base)+len(chunks))}
	next.chunks = append(next.chunks, base...)
	seen := make(map[string]struct{}, cap(next.chunks))
	for _, c := range base {
		seen[c.ID] = struct{}{}
	}
	for _, c := range chunks {
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("%w: duplicate chunk id %s", domain.ErrInvalidInput, c.ID)
		}
		seen[c.ID] = struct{}{}
		vec, err := normalize(c.Vector)
		if err != nil {
			return fmt.Errorf("chunk %s: %w", c.ID, err)
		}
		c.Vector = vec
		next.chunks = append(next.chunks, c)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	s.dimension = dim
	s.current.Store(next)
	s.logger.Debug("vector index published", slog.Int("chunks", len(next.chunks)), slog.Int("dimension", dim), slog.Bool("accumulate", s.accumulate))
	return nil
}

// Query returns up to k chunks ordered by descending cosine similarity.
// Equal scores keep insertion order. An empty index yields no results.
func (s *Storage) Query(ctx context.Context, vector []float32, k int) ([]domain.SearchResult, error) {
	snap := s.current.Load()
	if len(snap.chunks) == 0 || k <= 0 {
		return nil, nil
	}
	if len(vector) != snap.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", domain.ErrDimensionMismatch, len(vector), snap.dimension)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q, err := normalize(vector)
	if err != nil {
		return nil, err
	}

	scores := make([]float64, len(snap.chunks))
	for i := range snap.chunks {
		scores[i] = dot(q, snap.chunks[i].Vector)
	}
	idxs := make([]int, len(scores))
	for i := range idxs {
		idxs[i] = i
	}
	sort.SliceStable(idxs, func(a, b int) bool { return scores[idxs[a]] > scores[idxs[b]] })

	if k > len(idxs) {
		k = len(idxs)
	}
	results := make([]domain.SearchResult, 0, k)
	for _, j := range idxs[:k] {
		results = append(results, domain.SearchResult{Chunk: snap.chunks[j], Score: scores[j]})
	}
	return results, nil
}

// normalize returns an L2-normalised copy of v. The zero vector stays zero.
func normalize(v []float32) ([]float32, error) {
	sum := 0.0
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: vector has non-finite component", domain.ErrInvalidInput)
		}
		sum += f * f
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out, nil
	}
	n := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out, nil
}

func dot(a, b []float32) float64 {
	sum := 0.0
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
