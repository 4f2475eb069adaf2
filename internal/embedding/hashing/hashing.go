// Package hashing provides an offline embedder based on signed feature
// hashing of term frequencies. It needs no corpus preparation, so its
// dimension is fixed when it is constructed.
package hashing

import (
	"context"
	"hash/fnv"
	"math"

	"ragchat/internal/textutil"
)

// DefaultDimension is used when no dimension is configured.
const DefaultDimension = 512

// Embedder hashes each term into one of dimension buckets.
type Embedder struct {
	dimension int
}

// NewEmbedder creates a hashing embedder. Non-positive dimensions fall back
// to DefaultDimension.
func NewEmbedder(dimension int) *Embedder {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return &Embedder{dimension: dimension}
}

// Name returns the identifier of this embedder implementation.
func (e *Embedder) Name() string { return "hashing" }

// Dimension returns the dimensionality of the produced embedding vectors.
func (e *Embedder) Dimension() int { return e.dimension }

// Embed computes the L2-normalised hashed term-frequency vector of text.
// Text without terms yields the zero vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float64, e.dimension)
	terms := textutil.Terms(text)
	if len(terms) == 0 {
		return make([]float32, e.dimension), nil
	}
	// accumulate in first-seen order so colliding buckets sum identically
	tf := make(map[string]int, len(terms))
	order := make([]string, 0, len(terms))
	for _, t := range terms {
		if tf[t] == 0 {
			order = append(order, t)
		}
		tf[t]++
	}
	for _, term := range order {
		idx, sign := e.bucket(term)
		vec[idx] += sign * (1 + math.Log(float64(tf[term])))
	}
	norm := 0.0
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, e.dimension)
	if norm == 0 {
		return out, nil
	}
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

func (e *Embedder) bucket(term string) (int, float64) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(term))
	sum := h.Sum64()
	sign := 1.0
	if sum>>63 == 1 {
		sign = -1.0
	}
	return int(sum % uint64(e.dimension)), sign
}
