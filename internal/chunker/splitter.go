// Package chunker splits document text into overlapping, boundary-aware
// chunks.
package chunker

import (
	"fmt"
	"strconv"
	"unicode"

	"ragchat/internal/domain"
)

const (
	// DefaultChunkSize is the default number of characters per chunk.
	DefaultChunkSize = 1000
	// DefaultOverlap is the default number of characters shared by
	// consecutive chunks.
	DefaultOverlap = 200
)

// Separators are tried in order; the first one found inside the window
// decides where the chunk ends. Whitespace and then a hard cut follow.
var defaultSeparators = []string{"\n\n", "\n", ". ", "! ", "? ", "; ", ", "}

// Splitter cuts text into chunks of at most chunkSize characters. Every
// chunk after the first starts with the last overlap characters of its
// predecessor, so stripping those prefixes reproduces the input exactly.
type Splitter struct {
	chunkSize  int
	overlap    int
	separators [][]rune
}

// New creates a Splitter. overlap must be smaller than chunkSize.
func New(chunkSize, overlap int) (*Splitter, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", domain.ErrConfiguration, chunkSize)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("%w: overlap must not be negative, got %d", domain.ErrConfiguration, overlap)
	}
	if overlap >= chunkSize {
		return nil, fmt.Errorf("%w: overlap %d must be smaller than chunk size %d", domain.ErrConfiguration, overlap, chunkSize)
	}
	seps := make([][]rune, len(defaultSeparators))
	for i, s := range defaultSeparators {
		seps[i] = []rune(s)
	}
	return &Splitter{chunkSize: chunkSize, overlap: overlap, separators: seps}, nil
}

// ChunkSize returns the configured maximum chunk length in characters.
func (s *Splitter) ChunkSize() int { return s.chunkSize }

// Overlap returns the configured overlap in characters.
func (s *Splitter) Overlap() int { return s.overlap }

// Split returns the chunk texts of text in document order. Empty text
// yields no chunks; text no longer than the chunk size yields itself.
func (s *Splitter) Split(text string) []string {
	if text == "" {
		return nil
	}
	r := []rune(text)
	if len(r) <= s.chunkSize {
		return []string{text}
	}

	out := make([]string, 0, len(r)/(s.chunkSize-s.overlap)+1)
	start := 0
	for {
		limit := start + s.chunkSize
		if limit >= len(r) {
			out = append(out, string(r[start:]))
			return out
		}
		// The cut must land past start+overlap so the next chunk advances.
		end := s.cut(r, start+s.overlap+1, limit)
		out = append(out, string(r[start:end]))
		start = end - s.overlap
	}
}

// Chunk splits a document into domain chunks with stable IDs.
func (s *Splitter) Chunk(document domain.Document) ([]domain.Chunk, error) {
	texts := s.Split(document.Content)
	chunks := make([]domain.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = domain.Chunk{
			ID:         document.ID + ":" + strconv.Itoa(i),
			DocumentID: document.ID,
			Ordinal:    i,
			Text:       text,
		}
	}
	return chunks, nil
}

// cut picks the end offset in [lo, hi] for a chunk.
func (s *Splitter) cut(r []rune, lo, hi int) int {
	for _, sep := range s.separators {
		for end := hi; end >= lo; end-- {
			if endsWith(r, end, sep) {
				return end
			}
		}
	}
	for end := hi; end >= lo; end-- {
		if unicode.IsSpace(r[end-1]) {
			return end
		}
	}
	return hi
}

func endsWith(r []rune, end int, sep []rune) bool {
	if end < len(sep) {
		return false
	}
	for i := range sep {
		if r[end-len(sep)+i] != sep[i] {
			return false
		}
	}
	return true
}
