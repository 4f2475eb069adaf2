package service

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"ragchat/internal/conversation"
	"ragchat/internal/domain"
	"ragchat/internal/embedding"
	"ragchat/internal/prompt"
)

// Completion turns an assembled prompt into a reply. It is satisfied by
// *llm.Orchestrator.
type Completion interface {
	Complete(ctx context.Context, msgs []domain.ChatMessage) (string, error)
}

// Deps are the collaborators of a ChatService.
type Deps struct {
	Chunker    domain.Chunker
	Embedder   domain.Embedder
	Index      domain.VectorIndex
	Assembler  *prompt.Assembler
	Completion Completion
	Store      *conversation.Store
	Summarizer domain.Summarizer
}

// IngestReport describes a finished ingestion.
type IngestReport struct {
	Documents int
	Chunks    int
	Summary   string
}

// ChatService ties ingestion and conversation turns together.
type ChatService struct {
	chunker    domain.Chunker
	embedder   domain.Embedder
	index      domain.VectorIndex
	assembler  *prompt.Assembler
	completion Completion
	store      *conversation.Store
	summarizer domain.Summarizer

	summaryMaxSentences int
	workers             int
	windowSize          int
	logger              *slog.Logger

	ingestMu sync.Mutex // one ingestion at a time per index
	mu       sync.RWMutex
	summary  string
}

type Option func(*ChatService)

func WithWorkers(n int) Option {
	return func(s *ChatService) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithWindowSize sets how many recent messages are read per turn.
func WithWindowSize(n int) Option {
	return func(s *ChatService) {
		if n > 0 {
			s.windowSize = n
		}
	}
}

func WithSummaryMaxSentences(n int) Option {
	return func(s *ChatService) {
		if n > 0 {
			s.summaryMaxSentences = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *ChatService) {
		if l != nil {
			s.logger = l
		}
	}
}

// New validates deps and returns a ChatService.
func New(deps Deps, opts ...Option) (*ChatService, error) {
	switch {
	case deps.Chunker == nil, deps.Embedder == nil, deps.Index == nil:
		return nil, fmt.Errorf("%w: chunker, embedder and index are required", domain.ErrConfiguration)
	case deps.Assembler == nil, deps.Completion == nil, deps.Store == nil:
		return nil, fmt.Errorf("%w: assembler, completion and store are required", domain.ErrConfiguration)
	}
	s := &ChatService{
		chunker:             deps.Chunker,
		embedder:            deps.Embedder,
		index:               deps.Index,
		assembler:           deps.Assembler,
		completion:          deps.Completion,
		store:               deps.Store,
		summarizer:          deps.Summarizer,
		summaryMaxSentences: 3,
		workers:             embedding.DefaultWorkers,
		windowSize:          conversation.DefaultWindowSize,
		logger:              slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ingest chunks, embeds and indexes docs as one batch. Any failure leaves
// the index as it was.
func (s *ChatService) Ingest(ctx context.Context, docs ...domain.Document) (IngestReport, error) {
	if len(docs) == 0 {
		return IngestReport{}, fmt.Errorf("%w: no documents", domain.ErrEmptyDocument)
	}
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	var (
		allChunks []domain.Chunk
		texts     []string
		corpus    strings.Builder
	)
	for _, d := range docs {
		if strings.TrimSpace(d.Content) == "" {
			return IngestReport{}, fmt.Errorf("%w: %s", domain.ErrEmptyDocument, d.Source)
		}
		chunks, err := s.chunker.Chunk(d)
		if err != nil {
			return IngestReport{}, fmt.Errorf("chunk %s: %w", d.Source, err)
		}
		for _, ch := range chunks {
			allChunks = append(allChunks, ch)
			texts = append(texts, ch.Text)
		}
		corpus.WriteString("\n")
		corpus.WriteString(d.Content)
	}

	vectors, err := embedding.EmbedAll(ctx, s.embedder, texts, s.workers)
	if err != nil {
		return IngestReport{}, err
	}
	for i := range allChunks {
		allChunks[i].Vector = vectors[i]
	}
	if err := s.index.Insert(ctx, allChunks); err != nil {
		return IngestReport{}, fmt.Errorf("index: %w", err)
	}
	s.logger.Debug("documents ingested", slog.Int("documents", len(docs)), slog.Int("chunks", len(allChunks)), slog.String("embedder", s.embedder.Name()))

	report := IngestReport{Documents: len(docs), Chunks: len(allChunks)}
	if s.summarizer != nil {
		summary, err := s.summarizer.Summarize(corpus.String(), s.summaryMaxSentences)
		if err != nil {
			s.logger.Warn("summary failed", slog.Any("err", err))
		}
		report.Summary = summary
	}
	s.mu.Lock()
	s.summary = report.Summary
	s.mu.Unlock()
	return report, nil
}

// IngestFiles expands globs, reads every .txt file and ingests them as one
// batch. A file named more than once is read once.
func (s *ChatService) IngestFiles(ctx context.Context, paths []string) (IngestReport, error) {
	var documents []domain.Document
	seen := make(map[string]struct{})
	for _, p := range paths {
		matches, err := filepath.Glob(p)
		if err != nil {
			return IngestReport{}, fmt.Errorf("%w: %s: %w", domain.ErrInvalidInput, p, err)
		}
		if matches == nil {
			matches = []string{p}
		}
		for _, m := range matches {
			if !strings.HasSuffix(strings.ToLower(m), ".txt") {
				continue
			}
			abs, err := filepath.Abs(m)
			if err != nil {
				return IngestReport{}, err
			}
			if _, dup := seen[abs]; dup {
				continue
			}
			seen[abs] = struct{}{}
			data, err := os.ReadFile(m)
			if err != nil {
				return IngestReport{}, err
			}
			documents = append(documents, domain.Document{ID: hashString(abs), Source: m, Content: string(data)})
		}
	}
	if len(documents) == 0 {
		return IngestReport{}, fmt.Errorf("%w: no .txt documents found", domain.ErrEmptyDocument)
	}
	return s.Ingest(ctx, documents...)
}

// Ask runs one conversation turn for key. Once the user's message is
// stored, any later failure rolls the turn back before the error is
// returned.
func (s *ChatService) Ask(ctx context.Context, key, question string) (domain.Message, error) {
	turn, err := s.store.Begin(ctx, key, question)
	if err != nil {
		return domain.Message{}, err
	}
	fail := func(err error) (domain.Message, error) {
		if rbErr := s.store.Rollback(ctx, turn); rbErr != nil {
			return domain.Message{}, errors.Join(err, rbErr)
		}
		s.logger.Warn("turn failed", slog.String("key", key), slog.Any("err", err))
		return domain.Message{}, err
	}

	window, err := s.store.Window(ctx, key, s.windowSize)
	if err != nil {
		return fail(err)
	}
	msgs, err := s.assembler.Assemble(ctx, question, window)
	if err != nil {
		return fail(err)
	}
	reply, err := s.completion.Complete(ctx, msgs)
	if err != nil {
		return fail(err)
	}
	msg, err := s.store.Complete(ctx, turn, reply)
	if err != nil {
		return fail(err)
	}
	return msg, nil
}

// History returns key's conversation oldest-first.
func (s *ChatService) History(ctx context.Context, key string) ([]domain.Message, error) {
	return s.store.History(ctx, key)
}

// Reset clears key's conversation.
func (s *ChatService) Reset(ctx context.Context, key string) error {
	return s.store.Reset(ctx, key)
}

// Summary returns the summary of the last ingestion.
func (s *ChatService) Summary() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summary
}

// IndexedChunks returns the number of chunks currently searchable.
func (s *ChatService) IndexedChunks() int { return s.index.Len() }

func hashString(s string) string {
	h := sha1.Sum([]byte(s))
	return hex.EncodeToString(h[:8])
}
