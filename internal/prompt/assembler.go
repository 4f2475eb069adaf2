// Package prompt assembles the bounded message list sent to the completion
// model: persona, retrieved grounding, recent history, then the question.
package prompt

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"ragchat/internal/domain"
)

// Defaults for the assembler.
const (
	DefaultPersona      = "You are a helpful AI assistant that helps users understand and analyze text content."
	DefaultTopK         = 3
	DefaultHistoryLimit = 5
)

// Assembler builds completion prompts. It only reads from the index and
// never mutates it or the conversation.
type Assembler struct {
	embedder     domain.Embedder
	index        domain.VectorIndex
	persona      string
	topK         int
	historyLimit int
	logger       *slog.Logger
}

// Option configures an Assembler.
type Option func(*Assembler)

func WithPersona(p string) Option {
	return func(a *Assembler) {
		if strings.TrimSpace(p) != "" {
			a.persona = p
		}
	}
}

// WithTopK sets how many chunks are retrieved. Zero disables retrieval.
func WithTopK(k int) Option {
	return func(a *Assembler) {
		if k >= 0 {
			a.topK = k
		}
	}
}

// WithHistoryLimit caps how many prior messages are replayed.
func WithHistoryLimit(n int) Option {
	return func(a *Assembler) {
		if n >= 0 {
			a.historyLimit = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Assembler) {
		if l != nil {
			a.logger = l
		}
	}
}

// New returns an Assembler over emb and idx.
func New(emb domain.Embedder, idx domain.VectorIndex, opts ...Option) *Assembler {
	a := &Assembler{
		embedder:     emb,
		index:        idx,
		persona:      DefaultPersona,
		topK:         DefaultTopK,
		historyLimit: DefaultHistoryLimit,
		logger:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// HistoryLimit returns the configured history cap.
func (a *Assembler) HistoryLimit() int { return a.historyLimit }

// Assemble returns at most 1 + 1 + historyLimit + 1 messages.
// Retrieval is best-effort: an empty index or an embedding failure skips
// the context message. A dimension mismatch is a wiring bug and is
// returned.
func (a *Assembler) Assemble(ctx context.Context, query string, window domain.ConversationWindow) ([]domain.ChatMessage, error) {
	msgs := make([]domain.ChatMessage, 0, a.historyLimit+3)
	msgs = append(msgs, domain.ChatMessage{Role: domain.RoleSystem, Content: a.persona})

	grounding, err := a.retrieve(ctx, query)
	if err != nil {
		return nil, err
	}
	if grounding != "" {
		msgs = append(msgs, domain.ChatMessage{Role: domain.RoleSystem, Content: "Context:\n" + grounding})
	}

	msgs = append(msgs, history(window, a.historyLimit)...)
	msgs = append(msgs, domain.ChatMessage{Role: domain.RoleUser, Content: query})
	return msgs, nil
}

func (a *Assembler) retrieve(ctx context.Context, query string) (string, error) {
	if a.topK == 0 || a.embedder == nil || a.index == nil || a.index.Len() == 0 {
		return "", nil
	}
	vec, err := a.embedder.Embed(ctx, query)
	if err != nil {
		if errors.Is(err, domain.ErrDimensionMismatch) {
			return "", err
		}
		a.logger.Warn("grounding skipped: query embedding failed", slog.Any("err", err))
		return "", nil
	}
	results, err := a.index.Query(ctx, vec, a.topK)
	if err != nil {
		if errors.Is(err, domain.ErrDimensionMismatch) {
			return "", err
		}
		a.logger.Warn("grounding skipped: index query failed", slog.Any("err", err))
		return "", nil
	}
	texts := make([]string, 0, len(results))
	for _, r := range results {
		texts = append(texts, r.Chunk.Text)
	}
	a.logger.Debug("grounding retrieved", slog.Int("chunks", len(texts)))
	return strings.Join(texts, "\n"), nil
}

// history returns the last limit conversational messages of window, oldest
// first, leaving out the in-flight turn.
func history(window domain.ConversationWindow, limit int) []domain.ChatMessage {
	if limit == 0 {
		return nil
	}
	prior := make([]domain.ChatMessage, 0, len(window.Messages))
	for _, m := range window.Messages {
		if window.InFlightTurn != "" && m.TurnID == window.InFlightTurn {
			continue
		}
		if !m.Role.Conversational() {
			continue
		}
		prior = append(prior, domain.ChatMessage{Role: m.Role, Content: m.Content})
	}
	if len(prior) > limit {
		prior = prior[len(prior)-limit:]
	}
	return prior
}
