package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragchat/internal/chunker"
	"ragchat/internal/conversation"
	convmemory "ragchat/internal/conversation/memory"
	"ragchat/internal/domain"
	"ragchat/internal/llm"
	"ragchat/internal/prompt"
	"ragchat/internal/summarizer"
	"ragchat/internal/vectorstore/memory"
)

// vocabEmbedder maps each known word to its own axis; failOn makes Embed
// fail for texts containing it.
type vocabEmbedder struct {
	vocab  []string
	failOn string
}

func (e *vocabEmbedder) Name() string   { return "vocab" }
func (e *vocabEmbedder) Dimension() int { return len(e.vocab) }
func (e *vocabEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.failOn != "" && strings.Contains(text, e.failOn) {
		return nil, fmt.Errorf("%w: status 503", domain.ErrUpstream)
	}
	v := make([]float32, len(e.vocab))
	lower := strings.ToLower(text)
	for i, w := range e.vocab {
		v[i] = float32(strings.Count(lower, w))
	}
	return v, nil
}

// recordingCompleter remembers the prompts it was sent.
type recordingCompleter struct {
	mu      sync.Mutex
	prompts [][]domain.ChatMessage
	reply   func(ctx context.Context) (string, error)
}

func (c *recordingCompleter) ModelName() string { return "recording" }
func (c *recordingCompleter) Complete(ctx context.Context, msgs []domain.ChatMessage, _ domain.CompletionOptions) (string, error) {
	c.mu.Lock()
	c.prompts = append(c.prompts, msgs)
	c.mu.Unlock()
	if c.reply != nil {
		return c.reply(ctx)
	}
	return fmt.Sprintf("answer %d", len(c.prompts)), nil
}

func (c *recordingCompleter) last() []domain.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prompts[len(c.prompts)-1]
}

type fixture struct {
	svc       *ChatService
	index     *memory.Storage
	store     *conversation.Store
	embedder  *vocabEmbedder
	completer *recordingCompleter
}

func newFixture(t *testing.T, chunkSize, overlap int, timeout time.Duration, opts ...prompt.Option) *fixture {
	t.Helper()
	ch, err := chunker.New(chunkSize, overlap)
	require.NoError(t, err)
	f := &fixture{
		index:     memory.NewStorage(),
		store:     conversation.New(convmemory.NewStorage()),
		embedder:  &vocabEmbedder{vocab: []string{"sky", "blue", "grass", "green"}},
		completer: &recordingCompleter{},
	}
	f.svc, err = New(Deps{
		Chunker:    ch,
		Embedder:   f.embedder,
		Index:      f.index,
		Assembler:  prompt.New(f.embedder, f.index, opts...),
		Completion: llm.New(f.completer, llm.WithTimeout(timeout)),
		Store:      f.store,
		Summarizer: summarizer.NewFrequencySummarizer(),
	})
	require.NoError(t, err)
	return f
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestAsk_GroundedInIngestedDocument(t *testing.T) {
	f := newFixture(t, 20, 5, time.Second)
	ctx := context.Background()

	report, err := f.svc.Ingest(ctx, domain.Document{ID: "d", Source: "sky.txt", Content: "The sky is blue. The grass is green."})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Documents)
	assert.GreaterOrEqual(t, report.Chunks, 3)
	assert.Equal(t, "The sky is blue. The grass is green.", report.Summary)
	assert.Equal(t, report.Summary, f.svc.Summary())
	assert.Equal(t, report.Chunks, f.svc.IndexedChunks())

	reply, err := f.svc.Ask(ctx, "u1", "What color is the sky?")
	require.NoError(t, err)
	assert.Equal(t, "answer 1", reply.Content)
	assert.Equal(t, domain.RoleAssistant, reply.Role)

	msgs := f.completer.last()
	require.Len(t, msgs, 3)
	assert.Equal(t, domain.RoleSystem, msgs[1].Role)
	require.True(t, strings.HasPrefix(msgs[1].Content, "Context:\n"))
	top := strings.SplitN(strings.TrimPrefix(msgs[1].Content, "Context:\n"), "\n", 2)[0]
	assert.Contains(t, top, "sky is blue")
	assert.Equal(t, domain.ChatMessage{Role: domain.RoleUser, Content: "What color is the sky?"}, msgs[2])

	history, err := f.svc.History(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "What color is the sky?", history[0].Content)
	assert.Equal(t, "answer 1", history[1].Content)
}

func TestAsk_HistoryIsCapped(t *testing.T) {
	f := newFixture(t, 1000, 200, time.Second, prompt.WithHistoryLimit(5))
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		_, err := f.svc.Ask(ctx, "u1", fmt.Sprintf("question %d", i))
		require.NoError(t, err)
	}

	_, err := f.svc.Ask(ctx, "u1", "final question")
	require.NoError(t, err)
	msgs := f.completer.last()
	require.Len(t, msgs, 1+5+1)
	assert.Equal(t, "answer 10", msgs[1].Content)
	assert.Equal(t, "question 11", msgs[4].Content)
	assert.Equal(t, "answer 12", msgs[5].Content)
	assert.Equal(t, "final question", msgs[6].Content)
}

func TestAsk_TimeoutRollsBack(t *testing.T) {
	f := newFixture(t, 1000, 200, 20*time.Millisecond)
	f.completer.reply = func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	ctx := context.Background()

	before, err := f.svc.History(ctx, "u1")
	require.NoError(t, err)

	_, err = f.svc.Ask(ctx, "u1", "slow question")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.NotErrorIs(t, err, domain.ErrUpstream)

	after, err := f.svc.History(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, after, len(before))
	assert.Zero(t, f.store.Pending())
}

func TestAsk_UpstreamFailureRollsBack(t *testing.T) {
	f := newFixture(t, 1000, 200, time.Second)
	ctx := context.Background()
	_, err := f.svc.Ask(ctx, "u1", "first")
	require.NoError(t, err)

	f.completer.reply = func(context.Context) (string, error) {
		return "", &domain.StatusError{Provider: "fake", StatusCode: 500}
	}
	_, err = f.svc.Ask(ctx, "u1", "second")
	assert.ErrorIs(t, err, domain.ErrUpstream)

	history, err := f.svc.History(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestAsk_CancelledRequestRollsBack(t *testing.T) {
	f := newFixture(t, 1000, 200, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	f.completer.reply = func(c context.Context) (string, error) {
		cancel()
		<-c.Done()
		return "", c.Err()
	}

	_, err := f.svc.Ask(ctx, "u1", "bye")
	assert.ErrorIs(t, err, context.Canceled)

	history, err := f.svc.History(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Zero(t, f.store.Pending())
}

func TestAsk_EmptyQuestion(t *testing.T) {
	f := newFixture(t, 1000, 200, time.Second)
	_, err := f.svc.Ask(context.Background(), "u1", "   ")
	assert.ErrorIs(t, err, domain.ErrEmptyMessage)
}

func TestAsk_ConcurrentKeys(t *testing.T) {
	f := newFixture(t, 1000, 200, time.Second)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("u%d", i%4)
			_, err := f.svc.Ask(ctx, key, "hello")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	for i := 0; i < 4; i++ {
		history, err := f.svc.History(ctx, fmt.Sprintf("u%d", i))
		require.NoError(t, err)
		require.Len(t, history, 4)
		for j := 0; j < len(history); j += 2 {
			assert.Equal(t, domain.RoleUser, history[j].Role)
			assert.Equal(t, domain.RoleAssistant, history[j+1].Role)
			assert.Equal(t, history[j].TurnID, history[j+1].TurnID)
		}
	}
}

func TestIngest_FailureLeavesIndexUntouched(t *testing.T) {
	f := newFixture(t, 20, 5, time.Second)
	ctx := context.Background()
	_, err := f.svc.Ingest(ctx, domain.Document{ID: "d", Source: "sky.txt", Content: "The sky is blue. The grass is green."})
	require.NoError(t, err)
	before, err := f.index.MarshalBinary()
	require.NoError(t, err)

	f.embedder.failOn = "broken"
	_, err = f.svc.Ingest(ctx, domain.Document{ID: "e", Source: "e.txt", Content: "A fine start. Then a broken middle. And an end."})
	assert.ErrorIs(t, err, domain.ErrEmbeddingFailure)

	after, err := f.index.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestIngest_EmptyDocuments(t *testing.T) {
	f := newFixture(t, 1000, 200, time.Second)
	_, err := f.svc.Ingest(context.Background())
	assert.ErrorIs(t, err, domain.ErrEmptyDocument)
	_, err = f.svc.Ingest(context.Background(), domain.Document{ID: "x", Source: "blank.txt", Content: " \n "})
	assert.ErrorIs(t, err, domain.ErrEmptyDocument)
	assert.Zero(t, f.svc.IndexedChunks())
}

func TestIngestFiles(t *testing.T) {
	f := newFixture(t, 1000, 200, time.Second)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("The sky is blue."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.TXT"), []byte("The grass is green."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.md"), []byte("# ignored"), 0o644))

	report, err := f.svc.IngestFiles(context.Background(), []string{filepath.Join(dir, "*")})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Documents)
	assert.Equal(t, 2, report.Chunks)

	_, err = f.svc.IngestFiles(context.Background(), []string{filepath.Join(dir, "*.md")})
	assert.ErrorIs(t, err, domain.ErrEmptyDocument)

	_, err = f.svc.IngestFiles(context.Background(), []string{filepath.Join(dir, "missing.txt")})
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, 2, f.svc.IndexedChunks())
}

func TestIngestFiles_SameFileTwice(t *testing.T) {
	f := newFixture(t, 1000, 200, time.Second)
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(a, []byte("The sky is blue."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("The grass is green."), 0o644))

	report, err := f.svc.IngestFiles(context.Background(), []string{filepath.Join(dir, "*.txt"), a, filepath.Join(dir, ".", "a.txt")})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Documents)
	assert.Equal(t, 2, f.svc.IndexedChunks())
}

func TestIngestFiles_BadPattern(t *testing.T) {
	f := newFixture(t, 1000, 200, time.Second)
	_, err := f.svc.IngestFiles(context.Background(), []string{"[.txt"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.ErrorIs(t, err, filepath.ErrBadPattern)
}

func TestReset(t *testing.T) {
	f := newFixture(t, 1000, 200, time.Second)
	ctx := context.Background()
	_, err := f.svc.Ask(ctx, "u1", "hello")
	require.NoError(t, err)
	require.NoError(t, f.svc.Reset(ctx, "u1"))
	history, err := f.svc.History(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, history)
}
