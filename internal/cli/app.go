package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"ragchat/internal/chunker"
	"ragchat/internal/config"
	"ragchat/internal/conversation"
	"ragchat/internal/conversation/bolt"
	convmemory "ragchat/internal/conversation/memory"
	"ragchat/internal/conversation/sqlite"
	"ragchat/internal/domain"
	"ragchat/internal/embedding"
	"ragchat/internal/embedding/hashing"
	embopenai "ragchat/internal/embedding/openai"
	"ragchat/internal/llm"
	llmopenai "ragchat/internal/llm/openai"
	"ragchat/internal/prompt"
	"ragchat/internal/service"
	"ragchat/internal/summarizer"
	"ragchat/internal/vectorstore"
	"ragchat/internal/vectorstore/memory"
	"ragchat/internal/vectorstore/qdrant"
)

// App is the assembled application for one process.
type App struct {
	Config  *config.AppConfig
	Service *service.ChatService
	Store   *conversation.Store

	snapshot     vectorstore.Snapshotter
	snapshotPath string
	logger       *slog.Logger
}

// Build wires every component named by cfg. The conversation log is
// recovered before Build returns.
func Build(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*App, error) {
	emb, err := buildEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	ch, err := chunker.New(cfg.Chunker.ChunkSize, cfg.Chunker.Overlap)
	if err != nil {
		return nil, err
	}

	app := &App{Config: cfg, logger: logger}
	index, err := app.buildIndex(ctx, cfg, emb.Dimension())
	if err != nil {
		return nil, err
	}

	client, err := llmopenai.NewClient(llmopenai.Config{
		BaseURL:       cfg.Completion.BaseURL,
		APIKeyEnv:     cfg.Completion.APIKeyEnv,
		AllowEmptyKey: cfg.Completion.BaseURL != llmopenai.DefaultBaseURL,
		Model:         cfg.Completion.Model,
	})
	if err != nil {
		return nil, err
	}
	completion := llm.New(client,
		llm.WithMaxTokens(cfg.Completion.MaxTokens),
		llm.WithTemperature(cfg.Completion.Temperature),
		llm.WithTimeout(cfg.CompletionTimeout()),
		llm.WithLogger(logger),
	)

	storage, err := buildConversationStorage(cfg)
	if err != nil {
		return nil, err
	}
	app.Store = conversation.New(storage, conversation.WithLogger(logger))
	if _, err := app.Store.Recover(ctx); err != nil {
		_ = app.Store.Close()
		return nil, err
	}

	assembler := prompt.New(emb, index,
		prompt.WithPersona(cfg.Assistant.Persona),
		prompt.WithTopK(cfg.Assistant.TopK),
		prompt.WithHistoryLimit(cfg.Assistant.HistoryLimit),
		prompt.WithLogger(logger),
	)
	app.Service, err = service.New(service.Deps{
		Chunker:    ch,
		Embedder:   emb,
		Index:      index,
		Assembler:  assembler,
		Completion: completion,
		Store:      app.Store,
		Summarizer: summarizer.NewFrequencySummarizer(),
	},
		service.WithWorkers(cfg.Ingest.Workers),
		service.WithWindowSize(cfg.Assistant.WindowSize),
		service.WithSummaryMaxSentences(cfg.Summarizer.MaxSentences),
		service.WithLogger(logger),
	)
	if err != nil {
		_ = app.Store.Close()
		return nil, err
	}
	logger.Debug("application ready",
		slog.String("embedder", emb.Name()),
		slog.Int("dimension", emb.Dimension()),
		slog.String("index", cfg.Index.Type),
		slog.String("conversation_store", cfg.Conversation.Store),
		slog.String("model", completion.ModelName()))
	return app, nil
}

func buildEmbedder(cfg *config.AppConfig) (domain.Embedder, error) {
	var emb domain.Embedder
	switch cfg.Embedder.Type {
	case "hashing":
		emb = hashing.NewEmbedder(cfg.Embedder.Dimension)
	case "openai":
		o := cfg.Embedder.OpenAI
		client, err := embopenai.NewClient(embopenai.Config{
			BaseURL:           o.BaseURL,
			APIKeyEnv:         o.APIKeyEnv,
			Model:             o.Model,
			Timeout:           time.Duration(o.TimeoutSecs) * time.Second,
			Dimensions:        o.Dimensions,
			MaxRetries:        o.MaxRetries,
			RequestsPerSecond: o.RequestsPerSecond,
		})
		if err != nil {
			return nil, err
		}
		emb = client
	default:
		return nil, fmt.Errorf("%w: unknown embedder: %s", domain.ErrConfiguration, cfg.Embedder.Type)
	}
	return embedding.WithFixedDimension(emb, cfg.Embedder.Dimension)
}

func (a *App) buildIndex(ctx context.Context, cfg *config.AppConfig, dim int) (vectorstore.Storage, error) {
	switch cfg.Index.Type {
	case "memory":
		opts := []memory.Option{memory.WithDimension(dim), memory.WithLogger(a.logger)}
		if cfg.Index.Accumulate {
			opts = append(opts, memory.WithAccumulate())
		}
		st := memory.NewStorage(opts...)
		if path := cfg.Index.SnapshotPath; path != "" {
			if err := st.LoadFile(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("load index snapshot: %w", err)
			}
			a.snapshot, a.snapshotPath = st, path
		}
		return st, nil
	case "qdrant":
		q := cfg.Index.Qdrant
		st, err := qdrant.NewStorage(qdrant.Config{
			URL:        q.URL,
			APIKey:     q.APIKey,
			Collection: q.Collection,
			Timeout:    time.Duration(q.TimeoutSecs) * time.Second,
			Dimension:  dim,
			Logger:     a.logger,
		})
		if err != nil {
			return nil, err
		}
		if err := st.Refresh(ctx); err != nil {
			a.logger.Warn("qdrant unavailable, answers will be ungrounded until it recovers", slog.Any("err", err))
		}
		return st, nil
	default:
		return nil, fmt.Errorf("%w: unknown index: %s", domain.ErrConfiguration, cfg.Index.Type)
	}
}

func buildConversationStorage(cfg *config.AppConfig) (conversation.Storage, error) {
	switch cfg.Conversation.Store {
	case "memory":
		return convmemory.NewStorage(), nil
	case "sqlite":
		return sqlite.NewStorage(cfg.Conversation.Path)
	case "bolt":
		return bolt.NewStorage(cfg.Conversation.Path)
	default:
		return nil, fmt.Errorf("%w: unknown conversation store: %s", domain.ErrConfiguration, cfg.Conversation.Store)
	}
}

// SaveIndex writes the in-memory index snapshot when one is configured.
func (a *App) SaveIndex() error {
	if a.snapshot == nil {
		return nil
	}
	if err := a.snapshot.SaveFile(a.snapshotPath); err != nil {
		return fmt.Errorf("save index snapshot: %w", err)
	}
	a.logger.Debug("index snapshot saved", slog.String("path", a.snapshotPath))
	return nil
}

// StartSweeper rolls back abandoned turns in the background until ctx is
// done.
func (a *App) StartSweeper(ctx context.Context) {
	go a.Store.RunSweeper(ctx, a.Config.SweepInterval(), a.Config.PendingMaxAge())
}

// Close releases the conversation log.
func (a *App) Close() error {
	return a.Store.Close()
}
