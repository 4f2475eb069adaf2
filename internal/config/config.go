package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"ragchat/internal/domain"
)

// OpenAIEmbedderConfig holds configuration for the OpenAI-compatible embedder.
type OpenAIEmbedderConfig struct {
	BaseURL           string  `yaml:"base_url"`
	APIKeyEnv         string  `yaml:"api_key_env"`
	Model             string  `yaml:"model"`
	TimeoutSecs       int     `yaml:"timeout_secs"`
	Dimensions        int     `yaml:"dimensions,omitempty"`
	MaxRetries        int     `yaml:"max_retries"`
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`
}

// EmbedderConfig selects and configures the text embedder implementation.
type EmbedderConfig struct {
	Type      string                `yaml:"type"`
	Dimension int                   `yaml:"dimension,omitempty"`
	OpenAI    *OpenAIEmbedderConfig `yaml:"openai,omitempty"`
}

// ChunkerConfig configures how documents are split into chunks.
type ChunkerConfig struct {
	ChunkSize int `yaml:"chunk_size"`
	Overlap   int `yaml:"overlap"`
}

// IndexConfig selects and configures the vector index implementation.
type IndexConfig struct {
	Type         string        `yaml:"type"`
	Accumulate   bool          `yaml:"accumulate,omitempty"`
	SnapshotPath string        `yaml:"snapshot_path,omitempty"`
	Qdrant       *QdrantConfig `yaml:"qdrant,omitempty"`
}

// QdrantConfig contains connection details for a Qdrant vector store.
type QdrantConfig struct {
	URL         string `yaml:"url"`
	APIKey      string `yaml:"api_key"`
	Collection  string `yaml:"collection"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// CompletionConfig configures the chat completion provider.
type CompletionConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutSecs int     `yaml:"timeout_secs"`
}

// AssistantConfig shapes the prompt sent for every turn.
type AssistantConfig struct {
	Persona      string `yaml:"persona,omitempty"`
	TopK         int    `yaml:"top_k"`
	HistoryLimit int    `yaml:"history_limit"`
	WindowSize   int    `yaml:"window_size"`
}

// ConversationConfig selects the conversation log backend.
type ConversationConfig struct {
	Store             string `yaml:"store"`
	Path              string `yaml:"path,omitempty"`
	SweepIntervalSecs int    `yaml:"sweep_interval_secs"`
	PendingMaxAgeSecs int    `yaml:"pending_max_age_secs"`
}

type IngestConfig struct {
	Workers int `yaml:"workers"`
}

// SummarizerConfig configures the extractive summarizer.
type SummarizerConfig struct {
	MaxSentences int `yaml:"max_sentences"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Embedder     EmbedderConfig     `yaml:"embedder"`
	Chunker      ChunkerConfig      `yaml:"chunker"`
	Index        IndexConfig        `yaml:"index"`
	Completion   CompletionConfig   `yaml:"completion"`
	Assistant    AssistantConfig    `yaml:"assistant"`
	Conversation ConversationConfig `yaml:"conversation"`
	Ingest       IngestConfig       `yaml:"ingest"`
	Summarizer   SummarizerConfig   `yaml:"summarizer"`
	Log          LogConfig          `yaml:"log"`
}

// CompletionTimeout returns the per-call completion timeout.
func (c *AppConfig) CompletionTimeout() time.Duration {
	return time.Duration(c.Completion.TimeoutSecs) * time.Second
}

// SweepInterval returns how often abandoned turns are swept.
func (c *AppConfig) SweepInterval() time.Duration {
	return time.Duration(c.Conversation.SweepIntervalSecs) * time.Second
}

// PendingMaxAge returns how long a turn may stay open before it is swept.
func (c *AppConfig) PendingMaxAge() time.Duration {
	return time.Duration(c.Conversation.PendingMaxAgeSecs) * time.Second
}

// Validate reports the first invalid setting.
func (c *AppConfig) Validate() error {
	switch c.Embedder.Type {
	case "hashing":
	case "openai":
		if c.Embedder.OpenAI == nil {
			return invalid("embedder.openai section is required for type openai")
		}
	default:
		return invalid("unknown embedder type %q", c.Embedder.Type)
	}
	if c.Embedder.Dimension < 0 {
		return invalid("embedder.dimension must not be negative")
	}
	if c.Chunker.ChunkSize <= 0 {
		return invalid("chunker.chunk_size must be positive")
	}
	if c.Chunker.Overlap < 0 || c.Chunker.Overlap >= c.Chunker.ChunkSize {
		return invalid("chunker.overlap must be in [0, chunk_size)")
	}
	switch c.Index.Type {
	case "memory":
	case "qdrant":
		if c.Index.Qdrant == nil || c.Index.Qdrant.URL == "" {
			return invalid("index.qdrant.url is required for type qdrant")
		}
	default:
		return invalid("unknown index type %q", c.Index.Type)
	}
	if c.Completion.MaxTokens <= 0 {
		return invalid("completion.max_tokens must be positive")
	}
	if c.Completion.Temperature < 0 || c.Completion.Temperature > 2 {
		return invalid("completion.temperature must be in [0, 2]")
	}
	if c.Completion.TimeoutSecs <= 0 {
		return invalid("completion.timeout_secs must be positive")
	}
	if c.Assistant.TopK < 0 || c.Assistant.HistoryLimit < 0 || c.Assistant.WindowSize <= 0 {
		return invalid("assistant.top_k and history_limit must not be negative, window_size must be positive")
	}
	switch c.Conversation.Store {
	case "memory":
	case "sqlite", "bolt":
		if c.Conversation.Path == "" {
			return invalid("conversation.path is required for store %s", c.Conversation.Store)
		}
	default:
		return invalid("unknown conversation store %q", c.Conversation.Store)
	}
	if c.Conversation.SweepIntervalSecs <= 0 || c.Conversation.PendingMaxAgeSecs <= 0 {
		return invalid("conversation sweep settings must be positive")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return invalid("unknown log format %q", c.Log.Format)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrConfiguration, fmt.Sprintf(format, args...))
}

// Load reads a config from a specified path. If the file does not exist, returns defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", domain.ErrConfiguration, path, err)
	}
	applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/ragchat/config.yaml.
// If neither exists, it writes defaults to ~/.config/ragchat/config.yaml and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := Default()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "ragchat", "config.yaml"), nil
}

// Default returns the built-in configuration: a local hashing embedder, an
// in-memory index and conversation log, and an OpenAI completion endpoint.
func Default() *AppConfig {
	return &AppConfig{
		Embedder: EmbedderConfig{Type: "hashing"},
		Chunker:  ChunkerConfig{ChunkSize: 1000, Overlap: 200},
		Index:    IndexConfig{Type: "memory"},
		Completion: CompletionConfig{
			BaseURL:     "https://api.openai.com/v1",
			APIKeyEnv:   "OPENAI_API_KEY",
			Model:       "gpt-4o",
			MaxTokens:   500,
			Temperature: 0.7,
			TimeoutSecs: 30,
		},
		Assistant:    AssistantConfig{TopK: 3, HistoryLimit: 5, WindowSize: 10},
		Conversation: ConversationConfig{Store: "memory", SweepIntervalSecs: 30, PendingMaxAgeSecs: 120},
		Ingest:       IngestConfig{Workers: 4},
		Summarizer:   SummarizerConfig{MaxSentences: 3},
		Log:          LogConfig{Level: "info", Format: "text"},
	}
}

// applyConfigDefaults fills provider blocks that YAML left partially empty.
func applyConfigDefaults(cfg *AppConfig) {
	if cfg.Embedder.Type == "openai" && cfg.Embedder.OpenAI != nil {
		if cfg.Embedder.OpenAI.BaseURL == "" {
			cfg.Embedder.OpenAI.BaseURL = "https://api.openai.com/v1"
		}
		if cfg.Embedder.OpenAI.APIKeyEnv == "" {
			cfg.Embedder.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
		}
		if cfg.Embedder.OpenAI.Model == "" {
			cfg.Embedder.OpenAI.Model = "text-embedding-3-small"
		}
		if cfg.Embedder.OpenAI.TimeoutSecs == 0 {
			cfg.Embedder.OpenAI.TimeoutSecs = 30
		}
		if cfg.Embedder.OpenAI.MaxRetries == 0 {
			cfg.Embedder.OpenAI.MaxRetries = 3
		}
	}
	if q := cfg.Index.Qdrant; q != nil {
		if q.Collection == "" {
			q.Collection = "ragchat"
		}
		if q.TimeoutSecs == 0 {
			q.TimeoutSecs = 15
		}
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}
