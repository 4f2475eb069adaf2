package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ragchat/internal/domain"
	"ragchat/internal/vectorstore"
)

var _ vectorstore.Storage = (*Storage)(nil)

const upsertBatch = 256

// Storage is a minimal REST client to Qdrant.
// Each Insert builds a fresh collection and moves the alias onto it once
// every point is written, so searches through the alias only ever see a
// complete index. Distance is cosine.
type Storage struct {
	url    string
	apiKey string
	alias  string
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex // serialises Insert
	active    string     // collection currently behind the alias
	resolved  bool
	dimension atomic.Int64
	count     atomic.Int64
}

type Config struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
	// Dimension fixes the vector size; zero adopts the first insert's.
	Dimension int
	Logger    *slog.Logger
}

func NewStorage(cfg Config) (*Storage, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: qdrant url is required", domain.ErrConfiguration)
	}
	if cfg.Collection == "" {
		cfg.Collection = "ragchat"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Storage{
		url:    strings.TrimRight(cfg.URL, "/"),
		apiKey: cfg.APIKey,
		alias:  cfg.Collection,
		client: &http.Client{Timeout: timeout},
		logger: logger,
		now:    time.Now,
	}
	s.dimension.Store(int64(cfg.Dimension))
	return s, nil
}

// Len returns the number of points written by the last successful Insert,
// or the count reported by Refresh.
func (s *Storage) Len() int { return int(s.count.Load()) }

// Refresh reads the point count of the collection behind the alias.
func (s *Storage) Refresh(ctx context.Context) error {
	var resp struct {
		Result struct {
			PointsCount int64 `json:"points_count"`
		} `json:"result"`
	}
	err := s.do(ctx, http.MethodGet, "/collections/"+s.alias, nil, &resp)
	var se *domain.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		s.count.Store(0)
		return nil
	}
	if err != nil {
		return err
	}
	s.count.Store(resp.Result.PointsCount)
	return nil
}

// Insert replaces the index contents with chunks.
func (s *Storage) Insert(ctx context.Context, chunks []domain.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dim := int(s.dimension.Load())
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
	if err := s.resolveAlias(ctx); err != nil {
		return err
	}
	if dim == 0 {
		// Nothing to size a collection with; an empty index is just no alias.
		if s.active != "" {
			if err := s.swapAlias(ctx, ""); err != nil {
				return err
			}
		}
		s.count.Store(0)
		return nil
	}

	name := fmt.Sprintf("%s_%d", s.alias, s.now().UnixNano())
	create := map[string]any{"vectors": map[string]any{"size": dim, "distance": "Cosine"}}
	if err := s.do(ctx, http.MethodPut, "/collections/"+name, create, nil); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	if err := s.upsert(ctx, name, chunks); err != nil {
		s.dropCollection(name)
		return err
	}
	if err := ctx.Err(); err != nil {
		s.dropCollection(name)
		return err
	}
	if err := s.swapAlias(ctx, name); err != nil {
		s.dropCollection(name)
		return err
	}
	s.dimension.Store(int64(dim))
	s.count.Store(int64(len(chunks)))
	s.logger.Debug("qdrant alias moved", slog.String("alias", s.alias), slog.String("collection", name), slog.Int("points", len(chunks)))
	return nil
}

type point struct {
	ID      string    `json:"id"`
	Vector  []float32 `json:"vector"`
	Payload payload   `json:"payload"`
}

type payload struct {
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id"`
	Ordinal    int    `json:"ordinal"`
	Text       string `json:"text"`
}

func (s *Storage) upsert(ctx context.Context, collection string, chunks []domain.Chunk) error {
	for start := 0; start < len(chunks); start += upsertBatch {
		end := min(start+upsertBatch, len(chunks))
		points := make([]point, 0, end-start)
		for _, c := range chunks[start:end] {
			points = append(points, point{
				// Qdrant ids must be integers or UUIDs.
				ID:     uuid.NewSHA1(uuid.NameSpaceURL, []byte(c.ID)).String(),
				Vector: c.Vector,
				Payload: payload{
					ChunkID:    c.ID,
					DocumentID: c.DocumentID,
					Ordinal:    c.Ordinal,
					Text:       c.Text,
				},
			})
		}
		body := map[string]any{"points": points}
		if err := s.do(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", body, nil); err != nil {
			return fmt.Errorf("upsert points: %w", err)
		}
	}
	return nil
}

// resolveAlias learns which collection the alias points at, once per process.
func (s *Storage) resolveAlias(ctx context.Context) error {
	if s.resolved {
		return nil
	}
	var resp struct {
		Result struct {
			Aliases []struct {
				AliasName      string `json:"alias_name"`
				CollectionName string `json:"collection_name"`
			} `json:"aliases"`
		} `json:"result"`
	}
	if err := s.do(ctx, http.MethodGet, "/aliases", nil, &resp); err != nil {
		return fmt.Errorf("list aliases: %w", err)
	}
	for _, a := range resp.Result.Aliases {
		if a.AliasName == s.alias {
			s.active = a.CollectionName
		}
	}
	s.resolved = true
	return nil
}

// swapAlias points the alias at collection in one request and drops the
// previous collection. An empty collection only removes the alias.
func (s *Storage) swapAlias(ctx context.Context, collection string) error {
	var actions []map[string]any
	if s.active != "" {
		actions = append(actions, map[string]any{"delete_alias": map[string]any{"alias_name": s.alias}})
	}
	if collection != "" {
		actions = append(actions, map[string]any{"create_alias": map[string]any{"collection_name": collection, "alias_name": s.alias}})
	}
	if err := s.do(ctx, http.MethodPost, "/collections/aliases", map[string]any{"actions": actions}, nil); err != nil {
		return fmt.Errorf("update alias %s: %w", s.alias, err)
	}
	old := s.active
	s.active = collection
	if old != "" {
		s.dropCollection(old)
	}
	return nil
}

// dropCollection is best-effort; it must not fail after the alias moved.
func (s *Storage) dropCollection(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.client.Timeout)
	defer cancel()
	if err := s.do(ctx, http.MethodDelete, "/collections/"+name, nil, nil); err != nil {
		s.logger.Warn("qdrant collection not dropped", slog.String("collection", name), slog.Any("err", err))
	}
}

// Query returns up to k chunks ordered by descending cosine similarity.
func (s *Storage) Query(ctx context.Context, vector []float32, k int) ([]domain.SearchResult, error) {
	if k <= 0 {
		return nil, nil
	}
	// never waits on an Insert in progress
	dim := int(s.dimension.Load())
	if dim != 0 && len(vector) != dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", domain.ErrDimensionMismatch, len(vector), dim)
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        k,
		"with_payload": true,
	}
	var resp struct {
		Result []struct {
			Score   float64 `json:"score"`
			Payload payload `json:"payload"`
		} `json:"result"`
	}
	err := s.do(ctx, http.MethodPost, "/collections/"+s.alias+"/points/search", req, &resp)
	var se *domain.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	results := make([]domain.SearchResult, 0, len(resp.Result))
	for _, r := range resp.Result {
		results = append(results, domain.SearchResult{
			Chunk: domain.Chunk{
				ID:         r.Payload.ChunkID,
				DocumentID: r.Payload.DocumentID,
				Ordinal:    r.Payload.Ordinal,
				Text:       r.Payload.Text,
			},
			Score: r.Score,
		})
	}
	return results, nil
}

func (s *Storage) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.url+path, rd)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrIndexUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %w", domain.ErrIndexUnavailable, &domain.StatusError{
			Provider: "qdrant", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg)),
		})
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
