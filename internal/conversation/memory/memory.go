// Package memory is a process-local conversation log.
package memory

import (
	"context"
	"sort"
	"sync"

	"ragchat/internal/conversation"
	"ragchat/internal/domain"
)

var _ conversation.Storage = (*Storage)(nil)

// Storage keeps messages in a map of per-key slices.
type Storage struct {
	mu   sync.RWMutex
	logs map[string][]domain.Message
}

func NewStorage() *Storage {
	return &Storage{logs: make(map[string][]domain.Message)}
}

func (s *Storage) Append(ctx context.Context, key string, m domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[key] = append(s.logs[key], m)
	return nil
}

func (s *Storage) List(_ context.Context, key string, limit int) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.logs[key]
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	out := make([]domain.Message, len(log))
	copy(out, log)
	return out, nil
}

func (s *Storage) DeleteTurn(_ context.Context, key, turnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.logs[key]
	kept := make([]domain.Message, 0, len(log))
	for _, m := range log {
		if m.TurnID != turnID {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		delete(s.logs, key)
		return nil
	}
	s.logs[key] = kept
	return nil
}

func (s *Storage) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, key)
	return nil
}

func (s *Storage) Orphans(context.Context) ([]domain.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.logs))
	for k := range s.logs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []domain.Turn
	for _, k := range keys {
		out = append(out, conversation.OrphansOf(k, s.logs[k])...)
	}
	return out, nil
}

func (s *Storage) Close() error { return nil }
