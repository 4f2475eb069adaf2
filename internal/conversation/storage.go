// Package conversation enforces the per-turn append and rollback discipline
// over a pluggable message log.
package conversation

import (
	"context"

	"ragchat/internal/domain"
)

// Storage is the durable message log behind a Store. Implementations keep
// messages in append order per key and need not lock per key themselves;
// the Store serialises writers of the same key.
type Storage interface {
	// Append durably adds m to the end of key's log.
	Append(ctx context.Context, key string, m domain.Message) error

	// List returns key's messages oldest-first. A positive limit returns
	// only the last limit messages.
	List(ctx context.Context, key string, limit int) ([]domain.Message, error)

	// DeleteTurn removes every message of turnID under key. Deleting a turn
	// that has no messages is not an error.
	DeleteTurn(ctx context.Context, key, turnID string) error

	// Reset removes all of key's messages atomically.
	Reset(ctx context.Context, key string) error

	// Orphans returns turns that have a user message but no assistant reply.
	Orphans(ctx context.Context) ([]domain.Turn, error)

	Close() error
}

// OrphansOf groups msgs by turn and reports the turns that never received
// an assistant message. Backends without a query language share it.
func OrphansOf(key string, msgs []domain.Message) []domain.Turn {
	answered := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		if m.Role == domain.RoleAssistant {
			answered[m.TurnID] = true
		}
	}
	var out []domain.Turn
	for _, m := range msgs {
		if m.Role != domain.RoleUser || answered[m.TurnID] {
			continue
		}
		out = append(out, domain.Turn{
			ID:              m.TurnID,
			ConversationKey: key,
			User:            m,
			State:           domain.TurnPendingUser,
			StartedAt:       m.Timestamp,
		})
	}
	return out
}
