// Package conversationtest holds the behaviour every conversation.Storage
// must share, run by each backend's tests.
package conversationtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragchat/internal/conversation"
	"ragchat/internal/domain"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Msg builds a message with a timestamp derived from seq.
func Msg(turn string, role domain.Role, content string, seq int) domain.Message {
	return domain.Message{
		ID:        fmt.Sprintf("%s-%s-%d", turn, role, seq),
		TurnID:    turn,
		Role:      role,
		Content:   content,
		Timestamp: epoch.Add(time.Duration(seq) * time.Millisecond),
	}
}

// Run exercises s through the Storage contract. newStorage must return an
// empty storage.
func Run(t *testing.T, newStorage func(t *testing.T) conversation.Storage) {
	t.Run("append and list", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		want := []domain.Message{
			Msg("t1", domain.RoleUser, "q1", 1),
			Msg("t1", domain.RoleAssistant, "a1", 2),
			Msg("t2", domain.RoleUser, "q2", 3),
		}
		for _, m := range want {
			require.NoError(t, s.Append(ctx, "k", m))
		}
		require.NoError(t, s.Append(ctx, "other", Msg("x", domain.RoleUser, "elsewhere", 4)))

		got, err := s.List(ctx, "k", 0)
		require.NoError(t, err)
		requireMessages(t, want, got)

		got, err = s.List(ctx, "k", 2)
		require.NoError(t, err)
		requireMessages(t, want[1:], got)

		got, err = s.List(ctx, "missing", 5)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("delete turn", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		require.NoError(t, s.Append(ctx, "k", Msg("t1", domain.RoleUser, "q1", 1)))
		require.NoError(t, s.Append(ctx, "k", Msg("t1", domain.RoleAssistant, "a1", 2)))
		require.NoError(t, s.Append(ctx, "k", Msg("t2", domain.RoleUser, "q2", 3)))
		require.NoError(t, s.Append(ctx, "j", Msg("t2", domain.RoleUser, "same turn id, other key", 4)))

		require.NoError(t, s.DeleteTurn(ctx, "k", "t2"))
		require.NoError(t, s.DeleteTurn(ctx, "k", "t2"))
		require.NoError(t, s.DeleteTurn(ctx, "nobody", "t2"))

		got, err := s.List(ctx, "k", 0)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "t1", got[0].TurnID)
		assert.Equal(t, "t1", got[1].TurnID)

		got, err = s.List(ctx, "j", 0)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("reset", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		require.NoError(t, s.Append(ctx, "k", Msg("t1", domain.RoleUser, "q1", 1)))
		require.NoError(t, s.Append(ctx, "j", Msg("t2", domain.RoleUser, "q2", 2)))

		require.NoError(t, s.Reset(ctx, "k"))
		require.NoError(t, s.Reset(ctx, "never"))

		got, err := s.List(ctx, "k", 0)
		require.NoError(t, err)
		assert.Empty(t, got)
		got, err = s.List(ctx, "j", 0)
		require.NoError(t, err)
		assert.Len(t, got, 1)

		require.NoError(t, s.Append(ctx, "k", Msg("t3", domain.RoleUser, "again", 3)))
		got, err = s.List(ctx, "k", 0)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("orphans", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		require.NoError(t, s.Append(ctx, "k", Msg("done", domain.RoleUser, "q", 1)))
		require.NoError(t, s.Append(ctx, "k", Msg("done", domain.RoleAssistant, "a", 2)))
		require.NoError(t, s.Append(ctx, "k", Msg("dangling", domain.RoleUser, "q", 3)))
		require.NoError(t, s.Append(ctx, "j", Msg("lost", domain.RoleUser, "q", 4)))

		orphans, err := s.Orphans(ctx)
		require.NoError(t, err)
		got := map[string]string{}
		for _, o := range orphans {
			got[o.ID] = o.ConversationKey
			assert.Equal(t, domain.TurnPendingUser, o.State)
			assert.Equal(t, domain.RoleUser, o.User.Role)
		}
		assert.Equal(t, map[string]string{"dangling": "k", "lost": "j"}, got)
	})
}

func requireMessages(t *testing.T, want, got []domain.Message) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].TurnID, got[i].TurnID)
		assert.Equal(t, want[i].Role, got[i].Role)
		assert.Equal(t, want[i].Content, got[i].Content)
		assert.True(t, want[i].Timestamp.Equal(got[i].Timestamp), "timestamp %d: want %v got %v", i, want[i].Timestamp, got[i].Timestamp)
	}
}
