package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ragchat/internal/domain"
)

// Defaults for the store.
const (
	DefaultWindowSize     = 10
	DefaultSweepInterval  = 30 * time.Second
	DefaultPendingMaxAge  = 2 * time.Minute
	terminalWriteDeadline = 10 * time.Second
)

// Store runs each turn through PendingUser, then Completed or RolledBack.
// Begin takes the conversation key's lock and the terminal call releases
// it, so turns on one key never interleave while different keys proceed
// concurrently.
type Store struct {
	storage Storage
	locks   *keyedMutex
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string

	mu      sync.Mutex
	pending map[string]*pendingTurn // by turn id
	byKey   map[string]string       // key -> pending turn id
	last    time.Time
}

type pendingTurn struct {
	turn    domain.Turn
	release func()
}

type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces time.Now. Timestamps stay strictly increasing even if
// the clock does not.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator replaces the UUID generator used for turn and message ids.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// New returns a Store over storage.
func New(storage Storage, opts ...Option) *Store {
	s := &Store{
		storage: storage,
		locks:   newKeyedMutex(),
		logger:  slog.New(slog.DiscardHandler),
		now:     time.Now,
		newID:   uuid.NewString,
		pending: make(map[string]*pendingTurn),
		byKey:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the underlying storage.
func (s *Store) Close() error { return s.storage.Close() }

// stamp returns a strictly increasing UTC timestamp without a monotonic
// reading, so it survives a storage round trip unchanged.
func (s *Store) stamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Nanosecond)
	}
	s.last = t
	return t
}

// Begin durably appends the user's message and opens a turn. It blocks
// while another turn on key is open, until ctx is done.
func (s *Store) Begin(ctx context.Context, key, content string) (domain.Turn, error) {
	if strings.TrimSpace(key) == "" {
		return domain.Turn{}, fmt.Errorf("%w: conversation key is required", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(content) == "" {
		return domain.Turn{}, domain.ErrEmptyMessage
	}
	release, err := s.locks.Lock(ctx, key)
	if err != nil {
		return domain.Turn{}, err
	}

	turnID := s.newID()
	msg := domain.Message{
		ID:        s.newID(),
		TurnID:    turnID,
		Role:      domain.RoleUser,
		Content:   content,
		Timestamp: s.stamp(),
	}
	if err := s.storage.Append(ctx, key, msg); err != nil {
		release()
		return domain.Turn{}, fmt.Errorf("%w: append user message: %w", domain.ErrStoreFailure, err)
	}
	turn := domain.Turn{
		ID:              turnID,
		ConversationKey: key,
		User:            msg,
		State:           domain.TurnPendingUser,
		StartedAt:       msg.Timestamp,
	}

	s.mu.Lock()
	s.pending[turnID] = &pendingTurn{turn: turn, release: release}
	s.byKey[key] = turnID
	s.mu.Unlock()
	return turn, nil
}

// Complete appends the assistant reply and closes the turn. A turn that is
// no longer pending yields domain.ErrTurnClosed. On a storage failure the
// turn stays pending and the caller is expected to roll it back.
func (s *Store) Complete(ctx context.Context, turn domain.Turn, reply string) (domain.Message, error) {
	p, ok := s.claim(turn.ID)
	if !ok {
		return domain.Message{}, fmt.Errorf("%w: turn %s", domain.ErrTurnClosed, turn.ID)
	}
	msg := domain.Message{
		ID:        s.newID(),
		TurnID:    p.turn.ID,
		Role:      domain.RoleAssistant,
		Content:   reply,
		Timestamp: s.stamp(),
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteDeadline)
	defer cancel()
	if err := s.storage.Append(wctx, p.turn.ConversationKey, msg); err != nil {
		s.restore(p)
		return domain.Message{}, fmt.Errorf("%w: append assistant message: %w", domain.ErrStoreFailure, err)
	}
	s.finish(p)
	return msg, nil
}

// Rollback removes the turn's messages and closes it. It is idempotent and
// a no-op for turns that are not pending. The removal ignores ctx
// cancellation so an abandoned request still reaches a terminal state.
func (s *Store) Rollback(ctx context.Context, turn domain.Turn) error {
	p, ok := s.claim(turn.ID)
	if !ok {
		return nil
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteDeadline)
	defer cancel()
	if err := s.storage.DeleteTurn(wctx, p.turn.ConversationKey, p.turn.ID); err != nil {
		s.restore(p)
		s.logger.Error("rollback failed", slog.String("key", p.turn.ConversationKey), slog.String("turn", p.turn.ID), slog.Any("err", err))
		return fmt.Errorf("%w: rollback turn %s: %w", domain.ErrStoreFailure, p.turn.ID, err)
	}
	s.finish(p)
	s.logger.Warn("turn rolled back", slog.String("key", p.turn.ConversationKey), slog.String("turn", p.turn.ID))
	return nil
}

// claim takes the turn out of the pending set so exactly one terminal
// operation proceeds. The key stays locked until finish.
func (s *Store) claim(turnID string) (*pendingTurn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[turnID]
	if ok {
		delete(s.pending, turnID)
	}
	return p, ok
}

func (s *Store) restore(p *pendingTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[p.turn.ID] = p
}

func (s *Store) finish(p *pendingTurn) {
	s.mu.Lock()
	if s.byKey[p.turn.ConversationKey] == p.turn.ID {
		delete(s.byKey, p.turn.ConversationKey)
	}
	s.mu.Unlock()
	p.release()
}

// open reports whether turnID is a turn of this process not yet finished.
func (s *Store) open(key, turnID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[turnID]
	return ok || s.byKey[key] == turnID
}

// Pending returns the number of open turns.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Window returns the last size messages of key, oldest-first, not counting
// the messages of an open turn, which is reported as InFlightTurn. It does
// not take the key's lock, so a turn may read its own window.
func (s *Store) Window(ctx context.Context, key string, size int) (domain.ConversationWindow, error) {
	if size <= 0 {
		size = DefaultWindowSize
	}
	s.mu.Lock()
	inflight := s.byKey[key]
	s.mu.Unlock()

	limit := size
	if inflight != "" {
		limit++
	}
	msgs, err := s.storage.List(ctx, key, limit)
	if err != nil {
		return domain.ConversationWindow{}, fmt.Errorf("%w: list messages: %w", domain.ErrStoreFailure, err)
	}
	if inflight != "" {
		prior := msgs[:0:0]
		for _, m := range msgs {
			if m.TurnID != inflight {
				prior = append(prior, m)
			}
		}
		if len(prior) > size {
			prior = prior[len(prior)-size:]
		}
		// Callers still see the in-flight message; the assembler skips it.
		if in := lastOfTurn(msgs, inflight); in != nil {
			prior = append(prior, *in)
		}
		msgs = prior
	}
	return domain.ConversationWindow{Key: key, Messages: msgs, InFlightTurn: inflight}, nil
}

func lastOfTurn(msgs []domain.Message, turnID string) *domain.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].TurnID == turnID {
			return &msgs[i]
		}
	}
	return nil
}

// History returns every message of key, oldest-first.
func (s *Store) History(ctx context.Context, key string) ([]domain.Message, error) {
	msgs, err := s.storage.List(ctx, key, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: list messages: %w", domain.ErrStoreFailure, err)
	}
	return msgs, nil
}

// Reset clears key's conversation. It waits for an open turn on key to
// finish first.
func (s *Store) Reset(ctx context.Context, key string) error {
	release, err := s.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	if err := s.storage.Reset(ctx, key); err != nil {
		return fmt.Errorf("%w: reset %s: %w", domain.ErrStoreFailure, key, err)
	}
	return nil
}

// Sweep rolls back turns pending longer than maxAge and returns how many
// were closed.
func (s *Store) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.now().UTC().Add(-maxAge)
	s.mu.Lock()
	var stale []domain.Turn
	for _, p := range s.pending {
		if p.turn.StartedAt.Before(cutoff) {
			stale = append(stale, p.turn)
		}
	}
	s.mu.Unlock()

	var errs []error
	n := 0
	for _, t := range stale {
		if err := s.Rollback(ctx, t); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	if n > 0 {
		s.logger.Warn("swept stale turns", slog.Int("count", n))
	}
	return n, errors.Join(errs...)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultPendingMaxAge
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx, maxAge); err != nil {
				s.logger.Error("sweep failed", slog.Any("err", err))
			}
		}
	}
}

// Recover removes turns left without a reply by a previous process. Turns
// open in this process are left alone.
func (s *Store) Recover(ctx context.Context) (int, error) {
	orphans, err := s.storage.Orphans(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: find orphaned turns: %w", domain.ErrStoreFailure, err)
	}
	n := 0
	for _, t := range orphans {
		if s.open(t.ConversationKey, t.ID) {
			continue
		}
		if err := s.storage.DeleteTurn(ctx, t.ConversationKey, t.ID); err != nil {
			return n, fmt.Errorf("%w: recover turn %s: %w", domain.ErrStoreFailure, t.ID, err)
		}
		n++
	}
	if n > 0 {
		s.logger.Info("recovered orphaned turns", slog.Int("count", n))
	}
	return n, nil
}
