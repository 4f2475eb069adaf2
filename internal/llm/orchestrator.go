// Package llm wraps a Completer with the request budget and the failure
// taxonomy callers rely on for rollback and retry decisions.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"ragchat/internal/domain"
)

// Defaults for completion requests.
const (
	DefaultMaxTokens   = 500
	DefaultTemperature = 0.7
	DefaultTimeout     = 30 * time.Second
)

// Orchestrator enforces a wall-clock timeout around a Completer and maps
// every failure to exactly one of domain.ErrTimeout, domain.ErrUpstream or
// domain.ErrTransport. A cancelled caller context is returned as is. It
// never retries and holds no conversation state.
type Orchestrator struct {
	completer domain.Completer
	opts      domain.CompletionOptions
	timeout   time.Duration
	logger    *slog.Logger
}

type Option func(*Orchestrator)

func WithMaxTokens(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.opts.MaxTokens = n
		}
	}
}

func WithTemperature(t float64) Option {
	return func(o *Orchestrator) {
		if t >= 0 {
			o.opts.Temperature = t
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New wraps c.
func New(c domain.Completer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		completer: c,
		opts:      domain.CompletionOptions{MaxTokens: DefaultMaxTokens, Temperature: DefaultTemperature},
		timeout:   DefaultTimeout,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ModelName returns the underlying model identifier.
func (o *Orchestrator) ModelName() string { return o.completer.ModelName() }

// Timeout returns the per-request budget.
func (o *Orchestrator) Timeout() time.Duration { return o.timeout }

type result struct {
	reply string
	err   error
}

// Complete sends msgs upstream and returns the reply.
func (o *Orchestrator) Complete(ctx context.Context, msgs []domain.ChatMessage) (string, error) {
	if len(msgs) == 0 {
		return "", fmt.Errorf("%w: no messages to complete", domain.ErrInvalidInput)
	}
	tctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan result, 1)
	go func() {
		reply, err := o.completer.Complete(tctx, msgs, o.opts)
		done <- result{reply: reply, err: err}
	}()

	var err error
	select {
	case r := <-done:
		if r.err == nil {
			o.logger.Debug("completion finished", slog.String("model", o.completer.ModelName()), slog.Duration("took", time.Since(start)))
			return r.reply, nil
		}
		err = r.err
	case <-tctx.Done():
		// The completer may ignore its context; the budget holds regardless.
		err = tctx.Err()
	}
	err = o.classify(ctx, err)
	o.logger.Warn("completion failed", slog.String("model", o.completer.ModelName()), slog.Duration("took", time.Since(start)), slog.Any("err", err))
	return "", err
}

func (o *Orchestrator) classify(parent context.Context, err error) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return fmt.Errorf("completion: %w", parent.Err())
	}
	var ne net.Error
	isNet := errors.As(err, &ne)
	switch {
	case errors.Is(err, context.DeadlineExceeded), isNet && ne.Timeout():
		return fmt.Errorf("%w after %s: %v", domain.ErrTimeout, o.timeout, err)
	case errors.Is(err, domain.ErrUpstream):
		return fmt.Errorf("completion: %w", err)
	case errors.Is(err, domain.ErrTransport), isNet, errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", domain.ErrTransport, err)
	default:
		return fmt.Errorf("%w: %v", domain.ErrUpstream, err)
	}
}
