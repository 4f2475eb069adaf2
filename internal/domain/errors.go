package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrConfiguration indicates invalid chunking or application parameters.
	ErrConfiguration = errors.New("configuration error")

	// ErrInvalidInput indicates malformed or invalid input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrEmptyDocument indicates a document with no text to index.
	ErrEmptyDocument = errors.New("document is empty")

	// ErrEmptyMessage indicates a blank user message.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrDimensionMismatch indicates a vector whose length differs from the
	// dimensionality fixed at startup. It is a programming invariant failure.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrEmbeddingFailure indicates an embedding call failed.
	ErrEmbeddingFailure = errors.New("embedding failed")

	// ErrIndexUnavailable indicates a remote vector index could not be
	// reached or rejected a request. An empty index is not an error.
	ErrIndexUnavailable = errors.New("vector index unavailable")

	// ErrTimeout indicates the completion call exceeded its time budget.
	ErrTimeout = errors.New("completion timed out")

	// ErrUpstream indicates the provider returned an error response.
	ErrUpstream = errors.New("upstream error")

	// ErrTransport indicates a network or connection failure.
	ErrTransport = errors.New("transport error")

	// ErrRateLimited indicates the provider rejected the request with 429.
	ErrRateLimited = errors.New("rate limited")

	// ErrStoreFailure indicates the conversation log could not be written.
	ErrStoreFailure = errors.New("conversation store failure")

	// ErrTurnClosed indicates an operation on a turn that is no longer pending.
	ErrTurnClosed = errors.New("turn is not pending")
)

// StatusError is a non-2xx response from an external provider.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Is matches ErrRateLimited for 429 and ErrUpstream for every status.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrUpstream:
		return true
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// Retryable reports whether the status is worth retrying.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
