package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragchat/internal/domain"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	t.Setenv("TEST_CHAT_KEY", "sk-chat")
	c, err := NewClient(Config{BaseURL: url, APIKeyEnv: "TEST_CHAT_KEY", Model: "gpt-test"})
	require.NoError(t, err)
	return c
}

func TestNewClient(t *testing.T) {
	t.Setenv("NO_KEY", "")
	_, err := NewClient(Config{APIKeyEnv: "NO_KEY"})
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	c, err := NewClient(Config{APIKeyEnv: "NO_KEY", AllowEmptyKey: true})
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, c.ModelName())
	assert.Equal(t, DefaultBaseURL, c.baseURL)
}

func TestComplete_SendsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-chat", r.Header.Get("Authorization"))
		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-test", req.Model)
		assert.Equal(t, 500, req.MaxTokens)
		assert.InDelta(t, 0.7, req.Temperature, 1e-9)
		assert.Equal(t, []chatMessage{
			{Role: "system", Content: "persona"},
			{Role: "user", Content: "hi"},
		}, req.Messages)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hello there"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	reply, err := newTestClient(t, srv.URL+"/").Complete(context.Background(), []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: "persona"},
		{Role: domain.RoleUser, Content: "hi"},
	}, domain.CompletionOptions{MaxTokens: 500, Temperature: 0.7})
	require.NoError(t, err)
	assert.Equal(t, "hello there", reply)
}

func TestComplete_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   []error
		notIs  error
	}{
		{"server error", http.StatusInternalServerError, `oops`, []error{domain.ErrUpstream}, domain.ErrRateLimited},
		{"rate limited", http.StatusTooManyRequests, `{}`, []error{domain.ErrUpstream, domain.ErrRateLimited}, nil},
		{"no choices", http.StatusOK, `{"choices":[]}`, []error{domain.ErrUpstream}, nil},
		{"error body", http.StatusOK, `{"error":{"message":"bad model"}}`, []error{domain.ErrUpstream}, nil},
		{"garbage", http.StatusOK, `not json`, []error{domain.ErrUpstream}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL).Complete(context.Background(), nil, domain.CompletionOptions{})
			require.Error(t, err)
			for _, want := range tt.want {
				assert.ErrorIs(t, err, want)
			}
			assert.NotErrorIs(t, err, domain.ErrTransport)
			if tt.notIs != nil {
				assert.NotErrorIs(t, err, tt.notIs)
			}
		})
	}
}

func TestComplete_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestClient(t, url).Complete(context.Background(), nil, domain.CompletionOptions{})
	assert.ErrorIs(t, err, domain.ErrTransport)
}
