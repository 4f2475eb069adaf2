package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragchat/internal/domain"
)

type completionServer struct {
	mu       sync.Mutex
	status   int
	prompts  [][]domain.ChatMessage
	authSeen []string
}

func (s *completionServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Messages []domain.ChatMessage `json:"messages"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.mu.Lock()
	s.prompts = append(s.prompts, req.Messages)
	s.authSeen = append(s.authSeen, r.Header.Get("Authorization"))
	status := s.status
	s.mu.Unlock()

	if status != 0 {
		http.Error(w, `{"error":{"message":"boom"}}`, status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"It is blue."},"finish_reason":"stop"}]}`))
}

func (s *completionServer) last() []domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompts[len(s.prompts)-1]
}

func (s *completionServer) fail(status int) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func setup(t *testing.T) (dir, cfgPath string, srv *completionServer) {
	t.Helper()
	dir = t.TempDir()
	srv = &completionServer{}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	cfg := fmt.Sprintf(`
index:
  type: memory
  snapshot_path: %s
completion:
  base_url: %s
  api_key_env: RAGCHAT_CLI_TEST_KEY
conversation:
  store: sqlite
  path: %s
log:
  level: error
`, filepath.Join(dir, "index.bin"), ts.URL, filepath.Join(dir, "chat.db"))
	cfgPath = filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sky.txt"), []byte("The sky is blue. The grass is green."), 0o644))
	return dir, cfgPath, srv
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCmd_Subcommands(t *testing.T) {
	var names []string
	for _, c := range NewRootCmd().Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"chat", "ask", "ingest", "history", "reset"} {
		assert.Contains(t, names, want)
	}
	flag := NewRootCmd().PersistentFlags().Lookup("key")
	require.NotNil(t, flag)
	assert.Equal(t, "k", flag.Shorthand)
}

func TestAskCmd_RequiresQuestion(t *testing.T) {
	_, err := run(t, "ask")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires at least 1 arg(s)")
}

func TestEndToEnd(t *testing.T) {
	dir, cfgPath, srv := setup(t)

	out, err := run(t, "--config", cfgPath, "ingest", filepath.Join(dir, "*.txt"))
	require.NoError(t, err)
	assert.Contains(t, out, "Ingested 1 document(s), 1 chunk(s).")
	assert.Contains(t, out, "Summary: The sky is blue. The grass is green.")

	// a fresh process sees the saved index and the durable conversation log
	out, err = run(t, "--config", cfgPath, "--key", "alice", "ask", "What", "color", "is", "the", "sky?")
	require.NoError(t, err)
	assert.Equal(t, "It is blue.\n", out)

	prompt := srv.last()
	require.Len(t, prompt, 3)
	assert.Equal(t, domain.RoleSystem, prompt[1].Role)
	assert.Contains(t, prompt[1].Content, "The sky is blue.")
	assert.Equal(t, "What color is the sky?", prompt[2].Content)

	out, err = run(t, "--config", cfgPath, "--key", "alice", "history")
	require.NoError(t, err)
	assert.Contains(t, out, "user: What color is the sky?")
	assert.Contains(t, out, "assistant: It is blue.")

	srv.fail(http.StatusInternalServerError)
	_, err = run(t, "--config", cfgPath, "--key", "alice", "ask", "and the grass?")
	assert.ErrorIs(t, err, domain.ErrUpstream)

	out, err = run(t, "--config", cfgPath, "--key", "alice", "history")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "\n"), "failed turn must leave no message behind")
	assert.NotContains(t, out, "grass")

	out, err = run(t, "--config", cfgPath, "--key", "alice", "reset")
	require.NoError(t, err)
	assert.Contains(t, out, `Conversation "alice" cleared.`)

	out, err = run(t, "--config", cfgPath, "--key", "alice", "history")
	require.NoError(t, err)
	assert.Equal(t, "No messages.\n", out)
}

func TestAskCmd_LoadsDotEnv(t *testing.T) {
	dir, cfgPath, srv := setup(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("RAGCHAT_CLI_TEST_KEY=from-dotenv\n"), 0o600))
	t.Chdir(dir)
	t.Cleanup(func() { _ = os.Unsetenv("RAGCHAT_CLI_TEST_KEY") })

	_, err := run(t, "--config", cfgPath, "ask", "--file", filepath.Join(dir, "sky.txt"), "hello")
	require.NoError(t, err)
	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, []string{"Bearer from-dotenv"}, srv.authSeen)
}

func TestOpen_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("conversation:\n  store: redis\n"), 0o644))
	_, err := run(t, "--config", path, "history")
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}
