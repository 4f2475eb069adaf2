package tui

import (
	"context"
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragchat/internal/domain"
)

type fakeChat struct {
	history []domain.Message
	asked   []string
	askErr  error
	block   bool
	resets  int
}

func (f *fakeChat) Ask(ctx context.Context, key, question string) (domain.Message, error) {
	f.asked = append(f.asked, question)
	if f.block {
		<-ctx.Done()
		return domain.Message{}, ctx.Err()
	}
	if f.askErr != nil {
		return domain.Message{}, f.askErr
	}
	return domain.Message{TurnID: "t", Role: domain.RoleAssistant, Content: "reply to " + question}, nil
}

func (f *fakeChat) History(context.Context, string) ([]domain.Message, error) {
	return f.history, nil
}

func (f *fakeChat) Reset(context.Context, string) error {
	f.resets++
	return nil
}

func (f *fakeChat) Summary() string { return "A short summary." }

func ready(t *testing.T, svc ChatPort) Model {
	t.Helper()
	m := New(context.Background(), svc, "alice")
	next, _ := m.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	return next.(Model)
}

func typeText(m Model, s string) Model {
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)})
	return next.(Model)
}

func TestModel_LoadsHistory(t *testing.T) {
	svc := &fakeChat{history: []domain.Message{
		{Role: domain.RoleUser, Content: "earlier question"},
		{Role: domain.RoleAssistant, Content: "earlier answer"},
	}}
	m := ready(t, svc)
	next, _ := m.Update(m.loadHistory()())
	m = next.(Model)

	view := m.View()
	assert.Contains(t, view, "earlier question")
	assert.Contains(t, view, "earlier answer")
	assert.Contains(t, view, "A short summary.")
}

func TestModel_AskRoundTrip(t *testing.T) {
	svc := &fakeChat{}
	m := typeText(ready(t, svc), "what is blue?")

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)
	require.NotNil(t, cmd)
	assert.True(t, m.Busy())
	assert.Empty(t, m.input.Value())
	assert.Contains(t, m.renderTranscript(), "typing")

	// a second Enter while busy is ignored
	_, again := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, again)

	next, _ = m.Update(cmd())
	m = next.(Model)
	assert.False(t, m.Busy())
	assert.Equal(t, []string{"what is blue?"}, svc.asked)
	require.Len(t, m.messages, 2)
	assert.Equal(t, "reply to what is blue?", m.messages[1].Content)
	assert.Contains(t, m.renderTranscript(), "reply to what is blue?")
}

func TestModel_FailureRestoresInput(t *testing.T) {
	svc := &fakeChat{askErr: errors.New("completion timed out")}
	m := typeText(ready(t, svc), "hello")
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)
	next, _ = m.Update(cmd())
	m = next.(Model)

	assert.Empty(t, m.messages)
	assert.Equal(t, "hello", m.input.Value())
	assert.Contains(t, m.status, "completion timed out")
}

func TestModel_EscCancels(t *testing.T) {
	svc := &fakeChat{block: true}
	m := typeText(ready(t, svc), "slow")
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	m = next.(Model)
	next, _ = m.Update(cmd())
	m = next.(Model)

	assert.False(t, m.Busy())
	assert.Equal(t, "Cancelled.", m.status)
	assert.Equal(t, "slow", m.input.Value())
}

func TestModel_Reset(t *testing.T) {
	svc := &fakeChat{history: []domain.Message{{Role: domain.RoleUser, Content: "q"}}}
	m := ready(t, svc)
	next, _ := m.Update(m.loadHistory()())
	m = next.(Model)

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlR})
	m = next.(Model)
	require.NotNil(t, cmd)
	next, _ = m.Update(cmd())
	m = next.(Model)

	assert.Equal(t, 1, svc.resets)
	assert.Empty(t, m.messages)
	assert.Equal(t, "No messages yet.", m.renderTranscript())
}
