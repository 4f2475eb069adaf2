package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"ragchat/internal/domain"
)

// ChatPort is the TUI-facing subset of the chat service.
type ChatPort interface {
	Ask(ctx context.Context, key, question string) (domain.Message, error)
	History(ctx context.Context, key string) ([]domain.Message, error)
	Reset(ctx context.Context, key string) error
	Summary() string
}

type (
	historyMsg struct {
		msgs []domain.Message
		err  error
	}
	answerMsg struct {
		reply domain.Message
		err   error
	}
	resetMsg struct{ err error }
)

// Model is the Bubble Tea model for the chat application.
type Model struct {
	ctx      context.Context
	service  ChatPort
	key      string
	input    textinput.Model
	viewport viewport.Model
	messages []domain.Message
	pending  string
	cancel   context.CancelFunc
	status   string
	ready    bool
}

// New creates a chat model for conversation key. ctx bounds every call
// made to service.
func New(ctx context.Context, service ChatPort, key string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask a question and press Enter"
	ti.Focus()
	ti.CharLimit = 0
	vp := viewport.New(0, 0)
	return Model{
		ctx:      ctx,
		service:  service,
		key:      key,
		input:    ti,
		viewport: vp,
		status:   "Enter sends, Esc cancels, Ctrl+R resets, Ctrl+C quits.",
	}
}

// Init loads the stored conversation and starts the cursor blink.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.loadHistory())
}

func (m Model) loadHistory() tea.Cmd {
	ctx, service, key := m.ctx, m.service, m.key
	return func() tea.Msg {
		msgs, err := service.History(ctx, key)
		return historyMsg{msgs: msgs, err: err}
	}
}

func ask(ctx context.Context, service ChatPort, key, question string) tea.Cmd {
	return func() tea.Msg {
		reply, err := service.Ask(ctx, key, question)
		return answerMsg{reply: reply, err: err}
	}
}

// Busy reports whether a question is waiting for its answer.
func (m Model) Busy() bool { return m.cancel != nil }

// Update handles key and window events and updates the view state.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		// account for frames around transcript and input boxes
		_, th := transcriptBoxStyle.GetFrameSize()
		_, ih := inputBoxStyle.GetFrameSize()
		reserved := 2 + 1 + ih + 1 // header + summary, status, spacer
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, msg.Height-reserved-th)
		m.refresh()
		return m, nil
	case historyMsg:
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
			return m, nil
		}
		m.messages = msg.msgs
		m.refresh()
		return m, nil
	case answerMsg:
		m.stop()
		question := m.pending
		m.pending = ""
		switch {
		case errors.Is(msg.err, context.Canceled):
			m.status = "Cancelled."
			m.input.SetValue(question)
		case msg.err != nil:
			m.status = "Error: " + msg.err.Error()
			m.input.SetValue(question)
		default:
			m.messages = append(m.messages,
				domain.Message{Role: domain.RoleUser, TurnID: msg.reply.TurnID, Content: question},
				msg.reply)
			m.status = "Ready."
		}
		m.refresh()
		return m, nil
	case resetMsg:
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
			return m, nil
		}
		m.messages = nil
		m.status = "Conversation cleared."
		m.refresh()
		return m, nil
	case tea.KeyMsg:
		// Global quits
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			m.stop()
			return m, tea.Quit
		}
		switch msg.Type {
		case tea.KeyEsc:
			if m.cancel != nil {
				m.cancel()
				m.status = "Cancelling..."
			}
			return m, nil
		case tea.KeyCtrlR:
			if m.Busy() {
				return m, nil
			}
			ctx, service, key := m.ctx, m.service, m.key
			return m, func() tea.Msg { return resetMsg{err: service.Reset(ctx, key)} }
		case tea.KeyEnter:
			q := strings.TrimSpace(m.input.Value())
			if q == "" || m.Busy() {
				return m, nil
			}
			ctx, cancel := context.WithCancel(m.ctx)
			m.cancel = cancel
			m.pending = q
			m.input.Reset()
			m.status = "Thinking..."
			m.refresh()
			return m, ask(ctx, m.service, m.key, q)
		case tea.KeyPgUp, tea.KeyPgDown, tea.KeyUp, tea.KeyDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) stop() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.renderTranscript())
	m.viewport.GotoBottom()
}

// View renders the TUI layout and transcript.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("RAG Chat · " + m.key)
	summary := summaryStyle.Render(m.service.Summary())
	transcript := transcriptBoxStyle.Render(m.viewport.View())
	input := inputBoxStyle.Render(m.input.View())
	status := statusStyle.Render(m.status)
	return header + "\n" + summary + "\n" + transcript + "\n" + input + "\n" + status
}

func (m Model) renderTranscript() string {
	if len(m.messages) == 0 && m.pending == "" {
		return "No messages yet."
	}
	var b strings.Builder
	for _, msg := range m.messages {
		writeMessage(&b, msg.Role, msg.Content)
	}
	if m.pending != "" {
		writeMessage(&b, domain.RoleUser, m.pending)
		b.WriteString(pendingStyle.Render("assistant is typing..."))
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeMessage(b *strings.Builder, role domain.Role, content string) {
	label := assistantStyle.Render("assistant")
	if role == domain.RoleUser {
		label = userStyle.Render("you")
	}
	fmt.Fprintf(b, "%s: %s\n\n", label, strings.TrimSpace(content))
}

var (
	transcriptBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	inputBoxStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	summaryStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	userStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	assistantStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	pendingStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
)
