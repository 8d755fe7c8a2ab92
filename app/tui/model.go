// Package tui is the interactive audit console: a scrollable feed of the
// conversation with the tiers, a prompt bar and a status bar.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/lexcodex/auditia/escalation"
	"github.com/lexcodex/auditia/framework"
	"github.com/lexcodex/auditia/server"
)

// Backend is what the console drives. *runtime.Runtime satisfies it.
type Backend interface {
	Send(ctx context.Context, req escalation.Request) (*escalation.Response, error)
	Upload(ctx context.Context, req escalation.UploadRequest) (*escalation.UploadResponse, error)
	SwitchModel(ctx context.Context, name string) server.ModelSettingsResponse
	CaseState(ctx context.Context, ref framework.CaseRef) (framework.CaseState, []framework.Tier, error)
	Report(ctx context.Context, ref framework.CaseRef) (*framework.Report, error)
	CurrentModel() string
}

// Options configure a console session.
type Options struct {
	ClientID  string
	SessionID string
	// Style is the glamour style for agent replies; empty picks one from the
	// terminal background.
	Style string
	// Timeout bounds each request.
	Timeout time.Duration
}

// Run starts the console and blocks until the user quits.
func Run(ctx context.Context, backend Backend, opts Options) error {
	if backend == nil {
		return fmt.Errorf("backend is required")
	}
	model := NewModel(backend, opts)
	program := tea.NewProgram(
		model,
		tea.WithContext(ctx),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	_, err := program.Run()
	return err
}

// Model implements the Bubble Tea Model interface.
type Model struct {
	backend Backend
	opts    Options

	feed    *viewport.Model
	input   textinput.Model
	spinner spinner.Model

	statusBar StatusBar
	messages  []Message
	ref       framework.CaseRef
	// forced pins requests to one tier; empty dispatches on pending records.
	forced framework.Tier

	width  int
	height int
	ready  bool

	mode    InputMode
	waiting bool

	autoFollow bool
}

// InputMode tracks the role of the prompt bar.
type InputMode int

const (
	ModeNormal InputMode = iota
	ModeCommand
)

// MessageRole identifies who wrote a feed entry.
type MessageRole string

const (
	RoleUser   MessageRole = "user"
	RoleAgent  MessageRole = "agent"
	RoleSystem MessageRole = "system"
)

// Message is one feed entry.
type Message struct {
	ID        string
	Timestamp time.Time
	Role      MessageRole
	Text      string
	// Markdown marks text that is rendered through glamour.
	Markdown bool
	Error    bool
	Reply    *escalation.Response
	Duration time.Duration
}

// replyMsg carries the outcome of a Send or Upload.
type replyMsg struct {
	resp     *escalation.Response
	file     string
	err      error
	duration time.Duration
}

// NewModel initializes the console for one case.
func NewModel(backend Backend, opts Options) Model {
	if opts.ClientID == "" {
		opts.ClientID = framework.NewClientID()
	}
	if opts.SessionID == "" {
		opts.SessionID = framework.NewSessionID()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = server.DefaultHandlerTimeout
	}
	input := textinput.New()
	input.Placeholder = "Escribe un mensaje o /help"
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	ref := framework.CaseRef{ClientID: opts.ClientID, SessionID: opts.SessionID}
	return Model{
		backend: backend,
		opts:    opts,
		input:   input,
		spinner: sp,
		ref:     ref,
		statusBar: StatusBar{
			client:  ref.ClientID,
			session: ref.SessionID,
			model:   backend.CurrentModel(),
			state:   framework.StateNone,
		},
		mode:       ModeNormal,
		autoFollow: true,
	}
}

// submitPrompt sends the current input to the backend.
func (m Model) submitPrompt() (Model, tea.Cmd) {
	value := strings.TrimSpace(m.input.Value())
	if value == "" || m.waiting {
		return m, nil
	}
	m.messages = append(m.messages, Message{
		ID:        generateID(),
		Timestamp: time.Now(),
		Role:      RoleUser,
		Text:      value,
	})
	m.input.SetValue("")
	m.mode = ModeNormal
	m.waiting = true
	m = m.refreshFeedContent()
	return m, tea.Batch(m.sendCmd(value), m.spinner.Tick)
}

func (m Model) sendCmd(message string) tea.Cmd {
	backend := m.backend
	req := escalation.Request{
		ClientID:  m.ref.ClientID,
		SessionID: m.ref.SessionID,
		Message:   message,
		Tier:      m.forced,
	}
	timeout := m.opts.Timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		start := time.Now()
		resp, err := backend.Send(ctx, req)
		return replyMsg{resp: resp, err: err, duration: time.Since(start)}
	}
}

// applyReply appends the tier answer and refreshes the status bar.
func (m Model) applyReply(msg replyMsg) Model {
	m.waiting = false
	m.statusBar.requests++
	m.statusBar.duration += msg.duration
	if msg.err != nil {
		m.messages = append(m.messages, Message{
			ID:        generateID(),
			Timestamp: time.Now(),
			Role:      RoleSystem,
			Text:      fmt.Sprintf("Error: %v", msg.err),
			Error:     true,
		})
		return m.refreshFeedContent()
	}
	resp := msg.resp
	if resp.SessionID != "" {
		m.ref.SessionID = resp.SessionID
		m.statusBar.session = resp.SessionID
	}
	m.statusBar.tier = resp.Tier
	m.statusBar.state = resp.State
	m.statusBar.model = m.backend.CurrentModel()
	if msg.file != "" {
		m.messages = append(m.messages, Message{
			ID:        generateID(),
			Timestamp: time.Now(),
			Role:      RoleSystem,
			Text:      "Archivo cargado: " + msg.file,
		})
	}
	m.messages = append(m.messages, Message{
		ID:        generateID(),
		Timestamp: time.Now(),
		Role:      RoleAgent,
		Text:      resp.Message,
		Markdown:  true,
		Error:     resp.Failed,
		Reply:     resp,
		Duration:  msg.duration,
	})
	return m.refreshFeedContent()
}

// addSystemMessage appends a console notice.
func (m Model) addSystemMessage(text string) Model {
	m.messages = append(m.messages, Message{
		ID:        generateID(),
		Timestamp: time.Now(),
		Role:      RoleSystem,
		Text:      text,
	})
	return m.refreshFeedContent()
}

// refreshFeedContent ensures the viewport reflects the latest messages.
func (m Model) refreshFeedContent() Model {
	if !m.ready || m.feed == nil {
		return m
	}
	m.feed.SetContent(m.renderMessages())
	if m.autoFollow {
		m.feed.GotoBottom()
	}
	return m
}

func generateID() string {
	return fmt.Sprintf("msg-%d", time.Now().UnixNano())
}
