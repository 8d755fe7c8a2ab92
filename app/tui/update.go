package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// Init fulfills the Bubble Tea Model interface.
func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

// Update applies incoming Bubble Tea messages to the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.handleResize(msg)
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "ctrl+d":
			return m, tea.Quit
		case "ctrl+l":
			m.messages = nil
			return m.refreshFeedContent(), nil
		}
		switch m.mode {
		case ModeCommand:
			return m.handleCommandMode(msg)
		default:
			return m.handleNormalMode(msg)
		}
	case tea.MouseMsg:
		if m.feed == nil {
			return m, nil
		}
		var cmd tea.Cmd
		*m.feed, cmd = m.feed.Update(msg)
		m.autoFollow = m.feed.AtBottom()
		return m, cmd
	case spinner.TickMsg:
		if !m.waiting {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case replyMsg:
		return m.applyReply(msg), nil
	case systemMsg:
		return m.addSystemMessage(string(msg)), nil
	case markdownMsg:
		m.messages = append(m.messages, Message{
			ID:        generateID(),
			Timestamp: msg.at,
			Role:      RoleSystem,
			Text:      msg.text,
			Markdown:  true,
		})
		return m.refreshFeedContent(), nil
	case caseMsg:
		m.statusBar.state = msg.state
		return m.addSystemMessage(msg.describe()), nil
	}
	return m, nil
}

// handleResize adjusts the feed and input layout on terminal resize events.
func (m Model) handleResize(msg tea.WindowSizeMsg) (tea.Model, tea.Cmd) {
	m.width = msg.Width
	m.height = msg.Height

	statusBarHeight := 1
	promptBarHeight := 1
	feedHeight := max(1, msg.Height-statusBarHeight-promptBarHeight)

	if !m.ready {
		v := viewport.New(msg.Width, feedHeight)
		m.feed = &v
		m.ready = true
	} else {
		m.feed.Width = msg.Width
		m.feed.Height = feedHeight
	}
	m.input.Width = max(10, msg.Width-4)
	return m.refreshFeedContent(), nil
}

func (m Model) handleNormalMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.Type == tea.KeyRunes && msg.String() == "/" && strings.TrimSpace(m.input.Value()) == "" {
		m.mode = ModeCommand
		m.input.SetValue("/")
		m.input.CursorEnd()
		return m, nil
	}
	switch msg.String() {
	case "enter":
		return m.submitPrompt()
	case "up", "down", "pgup", "pgdown", "home", "end":
		if m.feed == nil {
			return m, nil
		}
		var cmd tea.Cmd
		*m.feed, cmd = m.feed.Update(msg)
		m.autoFollow = m.feed.AtBottom()
		return m, cmd
	default:
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
}

// handleCommandMode processes slash-prefixed commands.
func (m Model) handleCommandMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		raw := strings.TrimSpace(m.input.Value())
		m.input.SetValue("")
		m.mode = ModeNormal
		if raw == "" || raw == "/" {
			return m, nil
		}
		if !strings.HasPrefix(raw, "/") {
			raw = "/" + raw
		}
		name, args := parseCommand(raw)
		return handleCommand(m, name, args)
	case "esc":
		m.mode = ModeNormal
		m.input.SetValue("")
		return m, nil
	default:
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		if !strings.HasPrefix(m.input.Value(), "/") {
			m.mode = ModeNormal
		}
		return m, cmd
	}
}
