package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// View composes the scrollable feed, prompt bar, and status bar.
func (m Model) View() string {
	if !m.ready || m.feed == nil {
		return "Iniciando..."
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.feed.View(),
		m.renderPromptBar(),
		m.statusBar.View(m.width),
	)
}

func (m Model) renderMessages() string {
	if len(m.messages) == 0 {
		return welcomeStyle.Width(m.width).Render("Bienvenido al asistente de auditoría. Escribe un mensaje o /help.")
	}
	rendered := make([]string, 0, len(m.messages))
	for _, msg := range m.messages {
		rendered = append(rendered, m.renderMessage(msg))
	}
	return strings.Join(rendered, "\n")
}

func (m Model) renderMessage(msg Message) string {
	var b strings.Builder
	b.WriteString(renderMessageHeader(msg))
	b.WriteString("\n")

	body := msg.Text
	if msg.Markdown {
		body = RenderMarkdown(body, max(20, m.width-8), m.opts.Style)
	}
	switch {
	case msg.Error:
		b.WriteString(errorStyle.Render(body))
	case msg.Role == RoleSystem && !msg.Markdown:
		b.WriteString(dimStyle.Render(body))
	default:
		b.WriteString(textStyle.Render(body))
	}
	if footer := renderReplyFooter(msg); footer != "" {
		b.WriteString("\n")
		b.WriteString(footer)
	}
	return messageBoxStyle.Width(max(0, m.width-4)).Render(b.String())
}

func renderMessageHeader(msg Message) string {
	timestamp := msg.Timestamp.Format("15:04:05")
	switch msg.Role {
	case RoleUser:
		return headerStyle.Render(fmt.Sprintf("[%s] Tú", timestamp))
	case RoleAgent:
		label := "agente"
		if msg.Reply != nil {
			label = tierStyle(msg.Reply.Tier).Render(msg.Reply.Agent)
		}
		return headerStyle.Render(fmt.Sprintf("[%s] ", timestamp)) + label
	default:
		return dimStyle.Render(fmt.Sprintf("[%s] Sistema", timestamp))
	}
}

func renderReplyFooter(msg Message) string {
	if msg.Reply == nil {
		return ""
	}
	parts := []string{}
	switch {
	case msg.Reply.ReportGenerated:
		parts = append(parts, completedStyle.Render("informe final generado"))
	case msg.Reply.Escalated:
		parts = append(parts, escalatedStyle.Render("caso escalado"))
	}
	parts = append(parts, dimStyle.Render(string(msg.Reply.State)))
	if msg.Duration > 0 {
		parts = append(parts, dimStyle.Render(formatDuration(msg.Duration)))
	}
	return strings.Join(parts, dimStyle.Render(" · "))
}

func (m Model) renderPromptBar() string {
	prefix := "> "
	hint := dimStyle.Render(" / comandos | ctrl+l limpiar")
	if m.mode == ModeCommand {
		prefix = ""
		hint = dimStyle.Render(" Enter ejecutar | Esc cancelar")
	}
	if m.waiting {
		prefix = m.spinner.View() + " "
		hint = dimStyle.Render(" esperando respuesta")
	}
	return promptBarStyle.Width(m.width).Render(prefix + m.input.View() + " " + hint)
}
