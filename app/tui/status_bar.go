package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/lexcodex/auditia/framework"
)

// StatusBar renders the case identity, active tier, model and case state.
type StatusBar struct {
	client   string
	session  string
	tier     framework.Tier
	forced   bool
	model    string
	state    framework.CaseState
	requests int
	duration time.Duration
}

func (s StatusBar) View(width int) string {
	tier := string(s.tier)
	if tier == "" {
		tier = "auto"
	}
	if s.forced {
		tier += "*"
	}
	state := string(s.state)
	if state == "" {
		state = string(framework.StateNone)
	}
	left := fmt.Sprintf("cliente %s | sesión %s | %s | %s",
		truncate(s.client, 16),
		truncate(s.session, 12),
		tier,
		s.model,
	)
	right := fmt.Sprintf("%s | %d msgs | %s",
		state,
		s.requests,
		formatDuration(s.duration),
	)
	padding := width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if padding < 1 {
		padding = 1
	}
	return statusStyle.Render(left + strings.Repeat(" ", padding) + right)
}

func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return d.Truncate(time.Second).String()
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:1])
	}
	return string(r[:n-1]) + "…"
}
