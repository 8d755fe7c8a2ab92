package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/lexcodex/auditia/framework"
)

var (
	colorPrimary   = lipgloss.Color("39")
	colorSecondary = lipgloss.Color("86")
	colorSuccess   = lipgloss.Color("42")
	colorWarning   = lipgloss.Color("220")
	colorError     = lipgloss.Color("196")
	colorDim       = lipgloss.Color("241")

	messageBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorDim).
			Padding(0, 1).
			MarginBottom(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPrimary)

	textStyle = lipgloss.NewStyle()

	dimStyle = lipgloss.NewStyle().
			Foreground(colorDim)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorError)

	escalatedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorWarning)

	completedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorSuccess)

	statusStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("235")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	promptBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("237")).
			Padding(0, 1)

	welcomeStyle = lipgloss.NewStyle().
			Foreground(colorDim).
			Italic(true).
			Align(lipgloss.Center)
)

// tierStyle colors a tier badge by seniority.
func tierStyle(t framework.Tier) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true)
	switch t {
	case framework.TierSenior:
		return base.Foreground(colorSecondary)
	case framework.TierSupervisor:
		return base.Foreground(colorWarning)
	case framework.TierManager:
		return base.Foreground(lipgloss.Color("205"))
	default:
		return base.Foreground(colorPrimary)
	}
}
