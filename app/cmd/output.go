package cmd

import (
	"github.com/fatih/color"

	"github.com/lexcodex/auditia/framework"
)

func setColor(disabled bool) {
	if disabled {
		color.NoColor = true
	}
}

func okMark() string   { return color.New(color.FgGreen).Sprint("✓") }
func warnMark() string { return color.New(color.FgYellow).Sprint("!") }
func failMark() string { return color.New(color.FgRed).Sprint("✗") }

func tierLabel(t framework.Tier) string {
	name := t.AgentName()
	switch t {
	case framework.TierSenior:
		return color.New(color.FgCyan, color.Bold).Sprint(name)
	case framework.TierSupervisor:
		return color.New(color.FgYellow, color.Bold).Sprint(name)
	case framework.TierManager:
		return color.New(color.FgHiMagenta, color.Bold).Sprint(name)
	default:
		return color.New(color.FgBlue, color.Bold).Sprint(name)
	}
}

func stateLabel(s framework.CaseState) string {
	switch s {
	case framework.StateCompleted:
		return color.New(color.FgHiGreen).Sprint(s)
	case framework.StateNone:
		return color.New(color.FgHiBlack).Sprint(s)
	default:
		return color.New(color.FgYellow).Sprint(s)
	}
}

// markdownStyle picks the glamour style matching the color setting.
func markdownStyle() string {
	if color.NoColor {
		return "notty"
	}
	return ""
}
