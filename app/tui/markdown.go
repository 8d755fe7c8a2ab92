package tui

import (
	"strings"

	"github.com/charmbracelet/glamour"
)

// PlainStyle renders markdown without ANSI sequences.
const PlainStyle = "notty"

// RenderMarkdown renders md for a terminal of the given width. style is a
// glamour standard style name; empty selects one from the terminal
// background. On renderer failure the source is returned unchanged.
func RenderMarkdown(md string, width int, style string) string {
	if width <= 0 {
		width = 80
	}
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(width)}
	if style == "" {
		opts = append(opts, glamour.WithAutoStyle())
	} else {
		opts = append(opts, glamour.WithStandardStyle(style))
	}
	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return strings.Trim(out, "\n")
}
