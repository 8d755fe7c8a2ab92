package tui

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/lexcodex/auditia/escalation"
	"github.com/lexcodex/auditia/framework"
	"github.com/lexcodex/auditia/persistence"
	"github.com/lexcodex/auditia/server"
)

// CommandHandler mutates model state for /commands in the prompt bar.
type CommandHandler func(Model, []string) (Model, tea.Cmd)

// Command describes a slash command entry.
type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Handler     CommandHandler
}

type systemMsg string

type markdownMsg struct {
	text string
	at   time.Time
}

type caseMsg struct {
	state   framework.CaseState
	pending []framework.Tier
}

func (c caseMsg) describe() string {
	if len(c.pending) == 0 {
		return fmt.Sprintf("Estado del caso: %s", c.state)
	}
	names := make([]string, len(c.pending))
	for i, t := range c.pending {
		names[i] = string(t)
	}
	return fmt.Sprintf("Estado del caso: %s (pendiente: %s)", c.state, strings.Join(names, ", "))
}

var commandRegistry = map[string]Command{}

func init() {
	registerCommand(Command{
		Name:        "help",
		Aliases:     []string{"h", "?"},
		Description: "Show available commands",
		Usage:       "/help [command]",
		Handler:     handleHelp,
	})
	registerCommand(Command{
		Name:        "tier",
		Aliases:     []string{"t"},
		Description: "Force a tier or return to automatic routing",
		Usage:       "/tier <assistant|senior|supervisor|manager|auto>",
		Handler:     handleTier,
	})
	registerCommand(Command{
		Name:        "model",
		Aliases:     []string{"m"},
		Description: "Switch the default model",
		Usage:       "/model <gemini|claude|gpt4|ollama>",
		Handler:     handleModel,
	})
	registerCommand(Command{
		Name:        "case",
		Aliases:     []string{"status"},
		Description: "Show where the case stands",
		Usage:       "/case",
		Handler:     handleCase,
	})
	registerCommand(Command{
		Name:        "report",
		Aliases:     []string{"r"},
		Description: "Show the final report of this case",
		Usage:       "/report",
		Handler:     handleReport,
	})
	registerCommand(Command{
		Name:        "upload",
		Aliases:     []string{"u"},
		Description: "Upload a document for analysis",
		Usage:       "/upload <path>",
		Handler:     handleUpload,
	})
	registerCommand(Command{
		Name:        "session",
		Aliases:     []string{"s"},
		Description: "Start a new session or switch to one",
		Usage:       "/session [id]",
		Handler:     handleSession,
	})
	registerCommand(Command{
		Name:        "clear",
		Aliases:     []string{"cls"},
		Description: "Clear the feed",
		Usage:       "/clear",
		Handler:     handleClear,
	})
}

func registerCommand(cmd Command) {
	commandRegistry[cmd.Name] = cmd
}

// parseCommand splits the slash-prefixed input into command + args.
func parseCommand(input string) (string, []string) {
	parts := strings.Fields(input)
	if len(parts) == 0 || !strings.HasPrefix(parts[0], "/") {
		return "", nil
	}
	return strings.TrimPrefix(parts[0], "/"), parts[1:]
}

// handleCommand finds the registered command, falling back to aliases.
func handleCommand(m Model, name string, args []string) (Model, tea.Cmd) {
	if name == "" {
		return m, nil
	}
	cmd, ok := commandRegistry[name]
	if !ok {
		for _, registered := range commandRegistry {
			for _, alias := range registered.Aliases {
				if alias == name {
					cmd, ok = registered, true
				}
			}
		}
	}
	if !ok {
		return m.addSystemMessage(fmt.Sprintf("Comando desconocido: %s", name)), nil
	}
	return cmd.Handler(m, args)
}

func handleHelp(m Model, args []string) (Model, tea.Cmd) {
	if len(args) > 0 {
		if cmd, ok := commandRegistry[args[0]]; ok {
			return m.addSystemMessage(fmt.Sprintf("%s - %s\nUso: %s", cmd.Name, cmd.Description, cmd.Usage)), nil
		}
	}
	names := make([]string, 0, len(commandRegistry))
	for name := range commandRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("Comandos disponibles:\n\n")
	for _, name := range names {
		cmd := commandRegistry[name]
		fmt.Fprintf(&b, "  %s - %s\n", cmd.Usage, cmd.Description)
	}
	return m.addSystemMessage(b.String()), nil
}

func handleTier(m Model, args []string) (Model, tea.Cmd) {
	if len(args) == 0 {
		return m.addSystemMessage("Uso: /tier <assistant|senior|supervisor|manager|auto>"), nil
	}
	if args[0] == "auto" {
		m.forced = ""
		m.statusBar.forced = false
		return m.addSystemMessage("Enrutamiento automático"), nil
	}
	tier, ok, err := framework.ParseTier(args[0])
	if err != nil || !ok {
		return m.addSystemMessage(fmt.Sprintf("Nivel desconocido: %s", args[0])), nil
	}
	m.forced = tier
	m.statusBar.tier = tier
	m.statusBar.forced = true
	return m.addSystemMessage(fmt.Sprintf("Mensajes dirigidos a %s", tier.AgentName())), nil
}

func handleModel(m Model, args []string) (Model, tea.Cmd) {
	if len(args) == 0 {
		return m.addSystemMessage(fmt.Sprintf("Modelo actual: %s", m.backend.CurrentModel())), nil
	}
	resp := m.backend.SwitchModel(context.Background(), args[0])
	m.statusBar.model = m.backend.CurrentModel()
	if !resp.Success {
		return m.addSystemMessage(resp.Message + " Disponibles: " + strings.Join(resp.Available, ", ")), nil
	}
	return m.addSystemMessage(resp.Message), nil
}

func handleCase(m Model, args []string) (Model, tea.Cmd) {
	backend, ref := m.backend, m.ref
	return m, func() tea.Msg {
		state, pending, err := backend.CaseState(context.Background(), ref)
		if err != nil {
			return systemMsg(fmt.Sprintf("Error: %v", err))
		}
		return caseMsg{state: state, pending: pending}
	}
}

func handleReport(m Model, args []string) (Model, tea.Cmd) {
	backend, ref := m.backend, m.ref
	return m, func() tea.Msg {
		report, err := backend.Report(context.Background(), ref)
		if errors.Is(err, persistence.ErrNotFound) {
			return systemMsg("Informe no encontrado")
		}
		if err != nil {
			return systemMsg(fmt.Sprintf("Error: %v", err))
		}
		var b strings.Builder
		if err := server.RenderReportMarkdown(&b, report); err != nil {
			return systemMsg(fmt.Sprintf("Error: %v", err))
		}
		return markdownMsg{text: b.String(), at: time.Now()}
	}
}

func handleUpload(m Model, args []string) (Model, tea.Cmd) {
	if len(args) == 0 {
		return m.addSystemMessage("Uso: /upload <path>"), nil
	}
	if m.waiting {
		return m.addSystemMessage("Espera la respuesta anterior"), nil
	}
	path := strings.Join(args, " ")
	backend, ref, forced, timeout := m.backend, m.ref, m.forced, m.opts.Timeout
	m.waiting = true
	upload := func() tea.Msg {
		f, err := os.Open(path)
		if err != nil {
			return replyMsg{err: err}
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return replyMsg{err: err}
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		start := time.Now()
		resp, err := backend.Upload(ctx, escalation.UploadRequest{
			ClientID:  ref.ClientID,
			SessionID: ref.SessionID,
			FileName:  filepath.Base(path),
			Size:      info.Size(),
			Content:   f,
			AgentType: string(forced),
		})
		if err != nil {
			return replyMsg{err: err, duration: time.Since(start)}
		}
		return replyMsg{resp: resp.Response, file: resp.FileName, duration: time.Since(start)}
	}
	return m, tea.Batch(upload, m.spinner.Tick)
}

func handleSession(m Model, args []string) (Model, tea.Cmd) {
	id := framework.NewSessionID()
	if len(args) > 0 {
		id = args[0]
	}
	ref := framework.CaseRef{ClientID: m.ref.ClientID, SessionID: id}
	if err := ref.Validate(); err != nil {
		return m.addSystemMessage(fmt.Sprintf("Sesión inválida: %v", err)), nil
	}
	m.ref = ref
	m.statusBar.session = id
	m.statusBar.state = framework.StateNone
	m.statusBar.requests = 0
	m.statusBar.duration = 0
	return m.addSystemMessage("Sesión " + id), nil
}

func handleClear(m Model, args []string) (Model, tea.Cmd) {
	m.messages = nil
	return m.addSystemMessage("Historial borrado"), nil
}
