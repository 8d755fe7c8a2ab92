package tui

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexcodex/auditia/escalation"
	"github.com/lexcodex/auditia/framework"
	"github.com/lexcodex/auditia/persistence"
	"github.com/lexcodex/auditia/server"
)

type fakeBackend struct {
	mu       sync.Mutex
	model    string
	requests []escalation.Request
	uploads  []string
	reply    *escalation.Response
	err      error
	report   *framework.Report
	state    framework.CaseState
	pending  []framework.Tier
}

func (f *fakeBackend) Send(ctx context.Context, req escalation.Request) (*escalation.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	resp := *f.reply
	resp.ClientID, resp.SessionID = req.ClientID, req.SessionID
	return &resp, nil
}

func (f *fakeBackend) Upload(ctx context.Context, req escalation.UploadRequest) (*escalation.UploadResponse, error) {
	data, err := io.ReadAll(req.Content)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.uploads = append(f.uploads, req.FileName+":"+string(data))
	f.mu.Unlock()
	resp, err := f.Send(ctx, escalation.Request{ClientID: req.ClientID, SessionID: req.SessionID, Message: "upload"})
	if err != nil {
		return nil, err
	}
	return &escalation.UploadResponse{Response: resp, FileName: req.FileName, Size: req.Size}, nil
}

func (f *fakeBackend) SwitchModel(ctx context.Context, name string) server.ModelSettingsResponse {
	if name != "claude" {
		return server.ModelSettingsResponse{Message: "Modelo no soportado: " + name + ".", ModelType: f.model, Available: []string{"claude", "gemini"}}
	}
	f.model = name
	return server.ModelSettingsResponse{Success: true, Message: "Modelo cambiado exitosamente a claude", ModelType: name}
}

func (f *fakeBackend) CaseState(ctx context.Context, ref framework.CaseRef) (framework.CaseState, []framework.Tier, error) {
	return f.state, f.pending, nil
}

func (f *fakeBackend) Report(ctx context.Context, ref framework.CaseRef) (*framework.Report, error) {
	if f.report == nil {
		return nil, persistence.ErrNotFound
	}
	return f.report, nil
}

func (f *fakeBackend) CurrentModel() string { return f.model }

func newTestModel(t *testing.T, backend *fakeBackend) Model {
	t.Helper()
	m := NewModel(backend, Options{ClientID: "client1", SessionID: "sess1", Style: PlainStyle})
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	return updated.(Model)
}

func lastMessage(m Model) Message {
	return m.messages[len(m.messages)-1]
}

func TestSubmitPromptAndReply(t *testing.T) {
	backend := &fakeBackend{
		model: "gemini",
		reply: &escalation.Response{
			Message:   "Caso escalado al **senior**.",
			Tier:      framework.TierAssistant,
			Agent:     "asistente_ia",
			State:     framework.StatePendingSenior,
			Escalated: true,
		},
	}
	m := newTestModel(t, backend)
	m.input.SetValue("  el balance no cuadra ")
	m, cmd := m.submitPrompt()
	require.NotNil(t, cmd)
	assert.True(t, m.waiting)
	assert.Equal(t, "", m.input.Value())
	assert.Equal(t, RoleUser, lastMessage(m).Role)
	assert.Equal(t, "el balance no cuadra", lastMessage(m).Text)

	// A second enter while waiting is ignored.
	m.input.SetValue("otra vez")
	again, cmd := m.submitPrompt()
	assert.Nil(t, cmd)
	assert.Len(t, again.messages, 1)

	msg := m.sendCmd("el balance no cuadra")()
	updated, _ := m.Update(msg)
	m = updated.(Model)
	assert.False(t, m.waiting)
	reply := lastMessage(m)
	assert.Equal(t, RoleAgent, reply.Role)
	require.NotNil(t, reply.Reply)
	assert.True(t, reply.Reply.Escalated)
	assert.Equal(t, framework.StatePendingSenior, m.statusBar.state)
	assert.Equal(t, framework.TierAssistant, m.statusBar.tier)
	assert.Equal(t, 1, m.statusBar.requests)

	require.Len(t, backend.requests, 1)
	assert.Equal(t, framework.CaseRef{ClientID: "client1", SessionID: "sess1"}, framework.CaseRef{
		ClientID:  backend.requests[0].ClientID,
		SessionID: backend.requests[0].SessionID,
	})

	view := m.View()
	assert.Contains(t, view, "asistente_ia")
	assert.Contains(t, view, "caso escalado")
	assert.Contains(t, view, "senior")
}

func TestReplyErrorIsShown(t *testing.T) {
	backend := &fakeBackend{model: "gemini", err: errors.New("sin conexión")}
	m := newTestModel(t, backend)
	updated, _ := m.Update(m.sendCmd("hola")())
	m = updated.(Model)
	last := lastMessage(m)
	assert.Equal(t, RoleSystem, last.Role)
	assert.True(t, last.Error)
	assert.Contains(t, last.Text, "sin conexión")
}

func TestTierCommandForcesRequests(t *testing.T) {
	backend := &fakeBackend{model: "gemini", reply: &escalation.Response{Message: "ok", Tier: framework.TierSenior}}
	m := newTestModel(t, backend)

	m, _ = handleCommand(m, "tier", []string{"senior"})
	assert.Equal(t, framework.TierSenior, m.forced)
	assert.True(t, m.statusBar.forced)
	assert.Contains(t, lastMessage(m).Text, "senior_ia")

	m.sendCmd("revisa")()
	require.Len(t, backend.requests, 1)
	assert.Equal(t, framework.TierSenior, backend.requests[0].Tier)

	m, _ = handleCommand(m, "t", []string{"auto"})
	assert.Equal(t, framework.Tier(""), m.forced)
	m.sendCmd("revisa")()
	assert.Equal(t, framework.Tier(""), backend.requests[1].Tier)

	m, _ = handleCommand(m, "tier", []string{"director"})
	assert.Contains(t, lastMessage(m).Text, "Nivel desconocido")
}

func TestModelCommand(t *testing.T) {
	backend := &fakeBackend{model: "gemini"}
	m := newTestModel(t, backend)

	m, _ = handleCommand(m, "model", []string{"palm"})
	assert.Contains(t, lastMessage(m).Text, "Modelo no soportado")
	assert.Equal(t, "gemini", m.statusBar.model)

	m, _ = handleCommand(m, "model", []string{"claude"})
	assert.Contains(t, lastMessage(m).Text, "claude")
	assert.Equal(t, "claude", m.statusBar.model)
}

func TestCaseAndReportCommands(t *testing.T) {
	backend := &fakeBackend{
		model:   "gemini",
		state:   framework.StatePendingManager,
		pending: []framework.Tier{framework.TierManager},
	}
	m := newTestModel(t, backend)

	m, cmd := handleCommand(m, "case", nil)
	require.NotNil(t, cmd)
	updated, _ := m.Update(cmd())
	m = updated.(Model)
	assert.Equal(t, framework.StatePendingManager, m.statusBar.state)
	assert.Contains(t, lastMessage(m).Text, "pendiente: manager")

	m, cmd = handleCommand(m, "report", nil)
	updated, _ = m.Update(cmd())
	m = updated.(Model)
	assert.Equal(t, "Informe no encontrado", lastMessage(m).Text)

	backend.report = &framework.Report{ClientID: "client1", SessionID: "sess1", Summary: "Descuadre", AuditResult: "completed"}
	m, cmd = handleCommand(m, "r", nil)
	updated, _ = m.Update(cmd())
	m = updated.(Model)
	last := lastMessage(m)
	assert.True(t, last.Markdown)
	assert.Contains(t, last.Text, "Descuadre")
}

func TestUploadCommand(t *testing.T) {
	backend := &fakeBackend{model: "gemini", reply: &escalation.Response{Message: "Analizado", Tier: framework.TierAssistant}}
	m := newTestModel(t, backend)
	path := filepath.Join(t.TempDir(), "balance.csv")
	require.NoError(t, os.WriteFile(path, []byte("cuenta,saldo\ncaja,10\n"), 0o644))

	m, cmd := handleCommand(m, "upload", []string{path})
	require.NotNil(t, cmd)
	assert.True(t, m.waiting)
	batch, ok := cmd().(tea.BatchMsg)
	require.True(t, ok)
	var reply tea.Msg
	for _, c := range batch {
		if msg, ok := c().(replyMsg); ok {
			reply = msg
		}
	}
	require.NotNil(t, reply)
	updated, _ := m.Update(reply)
	m = updated.(Model)
	require.Len(t, backend.uploads, 1)
	assert.Equal(t, "balance.csv:cuenta,saldo\ncaja,10\n", backend.uploads[0])
	assert.Equal(t, "Analizado", lastMessage(m).Text)
	assert.Equal(t, "Archivo cargado: balance.csv", m.messages[len(m.messages)-2].Text)
}

func TestSessionHelpAndUnknownCommands(t *testing.T) {
	m := newTestModel(t, &fakeBackend{model: "gemini"})

	m, _ = handleCommand(m, "session", []string{"nueva"})
	assert.Equal(t, "nueva", m.ref.SessionID)
	assert.Equal(t, "nueva", m.statusBar.session)

	m, _ = handleCommand(m, "session", []string{"../x"})
	assert.Contains(t, lastMessage(m).Text, "Sesión inválida")
	assert.Equal(t, "nueva", m.ref.SessionID)

	m, _ = handleCommand(m, "help", nil)
	assert.Contains(t, lastMessage(m).Text, "/tier")

	m, _ = handleCommand(m, "deploy", nil)
	assert.Contains(t, lastMessage(m).Text, "Comando desconocido")

	m, _ = handleCommand(m, "clear", nil)
	assert.Len(t, m.messages, 1)
}

func TestCommandModeKeys(t *testing.T) {
	m := newTestModel(t, &fakeBackend{model: "gemini"})
	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'/'}})
	m = updated.(Model)
	assert.Equal(t, ModeCommand, m.mode)

	m.input.SetValue("/tier manager")
	updated, _ = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = updated.(Model)
	assert.Equal(t, ModeNormal, m.mode)
	assert.Equal(t, framework.TierManager, m.forced)

	updated, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'/'}})
	m = updated.(Model)
	updated, _ = m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	m = updated.(Model)
	assert.Equal(t, ModeNormal, m.mode)
	assert.Equal(t, "", m.input.Value())
}

func TestStatusBarView(t *testing.T) {
	bar := StatusBar{
		client:   "client1",
		session:  "0123456789abcdef",
		tier:     framework.TierSupervisor,
		forced:   true,
		model:    "claude",
		state:    framework.StatePendingManager,
		requests: 3,
	}
	view := bar.View(120)
	assert.Contains(t, view, "client1")
	assert.Contains(t, view, "0123456789a…")
	assert.Contains(t, view, "supervisor*")
	assert.Contains(t, view, "claude")
	assert.Contains(t, view, "pending-manager")
	assert.Contains(t, view, "3 msgs")

	assert.Contains(t, StatusBar{}.View(40), "auto")
}

func TestRenderMarkdownPlain(t *testing.T) {
	out := RenderMarkdown("# Hallazgos\n\n- caja\n- bancos", 60, PlainStyle)
	assert.Contains(t, out, "Hallazgos")
	assert.Contains(t, out, "caja")
	assert.Contains(t, out, "bancos")
	assert.False(t, strings.HasPrefix(out, "\n"))
}
