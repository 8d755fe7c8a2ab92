package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexcodex/auditia/app/runtime"
	"github.com/lexcodex/auditia/escalation"
	"github.com/lexcodex/auditia/framework"
	"github.com/lexcodex/auditia/internal/config"
	"github.com/lexcodex/auditia/internal/llmtest"
	"github.com/lexcodex/auditia/llm"
	"github.com/lexcodex/auditia/persistence"
)

type cliEnv struct {
	cfgPath string
	dataDir string
}

func newCLIEnv(t *testing.T, reply string) *cliEnv {
	t.Helper()
	for _, key := range []string{"GEMINI_API_KEY", "GOOGLE_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY", "OLLAMA_ENDPOINT", "OLLAMA_MODEL", "AUDITIA_DATA_DIR", "AUDITIA_STORAGE"} {
		t.Setenv(key, "")
	}
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.Dir = filepath.Join(dir, "data")
	cfg.Storage.UploadDir = filepath.Join(dir, "uploads")
	path := filepath.Join(dir, "auditia.yaml")
	require.NoError(t, config.Save(path, cfg))

	models := llm.NewRegistry(llm.RegistryConfig{})
	models.Register(llm.ModelGemini, llmtest.Text(reply))
	runtimeOptions = runtime.Options{LogOutput: io.Discard, Models: models}
	globalCfg = nil
	t.Cleanup(func() {
		runtimeOptions = runtime.Options{}
		globalCfg = nil
	})
	return &cliEnv{cfgPath: path, dataDir: cfg.Storage.Dir}
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", e.cfgPath, "--no-color"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConfigGetSet(t *testing.T) {
	env := newCLIEnv(t, "")

	out, err := env.run(t, "config", "get", "server.addr")
	require.NoError(t, err)
	assert.Equal(t, ":8000\n", out)

	out, err = env.run(t, "config", "set", "models.default", "claude")
	require.NoError(t, err)
	assert.Contains(t, out, "models.default updated")
	out, err = env.run(t, "config", "get", "models.default")
	require.NoError(t, err)
	assert.Equal(t, "claude\n", out)

	_, err = env.run(t, "config", "set", "storage.backend", "mongo")
	assert.Error(t, err)
	_, err = env.run(t, "config", "get", "storage.nothing")
	assert.Error(t, err)

	_, err = env.run(t, "config", "init")
	assert.Error(t, err)
	_, err = env.run(t, "config", "init", "--force")
	require.NoError(t, err)
	out, err = env.run(t, "config", "get", "models.default")
	require.NoError(t, err)
	assert.Equal(t, "gemini\n", out)
}

func TestSendPrintsReply(t *testing.T) {
	env := newCLIEnv(t, "Revisaré el balance.")

	out, err := env.run(t, "send", "--client", "client1", "--session", "sess1", "--raw", "hola", "equipo")
	require.NoError(t, err)
	assert.Contains(t, out, "asistente_ia")
	assert.Contains(t, out, "sesión sess1")
	assert.Contains(t, out, "Revisaré el balance.")

	out, err = env.run(t, "send", "--client", "client1", "--session", "sess1", "--json", "hola")
	require.NoError(t, err)
	var resp escalation.Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, framework.TierAssistant, resp.Tier)
	assert.Equal(t, "client1", resp.ClientID)

	_, err = env.run(t, "send", "--tier", "director", "hola")
	assert.ErrorIs(t, err, framework.ErrUnknownTier)
	_, err = env.run(t, "send", "--client", "x", "hola")
	assert.Error(t, err)
}

func TestUploadCommand(t *testing.T) {
	env := newCLIEnv(t, "Documento recibido.")
	path := filepath.Join(t.TempDir(), "mayor.csv")
	require.NoError(t, os.WriteFile(path, []byte("cuenta,debe,haber\ncaja,10,0\n"), 0o644))

	out, err := env.run(t, "upload", "--client", "client1", "--session", "sess1", "--raw", path)
	require.NoError(t, err)
	assert.Contains(t, out, "mayor.csv")
	assert.Contains(t, out, "Documento recibido.")

	bad := filepath.Join(t.TempDir(), "virus.exe")
	require.NoError(t, os.WriteFile(bad, []byte("MZ"), 0o644))
	_, err = env.run(t, "upload", "--client", "client1", bad)
	assert.Error(t, err)
}

func TestReportAndCases(t *testing.T) {
	env := newCLIEnv(t, "")
	ctx := context.Background()
	store, err := persistence.NewFileEscalationStore(env.dataDir)
	require.NoError(t, err)

	_, err = env.run(t, "report", "show", "client1", "sess1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "informe no encontrado")

	require.NoError(t, store.SaveReport(ctx, &framework.Report{
		ClientID:    "client1",
		SessionID:   "sess1",
		Timestamp:   framework.Now(),
		Summary:     "Conciliación bancaria",
		AuditResult: "completed",
	}))
	out, err := env.run(t, "report", "show", "--format", "json", "client1", "sess1")
	require.NoError(t, err)
	var report framework.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "Conciliación bancaria", report.Summary)

	out, err = env.run(t, "report", "show", "-f", "html", "client1", "sess1")
	require.NoError(t, err)
	assert.Contains(t, out, "<h1>Informe de Auditoría</h1>")

	out, err = env.run(t, "report", "show", "client1", "sess1")
	require.NoError(t, err)
	assert.Contains(t, out, "Conciliación bancaria")

	_, err = env.run(t, "report", "show", "-f", "pdf", "client1", "sess1")
	assert.Error(t, err)

	out, err = env.run(t, "report", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "client1  sess1")

	ref := framework.CaseRef{ClientID: "client2", SessionID: "sess9"}
	require.NoError(t, store.Create(ctx, framework.NewRecord(ref, framework.TierSupervisor, "Revisar provisiones", []string{"provisiones.xlsx"})))
	out, err = env.run(t, "cases", "show", "client2", "sess9")
	require.NoError(t, err)
	assert.Contains(t, out, "pending-supervisor")
	assert.Contains(t, out, "Revisar provisiones")
	assert.Contains(t, out, "provisiones.xlsx")

	out, err = env.run(t, "cases", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "client2")
	assert.Contains(t, out, "supervisor_ia")
}

func TestDoctorWithoutCredentials(t *testing.T) {
	env := newCLIEnv(t, "")
	out, err := env.run(t, "doctor")
	require.Error(t, err)
	assert.Contains(t, out, "storage file")
	assert.Contains(t, out, "model gemini (no credentials, default)")
}
