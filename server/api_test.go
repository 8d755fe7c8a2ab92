package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexcodex/auditia/agents"
	"github.com/lexcodex/auditia/escalation"
	"github.com/lexcodex/auditia/framework"
	"github.com/lexcodex/auditia/internal/llmtest"
	"github.com/lexcodex/auditia/llm"
	"github.com/lexcodex/auditia/persistence"
	"github.com/lexcodex/auditia/tools"
)

var case1 = framework.CaseRef{ClientID: "client1", SessionID: "sess1"}

type fixture struct {
	api    *APIServer
	store  *persistence.FileEscalationStore
	models *llm.Registry
	model  *llmtest.Model
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.NewFileEscalationStore(dir)
	require.NoError(t, err)
	audit := framework.NewRingAuditLog(0)
	model := llmtest.Text("Hola, soy el asistente.")
	models := llm.NewRegistry(llm.RegistryConfig{})
	models.Register(llm.ModelGemini, model)
	require.NoError(t, models.SetDefault(context.Background(), llm.ModelGemini))

	registry, err := tools.NewRegistry(tools.Deps{Store: store, Audit: audit, Actions: persistence.NewMemoryActionLog()})
	require.NoError(t, err)
	factory, err := agents.NewFactory(models, registry, nil)
	require.NoError(t, err)
	svc, err := escalation.NewService(escalation.Options{
		Agents:    factory,
		Store:     store,
		Sessions:  persistence.NewMemorySessionStore(),
		Audit:     audit,
		UploadDir: dir + "/uploads",
	})
	require.NoError(t, err)
	return &fixture{
		api:    &APIServer{Service: svc, Models: models, HandlerTimeout: time.Minute},
		store:  store,
		models: models,
		model:  model,
	}
}

func (f *fixture) do(t *testing.T, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	f.api.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestAssistantEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/assistant", AssistantRequest{Message: "hola", ClientID: "client1", SessionID: "sess1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp escalation.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Hola, soy el asistente.", resp.Message)
	assert.Equal(t, framework.TierAssistant, resp.Tier)
	assert.Equal(t, "asistente_ia", resp.Agent)
	assert.Equal(t, framework.StateNone, resp.State)
}

func TestAssistantEndpointRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		body AssistantRequest
	}{
		{"short client id", AssistantRequest{Message: "hola", ClientID: "ab"}},
		{"bad characters", AssistantRequest{Message: "hola", ClientID: "client/../1"}},
		{"empty message", AssistantRequest{Message: "  ", ClientID: "client1"}},
		{"unknown agent", AssistantRequest{Message: "hola", ClientID: "client1", AgentType: "intern"}},
		{"unknown model", AssistantRequest{Message: "hola", ClientID: "client1", ModelType: "llama9"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/assistant", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, decodeError(t, rec))
		})
	}
	assert.Empty(t, f.model.Calls())

	rec := f.do(t, http.MethodGet, "/api/assistant", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestReportEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/report/sess1?client_id=client1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Informe no encontrado", decodeError(t, rec))

	require.NoError(t, f.store.SaveReport(context.Background(), &framework.Report{
		ClientID:           "client1",
		SessionID:          "sess1",
		Timestamp:          framework.Timestamp{Time: time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)},
		Summary:            "Diferencia <script>alert(1)</script>",
		SeniorAnalysis:     "análisis senior",
		SupervisorAnalysis: "análisis supervisor",
		ManagerAnalysis:    "análisis manager",
		DocumentsAnalyzed:  []string{"balance.xlsx"},
		AuditResult:        framework.AuditResultCompleted,
	}))
	rec = f.do(t, http.MethodGet, "/api/report/sess1?client_id=client1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	body := rec.Body.String()
	assert.Contains(t, body, "Fecha: 05/03/2024 14:30:00")
	assert.Contains(t, body, "&lt;script&gt;")
	assert.NotContains(t, body, "<script>")
	assert.Contains(t, body, "<li>balance.xlsx</li>")
	assert.Contains(t, body, "<strong>Completado</strong>")

	rec = f.do(t, http.MethodGet, "/api/report/sess1?client_id=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/reports?client_id=client1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var reports []framework.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, "análisis manager", reports[0].ManagerAnalysis)
}

func TestCaseEndpoint(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Create(context.Background(), framework.NewRecord(case1, framework.TierSupervisor, "resumen", nil)))
	rec := f.do(t, http.MethodGet, "/api/cases/sess1?client_id=client1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp CaseResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, framework.StatePendingSupervisor, resp.State)
	assert.Equal(t, []framework.Tier{framework.TierSupervisor}, resp.Pending)

	rec = f.do(t, http.MethodGet, "/api/cases/sess1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func multipartBody(t *testing.T, name, content string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadEndpoint(t *testing.T) {
	f := newFixture(t)
	fields := map[string]string{"client_id": "client1", "session_id": "sess1"}

	body, contentType := multipartBody(t, "virus.exe", "MZ", fields)
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	f.api.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec), "Tipo de archivo no soportado")

	body, contentType = multipartBody(t, "mayor.csv", "cuenta,saldo\nCaja,100\n", fields)
	req = httptest.NewRequest(http.MethodPost, "/api/upload?agent_type=senior", body)
	req.Header.Set("Content-Type", contentType)
	rec = httptest.NewRecorder()
	f.api.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp escalation.UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, framework.TierSenior, resp.Tier)
	assert.Equal(t, "mayor.csv", resp.FileName)

	calls := f.model.Calls()
	require.NotEmpty(t, calls)
	assert.Contains(t, calls[0].LastUser(), "Caja\t100")
}

func TestModelSettingsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/settings/model", ModelSettings{ModelType: "claude"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ModelSettingsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, llm.ModelGemini, resp.ModelType)
	assert.Contains(t, resp.Message, "llave API")

	rec = f.do(t, http.MethodPost, "/api/settings/model", ModelSettings{ModelType: "palm"})
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "no soportado")

	f.models.Register(llm.ModelClaude, llmtest.Text("claude"))
	rec = f.do(t, http.MethodPost, "/api/settings/model", ModelSettings{ModelType: "Claude"})
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, llm.ModelClaude, f.models.Current())

	events, err := f.api.Service.Audit().Query(context.Background(), framework.AuditQuery{EventType: framework.AuditModelChange})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "system", events[0].TeamID)
}

func TestAuditEventsEndpoint(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		rec := f.do(t, http.MethodPost, "/api/assistant", AssistantRequest{Message: "hola", ClientID: "client1", SessionID: "sess1"})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := f.do(t, http.MethodGet, "/api/audit/events?limit=2&event_type=client_interaction", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []framework.AuditEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	assert.Len(t, events, 2)
	assert.Equal(t, "team_client1", events[0].TeamID)

	rec = f.do(t, http.MethodGet, "/api/audit/events?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"model":"gemini"`)
}

func TestAuditStream(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.api.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/audit?team_id=team_client1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	ctx := context.Background()
	_, err = f.api.Service.Audit().Record(ctx, framework.AuditEvent{TeamID: "team_other", EventType: framework.AuditFinding})
	require.NoError(t, err)
	_, err = f.api.Service.Audit().Record(ctx, framework.AuditEvent{TeamID: "team_client1", EventType: framework.AuditEscalation})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var event framework.AuditEvent
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "team_client1", event.TeamID)
	assert.Equal(t, framework.AuditEscalation, event.EventType)
}

func TestCheckOrigin(t *testing.T) {
	api := &APIServer{AllowedOrigins: []string{"https://audit.example.com"}}
	req := httptest.NewRequest(http.MethodGet, "/ws/audit", nil)
	req.Header.Set("Origin", "https://audit.example.com")
	assert.True(t, api.checkOrigin(req))
	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, api.checkOrigin(req))
	assert.True(t, (&APIServer{}).checkOrigin(req))
}
