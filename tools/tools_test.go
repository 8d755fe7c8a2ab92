package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexcodex/auditia/framework"
	"github.com/lexcodex/auditia/persistence"
)

const testSheetURL = "https://docs.google.com/spreadsheets/d/abc123_XYZ/edit"

type fixture struct {
	store   *persistence.FileEscalationStore
	audit   *framework.RingAuditLog
	actions *persistence.MemoryActionLog
	reg     *framework.ToolRegistry
	ctx     context.Context
	ref     framework.CaseRef
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := persistence.NewFileEscalationStore(t.TempDir())
	require.NoError(t, err)
	f := &fixture{
		store:   store,
		audit:   framework.NewRingAuditLog(0),
		actions: persistence.NewMemoryActionLog(),
		ref:     framework.CaseRef{ClientID: "client1", SessionID: "sess1"},
	}
	f.reg, err = NewRegistry(Deps{Store: f.store, Audit: f.audit, Actions: f.actions})
	require.NoError(t, err)
	f.ctx = framework.WithAgent(framework.WithCase(context.Background(), f.ref), "asistente_ia")
	return f
}

func (f *fixture) run(t *testing.T, name string, args map[string]interface{}) *framework.ToolResult {
	t.Helper()
	tool, ok := f.reg.Get(name)
	require.True(t, ok, name)
	res, err := tool.Execute(f.ctx, args)
	require.NoError(t, err)
	return res
}

func TestRegistryHoldsEveryTierTool(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{
		"escalate_to_senior", "save_audit_event", "get_sheet_data", "verify_sheet_totals", "log_agent_action",
		"save_audit_finding", "escalate_to_supervisor", "verify_balance_equation", "audit_balance_sheet", "verify_transactions",
		"escalate_to_manager", "check_compliance", "write_audit_comments", "get_action_history",
		"generate_final_report", "summarize_agent_activities", "get_task_timeline",
	} {
		_, ok := f.reg.Get(name)
		assert.True(t, ok, name)
	}
}

func TestEscalateToSeniorWritesRecordForContextCase(t *testing.T) {
	f := newFixture(t)
	res := f.run(t, "escalate_to_senior", map[string]interface{}{
		"client_id":       "someone_else",
		"session_id":      "other",
		"case_summary":    "El balance no cuadra por 500",
		"audit_documents": []interface{}{"balance.xlsx"},
	})
	require.True(t, res.Success, res.Error)

	rec, err := f.store.Load(context.Background(), f.ref, framework.TierSenior)
	require.NoError(t, err)
	assert.Equal(t, "El balance no cuadra por 500", rec.Summary)
	assert.Equal(t, []string{"balance.xlsx"}, rec.Documents)
	assert.Equal(t, framework.ActionEscalateToSenior, rec.Action)

	events, err := f.audit.Query(context.Background(), framework.AuditQuery{EventType: framework.AuditEscalation})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "team_client1", events[0].TeamID)

	again := f.run(t, "escalate_to_senior", map[string]interface{}{"case_summary": "otra vez"})
	assert.False(t, again.Success)
	assert.Contains(t, again.Error, "escalación pendiente")
}

func TestEscalateToSeniorRejectsInvalidIDsWithoutCase(t *testing.T) {
	f := newFixture(t)
	tool, _ := f.reg.Get("escalate_to_senior")
	res, err := tool.Execute(context.Background(), map[string]interface{}{
		"client_id": "../etc", "session_id": "s", "case_summary": "x",
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestSignalToolsSetDecision(t *testing.T) {
	f := newFixture(t)
	signal := &framework.Signal{}
	f.ctx = framework.WithSignal(f.ctx, signal)

	f.run(t, "escalate_to_supervisor", map[string]interface{}{"reason": "fraude"})
	d, reason := signal.Decision()
	assert.Equal(t, framework.DecisionEscalate, d)
	assert.Equal(t, "fraude", reason)

	f.run(t, "generate_final_report", map[string]interface{}{"reason": "cerrar"})
	f.run(t, "escalate_to_manager", map[string]interface{}{"reason": "tarde"})
	d, _ = signal.Decision()
	assert.Equal(t, framework.DecisionFinalReport, d)
}

func TestSignalToolWithoutRun(t *testing.T) {
	res, err := NewEscalateToManagerTool().Execute(context.Background(), map[string]interface{}{"reason": "x"})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestAuditEventAndFindingTools(t *testing.T) {
	f := newFixture(t)
	res := f.run(t, "save_audit_event", map[string]interface{}{
		"event_type": "document_review",
		"details":    map[string]interface{}{"doc": "x.pdf"},
		"importance": "high",
	})
	require.True(t, res.Success)
	res = f.run(t, "save_audit_finding", map[string]interface{}{
		"finding_type":   "discrepancia",
		"description":    "Diferencia en caja",
		"severity":       "critical",
		"recommendation": "Conciliar",
	})
	require.True(t, res.Success)

	events, err := f.audit.Query(context.Background(), framework.AuditQuery{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, framework.ImportanceHigh, events[0].Importance)
	assert.Equal(t, "asistente_ia", events[0].AgentName)
	assert.Equal(t, framework.AuditFinding, events[1].EventType)
	assert.Equal(t, framework.ImportanceCritical, events[1].Importance)
	assert.Equal(t, "Conciliar", events[1].Details["recommendation"])
}

func TestSheetTools(t *testing.T) {
	f := newFixture(t)

	bad := f.run(t, "get_sheet_data", map[string]interface{}{"sheet_url": "https://example.com/x"})
	assert.False(t, bad.Success)
	assert.Equal(t, "URL de Google Sheets no válida.", bad.Error)

	data := f.run(t, "get_sheet_data", map[string]interface{}{"sheet_url": testSheetURL})
	require.True(t, data.Success)
	assert.Equal(t, "abc123_XYZ", data.Data["sheet_id"])

	totals := f.run(t, "verify_sheet_totals", map[string]interface{}{
		"sheet_url":      testSheetURL,
		"column_indices": []interface{}{float64(1), float64(2), float64(3)},
	})
	require.True(t, totals.Success)
	assert.Equal(t, true, totals.Data["all_verified"])

	withLabel := f.run(t, "verify_sheet_totals", map[string]interface{}{
		"sheet_url":      testSheetURL,
		"column_indices": []interface{}{float64(0), float64(9)},
	})
	assert.Equal(t, false, withLabel.Data["all_verified"])
	results := withLabel.Data["column_results"].(map[string]interface{})
	assert.Equal(t, "error", results["0"].(map[string]interface{})["status"])
	assert.Contains(t, results["9"].(map[string]interface{})["error_message"], "fuera de rango")

	eq := f.run(t, "verify_balance_equation", map[string]interface{}{"sheet_url": testSheetURL})
	assert.Equal(t, true, eq.Data["equation_balanced"])
	assert.Equal(t, 35000.0, eq.Data["right_side_total"])

	comments := f.run(t, "write_audit_comments", map[string]interface{}{
		"sheet_url": testSheetURL,
		"comments":  map[string]interface{}{"B2": "revisar", "A1": "ok"},
	})
	assert.Equal(t, []string{"A1", "B2"}, comments.Data["cells_updated"])

	trace, err := f.actions.Query(context.Background(), persistence.ActionFilter{Action: "write_comment"})
	require.NoError(t, err)
	assert.Len(t, trace, 2)
}

func TestVerifyTotalsReportsDiscrepancy(t *testing.T) {
	rows := [][]string{
		{"a", "10"},
		{"b", "5"},
		{"Total", "20"},
	}
	results, ok := verifyTotals(rows, []int{1}, -1)
	assert.False(t, ok)
	col := results["1"].(map[string]interface{})
	assert.Equal(t, "discrepancy", col["status"])
	assert.Equal(t, -5.0, col["difference"])
}

func TestTracingTools(t *testing.T) {
	f := newFixture(t)
	f.run(t, "log_agent_action", map[string]interface{}{"action_type": "verification", "importance": "high"})
	f.run(t, "log_agent_action", map[string]interface{}{"action_type": "decision", "details": map[string]interface{}{"k": "v"}})
	seniorCtx := framework.WithAgent(framework.WithCase(context.Background(), f.ref), "senior_ia")
	logTool, _ := f.reg.Get("log_agent_action")
	_, err := logTool.Execute(seniorCtx, map[string]interface{}{"action_type": "calculation", "importance": "bogus"})
	require.NoError(t, err)

	history := f.run(t, "get_action_history", map[string]interface{}{"limit": float64(2)})
	assert.Equal(t, 3, history.Data["total_entries"])
	entries := history.Data["history"].([]map[string]interface{})
	require.Len(t, entries, 2)
	assert.Equal(t, "calculation", entries[0]["action_type"])
	assert.Equal(t, "normal", entries[0]["importance"])

	high := f.run(t, "get_action_history", map[string]interface{}{"importance_filter": "high"})
	assert.Equal(t, 1, high.Data["total_entries"])

	timeline := f.run(t, "get_task_timeline", map[string]interface{}{})
	assert.Equal(t, "success", timeline.Data["status"])
	meta := timeline.Data["metadata"].(map[string]interface{})
	assert.Equal(t, 3, meta["total_actions"])
	assert.Equal(t, []string{"asistente_ia", "senior_ia"}, meta["agents_involved"])

	missing := f.run(t, "get_task_timeline", map[string]interface{}{"task_id": "nope"})
	assert.Equal(t, "not_found", missing.Data["status"])

	summary := f.run(t, "summarize_agent_activities", map[string]interface{}{"time_period": "all"})
	assert.Equal(t, 3, summary.Data["total_actions"])
	assert.Equal(t, "asistente_ia", summary.Data["most_active_agent"])
	assert.Equal(t, 1, summary.Data["unique_clients"])
}

func TestPeriodStart(t *testing.T) {
	now := time.Date(2024, 5, 10, 15, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC), periodStart("today", now))
	assert.Equal(t, now.Add(-7*24*time.Hour), periodStart("week", now))
	assert.True(t, periodStart("all", now).IsZero())
}

func TestAuditBalanceSheet(t *testing.T) {
	balanced := AuditBalanceSheet([]BalanceEntry{
		{Account: "Current Cash", Type: "asset", Amount: 500},
		{Account: "Edificio", Type: "activo", Amount: 500},
		{Account: "Current Payables", Type: "liability", Amount: 250},
		{Account: "Capital social", Type: "equity", Amount: 750},
	}, DefaultMateriality)
	assert.Empty(t, balanced.Findings)
	require.NotNil(t, balanced.CurrentRatio)
	assert.Equal(t, 2.0, *balanced.CurrentRatio)

	f := newFixture(t)
	res := f.run(t, "audit_balance_sheet", map[string]interface{}{
		"assets": float64(35000), "liabilities": float64(20000), "equity": float64(8000),
	})
	require.True(t, res.Success)
	findings := res.Data["findings"].([]string)
	require.Len(t, findings, 1)
	assert.Contains(t, findings[0], "Descuadre")
	assert.Nil(t, res.Data["current_ratio"])

	missing := f.run(t, "audit_balance_sheet", map[string]interface{}{"assets": float64(1)})
	assert.False(t, missing.Success)
}

func TestVerifyTransactions(t *testing.T) {
	f := newFixture(t)
	res := f.run(t, "verify_transactions", map[string]interface{}{
		"transactions": []interface{}{
			map[string]interface{}{"date": "2024-01-02", "account": "Caja", "debit": float64(1), "credit": float64(0), "amount": float64(100)},
			map[string]interface{}{"date": "2024-01-02", "account": "Caja", "debit": float64(1), "credit": float64(0), "amount": float64(100)},
			map[string]interface{}{"date": "2024-01-03", "account": "Bancos", "debit": float64(1), "credit": float64(1), "amount": float64(50)},
			map[string]interface{}{"date": "2024-01-04", "account": "Bancos", "debit": float64(0), "credit": float64(1), "amount": float64(70)},
		},
	})
	require.True(t, res.Success)
	assert.Equal(t, 3, res.Data["anomaly_count"])
	anomalies := res.Data["anomalies"].([]map[string]interface{})
	assert.Equal(t, "potential duplicate", anomalies[0]["issue"])
	assert.Equal(t, "unbalanced entry", anomalies[2]["issue"])
}

func TestCheckCompliance(t *testing.T) {
	issues := CheckCompliance(map[string]interface{}{
		"SOX 302 Certification": "s3://docs/sox302.pdf",
		"SOX 404 Testing":       true,
		"Code of Ethics":        "",
	}, nil)
	assert.Equal(t, map[string]string{
		"IFRS Disclosure Notes": "falta o está vacío",
		"Code of Ethics":        "falta o está vacío",
	}, issues)

	f := newFixture(t)
	res := f.run(t, "check_compliance", map[string]interface{}{
		"documents": map[string]interface{}{"Politica A": true},
		"checklist": []interface{}{"Politica A"},
	})
	assert.Equal(t, true, res.Data["compliant"])
}
