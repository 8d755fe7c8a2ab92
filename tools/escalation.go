package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lexcodex/auditia/framework"
	"github.com/lexcodex/auditia/persistence"
)

// EscalateToSeniorTool hands a case from the Assistant to the Senior tier by
// creating the senior record.
type EscalateToSeniorTool struct {
	Store persistence.EscalationStore
	Audit framework.AuditLog
}

func (t *EscalateToSeniorTool) Name() string { return "escalate_to_senior" }
func (t *EscalateToSeniorTool) Description() string {
	return "Escala el caso al auditor Senior cuando el cliente reporta discrepancias, errores contables o documentos que requieren revisión experta."
}
func (t *EscalateToSeniorTool) Category() string { return "escalation" }
func (t *EscalateToSeniorTool) Parameters() []framework.ToolParameter {
	return []framework.ToolParameter{
		{Name: "client_id", Type: "string", Description: "Identificador del cliente."},
		{Name: "session_id", Type: "string", Description: "Identificador de la sesión."},
		{Name: "case_summary", Type: "string", Description: "Resumen del caso para el Senior.", Required: true},
		{Name: "audit_documents", Type: "array", Items: "string", Description: "Documentos relevantes analizados."},
	}
}

func (t *EscalateToSeniorTool) Execute(ctx context.Context, args map[string]interface{}) (*framework.ToolResult, error) {
	ref, ok := framework.CaseFrom(ctx)
	if !ok {
		ref = framework.CaseRef{
			ClientID:  framework.ArgString(args, "client_id"),
			SessionID: framework.ArgString(args, "session_id"),
		}
	}
	if err := ref.Validate(); err != nil {
		return failure(err.Error()), nil
	}
	summary := strings.TrimSpace(framework.ArgString(args, "case_summary"))
	docs := framework.ArgStrings(args, "audit_documents")
	rec := framework.NewRecord(ref, framework.TierSenior, summary, docs)
	if err := t.Store.Create(ctx, rec); err != nil {
		if errors.Is(err, persistence.ErrConflict) {
			return failure("El caso ya tiene una escalación pendiente para el Senior."), nil
		}
		return nil, fmt.Errorf("escalate to senior: %w", err)
	}
	if t.Audit != nil {
		_, _ = t.Audit.Record(ctx, framework.AuditEvent{
			TeamID:     ref.TeamID(),
			AgentName:  framework.AgentFrom(ctx),
			EventType:  framework.AuditEscalation,
			Importance: framework.ImportanceMedium,
			Details: map[string]interface{}{
				"client_id":  ref.ClientID,
				"session_id": ref.SessionID,
				"to":         string(framework.TierSenior),
				"summary":    summary,
			},
		})
	}
	return success(map[string]interface{}{
		"status":  "success",
		"message": "Caso escalado al auditor Senior",
		"tier":    string(framework.TierSenior),
	}), nil
}

func (t *EscalateToSeniorTool) IsAvailable(ctx context.Context) bool { return t.Store != nil }

// SignalTool lets a tier agent state its decision explicitly instead of
// relying on phrasing.
type SignalTool struct {
	name        string
	description string
	decision    framework.Decision
}

// NewEscalateToSupervisorTool is used by the Senior tier.
func NewEscalateToSupervisorTool() *SignalTool {
	return &SignalTool{
		name:        "escalate_to_supervisor",
		description: "Solicita la revisión del Supervisor para casos complejos o con hallazgos significativos.",
		decision:    framework.DecisionEscalate,
	}
}

// NewEscalateToManagerTool is used by the Supervisor tier.
func NewEscalateToManagerTool() *SignalTool {
	return &SignalTool{
		name:        "escalate_to_manager",
		description: "Solicita la revisión final del Manager.",
		decision:    framework.DecisionEscalate,
	}
}

// NewGenerateFinalReportTool is used by the Manager tier.
func NewGenerateFinalReportTool() *SignalTool {
	return &SignalTool{
		name:        "generate_final_report",
		description: "Genera el informe final de auditoría y cierra el caso.",
		decision:    framework.DecisionFinalReport,
	}
}

func (t *SignalTool) Name() string        { return t.name }
func (t *SignalTool) Description() string { return t.description }
func (t *SignalTool) Category() string    { return "escalation" }
func (t *SignalTool) Parameters() []framework.ToolParameter {
	return []framework.ToolParameter{
		{Name: "reason", Type: "string", Description: "Motivo de la decisión.", Required: true},
	}
}

func (t *SignalTool) Execute(ctx context.Context, args map[string]interface{}) (*framework.ToolResult, error) {
	signal := framework.SignalFrom(ctx)
	if signal == nil {
		return failure("No hay una revisión activa para registrar la decisión."), nil
	}
	reason := framework.ArgString(args, "reason")
	signal.Set(t.decision, reason)
	return success(map[string]interface{}{
		"status":   "success",
		"decision": string(t.decision),
		"reason":   reason,
	}), nil
}

func (t *SignalTool) IsAvailable(ctx context.Context) bool { return true }

func success(data map[string]interface{}) *framework.ToolResult {
	return &framework.ToolResult{Success: true, Data: data}
}

func failure(msg string) *framework.ToolResult {
	return &framework.ToolResult{
		Success: false,
		Error:   msg,
		Data:    map[string]interface{}{"status": "error", "error_message": msg},
	}
}
