package tools

import (
	"context"

	"github.com/lexcodex/auditia/framework"
)

// SaveAuditEventTool writes an arbitrary event into the audit trail.
type SaveAuditEventTool struct {
	Audit framework.AuditLog
}

func (t *SaveAuditEventTool) Name() string { return "save_audit_event" }
func (t *SaveAuditEventTool) Description() string {
	return "Registra un evento de auditoría con su tipo, detalles e importancia (low, medium, high, critical)."
}
func (t *SaveAuditEventTool) Category() string { return "audit" }
func (t *SaveAuditEventTool) Parameters() []framework.ToolParameter {
	return []framework.ToolParameter{
		{Name: "event_type", Type: "string", Required: true},
		{Name: "details", Type: "object", Description: "Detalles del evento."},
		{Name: "importance", Type: "string", Default: "medium"},
	}
}

func (t *SaveAuditEventTool) Execute(ctx context.Context, args map[string]interface{}) (*framework.ToolResult, error) {
	eventType := framework.ArgString(args, "event_type")
	if eventType == "" {
		return failure("event_type es obligatorio"), nil
	}
	details := argMap(args, "details")
	if details == nil {
		details = map[string]interface{}{}
		if text := framework.ArgString(args, "details"); text != "" {
			details["description"] = text
		}
	}
	stored, err := t.Audit.Record(ctx, framework.AuditEvent{
		TeamID:     teamID(ctx),
		AgentName:  framework.AgentFrom(ctx),
		EventType:  framework.AuditEventType(eventType),
		Details:    details,
		Importance: framework.ParseImportance(framework.ArgString(args, "importance")),
	})
	if err != nil {
		return nil, err
	}
	return success(map[string]interface{}{"status": "success", "event_id": stored.ID}), nil
}

func (t *SaveAuditEventTool) IsAvailable(ctx context.Context) bool { return t.Audit != nil }

// SaveAuditFindingTool records an audit finding with severity and
// recommendation.
type SaveAuditFindingTool struct {
	Audit framework.AuditLog
}

func (t *SaveAuditFindingTool) Name() string { return "save_audit_finding" }
func (t *SaveAuditFindingTool) Description() string {
	return "Registra un hallazgo de auditoría con su severidad y la recomendación correspondiente."
}
func (t *SaveAuditFindingTool) Category() string { return "audit" }
func (t *SaveAuditFindingTool) Parameters() []framework.ToolParameter {
	return []framework.ToolParameter{
		{Name: "finding_type", Type: "string", Required: true},
		{Name: "description", Type: "string", Required: true},
		{Name: "severity", Type: "string", Description: "low, medium, high o critical", Default: "medium"},
		{Name: "recommendation", Type: "string"},
	}
}

func (t *SaveAuditFindingTool) Execute(ctx context.Context, args map[string]interface{}) (*framework.ToolResult, error) {
	severity := framework.ParseImportance(framework.ArgString(args, "severity"))
	stored, err := t.Audit.Record(ctx, framework.AuditEvent{
		TeamID:     teamID(ctx),
		AgentName:  framework.AgentFrom(ctx),
		EventType:  framework.AuditFinding,
		Importance: severity,
		Details: map[string]interface{}{
			"finding_type":   framework.ArgString(args, "finding_type"),
			"description":    framework.ArgString(args, "description"),
			"severity":       string(severity),
			"recommendation": framework.ArgString(args, "recommendation"),
		},
	})
	if err != nil {
		return nil, err
	}
	return success(map[string]interface{}{"status": "success", "finding_id": stored.ID}), nil
}

func (t *SaveAuditFindingTool) IsAvailable(ctx context.Context) bool { return t.Audit != nil }

func teamID(ctx context.Context) string {
	if ref, ok := framework.CaseFrom(ctx); ok {
		return ref.TeamID()
	}
	return "team_unknown"
}

func argMap(args map[string]interface{}, key string) map[string]interface{} {
	if m, ok := args[key].(map[string]interface{}); ok {
		return m
	}
	return nil
}

func argObjects(args map[string]interface{}, key string) []map[string]interface{} {
	raw, ok := args[key].([]interface{})
	if !ok {
		if typed, ok := args[key].([]map[string]interface{}); ok {
			return typed
		}
		return nil
	}
	out := make([]map[string]interface{}, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}
