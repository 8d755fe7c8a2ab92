package tools

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/lexcodex/auditia/framework"
	"github.com/lexcodex/auditia/persistence"
)

// Importance levels the trace accepts.
var traceImportance = []string{"low", "normal", "high", "critical"}

func normalizeTraceImportance(value string) string {
	for _, level := range traceImportance {
		if value == level {
			return value
		}
	}
	return "normal"
}

func actionImportance(a persistence.AgentAction) string {
	if a.Details != nil {
		if v, ok := a.Details["importance"].(string); ok {
			return normalizeTraceImportance(v)
		}
	}
	return "normal"
}

func caseTaskID(ctx context.Context) string {
	if ref, ok := framework.CaseFrom(ctx); ok {
		return ref.Key()
	}
	return "unknown"
}

func actionView(a persistence.AgentAction) map[string]interface{} {
	return map[string]interface{}{
		"id":          a.ID,
		"timestamp":   a.Timestamp.Format(time.RFC3339),
		"agent":       a.AgentName,
		"client_id":   a.ClientID,
		"session_id":  a.SessionID,
		"task_id":     a.TaskID,
		"action_type": a.Action,
		"importance":  actionImportance(a),
		"details":     a.Details,
	}
}

// LogAgentActionTool appends an entry to the agent action trace.
type LogAgentActionTool struct {
	Actions persistence.ActionLog
}

func (t *LogAgentActionTool) Name() string { return "log_agent_action" }
func (t *LogAgentActionTool) Description() string {
	return "Registra una acción del agente en el sistema de trazabilidad (decision, calculation, verification...)."
}
func (t *LogAgentActionTool) Category() string { return "tracing" }
func (t *LogAgentActionTool) Parameters() []framework.ToolParameter {
	return []framework.ToolParameter{
		{Name: "action_type", Type: "string", Required: true},
		{Name: "details", Type: "object"},
		{Name: "importance", Type: "string", Default: "normal", Description: "low, normal, high o critical"},
		{Name: "task_id", Type: "string"},
	}
}

func (t *LogAgentActionTool) Execute(ctx context.Context, args map[string]interface{}) (*framework.ToolResult, error) {
	actionType := framework.ArgString(args, "action_type")
	if actionType == "" {
		return failure("action_type es obligatorio"), nil
	}
	details := map[string]interface{}{}
	for k, v := range argMap(args, "details") {
		details[k] = v
	}
	details["importance"] = normalizeTraceImportance(framework.ArgString(args, "importance"))
	taskID := framework.ArgString(args, "task_id")
	if taskID == "" {
		taskID = caseTaskID(ctx)
	}
	entry := persistence.AgentAction{
		AgentName: framework.AgentFrom(ctx),
		Action:    actionType,
		TaskID:    taskID,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
	if ref, ok := framework.CaseFrom(ctx); ok {
		entry.ClientID = ref.ClientID
		entry.SessionID = ref.SessionID
	}
	stored, err := t.Actions.Append(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("log agent action: %w", err)
	}
	return success(map[string]interface{}{
		"status":         "success",
		"trace_entry_id": stored.ID,
		"timestamp":      stored.Timestamp.Format(time.RFC3339Nano),
	}), nil
}

func (t *LogAgentActionTool) IsAvailable(ctx context.Context) bool { return t.Actions != nil }

// GetActionHistoryTool lists recent trace entries for the current client,
// newest first.
type GetActionHistoryTool struct {
	Actions persistence.ActionLog
}

func (t *GetActionHistoryTool) Name() string { return "get_action_history" }
func (t *GetActionHistoryTool) Description() string {
	return "Recupera el historial de acciones del sistema de trazabilidad."
}
func (t *GetActionHistoryTool) Category() string { return "tracing" }
func (t *GetActionHistoryTool) Parameters() []framework.ToolParameter {
	return []framework.ToolParameter{
		{Name: "agent_filter", Type: "string"},
		{Name: "action_type_filter", Type: "string"},
		{Name: "importance_filter", Type: "string"},
		{Name: "limit", Type: "integer", Default: 10},
	}
}

func (t *GetActionHistoryTool) Execute(ctx context.Context, args map[string]interface{}) (*framework.ToolResult, error) {
	filter := persistence.ActionFilter{
		AgentName: framework.ArgString(args, "agent_filter"),
		Action:    framework.ArgString(args, "action_type_filter"),
	}
	if ref, ok := framework.CaseFrom(ctx); ok {
		filter.ClientID = ref.ClientID
	}
	actions, err := t.Actions.Query(ctx, filter)
	if err != nil {
		return nil, err
	}
	importance := framework.ArgString(args, "importance_filter")
	var matched []persistence.AgentAction
	for i := len(actions) - 1; i >= 0; i-- {
		if importance != "" && actionImportance(actions[i]) != importance {
			continue
		}
		matched = append(matched, actions[i])
	}
	limit := framework.ArgInt(args, "limit", 10)
	if limit <= 0 {
		limit = 10
	}
	history := make([]map[string]interface{}, 0, min(limit, len(matched)))
	for i := 0; i < len(matched) && i < limit; i++ {
		history = append(history, actionView(matched[i]))
	}
	return success(map[string]interface{}{
		"status":           "success",
		"total_entries":    len(matched),
		"returned_entries": len(history),
		"history":          history,
	}), nil
}

func (t *GetActionHistoryTool) IsAvailable(ctx context.Context) bool { return t.Actions != nil }

// GetTaskTimelineTool returns the chronological trace of one task grouped by
// agent.
type GetTaskTimelineTool struct {
	Actions persistence.ActionLog
}

func (t *GetTaskTimelineTool) Name() string { return "get_task_timeline" }
func (t *GetTaskTimelineTool) Description() string {
	return "Recupera la línea de tiempo completa de una tarea específica."
}
func (t *GetTaskTimelineTool) Category() string { return "tracing" }
func (t *GetTaskTimelineTool) Parameters() []framework.ToolParameter {
	return []framework.ToolParameter{
		{Name: "task_id", Type: "string", Description: "Tarea a consultar; por defecto el caso actual."},
	}
}

func (t *GetTaskTimelineTool) Execute(ctx context.Context, args map[string]interface{}) (*framework.ToolResult, error) {
	taskID := framework.ArgString(args, "task_id")
	if taskID == "" {
		taskID = caseTaskID(ctx)
	}
	actions, err := t.Actions.Query(ctx, persistence.ActionFilter{TaskID: taskID})
	if err != nil {
		return nil, err
	}
	if len(actions) == 0 {
		return success(map[string]interface{}{
			"status":  "not_found",
			"message": fmt.Sprintf("No se encontraron registros para el task ID: %s", taskID),
		}), nil
	}
	timeline := make([]map[string]interface{}, 0, len(actions))
	byAgent := map[string][]map[string]interface{}{}
	var agents []string
	for _, a := range actions {
		view := actionView(a)
		timeline = append(timeline, view)
		if _, seen := byAgent[a.AgentName]; !seen {
			agents = append(agents, a.AgentName)
		}
		byAgent[a.AgentName] = append(byAgent[a.AgentName], view)
	}
	start := actions[0].Timestamp
	end := actions[len(actions)-1].Timestamp
	return success(map[string]interface{}{
		"status":            "success",
		"task_id":           taskID,
		"timeline":          timeline,
		"timeline_by_agent": byAgent,
		"metadata": map[string]interface{}{
			"start_time":       start.Format(time.RFC3339Nano),
			"end_time":         end.Format(time.RFC3339Nano),
			"duration_seconds": end.Sub(start).Seconds(),
			"total_actions":    len(actions),
			"agents_involved":  agents,
		},
	}), nil
}

func (t *GetTaskTimelineTool) IsAvailable(ctx context.Context) bool { return t.Actions != nil }

// SummarizeAgentActivitiesTool aggregates the trace over a period.
type SummarizeAgentActivitiesTool struct {
	Actions persistence.ActionLog
	Now     func() time.Time
}

func (t *SummarizeAgentActivitiesTool) Name() string { return "summarize_agent_activities" }
func (t *SummarizeAgentActivitiesTool) Description() string {
	return "Genera un resumen de las actividades de todos los agentes en un período (today, week, month, all)."
}
func (t *SummarizeAgentActivitiesTool) Category() string { return "tracing" }
func (t *SummarizeAgentActivitiesTool) Parameters() []framework.ToolParameter {
	return []framework.ToolParameter{
		{Name: "time_period", Type: "string", Default: "today"},
	}
}

// periodStart maps a period name to its lower bound. "all" and unknown
// values have none.
func periodStart(period string, now time.Time) time.Time {
	switch period {
	case "today":
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	case "week":
		return now.Add(-7 * 24 * time.Hour)
	case "month":
		return now.Add(-30 * 24 * time.Hour)
	default:
		return time.Time{}
	}
}

func (t *SummarizeAgentActivitiesTool) Execute(ctx context.Context, args map[string]interface{}) (*framework.ToolResult, error) {
	period := framework.ArgString(args, "time_period")
	if period == "" {
		period = "today"
	}
	now := time.Now()
	if t.Now != nil {
		now = t.Now()
	}
	actions, err := t.Actions.Query(ctx, persistence.ActionFilter{Since: periodStart(period, now)})
	if err != nil {
		return nil, err
	}
	type agentStats struct {
		TotalActions     int            `json:"total_actions"`
		ActionTypes      map[string]int `json:"action_types"`
		ImportanceCounts map[string]int `json:"importance_counts"`
	}
	newCounts := func() map[string]int {
		counts := make(map[string]int, len(traceImportance))
		for _, level := range traceImportance {
			counts[level] = 0
		}
		return counts
	}
	stats := map[string]*agentStats{}
	actionTypes := map[string]int{}
	importance := newCounts()
	clients := map[string]struct{}{}
	tasks := map[string]struct{}{}
	for _, a := range actions {
		s, ok := stats[a.AgentName]
		if !ok {
			s = &agentStats{ActionTypes: map[string]int{}, ImportanceCounts: newCounts()}
			stats[a.AgentName] = s
		}
		level := actionImportance(a)
		s.TotalActions++
		s.ActionTypes[a.Action]++
		s.ImportanceCounts[level]++
		actionTypes[a.Action]++
		importance[level]++
		clients[a.ClientID] = struct{}{}
		tasks[a.TaskID] = struct{}{}
	}
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)
	var mostActive interface{}
	best := 0
	for _, name := range names {
		if stats[name].TotalActions > best {
			best = stats[name].TotalActions
			mostActive = name
		}
	}
	return success(map[string]interface{}{
		"status":                   "success",
		"time_period":              period,
		"total_actions":            len(actions),
		"unique_clients":           len(clients),
		"unique_tasks":             len(tasks),
		"action_type_distribution": actionTypes,
		"importance_distribution":  importance,
		"agent_stats":              stats,
		"most_active_agent":        mostActive,
	}), nil
}

func (t *SummarizeAgentActivitiesTool) IsAvailable(ctx context.Context) bool { return t.Actions != nil }
