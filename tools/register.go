package tools

import (
	"time"

	"github.com/lexcodex/auditia/framework"
	"github.com/lexcodex/auditia/persistence"
)

// Deps are the shared services audit tools operate on.
type Deps struct {
	Store   persistence.EscalationStore
	Audit   framework.AuditLog
	Actions persistence.ActionLog
	Now     func() time.Time
}

// All builds every audit tool wired to deps.
func All(deps Deps) []framework.Tool {
	return []framework.Tool{
		&EscalateToSeniorTool{Store: deps.Store, Audit: deps.Audit},
		NewEscalateToSupervisorTool(),
		NewEscalateToManagerTool(),
		NewGenerateFinalReportTool(),
		&SaveAuditEventTool{Audit: deps.Audit},
		&SaveAuditFindingTool{Audit: deps.Audit},
		&GetSheetDataTool{Actions: deps.Actions},
		&VerifySheetTotalsTool{Actions: deps.Actions},
		&VerifyBalanceEquationTool{Actions: deps.Actions},
		&WriteAuditCommentsTool{Actions: deps.Actions},
		&LogAgentActionTool{Actions: deps.Actions},
		&GetActionHistoryTool{Actions: deps.Actions},
		&GetTaskTimelineTool{Actions: deps.Actions},
		&SummarizeAgentActivitiesTool{Actions: deps.Actions, Now: deps.Now},
		&AuditBalanceSheetTool{},
		&VerifyTransactionsTool{},
		&CheckComplianceTool{},
	}
}

// NewRegistry returns a registry holding All(deps).
func NewRegistry(deps Deps) (*framework.ToolRegistry, error) {
	registry := framework.NewToolRegistry()
	for _, tool := range All(deps) {
		if err := registry.Register(tool); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
