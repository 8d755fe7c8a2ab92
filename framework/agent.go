package framework

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownTier is returned for agent types that name no tier.
var ErrUnknownTier = errors.New("unknown agent type")

// Tier identifies one of the auditor roles in escalation order.
type Tier string

const (
	TierAssistant  Tier = "assistant"
	TierSenior     Tier = "senior"
	TierSupervisor Tier = "supervisor"
	TierManager    Tier = "manager"
)

// Tiers lists every tier from lowest to highest.
var Tiers = []Tier{TierAssistant, TierSenior, TierSupervisor, TierManager}

// DispatchOrder is the order pending records are probed in. Higher tiers win
// so in-flight escalations finish before fresh assistant work starts.
var DispatchOrder = []Tier{TierManager, TierSupervisor, TierSenior}

// ParseTier accepts the tier names used by the HTTP surface. "team" and the
// empty string mean "let the dispatcher decide" and return ok=false.
func ParseTier(value string) (Tier, bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "team", "auto":
		return "", false, nil
	case "assistant", "asistente":
		return TierAssistant, true, nil
	case "senior":
		return TierSenior, true, nil
	case "supervisor":
		return TierSupervisor, true, nil
	case "manager", "gerente":
		return TierManager, true, nil
	default:
		return "", false, fmt.Errorf("%w %q", ErrUnknownTier, value)
	}
}

// Next returns the tier a case escalates to. The manager has no next tier.
func (t Tier) Next() (Tier, bool) {
	switch t {
	case TierAssistant:
		return TierSenior, true
	case TierSenior:
		return TierSupervisor, true
	case TierSupervisor:
		return TierManager, true
	default:
		return "", false
	}
}

// AgentName is the name each tier reports in audit events.
func (t Tier) AgentName() string {
	switch t {
	case TierSenior:
		return "senior_ia"
	case TierSupervisor:
		return "supervisor_ia"
	case TierManager:
		return "gerente_ia"
	default:
		return "asistente_ia"
	}
}

// Title is the human-facing label used in the console and reports.
func (t Tier) Title() string {
	switch t {
	case TierSenior:
		return "Senior"
	case TierSupervisor:
		return "Supervisor"
	case TierManager:
		return "Manager"
	default:
		return "Asistente"
	}
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	for _, known := range Tiers {
		if t == known {
			return true
		}
	}
	return false
}

// CaseState is the lifecycle position of a case.
type CaseState string

const (
	StateNone              CaseState = "none"
	StatePendingSenior     CaseState = "pending-senior"
	StatePendingSupervisor CaseState = "pending-supervisor"
	StatePendingManager    CaseState = "pending-manager"
	StateCompleted         CaseState = "completed"
)

// PendingState maps the tier holding a pending record to the case state.
func PendingState(t Tier) CaseState {
	switch t {
	case TierSenior:
		return StatePendingSenior
	case TierSupervisor:
		return StatePendingSupervisor
	case TierManager:
		return StatePendingManager
	default:
		return StateNone
	}
}

// Decision is the structured outcome of a tier run.
type Decision string

const (
	DecisionNone        Decision = "none"
	DecisionEscalate    Decision = "escalate"
	DecisionFinalReport Decision = "final_report"
)
