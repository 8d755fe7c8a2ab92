package escalation

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/lexcodex/auditia/framework"
	"github.com/lexcodex/auditia/persistence"
)

// Dispatcher decides which tier owns the next message of a case.
type Dispatcher struct {
	Store  persistence.EscalationStore
	Audit  framework.AuditLog
	Logger zerolog.Logger
}

// Resolve probes pending records manager first and returns the first tier
// holding one with its record. Cases without a readable record belong to
// the assistant, whose record is nil. A record that cannot be read is logged,
// reported as an escalation_error audit event and skipped.
func (d *Dispatcher) Resolve(ctx context.Context, ref framework.CaseRef) (framework.Tier, *framework.Record, error) {
	for _, tier := range framework.DispatchOrder {
		rec, err := d.Store.Load(ctx, ref, tier)
		if err == nil {
			return tier, rec, nil
		}
		if errors.Is(err, persistence.ErrNotFound) {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", nil, ctxErr
		}
		d.Logger.Error().Err(err).
			Str("client_id", ref.ClientID).
			Str("session_id", ref.SessionID).
			Str("tier", string(tier)).
			Msg("unreadable escalation record, falling through")
		d.recordError(ctx, ref, tier, err)
	}
	return framework.TierAssistant, nil, nil
}

// State reports the lifecycle position of a case.
func (d *Dispatcher) State(ctx context.Context, ref framework.CaseRef, reports persistence.ReportStore) (framework.CaseState, []framework.Tier, error) {
	pending, err := d.Store.Pending(ctx, ref)
	if err != nil {
		return framework.StateNone, nil, err
	}
	if len(pending) > 0 {
		return framework.PendingState(pending[0]), pending, nil
	}
	if reports != nil {
		if _, err := reports.LoadReport(ctx, ref); err == nil {
			return framework.StateCompleted, nil, nil
		}
	}
	return framework.StateNone, nil, nil
}

func (d *Dispatcher) recordError(ctx context.Context, ref framework.CaseRef, tier framework.Tier, err error) {
	if d.Audit == nil {
		return
	}
	_, _ = d.Audit.Record(ctx, framework.AuditEvent{
		TeamID:     ref.TeamID(),
		AgentName:  tier.AgentName(),
		EventType:  framework.AuditEscalationError,
		Importance: framework.ImportanceHigh,
		Details: map[string]interface{}{
			"client_id":  ref.ClientID,
			"session_id": ref.SessionID,
			"tier":       string(tier),
			"error":      err.Error(),
		},
	})
}
