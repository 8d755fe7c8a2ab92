package framework

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidClientID  = errors.New("invalid client id")
	ErrInvalidSessionID = errors.New("invalid session id")
)

// Timestamp marshals as RFC 3339 and also accepts the zoneless ISO form
// ("2006-01-02T15:04:05.999999") older record files were written with.
type Timestamp struct {
	time.Time
}

// Now returns the current time as a Timestamp.
func Now() Timestamp { return Timestamp{Time: time.Now()} }

var legacyTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	var lastErr error
	for _, layout := range legacyTimeLayouts {
		parsed, err := time.ParseInLocation(layout, raw, time.Local)
		if err == nil {
			t.Time = parsed
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// Record actions written into escalation records.
const (
	ActionEscalateToSenior     = "escalate_to_senior"
	ActionEscalateToSupervisor = "escalate_to_supervisor"
	ActionEscalateToManager    = "escalate_to_manager"
)

// Record is a pending handoff to Tier. The JSON shape matches the files the
// legacy report viewer reads, so storage metadata stays out of it.
type Record struct {
	Timestamp          Timestamp `json:"timestamp"`
	ClientID           string    `json:"client_id"`
	SessionID          string    `json:"session_id"`
	Action             string    `json:"action"`
	Summary            string    `json:"summary"`
	SeniorAnalysis     string    `json:"senior_analysis,omitempty"`
	SupervisorAnalysis string    `json:"supervisor_analysis,omitempty"`
	Documents          []string  `json:"documents"`

	// Tier is derived from Action and never serialized.
	Tier Tier `json:"-"`
	// Version is assigned by the store and used for compare-and-swap.
	Version string `json:"-"`
}

// Case returns the record's case reference.
func (r *Record) Case() CaseRef {
	return CaseRef{ClientID: r.ClientID, SessionID: r.SessionID}
}

// ActionForTier is the action a record targeting t carries.
func ActionForTier(t Tier) string {
	switch t {
	case TierSupervisor:
		return ActionEscalateToSupervisor
	case TierManager:
		return ActionEscalateToManager
	default:
		return ActionEscalateToSenior
	}
}

// TierForAction inverts ActionForTier.
func TierForAction(action string) (Tier, bool) {
	switch action {
	case ActionEscalateToSenior:
		return TierSenior, true
	case ActionEscalateToSupervisor:
		return TierSupervisor, true
	case ActionEscalateToManager:
		return TierManager, true
	default:
		return "", false
	}
}

// NewRecord builds a record targeting tier for the given case.
func NewRecord(ref CaseRef, tier Tier, summary string, documents []string) *Record {
	if documents == nil {
		documents = []string{}
	}
	return &Record{
		Timestamp: Now(),
		ClientID:  ref.ClientID,
		SessionID: ref.SessionID,
		Action:    ActionForTier(tier),
		Summary:   summary,
		Documents: documents,
		Tier:      tier,
	}
}

// AuditResultCompleted marks a finished audit in reports.
const AuditResultCompleted = "Completado"

// Report is the final audit report produced by the manager tier.
type Report struct {
	ClientID           string    `json:"client_id"`
	SessionID          string    `json:"session_id"`
	Timestamp          Timestamp `json:"timestamp"`
	Summary            string    `json:"summary"`
	SeniorAnalysis     string    `json:"senior_analysis"`
	SupervisorAnalysis string    `json:"supervisor_analysis"`
	ManagerAnalysis    string    `json:"manager_analysis"`
	DocumentsAnalyzed  []string  `json:"documents_analyzed"`
	AuditResult        string    `json:"audit_result"`
}

// Case returns the report's case reference.
func (r *Report) Case() CaseRef {
	return CaseRef{ClientID: r.ClientID, SessionID: r.SessionID}
}
