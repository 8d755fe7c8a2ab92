package framework

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditEventType categorizes audit events for dashboards.
type AuditEventType string

const (
	AuditClientInteraction AuditEventType = "client_interaction"
	AuditCaseReview        AuditEventType = "case_review"
	AuditAdvancedReview    AuditEventType = "advanced_review"
	AuditFinalReview       AuditEventType = "final_review"
	AuditFileUpload        AuditEventType = "file_upload"
	AuditFileError         AuditEventType = "file_error"
	AuditModelChange       AuditEventType = "model_change"
	AuditEscalation        AuditEventType = "escalation"
	AuditEscalationError   AuditEventType = "escalation_error"
	AuditFinding           AuditEventType = "audit_finding"
	AuditReportGenerated   AuditEventType = "report_generated"
)

// Importance ranks audit events.
type Importance string

const (
	ImportanceLow      Importance = "low"
	ImportanceMedium   Importance = "medium"
	ImportanceHigh     Importance = "high"
	ImportanceCritical Importance = "critical"
)

// ParseImportance falls back to medium for unknown values.
func ParseImportance(value string) Importance {
	switch Importance(value) {
	case ImportanceLow, ImportanceMedium, ImportanceHigh, ImportanceCritical:
		return Importance(value)
	default:
		return ImportanceMedium
	}
}

// ReviewEvent is the audit event type and importance a tier run records.
func ReviewEvent(t Tier) (AuditEventType, Importance) {
	switch t {
	case TierSenior:
		return AuditCaseReview, ImportanceHigh
	case TierSupervisor:
		return AuditAdvancedReview, ImportanceHigh
	case TierManager:
		return AuditFinalReview, ImportanceCritical
	default:
		return AuditClientInteraction, ImportanceMedium
	}
}

// AuditEvent is a single entry of the audit trail shown to operators.
type AuditEvent struct {
	ID         string                 `json:"id"`
	TeamID     string                 `json:"team_id"`
	AgentName  string                 `json:"agent_name"`
	EventType  AuditEventType         `json:"event_type"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Importance Importance             `json:"importance"`
}

// AuditLog is the process wide audit trail. Implementations must be safe for
// concurrent use.
type AuditLog interface {
	Record(ctx context.Context, event AuditEvent) (AuditEvent, error)
	Query(ctx context.Context, filter AuditQuery) ([]AuditEvent, error)
	Subscribe(buffer int) (<-chan AuditEvent, func())
}

// AuditQuery filters audit entries. Limit keeps the newest N matches.
type AuditQuery struct {
	TeamID     string
	AgentName  string
	EventType  AuditEventType
	Importance Importance
	TimeStart  time.Time
	Limit      int
}

func (q AuditQuery) matches(e AuditEvent) bool {
	if q.TeamID != "" && e.TeamID != q.TeamID {
		return false
	}
	if q.AgentName != "" && e.AgentName != q.AgentName {
		return false
	}
	if q.EventType != "" && e.EventType != q.EventType {
		return false
	}
	if q.Importance != "" && e.Importance != q.Importance {
		return false
	}
	if !q.TimeStart.IsZero() && e.Timestamp.Before(q.TimeStart) {
		return false
	}
	return true
}

// DefaultAuditCapacity is the number of events kept in memory.
const DefaultAuditCapacity = 200

// RingAuditLog keeps the newest events in a fixed ring and fans them out to
// subscribers. Slow subscribers lose events instead of blocking writers.
type RingAuditLog struct {
	mu    sync.RWMutex
	ring  []AuditEvent
	head  int
	count int

	subMu  sync.Mutex
	subs   map[int]chan AuditEvent
	nextID int
}

// NewRingAuditLog builds a log holding at most capacity events.
func NewRingAuditLog(capacity int) *RingAuditLog {
	if capacity <= 0 {
		capacity = DefaultAuditCapacity
	}
	return &RingAuditLog{
		ring: make([]AuditEvent, capacity),
		subs: make(map[int]chan AuditEvent),
	}
}

// Record stores the event, evicting the oldest one when full, and broadcasts
// it. Missing IDs and timestamps are filled in.
func (l *RingAuditLog) Record(ctx context.Context, event AuditEvent) (AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return event, err
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Importance == "" {
		event.Importance = ImportanceMedium
	}
	l.mu.Lock()
	idx := (l.head + l.count) % len(l.ring)
	if l.count == len(l.ring) {
		l.head = (l.head + 1) % len(l.ring)
	} else {
		l.count++
	}
	l.ring[idx] = event
	l.mu.Unlock()

	l.broadcast(event)
	return event, nil
}

// Query returns matching events oldest first.
func (l *RingAuditLog) Query(ctx context.Context, filter AuditQuery) ([]AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	result := make([]AuditEvent, 0, l.count)
	for i := 0; i < l.count; i++ {
		e := l.ring[(l.head+i)%len(l.ring)]
		if filter.matches(e) {
			result = append(result, e)
		}
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[len(result)-filter.Limit:]
	}
	return result, nil
}

// Len reports how many events are currently retained.
func (l *RingAuditLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Subscribe registers a listener. The returned func unsubscribes and closes
// the channel; it is safe to call more than once.
func (l *RingAuditLog) Subscribe(buffer int) (<-chan AuditEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan AuditEvent, buffer)
	l.subMu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = ch
	l.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.subMu.Lock()
			delete(l.subs, id)
			l.subMu.Unlock()
			close(ch)
		})
	}
}

func (l *RingAuditLog) broadcast(event AuditEvent) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
