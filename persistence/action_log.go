package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AgentAction is one traced step an agent reported through log_agent_action.
type AgentAction struct {
	ID        string                 `json:"id"`
	AgentName string                 `json:"agent_name"`
	Action    string                 `json:"action"`
	TaskID    string                 `json:"task_id,omitempty"`
	ClientID  string                 `json:"client_id,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ActionFilter narrows action history queries. Limit keeps the newest N.
type ActionFilter struct {
	AgentName string
	Action    string
	TaskID    string
	ClientID  string
	Since     time.Time
	Limit     int
}

func (f ActionFilter) matches(a AgentAction) bool {
	if f.AgentName != "" && a.AgentName != f.AgentName {
		return false
	}
	if f.Action != "" && a.Action != f.Action {
		return false
	}
	if f.TaskID != "" && a.TaskID != f.TaskID {
		return false
	}
	if f.ClientID != "" && a.ClientID != f.ClientID {
		return false
	}
	if !f.Since.IsZero() && a.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// ActionLog stores the agent action trace. Query returns actions oldest first.
type ActionLog interface {
	Append(ctx context.Context, action AgentAction) (AgentAction, error)
	Query(ctx context.Context, filter ActionFilter) ([]AgentAction, error)
}

func normalizeAction(a AgentAction) AgentAction {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	return a
}

// MemoryActionLog keeps actions in process memory.
type MemoryActionLog struct {
	mu      sync.RWMutex
	actions []AgentAction
}

// NewMemoryActionLog builds an empty log.
func NewMemoryActionLog() *MemoryActionLog {
	return &MemoryActionLog{}
}

func (l *MemoryActionLog) Append(ctx context.Context, action AgentAction) (AgentAction, error) {
	if err := ctx.Err(); err != nil {
		return action, err
	}
	action = normalizeAction(action)
	l.mu.Lock()
	l.actions = append(l.actions, action)
	l.mu.Unlock()
	return action, nil
}

func (l *MemoryActionLog) Query(ctx context.Context, filter ActionFilter) ([]AgentAction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []AgentAction
	for _, a := range l.actions {
		if filter.matches(a) {
			out = append(out, a)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}
