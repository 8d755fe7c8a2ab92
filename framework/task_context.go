package framework

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

type caseContextKey struct{}

// CaseRef identifies a conversation: one client, one session.
type CaseRef struct {
	ClientID  string `json:"client_id"`
	SessionID string `json:"session_id"`
}

// Key is the legacy "{client}_{session}" suffix used in record file names.
func (r CaseRef) Key() string {
	return r.ClientID + "_" + r.SessionID
}

// TeamID is the team identifier audit events are grouped under.
func (r CaseRef) TeamID() string {
	return "team_" + r.ClientID
}

func (r CaseRef) String() string {
	return fmt.Sprintf("%s/%s", r.ClientID, r.SessionID)
}

// Validate checks both identifiers.
func (r CaseRef) Validate() error {
	if err := ValidateClientID(r.ClientID); err != nil {
		return err
	}
	return ValidateSessionID(r.SessionID)
}

// WithCase attaches the case being processed so tools and telemetry can
// correlate their work without trusting model supplied identifiers.
func WithCase(ctx context.Context, ref CaseRef) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, caseContextKey{}, ref)
}

// CaseFrom extracts the case reference, if present.
func CaseFrom(ctx context.Context) (CaseRef, bool) {
	if ctx == nil {
		return CaseRef{}, false
	}
	ref, ok := ctx.Value(caseContextKey{}).(CaseRef)
	return ref, ok
}

type agentContextKey struct{}

// WithAgent records which tier agent is acting.
func WithAgent(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, agentContextKey{}, name)
}

// AgentFrom returns the acting agent name or "unknown".
func AgentFrom(ctx context.Context) string {
	if ctx != nil {
		if name, ok := ctx.Value(agentContextKey{}).(string); ok && name != "" {
			return name
		}
	}
	return "unknown"
}

var (
	clientIDPattern = regexp.MustCompile(`^[a-zA-Z0-9\-_]+$`)
	controlCharsExpr = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
)

// ValidateClientID enforces the identifier charset and a 4..64 length.
func ValidateClientID(id string) error {
	if len(id) < 4 || len(id) > 64 || !clientIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidClientID, id)
	}
	return nil
}

// ValidateSessionID accepts the client charset with a 1..128 length so UUIDs fit.
func ValidateSessionID(id string) error {
	if id == "" || len(id) > 128 || !clientIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

// SanitizeInput drops control characters and angle brackets from user text.
func SanitizeInput(text string) string {
	text = controlCharsExpr.ReplaceAllString(text, "")
	text = strings.NewReplacer("<", "", ">", "").Replace(text)
	return strings.TrimSpace(text)
}

// NewClientID returns a fresh "client_" prefixed identifier.
func NewClientID() string {
	return "client_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// NewSessionID returns a fresh session identifier.
func NewSessionID() string {
	return uuid.NewString()
}
