package escalation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexcodex/auditia/agents"
	"github.com/lexcodex/auditia/framework"
	"github.com/lexcodex/auditia/llm"
	"github.com/lexcodex/auditia/persistence"
)

// DefaultAppName is the app the session store files conversations under.
const DefaultAppName = "audit-ia"

// LLMErrorPrefix starts the reply sent when the model call fails.
const LLMErrorPrefix = "Lo siento, hubo un error al comunicarse con el modelo."

// ErrEmptyMessage is returned for requests without text.
var ErrEmptyMessage = errors.New("empty message")

const auditTextLimit = 500

// AgentBuilder builds the agent that processes a tier.
type AgentBuilder interface {
	Build(ctx context.Context, tier framework.Tier, modelType string) (*agents.TierAgent, error)
}

// Store is everything the service persists cases into.
type Store interface {
	persistence.EscalationStore
	persistence.ReportStore
}

// Request is one client message.
type Request struct {
	ClientID  string
	SessionID string
	Message   string
	ModelType string
	// Tier forces a tier instead of dispatching on pending records.
	Tier framework.Tier
}

// Response is what the client sees plus the routing outcome.
type Response struct {
	Message         string              `json:"message"`
	ClientID        string              `json:"client_id"`
	SessionID       string              `json:"session_id"`
	Tier            framework.Tier      `json:"tier"`
	Agent           string              `json:"agent"`
	State           framework.CaseState `json:"state"`
	Escalated       bool                `json:"escalated"`
	ReportGenerated bool                `json:"report_generated"`
	Verdict         *Verdict            `json:"-"`
	// Failed is set when the model call failed and Message is an apology.
	Failed bool `json:"failed,omitempty"`
}

// Options wires a Service.
type Options struct {
	Agents    AgentBuilder
	Store     Store
	Sessions  persistence.SessionStore
	Audit     framework.AuditLog
	Telemetry framework.Telemetry
	Logger    zerolog.Logger
	AppName   string
	UploadDir string
}

// Service is the request handler core shared by HTTP, JSON-RPC and the
// console.
type Service struct {
	agents     AgentBuilder
	store      Store
	sessions   persistence.SessionStore
	audit      framework.AuditLog
	telemetry  framework.Telemetry
	logger     zerolog.Logger
	appName    string
	uploadDir  string
	locks      *CaseLocks
	dispatcher *Dispatcher
	classifier Classifier
}

// NewService builds a service from opts.
func NewService(opts Options) (*Service, error) {
	if opts.Agents == nil {
		return nil, errors.New("escalation service: no agent builder")
	}
	if opts.Store == nil {
		return nil, errors.New("escalation service: no store")
	}
	if opts.Audit == nil {
		opts.Audit = framework.NewRingAuditLog(framework.DefaultAuditCapacity)
	}
	if opts.AppName == "" {
		opts.AppName = DefaultAppName
	}
	return &Service{
		agents:    opts.Agents,
		store:     opts.Store,
		sessions:  opts.Sessions,
		audit:     opts.Audit,
		telemetry: opts.Telemetry,
		logger:    opts.Logger,
		appName:   opts.AppName,
		uploadDir: opts.UploadDir,
		locks:     NewCaseLocks(),
		dispatcher: &Dispatcher{
			Store:  opts.Store,
			Audit:  opts.Audit,
			Logger: opts.Logger,
		},
	}, nil
}

// Audit exposes the audit trail the service writes to.
func (s *Service) Audit() framework.AuditLog { return s.audit }

// Store exposes the case store.
func (s *Service) Store() Store { return s.store }

// CaseState reports the pending tiers and lifecycle state of a case.
func (s *Service) CaseState(ctx context.Context, ref framework.CaseRef) (framework.CaseState, []framework.Tier, error) {
	if err := ref.Validate(); err != nil {
		return framework.StateNone, nil, err
	}
	return s.dispatcher.State(ctx, ref, s.store)
}

// Handle routes one message to the tier owning the case and applies the
// transition its reply asks for.
func (s *Service) Handle(ctx context.Context, req Request) (*Response, error) {
	req.Message = framework.SanitizeInput(req.Message)
	return s.handle(ctx, req)
}

func (s *Service) handle(ctx context.Context, req Request) (*Response, error) {
	if req.SessionID == "" {
		req.SessionID = framework.NewSessionID()
	}
	ref := framework.CaseRef{ClientID: req.ClientID, SessionID: req.SessionID}
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}
	unlock, err := s.locks.Lock(ctx, ref.Key())
	if err != nil {
		return nil, err
	}
	defer unlock()

	tier, rec, err := s.route(ctx, ref, req.Tier)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With().
		Str("client_id", ref.ClientID).
		Str("session_id", ref.SessionID).
		Str("tier", string(tier)).
		Logger()
	resp := &Response{
		ClientID:  ref.ClientID,
		SessionID: ref.SessionID,
		Tier:      tier,
		Agent:     tier.AgentName(),
	}

	agent, err := s.agents.Build(ctx, tier, req.ModelType)
	if err != nil {
		if errors.Is(err, llm.ErrUnknownModel) {
			return nil, err
		}
		logger.Error().Err(err).Msg("building tier agent failed")
		return s.apologize(ctx, ref, resp, err), nil
	}
	prompt := BuildPrompt(tier, rec, req.Message)
	result, err := agent.Run(framework.WithCase(ctx, ref), prompt)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		logger.Error().Err(err).Msg("tier run failed")
		return s.apologize(ctx, ref, resp, err), nil
	}

	verdict := s.classify(tier, result)
	resp.Verdict = &verdict
	if verdict.Ambiguous {
		logger.Warn().
			Str("decision", string(verdict.Decision)).
			Str("source", string(verdict.Source)).
			Str("reason", verdict.Reason).
			Msg("ambiguous escalation verdict")
	}
	resp.Message = verdict.Text

	note, err := s.apply(ctx, ref, tier, rec, req.Message, verdict, resp)
	if err != nil {
		logger.Error().Err(err).Msg("applying transition failed")
		s.recordEvent(ctx, ref, tier.AgentName(), framework.AuditEscalationError, framework.ImportanceHigh, map[string]interface{}{
			"tier":  string(tier),
			"error": err.Error(),
		})
	}
	if note != "" {
		resp.Message = strings.TrimSpace(resp.Message + "\n\n" + note)
	}

	eventType, importance := framework.ReviewEvent(tier)
	s.recordEvent(ctx, ref, tier.AgentName(), eventType, importance, map[string]interface{}{
		"message":   clip(req.Message, auditTextLimit),
		"response":  clip(resp.Message, auditTextLimit),
		"decision":  string(verdict.Decision),
		"source":    string(verdict.Source),
		"ambiguous": verdict.Ambiguous,
		"tools":     invokedTools(result),
	})
	s.touchSession(ctx, ref, tier, req.ModelType)

	state, _, err := s.dispatcher.State(ctx, ref, s.store)
	if err != nil {
		logger.Warn().Err(err).Msg("reading case state failed")
	}
	resp.State = state
	return resp, nil
}

// route returns the tier and record for a message. A forced tier uses its
// own pending record when one exists.
func (s *Service) route(ctx context.Context, ref framework.CaseRef, forced framework.Tier) (framework.Tier, *framework.Record, error) {
	if forced == "" {
		return s.dispatcher.Resolve(ctx, ref)
	}
	if !forced.Valid() {
		return "", nil, fmt.Errorf("unknown tier %q", forced)
	}
	if forced == framework.TierAssistant {
		return forced, nil, nil
	}
	rec, err := s.store.Load(ctx, ref, forced)
	switch {
	case err == nil:
		return forced, rec, nil
	case errors.Is(err, persistence.ErrNotFound):
		return forced, nil, nil
	default:
		s.logger.Error().Err(err).Str("tier", string(forced)).Msg("unreadable escalation record for forced tier")
		s.dispatcher.recordError(ctx, ref, forced, err)
		return forced, nil, nil
	}
}

func (s *Service) classify(tier framework.Tier, result *agents.RunResult) Verdict {
	signal, _ := result.Decision()
	verdict := s.classifier.Classify(tier, result.Text, signal)
	if tier == framework.TierAssistant && result.Called("escalate_to_senior") {
		verdict.Decision = framework.DecisionEscalate
		verdict.Source = SourceTool
	}
	return verdict
}

// apply persists the transition for verdict and returns the note to append
// to the reply. The record the tier processed is always consumed.
func (s *Service) apply(ctx context.Context, ref framework.CaseRef, tier framework.Tier, rec *framework.Record, message string, verdict Verdict, resp *Response) (string, error) {
	if tier == framework.TierAssistant {
		if verdict.Decision == framework.DecisionEscalate {
			resp.Escalated = true
			s.emitTransition(ref, tier, framework.TierSenior)
		}
		return "", nil
	}
	base := rec
	if base == nil {
		// Forced tier without a pending record: hand off what we have.
		base = framework.NewRecord(ref, tier, clip(message, auditTextLimit), nil)
	}
	if !verdict.Advances(tier) {
		return "", s.consume(ctx, rec, nil)
	}

	if tier == framework.TierManager {
		report := finalReport(base, verdict.Text)
		if err := s.store.SaveReport(ctx, report); err != nil && !errors.Is(err, persistence.ErrReportExists) {
			return "", fmt.Errorf("save report: %w", err)
		} else if err != nil {
			s.logger.Warn().Str("case", ref.Key()).Msg("report already exists, keeping the first one")
		}
		resp.ReportGenerated = true
		s.recordEvent(ctx, ref, tier.AgentName(), framework.AuditReportGenerated, framework.ImportanceCritical, map[string]interface{}{
			"client_id":  ref.ClientID,
			"session_id": ref.SessionID,
		})
		s.emitTransition(ref, tier, "")
		return NoteFinalReport, s.consume(ctx, rec, nil)
	}

	next := nextRecord(base, tier, verdict.Text)
	if err := s.consume(ctx, rec, next); err != nil {
		return "", err
	}
	resp.Escalated = true
	s.recordEvent(ctx, ref, tier.AgentName(), framework.AuditEscalation, framework.ImportanceHigh, map[string]interface{}{
		"client_id":  ref.ClientID,
		"session_id": ref.SessionID,
		"from":       string(tier),
		"to":         string(next.Tier),
		"source":     string(verdict.Source),
	})
	s.emitTransition(ref, tier, next.Tier)
	if next.Tier == framework.TierManager {
		return NoteEscalatedToManager, nil
	}
	return NoteEscalatedToSupervisor, nil
}

// consume runs the store transition. A conflict on the consumed record means
// another request already handled it, so it is logged and dropped.
func (s *Service) consume(ctx context.Context, current, next *framework.Record) error {
	if current == nil && next == nil {
		return nil
	}
	err := s.store.Transition(ctx, current, next)
	if err == nil {
		return nil
	}
	if errors.Is(err, persistence.ErrConflict) && next == nil {
		s.logger.Warn().Err(err).Msg("record already consumed")
		return nil
	}
	return err
}

func (s *Service) apologize(ctx context.Context, ref framework.CaseRef, resp *Response, err error) *Response {
	resp.Message = fmt.Sprintf("%s %s", LLMErrorPrefix, err)
	resp.Failed = true
	state, _, stateErr := s.dispatcher.State(ctx, ref, s.store)
	if stateErr == nil {
		resp.State = state
	}
	return resp
}

func (s *Service) recordEvent(ctx context.Context, ref framework.CaseRef, agent string, eventType framework.AuditEventType, importance framework.Importance, details map[string]interface{}) {
	if details == nil {
		details = map[string]interface{}{}
	}
	if _, ok := details["client_id"]; !ok {
		details["client_id"] = ref.ClientID
	}
	if _, err := s.audit.Record(ctx, framework.AuditEvent{
		TeamID:     ref.TeamID(),
		AgentName:  agent,
		EventType:  eventType,
		Importance: importance,
		Details:    details,
	}); err != nil {
		s.logger.Warn().Err(err).Str("event", string(eventType)).Msg("recording audit event failed")
	}
}

func (s *Service) emitTransition(ref framework.CaseRef, from, to framework.Tier) {
	framework.Emit(s.telemetry, framework.Event{
		Type:    framework.EventTransition,
		Tier:    from,
		CaseKey: ref.Key(),
		Message: fmt.Sprintf("%s -> %s", from, orDefault(string(to), "completed")),
	})
}

func (s *Service) touchSession(ctx context.Context, ref framework.CaseRef, tier framework.Tier, modelType string) {
	if s.sessions == nil {
		return
	}
	key := persistence.SessionKey{AppName: s.appName, UserID: ref.ClientID, SessionID: ref.SessionID}
	turns := 0
	if sess, err := s.sessions.Get(ctx, key); err == nil {
		switch v := sess.State["turn_count"].(type) {
		case int:
			turns = v
		case float64:
			turns = int(v)
		}
	}
	state := map[string]interface{}{
		"last_tier":       string(tier),
		"last_message_at": time.Now().UTC().Format(time.RFC3339),
		"turn_count":      turns + 1,
	}
	if modelType != "" {
		state["model_type"] = modelType
	}
	if _, err := persistence.Touch(ctx, s.sessions, key, state); err != nil {
		s.logger.Warn().Err(err).Str("case", ref.Key()).Msg("updating session failed")
	}
}

func invokedTools(result *agents.RunResult) []string {
	names := make([]string, 0, len(result.Invocations))
	for _, inv := range result.Invocations {
		names = append(names, inv.Name)
	}
	return names
}

func clip(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
