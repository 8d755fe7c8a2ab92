package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/lexcodex/auditia/escalation"
	"github.com/lexcodex/auditia/framework"
	"github.com/lexcodex/auditia/persistence"
)

// NotifyAuditEvent is the notification carrying each new audit event.
const NotifyAuditEvent = "audit/event"

// CodeNotFound is returned when a report or case does not exist.
const CodeNotFound int64 = -32004

// RPCServer serves the escalation service as JSON-RPC 2.0 with LSP-style
// Content-Length framing, for editors and automation.
type RPCServer struct {
	Service *escalation.Service
	Models  ModelSwitcher
	Logger  zerolog.Logger
	// Notify pushes audit events to the peer when set.
	Notify bool
}

// CaseParams identifies a case.
type CaseParams struct {
	ClientID  string `json:"client_id"`
	SessionID string `json:"session_id"`
}

// AuditParams filters audit.recent.
type AuditParams struct {
	TeamID    string `json:"team_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type stdio struct {
	io.Reader
	io.Writer
}

func (stdio) Close() error { return nil }

// ServeStdio runs the server over stdin and stdout until ctx is done or the
// peer disconnects.
func (s *RPCServer) ServeStdio(ctx context.Context) error {
	return s.ServeStream(ctx, stdio{Reader: os.Stdin, Writer: os.Stdout})
}

// ServeStream runs the server over rwc.
func (s *RPCServer) ServeStream(ctx context.Context, rwc io.ReadWriteCloser) error {
	stream := jsonrpc2.NewBufferedStream(rwc, jsonrpc2.VSCodeObjectCodec{})
	conn := jsonrpc2.NewConn(ctx, stream, jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(s.handle)))
	defer conn.Close()

	var events <-chan framework.AuditEvent
	if s.Notify {
		ch, unsubscribe := s.Service.Audit().Subscribe(streamBuffer)
		defer unsubscribe()
		events = ch
	}
	s.Logger.Info().Bool("notify", s.Notify).Msg("json-rpc session started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-conn.DisconnectNotify():
			return nil
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if err := conn.Notify(ctx, NotifyAuditEvent, event); err != nil {
				s.Logger.Debug().Err(err).Msg("audit notification dropped")
			}
		}
	}
}

func (s *RPCServer) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
	if req.Notif {
		return nil, nil
	}
	switch req.Method {
	case "chat":
		var params AssistantRequest
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		tier, _, err := framework.ParseTier(params.AgentType)
		if err != nil {
			return nil, rpcError(err)
		}
		resp, err := s.Service.Handle(ctx, escalation.Request{
			ClientID:  params.ClientID,
			SessionID: params.SessionID,
			Message:   params.Message,
			ModelType: params.ModelType,
			Tier:      tier,
		})
		if err != nil {
			return nil, rpcError(err)
		}
		return resp, nil
	case "report.get":
		var params CaseParams
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		ref := framework.CaseRef{ClientID: params.ClientID, SessionID: params.SessionID}
		if err := ref.Validate(); err != nil {
			return nil, rpcError(err)
		}
		report, err := s.Service.Store().LoadReport(ctx, ref)
		if err != nil {
			return nil, rpcError(err)
		}
		return report, nil
	case "case.get":
		var params CaseParams
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		ref := framework.CaseRef{ClientID: params.ClientID, SessionID: params.SessionID}
		state, pending, err := s.Service.CaseState(ctx, ref)
		if err != nil {
			return nil, rpcError(err)
		}
		if pending == nil {
			pending = []framework.Tier{}
		}
		return CaseResponse{ClientID: ref.ClientID, SessionID: ref.SessionID, State: state, Pending: pending}, nil
	case "audit.recent":
		var params AuditParams
		if req.Params != nil {
			if err := decodeParams(req, &params); err != nil {
				return nil, err
			}
		}
		if params.Limit <= 0 {
			params.Limit = defaultEventLimit
		}
		events, err := s.Service.Audit().Query(ctx, framework.AuditQuery{
			TeamID:    params.TeamID,
			EventType: framework.AuditEventType(params.EventType),
			Limit:     params.Limit,
		})
		if err != nil {
			return nil, rpcError(err)
		}
		return events, nil
	case "settings.model":
		var params ModelSettings
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		return SwitchModel(ctx, s.Models, s.Service, s.Logger, params.ModelType), nil
	default:
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not found: " + req.Method}
	}
}

func decodeParams(req *jsonrpc2.Request, dst interface{}) error {
	if req.Params == nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(*req.Params, dst); err != nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	return nil
}

// rpcError maps service errors onto JSON-RPC error codes.
func rpcError(err error) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return &jsonrpc2.Error{Code: CodeNotFound, Message: err.Error()}
	}
	if statusFor(err) == http.StatusBadRequest {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	return &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()}
}
