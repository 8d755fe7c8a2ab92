package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexcodex/auditia/escalation"
	"github.com/lexcodex/auditia/framework"
	"github.com/lexcodex/auditia/ingest"
	"github.com/lexcodex/auditia/llm"
	"github.com/lexcodex/auditia/persistence"
)

// DefaultHandlerTimeout bounds one chat or upload request.
const DefaultHandlerTimeout = 5 * time.Minute

const defaultEventLimit = 50

// ModelSwitcher selects the process-wide default model.
type ModelSwitcher interface {
	SetDefault(ctx context.Context, name string) error
	Current() string
	Available() []string
}

// APIServer exposes the escalation service over HTTP.
type APIServer struct {
	Service        *escalation.Service
	Models         ModelSwitcher
	Logger         zerolog.Logger
	HandlerTimeout time.Duration
	// AllowedOrigins restricts websocket upgrades; empty allows all.
	AllowedOrigins []string
	PingInterval   time.Duration
}

// AssistantRequest is the body of POST /api/assistant.
type AssistantRequest struct {
	Message   string `json:"message"`
	ClientID  string `json:"client_id"`
	SessionID string `json:"session_id,omitempty"`
	ModelType string `json:"model_type,omitempty"`
	AgentType string `json:"agent_type,omitempty"`
}

// ModelSettings is the body of POST /api/settings/model.
type ModelSettings struct {
	ModelType string `json:"model_type"`
}

// ModelSettingsResponse reports the outcome of a model switch.
type ModelSettingsResponse struct {
	Success   bool     `json:"success"`
	Message   string   `json:"message"`
	ModelType string   `json:"model_type"`
	Available []string `json:"available,omitempty"`
}

// CaseResponse is returned by GET /api/cases/{session_id}.
type CaseResponse struct {
	ClientID  string              `json:"client_id"`
	SessionID string              `json:"session_id"`
	State     framework.CaseState `json:"state"`
	Pending   []framework.Tier    `json:"pending"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Serve starts listening on the provided address.
func (s *APIServer) Serve(addr string) error {
	return s.ServeContext(context.Background(), addr)
}

// ServeContext allows the caller to control shutdown via context cancellation.
func (s *APIServer) ServeContext(ctx context.Context, addr string) error {
	server := s.newHTTPServer(addr)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	s.Logger.Info().Str("addr", addr).Msg("API listening")
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *APIServer) newHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Handler returns the route table.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/assistant", s.handleAssistant)
	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.HandleFunc("GET /api/report/{session_id}", s.handleReport)
	mux.HandleFunc("GET /api/reports", s.handleReports)
	mux.HandleFunc("GET /api/cases/{session_id}", s.handleCase)
	mux.HandleFunc("GET /api/audit/events", s.handleAuditEvents)
	mux.HandleFunc("GET /ws/audit", s.handleAuditStream)
	mux.HandleFunc("POST /api/settings/model", s.handleModelSettings)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	return mux
}

func (s *APIServer) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	timeout := s.HandlerTimeout
	if timeout <= 0 {
		timeout = DefaultHandlerTimeout
	}
	return context.WithTimeout(r.Context(), timeout)
}

func (s *APIServer) handleAssistant(w http.ResponseWriter, r *http.Request) {
	var req AssistantRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tier, _, err := framework.ParseTier(req.AgentType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	resp, err := s.Service.Handle(ctx, escalation.Request{
		ClientID:  req.ClientID,
		SessionID: req.SessionID,
		Message:   req.Message,
		ModelType: req.ModelType,
		Tier:      tier,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, ingest.MaxFileSize+(1<<20))
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("%s. Límite: %dMB.", ingest.ErrTooLarge, ingest.MaxFileSize/(1024*1024)))
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "falta el archivo: "+err.Error())
		return
	}
	defer file.Close()

	ctx, cancel := s.requestContext(r)
	defer cancel()
	query := r.URL.Query()
	resp, err := s.Service.Upload(ctx, escalation.UploadRequest{
		ClientID:  r.FormValue("client_id"),
		SessionID: r.FormValue("session_id"),
		FileName:  header.Filename,
		Size:      header.Size,
		Content:   file,
		ModelType: query.Get("model_type"),
		AgentType: query.Get("agent_type"),
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleReport(w http.ResponseWriter, r *http.Request) {
	ref := framework.CaseRef{ClientID: r.URL.Query().Get("client_id"), SessionID: r.PathValue("session_id")}
	if err := ref.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := s.Service.Store().LoadReport(r.Context(), ref)
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Informe no encontrado")
		return
	}
	if err != nil {
		s.Logger.Error().Err(err).Str("case", ref.Key()).Msg("loading report failed")
		writeError(w, http.StatusInternalServerError, "Error al procesar el informe: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := RenderReport(w, report); err != nil {
		s.Logger.Error().Err(err).Str("case", ref.Key()).Msg("rendering report failed")
	}
}

func (s *APIServer) handleReports(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID != "" {
		if err := framework.ValidateClientID(clientID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	reports, err := s.Service.Store().ListReports(r.Context(), clientID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if reports == nil {
		reports = []*framework.Report{}
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *APIServer) handleCase(w http.ResponseWriter, r *http.Request) {
	ref := framework.CaseRef{ClientID: r.URL.Query().Get("client_id"), SessionID: r.PathValue("session_id")}
	state, pending, err := s.Service.CaseState(r.Context(), ref)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if pending == nil {
		pending = []framework.Tier{}
	}
	writeJSON(w, http.StatusOK, CaseResponse{
		ClientID:  ref.ClientID,
		SessionID: ref.SessionID,
		State:     state,
		Pending:   pending,
	})
}

func (s *APIServer) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := framework.AuditQuery{
		TeamID:    query.Get("team_id"),
		AgentName: query.Get("agent_name"),
		EventType: framework.AuditEventType(query.Get("event_type")),
		Limit:     defaultEventLimit,
	}
	if importance := query.Get("importance"); importance != "" {
		filter.Importance = framework.ParseImportance(importance)
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}
	events, err := s.Service.Audit().Query(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *APIServer) handleModelSettings(w http.ResponseWriter, r *http.Request) {
	var req ModelSettings
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp := SwitchModel(r.Context(), s.Models, s.Service, s.Logger, req.ModelType)
	writeJSON(w, http.StatusOK, resp)
}

// SwitchModel changes the default model and records a model_change event.
// Failures are reported in the response rather than as an error.
func SwitchModel(ctx context.Context, models ModelSwitcher, svc *escalation.Service, logger zerolog.Logger, name string) ModelSettingsResponse {
	if models == nil {
		return ModelSettingsResponse{Message: "no hay modelos configurados"}
	}
	previous := models.Current()
	if err := models.SetDefault(ctx, name); err != nil {
		msg := fmt.Sprintf("Error al cambiar el modelo: %v", err)
		switch {
		case errors.Is(err, llm.ErrUnknownModel):
			msg = fmt.Sprintf("Modelo no soportado: %s.", name)
		case errors.Is(err, llm.ErrMissingAPIKey):
			msg = fmt.Sprintf("La llave API para %s no está configurada.", name)
		}
		return ModelSettingsResponse{Message: msg, ModelType: previous, Available: models.Available()}
	}
	current := models.Current()
	if _, err := svc.Audit().Record(ctx, framework.AuditEvent{
		TeamID:     "system",
		AgentName:  "system",
		EventType:  framework.AuditModelChange,
		Importance: framework.ImportanceHigh,
		Details:    map[string]interface{}{"model_type": current, "previous": previous},
	}); err != nil {
		logger.Warn().Err(err).Msg("recording model change failed")
	}
	logger.Info().Str("model", current).Str("previous", previous).Msg("default model changed")
	return ModelSettingsResponse{
		Success:   true,
		Message:   "Modelo cambiado exitosamente a " + current,
		ModelType: current,
		Available: models.Available(),
	}
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "ok"}
	if s.Models != nil {
		body["model"] = s.Models.Current()
	}
	writeJSON(w, http.StatusOK, body)
}

// writeServiceError maps service errors onto HTTP status codes.
func (s *APIServer) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.Logger.Error().Err(err).Msg("request failed")
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, framework.ErrInvalidClientID),
		errors.Is(err, framework.ErrInvalidSessionID),
		errors.Is(err, escalation.ErrEmptyMessage),
		errors.Is(err, framework.ErrUnknownTier),
		errors.Is(err, ingest.ErrUnsupportedType),
		errors.Is(err, ingest.ErrTooLarge),
		errors.Is(err, ingest.ErrEmptyName),
		errors.Is(err, llm.ErrUnknownModel):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// Client went away; nobody reads the body.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
