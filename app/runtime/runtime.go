// Package runtime wires configuration into a running escalation service. The
// CLI, the console and the servers all start from a Runtime.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/lexcodex/auditia/agents"
	"github.com/lexcodex/auditia/escalation"
	"github.com/lexcodex/auditia/framework"
	"github.com/lexcodex/auditia/internal/config"
	"github.com/lexcodex/auditia/internal/logging"
	"github.com/lexcodex/auditia/llm"
	"github.com/lexcodex/auditia/persistence"
	"github.com/lexcodex/auditia/server"
	"github.com/lexcodex/auditia/tools"
)

// Runtime owns the long-lived services of one process.
type Runtime struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Models  *llm.Registry
	Store   escalation.Store
	Audit   *framework.RingAuditLog
	Service *escalation.Service

	closers []func() error

	serverMu     sync.Mutex
	serverCancel context.CancelFunc
}

// Options customize New. Zero values use the configured behavior.
type Options struct {
	// LogOutput replaces the configured log destination.
	LogOutput io.Writer
	// Models replaces the provider registry, mostly for tests.
	Models *llm.Registry
	// TracerProvider receives model call spans. Nil uses the global provider.
	TracerProvider trace.TracerProvider
}

// New builds a runtime from cfg. Close releases log files and databases.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("runtime: config missing")
	}
	rt := &Runtime{Config: cfg}
	var (
		logger zerolog.Logger
		err    error
	)
	if opts.LogOutput != nil {
		logger, err = logging.NewWriter(cfg.Logging, opts.LogOutput)
	} else {
		var closeLog func() error
		logger, closeLog, err = logging.New(cfg.Logging)
		if closeLog != nil {
			rt.closers = append(rt.closers, closeLog)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	rt.Logger = logger
	var telemetry framework.Telemetry = framework.LoggerTelemetry{Logger: logger}
	if cfg.Telemetry.File != "" {
		sink, err := framework.NewJSONFileTelemetry(cfg.Telemetry.File)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		rt.closers = append(rt.closers, sink.Close)
		telemetry = framework.MultiplexTelemetry{Sinks: []framework.Telemetry{telemetry, sink}}
	}

	rt.Models = opts.Models
	if rt.Models == nil {
		rt.Models = llm.NewRegistry(llm.RegistryConfig{
			GeminiAPIKey:    cfg.Models.GeminiAPIKey,
			AnthropicAPIKey: cfg.Models.AnthropicAPIKey,
			OpenAIAPIKey:    cfg.Models.OpenAIAPIKey,
			OllamaEndpoint:  cfg.Models.OllamaEndpoint,
			OllamaModel:     cfg.Models.OllamaModel,
			ModelIDs:        cfg.Models.IDs,
			Telemetry:       telemetry,
			Debug:           cfg.Logging.LLMDebug,
			Logger:          logger,
			TracerProvider:  opts.TracerProvider,
		})
	}
	if err := rt.Models.SetDefault(ctx, cfg.Models.Default); err != nil {
		available := rt.Models.Available()
		if len(available) == 0 {
			logger.Warn().Err(err).Msg("no language model has credentials; requests will fail")
		} else if ferr := rt.Models.SetDefault(ctx, available[0]); ferr == nil {
			logger.Warn().Err(err).Str("model", available[0]).Msg("default model unavailable, falling back")
		}
	}

	sessions, actions, err := rt.openStorage(cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Audit = framework.NewRingAuditLog(cfg.Audit.Capacity)

	registry, err := tools.NewRegistry(tools.Deps{
		Store:   rt.Store,
		Audit:   rt.Audit,
		Actions: actions,
		Now:     time.Now,
	})
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("tools: %w", err)
	}
	overrides, err := cfg.Overrides()
	if err != nil {
		rt.Close()
		return nil, err
	}
	factory, err := agents.NewFactory(rt.Models, registry, overrides)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("agents: %w", err)
	}
	factory.Telemetry = telemetry
	factory.Logger = logger

	rt.Service, err = escalation.NewService(escalation.Options{
		Agents:    factory,
		Store:     rt.Store,
		Sessions:  sessions,
		Audit:     rt.Audit,
		Telemetry: telemetry,
		Logger:    logger,
		UploadDir: cfg.Storage.UploadDir,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	logger.Info().
		Str("storage", cfg.Storage.Backend).
		Str("dir", cfg.Storage.Dir).
		Str("model", rt.Models.Current()).
		Msg("runtime ready")
	return rt, nil
}

func (rt *Runtime) openStorage(cfg *config.Config) (persistence.SessionStore, persistence.ActionLog, error) {
	if err := os.MkdirAll(cfg.Storage.Dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create storage dir: %w", err)
	}
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		db, err := persistence.NewSQLiteStore(cfg.DatabasePath())
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		rt.closers = append(rt.closers, db.Close)
		rt.Store = db
		return db.Sessions(), db.Actions(), nil
	default:
		store, err := persistence.NewFileEscalationStore(cfg.Storage.Dir)
		if err != nil {
			return nil, nil, err
		}
		sessions, err := persistence.NewFileSessionStore(cfg.SessionsDir())
		if err != nil {
			return nil, nil, err
		}
		store.OnQuarantine = rt.quarantined
		rt.Store = store
		return sessions, persistence.NewMemoryActionLog(), nil
	}
}

// quarantined reports a record file the store moved aside because it could
// not be read.
func (rt *Runtime) quarantined(ref framework.CaseRef, tier framework.Tier, path string, cause error) {
	rt.Logger.Warn().
		Err(cause).
		Str("case", ref.String()).
		Str("tier", string(tier)).
		Str("path", path).
		Msg("unreadable escalation record quarantined")
	if rt.Audit == nil {
		return
	}
	_, _ = rt.Audit.Record(context.Background(), framework.AuditEvent{
		TeamID:     ref.TeamID(),
		AgentName:  tier.AgentName(),
		EventType:  framework.AuditEscalationError,
		Importance: framework.ImportanceHigh,
		Details: map[string]interface{}{
			"client_id":   ref.ClientID,
			"session_id":  ref.SessionID,
			"tier":        string(tier),
			"error":       cause.Error(),
			"quarantined": path,
		},
	})
}

// APIServer returns an HTTP server over the runtime's service.
func (rt *Runtime) APIServer() *server.APIServer {
	return &server.APIServer{
		Service:        rt.Service,
		Models:         rt.Models,
		Logger:         rt.Logger,
		HandlerTimeout: rt.Config.Server.HandlerTimeout,
		AllowedOrigins: rt.Config.Server.AllowedOrigins,
	}
}

// RPCServer returns a JSON-RPC server over the runtime's service.
func (rt *Runtime) RPCServer(notify bool) *server.RPCServer {
	return &server.RPCServer{
		Service: rt.Service,
		Models:  rt.Models,
		Logger:  rt.Logger,
		Notify:  notify,
	}
}

// Send forwards one client message.
func (rt *Runtime) Send(ctx context.Context, req escalation.Request) (*escalation.Response, error) {
	return rt.Service.Handle(ctx, req)
}

// SwitchModel changes the default model for every tier.
func (rt *Runtime) SwitchModel(ctx context.Context, name string) server.ModelSettingsResponse {
	return server.SwitchModel(ctx, rt.Models, rt.Service, rt.Logger, name)
}

// StartServer launches the HTTP API in the background. The returned function
// stops it.
func (rt *Runtime) StartServer(ctx context.Context, addr string) (func(context.Context) error, error) {
	rt.serverMu.Lock()
	defer rt.serverMu.Unlock()
	if rt.serverCancel != nil {
		return nil, errors.New("server already running")
	}
	if addr == "" {
		addr = rt.Config.Server.Addr
	}
	serverCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	api := rt.APIServer()
	go func() {
		done <- api.ServeContext(serverCtx, addr)
	}()
	// Surface immediate bind failures.
	select {
	case err := <-done:
		cancel()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return nil, err
		}
		return nil, errors.New("server exited")
	case <-time.After(100 * time.Millisecond):
	}
	rt.serverCancel = cancel
	stop := func(stopCtx context.Context) error {
		rt.serverMu.Lock()
		if rt.serverCancel != nil {
			rt.serverCancel()
			rt.serverCancel = nil
		}
		rt.serverMu.Unlock()
		select {
		case err := <-done:
			if errors.Is(err, http.ErrServerClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case <-stopCtx.Done():
			return stopCtx.Err()
		}
	}
	return stop, nil
}

// ServerRunning reports whether StartServer is active.
func (rt *Runtime) ServerRunning() bool {
	rt.serverMu.Lock()
	defer rt.serverMu.Unlock()
	return rt.serverCancel != nil
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close() error {
	rt.serverMu.Lock()
	if rt.serverCancel != nil {
		rt.serverCancel()
		rt.serverCancel = nil
	}
	rt.serverMu.Unlock()
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// CurrentModel names the default model.
func (rt *Runtime) CurrentModel() string {
	return rt.Models.Current()
}

// CaseState reports where a case stands.
func (rt *Runtime) CaseState(ctx context.Context, ref framework.CaseRef) (framework.CaseState, []framework.Tier, error) {
	return rt.Service.CaseState(ctx, ref)
}

// Report loads the final report of a case.
func (rt *Runtime) Report(ctx context.Context, ref framework.CaseRef) (*framework.Report, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	return rt.Store.LoadReport(ctx, ref)
}

// Upload stores a document and sends it to the case's current tier.
func (rt *Runtime) Upload(ctx context.Context, req escalation.UploadRequest) (*escalation.UploadResponse, error) {
	return rt.Service.Upload(ctx, req)
}
