package llm

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/lexcodex/auditia/framework"
)

// Model names accepted by the registry.
const (
	ModelGemini = "gemini"
	ModelClaude = "claude"
	ModelGPT4   = "gpt4"
	ModelOllama = "ollama"
)

// RegistryConfig carries provider credentials and model ids.
type RegistryConfig struct {
	GeminiAPIKey    string
	AnthropicAPIKey string
	OpenAIAPIKey    string
	OllamaEndpoint  string
	OllamaModel     string
	// ModelIDs overrides the provider model id per registry name.
	ModelIDs   map[string]string
	HTTPClient *http.Client
	Telemetry  framework.Telemetry
	Debug      bool
	// Logger receives raw Ollama payloads when Debug is set.
	Logger zerolog.Logger
	// TracerProvider receives model call spans. Nil uses the global provider.
	TracerProvider trace.TracerProvider
}

// Builder constructs the model served under a registry name.
type Builder func(ctx context.Context) (framework.LanguageModel, error)

// Registry owns the process-wide model selection. It implements
// framework.LanguageModel by delegating to the current default, so a switch
// applies to the next call of every tier.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
	keys     map[string]string
	models   map[string]framework.LanguageModel
	current  string
}

var _ framework.LanguageModel = (*Registry)(nil)

// NewRegistry wires the hosted providers and Ollama from cfg.
func NewRegistry(cfg RegistryConfig) *Registry {
	r := &Registry{
		builders: make(map[string]Builder),
		keys:     make(map[string]string),
		models:   make(map[string]framework.LanguageModel),
	}
	modelID := func(name string) string { return cfg.ModelIDs[name] }
	wrap := func(name string, inner framework.LanguageModel) framework.LanguageModel {
		model := NewInstrumentedModel(inner, name, cfg.Telemetry, cfg.Debug)
		if cfg.TracerProvider != nil {
			model.UseTracerProvider(cfg.TracerProvider)
		}
		return model
	}
	r.keys[ModelGemini] = cfg.GeminiAPIKey
	r.builders[ModelGemini] = func(ctx context.Context) (framework.LanguageModel, error) {
		client, err := NewGeminiClient(ctx, cfg.GeminiAPIKey, modelID(ModelGemini), cfg.HTTPClient)
		if err != nil {
			return nil, err
		}
		return wrap(ModelGemini, client), nil
	}
	r.keys[ModelClaude] = cfg.AnthropicAPIKey
	r.builders[ModelClaude] = func(context.Context) (framework.LanguageModel, error) {
		client := NewAnthropicClient(cfg.AnthropicAPIKey, modelID(ModelClaude))
		if cfg.HTTPClient != nil {
			client.client = cfg.HTTPClient
		}
		return wrap(ModelClaude, client), nil
	}
	r.keys[ModelGPT4] = cfg.OpenAIAPIKey
	r.builders[ModelGPT4] = func(context.Context) (framework.LanguageModel, error) {
		client := NewOpenAIClient(cfg.OpenAIAPIKey, modelID(ModelGPT4))
		if cfg.HTTPClient != nil {
			client.client = cfg.HTTPClient
		}
		return wrap(ModelGPT4, client), nil
	}
	if cfg.OllamaEndpoint != "" || cfg.OllamaModel != "" {
		r.keys[ModelOllama] = "local"
		r.builders[ModelOllama] = func(context.Context) (framework.LanguageModel, error) {
			client := NewOllamaClient(cfg.OllamaEndpoint, cfg.OllamaModel)
			client.Debug = cfg.Debug
			client.Logger = cfg.Logger
			if cfg.HTTPClient != nil {
				client.client = cfg.HTTPClient
			}
			return wrap(ModelOllama, client), nil
		}
	}
	return r
}

// Register installs a model under name, replacing any builder. Tests use it
// to serve scripted models.
func (r *Registry) Register(name string, model framework.LanguageModel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name = normalizeName(name)
	r.keys[name] = "registered"
	r.models[name] = model
	r.builders[name] = func(context.Context) (framework.LanguageModel, error) { return model, nil }
}

// Names lists every name the registry can serve, configured or not.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Available lists names whose credentials are present.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name := range r.builders {
		if strings.TrimSpace(r.keys[name]) != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Current returns the default model name.
func (r *Registry) Current() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// SetDefault switches the model every tier uses. The name must be known and
// its API key configured.
func (r *Registry) SetDefault(ctx context.Context, name string) error {
	name = normalizeName(name)
	if _, err := r.Model(ctx, name); err != nil {
		return err
	}
	r.mu.Lock()
	r.current = name
	r.mu.Unlock()
	return nil
}

// Model returns the model for name, building it on first use.
func (r *Registry) Model(ctx context.Context, name string) (framework.LanguageModel, error) {
	name = normalizeName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if model, ok := r.models[name]; ok {
		return model, nil
	}
	build, ok := r.builders[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (expected one of %s)", ErrUnknownModel, name, strings.Join(r.sortedNames(), ", "))
	}
	if strings.TrimSpace(r.keys[name]) == "" {
		return nil, fmt.Errorf("%s: %w", name, ErrMissingAPIKey)
	}
	model, err := build(ctx)
	if err != nil {
		return nil, err
	}
	r.models[name] = model
	return model, nil
}

func (r *Registry) sortedNames() []string {
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) active(ctx context.Context) (framework.LanguageModel, error) {
	current := r.Current()
	if current == "" {
		return nil, fmt.Errorf("no default model selected: %w", ErrMissingAPIKey)
	}
	return r.Model(ctx, current)
}

func (r *Registry) Generate(ctx context.Context, prompt string, options *framework.LLMOptions) (*framework.LLMResponse, error) {
	model, err := r.active(ctx)
	if err != nil {
		return nil, err
	}
	return model.Generate(ctx, prompt, options)
}

func (r *Registry) Chat(ctx context.Context, messages []framework.Message, options *framework.LLMOptions) (*framework.LLMResponse, error) {
	model, err := r.active(ctx)
	if err != nil {
		return nil, err
	}
	return model.Chat(ctx, messages, options)
}

func (r *Registry) ChatWithTools(ctx context.Context, messages []framework.Message, tools []framework.Tool, options *framework.LLMOptions) (*framework.LLMResponse, error) {
	model, err := r.active(ctx)
	if err != nil {
		return nil, err
	}
	return model.ChatWithTools(ctx, messages, tools, options)
}

func normalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "gpt-4", "gpt4o", "openai":
		return ModelGPT4
	case "anthropic":
		return ModelClaude
	case "google":
		return ModelGemini
	}
	return name
}
