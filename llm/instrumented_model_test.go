package llm

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/embedded"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lexcodex/auditia/framework"
)

type recordingTelemetry struct {
	mu     sync.Mutex
	events []framework.Event
}

func (r *recordingTelemetry) Emit(event framework.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func TestInstrumentedModelEmitsPromptAndResponse(t *testing.T) {
	sink := &recordingTelemetry{}
	model := NewInstrumentedModel(fixedModel{text: "respuesta"}, "test", sink, false)
	ctx := framework.WithCase(context.Background(), framework.CaseRef{ClientID: "client1", SessionID: "s1"})

	resp, err := model.ChatWithTools(ctx, []framework.Message{{Role: framework.RoleUser, Content: "hola"}}, []framework.Tool{stubTool{name: "echo"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "respuesta", resp.Text)

	require.Len(t, sink.events, 2)
	assert.Equal(t, framework.EventLLMPrompt, sink.events[0].Type)
	assert.Equal(t, "client1_s1", sink.events[0].CaseKey)
	assert.Equal(t, []string{"echo"}, sink.events[0].Metadata["tool_names"])
	assert.NotContains(t, sink.events[0].Metadata, "messages")
	assert.Equal(t, framework.EventLLMResponse, sink.events[1].Type)
	assert.Equal(t, "respuesta", sink.events[1].Metadata["text_preview"])
}

func TestClip(t *testing.T) {
	assert.Equal(t, "abc", clip("abc", 10))
	assert.Equal(t, "ab...(truncated)", clip("abcdef", 2))
	assert.Equal(t, "", clip("abc", 0))
}

func TestInstrumentedModelDebugCarriesConversation(t *testing.T) {
	sink := &recordingTelemetry{}
	model := NewInstrumentedModel(fixedModel{text: "ok"}, "test", sink, true)

	_, err := model.Chat(context.Background(), []framework.Message{
		{Role: framework.RoleSystem, Content: "Eres el auditor senior."},
		{Role: framework.RoleUser, Content: "revisa"},
	}, nil)
	require.NoError(t, err)

	require.Len(t, sink.events, 2)
	prompt := sink.events[0].Metadata
	assert.Equal(t, "", sink.events[0].CaseKey)
	assert.Equal(t, []string{"system", "user"}, prompt["roles"])
	assert.Len(t, prompt["messages"], 2)
	assert.NotContains(t, prompt, "messages_preview")
	assert.Equal(t, "llm chat response", sink.events[1].Message)
}

type recordingTracerProvider struct {
	embedded.TracerProvider
	tracer *recordingTracer
}

func (p *recordingTracerProvider) Tracer(name string, _ ...trace.TracerOption) trace.Tracer {
	p.tracer.name = name
	return p.tracer
}

type recordingTracer struct {
	embedded.Tracer
	name  string
	spans []string
	attrs []attribute.KeyValue
}

func (t *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	t.spans = append(t.spans, name)
	cfg := trace.NewSpanStartConfig(opts...)
	t.attrs = append(t.attrs, cfg.Attributes()...)
	return ctx, noop.Span{}
}

func TestInstrumentedModelUsesTracerProvider(t *testing.T) {
	provider := &recordingTracerProvider{tracer: &recordingTracer{}}
	model := NewInstrumentedModel(fixedModel{text: "ok"}, "ollama", nil, false)
	model.UseTracerProvider(provider)
	ctx := framework.WithCase(context.Background(), framework.CaseRef{ClientID: "client1", SessionID: "s1"})

	_, err := model.Generate(ctx, "hola", &framework.LLMOptions{Model: "llama3.1"})
	require.NoError(t, err)

	tracer := provider.tracer
	assert.Equal(t, tracerName, tracer.name)
	assert.Equal(t, []string{"llm.generate"}, tracer.spans)
	assert.Contains(t, tracer.attrs, attribute.String("llm.provider", "ollama"))
	assert.Contains(t, tracer.attrs, attribute.String("llm.model", "llama3.1"))
	assert.Contains(t, tracer.attrs, attribute.String("audit.case", "client1_s1"))
}
