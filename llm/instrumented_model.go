package llm

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lexcodex/auditia/framework"
)

const (
	tracerName      = "github.com/lexcodex/auditia/llm"
	previewChars    = 1024
	debugChars      = 8192
	previewMessages = 20
)

// InstrumentedModel wraps a LanguageModel. Each call opens an OpenTelemetry
// span tagged with the case under review and emits an llm_prompt and an
// llm_response telemetry event. With Debug set the events carry the full
// conversation instead of a preview.
type InstrumentedModel struct {
	Inner     framework.LanguageModel
	Telemetry framework.Telemetry
	Provider  string
	Debug     bool
	tracer    trace.Tracer
}

func NewInstrumentedModel(inner framework.LanguageModel, provider string, telemetry framework.Telemetry, debug bool) *InstrumentedModel {
	return &InstrumentedModel{
		Inner:     inner,
		Telemetry: telemetry,
		Provider:  provider,
		Debug:     debug,
		tracer:    otel.Tracer(tracerName),
	}
}

// UseTracerProvider sends spans to tp instead of the global provider.
func (m *InstrumentedModel) UseTracerProvider(tp trace.TracerProvider) {
	m.tracer = tp.Tracer(tracerName)
}

// llmCall describes one request for spans and telemetry.
type llmCall struct {
	kind     string
	options  *framework.LLMOptions
	prompt   string
	messages []framework.Message
	tools    []framework.Tool
}

func (m *InstrumentedModel) Generate(ctx context.Context, prompt string, options *framework.LLMOptions) (*framework.LLMResponse, error) {
	call := llmCall{kind: "generate", options: options, prompt: prompt}
	return m.observe(ctx, call, func(ctx context.Context) (*framework.LLMResponse, error) {
		return m.Inner.Generate(ctx, prompt, options)
	})
}

func (m *InstrumentedModel) Chat(ctx context.Context, messages []framework.Message, options *framework.LLMOptions) (*framework.LLMResponse, error) {
	call := llmCall{kind: "chat", options: options, messages: messages}
	return m.observe(ctx, call, func(ctx context.Context) (*framework.LLMResponse, error) {
		return m.Inner.Chat(ctx, messages, options)
	})
}

func (m *InstrumentedModel) ChatWithTools(ctx context.Context, messages []framework.Message, tools []framework.Tool, options *framework.LLMOptions) (*framework.LLMResponse, error) {
	call := llmCall{kind: "chat_with_tools", options: options, messages: messages, tools: tools}
	return m.observe(ctx, call, func(ctx context.Context) (*framework.LLMResponse, error) {
		return m.Inner.ChatWithTools(ctx, messages, tools, options)
	})
}

func (m *InstrumentedModel) observe(ctx context.Context, call llmCall, do func(context.Context) (*framework.LLMResponse, error)) (*framework.LLMResponse, error) {
	tracer := m.tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	attrs := []attribute.KeyValue{
		attribute.String("llm.provider", m.Provider),
		attribute.String("llm.model", modelFromOptions(call.options)),
		attribute.Int("llm.tool_count", len(call.tools)),
	}
	ref, hasCase := framework.CaseFrom(ctx)
	if hasCase {
		attrs = append(attrs, attribute.String("audit.case", ref.Key()))
	}
	ctx, span := tracer.Start(ctx, "llm."+call.kind, trace.WithAttributes(attrs...))
	defer span.End()

	m.emit(ctx, framework.EventLLMPrompt, call.kind, m.promptMetadata(call))
	resp, err := do(ctx)

	result := map[string]interface{}{}
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		result["error"] = err.Error()
	case resp != nil:
		span.SetAttributes(
			attribute.Int("llm.tool_calls", len(resp.ToolCalls)),
			attribute.String("llm.finish_reason", resp.FinishReason),
		)
		result["finish_reason"] = resp.FinishReason
		result["text_preview"] = clip(resp.Text, previewChars)
		result["usage"] = resp.Usage
		if len(resp.ToolCalls) > 0 {
			names := make([]string, 0, len(resp.ToolCalls))
			for _, tc := range resp.ToolCalls {
				names = append(names, tc.Name)
			}
			result["tool_calls"] = names
		}
	}
	m.emit(ctx, framework.EventLLMResponse, call.kind, result)
	return resp, err
}

func (m *InstrumentedModel) promptMetadata(call llmCall) map[string]interface{} {
	meta := map[string]interface{}{
		"model":         modelFromOptions(call.options),
		"message_count": len(call.messages),
		"tool_count":    len(call.tools),
	}
	if call.prompt != "" {
		meta["prompt_chars"] = len(call.prompt)
		meta["prompt_preview"] = clip(call.prompt, previewChars)
		if m.Debug {
			meta["prompt"] = clip(call.prompt, debugChars)
		}
	}
	if len(call.tools) > 0 {
		names := make([]string, 0, len(call.tools))
		for _, t := range call.tools {
			names = append(names, t.Name())
		}
		meta["tool_names"] = names
	}
	if len(call.messages) == 0 {
		return meta
	}
	roles := make([]string, 0, len(call.messages))
	for _, msg := range call.messages {
		roles = append(roles, msg.Role)
	}
	meta["roles"] = roles
	limit, width, key := previewMessages, 512, "messages_preview"
	if m.Debug {
		limit, width, key = len(call.messages), debugChars, "messages"
	}
	entries := make([]map[string]interface{}, 0, min(limit, len(call.messages)))
	for _, msg := range call.messages[:min(limit, len(call.messages))] {
		entries = append(entries, map[string]interface{}{
			"role":    msg.Role,
			"name":    msg.Name,
			"content": clip(msg.Content, width),
		})
	}
	meta[key] = entries
	return meta
}

func (m *InstrumentedModel) emit(ctx context.Context, typ framework.EventType, kind string, fields map[string]interface{}) {
	if m == nil || m.Telemetry == nil {
		return
	}
	fields["kind"] = kind
	fields["provider"] = m.Provider
	label := "prompt"
	if typ == framework.EventLLMResponse {
		label = "response"
	}
	framework.Emit(m.Telemetry, framework.Event{
		Type:     typ,
		CaseKey:  caseKey(ctx),
		Message:  fmt.Sprintf("llm %s %s", kind, label),
		Metadata: fields,
	})
}

func modelFromOptions(options *framework.LLMOptions) string {
	if options != nil {
		return options.Model
	}
	return ""
}

func caseKey(ctx context.Context) string {
	if ref, ok := framework.CaseFrom(ctx); ok {
		return ref.Key()
	}
	return ""
}

func clip(s string, max int) string {
	if max <= 0 {
		return ""
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
