package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexcodex/auditia/framework"
)

type fixedModel struct {
	text string
}

func (m fixedModel) Generate(ctx context.Context, prompt string, options *framework.LLMOptions) (*framework.LLMResponse, error) {
	return &framework.LLMResponse{Text: m.text}, nil
}

func (m fixedModel) Chat(ctx context.Context, messages []framework.Message, options *framework.LLMOptions) (*framework.LLMResponse, error) {
	return &framework.LLMResponse{Text: m.text}, nil
}

func (m fixedModel) ChatWithTools(ctx context.Context, messages []framework.Message, tools []framework.Tool, options *framework.LLMOptions) (*framework.LLMResponse, error) {
	return &framework.LLMResponse{Text: m.text}, nil
}

func TestRegistrySetDefaultRequiresKey(t *testing.T) {
	reg := NewRegistry(RegistryConfig{AnthropicAPIKey: "sk-ant"})
	ctx := context.Background()

	err := reg.SetDefault(ctx, "gpt4")
	assert.ErrorIs(t, err, ErrMissingAPIKey)
	assert.Empty(t, reg.Current())

	err = reg.SetDefault(ctx, "llama")
	assert.ErrorIs(t, err, ErrUnknownModel)

	require.NoError(t, reg.SetDefault(ctx, "Claude"))
	assert.Equal(t, ModelClaude, reg.Current())
	assert.Equal(t, []string{ModelClaude}, reg.Available())
	assert.ElementsMatch(t, []string{ModelClaude, ModelGemini, ModelGPT4}, reg.Names())
}

func TestRegistryDelegatesToCurrent(t *testing.T) {
	reg := NewRegistry(RegistryConfig{})
	reg.Register("one", fixedModel{text: "uno"})
	reg.Register("two", fixedModel{text: "dos"})
	ctx := context.Background()

	_, err := reg.Generate(ctx, "x", nil)
	assert.Error(t, err)

	require.NoError(t, reg.SetDefault(ctx, "one"))
	resp, err := reg.Chat(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "uno", resp.Text)

	require.NoError(t, reg.SetDefault(ctx, "two"))
	resp, err = reg.ChatWithTools(ctx, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "dos", resp.Text)
}

func TestRegistryOllamaNeedsNoKey(t *testing.T) {
	reg := NewRegistry(RegistryConfig{OllamaEndpoint: "http://localhost:11434", OllamaModel: "llama3.1"})
	require.NoError(t, reg.SetDefault(context.Background(), ModelOllama))
	model, err := reg.Model(context.Background(), ModelOllama)
	require.NoError(t, err)
	assert.IsType(t, &InstrumentedModel{}, model)
}

func TestRegistryPassesTracerProvider(t *testing.T) {
	provider := &recordingTracerProvider{tracer: &recordingTracer{}}
	reg := NewRegistry(RegistryConfig{OllamaEndpoint: "http://localhost:11434", TracerProvider: provider})
	model, err := reg.Model(context.Background(), ModelOllama)
	require.NoError(t, err)
	instrumented, ok := model.(*InstrumentedModel)
	require.True(t, ok)
	assert.Same(t, provider.tracer, instrumented.tracer)
}
