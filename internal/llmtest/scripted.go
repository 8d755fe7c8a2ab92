// Package llmtest provides a scripted language model for tests.
package llmtest

import (
	"context"
	"errors"
	"sync"

	"github.com/lexcodex/auditia/framework"
)

// ErrExhausted is returned when the script has no reply left and no
// fallback is set.
var ErrExhausted = errors.New("llmtest: script exhausted")

// Call is one recorded model invocation.
type Call struct {
	Model    string
	Messages []framework.Message
	Tools    []string
	Options  framework.LLMOptions
}

// LastUser returns the content of the last user message.
func (c Call) LastUser() string {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == framework.RoleUser {
			return c.Messages[i].Content
		}
	}
	return ""
}

// Reply is one scripted answer.
type Reply struct {
	Text      string
	ToolCalls []framework.ToolCall
	Err       error
}

// Model replays Replies in order, then defers to Fallback.
type Model struct {
	mu       sync.Mutex
	Replies  []Reply
	Fallback func(Call) (*framework.LLMResponse, error)
	calls    []Call
	// Names records model types requested through the ModelSource API.
	names []string
}

// Text builds a model that always answers with text.
func Text(text string) *Model {
	return &Model{Fallback: func(Call) (*framework.LLMResponse, error) {
		return &framework.LLMResponse{Text: text, FinishReason: "stop"}, nil
	}}
}

// Push appends replies to the script.
func (m *Model) Push(replies ...Reply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Replies = append(m.Replies, replies...)
}

// Calls returns a copy of the recorded invocations.
func (m *Model) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Requested returns the model types asked for through Model.
func (m *Model) Requested() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.names...)
}

func (m *Model) next(call Call) (*framework.LLMResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	if len(m.Replies) > 0 {
		r := m.Replies[0]
		m.Replies = m.Replies[1:]
		m.mu.Unlock()
		if r.Err != nil {
			return nil, r.Err
		}
		return &framework.LLMResponse{Text: r.Text, ToolCalls: r.ToolCalls, Usage: map[string]int{"total_tokens": 1}}, nil
	}
	fallback := m.Fallback
	m.mu.Unlock()
	if fallback == nil {
		return nil, ErrExhausted
	}
	return fallback(call)
}

func record(messages []framework.Message, tools []framework.Tool, options *framework.LLMOptions) Call {
	call := Call{Messages: append([]framework.Message(nil), messages...)}
	for _, t := range tools {
		call.Tools = append(call.Tools, t.Name())
	}
	if options != nil {
		call.Options = *options
		call.Model = options.Model
	}
	return call
}

func (m *Model) Generate(ctx context.Context, prompt string, options *framework.LLMOptions) (*framework.LLMResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.next(record([]framework.Message{{Role: framework.RoleUser, Content: prompt}}, nil, options))
}

func (m *Model) Chat(ctx context.Context, messages []framework.Message, options *framework.LLMOptions) (*framework.LLMResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.next(record(messages, nil, options))
}

func (m *Model) ChatWithTools(ctx context.Context, messages []framework.Message, tools []framework.Tool, options *framework.LLMOptions) (*framework.LLMResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.next(record(messages, tools, options))
}

// Model lets the scripted model stand in for a model registry. Every type
// resolves to the same script.
func (m *Model) Model(ctx context.Context, name string) (framework.LanguageModel, error) {
	m.mu.Lock()
	m.names = append(m.names, name)
	m.mu.Unlock()
	return m, nil
}
