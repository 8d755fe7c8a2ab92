package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexcodex/auditia/framework"
)

const (
	// DefaultOllamaEndpoint is used when no endpoint is configured.
	DefaultOllamaEndpoint = "http://localhost:11434"
	ollamaDefaultModel    = "llama3.1"
	debugPayloadLimit     = 2048
)

// OllamaClient serves the tiers from a local Ollama server. It needs no
// credentials, so it is the backend for offline review sessions.
type OllamaClient struct {
	Endpoint string
	Model    string
	Debug    bool
	Logger   zerolog.Logger
	client   *http.Client
}

// NewOllamaClient builds a client for endpoint, falling back to the local
// default.
func NewOllamaClient(endpoint, model string) *OllamaClient {
	if endpoint == "" {
		endpoint = DefaultOllamaEndpoint
	}
	if model == "" {
		model = ollamaDefaultModel
	}
	return &OllamaClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Model:    model,
		Logger:   zerolog.Nop(),
		client:   &http.Client{Timeout: 3 * time.Minute},
	}
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options *ollamaOptions `json:"options,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []toolDef       `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float64  `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolName  string           `json:"tool_name,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

// ollamaResponse covers both /api/generate and /api/chat replies.
type ollamaResponse struct {
	Response        string         `json:"response"`
	Message         *ollamaMessage `json:"message"`
	DoneReason      string         `json:"done_reason"`
	EvalCount       int            `json:"eval_count"`
	PromptEvalCount int            `json:"prompt_eval_count"`
}

func (c *OllamaClient) Generate(ctx context.Context, prompt string, options *framework.LLMOptions) (*framework.LLMResponse, error) {
	req := ollamaGenerateRequest{
		Model:   c.model(options),
		Prompt:  prompt,
		Options: toOllamaOptions(options),
	}
	if options != nil {
		req.System = options.System
	}
	return c.post(ctx, "/api/generate", req)
}

func (c *OllamaClient) Chat(ctx context.Context, messages []framework.Message, options *framework.LLMOptions) (*framework.LLMResponse, error) {
	return c.ChatWithTools(ctx, messages, nil, options)
}

func (c *OllamaClient) ChatWithTools(ctx context.Context, messages []framework.Message, tools []framework.Tool, options *framework.LLMOptions) (*framework.LLMResponse, error) {
	req := ollamaChatRequest{
		Model:    c.model(options),
		Messages: toOllamaMessages(withSystem(messages, options)),
		Options:  toOllamaOptions(options),
	}
	if len(tools) > 0 {
		req.Tools = convertTools(tools)
	}
	return c.post(ctx, "/api/chat", req)
}

func (c *OllamaClient) model(options *framework.LLMOptions) string {
	if options != nil && options.Model != "" {
		return options.Model
	}
	return c.Model
}

func toOllamaOptions(options *framework.LLMOptions) *ollamaOptions {
	if options == nil {
		return nil
	}
	if options.Temperature == 0 && options.MaxTokens == 0 && options.TopP == 0 && len(options.Stop) == 0 {
		return nil
	}
	return &ollamaOptions{
		Temperature: options.Temperature,
		NumPredict:  options.MaxTokens,
		TopP:        options.TopP,
		Stop:        options.Stop,
	}
}

func toOllamaMessages(messages []framework.Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(messages))
	for _, msg := range messages {
		entry := ollamaMessage{Role: msg.Role, Content: msg.Content}
		if msg.Role == framework.RoleTool {
			entry.ToolName = msg.Name
		}
		for _, call := range msg.ToolCalls {
			args := call.Args
			if args == nil {
				args = map[string]any{}
			}
			encoded, _ := json.Marshal(args)
			tc := ollamaToolCall{ID: call.ID, Type: "function"}
			tc.Function.Name = call.Name
			tc.Function.Arguments = encoded
			entry.ToolCalls = append(entry.ToolCalls, tc)
		}
		out = append(out, entry)
	}
	return out
}

func (c *OllamaClient) post(ctx context.Context, path string, payload any) (*framework.LLMResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	c.debug("request", path, body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError("ollama", resp)
	}
	var raw ollamaResponse
	var buf bytes.Buffer
	if err := json.NewDecoder(io.TeeReader(resp.Body, &buf)).Decode(&raw); err != nil {
		return nil, fmt.Errorf("ollama decode: %w", err)
	}
	c.debug("response", path, buf.Bytes())
	return raw.toResponse(), nil
}

func (raw ollamaResponse) toResponse() *framework.LLMResponse {
	out := &framework.LLMResponse{
		Text:         raw.Response,
		FinishReason: raw.DoneReason,
	}
	if raw.Message != nil {
		if out.Text == "" {
			out.Text = raw.Message.Content
		}
		for _, call := range raw.Message.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, framework.ToolCall{
				ID:   call.ID,
				Name: call.Function.Name,
				Args: parseArguments(call.Function.Arguments),
			})
		}
	}
	if raw.EvalCount > 0 || raw.PromptEvalCount > 0 {
		out.Usage = map[string]int{
			"prompt_tokens":     raw.PromptEvalCount,
			"completion_tokens": raw.EvalCount,
		}
	}
	return out
}

func (c *OllamaClient) debug(kind, path string, payload []byte) {
	if !c.Debug {
		return
	}
	s := string(payload)
	if len(s) > debugPayloadLimit {
		s = s[:debugPayloadLimit] + "...(truncated)"
	}
	c.Logger.Debug().Str("provider", "ollama").Str("path", path).Msgf("%s payload: %s", kind, s)
}
