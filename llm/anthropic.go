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

	"github.com/lexcodex/auditia/framework"
)

const (
	anthropicBaseURL      = "https://api.anthropic.com"
	anthropicVersion      = "2023-06-01"
	anthropicDefaultModel = "claude-3-7-sonnet-latest"
)

// AnthropicClient implements framework.LanguageModel over the Messages API.
type AnthropicClient struct {
	BaseURL string
	APIKey  string
	Model   string
	client  *http.Client
}

// NewAnthropicClient builds a client for the given key.
func NewAnthropicClient(apiKey, model string) *AnthropicClient {
	if model == "" {
		model = anthropicDefaultModel
	}
	return &AnthropicClient{
		BaseURL: anthropicBaseURL,
		APIKey:  apiKey,
		Model:   model,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	Content   string                 `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *AnthropicClient) Generate(ctx context.Context, prompt string, options *framework.LLMOptions) (*framework.LLMResponse, error) {
	return c.Chat(ctx, []framework.Message{{Role: framework.RoleUser, Content: prompt}}, options)
}

func (c *AnthropicClient) Chat(ctx context.Context, messages []framework.Message, options *framework.LLMOptions) (*framework.LLMResponse, error) {
	return c.ChatWithTools(ctx, messages, nil, options)
}

func (c *AnthropicClient) ChatWithTools(ctx context.Context, messages []framework.Message, tools []framework.Tool, options *framework.LLMOptions) (*framework.LLMResponse, error) {
	converted, system := toAnthropicMessages(messages)
	if options != nil && options.System != "" {
		system = strings.TrimSpace(options.System + "\n\n" + system)
	}
	maxTokens := 1024
	if options != nil && options.MaxTokens > 0 {
		maxTokens = options.MaxTokens
	}
	payload := map[string]interface{}{
		"model":      c.model(options),
		"max_tokens": maxTokens,
		"messages":   converted,
	}
	if system != "" {
		payload["system"] = system
	}
	if options != nil {
		if options.Temperature != 0 {
			payload["temperature"] = options.Temperature
		}
		if options.TopP != 0 {
			payload["top_p"] = options.TopP
		}
		if len(options.Stop) > 0 {
			payload["stop_sequences"] = options.Stop
		}
	}
	if len(tools) > 0 {
		payload["tools"] = toAnthropicTools(tools)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	respBody, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	var raw anthropicResponse
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, fmt.Errorf("anthropic decode: %w", err)
	}
	resp := &framework.LLMResponse{FinishReason: raw.StopReason}
	var text bytes.Buffer
	for _, item := range raw.Content {
		switch item.Type {
		case "text":
			text.WriteString(item.Text)
		case "tool_use":
			args := item.Input
			if args == nil {
				args = map[string]interface{}{}
			}
			resp.ToolCalls = append(resp.ToolCalls, framework.ToolCall{ID: item.ID, Name: item.Name, Args: args})
		}
	}
	resp.Text = text.String()
	if resp.Text == "" && len(resp.ToolCalls) == 0 {
		return nil, fmt.Errorf("anthropic: %w", ErrEmptyResponse)
	}
	if raw.Usage.InputTokens > 0 || raw.Usage.OutputTokens > 0 {
		resp.Usage = map[string]int{
			"prompt_tokens":     raw.Usage.InputTokens,
			"completion_tokens": raw.Usage.OutputTokens,
		}
	}
	return resp, nil
}

func (c *AnthropicClient) model(options *framework.LLMOptions) string {
	if options != nil && options.Model != "" {
		return options.Model
	}
	return c.Model
}

func (c *AnthropicClient) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.BaseURL, "/")+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", c.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("content-type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError("anthropic", resp)
	}
	return io.ReadAll(resp.Body)
}

// toAnthropicMessages lifts system messages into the top-level system field
// and maps tool results onto user turns.
func toAnthropicMessages(messages []framework.Message) ([]anthropicMessage, string) {
	var out []anthropicMessage
	var systemParts []string
	for _, msg := range messages {
		switch msg.Role {
		case framework.RoleSystem:
			if text := strings.TrimSpace(msg.Content); text != "" {
				systemParts = append(systemParts, text)
			}
		case framework.RoleTool:
			out = append(out, anthropicMessage{
				Role: framework.RoleUser,
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})
		default:
			content := []anthropicContent{}
			if msg.Content != "" {
				content = append(content, anthropicContent{Type: "text", Text: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				input := call.Args
				if input == nil {
					input = map[string]interface{}{}
				}
				content = append(content, anthropicContent{Type: "tool_use", ID: call.ID, Name: call.Name, Input: input})
			}
			out = append(out, anthropicMessage{Role: msg.Role, Content: content})
		}
	}
	return out, strings.Join(systemParts, "\n\n")
}

func toAnthropicTools(tools []framework.Tool) []anthropicTool {
	out := make([]anthropicTool, 0, len(tools))
	for _, tool := range tools {
		out = append(out, anthropicTool{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: toolSchema(tool),
		})
	}
	return out
}
