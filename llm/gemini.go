package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/lexcodex/auditia/framework"
)

const geminiDefaultModel = "gemini-2.0-flash"

// GeminiClient implements framework.LanguageModel through the genai SDK.
type GeminiClient struct {
	Model  string
	client *genai.Client
}

// NewGeminiClient connects to the Gemini API. httpClient may be nil.
func NewGeminiClient(ctx context.Context, apiKey, model string, httpClient *http.Client) (*GeminiClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini: %w", ErrMissingAPIKey)
	}
	if model == "" {
		model = geminiDefaultModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &GeminiClient{Model: model, client: client}, nil
}

func (c *GeminiClient) Generate(ctx context.Context, prompt string, options *framework.LLMOptions) (*framework.LLMResponse, error) {
	return c.Chat(ctx, []framework.Message{{Role: framework.RoleUser, Content: prompt}}, options)
}

func (c *GeminiClient) Chat(ctx context.Context, messages []framework.Message, options *framework.LLMOptions) (*framework.LLMResponse, error) {
	return c.ChatWithTools(ctx, messages, nil, options)
}

func (c *GeminiClient) ChatWithTools(ctx context.Context, messages []framework.Message, tools []framework.Tool, options *framework.LLMOptions) (*framework.LLMResponse, error) {
	contents, system := toGeminiContents(messages)
	config := geminiConfig(options, system)
	if len(tools) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: toGeminiDeclarations(tools)}}
	}
	model := c.Model
	if options != nil && options.Model != "" {
		model = options.Model
	}
	resp, err := c.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	return fromGeminiResponse(resp)
}

func geminiConfig(options *framework.LLMOptions, system string) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if options != nil {
		if options.System != "" {
			system = strings.TrimSpace(options.System + "\n\n" + system)
		}
		if options.Temperature != 0 {
			t := float32(options.Temperature)
			config.Temperature = &t
		}
		if options.TopP != 0 {
			p := float32(options.TopP)
			config.TopP = &p
		}
		if options.MaxTokens > 0 {
			config.MaxOutputTokens = int32(options.MaxTokens)
		}
		config.StopSequences = options.Stop
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	return config
}

// toGeminiContents converts the conversation. Gemini names the assistant
// role "model" and carries tool results as function responses.
func toGeminiContents(messages []framework.Message) ([]*genai.Content, string) {
	var contents []*genai.Content
	var systemParts []string
	for _, msg := range messages {
		switch msg.Role {
		case framework.RoleSystem:
			if text := strings.TrimSpace(msg.Content); text != "" {
				systemParts = append(systemParts, text)
			}
		case framework.RoleTool:
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
					ID:       msg.ToolCallID,
					Name:     msg.Name,
					Response: toolResponsePayload(msg.Content),
				}}},
			})
		case framework.RoleAssistant:
			content := &genai.Content{Role: "model"}
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				content.Parts = append(content.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   call.ID,
					Name: call.Name,
					Args: call.Args,
				}})
			}
			contents = append(contents, content)
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: msg.Content}}})
		}
	}
	return contents, strings.Join(systemParts, "\n\n")
}

func toolResponsePayload(content string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(content), &obj); err == nil {
		return obj
	}
	return map[string]any{"output": content}
}

func toGeminiDeclarations(tools []framework.Tool) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		schema := &genai.Schema{Type: genai.TypeObject, Properties: map[string]*genai.Schema{}}
		for _, param := range tool.Parameters() {
			prop := &genai.Schema{Type: geminiType(param.Type), Description: param.Description}
			if prop.Type == genai.TypeArray {
				items := param.Items
				if items == "" {
					items = "string"
				}
				prop.Items = &genai.Schema{Type: geminiType(items)}
			}
			schema.Properties[param.Name] = prop
			if param.Required {
				schema.Required = append(schema.Required, param.Name)
			}
		}
		out = append(out, &genai.FunctionDeclaration{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  schema,
		})
	}
	return out
}

func geminiType(t string) genai.Type {
	switch strings.ToLower(t) {
	case "number", "float":
		return genai.TypeNumber
	case "integer", "int":
		return genai.TypeInteger
	case "boolean", "bool":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

func fromGeminiResponse(resp *genai.GenerateContentResponse) (*framework.LLMResponse, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini: %w", ErrEmptyResponse)
	}
	out := &framework.LLMResponse{
		Text:         resp.Text(),
		FinishReason: string(resp.Candidates[0].FinishReason),
	}
	for i, call := range resp.FunctionCalls() {
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		args := call.Args
		if args == nil {
			args = map[string]interface{}{}
		}
		out.ToolCalls = append(out.ToolCalls, framework.ToolCall{ID: id, Name: call.Name, Args: args})
	}
	if usage := resp.UsageMetadata; usage != nil {
		out.Usage = map[string]int{
			"prompt_tokens":     int(usage.PromptTokenCount),
			"completion_tokens": int(usage.CandidatesTokenCount),
		}
	}
	if out.Text == "" && len(out.ToolCalls) == 0 {
		return nil, fmt.Errorf("gemini: %w", ErrEmptyResponse)
	}
	return out, nil
}
