package llm

import (
	"encoding/json"

	"github.com/lexcodex/auditia/framework"
)

// toolDef is the function-calling declaration understood by the OpenAI and
// Ollama chat endpoints.
type toolDef struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

func convertTools(tools []framework.Tool) []toolDef {
	defs := make([]toolDef, 0, len(tools))
	for _, tool := range tools {
		defs = append(defs, toolDef{
			Type: "function",
			Function: toolFunction{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  toolSchema(tool),
			},
		})
	}
	return defs
}

// toolSchema renders a tool's parameters as a JSON schema object.
func toolSchema(tool framework.Tool) map[string]any {
	props := make(map[string]any)
	var required []string
	for _, param := range tool.Parameters() {
		prop := map[string]any{"type": param.Type}
		if param.Description != "" {
			prop["description"] = param.Description
		}
		if param.Default != nil {
			prop["default"] = param.Default
		}
		if param.Type == "array" {
			items := param.Items
			if items == "" {
				items = "string"
			}
			prop["items"] = map[string]any{"type": items}
		}
		props[param.Name] = prop
		if param.Required {
			required = append(required, param.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// parseArguments accepts tool arguments either as a JSON object or as a
// string holding one, which is what chat completions sends.
func parseArguments(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if err := json.Unmarshal([]byte(str), &obj); err == nil {
			return obj
		}
		return map[string]any{"value": str}
	}
	return map[string]any{"_raw": string(raw)}
}

// withSystem prepends options.System unless the conversation already opens
// with a system message.
func withSystem(messages []framework.Message, options *framework.LLMOptions) []framework.Message {
	if options == nil || options.System == "" {
		return messages
	}
	if len(messages) > 0 && messages[0].Role == framework.RoleSystem {
		return messages
	}
	out := make([]framework.Message, 0, len(messages)+1)
	out = append(out, framework.Message{Role: framework.RoleSystem, Content: options.System})
	return append(out, messages...)
}
