package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexcodex/auditia/framework"
)

// ToolInvocation records one tool call made during a run.
type ToolInvocation struct {
	ID      string                 `json:"id,omitempty"`
	Name    string                 `json:"name"`
	Args    map[string]interface{} `json:"args,omitempty"`
	Success bool                   `json:"success"`
	Error   string                 `json:"error,omitempty"`
}

// RunResult is the outcome of one tier run.
type RunResult struct {
	Tier        framework.Tier
	Agent       string
	Text        string
	Invocations []ToolInvocation
	Signal      *framework.Signal
	Usage       map[string]int
	Iterations  int
	Duration    time.Duration
}

// Called reports whether the run invoked the named tool successfully.
func (r *RunResult) Called(name string) bool {
	for _, inv := range r.Invocations {
		if inv.Name == name && inv.Success {
			return true
		}
	}
	return false
}

// Decision returns the decision set through signal tools.
func (r *RunResult) Decision() (framework.Decision, string) {
	return r.Signal.Decision()
}

// TierAgent runs prompts for a single tier through a chat-with-tools loop.
type TierAgent struct {
	Spec      TierSpec
	Model     framework.LanguageModel
	Tools     []framework.Tool
	Telemetry framework.Telemetry
	Logger    zerolog.Logger
}

func (a *TierAgent) maxIterations() int {
	if a.Spec.MaxToolIterations > 0 {
		return a.Spec.MaxToolIterations
	}
	return DefaultMaxToolIterations
}

func (a *TierAgent) options() *framework.LLMOptions {
	return &framework.LLMOptions{
		Temperature: a.Spec.Temperature,
		MaxTokens:   a.Spec.MaxTokens,
	}
}

func (a *TierAgent) lookup(name string) (framework.Tool, bool) {
	for _, tool := range a.Tools {
		if tool.Name() == name {
			return tool, true
		}
	}
	return nil, false
}

// Run sends prompt to the model with the tier instruction and executes the
// tool calls it requests until the model answers without calling tools or
// the iteration budget is spent.
func (a *TierAgent) Run(ctx context.Context, prompt string) (*RunResult, error) {
	if a.Model == nil {
		return nil, fmt.Errorf("%s agent missing language model", a.Spec.Tier)
	}
	started := time.Now()
	signal := &framework.Signal{}
	ctx = framework.WithSignal(framework.WithAgent(ctx, a.Spec.Name), signal)
	caseKey := ""
	if ref, ok := framework.CaseFrom(ctx); ok {
		caseKey = ref.Key()
	}
	result := &RunResult{
		Tier:   a.Spec.Tier,
		Agent:  a.Spec.Name,
		Signal: signal,
		Usage:  map[string]int{},
	}
	framework.Emit(a.Telemetry, framework.Event{
		Type:    framework.EventTierStart,
		Tier:    a.Spec.Tier,
		CaseKey: caseKey,
		Message: "tier run started",
		Metadata: map[string]interface{}{
			"agent":      a.Spec.Name,
			"prompt_len": len(prompt),
			"tools":      len(a.Tools),
		},
	})

	messages := []framework.Message{
		{Role: framework.RoleSystem, Content: a.Spec.Instruction},
		{Role: framework.RoleUser, Content: prompt},
	}
	var resp *framework.LLMResponse
	for result.Iterations < a.maxIterations() {
		var err error
		if len(a.Tools) > 0 {
			resp, err = a.Model.ChatWithTools(ctx, messages, a.Tools, a.options())
		} else {
			resp, err = a.Model.Chat(ctx, messages, a.options())
		}
		result.Iterations++
		if err != nil {
			a.emitError(caseKey, err)
			return nil, fmt.Errorf("%s run: %w", a.Spec.Tier, err)
		}
		addUsage(result.Usage, resp.Usage)
		messages = append(messages, framework.Message{
			Role:      framework.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		if len(resp.ToolCalls) == 0 {
			break
		}
		for _, call := range resp.ToolCalls {
			inv, content := a.invoke(ctx, caseKey, call)
			result.Invocations = append(result.Invocations, inv)
			messages = append(messages, framework.Message{
				Role:       framework.RoleTool,
				Name:       call.Name,
				Content:    content,
				ToolCallID: call.ID,
			})
		}
		resp = nil
	}
	if resp == nil {
		// Budget spent while tools were still being called; ask for the
		// answer without offering tools.
		final, err := a.Model.Chat(ctx, messages, a.options())
		if err != nil {
			a.emitError(caseKey, err)
			return nil, fmt.Errorf("%s run: %w", a.Spec.Tier, err)
		}
		addUsage(result.Usage, final.Usage)
		resp = final
	}
	result.Text = strings.TrimSpace(resp.Text)
	result.Duration = time.Since(started)
	decision, _ := signal.Decision()
	framework.Emit(a.Telemetry, framework.Event{
		Type:    framework.EventTierFinish,
		Tier:    a.Spec.Tier,
		CaseKey: caseKey,
		Message: "tier run finished",
		Metadata: map[string]interface{}{
			"agent":       a.Spec.Name,
			"iterations":  result.Iterations,
			"tool_calls":  len(result.Invocations),
			"decision":    string(decision),
			"duration_ms": result.Duration.Milliseconds(),
		},
	})
	return result, nil
}

func (a *TierAgent) invoke(ctx context.Context, caseKey string, call framework.ToolCall) (ToolInvocation, string) {
	inv := ToolInvocation{ID: call.ID, Name: call.Name, Args: call.Args}
	framework.Emit(a.Telemetry, framework.Event{
		Type:     framework.EventToolCall,
		Tier:     a.Spec.Tier,
		CaseKey:  caseKey,
		Message:  call.Name,
		Metadata: map[string]interface{}{"args": call.Args},
	})
	tool, ok := a.lookup(call.Name)
	var res *framework.ToolResult
	switch {
	case !ok:
		res = &framework.ToolResult{Error: fmt.Sprintf("unknown tool %s", call.Name)}
	case !tool.IsAvailable(ctx):
		res = &framework.ToolResult{Error: fmt.Sprintf("tool %s is not available", call.Name)}
	default:
		var err error
		res, err = tool.Execute(ctx, call.Args)
		if err != nil {
			a.Logger.Warn().Err(err).Str("tool", call.Name).Str("tier", string(a.Spec.Tier)).Msg("tool execution failed")
			res = &framework.ToolResult{Error: err.Error()}
		}
		if res == nil {
			res = &framework.ToolResult{Success: true}
		}
	}
	inv.Success = res.Success
	inv.Error = res.Error
	framework.Emit(a.Telemetry, framework.Event{
		Type:    framework.EventToolResult,
		Tier:    a.Spec.Tier,
		CaseKey: caseKey,
		Message: call.Name,
		Metadata: map[string]interface{}{
			"success": res.Success,
			"error":   res.Error,
		},
	})
	return inv, toolMessageContent(res)
}

func (a *TierAgent) emitError(caseKey string, err error) {
	a.Logger.Error().Err(err).Str("tier", string(a.Spec.Tier)).Str("case", caseKey).Msg("tier run failed")
	framework.Emit(a.Telemetry, framework.Event{
		Type:     framework.EventTierError,
		Tier:     a.Spec.Tier,
		CaseKey:  caseKey,
		Message:  err.Error(),
		Metadata: map[string]interface{}{"agent": a.Spec.Name},
	})
}

func toolMessageContent(res *framework.ToolResult) string {
	payload := map[string]interface{}{
		"success": res.Success,
	}
	if len(res.Data) > 0 {
		payload["data"] = res.Data
	}
	if res.Error != "" {
		payload["error"] = res.Error
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("success=%t data=%v error=%s", res.Success, res.Data, res.Error)
	}
	return string(encoded)
}

func addUsage(total, usage map[string]int) {
	for k, v := range usage {
		total[k] += v
	}
}
