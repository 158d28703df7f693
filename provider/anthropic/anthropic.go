// Package anthropic adapts the Anthropic Messages API to provider.Provider.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	shai "github.com/MyEcoria/shai"
)

const defaultMaxTokens = 4096

// Provider implements provider.Provider against Claude models.
type Provider struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

// New creates a Provider. model is used when a request's Model field is empty.
func New(apiKey, model string) *Provider {
	return &Provider{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: defaultMaxTokens,
	}
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "anthropic" }

// Chat sends req to the Messages API. Anthropic has no StructuredOutput mode
// of its own; StructuredOutput and Parsing both fall back to a plain call
// with no native tool affordance.
func (p *Provider) Chat(ctx context.Context, req shai.ChatCompletionRequest, tools []shai.ToolDefinition, method shai.ToolCallMethod) (shai.ChatCompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	var system []anthropic.TextBlockParam
	messages, err := convertMessages(req.Messages, &system)
	if err != nil {
		return shai.ChatCompletionResponse{}, &shai.ErrLLM{Provider: "anthropic", Message: err.Error()}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(p.maxTokens),
	}
	if len(system) > 0 {
		params.System = system
	}

	if method == shai.FunctionCall || method == shai.FunctionCallRequired {
		toolParams, err := convertTools(tools)
		if err != nil {
			return shai.ChatCompletionResponse{}, &shai.ErrLLM{Provider: "anthropic", Message: err.Error()}
		}
		params.Tools = toolParams
		if method == shai.FunctionCallRequired && len(toolParams) > 0 {
			params.ToolChoice = anthropic.ToolChoiceParamOfAny()
		}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if ok := asAnthropicError(err, &apiErr); ok {
			return shai.ChatCompletionResponse{}, &shai.ErrHTTP{Status: apiErr.StatusCode, Body: apiErr.Error()}
		}
		return shai.ChatCompletionResponse{}, &shai.ErrLLM{Provider: "anthropic", Message: err.Error()}
	}

	return shai.ChatCompletionResponse{
		Content:          extractText(msg),
		ToolCalls:        extractToolCalls(msg),
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}, nil
}

func asAnthropicError(err error, target **anthropic.Error) bool {
	if ae, ok := err.(*anthropic.Error); ok {
		*target = ae
		return true
	}
	return false
}

func extractText(msg *anthropic.Message) string {
	var out string
	for _, block := range msg.Content {
		if t := block.AsText(); t.Text != "" {
			out += t.Text
		}
	}
	return out
}

func extractToolCalls(msg *anthropic.Message) []shai.ToolCall {
	var calls []shai.ToolCall
	for _, block := range msg.Content {
		if tu := block.AsToolUse(); tu.ID != "" {
			calls = append(calls, shai.ToolCall{ID: tu.ID, Name: tu.Name, Arguments: json.RawMessage(tu.Input)})
		}
	}
	return calls
}

// convertMessages splits shai messages into Anthropic system text blocks and
// a Messages array; system and tool roles have no direct counterpart so
// System is pulled out and tool results are folded into user turns.
func convertMessages(msgs []shai.Message, system *[]anthropic.TextBlockParam) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, m := range msgs {
		switch m.Role {
		case shai.RoleSystem:
			*system = append(*system, anthropic.TextBlockParam{Text: m.Content})
		case shai.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input map[string]any
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &input); err != nil {
						return nil, fmt.Errorf("tool call %s: invalid arguments: %w", tc.ID, err)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case shai.RoleTool:
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default: // user
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return out, nil
}

func convertTools(tools []shai.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(t.Schema) > 0 {
			if err := json.Unmarshal(t.Schema, &schema); err != nil {
				return nil, fmt.Errorf("tool %s: invalid schema: %w", t.Name, err)
			}
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool != nil {
			param.OfTool.Description = anthropic.String(t.Description)
		}
		out = append(out, param)
	}
	return out, nil
}
