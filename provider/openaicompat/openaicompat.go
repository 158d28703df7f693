// Package openaicompat adapts any OpenAI-compatible chat completions API
// (OpenAI, OpenRouter, Groq, Together, local vLLM/Ollama, ...) to the
// provider.Provider interface, using the official SDK rather than a
// hand-rolled HTTP client.
package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	shai "github.com/MyEcoria/shai"
)

// Provider implements provider.Provider against any OpenAI-compatible endpoint.
type Provider struct {
	client *openai.Client
	model  string
	name   string
}

// New creates a Provider. baseURL may be empty to use the public OpenAI API,
// or point at a compatible endpoint (e.g. "https://api.groq.com/openai/v1").
func New(apiKey, model, baseURL string) *Provider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Provider{client: openai.NewClientWithConfig(cfg), model: model, name: "openai"}
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// Chat sends req to the chat completions endpoint, encoding tool
// availability according to method.
func (p *Provider) Chat(ctx context.Context, req shai.ChatCompletionRequest, tools []shai.ToolDefinition, method shai.ToolCallMethod) (shai.ChatCompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	creq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: float32(req.Temperature),
	}

	switch method {
	case shai.FunctionCall, shai.FunctionCallRequired:
		creq.Tools = toOpenAITools(tools)
		if method == shai.FunctionCallRequired && len(creq.Tools) > 0 {
			creq.ToolChoice = "required"
		}
	case shai.StructuredOutput:
		creq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
		if len(req.ResponseSchema) > 0 {
			creq.Messages = append(creq.Messages, openai.ChatCompletionMessage{
				Role:    string(shai.RoleSystem),
				Content: fmt.Sprintf("Your entire reply must be a single JSON object validating against this JSON Schema:\n%s", string(req.ResponseSchema)),
			})
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return shai.ChatCompletionResponse{}, &shai.ErrLLM{Provider: p.name, Message: err.Error()}
	}
	if len(resp.Choices) == 0 {
		return shai.ChatCompletionResponse{}, &shai.ErrLLM{Provider: p.name, Message: "empty choices"}
	}

	choice := resp.Choices[0]
	return shai.ChatCompletionResponse{
		Content:          choice.Message.Content,
		ToolCalls:        fromOpenAIToolCalls(choice.Message.ToolCalls),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

func toOpenAIMessages(msgs []shai.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func toOpenAITools(tools []shai.ToolDefinition) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		var params map[string]any
		if len(t.Schema) > 0 {
			if err := json.Unmarshal(t.Schema, &params); err != nil {
				params = map[string]any{"type": "object", "properties": map[string]any{}}
			}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return out
}

func fromOpenAIToolCalls(calls []openai.ToolCall) []shai.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]shai.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = shai.ToolCall{ID: c.ID, Name: c.Function.Name, Arguments: json.RawMessage(c.Function.Arguments)}
	}
	return out
}
