// Package provider holds concrete LLM backends for the brain and context
// compressor collaborators (shai §6 LLM client trait).
package provider

import (
	"context"

	shai "github.com/MyEcoria/shai"
)

// Provider abstracts a chat-completion backend. method tells the provider
// how to encode tool availability: FunctionCall/FunctionCallRequired send
// tools as native function definitions; StructuredOutput asks for a
// schema-constrained JSON payload; Parsing and Auto send no native tool
// affordance and rely on the brain's own text parsing.
type Provider interface {
	Chat(ctx context.Context, req shai.ChatCompletionRequest, tools []shai.ToolDefinition, method shai.ToolCallMethod) (shai.ChatCompletionResponse, error)
	Name() string
}

// AsCompressorClient adapts a Provider to shai.CompressorLLMClient, which
// never needs tool definitions or a tool-call method.
func AsCompressorClient(p Provider) shai.CompressorLLMClient {
	return compressorAdapter{p}
}

type compressorAdapter struct{ p Provider }

func (a compressorAdapter) Chat(ctx context.Context, req shai.ChatCompletionRequest) (shai.ChatCompletionResponse, error) {
	return a.p.Chat(ctx, req, nil, shai.Parsing)
}
