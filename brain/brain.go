// Package brain implements the concrete decision-making driver consumed by
// the agent state machine's thinker step: it turns a provider.Provider plus
// a requested tool-call encoding into a shai.ThinkerDecision.
package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	shai "github.com/MyEcoria/shai"
	"github.com/MyEcoria/shai/provider"
)

// Brain implements shai.Brain against a single provider.Provider.
type Brain struct {
	provider   provider.Provider
	model      string
	systemNote string
	method     shai.ToolCallMethod
	compressor *shai.ContextCompressor
	pre        *shai.ProcessorChain
}

// Option configures a Brain.
type Option func(*Brain)

// WithCompressor attaches a context compressor; nil (the default) opts the
// brain out of compression entirely.
func WithCompressor(c *shai.ContextCompressor) Option {
	return func(b *Brain) { b.compressor = c }
}

// WithProcessors attaches a pre-call processor chain (guardrails and the
// like) run against the outgoing request before it reaches the provider.
func WithProcessors(chain *shai.ProcessorChain) Option {
	return func(b *Brain) { b.pre = chain }
}

// New creates a Brain that calls provider p with the given model using
// method to encode tool availability.
func New(p provider.Provider, model string, method shai.ToolCallMethod, opts ...Option) *Brain {
	b := &Brain{provider: p, model: model, method: method}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Compressor returns the brain's owned compressor, or nil.
func (b *Brain) Compressor() *shai.ContextCompressor { return b.compressor }

// decodeMode tells decide how to recover tool calls from a provider reply:
// trust its native tool_calls field, parse a <tool> text span out of free
// text, or parse+validate a StructuredOutput JSON envelope.
type decodeMode int

const (
	decodeNative decodeMode = iota
	decodeParsed
	decodeStructured
)

// NextStep asks the provider for the next assistant turn, encoding tools
// according to b.method. Auto tries FunctionCall first; if the provider
// reports the method is unsupported (as opposed to a transient transport
// failure) it falls back to Parsing rather than retrying the same call.
func (b *Brain) NextStep(ctx context.Context, tctx shai.ThinkerContext) (shai.ThinkerDecision, error) {
	req := shai.ChatCompletionRequest{Model: b.model, Messages: tctx.TraceRef, Temperature: 0.2}

	if b.pre != nil {
		if err := b.pre.RunPreLLM(ctx, &req); err != nil {
			return haltDecision(err)
		}
	}

	method := b.method
	if method == shai.Auto {
		method = shai.FunctionCall
	}

	callReq, mode := prepareRequest(req, method, tctx.AvailableTools)
	resp, err := b.provider.Chat(ctx, callReq, tctx.AvailableTools, method)
	if err != nil {
		var unsupported *shai.ErrToolCallUnsupported
		if b.method == shai.Auto && asUnsupported(err, &unsupported) {
			fallbackReq, fallbackMode := prepareRequest(req, shai.Parsing, tctx.AvailableTools)
			resp, err = b.provider.Chat(ctx, fallbackReq, nil, shai.Parsing)
			if err == nil {
				return b.decide(ctx, resp, fallbackMode)
			}
		}
		return shai.ThinkerDecision{}, &shai.ErrBrainTransport{Cause: err}
	}

	return b.decide(ctx, resp, mode)
}

// prepareRequest adapts req's prompt (and, for StructuredOutput, its
// response schema) to method's encoding, returning the request to send and
// the decode mode decide must use on the reply.
func prepareRequest(req shai.ChatCompletionRequest, method shai.ToolCallMethod, tools []shai.ToolDefinition) (shai.ChatCompletionRequest, decodeMode) {
	switch method {
	case shai.Parsing:
		return withParsingPrompt(req, tools), decodeParsed
	case shai.StructuredOutput:
		out := withStructuredOutputPrompt(req, tools)
		out.ResponseSchema = json.RawMessage(structuredEnvelopeSchema)
		return out, decodeStructured
	default:
		return req, decodeNative
	}
}

// decide runs the post-LLM processor chain over resp, then builds the
// decision according to mode: trusting native tool_calls, parsing a <tool>
// span out of free text, or parsing+validating a StructuredOutput envelope.
func (b *Brain) decide(ctx context.Context, resp shai.ChatCompletionResponse, mode decodeMode) (shai.ThinkerDecision, error) {
	if b.pre != nil {
		if err := b.pre.RunPostLLM(ctx, &resp); err != nil {
			return haltDecision(err)
		}
	}
	switch mode {
	case decodeParsed:
		return decisionFromParsed(resp), nil
	case decodeStructured:
		return decisionFromStructured(resp), nil
	default:
		msg := shai.AssistantMessage(resp.Content, resp.ToolCalls...)
		return shai.ThinkerDecision{
			Message:    msg,
			Flow:       flowFor(msg),
			TokenUsage: &shai.TokenUsage{PromptTokens: resp.PromptTokens, CompletionTokens: resp.CompletionTokens},
		}, nil
	}
}

func asUnsupported(err error, target **shai.ErrToolCallUnsupported) bool {
	if u, ok := err.(*shai.ErrToolCallUnsupported); ok {
		*target = u
		return true
	}
	return false
}

// flowFor continues the turn whenever the assistant requested tool calls
// (the ASM hands those to the executor and resumes automatically); a bare
// text reply yields the turn back to the user.
func flowFor(msg shai.Message) shai.FlowControl {
	if len(msg.ToolCalls) > 0 {
		return shai.FlowContinue
	}
	return shai.FlowPause
}

func haltDecision(err error) (shai.ThinkerDecision, error) {
	if halt, ok := err.(*shai.ErrHalt); ok {
		return shai.ThinkerDecision{Message: shai.AssistantMessage(halt.Response), Flow: shai.FlowPause}, nil
	}
	return shai.ThinkerDecision{}, err
}

// withParsingPrompt appends tool definitions as a system note instructing
// the model to emit a <tool name="...">{json args}</tool> span instead of
// a native tool call, for providers/methods without function calling.
func withParsingPrompt(req shai.ChatCompletionRequest, tools []shai.ToolDefinition) shai.ChatCompletionRequest {
	if len(tools) == 0 {
		return req
	}
	var b strings.Builder
	b.WriteString("You may call a tool by emitting exactly one span of the form ")
	b.WriteString(`<tool name="TOOL_NAME">{"arg":"value"}</tool>`)
	b.WriteString(" in your reply. Available tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s (schema: %s)\n", t.Name, t.Description, string(t.Schema))
	}
	note := shai.SystemMessage(b.String())
	out := req
	out.Messages = append([]shai.Message{note}, req.Messages...)
	return out
}

// structuredEnvelopeSchema is the JSON-Schema-shaped envelope a
// StructuredOutput reply must validate against: a reply string plus zero or
// more tool invocations (spec.md §6, "the assistant returns a
// schema-validated JSON payload the runtime parses into ToolCalls").
const structuredEnvelopeSchema = `{
  "type": "object",
  "properties": {
    "content": {"type": "string"},
    "tool_calls": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "arguments": {"type": "object"}
        },
        "required": ["name"]
      }
    }
  },
  "required": ["content"]
}`

var structuredSchema = mustCompileStructuredSchema()

func mustCompileStructuredSchema() *jsonschema.Schema {
	var doc any
	if err := json.Unmarshal([]byte(structuredEnvelopeSchema), &doc); err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("structured-output-envelope", doc); err != nil {
		panic(err)
	}
	sch, err := c.Compile("structured-output-envelope")
	if err != nil {
		panic(err)
	}
	return sch
}

type structuredEnvelope struct {
	Content   string `json:"content"`
	ToolCalls []struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"tool_calls"`
}

// withStructuredOutputPrompt appends a system note instructing the model to
// reply with exactly one JSON object matching structuredEnvelopeSchema,
// listing available tools as candidate tool_calls entries.
func withStructuredOutputPrompt(req shai.ChatCompletionRequest, tools []shai.ToolDefinition) shai.ChatCompletionRequest {
	var b strings.Builder
	b.WriteString("Respond with exactly one JSON object of the form ")
	b.WriteString(`{"content":"...","tool_calls":[{"name":"TOOL_NAME","arguments":{...}}]}`)
	b.WriteString(". Omit tool_calls or leave it empty when no tool is needed.")
	if len(tools) > 0 {
		b.WriteString(" Available tools:\n")
		for _, t := range tools {
			fmt.Fprintf(&b, "- %s: %s (schema: %s)\n", t.Name, t.Description, string(t.Schema))
		}
	}
	note := shai.SystemMessage(b.String())
	out := req
	out.Messages = append([]shai.Message{note}, req.Messages...)
	return out
}

// decisionFromStructured parses and schema-validates resp.Content as a
// structuredEnvelope. A payload that fails to parse or validate is treated
// as a plain-text reply with no tool calls rather than an error — the brain
// degrades gracefully instead of wedging the turn on a malformed response.
func decisionFromStructured(resp shai.ChatCompletionResponse) shai.ThinkerDecision {
	var doc any
	if err := json.Unmarshal([]byte(resp.Content), &doc); err != nil {
		return plainTextDecision(resp)
	}
	if err := structuredSchema.Validate(doc); err != nil {
		return plainTextDecision(resp)
	}
	var env structuredEnvelope
	if err := json.Unmarshal([]byte(resp.Content), &env); err != nil {
		return plainTextDecision(resp)
	}

	calls := make([]shai.ToolCall, 0, len(env.ToolCalls))
	for _, tc := range env.ToolCalls {
		args := tc.Arguments
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		calls = append(calls, shai.ToolCall{ID: shai.NewID(), Name: tc.Name, Arguments: args})
	}
	msg := shai.AssistantMessage(env.Content, calls...)
	return shai.ThinkerDecision{
		Message:    msg,
		Flow:       flowFor(msg),
		TokenUsage: &shai.TokenUsage{PromptTokens: resp.PromptTokens, CompletionTokens: resp.CompletionTokens},
	}
}

func plainTextDecision(resp shai.ChatCompletionResponse) shai.ThinkerDecision {
	msg := shai.AssistantMessage(resp.Content)
	return shai.ThinkerDecision{
		Message:    msg,
		Flow:       shai.FlowPause,
		TokenUsage: &shai.TokenUsage{PromptTokens: resp.PromptTokens, CompletionTokens: resp.CompletionTokens},
	}
}

// decisionFromParsed extracts a <tool>...</tool> span from a free-text
// completion, per the original's free-text tool-call parsing tendencies.
func decisionFromParsed(resp shai.ChatCompletionResponse) shai.ThinkerDecision {
	content, calls := parseToolSpans(resp.Content)
	msg := shai.AssistantMessage(content, calls...)
	return shai.ThinkerDecision{
		Message:    msg,
		Flow:       flowFor(msg),
		TokenUsage: &shai.TokenUsage{PromptTokens: resp.PromptTokens, CompletionTokens: resp.CompletionTokens},
	}
}

const (
	toolOpenPrefix = `<tool name="`
	toolClose      = `</tool>`
)

// parseToolSpans extracts <tool name="...">{...}</tool> spans from content,
// returning the text with spans removed and the parsed tool calls.
func parseToolSpans(content string) (string, []shai.ToolCall) {
	var calls []shai.ToolCall
	var out strings.Builder
	rest := content
	for {
		start := strings.Index(rest, toolOpenPrefix)
		if start < 0 {
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:start])
		afterPrefix := rest[start+len(toolOpenPrefix):]
		nameEnd := strings.IndexByte(afterPrefix, '"')
		if nameEnd < 0 {
			out.WriteString(rest[start:])
			break
		}
		name := afterPrefix[:nameEnd]
		afterName := afterPrefix[nameEnd+1:]
		bodyStart := strings.IndexByte(afterName, '>')
		if bodyStart < 0 {
			out.WriteString(rest[start:])
			break
		}
		body := afterName[bodyStart+1:]
		closeIdx := strings.Index(body, toolClose)
		if closeIdx < 0 {
			out.WriteString(rest[start:])
			break
		}
		argsText := strings.TrimSpace(body[:closeIdx])
		var args json.RawMessage
		if json.Valid([]byte(argsText)) {
			args = json.RawMessage(argsText)
		} else {
			args = json.RawMessage("{}")
		}
		calls = append(calls, shai.ToolCall{ID: shai.NewID(), Name: name, Arguments: args})
		rest = body[closeIdx+len(toolClose):]
	}
	return strings.TrimSpace(out.String()), calls
}
