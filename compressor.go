package shai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/xrash/smetrics"
)

// recentWindow is the number of trailing non-system messages always
// preserved verbatim across compression (§4.4 step 3, invariant 6).
const recentWindow = 6

// compressionThreshold is the fraction of max_tokens that triggers
// candidacy (§4.4). The source's log message cites 80%; 90% is the
// authoritative figure (spec §9).
const compressionThreshold = 0.90

// CompressorLLMClient is the minimal LLM surface the compressor needs to
// produce a summary (§6 LLM client trait, narrowed to a single call shape).
type CompressorLLMClient interface {
	Chat(ctx context.Context, req ChatCompletionRequest) (ChatCompletionResponse, error)
}

// ChatCompletionRequest is the compressor's (and brain's) request shape.
type ChatCompletionRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	// ResponseSchema, when set, asks the provider to constrain output to a
	// JSON-Schema-shaped payload (StructuredOutput tool-call method).
	ResponseSchema json.RawMessage
}

// ChatCompletionResponse is the compressor's (and brain's) response shape.
type ChatCompletionResponse struct {
	Content          string
	ToolCalls        []ToolCall
	PromptTokens     int
	CompletionTokens int
}

// modelContextEntry maps one catalog key to its context window size.
type modelContextEntry struct {
	name   string
	tokens int
}

// modelContextTable is the static model-name-to-context-size catalog
// (ported from the original's max_context.rs, see SPEC_FULL.md §12).
var modelContextTable = []modelContextEntry{
	{"gpt-4o", 128000},
	{"gpt-4o-mini", 128000},
	{"gpt-4-turbo", 128000},
	{"gpt-4", 8192},
	{"gpt-3.5-turbo", 16385},
	{"claude-3-opus", 200000},
	{"claude-3-5-sonnet", 200000},
	{"claude-3-haiku", 200000},
	{"gemini-1.5-pro", 2000000},
	{"gemini-1.5-flash", 1000000},
	{"gemini-2.0-flash", 1000000},
	{"qwen3-coder", 32000},
	{"qwen2.5-coder", 32000},
	{"deepseek-chat", 64000},
	{"deepseek-coder", 64000},
	{"llama-3.1-70b", 128000},
	{"mistral-large", 128000},
}

// fallbackMaxTokens is returned when a model matches no catalog entry, even
// fuzzily (spec §4.4, S5).
const fallbackMaxTokens = 30096

// fuzzyFloor is the minimum Jaro-Winkler similarity accepted as a match.
const fuzzyFloor = 0.60

// GetMaxContext resolves a model name to a context window size: exact match
// first, then the closest catalog entry by Jaro-Winkler similarity (floor
// 0.60), then the fallback. Deterministic and total (invariant 4).
func GetMaxContext(model string) int {
	key := strings.ToLower(strings.TrimSpace(model))
	for _, e := range modelContextTable {
		if e.name == key {
			return e.tokens
		}
	}
	bestScore := fuzzyFloor
	bestTokens := 0
	for _, e := range modelContextTable {
		score := smetrics.JaroWinkler(key, e.name, 0.7, 4)
		if score >= bestScore {
			bestScore = score
			bestTokens = e.tokens
		}
	}
	if bestTokens > 0 {
		return bestTokens
	}
	return fallbackMaxTokens
}

// tokenCounter estimates token counts using tiktoken-go, falling back to a
// coarse character-based estimate if no encoding can be resolved — the
// compressor must never fail to produce a number (§4.4 token accounting).
type tokenCounter struct {
	mu       sync.Mutex
	encoding *tiktoken.Tiktoken
}

func newTokenCounter(model string) *tokenCounter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return &tokenCounter{}
		}
	}
	return &tokenCounter{encoding: enc}
}

func (c *tokenCounter) count(text string) int {
	if c == nil || c.encoding == nil {
		return len(text) / 4
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.encoding.Encode(text, nil, nil))
}

// summarizationSystemPrompt instructs the compressor's LLM call to preserve
// the original objective verbatim and extract a dense action/state summary
// (ported from the original's longer compact.rs/prompt.rs pair, see
// SPEC_FULL.md §4's resolution of the three-variant ambiguity).
const summarizationSystemPrompt = `You are compressing a long-running agent conversation. Preserve the
original user request verbatim in your summary. Extract, densely: actions
taken, files or resources touched, current state, and concrete next steps.
Do not invent information that is not present in the conversation. Be
concise; this summary replaces the conversation it describes.`

// ContextCompressor monitors token usage against a ceiling and rewrites the
// trace when warranted, anchored on the first user message and the last
// recentWindow non-system messages (§4.4).
type ContextCompressor struct {
	mu sync.Mutex

	maxTokens             int
	currentTokens         int
	client                CompressorLLMClient
	model                 string
	fallbackTokenEstimate int
	counter               *tokenCounter
	logger                *slog.Logger
}

// CompressorOption configures a ContextCompressor.
type CompressorOption func(*ContextCompressor)

// WithCompressorClient sets the LLM client used to produce summaries. A nil
// client (the default) means the compressor always falls back to the
// "unavailable" system note rather than calling out.
func WithCompressorClient(client CompressorLLMClient, model string) CompressorOption {
	return func(c *ContextCompressor) { c.client = client; c.model = model }
}

// WithFallbackTokenEstimate overrides the current_tokens value used after a
// no-summary (fallback) compression. Default 50, per spec §9.
func WithFallbackTokenEstimate(n int) CompressorOption {
	return func(c *ContextCompressor) { c.fallbackTokenEstimate = n }
}

// WithCompressorLogger sets the structured logger.
func WithCompressorLogger(l *slog.Logger) CompressorOption {
	return func(c *ContextCompressor) { c.logger = l }
}

// NewContextCompressor creates a compressor with the given token ceiling.
// maxTokens of 0 resolves the ceiling from model via GetMaxContext.
func NewContextCompressor(maxTokens int, model string, opts ...CompressorOption) *ContextCompressor {
	if maxTokens <= 0 {
		maxTokens = GetMaxContext(model)
	}
	c := &ContextCompressor{
		maxTokens:             maxTokens,
		model:                 model,
		fallbackTokenEstimate: 50,
		counter:               newTokenCounter(model),
		logger:                nopLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = nopLogger
	}
	return c
}

// UpdateTokenCount increments the monotone current_tokens counter. Reset
// only by a successful or fallback compression.
func (c *ContextCompressor) UpdateTokenCount(prompt, completion int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentTokens += prompt + completion
}

// CurrentTokens returns the live token count.
func (c *ContextCompressor) CurrentTokens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTokens
}

// shouldCompress reports candidacy: the 90% threshold met and the
// more-than-two-non-system-messages guard satisfied.
func (c *ContextCompressor) shouldCompress(nonSystemCount int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return nonSystemCount > 2 && float64(c.currentTokens) >= compressionThreshold*float64(c.maxTokens)
}

func nonSystemCount(trace []Message) int {
	n := 0
	for _, m := range trace {
		if m.Role != RoleSystem {
			n++
		}
	}
	return n
}

// ConditionalCompress runs the compression algorithm only if the 90%
// threshold and message-count guard are both met. Returns the trace
// unchanged (and a nil CompressionInfo) otherwise.
func (c *ContextCompressor) ConditionalCompress(ctx context.Context, trace, fullTrace []Message) ([]Message, *CompressionInfo, error) {
	if !c.shouldCompress(nonSystemCount(trace)) {
		return trace, nil, nil
	}
	return c.compress(ctx, trace, fullTrace)
}

// ForceCompress runs the compression algorithm unconditionally, bypassing
// the token threshold, but still enforces the message-count guard (§4.4
// Force mode; spec §8 S4).
func (c *ContextCompressor) ForceCompress(ctx context.Context, trace, fullTrace []Message) ([]Message, *CompressionInfo, error) {
	if nonSystemCount(trace) <= 2 {
		return trace, nil, nil
	}
	return c.compress(ctx, trace, fullTrace)
}

// compress implements the nine-step algorithm (§4.4).
func (c *ContextCompressor) compress(ctx context.Context, trace, fullTrace []Message) ([]Message, *CompressionInfo, error) {
	// Step 1: recover the original first user message from the full trace.
	firstUser := "[no user message found]"
	for _, m := range fullTrace {
		if m.Role == RoleUser && strings.TrimSpace(m.Content) != "" {
			firstUser = m.Content
			break
		}
	}

	// Step 2: drop prior summaries.
	m := make([]Message, 0, len(trace))
	for _, msg := range trace {
		if !msg.IsSummary() {
			m = append(m, msg)
		}
	}

	// Step 3: partition into sys / recent / middle.
	var sys []Message
	var nonSys []Message
	for _, msg := range m {
		if msg.Role == RoleSystem {
			sys = append(sys, msg)
		} else {
			nonSys = append(nonSys, msg)
		}
	}
	var recent, middle []Message
	if len(nonSys) <= recentWindow {
		recent = nonSys
	} else {
		middle = nonSys[:len(nonSys)-recentWindow]
		recent = nonSys[len(nonSys)-recentWindow:]
	}

	// Step 4: nothing to summarize.
	if len(middle) == 0 {
		out := append(append([]Message{}, sys...), recent...)
		return out, nil, nil
	}

	before := c.CurrentTokens()
	originalCount := len(trace)

	// Step 5: build the summarization request.
	var b strings.Builder
	fmt.Fprintf(&b, "Original user request: %q\n\nFull conversation:\n", firstUser)
	for _, msg := range m {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		b.WriteString(rolePrefix(msg.Role))
		b.WriteString(msg.Content)
		b.WriteByte('\n')
	}
	req := ChatCompletionRequest{
		Model: c.model,
		Messages: []Message{
			SystemMessage(summarizationSystemPrompt),
			UserMessage(b.String()),
		},
		Temperature: 0.1,
	}

	// Step 6: invoke the LLM; both a non-empty summary and non-zero
	// completion tokens are required for success.
	var summary string
	var completionTokens int
	ok := false
	if c.client != nil {
		resp, err := c.client.Chat(ctx, req)
		if err != nil {
			c.logger.Warn("compressor llm call failed", "error", err)
		} else if strings.TrimSpace(resp.Content) != "" && resp.CompletionTokens > 0 {
			summary = resp.Content
			completionTokens = resp.CompletionTokens
			ok = true
		}
	}

	var out []Message
	info := &CompressionInfo{
		OriginalCount: originalCount,
		TokensBefore:  before,
		MaxTokens:     c.maxTokens,
	}

	if ok {
		// Step 7: success.
		out = append(append([]Message{}, sys...), SummaryMessage(fmt.Sprintf("Previous conversation summary: %s", summary)))
		out = append(out, recent...)
		c.mu.Lock()
		c.currentTokens = completionTokens
		c.mu.Unlock()
		info.AISummary = summary
		info.CurrentTokens = completionTokens
	} else {
		// Step 8: failure falls back to an "unavailable" note.
		fallback := Message{
			ID:        NewID(),
			Role:      RoleSystem,
			Content:   "[Previous conversation history compressed - AI summary unavailable]",
			Name:      "system",
			CreatedAt: NowUnix(),
		}
		out = append(append([]Message{}, sys...), fallback)
		out = append(out, recent...)
		c.mu.Lock()
		c.currentTokens = c.fallbackTokenEstimate
		c.mu.Unlock()
		info.CurrentTokens = c.fallbackTokenEstimate
	}

	// Step 9.
	info.CompressedCount = len(out)
	return out, info, nil
}

func rolePrefix(r Role) string {
	switch r {
	case RoleUser:
		return "User: "
	case RoleAssistant:
		return "Assistant: "
	case RoleTool:
		return "Tool: "
	case RoleSystem:
		return "System: "
	default:
		return ""
	}
}
