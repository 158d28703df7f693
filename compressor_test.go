package shai

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestGetMaxContextExactMatch(t *testing.T) {
	if got := GetMaxContext("gpt-4o"); got != 128000 {
		t.Errorf("GetMaxContext(gpt-4o) = %d, want 128000", got)
	}
}

func TestGetMaxContextCaseAndWhitespaceInsensitive(t *testing.T) {
	if got := GetMaxContext("  GPT-4O  "); got != 128000 {
		t.Errorf("GetMaxContext = %d, want 128000", got)
	}
}

func TestGetMaxContextFuzzyMatch(t *testing.T) {
	// Missing trailing letter; should fuzzy-match to claude-3-opus rather
	// than fall all the way back.
	if got := GetMaxContext("claude-3-opu"); got != 200000 {
		t.Errorf("GetMaxContext(claude-3-opu) = %d, want 200000 (fuzzy match)", got)
	}
}

func TestGetMaxContextFallsBackForUnknownModel(t *testing.T) {
	if got := GetMaxContext("some-completely-unheard-of-model-xyz"); got != fallbackMaxTokens {
		t.Errorf("GetMaxContext = %d, want fallback %d", got, fallbackMaxTokens)
	}
}

type stubCompressorClient struct {
	resp ChatCompletionResponse
	err  error
}

func (s stubCompressorClient) Chat(_ context.Context, _ ChatCompletionRequest) (ChatCompletionResponse, error) {
	return s.resp, s.err
}

func buildLongTrace(n int) []Message {
	trace := []Message{SystemMessage("system prompt")}
	for i := 0; i < n; i++ {
		trace = append(trace, UserMessage("message"), AssistantMessage("reply"))
	}
	return trace
}

func TestConditionalCompressSkipsBelowThreshold(t *testing.T) {
	c := NewContextCompressor(1000, "gpt-4o")
	c.UpdateTokenCount(10, 10)
	trace := buildLongTrace(5)
	out, info, err := c.ConditionalCompress(context.Background(), trace, trace)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info != nil {
		t.Fatal("expected no compression below threshold")
	}
	if len(out) != len(trace) {
		t.Errorf("trace length changed without compression: got %d, want %d", len(out), len(trace))
	}
}

func TestConditionalCompressTriggersAboveThreshold(t *testing.T) {
	client := stubCompressorClient{resp: ChatCompletionResponse{Content: "condensed summary", CompletionTokens: 42}}
	c := NewContextCompressor(100, "gpt-4o", WithCompressorClient(client, "gpt-4o"))
	c.UpdateTokenCount(95, 0) // 95/100 exceeds the 90% threshold

	trace := buildLongTrace(10)
	out, info, err := c.ConditionalCompress(context.Background(), trace, trace)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info == nil {
		t.Fatal("expected compression to trigger above threshold")
	}
	if info.AISummary != "condensed summary" {
		t.Errorf("AISummary = %q, want %q", info.AISummary, "condensed summary")
	}
	if c.CurrentTokens() != 42 {
		t.Errorf("CurrentTokens() = %d, want 42 (reset to completion tokens)", c.CurrentTokens())
	}

	var sawSummary bool
	for _, m := range out {
		if m.IsSummary() {
			sawSummary = true
		}
	}
	if !sawSummary {
		t.Error("expected a summary message in the compressed trace")
	}
}

func TestConditionalCompressGuardsSmallTraces(t *testing.T) {
	client := stubCompressorClient{resp: ChatCompletionResponse{Content: "x", CompletionTokens: 1}}
	c := NewContextCompressor(10, "gpt-4o", WithCompressorClient(client, "gpt-4o"))
	c.UpdateTokenCount(100, 0) // well above threshold

	trace := []Message{SystemMessage("sys"), UserMessage("hi")} // only 1 non-system message
	_, info, err := c.ConditionalCompress(context.Background(), trace, trace)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info != nil {
		t.Error("expected the >2-non-system-message guard to block compression")
	}
}

func TestForceCompressBypassesThreshold(t *testing.T) {
	client := stubCompressorClient{resp: ChatCompletionResponse{Content: "forced summary", CompletionTokens: 7}}
	c := NewContextCompressor(1_000_000, "gpt-4o", WithCompressorClient(client, "gpt-4o"))

	trace := buildLongTrace(10)
	_, info, err := c.ForceCompress(context.Background(), trace, trace)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info == nil {
		t.Fatal("expected ForceCompress to ignore the token threshold")
	}
}

func TestCompressFallsBackOnLLMFailure(t *testing.T) {
	client := stubCompressorClient{err: errors.New("provider unavailable")}
	c := NewContextCompressor(100, "gpt-4o", WithCompressorClient(client, "gpt-4o"), WithFallbackTokenEstimate(77))

	trace := buildLongTrace(10)
	out, info, err := c.ForceCompress(context.Background(), trace, trace)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info == nil {
		t.Fatal("expected fallback compression info")
	}
	if info.AISummary != "" {
		t.Error("fallback compression must not set AISummary")
	}
	if c.CurrentTokens() != 77 {
		t.Errorf("CurrentTokens() = %d, want fallback estimate 77", c.CurrentTokens())
	}

	var sawFallbackNote bool
	for _, m := range out {
		if m.Role == RoleSystem && m.Content == "[Previous conversation history compressed - AI summary unavailable]" {
			sawFallbackNote = true
		}
	}
	if !sawFallbackNote {
		t.Error("expected the fallback note message in the compressed trace")
	}
}

func TestCompressPreservesRecentWindowVerbatim(t *testing.T) {
	client := stubCompressorClient{resp: ChatCompletionResponse{Content: "summary", CompletionTokens: 5}}
	c := NewContextCompressor(100, "gpt-4o", WithCompressorClient(client, "gpt-4o"))

	trace := buildLongTrace(10) // 1 system + 20 non-system messages
	out, info, err := c.ForceCompress(context.Background(), trace, trace)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info == nil {
		t.Fatal("expected compression info")
	}
	last := trace[len(trace)-recentWindow:]
	gotTail := out[len(out)-recentWindow:]
	for i := range last {
		if gotTail[i].Content != last[i].Content {
			t.Errorf("recent window message %d mismatches: got %q, want %q", i, gotTail[i].Content, last[i].Content)
		}
	}
}

func TestCompressRecoversFirstUserMessageFromFullTrace(t *testing.T) {
	var captured ChatCompletionRequest
	client := recordingCompressorClient{fn: func(req ChatCompletionRequest) ChatCompletionResponse {
		captured = req
		return ChatCompletionResponse{Content: "ok", CompletionTokens: 1}
	}}
	c := NewContextCompressor(100, "gpt-4o", WithCompressorClient(client, "gpt-4o"))

	full := []Message{SystemMessage("sys"), UserMessage("the original ask")}
	full = append(full, buildLongTrace(10)[1:]...)
	_, _, err := c.ForceCompress(context.Background(), full, full)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(captured.Messages) < 2 {
		t.Fatal("expected a summarization request to be built")
	}
	if !strings.Contains(captured.Messages[1].Content, `Original user request: "the original ask"`) {
		t.Errorf("summarization request does not carry the first user message: %q", captured.Messages[1].Content)
	}
}

type recordingCompressorClient struct {
	fn func(ChatCompletionRequest) ChatCompletionResponse
}

func (r recordingCompressorClient) Chat(_ context.Context, req ChatCompletionRequest) (ChatCompletionResponse, error) {
	return r.fn(req), nil
}
