package shai

import (
	"context"
	"errors"
	"testing"
)

type recordingPreProcessor struct{ calls *int }

func (p recordingPreProcessor) PreLLM(_ context.Context, req *ChatCompletionRequest) error {
	*p.calls++
	req.Model = req.Model + "!"
	return nil
}

type haltingPreProcessor struct{}

func (haltingPreProcessor) PreLLM(_ context.Context, _ *ChatCompletionRequest) error {
	return &ErrHalt{Response: "blocked"}
}

type recordingPostProcessor struct{ calls *int }

func (p recordingPostProcessor) PostLLM(_ context.Context, resp *ChatCompletionResponse) error {
	*p.calls++
	resp.Content = resp.Content + "!"
	return nil
}

type recordingPostToolProcessor struct{ calls *int }

func (p recordingPostToolProcessor) PostTool(_ context.Context, _ ToolCall, result *ToolOutcome) error {
	*p.calls++
	result.Content = result.Content + "!"
	return nil
}

func TestProcessorChainRunsHooksInOrder(t *testing.T) {
	var preCalls, postCalls, postToolCalls int
	chain := NewProcessorChain()
	chain.Add(recordingPreProcessor{calls: &preCalls})
	chain.Add(recordingPostProcessor{calls: &postCalls})
	chain.Add(recordingPostToolProcessor{calls: &postToolCalls})

	req := &ChatCompletionRequest{Model: "gpt"}
	if err := chain.RunPreLLM(context.Background(), req); err != nil {
		t.Fatalf("RunPreLLM returned error: %v", err)
	}
	if req.Model != "gpt!" {
		t.Errorf("Model = %q, want mutated by PreLLM hook", req.Model)
	}

	resp := &ChatCompletionResponse{Content: "hi"}
	if err := chain.RunPostLLM(context.Background(), resp); err != nil {
		t.Fatalf("RunPostLLM returned error: %v", err)
	}
	if resp.Content != "hi!" {
		t.Errorf("Content = %q, want mutated by PostLLM hook", resp.Content)
	}

	outcome := &ToolOutcome{Content: "result"}
	if err := chain.RunPostTool(context.Background(), ToolCall{Name: "echo"}, outcome); err != nil {
		t.Fatalf("RunPostTool returned error: %v", err)
	}
	if outcome.Content != "result!" {
		t.Errorf("Content = %q, want mutated by PostTool hook", outcome.Content)
	}

	if preCalls != 1 || postCalls != 1 || postToolCalls != 1 {
		t.Errorf("calls = (%d,%d,%d), want (1,1,1)", preCalls, postCalls, postToolCalls)
	}
	if chain.Len() != 3 {
		t.Errorf("Len() = %d, want 3", chain.Len())
	}
}

func TestProcessorChainStopsOnFirstError(t *testing.T) {
	var secondCalls int
	chain := NewProcessorChain()
	chain.Add(haltingPreProcessor{})
	chain.Add(recordingPreProcessor{calls: &secondCalls})

	err := chain.RunPreLLM(context.Background(), &ChatCompletionRequest{})
	var halt *ErrHalt
	if !errors.As(err, &halt) {
		t.Fatalf("expected *ErrHalt, got %v", err)
	}
	if halt.Response != "blocked" {
		t.Errorf("Response = %q, want %q", halt.Response, "blocked")
	}
	if secondCalls != 0 {
		t.Error("processors after the halting one must not run")
	}
}

func TestProcessorChainAddPanicsOnUnimplementedInterfaces(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Add must panic for a value implementing none of the processor interfaces")
		}
	}()
	NewProcessorChain().Add(struct{}{})
}

func TestProcessorChainEmptyIsNoop(t *testing.T) {
	chain := NewProcessorChain()
	if err := chain.RunPreLLM(context.Background(), &ChatCompletionRequest{}); err != nil {
		t.Errorf("empty chain RunPreLLM returned %v", err)
	}
	if err := chain.RunPostLLM(context.Background(), &ChatCompletionResponse{}); err != nil {
		t.Errorf("empty chain RunPostLLM returned %v", err)
	}
	if err := chain.RunPostTool(context.Background(), ToolCall{}, &ToolOutcome{}); err != nil {
		t.Errorf("empty chain RunPostTool returned %v", err)
	}
}
