package shai

import (
	"testing"
	"time"
)

func TestUserMessage(t *testing.T) {
	msg := UserMessage("hello")
	if msg.Role != RoleUser {
		t.Errorf("Role = %q, want %q", msg.Role, RoleUser)
	}
	if msg.Content != "hello" {
		t.Errorf("Content = %q, want %q", msg.Content, "hello")
	}
	if msg.ID == "" {
		t.Error("ID must be populated")
	}
}

func TestSystemMessage(t *testing.T) {
	msg := SystemMessage("you are helpful")
	if msg.Role != RoleSystem {
		t.Errorf("Role = %q, want %q", msg.Role, RoleSystem)
	}
	if msg.IsSummary() {
		t.Error("plain system message must not be a summary")
	}
}

func TestSummaryMessage(t *testing.T) {
	msg := SummaryMessage("condensed history")
	if !msg.IsSummary() {
		t.Error("SummaryMessage must report IsSummary true")
	}
	if msg.Name != SummaryName {
		t.Errorf("Name = %q, want %q", msg.Name, SummaryName)
	}
}

func TestAssistantMessageWithToolCalls(t *testing.T) {
	calls := []ToolCall{{ID: "1", Name: "echo"}}
	msg := AssistantMessage("thinking", calls...)
	if msg.Role != RoleAssistant {
		t.Errorf("Role = %q, want %q", msg.Role, RoleAssistant)
	}
	if len(msg.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %v, want 1 entry", msg.ToolCalls)
	}
}

func TestToolMessage(t *testing.T) {
	msg := ToolMessage("call-123", "result data")
	if msg.Role != RoleTool {
		t.Errorf("Role = %q, want %q", msg.Role, RoleTool)
	}
	if msg.ToolCallID != "call-123" {
		t.Errorf("ToolCallID = %q, want %q", msg.ToolCallID, "call-123")
	}
}

func TestNewIDUnique(t *testing.T) {
	a, b := NewID(), NewID()
	if a == b {
		t.Error("NewID must return distinct values across calls")
	}
	if a == "" {
		t.Error("NewID must not return empty string")
	}
}

func TestFlowControlString(t *testing.T) {
	if FlowContinue.String() != "continue" {
		t.Errorf("FlowContinue.String() = %q, want %q", FlowContinue.String(), "continue")
	}
	if FlowPause.String() != "pause" {
		t.Errorf("FlowPause.String() = %q, want %q", FlowPause.String(), "pause")
	}
}

func TestToolCallMethodString(t *testing.T) {
	cases := map[ToolCallMethod]string{
		Auto:                 "auto",
		FunctionCall:         "function_call",
		FunctionCallRequired: "function_call_required",
		StructuredOutput:     "structured_output",
		Parsing:              "parsing",
	}
	for method, want := range cases {
		if got := method.String(); got != want {
			t.Errorf("method %d: String() = %q, want %q", method, got, want)
		}
	}
}

func TestAgentStatePublicIdleByDefault(t *testing.T) {
	var s AgentState
	p := s.public()
	if p.State != "idle" {
		t.Errorf("State = %q, want %q", p.State, "idle")
	}
	if p.TaskName != "" {
		t.Errorf("TaskName = %q, want empty for idle state", p.TaskName)
	}
}

func TestAgentStatePublicProcessingCarriesTaskName(t *testing.T) {
	s := AgentState{kind: stateProcessing, taskName: "next_step", startedAt: time.Now()}
	p := s.public()
	if p.State != "processing" {
		t.Errorf("State = %q, want %q", p.State, "processing")
	}
	if p.TaskName != "next_step" {
		t.Errorf("TaskName = %q, want %q", p.TaskName, "next_step")
	}
}
