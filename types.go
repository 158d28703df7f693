package shai

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role identifies which party produced a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// SummaryName is the reserved System.Name value marking a compressor-produced
// summary message. A trace may carry at most one at a time, placed
// immediately after any leading non-summary System message.
const SummaryName = "summary"

// Message is a tagged variant over {System, User, Assistant, Tool}, unified
// into one struct with role-specific fields left zero when unused.
type Message struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Name is System-only. "summary" is reserved for compressor output.
	Name string `json:"name,omitempty"`

	// ReasoningContent and ToolCalls are Assistant-only.
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	Refusal          bool       `json:"refusal,omitempty"`

	// ToolCallID is Tool-only: the id of the ToolCall this message answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	CreatedAt int64 `json:"created_at"`
}

// IsSummary reports whether m is a compressor-generated summary message.
func (m Message) IsSummary() bool {
	return m.Role == RoleSystem && m.Name == SummaryName
}

func newMessage(role Role, content string) Message {
	return Message{ID: NewID(), Role: role, Content: content, CreatedAt: NowUnix()}
}

// SystemMessage constructs a plain System message.
func SystemMessage(content string) Message { return newMessage(RoleSystem, content) }

// SummaryMessage constructs a System message carrying compressor output.
func SummaryMessage(content string) Message {
	m := newMessage(RoleSystem, content)
	m.Name = SummaryName
	return m
}

// UserMessage constructs a User message.
func UserMessage(content string) Message { return newMessage(RoleUser, content) }

// AssistantMessage constructs an Assistant message, optionally carrying tool calls.
func AssistantMessage(content string, toolCalls ...ToolCall) Message {
	m := newMessage(RoleAssistant, content)
	m.ToolCalls = toolCalls
	return m
}

// ToolMessage constructs a Tool message answering the call identified by callID.
func ToolMessage(callID, content string) Message {
	m := newMessage(RoleTool, content)
	m.ToolCallID = callID
	return m
}

// ToolCall is a single tool invocation request emitted by the brain.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolOutcome is the result of running one ToolCall, keyed by its ID.
type ToolOutcome struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// NewID generates a globally unique, time-sortable UUIDv7 identifier.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns the current time as Unix seconds.
func NowUnix() int64 { return time.Now().Unix() }

// FlowControl is the brain's instruction to continue reasoning or yield the turn.
type FlowControl int

const (
	FlowContinue FlowControl = iota
	FlowPause
)

func (f FlowControl) String() string {
	if f == FlowPause {
		return "pause"
	}
	return "continue"
}

// TokenUsage reports prompt/completion token counts for a single brain call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ToolCallMethod selects how the brain encodes tool invocations.
type ToolCallMethod int

const (
	Auto ToolCallMethod = iota
	FunctionCall
	FunctionCallRequired
	StructuredOutput
	Parsing
)

func (m ToolCallMethod) String() string {
	switch m {
	case FunctionCall:
		return "function_call"
	case FunctionCallRequired:
		return "function_call_required"
	case StructuredOutput:
		return "structured_output"
	case Parsing:
		return "parsing"
	default:
		return "auto"
	}
}

// ToolDefinition describes one callable tool in brain-facing, JSON-Schema-shaped form.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// ThinkerContext is the immutable snapshot handed to the brain on each call.
type ThinkerContext struct {
	TraceRef        []Message
	AvailableTools  []ToolDefinition
	ToolCallMethod  ToolCallMethod
}

// CompressionInfo is emitted to observers whenever the compressor rewrites the trace.
type CompressionInfo struct {
	OriginalCount   int    `json:"original_count"`
	CompressedCount int    `json:"compressed_count"`
	TokensBefore    int    `json:"tokens_before"`
	CurrentTokens   int    `json:"current_tokens"`
	MaxTokens       int    `json:"max_tokens"`
	AISummary       string `json:"ai_summary,omitempty"`
}

// ThinkerDecision is the brain's output bundle for one step.
type ThinkerDecision struct {
	Message          Message
	Flow             FlowControl
	TokenUsage       *TokenUsage
	CompressionInfo  *CompressionInfo
}

// agentStateKind is the tag of the internal AgentState variant.
type agentStateKind int

const (
	stateIdle agentStateKind = iota
	stateRunning
	stateProcessing
	statePaused
)

func (k agentStateKind) String() string {
	switch k {
	case stateRunning:
		return "running"
	case stateProcessing:
		return "processing"
	case statePaused:
		return "paused"
	default:
		return "idle"
	}
}

// AgentState is the ASM's internal state variable. The zero value is Idle.
type AgentState struct {
	kind      agentStateKind
	taskName  string // "next_step" or "tools", valid only when kind == stateProcessing
	startedAt time.Time
	cancel    func() // arms cancellation of the in-flight background task
}

// PublicAgentState is a projection of AgentState omitting the cancel handle.
type PublicAgentState struct {
	State     string `json:"state"`
	TaskName  string `json:"task_name,omitempty"`
	StartedAt int64  `json:"started_at,omitempty"`
}

func (s AgentState) public() PublicAgentState {
	p := PublicAgentState{State: s.kind.String()}
	if s.kind == stateProcessing {
		p.TaskName = s.taskName
		p.StartedAt = s.startedAt.Unix()
	}
	return p
}
