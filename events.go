package shai

import "encoding/json"

// InternalEvent is the tagged variant consumed by the ASM's single event
// queue (§4.1). Every concrete type below implements it via an unexported
// marker method so only this package can add variants.
type InternalEvent interface {
	internalEvent()
}

// UserInputEvent carries a user message to be appended to both traces.
type UserInputEvent struct {
	Text string
}

// BrainResultEvent delivers the outcome of a spawned next_step call.
// Exactly one of Decision/Err is meaningful.
type BrainResultEvent struct {
	Decision ThinkerDecision
	Err      error
}

// ToolsResultEvent delivers the (order-preserved) outcomes of a tool batch.
type ToolsResultEvent struct {
	Outcomes []ToolOutcome
}

// CancelTaskEvent requests cancellation of any in-flight background task.
type CancelTaskEvent struct{}

// ManualCompressionEvent requests a forced compression pass.
type ManualCompressionEvent struct{}

// ApprovalDecisionEvent answers a pending ToolCallApproval.
type ApprovalDecisionEvent struct {
	ID      string
	Approve bool
}

// ShutdownEvent requests the ASM drain and terminate.
type ShutdownEvent struct{}

func (UserInputEvent) internalEvent()         {}
func (BrainResultEvent) internalEvent()       {}
func (ToolsResultEvent) internalEvent()       {}
func (CancelTaskEvent) internalEvent()        {}
func (ManualCompressionEvent) internalEvent() {}
func (ApprovalDecisionEvent) internalEvent()  {}
func (ShutdownEvent) internalEvent()          {}

// AgentEvent is the tagged variant fanned out to external subscribers (§4.1,
// §5 ordering guarantees).
type AgentEvent interface {
	agentEvent()
}

// BrainResultPublic reports a completed (successful) brain step.
type BrainResultPublic struct {
	Timestamp int64
	Thought   string
}

// BrainErrorPublic reports a failed brain step.
type BrainErrorPublic struct {
	Err error
}

// ToolCallStart reports the beginning of one tool invocation.
type ToolCallStart struct {
	ID   string
	Name string
	Args json.RawMessage
}

// ToolCallEnd reports the completion of one tool invocation.
type ToolCallEnd struct {
	ID     string
	Name   string
	Result string
	Error  string
}

// ToolCallApprovalPublic asks an external subscriber to approve a pending call.
type ToolCallApprovalPublic struct {
	ID   string
	Name string
	Args json.RawMessage
}

// TokenUsagePublic reports token accounting for one brain call.
type TokenUsagePublic struct {
	PromptTokens     int
	CompletionTokens int
}

// ContextCompressedPublic reports that the compressor rewrote the trace.
type ContextCompressedPublic struct {
	Info CompressionInfo
}

// StateChangedPublic reports a new PublicAgentState.
type StateChangedPublic struct {
	State PublicAgentState
}

// TaskCancelledPublic reports that an in-flight task was cancelled.
type TaskCancelledPublic struct{}

func (BrainResultPublic) agentEvent()      {}
func (BrainErrorPublic) agentEvent()       {}
func (ToolCallStart) agentEvent()          {}
func (ToolCallEnd) agentEvent()            {}
func (ToolCallApprovalPublic) agentEvent() {}
func (TokenUsagePublic) agentEvent()       {}
func (ContextCompressedPublic) agentEvent() {}
func (StateChangedPublic) agentEvent()     {}
func (TaskCancelledPublic) agentEvent()    {}
