package shai

import "context"

// AgentController is the external surface driving a StateMachine (§6). A
// TUI or other caller holds one controller per agent instance; it never
// touches the trace, full trace, or state directly.
type AgentController struct {
	sm *StateMachine
}

// NewAgentController wraps sm. Callers must separately run sm.Run(ctx) in a
// goroutine before issuing commands.
func NewAgentController(sm *StateMachine) *AgentController {
	return &AgentController{sm: sm}
}

// SendUserInput delivers a user message to the agent.
func (c *AgentController) SendUserInput(ctx context.Context, text string) error {
	return c.sm.Send(ctx, UserInputEvent{Text: text})
}

// CancelCurrentTask requests cancellation of any in-flight background task.
func (c *AgentController) CancelCurrentTask(ctx context.Context) error {
	return c.sm.Send(ctx, CancelTaskEvent{})
}

// RequestManualCompression requests a forced context compression pass.
func (c *AgentController) RequestManualCompression(ctx context.Context) error {
	return c.sm.Send(ctx, ManualCompressionEvent{})
}

// Shutdown requests the agent cancel any in-flight task, drain its event
// queue, and terminate. Run returns once the ShutdownEvent is processed.
func (c *AgentController) Shutdown(ctx context.Context) error {
	return c.sm.Send(ctx, ShutdownEvent{})
}

// AnswerApproval answers a pending tool-call approval request.
func (c *AgentController) AnswerApproval(ctx context.Context, callID string, approve bool) error {
	return c.sm.Send(ctx, ApprovalDecisionEvent{ID: callID, Approve: approve})
}

// Subscribe returns a subscriber id and its event stream. Call Unsubscribe
// when done.
func (c *AgentController) Subscribe() (int, <-chan AgentEvent) {
	return c.sm.bus.Subscribe()
}

// Unsubscribe stops delivering events to the given subscriber.
func (c *AgentController) Unsubscribe(id int) {
	c.sm.bus.Unsubscribe(id)
}

// PublicState returns a snapshot of the agent's current public state.
func (c *AgentController) PublicState() PublicAgentState {
	return c.sm.PublicState()
}
