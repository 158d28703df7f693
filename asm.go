package shai

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// StateMachine is the Agent State Machine (§4.1). It owns the trace, the
// full trace, and the state variable; it is the only writer of all three.
// Every other collaborator communicates with it by sending an InternalEvent
// over a single bounded queue, drained by Run on one logical task.
type StateMachine struct {
	mu        sync.RWMutex
	trace     []Message
	fullTrace []Message
	state     AgentState

	brain          Brain
	executor       *Executor
	bus            *EventBus
	toolCallMethod ToolCallMethod
	logger         *slog.Logger

	queue        chan InternalEvent
	runCtx       context.Context
	pendingCalls []ToolCall

	pendingCompression bool
	bufferedInput      []string

	approvals sync.Map // call ID -> chan bool, populated by Approve
}

// Option configures a StateMachine.
type Option func(*StateMachine)

// WithQueueSize sets the internal event queue's capacity. Default 64.
func WithQueueSize(n int) Option {
	return func(s *StateMachine) { s.queue = make(chan InternalEvent, n) }
}

// WithToolCallMethod sets the tool-call encoding requested of the brain.
// Default Auto.
func WithToolCallMethod(m ToolCallMethod) Option {
	return func(s *StateMachine) { s.toolCallMethod = m }
}

// WithStateLogger sets the structured logger.
func WithStateLogger(l *slog.Logger) Option {
	return func(s *StateMachine) { s.logger = l }
}

// NewStateMachine creates an idle StateMachine. If systemPrompt is
// non-empty, both traces start with a single System message.
func NewStateMachine(brain Brain, executor *Executor, bus *EventBus, systemPrompt string, opts ...Option) *StateMachine {
	s := &StateMachine{
		brain:    brain,
		executor: executor,
		bus:      bus,
		logger:   nopLogger,
		queue:    make(chan InternalEvent, 64),
	}
	if systemPrompt != "" {
		m := SystemMessage(systemPrompt)
		s.trace = []Message{m}
		s.fullTrace = []Message{m}
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = nopLogger
	}
	executor.SetPublisher(s.bus.Publish)
	executor.SetApproval(s.Approve)
	return s
}

// Send delivers an internal event to the queue, blocking if it is full
// until ctx is done.
func (s *StateMachine) Send(ctx context.Context, ev InternalEvent) error {
	select {
	case s.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublicState returns a snapshot of the current public state.
func (s *StateMachine) PublicState() PublicAgentState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.public()
}

// TraceSnapshot returns a shallow copy of the current trace.
func (s *StateMachine) TraceSnapshot() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshot(s.trace)
}

// Approve publishes a tool-approval request for call and blocks until an
// ApprovalDecision for call.ID arrives, or returns false if ctx is
// cancelled first. Installed on the Executor by
// NewStateMachine; exists so the approval round-trip goes through the same
// event queue as every other state transition.
func (s *StateMachine) Approve(ctx context.Context, call ToolCall) bool {
	ch := make(chan bool, 1)
	s.approvals.Store(call.ID, ch)
	defer s.approvals.Delete(call.ID)
	s.bus.Publish(ToolCallApprovalPublic{ID: call.ID, Name: call.Name, Args: call.Arguments})
	select {
	case approve := <-ch:
		return approve
	case <-ctx.Done():
		return false
	}
}

func snapshot(trace []Message) []Message {
	out := make([]Message, len(trace))
	copy(out, trace)
	return out
}

// Run drains the event queue until ctx is cancelled or a Shutdown event is
// processed. It is the ASM's single logical task (§5).
func (s *StateMachine) Run(ctx context.Context) {
	s.runCtx = ctx
	for {
		select {
		case ev := <-s.queue:
			if _, shutdown := ev.(ShutdownEvent); shutdown {
				s.handleShutdown()
				return
			}
			s.handleEvent(ev)
		case <-ctx.Done():
			return
		}
	}
}

func (s *StateMachine) handleEvent(ev InternalEvent) {
	// ApprovalDecision is routed by call ID, independent of current state.
	if ad, ok := ev.(ApprovalDecisionEvent); ok {
		if ch, ok := s.approvals.Load(ad.ID); ok {
			ch.(chan bool) <- ad.Approve
		} else {
			s.logger.Warn("approval decision for unknown or expired call", "id", ad.ID)
		}
		return
	}

	switch e := ev.(type) {
	case UserInputEvent:
		s.handleUserInput(e.Text)
	case BrainResultEvent:
		if s.stateKind() != stateProcessing || s.taskName() != "next_step" {
			s.logger.Warn("dropping stale brain result", "state", s.stateKind())
			return
		}
		s.handleBrainResult(e)
	case ToolsResultEvent:
		if s.stateKind() != stateProcessing || s.taskName() != "tools" {
			s.logger.Warn("dropping stale tools result", "state", s.stateKind())
			return
		}
		s.handleToolsResult(e)
	case CancelTaskEvent:
		s.handleCancel()
	case ManualCompressionEvent:
		s.handleManualCompression()
	}
}

func (s *StateMachine) stateKind() agentStateKind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.kind
}

func (s *StateMachine) taskName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.taskName
}

func (s *StateMachine) setState(st AgentState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.bus.Publish(StateChangedPublic{State: st.public()})
}

func (s *StateMachine) appendBoth(m Message) {
	s.mu.Lock()
	s.trace = append(s.trace, m)
	s.fullTrace = append(s.fullTrace, m)
	s.mu.Unlock()
}

func (s *StateMachine) handleUserInput(text string) {
	switch s.stateKind() {
	case stateProcessing:
		s.bufferedInput = append(s.bufferedInput, text)
	default: // Idle, Paused
		s.appendBoth(UserMessage(text))
		s.spawnBrainStep()
	}
}

func (s *StateMachine) spawnBrainStep() {
	tctx := ThinkerContext{
		TraceRef:       s.TraceSnapshot(),
		AvailableTools: s.executor.registry.Definitions(),
		ToolCallMethod: s.toolCallMethod,
	}
	cancel := spawnNextStep(s.runCtx, s.brain, tctx, s.queue)
	s.setState(AgentState{kind: stateProcessing, taskName: "next_step", startedAt: time.Now(), cancel: cancel})
}

func (s *StateMachine) spawnToolStep(calls []ToolCall) {
	s.pendingCalls = calls
	cancel := spawnToolBatch(s.runCtx, s.executor, calls, s.queue)
	s.setState(AgentState{kind: stateProcessing, taskName: "tools", startedAt: time.Now(), cancel: cancel})
}

func spawnToolBatch(parent context.Context, executor *Executor, calls []ToolCall, queue chan<- InternalEvent) func() {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		outcomes := executor.Execute(ctx, calls)
		if ctx.Err() != nil {
			// Cancelled: the outcomes are dropped, never delivered.
			return
		}
		queue <- ToolsResultEvent{Outcomes: outcomes}
	}()
	return cancel
}

// handleBrainResult implements §4.2's six-step algorithm.
func (s *StateMachine) handleBrainResult(e BrainResultEvent) {
	// Step 1: conditional compression runs first, regardless of outcome.
	s.runConditionalCompress()

	// Step 2: transport/brain-level error.
	if e.Err != nil {
		s.bus.Publish(BrainErrorPublic{Err: e.Err})
		s.enterPaused()
		return
	}

	// Step 3: the decision's message must be Assistant.
	if e.Decision.Message.Role != RoleAssistant {
		s.bus.Publish(BrainErrorPublic{Err: &ErrInvalidResponse{Got: e.Decision.Message.Role}})
		s.enterPaused()
		return
	}

	// Step 4: append, emit, forward token usage.
	msg := e.Decision.Message
	s.appendBoth(msg)
	s.bus.Publish(BrainResultPublic{Timestamp: NowUnix(), Thought: msg.Content})
	if e.Decision.TokenUsage != nil {
		s.bus.Publish(TokenUsagePublic{
			PromptTokens:     e.Decision.TokenUsage.PromptTokens,
			CompletionTokens: e.Decision.TokenUsage.CompletionTokens,
		})
		if c := s.brain.Compressor(); c != nil {
			c.UpdateTokenCount(e.Decision.TokenUsage.PromptTokens, e.Decision.TokenUsage.CompletionTokens)
		}
	}

	// Step 5: hand off to the tool executor if any tool calls were requested.
	if len(msg.ToolCalls) > 0 {
		s.spawnToolStep(msg.ToolCalls)
		return
	}

	// Step 6: consult flow control.
	if e.Decision.Flow == FlowContinue {
		s.spawnBrainStep()
		return
	}
	s.enterPaused()
}

func (s *StateMachine) handleToolsResult(e ToolsResultEvent) {
	for _, o := range e.Outcomes {
		content := o.Content
		if o.Error != "" {
			content = o.Error
		}
		s.appendBoth(ToolMessage(o.ID, content))
	}
	s.pendingCalls = nil
	s.spawnBrainStep()
}

func (s *StateMachine) handleCancel() {
	if s.stateKind() != stateProcessing {
		return
	}
	s.mu.RLock()
	cancel := s.state.cancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}

	if len(s.pendingCalls) > 0 {
		for _, c := range s.pendingCalls {
			s.appendBoth(ToolMessage(c.ID, "cancelled"))
		}
		s.pendingCalls = nil
	} else {
		s.appendBoth(SystemMessage("[task cancelled by user]"))
	}

	s.bus.Publish(TaskCancelledPublic{})
	s.enterPaused()
}

func (s *StateMachine) handleManualCompression() {
	if s.stateKind() == statePaused {
		s.runForceCompress()
		return
	}
	s.pendingCompression = true
}

// enterPaused transitions to Paused, then drains any work queued while
// Processing: a pending forced compression runs first, then one buffered
// user input (if any) is replayed, which immediately leaves Paused again.
func (s *StateMachine) enterPaused() {
	s.setState(AgentState{kind: statePaused})

	if s.pendingCompression {
		s.pendingCompression = false
		s.runForceCompress()
	}

	if len(s.bufferedInput) > 0 {
		text := s.bufferedInput[0]
		s.bufferedInput = s.bufferedInput[1:]
		s.appendBoth(UserMessage(text))
		s.spawnBrainStep()
	}
}

func (s *StateMachine) runConditionalCompress() {
	c := s.brain.Compressor()
	if c == nil {
		return
	}
	s.mu.Lock()
	trace, full := s.trace, s.fullTrace
	newTrace, info, err := c.ConditionalCompress(s.runCtx, trace, full)
	if err == nil && info != nil {
		s.trace = newTrace
	}
	s.mu.Unlock()
	if info != nil {
		s.bus.Publish(ContextCompressedPublic{Info: *info})
	}
}

func (s *StateMachine) runForceCompress() {
	c := s.brain.Compressor()
	if c == nil {
		return
	}
	s.mu.Lock()
	trace, full := s.trace, s.fullTrace
	newTrace, info, err := c.ForceCompress(s.runCtx, trace, full)
	if err == nil && info != nil {
		s.trace = newTrace
	}
	s.mu.Unlock()
	if info != nil {
		s.bus.Publish(ContextCompressedPublic{Info: *info})
	}
}

// handleShutdown cancels any in-flight task, then drains whatever is
// already queued (the cancelled task's own result included, if it manages
// to land before Run's loop exits) before Run returns. It does not block
// waiting for new events to arrive: a background task that respects its
// cancellation never sends after it observes ctx.Done, so drain is
// non-blocking by construction (§5 Cancellation).
func (s *StateMachine) handleShutdown() {
	s.mu.RLock()
	cancel := s.state.cancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	for {
		select {
		case <-s.queue:
		default:
			return
		}
	}
}
