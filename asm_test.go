package shai

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// scriptedBrain replays a fixed sequence of decisions, one per NextStep
// call; once exhausted it returns a FlowPause assistant message.
type scriptedBrain struct {
	mu    sync.Mutex
	step  int
	plan  []ThinkerDecision
	errs  []error
	delay time.Duration
}

func (b *scriptedBrain) NextStep(ctx context.Context, _ ThinkerContext) (ThinkerDecision, error) {
	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return ThinkerDecision{}, ctx.Err()
		}
	}
	b.mu.Lock()
	i := b.step
	b.step++
	b.mu.Unlock()
	if i < len(b.plan) {
		var err error
		if i < len(b.errs) {
			err = b.errs[i]
		}
		return b.plan[i], err
	}
	return ThinkerDecision{Message: AssistantMessage("(exhausted)"), Flow: FlowPause}, nil
}

func (b *scriptedBrain) Compressor() *ContextCompressor { return nil }

// echoingTool answers with its "text" argument; requires approval only when
// approval is set.
type echoingTool struct{ approval bool }

func (t echoingTool) Name() string                 { return "echo" }
func (t echoingTool) Description() string          { return "echoes input" }
func (t echoingTool) Schema() json.RawMessage       { return nil }
func (t echoingTool) RequiresApproval() bool        { return t.approval }
func (t echoingTool) Invoke(_ context.Context, args json.RawMessage) (string, error) {
	var v struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal(args, &v)
	return v.Text, nil
}

func newTestMachine(t *testing.T, brain Brain, registry *ToolRegistry) (*StateMachine, *EventBus, func()) {
	t.Helper()
	if registry == nil {
		registry = NewToolRegistry()
	}
	bus := NewEventBus(16, slog.Default())
	executor := NewExecutor(registry)
	sm := NewStateMachine(brain, executor, bus, "system prompt")
	ctx, cancel := context.WithCancel(context.Background())
	go sm.Run(ctx)
	return sm, bus, cancel
}

func drainUntil[T any](t *testing.T, events <-chan AgentEvent, timeout time.Duration) T {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if match, ok := ev.(T); ok {
				return match
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for event of type %T", zero)
			return zero
		}
	}
}

func TestStateMachinePlainReplyPauses(t *testing.T) {
	brain := &scriptedBrain{plan: []ThinkerDecision{
		{Message: AssistantMessage("hi there"), Flow: FlowPause},
	}}
	sm, bus, cancel := newTestMachine(t, brain, nil)
	defer cancel()

	id, events := bus.Subscribe()
	defer bus.Unsubscribe(id)

	if err := sm.Send(context.Background(), UserInputEvent{Text: "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	result := drainUntil[BrainResultPublic](t, events, 2*time.Second)
	if result.Thought != "hi there" {
		t.Errorf("Thought = %q, want %q", result.Thought, "hi there")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sm.PublicState().State == "paused" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := sm.PublicState().State; got != "paused" {
		t.Errorf("state = %q, want %q", got, "paused")
	}

	trace := sm.TraceSnapshot()
	if len(trace) != 3 { // system + user + assistant
		t.Fatalf("trace length = %d, want 3: %+v", len(trace), trace)
	}
}

func TestStateMachineToolCallRoundTrip(t *testing.T) {
	registry := NewToolRegistry()
	registry.Add(echoingTool{})

	args, _ := json.Marshal(map[string]string{"text": "payload"})
	brain := &scriptedBrain{plan: []ThinkerDecision{
		{Message: AssistantMessage("", ToolCall{ID: "c1", Name: "echo", Arguments: args}), Flow: FlowContinue},
		{Message: AssistantMessage("final answer"), Flow: FlowPause},
	}}
	sm, bus, cancel := newTestMachine(t, brain, registry)
	defer cancel()

	id, events := bus.Subscribe()
	defer bus.Unsubscribe(id)

	if err := sm.Send(context.Background(), UserInputEvent{Text: "go"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	drainUntil[ToolCallEnd](t, events, 2*time.Second)
	result := drainUntil[BrainResultPublic](t, events, 2*time.Second)
	if result.Thought != "final answer" {
		t.Errorf("Thought = %q, want %q", result.Thought, "final answer")
	}

	trace := sm.TraceSnapshot()
	var sawToolResult bool
	for _, m := range trace {
		if m.Role == RoleTool && m.Content == "payload" {
			sawToolResult = true
		}
	}
	if !sawToolResult {
		t.Errorf("expected a tool message with content %q in trace, got %+v", "payload", trace)
	}
}

func TestStateMachineBrainErrorPausesAndPublishes(t *testing.T) {
	brain := &scriptedBrain{
		plan: []ThinkerDecision{{}},
		errs: []error{&ErrBrainTransport{Cause: context.DeadlineExceeded}},
	}
	sm, bus, cancel := newTestMachine(t, brain, nil)
	defer cancel()

	id, events := bus.Subscribe()
	defer bus.Unsubscribe(id)

	if err := sm.Send(context.Background(), UserInputEvent{Text: "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	errEvent := drainUntil[BrainErrorPublic](t, events, 2*time.Second)
	if errEvent.Err == nil {
		t.Fatal("expected a non-nil error on BrainErrorPublic")
	}
}

func TestStateMachineApprovalGating(t *testing.T) {
	registry := NewToolRegistry()
	registry.Add(echoingTool{approval: true})

	args, _ := json.Marshal(map[string]string{"text": "gated"})
	brain := &scriptedBrain{plan: []ThinkerDecision{
		{Message: AssistantMessage("", ToolCall{ID: "c1", Name: "echo", Arguments: args}), Flow: FlowContinue},
		{Message: AssistantMessage("after approval"), Flow: FlowPause},
	}}
	sm, bus, cancel := newTestMachine(t, brain, registry)
	defer cancel()

	id, events := bus.Subscribe()
	defer bus.Unsubscribe(id)

	if err := sm.Send(context.Background(), UserInputEvent{Text: "go"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	approval := drainUntil[ToolCallApprovalPublic](t, events, 2*time.Second)
	if approval.Name != "echo" {
		t.Fatalf("approval.Name = %q, want %q", approval.Name, "echo")
	}

	if err := sm.Send(context.Background(), ApprovalDecisionEvent{ID: approval.ID, Approve: true}); err != nil {
		t.Fatalf("Send approval: %v", err)
	}

	end := drainUntil[ToolCallEnd](t, events, 2*time.Second)
	if end.Error != "" {
		t.Errorf("unexpected tool error: %s", end.Error)
	}
}

func TestStateMachineCancelDuringProcessing(t *testing.T) {
	brain := &scriptedBrain{
		plan:  []ThinkerDecision{{Message: AssistantMessage("too slow"), Flow: FlowPause}},
		delay: 500 * time.Millisecond,
	}
	sm, bus, cancel := newTestMachine(t, brain, nil)
	defer cancel()

	id, events := bus.Subscribe()
	defer bus.Unsubscribe(id)

	if err := sm.Send(context.Background(), UserInputEvent{Text: "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && sm.PublicState().State != "processing" {
		time.Sleep(5 * time.Millisecond)
	}

	if err := sm.Send(context.Background(), CancelTaskEvent{}); err != nil {
		t.Fatalf("Send cancel: %v", err)
	}

	drainUntil[TaskCancelledPublic](t, events, 2*time.Second)
	if got := sm.PublicState().State; got != "paused" {
		t.Errorf("state = %q, want %q", got, "paused")
	}
}
