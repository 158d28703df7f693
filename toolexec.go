package shai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Tool is the external tool trait consumed by the executor (§6).
type Tool interface {
	Name() string
	Description() string
	// Schema returns the tool's JSON-Schema-shaped argument definition, or
	// nil if arguments are unvalidated.
	Schema() json.RawMessage
	// Invoke runs the tool body. ctx is a child of the ASM's Processing
	// cancel handle; implementations should check it at suspension points.
	Invoke(ctx context.Context, args json.RawMessage) (string, error)
	// RequiresApproval reports whether the runtime must gate this call on
	// an ApprovalDecision event before invoking it (§4.3.b).
	RequiresApproval() bool
}

// Definition projects a Tool into the brain-facing ToolDefinition.
func Definition(t Tool) ToolDefinition {
	return ToolDefinition{Name: t.Name(), Description: t.Description(), Schema: t.Schema()}
}

// ToolRegistry holds the catalog of available tools.
type ToolRegistry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	order  []string
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Add registers a tool, replacing any existing tool of the same name.
func (r *ToolRegistry) Add(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Get looks up a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns ToolDefinitions for every registered tool, in
// registration order.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, Definition(r.tools[name]))
	}
	return defs
}

// ApprovalFunc is asked to approve one side-effectful call. It blocks until
// a decision is made or ctx is cancelled, in which case it must return false.
type ApprovalFunc func(ctx context.Context, call ToolCall) bool

// Executor runs ToolCall batches with per-call approval gating, bounded
// parallelism, panic safety, and per-tool timeouts (§4.3), grounded on the
// teacher's fixed-worker-pool dispatch (dispatchParallel).
type Executor struct {
	registry       *ToolRegistry
	maxParallel    int
	defaultTimeout time.Duration
	approvalMode   bool
	approve        ApprovalFunc
	publish        func(AgentEvent)
	logger         *slog.Logger
	post           *ProcessorChain
	validators     sync.Map // tool name -> *jsonschema.Schema
}

// ExecOption configures an Executor.
type ExecOption func(*Executor)

// WithMaxParallel bounds the number of tool calls dispatched concurrently
// within one batch. Default 4.
func WithMaxParallel(n int) ExecOption {
	return func(e *Executor) { e.maxParallel = n }
}

// WithDefaultTimeout sets the timeout applied to every tool call. Tools
// have no timeout setting of their own; all tools share this value.
// Default 30s.
func WithDefaultTimeout(d time.Duration) ExecOption {
	return func(e *Executor) { e.defaultTimeout = d }
}

// WithApproval enables user-approval gating for tools that report
// RequiresApproval() true, using fn to solicit the decision.
func WithApproval(fn ApprovalFunc) ExecOption {
	return func(e *Executor) { e.approvalMode = true; e.approve = fn }
}

// WithExecLogger sets the structured logger.
func WithExecLogger(l *slog.Logger) ExecOption {
	return func(e *Executor) { e.logger = l }
}

// WithPostToolProcessors attaches a chain whose PostToolProcessor hooks run
// against each call's outcome immediately after Invoke returns, before the
// result is published or appended to history.
func WithPostToolProcessors(chain *ProcessorChain) ExecOption {
	return func(e *Executor) { e.post = chain }
}

// SetApproval installs (or replaces) the approval callback and enables
// approval gating. Exists alongside WithApproval because the callback
// commonly closes over the StateMachine, which is constructed after the
// Executor it depends on.
func (e *Executor) SetApproval(fn ApprovalFunc) {
	e.approvalMode = true
	e.approve = fn
}

// SetPublisher installs the callback used to emit ToolCallStart/ToolCallEnd
// as each call is dispatched and completes (§5: "per-call, overlapping
// allowed" — these fire from the dispatching goroutines themselves, not
// batched after the fact).
func (e *Executor) SetPublisher(publish func(AgentEvent)) {
	e.publish = publish
}

// NewExecutor creates an Executor dispatching against registry.
func NewExecutor(registry *ToolRegistry, opts ...ExecOption) *Executor {
	e := &Executor{
		registry:       registry,
		maxParallel:    4,
		defaultTimeout: 30 * time.Second,
		logger:         nopLogger,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = nopLogger
	}
	return e
}

// Execute runs calls (non-empty per §4.3) and returns outcomes in the same
// order as calls, regardless of completion order (§4.3.d, invariant: S6).
func (e *Executor) Execute(ctx context.Context, calls []ToolCall) []ToolOutcome {
	results := make([]ToolOutcome, len(calls))

	type job struct {
		idx  int
		call ToolCall
	}
	jobs := make(chan job, len(calls))
	for i, c := range calls {
		jobs <- job{idx: i, call: c}
	}
	close(jobs)

	workers := e.maxParallel
	if workers > len(calls) {
		workers = len(calls)
	}
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for j := range jobs {
				results[j.idx] = e.runOne(ctx, j.call)
			}
		}()
	}
	wg.Wait()

	return results
}

func (e *Executor) runOne(ctx context.Context, call ToolCall) (outcome ToolOutcome) {
	outcome.ID = call.ID

	if e.publish != nil {
		e.publish(ToolCallStart{ID: call.ID, Name: call.Name, Args: call.Arguments})
	}
	defer func() {
		if e.publish != nil {
			e.publish(ToolCallEnd{ID: outcome.ID, Name: call.Name, Result: outcome.Content, Error: outcome.Error})
		}
	}()

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		outcome.Error = "unknown tool"
		return outcome
	}

	if err := ctx.Err(); err != nil {
		outcome.Error = "cancelled"
		return outcome
	}

	if err := e.validate(tool, call.Arguments); err != nil {
		outcome.Error = fmt.Sprintf("invalid arguments: %v", err)
		return outcome
	}

	if tool.RequiresApproval() && e.approvalMode {
		if !e.approve(ctx, call) {
			outcome.Error = "user denied"
			return outcome
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.defaultTimeout)
	defer cancel()

	type invokeResult struct {
		content string
		err     error
	}
	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- invokeResult{err: fmt.Errorf("%v", p)}
			}
		}()
		content, err := tool.Invoke(callCtx, call.Arguments)
		done <- invokeResult{content: content, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if callCtx.Err() != nil {
				outcome.Error = "timeout"
			} else {
				outcome.Error = r.err.Error()
			}
			return outcome
		}
		outcome.Content = r.content
		if e.post != nil {
			if err := e.post.RunPostTool(ctx, call, &outcome); err != nil {
				if halt, ok := err.(*ErrHalt); ok {
					outcome.Content = halt.Response
					outcome.Error = ""
				} else {
					outcome.Error = err.Error()
				}
			}
		}
		return outcome
	case <-callCtx.Done():
		if ctx.Err() != nil {
			outcome.Error = "cancelled"
		} else {
			outcome.Error = "timeout"
		}
		return outcome
	}
}

func (e *Executor) validate(tool Tool, args json.RawMessage) error {
	schema := tool.Schema()
	if len(schema) == 0 {
		return nil
	}
	sch, err := e.schemaFor(tool.Name(), schema)
	if err != nil || sch == nil {
		return nil
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return err
	}
	return sch.Validate(v)
}

func (e *Executor) schemaFor(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if cached, ok := e.validators.Load(name); ok {
		return cached.(*jsonschema.Schema), nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, err
	}
	sch, err := c.Compile(name)
	if err != nil {
		return nil, err
	}
	e.validators.Store(name, sch)
	return sch, nil
}
