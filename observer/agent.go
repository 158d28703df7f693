package observer

import (
	"context"

	shai "github.com/MyEcoria/shai"
)

// ObservedBrain wraps a shai.Brain to emit an OTEL span around every
// NextStep call, recording the requested tool-call method and the resulting
// token usage or error.
type ObservedBrain struct {
	inner  shai.Brain
	tracer shai.Tracer
}

// WrapBrain returns a Brain that emits a "brain.next_step" span per call.
func WrapBrain(inner shai.Brain, tracer shai.Tracer) *ObservedBrain {
	return &ObservedBrain{inner: inner, tracer: tracer}
}

// Compressor delegates to the wrapped brain.
func (o *ObservedBrain) Compressor() *shai.ContextCompressor { return o.inner.Compressor() }

// NextStep wraps the inner call in a span.
func (o *ObservedBrain) NextStep(ctx context.Context, tctx shai.ThinkerContext) (shai.ThinkerDecision, error) {
	ctx, span := o.tracer.Start(ctx, "brain.next_step",
		shai.StringAttr(string(AttrLLMMethod), tctx.ToolCallMethod.String()),
		shai.IntAttr("trace.length", len(tctx.TraceRef)),
	)
	defer span.End()

	decision, err := o.inner.NextStep(ctx, tctx)
	if err != nil {
		span.Error(err)
		return decision, err
	}

	if decision.TokenUsage != nil {
		span.SetAttr(
			shai.IntAttr(string(AttrTokensInput), decision.TokenUsage.PromptTokens),
			shai.IntAttr(string(AttrTokensOutput), decision.TokenUsage.CompletionTokens),
		)
	}
	span.SetAttr(shai.IntAttr("tool_calls", len(decision.Message.ToolCalls)))
	span.Event("brain.decided", shai.StringAttr("flow", decision.Flow.String()))
	return decision, nil
}

var _ shai.Brain = (*ObservedBrain)(nil)

// SpanTools subscribes to an AgentController's event stream and turns each
// ToolCallStart/ToolCallEnd pair into a span, until ctx is cancelled. Run it
// in its own goroutine alongside StateMachine.Run.
func SpanTools(ctx context.Context, ctrl *shai.AgentController, tracer shai.Tracer) {
	id, events := ctrl.Subscribe()
	defer ctrl.Unsubscribe(id)

	open := make(map[string]shai.Span)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case shai.ToolCallStart:
				_, span := tracer.Start(ctx, "tool.invoke",
					shai.StringAttr(string(AttrToolName), e.Name),
				)
				open[e.ID] = span
			case shai.ToolCallEnd:
				span, ok := open[e.ID]
				if !ok {
					continue
				}
				delete(open, e.ID)
				if e.Error != "" {
					span.SetAttr(shai.StringAttr(string(AttrToolStatus), "error"))
				} else {
					span.SetAttr(
						shai.StringAttr(string(AttrToolStatus), "ok"),
						shai.IntAttr(string(AttrToolResultLength), len(e.Result)),
					)
				}
				span.End()
			}
		case <-ctx.Done():
			return
		}
	}
}
