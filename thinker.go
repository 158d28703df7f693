package shai

import "context"

// Brain is the external decision-making trait consumed by the thinker
// driver (§6). NextStep does not run the context compressor; the ASM
// reaches a brain's compressor through Compressor() and runs it itself
// (§4.2 step 1, §9 "Brain downcast for
// compressor access" — re-architected here as a plain accessor instead of
// a runtime downcast).
type Brain interface {
	// NextStep requests one decision given ctx. Implementations must
	// return an Assistant Message in the decision on success.
	NextStep(ctx context.Context, tctx ThinkerContext) (ThinkerDecision, error)
	// Compressor returns the brain's owned compressor, or nil if this
	// brain opts out of compression entirely.
	Compressor() *ContextCompressor
}

// spawnNextStep launches a brain call in the background and delivers its
// outcome as a BrainResultEvent on queue. The returned cancel func arms the
// ASM's Processing{task:"next_step"} cancel handle.
func spawnNextStep(parent context.Context, brain Brain, tctx ThinkerContext, queue chan<- InternalEvent) func() {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		decision, err := brain.NextStep(ctx, tctx)
		if ctx.Err() != nil {
			// Cancelled: the result is dropped, never delivered (§5
			// Cancellation). The ASM already transitioned to Paused
			// synchronously when it handled CancelTaskEvent.
			return
		}
		queue <- BrainResultEvent{Decision: decision, Err: err}
	}()
	return cancel
}
