package pipeline

import (
	"context"
	"errors"
	"time"
)

// stageTimeout determines the timeout for a stage based on precedence:
// 1. StageDef.Timeout (per-stage override)
// 2. defaultTimeout (engine-wide default)
// 3. 0 (no timeout, unlimited execution)
func stageTimeout(def StageDef, defaultTimeout time.Duration) time.Duration {
	if def.Timeout > 0 {
		return def.Timeout
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}

// executeStageWithTimeout invokes the executor and awaits either its result
// or the stage deadline, whichever comes first.
//
// The executor runs in its own goroutine with a deadline-carrying context.
// When the deadline fires the engine stops waiting and records the timeout;
// the executor keeps its cancelled context and is expected to wind down on
// its own. This is the at-most-once contract: the engine never retries the
// attempt, and a result arriving after the deadline is discarded.
//
// A cooperative executor that returns context.DeadlineExceeded itself gets
// the same StageTimeoutError as one the engine had to abandon.
func executeStageWithTimeout(ctx context.Context, def StageDef, input StageInput, defaultTimeout time.Duration) (StageOutput, error) {
	timeout := stageTimeout(def, defaultTimeout)

	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type stageResult struct {
		out StageOutput
		err error
	}
	// Buffered so a late executor can deliver and exit instead of leaking.
	resCh := make(chan stageResult, 1)

	go func() {
		out, err := def.Executor.Execute(execCtx, input)
		resCh <- stageResult{out: out, err: err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) && timeout > 0 {
			return StageOutput{}, &StageTimeoutError{Stage: def.Type, Limit: timeout}
		}
		return res.out, res.err
	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && timeout > 0 {
			return StageOutput{}, &StageTimeoutError{Stage: def.Type, Limit: timeout}
		}
		// Parent context cancelled: surface as-is so the stage is recorded
		// failed with the cancellation message.
		return StageOutput{}, execCtx.Err()
	}
}
