package pipeline

import "context"

// StageExecutor performs the actual work of one stage. Executors are
// external collaborators behind a narrow execute-with-deadline contract;
// the engine knows nothing about what happens inside one.
//
// Executors must:
//   - Respect ctx cancellation and deadlines
//   - Tolerate at-most-once invocation on timeout (the engine never retries
//     within a single stage attempt; retry, if any, belongs to the next
//     orchestrator run)
//   - Return a StageOutput on success or an error on failure
type StageExecutor interface {
	// Execute runs the stage to completion or failure within the deadline
	// carried by ctx.
	Execute(ctx context.Context, input StageInput) (StageOutput, error)
}

// StageInput carries everything an executor may need to do its work.
type StageInput struct {
	// SubjectKey is the audit subject, e.g. a domain name.
	SubjectKey string

	// StageType names the stage being executed, e.g. "scrape".
	StageType string

	// OrchestratorID is the parent orchestrator execution ID.
	OrchestratorID string

	// ExecutionID is this stage's own execution record ID.
	ExecutionID string

	// Params holds the stage's configured parameters from the registry.
	Params map[string]string
}

// StageOutput is the result of a successful stage execution.
type StageOutput struct {
	// OutputRef points at where the stage stored its output, typically an
	// artifact store reference. Persisted on the stage execution record.
	OutputRef string

	// Detail carries optional structured data for observability events,
	// such as token counts or item totals. Never persisted.
	Detail map[string]interface{}
}

// ExecutorFunc is a function adapter that implements StageExecutor.
// It allows using plain functions as executors without creating custom types.
//
// Example:
//
//	scrape := pipeline.ExecutorFunc(func(ctx context.Context, in pipeline.StageInput) (pipeline.StageOutput, error) {
//	    ref, err := fetchAndStore(ctx, in.SubjectKey)
//	    if err != nil {
//	        return pipeline.StageOutput{}, err
//	    }
//	    return pipeline.StageOutput{OutputRef: ref}, nil
//	})
type ExecutorFunc func(ctx context.Context, input StageInput) (StageOutput, error)

// Execute implements StageExecutor for ExecutorFunc.
func (f ExecutorFunc) Execute(ctx context.Context, input StageInput) (StageOutput, error) {
	return f(ctx, input)
}

// Precondition decides whether a stage can be skipped, e.g. because enough
// data already exists for the subject. Returning true skips the stage.
//
// Preconditions are policy, not engine logic. Their thresholds arrive as
// per-stage configuration; the engine only evaluates the predicate. An
// error counts as "not satisfied" so the stage still runs.
type Precondition func(ctx context.Context, subjectKey string) (bool, error)
