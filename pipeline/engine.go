package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/auditflow/auditflow-go/pipeline/emit"
	"github.com/auditflow/auditflow-go/pipeline/store"
)

// defaultStageTimeout bounds a stage attempt when neither the stage
// definition nor the engine options say otherwise.
const defaultStageTimeout = 10 * time.Minute

// Engine drives one audit run through the stage registry.
//
// The Engine is the only component that mutates stage records. For each
// registry entry, in order, it:
//   - Evaluates the stage's precondition and records a skip when satisfied
//   - Creates the stage record and invokes the external executor with a
//     bounded deadline
//   - Records the terminal stage status and applies the criticality policy
//   - Finally computes the orchestrator's terminal status from its children
//
// Stages run strictly sequentially within one orchestrator. Concurrency
// exists only across orchestrators (distinct subject keys), which share
// nothing but the store. The Engine holds no authoritative state in memory,
// so any number of engine-hosting processes can run side by side.
type Engine struct {
	store    store.ExecutionStore
	registry *Registry
	emitter  emit.Emitter
	metrics  *PrometheusMetrics

	stageTimeout time.Duration
}

// NewEngine creates an Engine over the given store and stage registry.
//
// Parameters:
//   - st: Execution record store (required)
//   - registry: Ordered stage definitions (required)
//   - opts: Optional configuration (emitter, metrics, default timeout)
func NewEngine(st store.ExecutionStore, registry *Registry, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, &EngineError{Message: "engine requires an execution store", Code: "NIL_STORE"}
	}
	if registry == nil || registry.Len() == 0 {
		return nil, &EngineError{Message: "engine requires a non-empty stage registry", Code: "EMPTY_REGISTRY"}
	}

	cfg := engineConfig{
		emitter:             emit.NewNullEmitter(),
		defaultStageTimeout: defaultStageTimeout,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	return &Engine{
		store:        st,
		registry:     registry,
		emitter:      cfg.emitter,
		metrics:      cfg.metrics,
		stageTimeout: cfg.defaultStageTimeout,
	}, nil
}

// Registry returns the engine's stage registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Run executes every registry stage for the given orchestrator and records
// its terminal status. The orchestrator must be in pending state, freshly
// created by the guard.
//
// Run blocks until the audit reaches a terminal status. Callers wanting
// fire-and-forget semantics run it in a goroutine; the Service does exactly
// that. The returned error reports why an audit failed; completed and
// partial outcomes return nil.
func (e *Engine) Run(ctx context.Context, orchestratorID, subjectKey string) error {
	if orchestratorID == "" {
		return &EngineError{Message: "orchestrator ID cannot be empty", Code: "INVALID_RUN"}
	}
	if subjectKey == "" {
		return &EngineError{Message: "subject key cannot be empty", Code: "INVALID_RUN"}
	}

	if err := e.store.MarkRunning(ctx, orchestratorID, time.Now()); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Someone else already ran (or is running) this orchestrator.
			// With the guard in front of Run this means a double submission
			// of the same execution, not a recoverable race.
			return &EngineError{
				Message: fmt.Sprintf("orchestrator %s is not pending", orchestratorID),
				Code:    "ALREADY_STARTED",
			}
		}
		// The store rejected the transition outright. Try to fail the
		// orchestrator so the subject key is not wedged behind a pending
		// record the reaper cannot see (it only sweeps running rows).
		_, _ = e.store.MarkTerminal(ctx, orchestratorID, store.StatusFailed, time.Now(), "failed to start: "+err.Error(), "")
		return fmt.Errorf("mark orchestrator running: %w", err)
	}

	e.metrics.AuditStarted()
	e.emitter.Emit(emit.Event{
		ExecutionID: orchestratorID,
		SubjectKey:  subjectKey,
		Msg:         "audit started",
		Meta: map[string]interface{}{
			"stages": e.registry.Len(),
		},
	})

	var criticalErr error
	for _, def := range e.registry.Stages() {
		failure, err := e.runStage(ctx, orchestratorID, subjectKey, def)
		if err != nil {
			// Store-level failure: no stage record could be written. Fail
			// the orchestrator rather than continue blind.
			_, _ = e.store.MarkTerminal(ctx, orchestratorID, store.StatusFailed, time.Now(), err.Error(), "")
			e.metrics.AuditFinished(string(store.StatusFailed))
			return err
		}
		if failure != nil && def.Criticality == store.Critical {
			criticalErr = &CriticalStageError{Stage: def.Type, Err: failure}
			break
		}
	}

	return e.finish(ctx, orchestratorID, subjectKey, criticalErr)
}

// runStage executes a single registry entry and records its outcome.
//
// The first return value is the stage's failure, nil when the stage
// completed or was skipped. The second return value reports store errors
// that prevented recording the stage at all; those abort the whole run.
func (e *Engine) runStage(ctx context.Context, orchestratorID, subjectKey string, def StageDef) (stageFailure, storeErr error) {
	now := time.Now()

	if def.Precondition != nil {
		satisfied, err := def.Precondition(ctx, subjectKey)
		if err != nil {
			// Precondition policy errors never block the stage: treat the
			// check as unsatisfied and run the work.
			e.emitter.Emit(emit.Event{
				ExecutionID: orchestratorID,
				SubjectKey:  subjectKey,
				Stage:       def.Type,
				Msg:         "precondition check failed",
				Meta:        map[string]interface{}{"error": err.Error()},
			})
		} else if satisfied {
			skip := store.Execution{
				ID:          uuid.NewString(),
				SubjectKey:  subjectKey,
				Kind:        store.KindStage,
				StageType:   def.Type,
				ParentID:    orchestratorID,
				Status:      store.StatusSkipped,
				Criticality: def.Criticality,
				CreatedAt:   now,
			}
			if err := e.store.Insert(ctx, skip); err != nil {
				return nil, fmt.Errorf("record skipped stage %s: %w", def.Type, err)
			}
			e.metrics.RecordStageLatency(def.Type, 0, "skipped")
			e.emitter.Emit(emit.Event{
				ExecutionID: orchestratorID,
				SubjectKey:  subjectKey,
				Stage:       def.Type,
				Msg:         "stage skipped",
			})
			return nil, nil
		}
	}

	exec := store.Execution{
		ID:          uuid.NewString(),
		SubjectKey:  subjectKey,
		Kind:        store.KindStage,
		StageType:   def.Type,
		ParentID:    orchestratorID,
		Status:      store.StatusRunning,
		Criticality: def.Criticality,
		StartTime:   now,
		CreatedAt:   now,
	}
	if err := e.store.Insert(ctx, exec); err != nil {
		return nil, fmt.Errorf("record stage %s: %w", def.Type, err)
	}

	e.emitter.Emit(emit.Event{
		ExecutionID: orchestratorID,
		SubjectKey:  subjectKey,
		Stage:       def.Type,
		Msg:         "stage started",
		Meta: map[string]interface{}{
			"criticality": string(def.Criticality),
		},
	})

	input := StageInput{
		SubjectKey:     subjectKey,
		StageType:      def.Type,
		OrchestratorID: orchestratorID,
		ExecutionID:    exec.ID,
		Params:         def.Params,
	}

	out, err := executeStageWithTimeout(ctx, def, input, e.stageTimeout)
	elapsed := time.Since(now)

	if err != nil {
		status := "error"
		var timeoutErr *StageTimeoutError
		if errors.As(err, &timeoutErr) {
			status = "timeout"
		}
		if _, terr := e.store.MarkTerminal(ctx, exec.ID, store.StatusFailed, time.Now(), err.Error(), ""); terr != nil {
			return nil, fmt.Errorf("record stage %s failure: %w", def.Type, terr)
		}
		e.metrics.RecordStageLatency(def.Type, elapsed, status)
		e.emitter.Emit(emit.Event{
			ExecutionID: orchestratorID,
			SubjectKey:  subjectKey,
			Stage:       def.Type,
			Msg:         "stage failed",
			Meta: map[string]interface{}{
				"error":       err.Error(),
				"criticality": string(def.Criticality),
				"duration_ms": elapsed.Milliseconds(),
			},
		})
		return err, nil
	}

	changed, terr := e.store.MarkTerminal(ctx, exec.ID, store.StatusCompleted, time.Now(), "", out.OutputRef)
	if terr != nil {
		return nil, fmt.Errorf("record stage %s completion: %w", def.Type, terr)
	}
	if !changed {
		// The reaper got here first and force-failed the stage. Its verdict
		// stands; report the stored failure so the criticality policy sees it.
		stored, gerr := e.store.Get(ctx, exec.ID)
		if gerr != nil {
			return nil, fmt.Errorf("reload stage %s: %w", def.Type, gerr)
		}
		if stored.Status == store.StatusFailed {
			e.metrics.RecordStageLatency(def.Type, elapsed, "timeout")
			return &StageTimeoutError{Stage: def.Type, Limit: stageTimeout(def, e.stageTimeout)}, nil
		}
	}

	e.metrics.RecordStageLatency(def.Type, elapsed, "success")
	meta := map[string]interface{}{
		"duration_ms": elapsed.Milliseconds(),
	}
	if out.OutputRef != "" {
		meta["output_ref"] = out.OutputRef
	}
	for k, v := range out.Detail {
		meta[k] = v
	}
	e.emitter.Emit(emit.Event{
		ExecutionID: orchestratorID,
		SubjectKey:  subjectKey,
		Stage:       def.Type,
		Msg:         "stage completed",
		Meta:        meta,
	})
	return nil, nil
}

// finish computes and persists the orchestrator's terminal status from its
// children, then reports the outcome.
func (e *Engine) finish(ctx context.Context, orchestratorID, subjectKey string, criticalErr error) error {
	children, err := e.store.Children(ctx, orchestratorID)
	if err != nil {
		_, _ = e.store.MarkTerminal(ctx, orchestratorID, store.StatusFailed, time.Now(), "load stages: "+err.Error(), "")
		e.metrics.AuditFinished(string(store.StatusFailed))
		return fmt.Errorf("load stages for %s: %w", orchestratorID, err)
	}

	status := terminalStatus(children)
	errMsg := ""
	if criticalErr != nil {
		errMsg = criticalErr.Error()
	} else if status == store.StatusFailed {
		errMsg = "critical stage failed"
	}

	changed, err := e.store.MarkTerminal(ctx, orchestratorID, status, time.Now(), errMsg, "")
	if err != nil {
		e.metrics.AuditFinished(string(store.StatusFailed))
		return fmt.Errorf("record orchestrator terminal status: %w", err)
	}
	if !changed {
		// The reaper force-failed the orchestrator while we were finishing.
		// Its terminal state wins; report what is actually stored.
		stored, gerr := e.store.Get(ctx, orchestratorID)
		if gerr == nil {
			status = stored.Status
		}
	}

	e.metrics.AuditFinished(string(status))
	meta := map[string]interface{}{
		"status": string(status),
		"stages": len(children),
	}
	msg := "audit completed"
	if status == store.StatusFailed {
		msg = "audit failed"
		if errMsg != "" {
			meta["error"] = errMsg
		}
	}
	e.emitter.Emit(emit.Event{
		ExecutionID: orchestratorID,
		SubjectKey:  subjectKey,
		Msg:         msg,
		Meta:        meta,
	})

	if criticalErr != nil {
		return criticalErr
	}
	return nil
}

// terminalStatus derives an orchestrator's terminal status from its stage
// records: failed when any critical stage failed, partial when only
// non-critical stages failed, completed when every stage completed or was
// skipped.
func terminalStatus(children []store.Execution) store.Status {
	anyFailed := false
	for _, child := range children {
		if child.Status != store.StatusFailed {
			continue
		}
		anyFailed = true
		if child.Criticality == store.Critical {
			return store.StatusFailed
		}
	}
	if anyFailed {
		return store.StatusPartial
	}
	return store.StatusCompleted
}
