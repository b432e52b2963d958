package pipeline

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/auditflow/auditflow-go/pipeline/store"
)

// StageStatus describes one stage's standing within an audit run.
type StageStatus struct {
	// Stage is the stage type, for example "scrape" or "enrich".
	Stage string

	// Status is the stage's current lifecycle status. Registry stages the
	// engine has not reached yet report store.StatusPending.
	Status store.Status

	// Progress is a percentage in [0, 100].
	Progress float64

	// ErrorMessage holds the failure reason for failed stages.
	ErrorMessage string

	// RetryPossible reports whether resubmitting the audit could plausibly
	// succeed, derived from the failure class of the stored error.
	RetryPossible bool

	// StartedAt is when the stage began running. Zero for pending and
	// skipped stages.
	StartedAt time.Time

	// Duration is the stage's total runtime, set once it reaches a
	// terminal status.
	Duration time.Duration
}

// StatusReport is a point-in-time view of an audit run, combining the
// orchestrator record with a per-stage breakdown.
type StatusReport struct {
	ExecutionID string
	SubjectKey  string
	Status      store.Status

	// Progress is the overall percentage in [0, 100]. Completed and
	// skipped stages contribute fully, a running stage contributes its
	// own partial progress, and failed or pending stages contribute
	// nothing.
	Progress float64

	// Stages lists every stage the registry defines, in execution order.
	Stages []StageStatus

	StartedAt time.Time

	// ETA estimates when the audit will finish. It is zero once the
	// audit is terminal.
	ETA time.Time
}

// runningProgressCap keeps a running stage from reporting completion
// before it actually finishes.
const runningProgressCap = 90.0

// Aggregator computes progress reports for audit runs by joining the
// execution store's records with the registry's stage definitions. The
// registry supplies the denominator: stages the engine has not reached yet
// still count toward the total, so progress does not jump backward when a
// new stage row appears.
type Aggregator struct {
	store    store.ExecutionStore
	registry *Registry

	// fallbackEstimate stands in for the average stage duration until at
	// least one stage has completed.
	fallbackEstimate time.Duration
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator) error

// WithFallbackEstimate sets the per-stage duration estimate used for ETA
// calculation before any stage has completed. The default is 60 seconds.
func WithFallbackEstimate(d time.Duration) AggregatorOption {
	return func(a *Aggregator) error {
		if d <= 0 {
			return &EngineError{Message: "fallback estimate must be positive", Code: "INVALID_ESTIMATE"}
		}
		a.fallbackEstimate = d
		return nil
	}
}

// NewAggregator creates an Aggregator over the given store and registry.
func NewAggregator(st store.ExecutionStore, registry *Registry, opts ...AggregatorOption) (*Aggregator, error) {
	if st == nil {
		return nil, &EngineError{Message: "aggregator requires an execution store", Code: "NIL_STORE"}
	}
	if registry == nil {
		return nil, &EngineError{Message: "aggregator requires a stage registry", Code: "EMPTY_REGISTRY"}
	}
	a := &Aggregator{
		store:            st,
		registry:         registry,
		fallbackEstimate: 60 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Status returns the current report for the audit run identified by
// executionID. Passing a stage's ID resolves to its parent orchestrator,
// so callers can hold on to either.
func (a *Aggregator) Status(ctx context.Context, executionID string) (StatusReport, error) {
	return a.statusAt(ctx, executionID, time.Now())
}

func (a *Aggregator) statusAt(ctx context.Context, executionID string, now time.Time) (StatusReport, error) {
	exec, err := a.store.Get(ctx, executionID)
	if err != nil {
		return StatusReport{}, fmt.Errorf("load execution %s: %w", executionID, err)
	}
	if exec.Kind == store.KindStage {
		if exec.ParentID == "" {
			return StatusReport{}, &EngineError{
				Message: fmt.Sprintf("execution %s is a stage without a parent", executionID),
				Code:    "INVALID_EXECUTION",
			}
		}
		exec, err = a.store.Get(ctx, exec.ParentID)
		if err != nil {
			return StatusReport{}, fmt.Errorf("load parent orchestrator %s: %w", exec.ParentID, err)
		}
	}

	children, err := a.store.Children(ctx, exec.ID)
	if err != nil {
		return StatusReport{}, fmt.Errorf("load stages for %s: %w", exec.ID, err)
	}

	byType := make(map[string]store.Execution, len(children))
	for _, child := range children {
		byType[child.StageType] = child
	}

	report := StatusReport{
		ExecutionID: exec.ID,
		SubjectKey:  exec.SubjectKey,
		Status:      exec.Status,
		StartedAt:   exec.StartTime,
	}

	defs := a.registry.Stages()
	report.Stages = make([]StageStatus, 0, len(defs))

	var (
		progressSum   float64
		terminalCount int
		completedSum  time.Duration
		completedN    int
	)

	for _, def := range defs {
		child, ok := byType[def.Type]
		if !ok {
			report.Stages = append(report.Stages, StageStatus{
				Stage:  def.Type,
				Status: store.StatusPending,
			})
			continue
		}

		ss := StageStatus{
			Stage:        def.Type,
			Status:       child.Status,
			ErrorMessage: child.ErrorMessage,
			StartedAt:    child.StartTime,
			Duration:     child.Duration,
		}
		ss.Progress = a.stageProgress(child, def, now)
		if child.Status == store.StatusFailed {
			ss.RetryPossible = retryPossibleFromMessage(child.ErrorMessage)
		}
		report.Stages = append(report.Stages, ss)

		progressSum += ss.Progress
		if child.Status.Terminal() {
			terminalCount++
		}
		if child.Status == store.StatusCompleted {
			completedSum += child.Duration
			completedN++
		}
	}

	total := len(defs)
	if total > 0 {
		report.Progress = math.Min(100, progressSum/float64(total))
	}

	if !exec.Status.Terminal() {
		report.ETA = a.estimateCompletion(now, total-terminalCount, completedSum, completedN)
	}

	return report, nil
}

// stageProgress applies the per-stage progress rules: terminal success is
// 100, failure is 0, and a running stage reports elapsed time against its
// estimated duration, capped below 100 so it cannot claim completion
// early.
func (a *Aggregator) stageProgress(child store.Execution, def StageDef, now time.Time) float64 {
	switch child.Status {
	case store.StatusCompleted, store.StatusSkipped:
		return 100
	case store.StatusFailed:
		return 0
	case store.StatusRunning:
		estimate := def.EstimatedDuration
		if estimate <= 0 {
			estimate = a.fallbackEstimate
		}
		if child.StartTime.IsZero() || estimate <= 0 {
			return 0
		}
		elapsed := now.Sub(child.StartTime)
		if elapsed <= 0 {
			return 0
		}
		pct := float64(elapsed) / float64(estimate) * 100
		return math.Min(runningProgressCap, pct)
	default:
		return 0
	}
}

// estimateCompletion projects a finish time from the average duration of
// the stages that completed so far. Before any stage completes the
// configured fallback estimate stands in for the average.
func (a *Aggregator) estimateCompletion(now time.Time, remaining int, completedSum time.Duration, completedN int) time.Time {
	if remaining <= 0 {
		return now
	}
	avg := a.fallbackEstimate
	if completedN > 0 {
		avg = completedSum / time.Duration(completedN)
	}
	if avg <= 0 {
		avg = a.fallbackEstimate
	}
	return now.Add(time.Duration(remaining) * avg)
}
