package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/auditflow/auditflow-go/pipeline/emit"
	"github.com/auditflow/auditflow-go/pipeline/store"
)

// TimeoutPolicy maps an execution to its maximum allowed running duration.
// A zero value in any field falls back to the package default for it.
type TimeoutPolicy struct {
	// OrchestratorMax bounds a whole audit run.
	OrchestratorMax time.Duration

	// StageDefault bounds any stage without an explicit override.
	StageDefault time.Duration

	// StageOverrides bounds specific stage types, keyed by stage_type.
	StageOverrides map[string]time.Duration
}

// DefaultTimeoutPolicy allows 30 minutes per audit and 10 minutes per
// stage. These defaults assume stages dominated by network calls to
// scraping targets and LLM providers.
func DefaultTimeoutPolicy() TimeoutPolicy {
	return TimeoutPolicy{
		OrchestratorMax: 30 * time.Minute,
		StageDefault:    10 * time.Minute,
	}
}

// MaxDuration returns the allowed running duration for an execution of the
// given kind and stage type.
func (p TimeoutPolicy) MaxDuration(kind store.Kind, stageType string) time.Duration {
	if kind == store.KindOrchestrator {
		if p.OrchestratorMax > 0 {
			return p.OrchestratorMax
		}
		return 30 * time.Minute
	}
	if d, ok := p.StageOverrides[stageType]; ok && d > 0 {
		return d
	}
	if p.StageDefault > 0 {
		return p.StageDefault
	}
	return 10 * time.Minute
}

// ReaperConfig holds the dependencies for the timeout reaper.
type ReaperConfig struct {
	Store    store.ExecutionStore
	Policy   TimeoutPolicy
	Interval time.Duration       // sweep interval; defaults to 30 seconds if zero
	Emitter  emit.Emitter        // optional observability sink
	Metrics  *PrometheusMetrics  // optional metrics collector
}

// Reaper periodically force-fails running executions that exceeded their
// allowed duration. It is the safety net guaranteeing no execution remains
// non-terminal forever: a crashed engine leaves running rows behind, and
// the reaper is what eventually releases their subject keys.
//
// Sweeps are idempotent. Re-evaluating already-terminal records is a no-op
// in the store, so overlapping sweeps from multiple processes are safe.
type Reaper struct {
	store    store.ExecutionStore
	policy   TimeoutPolicy
	interval time.Duration
	emitter  emit.Emitter
	metrics  *PrometheusMetrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReaper creates a new Reaper with the given config.
func NewReaper(cfg ReaperConfig) (*Reaper, error) {
	if cfg.Store == nil {
		return nil, &EngineError{Message: "reaper requires an execution store", Code: "NIL_STORE"}
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Reaper{
		store:    cfg.Store,
		policy:   cfg.Policy,
		interval: interval,
		emitter:  emitter,
		metrics:  cfg.Metrics,
	}, nil
}

// Start begins the sweep loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop cancels the sweep loop and waits for it to exit.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// loop ticks at the configured interval. The first sweep fires immediately
// on startup so restarts clean up promptly.
func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	_, _ = r.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = r.Sweep(ctx)
		}
	}
}

// Sweep scans running executions once and force-fails every one that has
// exceeded its maximum duration. A reaped orchestrator drags its running
// children down in the same sweep with error message "parent orchestrator
// timed out".
//
// Returns the number of executions transitioned by this sweep. Records
// another process already terminated are skipped, not counted.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	now := time.Now()

	running, err := r.store.Running(ctx)
	if err != nil {
		r.emitter.Emit(emit.Event{
			Msg:  "reaper sweep failed",
			Meta: map[string]interface{}{"error": err.Error()},
		})
		return 0, err
	}

	reaped := 0
	for _, exec := range running {
		limit := r.policy.MaxDuration(exec.Kind, exec.StageType)
		if exec.StartTime.IsZero() || now.Sub(exec.StartTime) <= limit {
			continue
		}

		changed, err := r.store.MarkTerminal(ctx, exec.ID, store.StatusFailed, now, "timeout exceeded", "")
		if err != nil {
			r.emitter.Emit(emit.Event{
				ExecutionID: exec.ID,
				SubjectKey:  exec.SubjectKey,
				Stage:       exec.StageType,
				Msg:         "reap failed",
				Meta:        map[string]interface{}{"error": err.Error()},
			})
			continue
		}
		if !changed {
			// Already terminal: the engine or a concurrent sweep won.
			continue
		}

		reaped++
		r.metrics.IncrementReaped(string(exec.Kind))
		eventID := exec.ID
		if exec.Kind == store.KindStage && exec.ParentID != "" {
			eventID = exec.ParentID
		}
		r.emitter.Emit(emit.Event{
			ExecutionID: eventID,
			SubjectKey:  exec.SubjectKey,
			Stage:       exec.StageType,
			Msg:         "execution reaped",
			Meta: map[string]interface{}{
				"kind":        string(exec.Kind),
				"error":       "timeout exceeded",
				"running_for": now.Sub(exec.StartTime).String(),
			},
		})

		if exec.Kind == store.KindOrchestrator {
			reaped += r.cascade(ctx, exec, now)
		}
	}

	return reaped, nil
}

// cascade force-fails the running children of a reaped orchestrator.
func (r *Reaper) cascade(ctx context.Context, orch store.Execution, now time.Time) int {
	children, err := r.store.Children(ctx, orch.ID)
	if err != nil {
		r.emitter.Emit(emit.Event{
			ExecutionID: orch.ID,
			SubjectKey:  orch.SubjectKey,
			Msg:         "reap cascade failed",
			Meta:        map[string]interface{}{"error": err.Error()},
		})
		return 0
	}

	reaped := 0
	for _, child := range children {
		if child.Status != store.StatusRunning {
			continue
		}
		changed, err := r.store.MarkTerminal(ctx, child.ID, store.StatusFailed, now, "parent orchestrator timed out", "")
		if err != nil || !changed {
			continue
		}
		reaped++
		r.metrics.IncrementReaped(string(child.Kind))
		r.emitter.Emit(emit.Event{
			ExecutionID: orch.ID,
			SubjectKey:  child.SubjectKey,
			Stage:       child.StageType,
			Msg:         "execution reaped",
			Meta: map[string]interface{}{
				"kind":  string(child.Kind),
				"error": "parent orchestrator timed out",
			},
		})
	}
	return reaped
}
