package pipeline

import (
	"time"

	"github.com/auditflow/auditflow-go/pipeline/store"
)

// StageDef describes one pipeline stage: what runs, how critical it is, and
// the policy knobs the engine applies around it.
type StageDef struct {
	// Type uniquely names the stage within the registry, e.g. "scrape",
	// "cluster", "enrich". Persisted as stage_type on execution records.
	Type string

	// Criticality decides what a failure of this stage does to the audit.
	// A critical failure fails the orchestrator and halts remaining stages;
	// a non-critical failure is recorded and the pipeline continues.
	Criticality store.Criticality

	// Timeout is the maximum execution time for one attempt of this stage.
	// If zero, the engine's default stage timeout applies.
	Timeout time.Duration

	// EstimatedDuration feeds progress estimates for running stages.
	// If zero, the engine's configured default estimate applies.
	EstimatedDuration time.Duration

	// Params holds stage-specific configuration handed to the executor.
	Params map[string]string

	// Precondition, when set, lets the engine skip this stage entirely.
	// Nil means the stage always runs.
	Precondition Precondition

	// Executor performs the stage's work. Required.
	Executor StageExecutor
}

// Registry is the static ordered list of stages one audit run executes.
// Stage start order within an orchestrator follows registry order. Adding
// a new stage kind means adding a registry entry, never touching the
// engine's control flow.
type Registry struct {
	stages []StageDef
}

// NewRegistry validates the stage definitions and builds a Registry.
//
// Returns error if:
//   - no stages are given
//   - a stage has an empty type or a duplicate type
//   - a stage has no executor
//   - a stage has an unknown criticality
func NewRegistry(stages ...StageDef) (*Registry, error) {
	if len(stages) == 0 {
		return nil, &EngineError{Message: "registry requires at least one stage", Code: "EMPTY_REGISTRY"}
	}

	seen := make(map[string]bool, len(stages))
	for _, def := range stages {
		if def.Type == "" {
			return nil, &EngineError{Message: "stage type cannot be empty", Code: "INVALID_STAGE"}
		}
		if seen[def.Type] {
			return nil, &EngineError{
				Message: "duplicate stage type: " + def.Type,
				Code:    "INVALID_STAGE",
			}
		}
		seen[def.Type] = true
		if def.Executor == nil {
			return nil, &EngineError{
				Message: "stage " + def.Type + " has no executor",
				Code:    "INVALID_STAGE",
			}
		}
		switch def.Criticality {
		case store.Critical, store.NonCritical:
		default:
			return nil, &EngineError{
				Message: "stage " + def.Type + " has unknown criticality",
				Code:    "INVALID_STAGE",
			}
		}
	}

	owned := make([]StageDef, len(stages))
	copy(owned, stages)
	return &Registry{stages: owned}, nil
}

// Stages returns the stage definitions in registry order.
func (r *Registry) Stages() []StageDef {
	out := make([]StageDef, len(r.stages))
	copy(out, r.stages)
	return out
}

// Len returns the number of registered stages.
func (r *Registry) Len() int {
	return len(r.stages)
}

// Stage looks up a definition by stage type.
func (r *Registry) Stage(stageType string) (StageDef, bool) {
	for _, def := range r.stages {
		if def.Type == stageType {
			return def, true
		}
	}
	return StageDef{}, false
}
