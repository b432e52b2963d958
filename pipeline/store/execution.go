package store

import "time"

// Kind distinguishes the two record shapes in the executions table.
type Kind string

const (
	// KindOrchestrator is a top-level record representing one full pipeline
	// run for a subject key. Orchestrators have no parent.
	KindOrchestrator Kind = "orchestrator"

	// KindStage is a child record representing one stage attempt within an
	// orchestrator run. Stages always carry their orchestrator's ID in
	// ParentID.
	KindStage Kind = "stage"
)

// Status is the lifecycle state of an execution record.
//
// Transitions are monotonic: pending → running → one terminal state. No
// record ever leaves a terminal state, which is what makes reaper sweeps and
// engine writes safe to race against each other.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPartial   Status = "partial"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether s is a terminal status. Terminal records are
// immutable.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusPartial, StatusSkipped:
		return true
	default:
		return false
	}
}

// ActiveStatuses are the statuses that make an orchestrator count as
// in-flight for the single-flight guarantee.
var ActiveStatuses = []Status{StatusPending, StatusRunning}

// Criticality classifies a stage's failure policy. A critical stage failure
// terminates the whole orchestrator run; a non-critical failure only marks
// that stage and lets the run continue.
type Criticality string

const (
	Critical    Criticality = "critical"
	NonCritical Criticality = "non_critical"
)

// orchestratorTransitions and stageTransitions encode the legal state
// machines. Keeping them as data lets every backend enforce the same rules
// with one lookup.
var (
	orchestratorTransitions = map[Status][]Status{
		StatusPending: {StatusRunning, StatusFailed},
		StatusRunning: {StatusCompleted, StatusPartial, StatusFailed},
	}

	stageTransitions = map[Status][]Status{
		StatusPending: {StatusRunning, StatusSkipped, StatusFailed},
		StatusRunning: {StatusCompleted, StatusFailed},
	}
)

// CanTransition reports whether a record of the given kind may move from one
// status to another. Terminal statuses have no outgoing transitions.
func CanTransition(kind Kind, from, to Status) bool {
	table := stageTransitions
	if kind == KindOrchestrator {
		table = orchestratorTransitions
	}
	for _, allowed := range table[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Execution is one row of the executions table: either an orchestrator or
// one of its stages. The parent/child linkage is flat (ParentID references),
// never an in-memory pointer graph, so the tree can be reconstructed by
// query from any process.
type Execution struct {
	// ID is the unique execution identifier (UUID).
	ID string

	// SubjectKey partitions independent pipeline runs (e.g. a domain name).
	SubjectKey string

	// Kind is orchestrator or stage.
	Kind Kind

	// StageType names the registry entry for stage records; empty for
	// orchestrators.
	StageType string

	// ParentID is the owning orchestrator's ID for stages; empty for
	// orchestrators.
	ParentID string

	// Status is the current lifecycle state.
	Status Status

	// Criticality applies to stages only.
	Criticality Criticality

	// StartTime is zero until the record enters running (or is created
	// running). EndTime is zero until the record is terminal.
	StartTime time.Time
	EndTime   time.Time

	// Duration is written exactly once, at the terminal transition.
	Duration time.Duration

	// ErrorMessage holds the failure reason for failed records.
	ErrorMessage string

	// InputFingerprint identifies the input snapshot the execution ran
	// against.
	InputFingerprint string

	// OutputRef is an opaque reference to the stage's stored output (see
	// the artifact package).
	OutputRef string

	// CreatedAt orders records for latest-orchestrator lookups.
	CreatedAt time.Time
}

// Active reports whether the record counts as in-flight.
func (e Execution) Active() bool {
	return e.Status == StatusPending || e.Status == StatusRunning
}
