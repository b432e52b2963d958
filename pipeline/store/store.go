// Package store provides durable persistence for audit execution records.
//
// The executions table is the only shared mutable resource in the pipeline:
// the guard, the engine, the reaper, and status readers all coordinate
// exclusively through it. Implementations must therefore enforce two
// properties inside the database, not in process memory:
//
//   - Single-flight: at most one orchestrator per subject key may be active
//     (pending or running) at any instant. Insert must fail with
//     ErrDuplicateActive when a second active orchestrator would appear.
//   - Monotonic transitions: records move pending → running → one terminal
//     state and never leave a terminal state. Transition methods are guarded
//     conditional updates, so re-applying a terminal transition is a no-op
//     rather than corruption.
//
// Both properties must hold across multiple processes sharing one database.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested execution does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateActive is returned by Insert when an active orchestrator
// already exists for the subject key. Callers resolve it by reading the
// winner via ActiveOrchestrator.
var ErrDuplicateActive = errors.New("active orchestrator already exists")

// ErrInvalidTransition is returned when a requested status change is not
// legal for the record's kind and current status.
var ErrInvalidTransition = errors.New("invalid status transition")

// ExecutionStore persists execution records for orchestrators and stages.
//
// Implementations:
//   - MemStore: in-memory, for tests and examples
//   - SQLiteStore: single-node durable storage (modernc.org/sqlite)
//   - MySQLStore: shared database for multi-replica deployments
//   - PostgresStore: shared database for multi-replica deployments (pgx)
type ExecutionStore interface {
	// Insert persists a new execution record.
	//
	// Orchestrator inserts enforce the single-flight guarantee: if another
	// orchestrator for the same subject key is pending or running, Insert
	// returns ErrDuplicateActive and writes nothing. The check-and-insert is
	// atomic against concurrent callers on every backend.
	//
	// Stage inserts may carry an initial status of pending, running (the
	// engine creates stage rows as it starts them), or skipped (precondition
	// already satisfied; the row is terminal at creation).
	Insert(ctx context.Context, exec Execution) error

	// Get returns the execution with the given ID, or ErrNotFound.
	Get(ctx context.Context, id string) (Execution, error)

	// ActiveOrchestrator returns the pending or running orchestrator for the
	// subject key, or ErrNotFound when the subject is idle. The single-flight
	// property guarantees at most one match.
	ActiveOrchestrator(ctx context.Context, subjectKey string) (Execution, error)

	// LatestOrchestrator returns the most recently created orchestrator for
	// the subject key regardless of status, or ErrNotFound.
	LatestOrchestrator(ctx context.Context, subjectKey string) (Execution, error)

	// Children returns all stage records owned by the given orchestrator,
	// oldest first. An orchestrator with no stages yields an empty slice,
	// not an error.
	Children(ctx context.Context, parentID string) ([]Execution, error)

	// Running returns every record currently in status running, both kinds.
	// The reaper uses this to find candidates for forced timeout.
	Running(ctx context.Context) ([]Execution, error)

	// MarkRunning transitions a pending record to running and stamps its
	// start time. Returns ErrInvalidTransition if the record is not pending,
	// ErrNotFound if it does not exist.
	MarkRunning(ctx context.Context, id string, at time.Time) error

	// MarkTerminal transitions a record to the given terminal status,
	// stamping end time and computing duration exactly once. ErrorMessage
	// and outputRef are recorded as given.
	//
	// The update is guarded: if the record is already terminal the call
	// reports changed=false and alters nothing, which makes overlapping
	// reaper sweeps and engine writes safe. Illegal targets (e.g. partial
	// for a stage) return ErrInvalidTransition.
	MarkTerminal(ctx context.Context, id string, status Status, at time.Time, errorMessage, outputRef string) (changed bool, err error)

	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources. The store is unusable afterward.
	Close() error
}

// ValidateInsert checks the structural invariants every backend enforces
// before writing a new record: kind-appropriate linkage and a legal initial
// status. Orchestrators are born pending (only the guard creates them);
// stages may be born pending, running (the engine starts them as it reaches
// their registry entry), or skipped (terminal at creation).
func ValidateInsert(exec Execution) error {
	if exec.ID == "" {
		return errors.New("execution ID is required")
	}
	if exec.SubjectKey == "" {
		return errors.New("subject key is required")
	}
	switch exec.Kind {
	case KindOrchestrator:
		if exec.ParentID != "" {
			return errors.New("orchestrator must not have a parent")
		}
		if exec.StageType != "" {
			return errors.New("orchestrator must not have a stage type")
		}
		if exec.Status != StatusPending {
			return fmt.Errorf("orchestrator initial status must be pending, got %s", exec.Status)
		}
	case KindStage:
		if exec.ParentID == "" {
			return errors.New("stage requires a parent orchestrator ID")
		}
		if exec.StageType == "" {
			return errors.New("stage requires a stage type")
		}
		switch exec.Status {
		case StatusPending, StatusRunning, StatusSkipped:
		default:
			return fmt.Errorf("stage initial status must be pending, running, or skipped, got %s", exec.Status)
		}
	default:
		return fmt.Errorf("unknown execution kind %q", exec.Kind)
	}
	return nil
}

// IsTransient reports whether err looks like transient database contention
// worth retrying: lock waits, busy handles, serialization failures. The
// guard uses this to classify insert races that are neither success nor
// ErrDuplicateActive.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{
		"database is locked",   // sqlite
		"database table is locked",
		"SQLITE_BUSY",
		"try restarting transaction", // mysql deadlock 1213
		"Lock wait timeout",          // mysql 1205
		"SQLSTATE 40001",             // serialization failure
		"SQLSTATE 40P01",             // postgres deadlock
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
