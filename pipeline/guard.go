package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/auditflow/auditflow-go/pipeline/store"
)

// FingerprintFunc computes the input fingerprint recorded on a new
// orchestrator, identifying the data the run is about to consume. It must
// not block; return "" when no fingerprint applies.
type FingerprintFunc func(ctx context.Context, subjectKey string) string

// Guard enforces the single-flight invariant: at most one active
// orchestrator per subject key, across every process sharing the store.
//
// The create-or-return step leans entirely on the store's conditional
// unique constraint rather than any in-process lock, so multiple engine
// hosts can call Acquire concurrently and exactly one wins.
type Guard struct {
	store       store.ExecutionStore
	retry       RetryPolicy
	fingerprint FingerprintFunc
	metrics     *PrometheusMetrics
}

// GuardOption configures a Guard.
type GuardOption func(*Guard) error

// WithRetryPolicy overrides the backoff policy applied to transient store
// contention during Acquire.
func WithRetryPolicy(p RetryPolicy) GuardOption {
	return func(g *Guard) error {
		if err := p.Validate(); err != nil {
			return err
		}
		g.retry = p
		return nil
	}
}

// WithFingerprint sets the function that computes input_fingerprint for
// newly created orchestrators.
func WithFingerprint(fn FingerprintFunc) GuardOption {
	return func(g *Guard) error {
		g.fingerprint = fn
		return nil
	}
}

// WithGuardMetrics records contention retries on the given collector.
func WithGuardMetrics(m *PrometheusMetrics) GuardOption {
	return func(g *Guard) error {
		g.metrics = m
		return nil
	}
}

// NewGuard creates a Guard over the given execution store.
func NewGuard(st store.ExecutionStore, opts ...GuardOption) (*Guard, error) {
	if st == nil {
		return nil, &EngineError{Message: "guard requires an execution store", Code: "NIL_STORE"}
	}
	g := &Guard{
		store: st,
		retry: DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Acquire returns the active orchestrator for subjectKey, creating one when
// none exists.
//
// Guarantee: for N concurrent Acquire calls on the same subject key with no
// prior active orchestrator, exactly one returns created=true; the other
// N-1 return the same execution ID with created=false.
//
// Losing the insert race is not an error: the loser re-reads and returns
// the winner's ID. Transient store contention is retried with bounded
// exponential backoff; only exhausting every attempt surfaces as a
// ContentionError.
func (g *Guard) Acquire(ctx context.Context, subjectKey string) (executionID string, created bool, err error) {
	if subjectKey == "" {
		return "", false, &EngineError{Message: "subject key cannot be empty", Code: "INVALID_SUBJECT"}
	}

	for attempt := 0; attempt < g.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, computeBackoff(attempt-1, g.retry.BaseDelay, g.retry.MaxDelay)); err != nil {
				return "", false, err
			}
		}

		// Fast path: someone already holds the slot.
		active, err := g.store.ActiveOrchestrator(ctx, subjectKey)
		switch {
		case err == nil:
			return active.ID, false, nil
		case errors.Is(err, store.ErrNotFound):
			// Fall through to create.
		case store.IsTransient(err):
			g.metrics.IncrementGuardRetries("transient")
			continue
		default:
			return "", false, err
		}

		exec := store.Execution{
			ID:         uuid.NewString(),
			SubjectKey: subjectKey,
			Kind:       store.KindOrchestrator,
			Status:     store.StatusPending,
			CreatedAt:  time.Now(),
		}
		if g.fingerprint != nil {
			exec.InputFingerprint = g.fingerprint(ctx, subjectKey)
		}

		err = g.store.Insert(ctx, exec)
		switch {
		case err == nil:
			return exec.ID, true, nil
		case errors.Is(err, store.ErrDuplicateActive):
			// A concurrent caller won the insert. Return its orchestrator.
			active, readErr := g.store.ActiveOrchestrator(ctx, subjectKey)
			if readErr == nil {
				return active.ID, false, nil
			}
			if errors.Is(readErr, store.ErrNotFound) {
				// The winner finished or rolled back between our insert and
				// read. Retry the whole acquire.
				g.metrics.IncrementGuardRetries("duplicate")
				continue
			}
			if store.IsTransient(readErr) {
				g.metrics.IncrementGuardRetries("transient")
				continue
			}
			return "", false, readErr
		case store.IsTransient(err):
			g.metrics.IncrementGuardRetries("transient")
			continue
		default:
			return "", false, err
		}
	}

	return "", false, &ContentionError{SubjectKey: subjectKey, Attempts: g.retry.MaxAttempts}
}
