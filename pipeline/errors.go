// Package pipeline provides the audit workflow orchestrator for AuditFlow.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrResultNotReady indicates that no terminal audit exists yet for the
// requested subject. Callers should keep polling GetAuditStatus until the
// orchestrator reaches completed or partial.
var ErrResultNotReady = errors.New("audit result not ready")

// ErrInvalidRetryPolicy indicates a retry policy with impossible settings,
// such as zero attempts or a maximum delay below the base delay.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy configuration")

// Retryable is implemented by errors that know whether retrying the
// operation can succeed without changing its input.
type Retryable interface {
	Retryable() bool
}

// EngineError represents a configuration or wiring failure inside the
// pipeline itself, as opposed to a stage or subject failure.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// ContentionError is returned by the guard when the single-flight slot for
// a subject could not be acquired after exhausting retries. Transient store
// races below this threshold are retried internally and never surfaced.
type ContentionError struct {
	SubjectKey string
	Attempts   int
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("subject %s: could not acquire orchestrator slot after %d attempts", e.SubjectKey, e.Attempts)
}

// Retryable reports true: contention clears once the racing writer settles.
func (e *ContentionError) Retryable() bool { return true }

// StageTimeoutError indicates a stage exceeded its execution deadline. The
// engine produces it when an executor overruns its per-stage timeout; the
// reaper produces the equivalent terminal record for zombie executions.
type StageTimeoutError struct {
	Stage string
	Limit time.Duration
}

func (e *StageTimeoutError) Error() string {
	return fmt.Sprintf("stage %s exceeded timeout of %v", e.Stage, e.Limit)
}

// Retryable reports true: a fresh run may complete within the deadline.
func (e *StageTimeoutError) Retryable() bool { return true }

// StageExecutionError wraps an error raised by an external stage executor.
// It is terminal for that stage only; whether it terminates the whole audit
// depends on the stage's criticality.
type StageExecutionError struct {
	Stage string
	Err   error

	// Transient marks failures that a later run could clear without input
	// changes, such as rate limits or upstream outages. Malformed or
	// insufficient input failures are not transient.
	Transient bool
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageExecutionError) Unwrap() error { return e.Err }

func (e *StageExecutionError) Retryable() bool { return e.Transient }

// CriticalStageError wraps a critical stage failure that terminated the
// orchestrator and halted the remaining stages.
type CriticalStageError struct {
	Stage string
	Err   error
}

func (e *CriticalStageError) Error() string {
	return fmt.Sprintf("critical stage %s failed: %v", e.Stage, e.Err)
}

func (e *CriticalStageError) Unwrap() error { return e.Err }

// RetryPossible derives the user-visible retry flag from an error's kind.
// Contention, timeouts, and transient transport failures are retryable;
// executor failures caused by the input itself are not.
func RetryPossible(err error) bool {
	if err == nil {
		return false
	}
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// transientMarkers are message fragments that identify transport and
// timeout failures in persisted error_message values, where the original
// error type is no longer available.
var transientMarkers = []string{
	"timeout exceeded",
	"exceeded timeout",
	"parent orchestrator timed out",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"rate limit",
	"temporarily unavailable",
	"try again",
	"overloaded",
}

// retryPossibleFromMessage classifies a persisted error_message the same
// way RetryPossible classifies live errors.
func retryPossibleFromMessage(msg string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)
	for _, marker := range transientMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
