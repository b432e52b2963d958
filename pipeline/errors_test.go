package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestEngineErrorFormat(t *testing.T) {
	withCode := &EngineError{Message: "registry requires at least one stage", Code: "EMPTY_REGISTRY"}
	if got := withCode.Error(); got != "EMPTY_REGISTRY: registry requires at least one stage" {
		t.Errorf("Error() = %q", got)
	}

	noCode := &EngineError{Message: "something broke"}
	if got := noCode.Error(); got != "something broke" {
		t.Errorf("Error() = %q", got)
	}
}

func TestRetryPossible(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), false},
		{"contention", &ContentionError{SubjectKey: "shop.example.com", Attempts: 5}, true},
		{"stage timeout", &StageTimeoutError{Stage: "scrape", Limit: time.Minute}, true},
		{"transient execution", &StageExecutionError{Stage: "enrich", Err: errors.New("rate limited"), Transient: true}, true},
		{"permanent execution", &StageExecutionError{Stage: "scrape", Err: errors.New("no pages found")}, false},
		{"critical wrapping timeout", &CriticalStageError{Stage: "scrape", Err: &StageTimeoutError{Stage: "scrape", Limit: time.Minute}}, true},
		{"critical wrapping permanent", &CriticalStageError{Stage: "scrape", Err: &StageExecutionError{Stage: "scrape", Err: errors.New("bad input")}}, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"wrapped retryable", fmt.Errorf("run audit: %w", &StageTimeoutError{Stage: "cluster", Limit: time.Second}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RetryPossible(tt.err); got != tt.want {
				t.Errorf("RetryPossible(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryPossibleFromMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want bool
	}{
		{"empty", "", false},
		{"reaper timeout", "timeout exceeded", true},
		{"engine timeout", "stage scrape exceeded timeout of 50ms", true},
		{"cascade", "parent orchestrator timed out", true},
		{"deadline", "context deadline exceeded", true},
		{"connection refused", "dial tcp: connection refused", true},
		{"rate limit mixed case", "Rate Limit reached for model", true},
		{"overloaded", "upstream overloaded, retry later", true},
		{"input problem", "no crawlable pages found for subject", false},
		{"validation", "invalid html: unclosed tag", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryPossibleFromMessage(tt.msg); got != tt.want {
				t.Errorf("retryPossibleFromMessage(%q) = %v, want %v", tt.msg, got, tt.want)
			}
		})
	}
}

func TestStageExecutionErrorUnwrap(t *testing.T) {
	cause := errors.New("provider unavailable")
	err := &StageExecutionError{Stage: "enrich", Err: cause, Transient: true}

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
	if got := err.Error(); got != "stage enrich: provider unavailable" {
		t.Errorf("Error() = %q", got)
	}
}

func TestCriticalStageErrorUnwrap(t *testing.T) {
	inner := &StageExecutionError{Stage: "scrape", Err: errors.New("fetch failed"), Transient: true}
	err := &CriticalStageError{Stage: "scrape", Err: inner}

	var execErr *StageExecutionError
	if !errors.As(err, &execErr) {
		t.Fatal("expected errors.As to unwrap to StageExecutionError")
	}
	if execErr.Stage != "scrape" {
		t.Errorf("unwrapped stage = %q, want scrape", execErr.Stage)
	}
}

func TestContentionErrorMessage(t *testing.T) {
	err := &ContentionError{SubjectKey: "shop.example.com", Attempts: 5}
	want := "subject shop.example.com: could not acquire orchestrator slot after 5 attempts"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
