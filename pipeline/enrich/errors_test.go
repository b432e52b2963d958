package enrich

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/auditflow/auditflow-go/pipeline"
)

func TestClassifyAPIError(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantCode      string
		wantTransient bool
	}{
		{"unauthorized status", errors.New("POST /v1/messages: 401 unauthorized"), "invalid_api_key", false},
		{"api key message", errors.New("invalid x-api-key header"), "invalid_api_key", false},
		{"rate limit status", errors.New("429 Too Many Requests"), "rate_limited", true},
		{"resource exhausted", errors.New("rpc error: RESOURCE_EXHAUSTED: request rejected"), "rate_limited", true},
		{"quota", errors.New("insufficient_quota: plan limit reached"), "quota_exceeded", false},
		{"billing", errors.New("billing hard limit reached"), "quota_exceeded", false},
		{"server error", errors.New("502 Bad Gateway"), "server_error", true},
		{"overloaded", errors.New("overloaded_error: try later"), "server_error", true},
		{"connection refused", errors.New("dial tcp: connection refused"), "network_error", true},
		{"unclassified", errors.New("unexpected end of stream"), "api_error", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyAPIError("anthropic", tt.err)

			var enrichErr *EnrichError
			if !errors.As(got, &enrichErr) {
				t.Fatalf("ClassifyAPIError() = %T, want *EnrichError", got)
			}
			if enrichErr.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", enrichErr.Code, tt.wantCode)
			}
			if enrichErr.Retryable() != tt.wantTransient {
				t.Errorf("Retryable() = %v, want %v", enrichErr.Retryable(), tt.wantTransient)
			}
		})
	}
}

func TestClassifyAPIErrorContextErrors(t *testing.T) {
	if got := ClassifyAPIError("openai", context.Canceled); !errors.Is(got, context.Canceled) {
		t.Errorf("cancellation classified as %v, want pass-through", got)
	}

	got := ClassifyAPIError("openai", fmt.Errorf("request failed: %w", context.DeadlineExceeded))
	var enrichErr *EnrichError
	if !errors.As(got, &enrichErr) {
		t.Fatalf("ClassifyAPIError() = %T, want *EnrichError", got)
	}
	if enrichErr.Code != "timeout" || !enrichErr.Retryable() {
		t.Errorf("deadline classified as %+v, want transient timeout", enrichErr)
	}
}

func TestClassifyAPIErrorNil(t *testing.T) {
	if got := ClassifyAPIError("google", nil); got != nil {
		t.Errorf("ClassifyAPIError(nil) = %v, want nil", got)
	}
}

// Classified provider errors flow through the stage executor into status
// reports; the pipeline's retry flag must see their transience.
func TestEnrichErrorRetryClassification(t *testing.T) {
	rateLimited := ClassifyAPIError("anthropic", errors.New("429 rate limit"))
	if !pipeline.RetryPossible(rateLimited) {
		t.Error("RetryPossible() = false for rate limited error")
	}

	badKey := ClassifyAPIError("anthropic", errors.New("401 unauthorized"))
	if pipeline.RetryPossible(badKey) {
		t.Error("RetryPossible() = true for invalid API key error")
	}

	wrapped := fmt.Errorf("enrich stage: %w", rateLimited)
	if !pipeline.RetryPossible(wrapped) {
		t.Error("RetryPossible() = false for wrapped transient error")
	}
}
