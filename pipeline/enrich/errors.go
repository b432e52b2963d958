package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common error sentinels for enrichment operations.
var (
	// ErrInvalidKind indicates an insight kind outside the valid set.
	ErrInvalidKind = &EnrichError{Code: "invalid_kind", Message: "kind must be one of: opportunity, risk, strength, gap"}

	// ErrEmptySummary indicates an insight without a summary.
	ErrEmptySummary = &EnrichError{Code: "empty_summary", Message: "summary cannot be empty"}

	// ErrInvalidPriority indicates an insight priority outside the valid set.
	ErrInvalidPriority = &EnrichError{Code: "invalid_priority", Message: "priority must be one of: high, medium, low"}

	// ErrInvalidConfidence indicates a confidence score out of range.
	ErrInvalidConfidence = &EnrichError{Code: "invalid_confidence", Message: "confidence must be between 0.0 and 1.0"}

	// ErrMissingSubject indicates a request without a subject key.
	ErrMissingSubject = &EnrichError{Code: "missing_subject", Message: "subject key cannot be empty"}
)

// EnrichError represents a failure during an enrichment call. It
// distinguishes transient failures, which a later audit run can clear, from
// permanent ones that need operator intervention.
type EnrichError struct {
	// Code is the machine-readable error code.
	Code string

	// Message is the human-readable message for logging and persistence.
	Message string

	// Transient marks failures that retrying can clear, such as rate
	// limits and upstream outages. Credential and quota failures are not
	// transient.
	Transient bool
}

func (e *EnrichError) Error() string {
	return e.Message
}

// Retryable reports whether a later run can succeed without input changes.
func (e *EnrichError) Retryable() bool {
	return e.Transient
}

// ClassifyAPIError converts a vendor SDK error into an EnrichError with the
// matching code and retryability. The vendor SDKs expose failures mostly
// through message text, so classification works on recognizable fragments:
//
//   - context cancellation passes through unchanged
//   - deadline expiry      -> "timeout" (transient)
//   - 401/403/credentials  -> "invalid_api_key" (permanent)
//   - 429/rate limits      -> "rate_limited" (transient)
//   - quota/billing        -> "quota_exceeded" (permanent)
//   - 5xx server failures  -> "server_error" (transient)
//   - network failures     -> "network_error" (transient)
//   - anything else        -> "api_error" (permanent)
func ClassifyAPIError(provider string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &EnrichError{
			Code:      "timeout",
			Message:   fmt.Sprintf("%s request timed out", provider),
			Transient: true,
		}
	}

	lower := strings.ToLower(err.Error())

	switch {
	case strings.Contains(lower, "401"),
		strings.Contains(lower, "403"),
		strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "authentication"),
		strings.Contains(lower, "api key"),
		strings.Contains(lower, "api-key"),
		strings.Contains(lower, "api_key"):
		return &EnrichError{
			Code:    "invalid_api_key",
			Message: fmt.Sprintf("%s API key is invalid or expired", provider),
		}

	case strings.Contains(lower, "429"),
		strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "rate_limit"),
		strings.Contains(lower, "too many requests"),
		strings.Contains(lower, "resource_exhausted"):
		return &EnrichError{
			Code:      "rate_limited",
			Message:   fmt.Sprintf("%s API rate limit exceeded", provider),
			Transient: true,
		}

	case strings.Contains(lower, "quota"),
		strings.Contains(lower, "billing"):
		return &EnrichError{
			Code:    "quota_exceeded",
			Message: fmt.Sprintf("%s API quota exceeded", provider),
		}

	case strings.Contains(lower, "500"),
		strings.Contains(lower, "502"),
		strings.Contains(lower, "503"),
		strings.Contains(lower, "504"),
		strings.Contains(lower, "internal server error"),
		strings.Contains(lower, "bad gateway"),
		strings.Contains(lower, "service unavailable"),
		strings.Contains(lower, "overloaded"):
		return &EnrichError{
			Code:      "server_error",
			Message:   fmt.Sprintf("%s API server error: %v", provider, err),
			Transient: true,
		}

	case strings.Contains(lower, "connection"),
		strings.Contains(lower, "network"),
		strings.Contains(lower, "timeout"),
		strings.Contains(lower, "deadline"):
		return &EnrichError{
			Code:      "network_error",
			Message:   fmt.Sprintf("network error calling %s API: %v", provider, err),
			Transient: true,
		}
	}

	return &EnrichError{
		Code:    "api_error",
		Message: fmt.Sprintf("%s API error: %v", provider, err),
	}
}
