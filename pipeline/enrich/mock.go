package enrich

import (
	"context"
	"time"
)

// MockProvider is a test implementation of Provider that returns
// pre-configured insights without calling any API. Configure it before
// concurrent use; Enrich only reads its fields.
//
// Example usage:
//
//	mock := &enrich.MockProvider{
//	    Insights: []enrich.Insight{{
//	        Topic:      "pricing",
//	        Kind:       "gap",
//	        Summary:    "No enterprise plan comparison",
//	        Priority:   "high",
//	        Confidence: 0.9,
//	    }},
//	}
type MockProvider struct {
	// Insights are returned on every Enrich call.
	Insights []Insight

	// Err, when set, is returned instead of a report.
	Err error

	// Delay is waited before responding, for timeout and cancellation
	// tests. The wait respects context cancellation.
	Delay time.Duration

	// TokensIn and TokensOut populate the report's token accounting.
	TokensIn  int64
	TokensOut int64
}

// Enrich implements Provider by returning the configured insights. It
// respects context cancellation both before and during the optional delay.
func (m *MockProvider) Enrich(ctx context.Context, req Request) (*Report, error) {
	start := time.Now()

	if m.Delay > 0 {
		timer := time.NewTimer(m.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	if m.Err != nil {
		return nil, m.Err
	}

	insights := make([]Insight, len(m.Insights))
	copy(insights, m.Insights)

	return &Report{
		SubjectKey: req.SubjectKey,
		Provider:   "mock",
		Model:      "mock-v1",
		Insights:   insights,
		TokensIn:   m.TokensIn,
		TokensOut:  m.TokensOut,
		Duration:   time.Since(start),
	}, nil
}

// Name implements Provider and returns "mock".
func (m *MockProvider) Name() string {
	return "mock"
}
