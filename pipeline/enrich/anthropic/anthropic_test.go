package anthropic

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/auditflow/auditflow-go/pipeline/enrich"
)

var _ enrich.Provider = (*Provider)(nil)

func TestProviderName(t *testing.T) {
	provider := &Provider{}
	if got := provider.Name(); got != "anthropic" {
		t.Errorf("Name() = %q, want %q", got, "anthropic")
	}
}

func TestNewMissingAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	_, err := New("", "")
	var enrichErr *enrich.EnrichError
	if !errors.As(err, &enrichErr) {
		t.Fatalf("New() error = %T, want *enrich.EnrichError", err)
	}
	if enrichErr.Code != "missing_api_key" {
		t.Errorf("Code = %q, want missing_api_key", enrichErr.Code)
	}
	if enrichErr.Retryable() {
		t.Error("missing API key must not be retryable")
	}
}

func TestNewDefaultsModel(t *testing.T) {
	provider, err := New("sk-ant-test", "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if provider.model != DefaultModel {
		t.Errorf("model = %q, want %q", provider.model, DefaultModel)
	}
}

func TestEnrichMissingSubject(t *testing.T) {
	provider, err := New("sk-ant-test", "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Validation fails before any API call, so the fake key never matters.
	if _, err := provider.Enrich(context.Background(), enrich.Request{}); !errors.Is(err, enrich.ErrMissingSubject) {
		t.Errorf("Enrich() error = %v, want ErrMissingSubject", err)
	}
}

// TestEnrichIntegration exercises the live Claude API. It is skipped unless
// ANTHROPIC_API_KEY is set.
func TestEnrichIntegration(t *testing.T) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		t.Skip("ANTHROPIC_API_KEY not set, skipping integration test")
	}

	provider, err := New(apiKey, "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	report, err := provider.Enrich(ctx, enrich.Request{
		SubjectKey: "acme.example",
		Topics: []enrich.Topic{
			{Label: "pricing", Keywords: []string{"plans", "tiers", "enterprise"}, PageCount: 12},
			{Label: "documentation", Keywords: []string{"api", "tutorials"}, PageCount: 48},
		},
		FocusAreas: []string{"content gaps"},
	})
	if err != nil {
		t.Fatalf("Enrich() error = %v", err)
	}

	if report.Provider != "anthropic" {
		t.Errorf("Provider = %q, want anthropic", report.Provider)
	}
	if report.TokensIn <= 0 || report.TokensOut <= 0 {
		t.Errorf("tokens = %d/%d, want > 0", report.TokensIn, report.TokensOut)
	}
	if report.Duration <= 0 {
		t.Errorf("Duration = %v, want > 0", report.Duration)
	}
	for i, ins := range report.Insights {
		if err := ins.Validate(); err != nil {
			t.Errorf("Insights[%d] invalid: %v (%+v)", i, err, ins)
		}
	}
}
