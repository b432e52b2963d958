// Package google implements enrich.Provider on top of Google's Gemini API
// using the official generative-ai-go client.
package google

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/auditflow/auditflow-go/pipeline/enrich"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-1.5-flash"

// Provider calls Gemini to enrich audit topics into insights. Unlike the
// other providers it holds a connection-backed client; call Close when the
// provider is no longer needed.
type Provider struct {
	client *genai.Client
	model  string
}

// New creates a Gemini-backed enrichment provider. An empty apiKey falls
// back to the GOOGLE_API_KEY environment variable; an empty model uses
// DefaultModel.
func New(ctx context.Context, apiKey, model string) (*Provider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GOOGLE_API_KEY")
		if apiKey == "" {
			return nil, &enrich.EnrichError{
				Code:    "missing_api_key",
				Message: "Google API key not provided and GOOGLE_API_KEY not set",
			}
		}
	}
	if model == "" {
		model = DefaultModel
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create Google client: %w", err)
	}

	return &Provider{
		client: client,
		model:  model,
	}, nil
}

// Close releases the underlying client's resources.
func (p *Provider) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

// Name implements enrich.Provider.
func (p *Provider) Name() string {
	return "google"
}

// Enrich implements enrich.Provider. Gemini supports response schemas, so
// the insights shape is enforced structurally on top of the shared prompt.
func (p *Provider) Enrich(ctx context.Context, req enrich.Request) (*enrich.Report, error) {
	start := time.Now()

	if req.SubjectKey == "" {
		return nil, enrich.ErrMissingSubject
	}

	prompt := enrich.BuildPrompt(req)

	model := p.client.GenerativeModel(p.model)
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = insightsSchema()

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, enrich.ClassifyAPIError("google", err)
	}

	var tokensIn, tokensOut int64
	if resp.UsageMetadata != nil {
		tokensIn = int64(resp.UsageMetadata.PromptTokenCount)
		tokensOut = int64(resp.UsageMetadata.CandidatesTokenCount)
	}

	var text string
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text += string(t)
			}
		}
	}

	insights, err := enrich.DecodeInsights(text)
	if err != nil {
		return nil, &enrich.EnrichError{
			Code:    "parse_error",
			Message: fmt.Sprintf("failed to parse Gemini response: %v", err),
		}
	}

	return &enrich.Report{
		SubjectKey: req.SubjectKey,
		Provider:   p.Name(),
		Model:      p.model,
		Insights:   insights,
		TokensIn:   tokensIn,
		TokensOut:  tokensOut,
		Duration:   time.Since(start),
	}, nil
}

// insightsSchema constrains Gemini's output to the shared insights shape.
func insightsSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"insights": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"topic":          {Type: genai.TypeString},
						"kind":           {Type: genai.TypeString},
						"summary":        {Type: genai.TypeString},
						"recommendation": {Type: genai.TypeString},
						"priority":       {Type: genai.TypeString},
						"confidence":     {Type: genai.TypeNumber},
					},
					Required: []string{"kind", "summary", "priority", "confidence"},
				},
			},
		},
		Required: []string{"insights"},
	}
}
