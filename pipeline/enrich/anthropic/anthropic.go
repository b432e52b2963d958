// Package anthropic implements enrich.Provider on top of Anthropic's
// Claude API using the official anthropic-sdk-go client.
package anthropic

import (
	"context"
	"fmt"
	"os"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/auditflow/auditflow-go/pipeline/enrich"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-3-5-sonnet-20241022"

// maxReportTokens bounds the response size. Insight reports are compact;
// 4096 tokens fits even verbose multi-topic reports.
const maxReportTokens = 4096

// Provider calls Claude to enrich audit topics into insights. It is safe
// for concurrent use; the underlying SDK client handles concurrent
// requests.
type Provider struct {
	client sdk.Client
	model  string
}

// New creates a Claude-backed enrichment provider. An empty apiKey falls
// back to the ANTHROPIC_API_KEY environment variable; an empty model uses
// DefaultModel.
func New(apiKey, model string) (*Provider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, &enrich.EnrichError{
				Code:    "missing_api_key",
				Message: "Anthropic API key not provided and ANTHROPIC_API_KEY not set",
			}
		}
	}
	if model == "" {
		model = DefaultModel
	}
	return &Provider{
		client: sdk.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}, nil
}

// Name implements enrich.Provider.
func (p *Provider) Name() string {
	return "anthropic"
}

// Enrich implements enrich.Provider by sending the shared enrichment prompt
// to Claude and decoding its JSON insights.
func (p *Provider) Enrich(ctx context.Context, req enrich.Request) (*enrich.Report, error) {
	start := time.Now()

	if req.SubjectKey == "" {
		return nil, enrich.ErrMissingSubject
	}

	prompt := enrich.BuildPrompt(req)

	message, err := p.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: maxReportTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, enrich.ClassifyAPIError("anthropic", err)
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	insights, err := enrich.DecodeInsights(text)
	if err != nil {
		return nil, &enrich.EnrichError{
			Code:    "parse_error",
			Message: fmt.Sprintf("failed to parse Claude response: %v", err),
		}
	}

	return &enrich.Report{
		SubjectKey: req.SubjectKey,
		Provider:   p.Name(),
		Model:      p.model,
		Insights:   insights,
		TokensIn:   message.Usage.InputTokens,
		TokensOut:  message.Usage.OutputTokens,
		Duration:   time.Since(start),
	}, nil
}
