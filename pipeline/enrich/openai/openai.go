// Package openai implements enrich.Provider on top of OpenAI's chat
// completions API using the official openai-go client.
package openai

import (
	"context"
	"fmt"
	"os"
	"time"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/auditflow/auditflow-go/pipeline/enrich"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o"

// Provider calls OpenAI to enrich audit topics into insights. It is safe
// for concurrent use; the underlying SDK client handles concurrent
// requests.
type Provider struct {
	client sdk.Client
	model  string
}

// New creates an OpenAI-backed enrichment provider. An empty apiKey falls
// back to the OPENAI_API_KEY environment variable; an empty model uses
// DefaultModel.
func New(apiKey, model string) (*Provider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, &enrich.EnrichError{
				Code:    "missing_api_key",
				Message: "OpenAI API key not provided and OPENAI_API_KEY not set",
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
	return "openai"
}

// Enrich implements enrich.Provider. It requests JSON mode so the response
// arrives as the single insights object the shared prompt asks for.
func (p *Provider) Enrich(ctx context.Context, req enrich.Request) (*enrich.Report, error) {
	start := time.Now()

	if req.SubjectKey == "" {
		return nil, enrich.ErrMissingSubject
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prompt := enrich.BuildPrompt(req)

	completion, err := p.client.Chat.Completions.New(ctx, sdk.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []sdk.ChatCompletionMessageParamUnion{
			{
				OfUser: &sdk.ChatCompletionUserMessageParam{
					Content: sdk.ChatCompletionUserMessageParamContentUnion{
						OfString: sdk.String(prompt),
					},
				},
			},
		},
		ResponseFormat: sdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: sdk.Ptr(shared.NewResponseFormatJSONObjectParam()),
		},
	})
	if err != nil {
		return nil, enrich.ClassifyAPIError("openai", err)
	}

	if len(completion.Choices) == 0 {
		return nil, &enrich.EnrichError{
			Code:      "empty_response",
			Message:   "no response from OpenAI API",
			Transient: true,
		}
	}

	insights, err := enrich.DecodeInsights(completion.Choices[0].Message.Content)
	if err != nil {
		return nil, &enrich.EnrichError{
			Code:    "parse_error",
			Message: fmt.Sprintf("failed to parse OpenAI response: %v", err),
		}
	}

	return &enrich.Report{
		SubjectKey: req.SubjectKey,
		Provider:   p.Name(),
		Model:      p.model,
		Insights:   insights,
		TokensIn:   completion.Usage.PromptTokens,
		TokensOut:  completion.Usage.CompletionTokens,
		Duration:   time.Since(start),
	}, nil
}
