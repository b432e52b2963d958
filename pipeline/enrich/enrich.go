// Package enrich provides LLM-backed enrichment executors for the audit
// pipeline. A Provider turns clustered audit topics into prioritized
// insights; the Executor adapter runs any Provider as a pipeline stage and
// stores the resulting report in the artifact store.
//
// Provider implementations exist for Anthropic Claude (enrich/anthropic),
// OpenAI (enrich/openai), and Google Gemini (enrich/google). MockProvider
// serves tests and offline development.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Provider is the interface every LLM enrichment backend implements. It
// abstracts away the vendor-specific details of the Anthropic, OpenAI, and
// Google APIs.
//
// Implementations must be safe for concurrent use and must respect context
// cancellation and deadlines: the pipeline engine runs Enrich under the
// stage timeout and abandons the call when the deadline fires.
//
// Example usage:
//
//	provider, err := anthropic.New(apiKey, "")
//	if err != nil {
//	    return err
//	}
//	report, err := provider.Enrich(ctx, enrich.Request{
//	    SubjectKey: "acme.example",
//	    Topics: []enrich.Topic{
//	        {Label: "pricing", Keywords: []string{"plans", "tiers"}, PageCount: 12},
//	    },
//	    FocusAreas: []string{"content gaps", "competitors"},
//	})
type Provider interface {
	// Enrich analyzes the subject's topics and returns a structured report.
	//
	// Errors are distinguishable as retryable (rate limit, timeout, upstream
	// outage) or permanent (invalid API key, exhausted quota, malformed
	// response) through the Retryable method on *EnrichError.
	Enrich(ctx context.Context, req Request) (*Report, error)

	// Name returns the provider identifier for logging and report metadata.
	// One of: "anthropic", "openai", "google", "mock".
	Name() string
}

// Request carries the input for one enrichment call.
type Request struct {
	// SubjectKey is the audited subject, e.g. a domain name. Required.
	SubjectKey string

	// Topics are the clustered topics produced by the clustering stage.
	// May be empty; the provider then reports subject-level insights only.
	Topics []Topic

	// FocusAreas steer the analysis, e.g. "content gaps", "competitors",
	// "technical seo". An empty slice requests a general audit.
	FocusAreas []string

	// Locale optionally requests insights in a specific language, e.g.
	// "de". Empty means the provider's default.
	Locale string
}

// Topic is one content cluster discovered for the subject.
type Topic struct {
	// Label is the cluster's human-readable name.
	Label string

	// Keywords are the strongest terms in the cluster.
	Keywords []string

	// PageCount is how many crawled pages the cluster covers.
	PageCount int
}

// Report is the structured output of one enrichment call.
type Report struct {
	// SubjectKey echoes the request subject.
	SubjectKey string

	// Provider and Model identify who produced the report.
	Provider string
	Model    string

	// Insights are the validated findings, in the order the model
	// returned them.
	Insights []Insight

	// TokensIn and TokensOut record API token consumption for cost
	// tracking and event metadata.
	TokensIn  int64
	TokensOut int64

	// Duration is the wall-clock time of the provider call.
	Duration time.Duration
}

// Insight is a single finding about the subject.
type Insight struct {
	// Topic is the cluster label the insight belongs to. Empty for
	// subject-level insights.
	Topic string `json:"topic"`

	// Kind classifies the finding.
	// Valid values: "opportunity", "risk", "strength", "gap".
	Kind string `json:"kind"`

	// Summary states the finding in one or two sentences.
	Summary string `json:"summary"`

	// Recommendation suggests what to do about it. May be empty.
	Recommendation string `json:"recommendation"`

	// Priority orders insights for presentation.
	// Valid values: "high", "medium", "low".
	Priority string `json:"priority"`

	// Confidence is the model's 0.0-1.0 certainty in the finding.
	Confidence float64 `json:"confidence"`
}

// Validate checks that an insight is well-formed. Providers drop insights
// that fail validation rather than failing the whole report.
func (i Insight) Validate() error {
	if !isValidKind(i.Kind) {
		return ErrInvalidKind
	}
	if i.Summary == "" {
		return ErrEmptySummary
	}
	if !isValidPriority(i.Priority) {
		return ErrInvalidPriority
	}
	if i.Confidence < 0.0 || i.Confidence > 1.0 {
		return ErrInvalidConfidence
	}
	return nil
}

func isValidKind(k string) bool {
	return k == "opportunity" || k == "risk" || k == "strength" || k == "gap"
}

func isValidPriority(p string) bool {
	return p == "high" || p == "medium" || p == "low"
}

// BuildPrompt renders the shared enrichment prompt. All providers use the
// same prompt body; vendor-specific output constraints (such as Gemini's
// response schema) are layered on top by the provider itself.
func BuildPrompt(req Request) string {
	var sb strings.Builder

	sb.WriteString("You are a website audit analyst. Analyze the audited subject ")
	sb.WriteString(req.SubjectKey)
	sb.WriteString(" and produce actionable insights.\n\n")

	if len(req.FocusAreas) > 0 {
		sb.WriteString("Focus on these areas: ")
		sb.WriteString(strings.Join(req.FocusAreas, ", "))
		sb.WriteString("\n\n")
	}

	if len(req.Topics) > 0 {
		sb.WriteString("Content topics discovered for the subject:\n\n")
		for _, topic := range req.Topics {
			sb.WriteString("- ")
			sb.WriteString(topic.Label)
			if len(topic.Keywords) > 0 {
				sb.WriteString(" (keywords: ")
				sb.WriteString(strings.Join(topic.Keywords, ", "))
				sb.WriteString(")")
			}
			fmt.Fprintf(&sb, " covering %d pages\n", topic.PageCount)
		}
		sb.WriteString("\n")
	}

	if req.Locale != "" {
		sb.WriteString("Write all summaries and recommendations in locale ")
		sb.WriteString(req.Locale)
		sb.WriteString(".\n\n")
	}

	sb.WriteString("Provide your findings as a JSON object with an \"insights\" array. Each insight must have:\n")
	sb.WriteString("- topic: the topic label it belongs to (empty string for subject-level findings)\n")
	sb.WriteString("- kind: one of [opportunity, risk, strength, gap]\n")
	sb.WriteString("- summary: the finding in one or two sentences\n")
	sb.WriteString("- recommendation: what to do about it (may be empty)\n")
	sb.WriteString("- priority: one of [high, medium, low]\n")
	sb.WriteString("- confidence: a number between 0.0 and 1.0\n\n")

	sb.WriteString("Return ONLY the JSON object, with no additional text. Example format:\n")
	sb.WriteString(`{"insights":[{"topic":"pricing","kind":"gap","summary":"No comparison page for enterprise plans",`)
	sb.WriteString(`"recommendation":"Add a plan comparison table","priority":"high","confidence":0.9}]}`)
	sb.WriteString("\n\nIf nothing noteworthy is found, return an empty insights array.")

	return sb.String()
}

// DecodeInsights extracts validated insights from a model response. It
// accepts the requested {"insights": [...]} object, a bare JSON array, and
// either of those wrapped in markdown fences or surrounding prose.
//
// Insights that fail validation are dropped; a zero confidence is defaulted
// to 0.8 first, since several models omit the field when unsure. An error
// is returned only when no JSON payload can be located at all.
func DecodeInsights(text string) ([]Insight, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	if text == "" {
		return []Insight{}, nil
	}

	raw, err := decodeRawInsights(text)
	if err != nil {
		return nil, err
	}

	insights := make([]Insight, 0, len(raw))
	for _, ins := range raw {
		if ins.Confidence == 0 {
			ins.Confidence = 0.8
		}
		if err := ins.Validate(); err != nil {
			// Drop malformed rows but keep the rest of the report.
			continue
		}
		insights = append(insights, ins)
	}
	return insights, nil
}

func decodeRawInsights(text string) ([]Insight, error) {
	var wrapped struct {
		Insights []Insight `json:"insights"`
	}
	if err := json.Unmarshal([]byte(text), &wrapped); err == nil && wrapped.Insights != nil {
		return wrapped.Insights, nil
	}

	var bare []Insight
	if err := json.Unmarshal([]byte(text), &bare); err == nil {
		return bare, nil
	}

	// Some models wrap the payload in prose despite instructions. Take the
	// outermost JSON object or array and try again.
	for _, pair := range [2][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(text, pair[0])
		end := strings.LastIndex(text, pair[1])
		if start == -1 || end <= start {
			continue
		}
		span := text[start : end+1]
		if err := json.Unmarshal([]byte(span), &wrapped); err == nil && wrapped.Insights != nil {
			return wrapped.Insights, nil
		}
		if err := json.Unmarshal([]byte(span), &bare); err == nil {
			return bare, nil
		}
	}

	return nil, fmt.Errorf("no insights JSON found in response")
}
