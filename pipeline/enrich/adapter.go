package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/auditflow/auditflow-go/pipeline"
	"github.com/auditflow/auditflow-go/pipeline/artifact"
)

// RequestBuilder assembles the enrichment request for one stage execution.
// The default builder derives everything from the stage input; deployments
// that load topics from an upstream artifact install their own.
type RequestBuilder func(ctx context.Context, input pipeline.StageInput) (Request, error)

// Executor runs a Provider as a pipeline stage. On success it stores the
// report as a JSON artifact and returns the reference, so the execution
// record carries only an opaque output_ref.
//
// Example wiring:
//
//	exec, err := enrich.NewExecutor(provider, artifacts)
//	if err != nil {
//	    return err
//	}
//	registry, err := pipeline.NewRegistry(
//	    scrapeDef,
//	    clusterDef,
//	    pipeline.StageDef{Type: "enrich", Criticality: store.NonCritical, Executor: exec},
//	)
type Executor struct {
	provider  Provider
	artifacts artifact.Store
	build     RequestBuilder
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor) error

// WithRequestBuilder replaces the default request builder.
func WithRequestBuilder(build RequestBuilder) ExecutorOption {
	return func(e *Executor) error {
		if build == nil {
			return errors.New("request builder cannot be nil")
		}
		e.build = build
		return nil
	}
}

// NewExecutor creates a stage executor around the given provider and
// artifact store.
func NewExecutor(provider Provider, artifacts artifact.Store, opts ...ExecutorOption) (*Executor, error) {
	if provider == nil {
		return nil, errors.New("provider cannot be nil")
	}
	if artifacts == nil {
		return nil, errors.New("artifact store cannot be nil")
	}
	e := &Executor{
		provider:  provider,
		artifacts: artifacts,
		build:     defaultRequest,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Execute implements pipeline.StageExecutor. Provider failures come back as
// *pipeline.StageExecutionError so the engine's criticality policy and the
// status report's retry flag see the right classification.
func (e *Executor) Execute(ctx context.Context, input pipeline.StageInput) (pipeline.StageOutput, error) {
	req, err := e.build(ctx, input)
	if err != nil {
		return pipeline.StageOutput{}, fmt.Errorf("build enrichment request: %w", err)
	}
	if req.SubjectKey == "" {
		return pipeline.StageOutput{}, ErrMissingSubject
	}

	report, err := e.provider.Enrich(ctx, req)
	if err != nil {
		return pipeline.StageOutput{}, &pipeline.StageExecutionError{
			Stage:     input.StageType,
			Err:       err,
			Transient: pipeline.RetryPossible(err),
		}
	}

	data, err := json.Marshal(storedReport{
		SubjectKey:  report.SubjectKey,
		Provider:    report.Provider,
		Model:       report.Model,
		GeneratedAt: time.Now().UTC(),
		DurationMS:  report.Duration.Milliseconds(),
		TokensIn:    report.TokensIn,
		TokensOut:   report.TokensOut,
		Insights:    report.Insights,
	})
	if err != nil {
		return pipeline.StageOutput{}, fmt.Errorf("encode enrichment report: %w", err)
	}

	key := path.Join("enrich", input.SubjectKey, input.ExecutionID+".json")
	ref, err := e.artifacts.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "application/json")
	if err != nil {
		return pipeline.StageOutput{}, fmt.Errorf("store enrichment report: %w", err)
	}

	return pipeline.StageOutput{
		OutputRef: ref.String(),
		Detail: map[string]interface{}{
			"provider":   report.Provider,
			"model":      report.Model,
			"tokens_in":  report.TokensIn,
			"tokens_out": report.TokensOut,
			"insights":   len(report.Insights),
		},
	}, nil
}

// storedReport is the JSON schema of the report artifact. It is versioned
// by shape, not by field: consumers tolerate added fields.
type storedReport struct {
	SubjectKey  string    `json:"subject_key"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	GeneratedAt time.Time `json:"generated_at"`
	DurationMS  int64     `json:"duration_ms"`
	TokensIn    int64     `json:"tokens_in"`
	TokensOut   int64     `json:"tokens_out"`
	Insights    []Insight `json:"insights"`
}

// defaultRequest builds the request from stage input alone. Focus areas and
// locale arrive through the stage's configured params:
//
//	params:
//	  focus_areas: "content gaps, competitors"
//	  locale: "de"
func defaultRequest(_ context.Context, input pipeline.StageInput) (Request, error) {
	req := Request{
		SubjectKey: input.SubjectKey,
		Locale:     input.Params["locale"],
	}
	for _, area := range strings.Split(input.Params["focus_areas"], ",") {
		if area = strings.TrimSpace(area); area != "" {
			req.FocusAreas = append(req.FocusAreas, area)
		}
	}
	return req, nil
}
