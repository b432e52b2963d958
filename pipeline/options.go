package pipeline

import (
	"time"

	"github.com/auditflow/auditflow-go/pipeline/emit"
)

// Option is a functional option for configuring an Engine.
//
// Functional options provide a clean, extensible API for engine
// configuration:
//   - Chainable: NewEngine(st, reg, WithEmitter(em), WithMetrics(pm))
//   - Self-documenting: option names clearly describe their purpose
//   - Optional: only specify the configuration you need
//
// Example:
//
//	engine, err := pipeline.NewEngine(
//	    st,
//	    registry,
//	    pipeline.WithEmitter(emit.NewLogEmitter(os.Stdout, false)),
//	    pipeline.WithDefaultStageTimeout(5*time.Minute),
//	)
type Option func(*engineConfig) error

// engineConfig collects options before applying them to an Engine.
// This indirection allows validation and composition of options.
type engineConfig struct {
	emitter             emit.Emitter
	metrics             *PrometheusMetrics
	defaultStageTimeout time.Duration
}

// WithEmitter sets the observability event receiver.
//
// Default: emit.NullEmitter (events discarded).
//
// Example:
//
//	engine, err := pipeline.NewEngine(
//	    st, registry,
//	    pipeline.WithEmitter(emit.NewLogEmitter(os.Stdout, true)),
//	)
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		if e == nil {
			return &EngineError{Message: "emitter cannot be nil", Code: "NIL_EMITTER"}
		}
		cfg.emitter = e
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
//
// Metrics are automatically updated during audit execution: stage latency
// histograms, terminal outcome counters, and the active audit gauge.
//
// Example:
//
//	registry := prometheus.NewRegistry()
//	metrics := pipeline.NewPrometheusMetrics(registry)
//	engine, err := pipeline.NewEngine(
//	    st, reg,
//	    pipeline.WithMetrics(metrics),
//	)
//
//	// Expose metrics endpoint
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = metrics
		return nil
	}
}

// WithDefaultStageTimeout sets the execution deadline for stages without an
// explicit StageDef.Timeout.
//
// Default: 10m. Individual stages override via StageDef.Timeout.
//
// Prevents a single hung executor from blocking the audit until the reaper
// sweeps it. When exceeded, the stage is recorded failed with a timeout
// message and the criticality policy decides whether the audit continues.
//
// Example:
//
//	engine, err := pipeline.NewEngine(
//	    st, reg,
//	    pipeline.WithDefaultStageTimeout(2*time.Minute),
//	)
func WithDefaultStageTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d < 0 {
			return &EngineError{Message: "default stage timeout cannot be negative", Code: "INVALID_TIMEOUT"}
		}
		cfg.defaultStageTimeout = d
		return nil
	}
}
