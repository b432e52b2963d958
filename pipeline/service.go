package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/auditflow/auditflow-go/pipeline/emit"
	"github.com/auditflow/auditflow-go/pipeline/store"
)

// ServiceConfig assembles the dependencies for a Service. Store and
// Registry are required; everything else has a working default.
type ServiceConfig struct {
	// Store persists execution records. Required.
	Store store.ExecutionStore

	// Registry defines the stages every audit runs, in order. Required.
	Registry *Registry

	// Emitter receives lifecycle events. Defaults to a NullEmitter.
	Emitter emit.Emitter

	// Metrics records Prometheus metrics. Optional.
	Metrics *PrometheusMetrics

	// Retry governs submission retries under contention. Zero value
	// means DefaultRetryPolicy.
	Retry RetryPolicy

	// Timeouts bounds how long executions may run before the reaper
	// force-fails them. Zero value means DefaultTimeoutPolicy.
	Timeouts TimeoutPolicy

	// ReapInterval is how often the reaper sweeps. Defaults to 30s.
	ReapInterval time.Duration

	// Fingerprint computes the input fingerprint for a subject. Used both
	// when stamping new runs and when validating cached results. Optional.
	Fingerprint FingerprintFunc

	// CacheTTL bounds how long an audit result is served from cache
	// without a fingerprint change. Defaults to 5 minutes.
	CacheTTL time.Duration

	// FallbackEstimate seeds ETA calculation before any stage completes.
	// Defaults to 60 seconds.
	FallbackEstimate time.Duration

	// DefaultStageTimeout bounds stages whose definition sets no timeout.
	// Defaults to 10 minutes.
	DefaultStageTimeout time.Duration
}

// Service is the public face of the audit pipeline. It composes the
// submission guard, the stage engine, the progress aggregator, the result
// cache, and the timeout reaper behind three operations: submit an audit,
// read its status, read its result.
//
// Audits run asynchronously. SubmitAudit returns as soon as the run is
// claimed; the stages execute on a background goroutine owned by the
// Service, so a disconnecting submitter does not abort the run. Close
// cancels in-flight runs and waits for them to settle.
type Service struct {
	store   store.ExecutionStore
	guard   *Guard
	engine  *Engine
	agg     *Aggregator
	cache   *ResultCache
	reaper  *Reaper
	emitter emit.Emitter

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewService wires up a Service from the given config and starts its
// background reaper. The caller must Close the Service when done.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, &EngineError{Message: "service requires an execution store", Code: "NIL_STORE"}
	}
	if cfg.Registry == nil {
		return nil, &EngineError{Message: "service requires a stage registry", Code: "EMPTY_REGISTRY"}
	}

	emitter := cfg.Emitter
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}

	guardOpts := []GuardOption{}
	if cfg.Retry.MaxAttempts > 0 {
		guardOpts = append(guardOpts, WithRetryPolicy(cfg.Retry))
	}
	if cfg.Fingerprint != nil {
		guardOpts = append(guardOpts, WithFingerprint(cfg.Fingerprint))
	}
	if cfg.Metrics != nil {
		guardOpts = append(guardOpts, WithGuardMetrics(cfg.Metrics))
	}
	guard, err := NewGuard(cfg.Store, guardOpts...)
	if err != nil {
		return nil, err
	}

	engineOpts := []Option{WithEmitter(emitter)}
	if cfg.Metrics != nil {
		engineOpts = append(engineOpts, WithMetrics(cfg.Metrics))
	}
	if cfg.DefaultStageTimeout > 0 {
		engineOpts = append(engineOpts, WithDefaultStageTimeout(cfg.DefaultStageTimeout))
	}
	engine, err := NewEngine(cfg.Store, cfg.Registry, engineOpts...)
	if err != nil {
		return nil, err
	}

	aggOpts := []AggregatorOption{}
	if cfg.FallbackEstimate > 0 {
		aggOpts = append(aggOpts, WithFallbackEstimate(cfg.FallbackEstimate))
	}
	agg, err := NewAggregator(cfg.Store, cfg.Registry, aggOpts...)
	if err != nil {
		return nil, err
	}

	cacheOpts := []CacheOption{}
	if cfg.CacheTTL > 0 {
		cacheOpts = append(cacheOpts, WithCacheTTL(cfg.CacheTTL))
	}
	if cfg.Fingerprint != nil {
		cacheOpts = append(cacheOpts, WithCacheFingerprint(cfg.Fingerprint))
	}
	if cfg.Metrics != nil {
		cacheOpts = append(cacheOpts, WithCacheMetrics(cfg.Metrics))
	}
	cache, err := NewResultCache(func(ctx context.Context, subjectKey string) (AuditResult, error) {
		return BuildResult(ctx, cfg.Store, subjectKey)
	}, cacheOpts...)
	if err != nil {
		return nil, err
	}

	timeouts := cfg.Timeouts
	if timeouts.OrchestratorMax == 0 && timeouts.StageDefault == 0 && timeouts.StageOverrides == nil {
		timeouts = DefaultTimeoutPolicy()
	}
	reaper, err := NewReaper(ReaperConfig{
		Store:    cfg.Store,
		Policy:   timeouts,
		Interval: cfg.ReapInterval,
		Emitter:  emitter,
		Metrics:  cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Service{
		store:   cfg.Store,
		guard:   guard,
		engine:  engine,
		agg:     agg,
		cache:   cache,
		reaper:  reaper,
		emitter: emitter,
		runCtx:  runCtx,
		cancel:  cancel,
	}
	s.reaper.Start(runCtx)
	return s, nil
}

// SubmitAudit requests an audit for the subject. If no run is currently
// active for the subject key, a new run is created and its stages start
// executing in the background; created is true. If a run is already in
// flight, its execution ID is returned with created false, and no new
// work starts.
//
// The returned execution ID identifies the orchestrator either way, so
// callers can poll GetAuditStatus with it immediately.
func (s *Service) SubmitAudit(ctx context.Context, subjectKey string) (executionID string, created bool, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", false, &EngineError{Message: "service is closed", Code: "SERVICE_CLOSED"}
	}
	s.mu.Unlock()

	executionID, created, err = s.guard.Acquire(ctx, subjectKey)
	if err != nil {
		return "", false, err
	}
	if !created {
		return executionID, false, nil
	}

	s.cache.Invalidate(subjectKey)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// Run errors are already reflected in the store and the emitter;
		// nothing is waiting on this goroutine's return value.
		_ = s.engine.Run(s.runCtx, executionID, subjectKey)
	}()

	return executionID, true, nil
}

// GetAuditStatus reports the progress of the audit run identified by
// executionID.
func (s *Service) GetAuditStatus(ctx context.Context, executionID string) (StatusReport, error) {
	return s.agg.Status(ctx, executionID)
}

// GetAuditResult returns the assembled result of the most recent finished
// audit for the subject. It returns ErrResultNotReady while the latest
// run is still in flight or if it failed.
func (s *Service) GetAuditResult(ctx context.Context, subjectKey string) (AuditResult, error) {
	return s.cache.Get(ctx, subjectKey)
}

// Sweep runs one reaper pass immediately, in addition to the background
// schedule. It reports how many executions were force-failed.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.reaper.Sweep(ctx)
}

// Close shuts the Service down: in-flight runs are canceled, the reaper
// stops, and the call blocks until background work has settled. Runs
// interrupted here are terminalized by cancellation or, if the process
// dies first, by the next reaper to see them.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.reaper.Stop()
	return nil
}
