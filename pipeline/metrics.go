package pipeline

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics provides Prometheus-compatible metrics collection for
// audit pipeline monitoring in production environments.
//
// Metrics exposed (all namespaced with "auditflow_"):
//
// 1. active_audits (gauge): Orchestrators currently running in this process.
// Use: Monitor engine load and detect stuck audits.
//
// 2. stage_latency_ms (histogram): Stage execution duration in milliseconds.
// Labels: stage, status (success/error/timeout/skipped).
// Buckets: [1, 5, 10, 50, 100, 500, 1000, 5000, 10000].
// Use: P50/P95/P99 latency analysis per stage.
//
// 3. audits_total (counter): Terminal orchestrator outcomes.
// Labels: status (completed/partial/failed).
// Use: Track audit success rates and criticality policy effects.
//
// 4. guard_retries_total (counter): Acquire attempts retried on contention.
// Labels: reason (duplicate/transient).
// Use: Identify hot subjects and store contention patterns.
//
// 5. reaped_total (counter): Executions force-failed by the timeout reaper.
// Labels: kind (orchestrator/stage).
// Use: Detect zombie executions and mis-sized timeouts.
//
// 6. cache_events_total (counter): Status cache effectiveness.
// Labels: event (hit/miss/stale).
// Use: Tune the cache TTL and fingerprint sources.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := pipeline.NewPrometheusMetrics(registry)
//	engine := pipeline.NewEngine(st, reg, pipeline.WithMetrics(metrics))
//
//	// Expose via HTTP for Prometheus scraping:
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// Thread-safe: all methods use atomic operations or mutex protection.
type PrometheusMetrics struct {
	// Gauge metrics (current value observations).
	activeAudits prometheus.Gauge

	// Histogram metrics (distribution observations).
	stageLatency *prometheus.HistogramVec

	// Counter metrics (cumulative totals).
	audits      *prometheus.CounterVec
	guardRetry  *prometheus.CounterVec
	reaped      *prometheus.CounterVec
	cacheEvents *prometheus.CounterVec

	// Registry holds all registered metrics.
	registry prometheus.Registerer

	// Mutex protects enable/disable toggling.
	mu sync.RWMutex

	// enabled controls whether metrics are recorded.
	enabled bool
}

// NewPrometheusMetrics creates and registers all pipeline metrics with the
// provided Prometheus registry.
//
// Parameters:
//   - registry: Prometheus registry to register metrics with (nil uses
//     prometheus.DefaultRegisterer).
//
// All metrics are registered with namespace "auditflow". Histograms use
// buckets sized for typical stage execution times (1ms to 10s).
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{
		registry: registry,
		enabled:  true,
	}

	pm.activeAudits = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "auditflow",
		Name:      "active_audits",
		Help:      "Orchestrators currently running in this process",
	})

	pm.stageLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "auditflow",
		Name:      "stage_latency_ms",
		Help:      "Stage execution duration in milliseconds (from dispatch to terminal transition)",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000}, // 1ms to 10s
	}, []string{"stage", "status"}) // status: success, error, timeout, skipped

	pm.audits = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auditflow",
		Name:      "audits_total",
		Help:      "Terminal orchestrator outcomes by status",
	}, []string{"status"}) // status: completed, partial, failed

	pm.guardRetry = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auditflow",
		Name:      "guard_retries_total",
		Help:      "Acquire attempts retried due to single-flight contention",
	}, []string{"reason"}) // reason: duplicate, transient

	pm.reaped = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auditflow",
		Name:      "reaped_total",
		Help:      "Executions force-failed by the timeout reaper",
	}, []string{"kind"}) // kind: orchestrator, stage

	pm.cacheEvents = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auditflow",
		Name:      "cache_events_total",
		Help:      "Status cache lookups by outcome",
	}, []string{"event"}) // event: hit, miss, stale

	return pm
}

// AuditStarted records an orchestrator entering its running phase.
func (pm *PrometheusMetrics) AuditStarted() {
	if !pm.recording() {
		return
	}
	pm.activeAudits.Inc()
}

// AuditFinished records an orchestrator reaching the given terminal status.
func (pm *PrometheusMetrics) AuditFinished(status string) {
	if !pm.recording() {
		return
	}
	pm.activeAudits.Dec()
	pm.audits.WithLabelValues(status).Inc()
}

// RecordStageLatency records the execution duration of one stage attempt.
//
// Parameters:
//   - stage: Stage type that was executed.
//   - latency: Execution duration.
//   - status: Execution outcome ("success", "error", "timeout", "skipped").
func (pm *PrometheusMetrics) RecordStageLatency(stage string, latency time.Duration, status string) {
	if !pm.recording() {
		return
	}
	pm.stageLatency.WithLabelValues(stage, status).Observe(float64(latency.Milliseconds()))
}

// IncrementGuardRetries counts one retried acquire attempt.
//
// Parameters:
//   - reason: Retry cause ("duplicate", "transient").
func (pm *PrometheusMetrics) IncrementGuardRetries(reason string) {
	if !pm.recording() {
		return
	}
	pm.guardRetry.WithLabelValues(reason).Inc()
}

// IncrementReaped counts one execution force-failed by the reaper.
//
// Parameters:
//   - kind: Execution kind ("orchestrator", "stage").
func (pm *PrometheusMetrics) IncrementReaped(kind string) {
	if !pm.recording() {
		return
	}
	pm.reaped.WithLabelValues(kind).Inc()
}

// RecordCacheEvent counts one status cache lookup outcome.
//
// Parameters:
//   - event: Lookup outcome ("hit", "miss", "stale").
func (pm *PrometheusMetrics) RecordCacheEvent(event string) {
	if !pm.recording() {
		return
	}
	pm.cacheEvents.WithLabelValues(event).Inc()
}

// Disable temporarily disables metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable().
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

func (pm *PrometheusMetrics) recording() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}
