package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/auditflow/auditflow-go/pipeline/store"
)

// StageResult is one stage's contribution to an assembled audit result.
type StageResult struct {
	Stage        string
	Status       store.Status
	OutputRef    string
	ErrorMessage string
	Duration     time.Duration
}

// AuditResult is the assembled outcome of a finished audit run. Results
// exist only for completed and partial runs; a failed run surfaces through
// status reporting instead.
type AuditResult struct {
	ExecutionID string
	SubjectKey  string
	Status      store.Status
	Stages      []StageResult
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration

	// Fingerprint is the input fingerprint the run was started with.
	Fingerprint string
}

// BuildResult assembles the result of the most recent audit run for a
// subject. It returns ErrResultNotReady when the subject has no run yet,
// the latest run is still in flight, or the latest run failed outright.
func BuildResult(ctx context.Context, st store.ExecutionStore, subjectKey string) (AuditResult, error) {
	orch, err := st.LatestOrchestrator(ctx, subjectKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return AuditResult{}, fmt.Errorf("no audit recorded for %s: %w", subjectKey, ErrResultNotReady)
		}
		return AuditResult{}, fmt.Errorf("load latest audit for %s: %w", subjectKey, err)
	}

	if orch.Status != store.StatusCompleted && orch.Status != store.StatusPartial {
		return AuditResult{}, fmt.Errorf("latest audit %s is %s: %w", orch.ID, orch.Status, ErrResultNotReady)
	}

	children, err := st.Children(ctx, orch.ID)
	if err != nil {
		return AuditResult{}, fmt.Errorf("load stages for %s: %w", orch.ID, err)
	}

	result := AuditResult{
		ExecutionID: orch.ID,
		SubjectKey:  orch.SubjectKey,
		Status:      orch.Status,
		Stages:      make([]StageResult, 0, len(children)),
		StartedAt:   orch.StartTime,
		CompletedAt: orch.EndTime,
		Duration:    orch.Duration,
		Fingerprint: orch.InputFingerprint,
	}
	for _, child := range children {
		result.Stages = append(result.Stages, StageResult{
			Stage:        child.StageType,
			Status:       child.Status,
			OutputRef:    child.OutputRef,
			ErrorMessage: child.ErrorMessage,
			Duration:     child.Duration,
		})
	}
	return result, nil
}

// ResultBuilder produces a fresh audit result for a subject. ResultCache
// invokes it on cache misses and stale entries.
type ResultBuilder func(ctx context.Context, subjectKey string) (AuditResult, error)

type cacheEntry struct {
	result      AuditResult
	fingerprint string
	cachedAt    time.Time
}

// ResultCache memoizes assembled audit results per subject key. An entry
// serves reads until its TTL lapses or the subject's input fingerprint
// moves, whichever comes first. A moved fingerprint means the underlying
// sources changed, so the entry is rebuilt even while still inside its
// TTL.
//
// Failed builds are never cached. Expired entries are evicted lazily on
// the next lookup for their key.
type ResultCache struct {
	build       ResultBuilder
	fingerprint FingerprintFunc
	ttl         time.Duration
	metrics     *PrometheusMetrics

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// CacheOption configures a ResultCache.
type CacheOption func(*ResultCache) error

// WithCacheTTL sets how long an entry stays valid without a fingerprint
// change. The default is 5 minutes.
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *ResultCache) error {
		if ttl <= 0 {
			return &EngineError{Message: "cache TTL must be positive", Code: "INVALID_TTL"}
		}
		c.ttl = ttl
		return nil
	}
}

// WithCacheFingerprint sets the function that computes the current input
// fingerprint for a subject. Without one, entries are validated by TTL
// alone.
func WithCacheFingerprint(fn FingerprintFunc) CacheOption {
	return func(c *ResultCache) error {
		c.fingerprint = fn
		return nil
	}
}

// WithCacheMetrics attaches a metrics collector recording hit, miss, and
// stale events.
func WithCacheMetrics(m *PrometheusMetrics) CacheOption {
	return func(c *ResultCache) error {
		c.metrics = m
		return nil
	}
}

// NewResultCache creates a ResultCache around the given builder.
func NewResultCache(builder ResultBuilder, opts ...CacheOption) (*ResultCache, error) {
	if builder == nil {
		return nil, &EngineError{Message: "cache requires a result builder", Code: "NIL_BUILDER"}
	}
	c := &ResultCache{
		build:   builder,
		ttl:     5 * time.Minute,
		entries: make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Get returns the audit result for a subject, serving from cache when the
// entry is fresh and rebuilding otherwise. Errors from the builder pass
// through unwrapped and leave any previous entry untouched.
func (c *ResultCache) Get(ctx context.Context, subjectKey string) (AuditResult, error) {
	return c.getAt(ctx, subjectKey, time.Now())
}

func (c *ResultCache) getAt(ctx context.Context, subjectKey string, now time.Time) (AuditResult, error) {
	current := ""
	if c.fingerprint != nil {
		current = c.fingerprint(ctx, subjectKey)
	}

	c.mu.RLock()
	entry, ok := c.entries[subjectKey]
	c.mu.RUnlock()

	if ok {
		fresh := now.Sub(entry.cachedAt) < c.ttl
		matched := current == "" || current == entry.fingerprint
		switch {
		case fresh && matched:
			c.metrics.RecordCacheEvent("hit")
			return entry.result, nil
		case fresh && !matched:
			c.metrics.RecordCacheEvent("stale")
		default:
			c.metrics.RecordCacheEvent("miss")
		}
	} else {
		c.metrics.RecordCacheEvent("miss")
	}

	result, err := c.build(ctx, subjectKey)
	if err != nil {
		return AuditResult{}, err
	}

	c.mu.Lock()
	c.entries[subjectKey] = cacheEntry{
		result:      result,
		fingerprint: current,
		cachedAt:    now,
	}
	c.mu.Unlock()

	return result, nil
}

// Invalidate drops the cached entry for a subject, if any. The next Get
// rebuilds from the store.
func (c *ResultCache) Invalidate(subjectKey string) {
	c.mu.Lock()
	delete(c.entries, subjectKey)
	c.mu.Unlock()
}

// Clear drops every cached entry.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// Len reports the number of cached entries, including any that have
// expired but not yet been evicted.
func (c *ResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
