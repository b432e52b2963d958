package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory implementation of ExecutionStore.
//
// Designed for:
//   - Testing and development
//   - Single-process deployments where durability isn't required
//   - Examples
//
// The write lock is the store's transactional primitive here, so the
// single-flight and guarded-transition properties hold exactly as they do
// for the database-backed stores, but only within one process. Data is lost
// when the process exits; use SQLiteStore, MySQLStore, or PostgresStore for
// anything that must survive a restart or span replicas.
type MemStore struct {
	mu         sync.RWMutex
	executions map[string]Execution
	byParent   map[string][]string // orchestrator ID -> stage IDs, insert order
	bySubject  map[string][]string // subject key -> orchestrator IDs, insert order
}

// NewMemStore creates an empty in-memory store.
//
// Example:
//
//	st := store.NewMemStore()
//	guard := pipeline.NewGuard(st)
func NewMemStore() *MemStore {
	return &MemStore{
		executions: make(map[string]Execution),
		byParent:   make(map[string][]string),
		bySubject:  make(map[string][]string),
	}
}

// Insert persists a new record, enforcing single-flight for orchestrators.
func (m *MemStore) Insert(_ context.Context, exec Execution) error {
	if err := ValidateInsert(exec); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.executions[exec.ID]; exists {
		return fmt.Errorf("execution %s already exists", exec.ID)
	}

	if exec.Kind == KindOrchestrator {
		for _, id := range m.bySubject[exec.SubjectKey] {
			if m.executions[id].Active() {
				return ErrDuplicateActive
			}
		}
	}

	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now()
	}

	m.executions[exec.ID] = exec
	switch exec.Kind {
	case KindOrchestrator:
		m.bySubject[exec.SubjectKey] = append(m.bySubject[exec.SubjectKey], exec.ID)
	case KindStage:
		m.byParent[exec.ParentID] = append(m.byParent[exec.ParentID], exec.ID)
	}
	return nil
}

// Get returns the record with the given ID.
func (m *MemStore) Get(_ context.Context, id string) (Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exec, exists := m.executions[id]
	if !exists {
		return Execution{}, ErrNotFound
	}
	return exec, nil
}

// ActiveOrchestrator returns the pending or running orchestrator for the
// subject key.
func (m *MemStore) ActiveOrchestrator(_ context.Context, subjectKey string) (Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, id := range m.bySubject[subjectKey] {
		if exec := m.executions[id]; exec.Active() {
			return exec, nil
		}
	}
	return Execution{}, ErrNotFound
}

// LatestOrchestrator returns the most recently created orchestrator for the
// subject key regardless of status.
func (m *MemStore) LatestOrchestrator(_ context.Context, subjectKey string) (Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.bySubject[subjectKey]
	if len(ids) == 0 {
		return Execution{}, ErrNotFound
	}
	return m.executions[ids[len(ids)-1]], nil
}

// Children returns the orchestrator's stage records, oldest first.
func (m *MemStore) Children(_ context.Context, parentID string) ([]Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byParent[parentID]
	children := make([]Execution, 0, len(ids))
	for _, id := range ids {
		children = append(children, m.executions[id])
	}
	return children, nil
}

// Running returns every record currently in status running.
func (m *MemStore) Running(_ context.Context) ([]Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var running []Execution
	for _, exec := range m.executions {
		if exec.Status == StatusRunning {
			running = append(running, exec)
		}
	}
	// Map iteration order is random; sort for stable sweeps.
	sort.Slice(running, func(i, j int) bool { return running[i].CreatedAt.Before(running[j].CreatedAt) })
	return running, nil
}

// MarkRunning transitions a pending record to running.
func (m *MemStore) MarkRunning(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, exists := m.executions[id]
	if !exists {
		return ErrNotFound
	}
	if exec.Status != StatusPending {
		return fmt.Errorf("%w: %s %s -> running", ErrInvalidTransition, exec.Kind, exec.Status)
	}

	exec.Status = StatusRunning
	exec.StartTime = at
	m.executions[id] = exec
	return nil
}

// MarkTerminal transitions a record to a terminal status, idempotently.
func (m *MemStore) MarkTerminal(_ context.Context, id string, status Status, at time.Time, errorMessage, outputRef string) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	exec, exists := m.executions[id]
	if !exists {
		return false, ErrNotFound
	}
	if exec.Status.Terminal() {
		return false, nil
	}
	if !CanTransition(exec.Kind, exec.Status, status) {
		return false, fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, exec.Kind, exec.Status, status)
	}

	exec.Status = status
	exec.EndTime = at
	if !exec.StartTime.IsZero() {
		exec.Duration = at.Sub(exec.StartTime)
	}
	exec.ErrorMessage = errorMessage
	exec.OutputRef = outputRef
	m.executions[id] = exec
	return true, nil
}

// Ping always succeeds for the in-memory store.
func (m *MemStore) Ping(_ context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (m *MemStore) Close() error { return nil }
