package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory.
//
// This emitter captures all events and provides query capabilities for
// execution history analysis. Events are organized by execution ID for
// efficient retrieval and filtering.
//
// Features:
//   - Thread-safe concurrent access
//   - Query by execution ID with optional filtering
//   - Filter by stage, message, or error presence
//   - Clear events by execution ID or all events
//
// Use cases:
//   - Development and debugging
//   - Testing and validation
//   - Real-time monitoring dashboards
//   - Post-audit analysis
//
// Warning: This emitter stores all events in memory. For production
// deployments with long-running pipelines or high event volume, consider
// using a persistent storage backend or implement event rotation/cleanup.
//
// Example usage:
//
//	// Create buffered emitter for testing
//	emitter := emit.NewBufferedEmitter()
//	engine := pipeline.NewEngine(st, registry, pipeline.WithEmitter(emitter))
//
//	// Run audit
//	engine.Run(ctx, "exec-001", "example.com")
//
//	// Query execution history
//	allEvents := emitter.GetHistory("exec-001")
//	failures := emitter.GetHistoryWithFilter("exec-001", emit.HistoryFilter{ErrorsOnly: true})
//
//	// Clean up old runs
//	emitter.Clear("exec-001")
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // executionID -> events
}

// HistoryFilter specifies criteria for filtering execution history.
//
// All filter fields are optional. When multiple fields are set, they are
// combined with AND logic (all conditions must match).
//
// Fields:
//   - Stage: Filter by specific stage type
//   - Msg: Filter by message (e.g., "stage failed")
//   - ErrorsOnly: Keep only events carrying an "error" meta entry
//
// Example usage:
//
//	// Get all failures from the scrape stage
//	filter := emit.HistoryFilter{
//		Stage:      "scrape",
//		ErrorsOnly: true,
//	}
//	failures := emitter.GetHistoryWithFilter("exec-001", filter)
type HistoryFilter struct {
	Stage      string // Filter by stage type (empty = no filter)
	Msg        string // Filter by message (empty = no filter)
	ErrorsOnly bool   // Keep only events with an "error" meta entry
}

// NewBufferedEmitter creates a new BufferedEmitter.
//
// Returns a BufferedEmitter that stores all events in memory and provides
// query capabilities. Safe for concurrent use.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores an event in the buffer.
//
// Events are organized by execution ID for efficient retrieval. This method
// is thread-safe and can be called concurrently from multiple goroutines.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.ExecutionID] = append(b.events[event.ExecutionID], event)
}

// GetHistory retrieves all events for a specific execution ID.
//
// Returns events in the order they were emitted. Returns an empty slice
// if no events exist for the given execution ID.
//
// This method is thread-safe and returns a copy of the events to prevent
// concurrent modification issues.
//
// Example:
//
//	events := emitter.GetHistory("exec-001")
//	for _, event := range events {
//		fmt.Printf("[%s] %s: %s\n", event.ExecutionID, event.Stage, event.Msg)
//	}
func (b *BufferedEmitter) GetHistory(executionID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[executionID]
	if events == nil {
		return []Event{} // Return empty slice instead of nil
	}

	// Return a copy to prevent external modification
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// GetHistoryWithFilter retrieves filtered events for a specific execution ID.
//
// Applies the provided filter criteria to select matching events. All filter
// conditions must match for an event to be included (AND logic).
//
// Returns events in the order they were emitted. Returns an empty slice if
// no events match the filter.
//
// This method is thread-safe and returns a copy of the events.
func (b *BufferedEmitter) GetHistoryWithFilter(executionID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[executionID]
	if events == nil {
		return []Event{}
	}

	// If filter is empty, return all events
	if filter.Stage == "" && filter.Msg == "" && !filter.ErrorsOnly {
		result := make([]Event, len(events))
		copy(result, events)
		return result
	}

	// Apply filters
	var result []Event
	for _, event := range events {
		if !b.matchesFilter(event, filter) {
			continue
		}
		result = append(result, event)
	}

	if result == nil {
		return []Event{} // Return empty slice instead of nil
	}
	return result
}

// matchesFilter checks if an event matches the filter criteria.
func (b *BufferedEmitter) matchesFilter(event Event, filter HistoryFilter) bool {
	// Filter by Stage
	if filter.Stage != "" && event.Stage != filter.Stage {
		return false
	}

	// Filter by Msg
	if filter.Msg != "" && event.Msg != filter.Msg {
		return false
	}

	// Filter by error presence
	if filter.ErrorsOnly {
		if event.Meta == nil {
			return false
		}
		if _, ok := event.Meta["error"]; !ok {
			return false
		}
	}

	return true
}

// Clear removes stored events.
//
// If executionID is non-empty, clears only events for that specific
// execution. If executionID is empty, clears all stored events across
// all executions.
//
// This method is thread-safe and can be called concurrently.
//
// Example:
//
//	// Clear specific execution
//	emitter.Clear("exec-001")
//
//	// Clear all executions
//	emitter.Clear("")
func (b *BufferedEmitter) Clear(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if executionID == "" {
		// Clear all events
		b.events = make(map[string][]Event)
	} else {
		// Clear specific execution
		delete(b.events, executionID)
	}
}
