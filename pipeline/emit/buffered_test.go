package emit

import (
	"fmt"
	"sync"
	"testing"
)

// TestBufferedEmitter_EmitAndGetHistory verifies events are captured per execution.
func TestBufferedEmitter_EmitAndGetHistory(t *testing.T) {
	emitter := NewBufferedEmitter()

	events := []Event{
		{ExecutionID: "exec-001", SubjectKey: "example.com", Msg: "audit started"},
		{ExecutionID: "exec-001", SubjectKey: "example.com", Stage: "scrape", Msg: "stage started"},
		{ExecutionID: "exec-001", SubjectKey: "example.com", Stage: "scrape", Msg: "stage completed"},
		{ExecutionID: "exec-002", SubjectKey: "other.com", Msg: "audit started"},
	}
	for _, e := range events {
		emitter.Emit(e)
	}

	history := emitter.GetHistory("exec-001")
	if len(history) != 3 {
		t.Fatalf("expected 3 events for exec-001, got %d", len(history))
	}

	// Events preserve emission order.
	wantMsgs := []string{"audit started", "stage started", "stage completed"}
	for i, msg := range wantMsgs {
		if history[i].Msg != msg {
			t.Errorf("history[%d].Msg = %q, want %q", i, history[i].Msg, msg)
		}
	}

	other := emitter.GetHistory("exec-002")
	if len(other) != 1 {
		t.Errorf("expected 1 event for exec-002, got %d", len(other))
	}

	// Unknown execution returns empty slice, not nil.
	empty := emitter.GetHistory("exec-999")
	if empty == nil {
		t.Error("expected empty slice for unknown execution, got nil")
	}
	if len(empty) != 0 {
		t.Errorf("expected 0 events for unknown execution, got %d", len(empty))
	}
}

// TestBufferedEmitter_HistoryIsACopy verifies callers cannot mutate the buffer.
func TestBufferedEmitter_HistoryIsACopy(t *testing.T) {
	emitter := NewBufferedEmitter()
	emitter.Emit(Event{ExecutionID: "exec-001", Msg: "audit started"})

	history := emitter.GetHistory("exec-001")
	history[0].Msg = "mutated"

	fresh := emitter.GetHistory("exec-001")
	if fresh[0].Msg != "audit started" {
		t.Errorf("buffer was mutated through returned slice: %q", fresh[0].Msg)
	}
}

// TestBufferedEmitter_Filter verifies filter criteria combine with AND logic.
func TestBufferedEmitter_Filter(t *testing.T) {
	emitter := NewBufferedEmitter()

	emitter.Emit(Event{ExecutionID: "exec-001", Stage: "scrape", Msg: "stage started"})
	emitter.Emit(Event{ExecutionID: "exec-001", Stage: "scrape", Msg: "stage failed",
		Meta: map[string]interface{}{"error": "connection refused"}})
	emitter.Emit(Event{ExecutionID: "exec-001", Stage: "cluster", Msg: "stage started"})
	emitter.Emit(Event{ExecutionID: "exec-001", Stage: "cluster", Msg: "stage failed",
		Meta: map[string]interface{}{"error": "no samples"}})
	emitter.Emit(Event{ExecutionID: "exec-001", Stage: "enrich", Msg: "stage completed"})

	tests := []struct {
		name   string
		filter HistoryFilter
		want   int
	}{
		{"empty filter returns all", HistoryFilter{}, 5},
		{"filter by stage", HistoryFilter{Stage: "scrape"}, 2},
		{"filter by msg", HistoryFilter{Msg: "stage started"}, 2},
		{"filter by errors only", HistoryFilter{ErrorsOnly: true}, 2},
		{"stage and msg combined", HistoryFilter{Stage: "cluster", Msg: "stage failed"}, 1},
		{"stage and errors combined", HistoryFilter{Stage: "scrape", ErrorsOnly: true}, 1},
		{"no matches", HistoryFilter{Stage: "report"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := emitter.GetHistoryWithFilter("exec-001", tt.filter)
			if len(got) != tt.want {
				t.Errorf("got %d events, want %d", len(got), tt.want)
			}
			if got == nil {
				t.Error("expected non-nil slice")
			}
		})
	}
}

// TestBufferedEmitter_Clear verifies clearing by execution and clearing all.
func TestBufferedEmitter_Clear(t *testing.T) {
	emitter := NewBufferedEmitter()
	emitter.Emit(Event{ExecutionID: "exec-001", Msg: "audit started"})
	emitter.Emit(Event{ExecutionID: "exec-002", Msg: "audit started"})

	emitter.Clear("exec-001")
	if len(emitter.GetHistory("exec-001")) != 0 {
		t.Error("expected exec-001 history to be cleared")
	}
	if len(emitter.GetHistory("exec-002")) != 1 {
		t.Error("expected exec-002 history to survive")
	}

	emitter.Emit(Event{ExecutionID: "exec-003", Msg: "audit started"})
	emitter.Clear("")
	if len(emitter.GetHistory("exec-002")) != 0 || len(emitter.GetHistory("exec-003")) != 0 {
		t.Error("expected Clear(\"\") to remove all events")
	}
}

// TestBufferedEmitter_ConcurrentEmit verifies thread safety under parallel writers.
func TestBufferedEmitter_ConcurrentEmit(t *testing.T) {
	emitter := NewBufferedEmitter()

	const goroutines = 10
	const perGoroutine = 50

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				emitter.Emit(Event{
					ExecutionID: "exec-shared",
					Stage:       fmt.Sprintf("stage-%d", g),
					Msg:         "stage started",
				})
				// Interleave reads with writes.
				_ = emitter.GetHistory("exec-shared")
			}
		}(g)
	}
	wg.Wait()

	history := emitter.GetHistory("exec-shared")
	if len(history) != goroutines*perGoroutine {
		t.Errorf("expected %d events, got %d", goroutines*perGoroutine, len(history))
	}
}
