package store_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/auditflow/auditflow-go/pipeline/store"
)

// storeScenarios enumerates every ExecutionStore backend. The coordination
// contract (single-flight inserts, guarded transitions, idempotent terminal
// writes) must behave identically on all of them, so each test below runs
// against the full set. MySQL and Postgres require a reachable database and
// are skipped unless their DSN env vars are set.
func storeScenarios() []struct {
	name      string
	storeFunc func(*testing.T) (store.ExecutionStore, func())
} {
	return []struct {
		name      string
		storeFunc func(*testing.T) (store.ExecutionStore, func())
	}{
		{
			name: "MemStore",
			storeFunc: func(t *testing.T) (store.ExecutionStore, func()) {
				return store.NewMemStore(), func() {}
			},
		},
		{
			name: "SQLiteStore",
			storeFunc: func(t *testing.T) (store.ExecutionStore, func()) {
				dbPath := filepath.Join(t.TempDir(), "test.db")
				st, err := store.NewSQLiteStore(dbPath)
				if err != nil {
					t.Fatalf("Failed to create SQLiteStore: %v", err)
				}
				return st, func() { st.Close() }
			},
		},
		{
			name: "MySQLStore",
			storeFunc: func(t *testing.T) (store.ExecutionStore, func()) {
				dsn := os.Getenv("TEST_MYSQL_DSN")
				if dsn == "" {
					t.Skip("Skipping MySQL test: TEST_MYSQL_DSN not set")
				}
				st, err := store.NewMySQLStore(dsn)
				if err != nil {
					t.Fatalf("Failed to create MySQLStore: %v", err)
				}
				return st, func() { st.Close() }
			},
		},
		{
			name: "PostgresStore",
			storeFunc: func(t *testing.T) (store.ExecutionStore, func()) {
				url := os.Getenv("TEST_POSTGRES_URL")
				if url == "" {
					t.Skip("Skipping Postgres test: TEST_POSTGRES_URL not set")
				}
				st, err := store.NewPostgresStore(url)
				if err != nil {
					t.Fatalf("Failed to create PostgresStore: %v", err)
				}
				return st, func() { st.Close() }
			},
		},
	}
}

// uniqueSubject builds a subject key that cannot collide with rows left by
// earlier runs against a shared MySQL/Postgres database.
func uniqueSubject(prefix string) string {
	return fmt.Sprintf("%s-%d.test", prefix, time.Now().UnixNano())
}

func newOrchestrator(id, subject string, createdAt time.Time) store.Execution {
	return store.Execution{
		ID:         id,
		SubjectKey: subject,
		Kind:       store.KindOrchestrator,
		Status:     store.StatusPending,
		CreatedAt:  createdAt,
	}
}

func newStage(id, subject, parentID, stageType string, crit store.Criticality, createdAt time.Time) store.Execution {
	return store.Execution{
		ID:          id,
		SubjectKey:  subject,
		Kind:        store.KindStage,
		StageType:   stageType,
		ParentID:    parentID,
		Status:      store.StatusRunning,
		Criticality: crit,
		StartTime:   createdAt,
		CreatedAt:   createdAt,
	}
}

func TestExecutionStoreConformance(t *testing.T) {
	for _, scenario := range storeScenarios() {
		t.Run(scenario.name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("insert and get round trip", func(t *testing.T) {
				st, cleanup := scenario.storeFunc(t)
				defer cleanup()

				subject := uniqueSubject("roundtrip")
				created := time.Now().Truncate(time.Microsecond)
				orch := newOrchestrator("orch-rt-"+subject, subject, created)
				orch.InputFingerprint = "fp-001"

				if err := st.Insert(ctx, orch); err != nil {
					t.Fatalf("Insert orchestrator failed: %v", err)
				}

				got, err := st.Get(ctx, orch.ID)
				if err != nil {
					t.Fatalf("Get failed: %v", err)
				}
				if got.SubjectKey != subject {
					t.Errorf("SubjectKey = %q, want %q", got.SubjectKey, subject)
				}
				if got.Kind != store.KindOrchestrator {
					t.Errorf("Kind = %q, want orchestrator", got.Kind)
				}
				if got.Status != store.StatusPending {
					t.Errorf("Status = %q, want pending", got.Status)
				}
				if got.InputFingerprint != "fp-001" {
					t.Errorf("InputFingerprint = %q, want fp-001", got.InputFingerprint)
				}
				if !got.StartTime.IsZero() {
					t.Errorf("StartTime should be zero before MarkRunning, got %v", got.StartTime)
				}
				if !got.CreatedAt.Equal(created) {
					t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
				}

				stage := newStage("stage-rt-"+subject, subject, orch.ID, "scrape", store.Critical, created.Add(time.Millisecond))
				if err := st.Insert(ctx, stage); err != nil {
					t.Fatalf("Insert stage failed: %v", err)
				}
				gotStage, err := st.Get(ctx, stage.ID)
				if err != nil {
					t.Fatalf("Get stage failed: %v", err)
				}
				if gotStage.ParentID != orch.ID {
					t.Errorf("ParentID = %q, want %q", gotStage.ParentID, orch.ID)
				}
				if gotStage.Criticality != store.Critical {
					t.Errorf("Criticality = %q, want critical", gotStage.Criticality)
				}
				if gotStage.StartTime.IsZero() {
					t.Error("stage inserted as running should carry its start time")
				}
			})

			t.Run("get nonexistent returns ErrNotFound", func(t *testing.T) {
				st, cleanup := scenario.storeFunc(t)
				defer cleanup()

				if _, err := st.Get(ctx, "no-such-id"); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("expected ErrNotFound, got: %v", err)
				}
				if _, err := st.ActiveOrchestrator(ctx, uniqueSubject("idle")); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("expected ErrNotFound for idle subject, got: %v", err)
				}
				if _, err := st.LatestOrchestrator(ctx, uniqueSubject("never")); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("expected ErrNotFound for unseen subject, got: %v", err)
				}
			})

			t.Run("second active orchestrator is rejected", func(t *testing.T) {
				st, cleanup := scenario.storeFunc(t)
				defer cleanup()

				subject := uniqueSubject("singleflight")
				first := newOrchestrator("orch-sf1-"+subject, subject, time.Now())
				if err := st.Insert(ctx, first); err != nil {
					t.Fatalf("first insert failed: %v", err)
				}

				second := newOrchestrator("orch-sf2-"+subject, subject, time.Now())
				if err := st.Insert(ctx, second); !errors.Is(err, store.ErrDuplicateActive) {
					t.Fatalf("expected ErrDuplicateActive, got: %v", err)
				}

				// Still rejected while the first is running.
				if err := st.MarkRunning(ctx, first.ID, time.Now()); err != nil {
					t.Fatalf("MarkRunning failed: %v", err)
				}
				if err := st.Insert(ctx, second); !errors.Is(err, store.ErrDuplicateActive) {
					t.Fatalf("expected ErrDuplicateActive while running, got: %v", err)
				}

				// A terminal first run frees the subject for a new one.
				if _, err := st.MarkTerminal(ctx, first.ID, store.StatusCompleted, time.Now(), "", ""); err != nil {
					t.Fatalf("MarkTerminal failed: %v", err)
				}
				if err := st.Insert(ctx, second); err != nil {
					t.Fatalf("insert after terminal run should succeed, got: %v", err)
				}
			})

			t.Run("active and latest orchestrator lookups", func(t *testing.T) {
				st, cleanup := scenario.storeFunc(t)
				defer cleanup()

				subject := uniqueSubject("lookup")
				base := time.Now().Truncate(time.Microsecond)

				first := newOrchestrator("orch-lk1-"+subject, subject, base)
				if err := st.Insert(ctx, first); err != nil {
					t.Fatalf("insert failed: %v", err)
				}

				active, err := st.ActiveOrchestrator(ctx, subject)
				if err != nil {
					t.Fatalf("ActiveOrchestrator failed: %v", err)
				}
				if active.ID != first.ID {
					t.Errorf("active ID = %q, want %q", active.ID, first.ID)
				}

				if _, err := st.MarkTerminal(ctx, first.ID, store.StatusFailed, base.Add(time.Second), "boom", ""); err != nil {
					t.Fatalf("MarkTerminal failed: %v", err)
				}
				if _, err := st.ActiveOrchestrator(ctx, subject); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("expected no active orchestrator after terminal, got: %v", err)
				}

				second := newOrchestrator("orch-lk2-"+subject, subject, base.Add(2*time.Second))
				if err := st.Insert(ctx, second); err != nil {
					t.Fatalf("second insert failed: %v", err)
				}

				latest, err := st.LatestOrchestrator(ctx, subject)
				if err != nil {
					t.Fatalf("LatestOrchestrator failed: %v", err)
				}
				if latest.ID != second.ID {
					t.Errorf("latest ID = %q, want %q", latest.ID, second.ID)
				}
			})

			t.Run("children are returned oldest first", func(t *testing.T) {
				st, cleanup := scenario.storeFunc(t)
				defer cleanup()

				subject := uniqueSubject("children")
				base := time.Now().Truncate(time.Microsecond)
				orch := newOrchestrator("orch-ch-"+subject, subject, base)
				if err := st.Insert(ctx, orch); err != nil {
					t.Fatalf("insert failed: %v", err)
				}

				types := []string{"scrape", "cluster", "enrich"}
				for i, st2 := range types {
					stage := newStage(fmt.Sprintf("stage-ch%d-%s", i, subject), subject, orch.ID, st2, store.NonCritical, base.Add(time.Duration(i+1)*time.Millisecond))
					if err := st.Insert(ctx, stage); err != nil {
						t.Fatalf("stage insert failed: %v", err)
					}
				}

				children, err := st.Children(ctx, orch.ID)
				if err != nil {
					t.Fatalf("Children failed: %v", err)
				}
				if len(children) != len(types) {
					t.Fatalf("got %d children, want %d", len(children), len(types))
				}
				for i, child := range children {
					if child.StageType != types[i] {
						t.Errorf("child[%d].StageType = %q, want %q", i, child.StageType, types[i])
					}
				}

				empty, err := st.Children(ctx, "no-such-parent")
				if err != nil {
					t.Fatalf("Children for unknown parent failed: %v", err)
				}
				if len(empty) != 0 {
					t.Errorf("expected no children, got %d", len(empty))
				}
			})

			t.Run("running returns only running records", func(t *testing.T) {
				st, cleanup := scenario.storeFunc(t)
				defer cleanup()

				subject := uniqueSubject("running")
				base := time.Now().Truncate(time.Microsecond)
				orch := newOrchestrator("orch-rn-"+subject, subject, base)
				if err := st.Insert(ctx, orch); err != nil {
					t.Fatalf("insert failed: %v", err)
				}
				if err := st.MarkRunning(ctx, orch.ID, base); err != nil {
					t.Fatalf("MarkRunning failed: %v", err)
				}

				done := newStage("stage-rn1-"+subject, subject, orch.ID, "scrape", store.Critical, base.Add(time.Millisecond))
				if err := st.Insert(ctx, done); err != nil {
					t.Fatalf("stage insert failed: %v", err)
				}
				if _, err := st.MarkTerminal(ctx, done.ID, store.StatusCompleted, base.Add(time.Second), "", "ref-1"); err != nil {
					t.Fatalf("MarkTerminal failed: %v", err)
				}

				live := newStage("stage-rn2-"+subject, subject, orch.ID, "cluster", store.NonCritical, base.Add(2*time.Millisecond))
				if err := st.Insert(ctx, live); err != nil {
					t.Fatalf("stage insert failed: %v", err)
				}

				running, err := st.Running(ctx)
				if err != nil {
					t.Fatalf("Running failed: %v", err)
				}
				ids := make(map[string]bool, len(running))
				for _, exec := range running {
					if exec.Status != store.StatusRunning {
						t.Errorf("Running returned non-running record %s (%s)", exec.ID, exec.Status)
					}
					ids[exec.ID] = true
				}
				if !ids[orch.ID] || !ids[live.ID] {
					t.Errorf("Running should include %s and %s, got %v", orch.ID, live.ID, ids)
				}
				if ids[done.ID] {
					t.Errorf("Running should not include completed stage %s", done.ID)
				}
			})

			t.Run("terminal transitions are guarded and idempotent", func(t *testing.T) {
				st, cleanup := scenario.storeFunc(t)
				defer cleanup()

				subject := uniqueSubject("terminal")
				base := time.Now().Truncate(time.Microsecond)
				orch := newOrchestrator("orch-tm-"+subject, subject, base)
				if err := st.Insert(ctx, orch); err != nil {
					t.Fatalf("insert failed: %v", err)
				}

				// completed requires running.
				if _, err := st.MarkTerminal(ctx, orch.ID, store.StatusCompleted, base, "", ""); !errors.Is(err, store.ErrInvalidTransition) {
					t.Fatalf("completed from pending should be invalid, got: %v", err)
				}

				start := base.Add(time.Second)
				if err := st.MarkRunning(ctx, orch.ID, start); err != nil {
					t.Fatalf("MarkRunning failed: %v", err)
				}
				if err := st.MarkRunning(ctx, orch.ID, start); !errors.Is(err, store.ErrInvalidTransition) {
					t.Fatalf("second MarkRunning should be invalid, got: %v", err)
				}

				end := start.Add(90 * time.Second)
				changed, err := st.MarkTerminal(ctx, orch.ID, store.StatusPartial, end, "one stage failed", "")
				if err != nil {
					t.Fatalf("MarkTerminal failed: %v", err)
				}
				if !changed {
					t.Fatal("first terminal transition should report changed=true")
				}

				got, err := st.Get(ctx, orch.ID)
				if err != nil {
					t.Fatalf("Get failed: %v", err)
				}
				if got.Status != store.StatusPartial {
					t.Errorf("Status = %q, want partial", got.Status)
				}
				if got.Duration != 90*time.Second {
					t.Errorf("Duration = %v, want 90s", got.Duration)
				}
				if !got.EndTime.Equal(end) {
					t.Errorf("EndTime = %v, want %v", got.EndTime, end)
				}
				if got.ErrorMessage != "one stage failed" {
					t.Errorf("ErrorMessage = %q", got.ErrorMessage)
				}

				// Re-applying any terminal transition is a no-op.
				changed, err = st.MarkTerminal(ctx, orch.ID, store.StatusFailed, end.Add(time.Hour), "late reaper", "")
				if err != nil {
					t.Fatalf("idempotent MarkTerminal errored: %v", err)
				}
				if changed {
					t.Fatal("terminal record must not change again")
				}
				got, err = st.Get(ctx, orch.ID)
				if err != nil {
					t.Fatalf("Get failed: %v", err)
				}
				if got.Status != store.StatusPartial || got.Duration != 90*time.Second {
					t.Errorf("terminal record mutated: status=%s duration=%v", got.Status, got.Duration)
				}
			})

			t.Run("kind-specific terminal targets", func(t *testing.T) {
				st, cleanup := scenario.storeFunc(t)
				defer cleanup()

				subject := uniqueSubject("kinds")
				base := time.Now().Truncate(time.Microsecond)
				orch := newOrchestrator("orch-kd-"+subject, subject, base)
				if err := st.Insert(ctx, orch); err != nil {
					t.Fatalf("insert failed: %v", err)
				}
				stage := newStage("stage-kd-"+subject, subject, orch.ID, "enrich", store.NonCritical, base)
				if err := st.Insert(ctx, stage); err != nil {
					t.Fatalf("stage insert failed: %v", err)
				}

				// partial is an orchestrator-only outcome.
				if _, err := st.MarkTerminal(ctx, stage.ID, store.StatusPartial, base.Add(time.Second), "", ""); !errors.Is(err, store.ErrInvalidTransition) {
					t.Errorf("partial stage should be invalid, got: %v", err)
				}
				// skipped is a stage-only outcome.
				if _, err := st.MarkTerminal(ctx, orch.ID, store.StatusSkipped, base.Add(time.Second), "", ""); !errors.Is(err, store.ErrInvalidTransition) {
					t.Errorf("skipped orchestrator should be invalid, got: %v", err)
				}
				// running is not a terminal target at all.
				if _, err := st.MarkTerminal(ctx, stage.ID, store.StatusRunning, base.Add(time.Second), "", ""); !errors.Is(err, store.ErrInvalidTransition) {
					t.Errorf("running target should be invalid, got: %v", err)
				}
			})
		})
	}
}

// TestSingleFlightConcurrentInserts drives N concurrent orchestrator inserts
// for one subject key and requires exactly one winner, the property the
// guard builds on.
func TestSingleFlightConcurrentInserts(t *testing.T) {
	for _, scenario := range storeScenarios() {
		t.Run(scenario.name, func(t *testing.T) {
			st, cleanup := scenario.storeFunc(t)
			defer cleanup()

			ctx := context.Background()
			subject := uniqueSubject("race")
			const attempts = 16

			var (
				wg         sync.WaitGroup
				mu         sync.Mutex
				winners    []string
				duplicates int
			)
			for i := 0; i < attempts; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					exec := newOrchestrator(fmt.Sprintf("orch-race%d-%s", i, subject), subject, time.Now())
					err := st.Insert(ctx, exec)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						winners = append(winners, exec.ID)
					case errors.Is(err, store.ErrDuplicateActive):
						duplicates++
					default:
						t.Errorf("unexpected insert error: %v", err)
					}
				}(i)
			}
			wg.Wait()

			if len(winners) != 1 {
				t.Fatalf("expected exactly 1 winner, got %d (%v)", len(winners), winners)
			}
			if duplicates != attempts-1 {
				t.Fatalf("expected %d ErrDuplicateActive, got %d", attempts-1, duplicates)
			}

			active, err := st.ActiveOrchestrator(ctx, subject)
			if err != nil {
				t.Fatalf("ActiveOrchestrator failed: %v", err)
			}
			if active.ID != winners[0] {
				t.Errorf("active orchestrator %q is not the winner %q", active.ID, winners[0])
			}
		})
	}
}
