package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/auditflow/auditflow-go/pipeline/store"
)

func TestStageTimeoutPrecedence(t *testing.T) {
	tests := []struct {
		name         string
		stageTimeout time.Duration
		defaultT     time.Duration
		want         time.Duration
	}{
		{"stage override wins", 5 * time.Second, 10 * time.Second, 5 * time.Second},
		{"default when stage unset", 0, 10 * time.Second, 10 * time.Second},
		{"unlimited when both unset", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := StageDef{Type: "scrape", Timeout: tt.stageTimeout}
			if got := stageTimeout(def, tt.defaultT); got != tt.want {
				t.Errorf("stageTimeout() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExecuteStageWithTimeout(t *testing.T) {
	input := StageInput{SubjectKey: "acme.example", StageType: "scrape"}

	t.Run("success passes output through", func(t *testing.T) {
		def := StageDef{
			Type:     "scrape",
			Timeout:  time.Second,
			Executor: succeedWith("mem://audits/scrape"),
		}
		out, err := executeStageWithTimeout(context.Background(), def, input, 0)
		if err != nil {
			t.Fatalf("executeStageWithTimeout() error = %v", err)
		}
		if out.OutputRef != "mem://audits/scrape" {
			t.Errorf("OutputRef = %q", out.OutputRef)
		}
	})

	t.Run("deadline abandons slow executor", func(t *testing.T) {
		def := StageDef{
			Type:    "scrape",
			Timeout: 20 * time.Millisecond,
			Executor: ExecutorFunc(func(ctx context.Context, _ StageInput) (StageOutput, error) {
				select {
				case <-time.After(5 * time.Second):
					return StageOutput{OutputRef: "late"}, nil
				case <-ctx.Done():
					return StageOutput{}, ctx.Err()
				}
			}),
		}
		start := time.Now()
		_, err := executeStageWithTimeout(context.Background(), def, input, 0)
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Errorf("returned after %v, want prompt timeout", elapsed)
		}

		var timeoutErr *StageTimeoutError
		if !errors.As(err, &timeoutErr) {
			t.Fatalf("error = %v, want StageTimeoutError", err)
		}
		if timeoutErr.Stage != "scrape" || timeoutErr.Limit != 20*time.Millisecond {
			t.Errorf("StageTimeoutError = %+v", timeoutErr)
		}
	})

	t.Run("cooperative deadline error maps to timeout", func(t *testing.T) {
		def := StageDef{
			Type:     "scrape",
			Timeout:  time.Second,
			Executor: failWith(context.DeadlineExceeded),
		}
		_, err := executeStageWithTimeout(context.Background(), def, input, 0)
		var timeoutErr *StageTimeoutError
		if !errors.As(err, &timeoutErr) {
			t.Errorf("error = %v, want StageTimeoutError", err)
		}
	})

	t.Run("parent cancellation surfaces as-is", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		def := StageDef{
			Type:    "scrape",
			Timeout: time.Minute,
			Executor: ExecutorFunc(func(ctx context.Context, _ StageInput) (StageOutput, error) {
				<-ctx.Done()
				return StageOutput{}, ctx.Err()
			}),
		}
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		_, err := executeStageWithTimeout(ctx, def, input, 0)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	})

	t.Run("no deadline when unlimited", func(t *testing.T) {
		def := StageDef{
			Type: "scrape",
			Executor: ExecutorFunc(func(ctx context.Context, _ StageInput) (StageOutput, error) {
				if _, ok := ctx.Deadline(); ok {
					return StageOutput{}, errors.New("unexpected deadline")
				}
				return StageOutput{}, nil
			}),
		}
		if _, err := executeStageWithTimeout(context.Background(), def, input, 0); err != nil {
			t.Errorf("executeStageWithTimeout() error = %v", err)
		}
	})
}

// Executors keep running after the engine stops waiting; a late result must
// not block their goroutine from exiting.
func TestExecuteStageWithTimeoutLateResultDiscarded(t *testing.T) {
	done := make(chan struct{})
	def := StageDef{
		Type:        "scrape",
		Criticality: store.Critical,
		Timeout:     10 * time.Millisecond,
		Executor: ExecutorFunc(func(ctx context.Context, _ StageInput) (StageOutput, error) {
			defer close(done)
			time.Sleep(50 * time.Millisecond)
			return StageOutput{OutputRef: "late"}, nil
		}),
	}

	_, err := executeStageWithTimeout(context.Background(), def, StageInput{StageType: "scrape"}, 0)
	var timeoutErr *StageTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("error = %v, want StageTimeoutError", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("executor goroutine did not finish after timeout")
	}
}
