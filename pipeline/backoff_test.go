package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", p.MaxAttempts)
	}
	if p.BaseDelay != 50*time.Millisecond {
		t.Errorf("BaseDelay = %v, want 50ms", p.BaseDelay)
	}
	if p.MaxDelay != 500*time.Millisecond {
		t.Errorf("MaxDelay = %v, want 500ms", p.MaxDelay)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("default policy should validate, got %v", err)
	}
}

func TestRetryPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		wantErr bool
	}{
		{"valid", RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond}, false},
		{"single attempt", RetryPolicy{MaxAttempts: 1}, false},
		{"zero attempts", RetryPolicy{MaxAttempts: 0}, true},
		{"negative attempts", RetryPolicy{MaxAttempts: -1}, true},
		{"max below base", RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Millisecond}, true},
		{"no max cap", RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr && !errors.Is(err, ErrInvalidRetryPolicy) {
				t.Errorf("Validate() = %v, want ErrInvalidRetryPolicy", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestComputeBackoff(t *testing.T) {
	base := 50 * time.Millisecond
	maxDelay := 500 * time.Millisecond

	tests := []struct {
		name    string
		attempt int
		minWant time.Duration
		maxWant time.Duration
	}{
		{"first retry", 0, 50 * time.Millisecond, 100 * time.Millisecond},
		{"second retry", 1, 100 * time.Millisecond, 150 * time.Millisecond},
		{"third retry", 2, 200 * time.Millisecond, 250 * time.Millisecond},
		{"capped", 10, 500 * time.Millisecond, 550 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Jitter is random, so sample a few times and check bounds.
			for i := 0; i < 20; i++ {
				got := computeBackoff(tt.attempt, base, maxDelay)
				if got < tt.minWant || got > tt.maxWant {
					t.Fatalf("computeBackoff(%d) = %v, want in [%v, %v]", tt.attempt, got, tt.minWant, tt.maxWant)
				}
			}
		})
	}
}

func TestComputeBackoffZeroBase(t *testing.T) {
	if got := computeBackoff(3, 0, time.Second); got != 0 {
		t.Errorf("computeBackoff with zero base = %v, want 0", got)
	}
}

func TestComputeBackoffOverflow(t *testing.T) {
	// A huge attempt count overflows the shift; the cap must absorb it.
	got := computeBackoff(62, 50*time.Millisecond, 500*time.Millisecond)
	if got < 500*time.Millisecond || got > 550*time.Millisecond {
		t.Errorf("computeBackoff(62) = %v, want capped in [500ms, 550ms]", got)
	}
}

func TestSleepContext(t *testing.T) {
	t.Run("completes after duration", func(t *testing.T) {
		start := time.Now()
		if err := sleepContext(context.Background(), 20*time.Millisecond); err != nil {
			t.Fatalf("sleepContext() = %v, want nil", err)
		}
		if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
			t.Errorf("returned after %v, want >= 20ms", elapsed)
		}
	})

	t.Run("canceled context returns early", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		start := time.Now()
		err := sleepContext(ctx, 5*time.Second)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("sleepContext() = %v, want context.Canceled", err)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("returned after %v, want immediate", elapsed)
		}
	})

	t.Run("zero duration returns immediately", func(t *testing.T) {
		if err := sleepContext(context.Background(), 0); err != nil {
			t.Errorf("sleepContext(0) = %v, want nil", err)
		}
	})
}
