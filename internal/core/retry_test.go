package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMarkRetryableAndIsRetryable(t *testing.T) {
	t.Parallel()

	if got := MarkRetryable(nil); got != nil {
		t.Fatalf("MarkRetryable(nil) = %v, want nil", got)
	}

	base := errors.New("temporary")
	marked := MarkRetryable(base)
	if !IsRetryableError(marked) {
		t.Fatalf("expected retryable marker on wrapped error")
	}
	if !errors.Is(marked, base) {
		t.Fatalf("expected wrapped error to unwrap to original")
	}

	wrapped := fmt.Errorf("outer: %w", marked)
	if !IsRetryableError(wrapped) {
		t.Fatalf("expected retryable marker to survive wrapping")
	}
	if IsRetryableError(base) {
		t.Fatalf("did not expect plain error to be retryable")
	}
}

func TestRetryPolicyNormalize(t *testing.T) {
	t.Parallel()

	got := RetryPolicy{}.Normalize()
	if got.MaxRetries != defaultRetryMaxRetries || got.BaseDelay != defaultRetryBaseDelay || got.MaxDelay != defaultRetryMaxDelay {
		t.Fatalf("Normalize() = %#v, want defaults", got)
	}

	got = RetryPolicy{MaxRetries: -1, BaseDelay: 50 * time.Millisecond, MaxDelay: 10 * time.Millisecond}.Normalize()
	if got.MaxRetries != 0 {
		t.Fatalf("negative MaxRetries should disable retries, got %d", got.MaxRetries)
	}
	if got.MaxDelay != 50*time.Millisecond {
		t.Fatalf("MaxDelay should clamp to BaseDelay, got %v", got.MaxDelay)
	}
}

func TestRetryPolicyDelayInRange(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond}

	assertDelayRange := func(attempt int, nominal time.Duration) {
		t.Helper()
		got := policy.Delay(attempt)
		lower := nominal * 8 / 10
		upper := nominal*12/10 + time.Nanosecond
		if got < lower || got > upper {
			t.Fatalf("attempt %d delay out of range: got %v, want [%v, %v]", attempt, got, lower, upper)
		}
	}

	assertDelayRange(0, 100*time.Millisecond)
	assertDelayRange(1, 200*time.Millisecond)
	assertDelayRange(2, 400*time.Millisecond)
	assertDelayRange(5, 500*time.Millisecond)
}

func TestSleepContextCanceledAndSuccess(t *testing.T) {
	t.Parallel()

	canceledCtx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := SleepContext(canceledCtx, 100*time.Millisecond); !errors.Is(err, context.Canceled) {
		t.Fatalf("SleepContext(cancelled) error = %v, want %v", err, context.Canceled)
	}

	if err := SleepContext(context.Background(), 2*time.Millisecond); err != nil {
		t.Fatalf("SleepContext(background) error = %v", err)
	}
}
