package tracking

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryBackoffDoubles(t *testing.T) {
	var slept []time.Duration
	orig := sleepFn
	sleepFn = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	defer func() { sleepFn = orig }()

	calls := 0
	failures := 0
	p := RetryPolicy{Attempts: 3, Backoff: 100 * time.Millisecond}
	err := p.do(context.Background(), func(context.Context) error {
		calls++
		return errBackend
	}, func(int, error) { failures++ })

	if !errors.Is(err, ErrPersistenceWriteFailed) || !errors.Is(err, errBackend) {
		t.Fatalf("unexpected error %v", err)
	}
	if calls != 3 || failures != 3 {
		t.Fatalf("expected 3 attempts, got %d calls %d failures", calls, failures)
	}
	if len(slept) != 2 || slept[0] != 100*time.Millisecond || slept[1] != 200*time.Millisecond {
		t.Fatalf("unexpected backoff %v", slept)
	}
}

func TestRetryStopsOnStateConflict(t *testing.T) {
	calls := 0
	err := RetryPolicy{Attempts: 5}.do(context.Background(), func(context.Context) error {
		calls++
		return fmt.Errorf("%w: checked out", ErrInvalidSessionState)
	}, nil)
	if calls != 1 || !errors.Is(err, ErrInvalidSessionState) {
		t.Fatalf("expected single attempt, got %d: %v", calls, err)
	}
}

func TestRetryAttemptTimeout(t *testing.T) {
	err := RetryPolicy{Attempts: 1, Timeout: 10 * time.Millisecond}.do(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected attempt deadline, got %v", err)
	}
}

func TestRetrySucceedsAfterFailure(t *testing.T) {
	calls := 0
	err := RetryPolicy{Attempts: 3}.do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return errBackend
		}
		return nil
	}, nil)
	if err != nil || calls != 2 {
		t.Fatalf("expected success on second attempt, got %d: %v", calls, err)
	}
}
