package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy bounds persistence writes: each attempt gets Timeout, and
// failed attempts wait Backoff, doubling every time.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
	Timeout  time.Duration
}

var sleepFn = func(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// do runs op until it succeeds or attempts run out. onFail sees every failed attempt.
func (p RetryPolicy) do(ctx context.Context, op func(ctx context.Context) error, onFail func(attempt int, err error)) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.Backoff

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = p.attempt(ctx, op)
		if err == nil {
			return nil
		}
		if onFail != nil {
			onFail(attempt, err)
		}
		// state conflicts do not heal by retrying
		if errors.Is(err, ErrInvalidSessionState) || ctx.Err() != nil || attempt == attempts {
			break
		}
		if delay > 0 {
			if serr := sleepFn(ctx, delay); serr != nil {
				break
			}
			delay *= 2
		}
	}
	return fmt.Errorf("%w: %w", ErrPersistenceWriteFailed, err)
}

func (p RetryPolicy) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	if p.Timeout <= 0 {
		return op(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	return op(actx)
}
