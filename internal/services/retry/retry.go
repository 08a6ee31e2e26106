package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy bounds how often and how patiently an operation is retried.
// The delay after failed attempt k is BaseDelay*k, so the escalation is linear.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration

	// Notify, when set, is called after every failed attempt. delay is zero when no further attempt follows.
	Notify func(attempt int, err error, delay time.Duration)

	// Sleep replaces the context-aware wait between attempts (tests)
	Sleep func(ctx context.Context, d time.Duration) error
}

// DelayAfter returns the wait that follows failed attempt n
func (p Policy) DelayAfter(n int) time.Duration {
	return p.BaseDelay * time.Duration(n)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; Do returns it at once
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do runs operation until it succeeds, returns a permanent error, the attempts run out
// or ctx is cancelled. Cancellation always wins over the operation's own error.
func Do(ctx context.Context, p Policy, operation func(ctx context.Context) error) error {
	_, err := Execute(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, operation(ctx)
	})
	return err
}

// Execute is Do for operations that produce a value
func Execute[T any](ctx context.Context, p Policy, operation func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = wait
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := operation(ctx)
		if err == nil {
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			if p.Notify != nil {
				p.Notify(attempt, err, 0)
			}
			return zero, perm.err
		}

		lastErr = err

		// Don't sleep after last attempt
		if attempt == maxAttempts {
			if p.Notify != nil {
				p.Notify(attempt, err, 0)
			}
			break
		}

		delay := p.DelayAfter(attempt)
		if p.Notify != nil {
			p.Notify(attempt, err, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
	return zero, fmt.Errorf("failed after %d attempts: %w", maxAttempts, lastErr)
}

// Sleep waits for d or until ctx is done, whichever comes first
func Sleep(ctx context.Context, d time.Duration) error {
	return wait(ctx, d)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
