// CLAUDE:SUMMARY Bounded retry with fixed or exponential backoff, used at every navigation, query and pagination wait.
// Package retry is the single retry policy of the crawler. Every suspension
// point (navigation, surface lookup, query wait, page turn) goes through Do
// so attempt counts and delays are configured in one place.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	// Attempts is the total number of tries. Values below 1 mean 1.
	Attempts int
	// Delay is the wait before the second try.
	Delay time.Duration
	// Multiplier scales Delay after each failure. 0 or 1 keeps it fixed.
	Multiplier float64
	// MaxDelay caps the wait. 0 means no cap.
	MaxDelay time.Duration
}

// Fixed waits the same delay between tries.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{Attempts: attempts, Delay: delay}
}

// Backoff doubles the delay after each failure.
func Backoff(attempts int, base time.Duration) Policy {
	return Policy{Attempts: attempts, Delay: base, Multiplier: 2}
}

func (p Policy) wait(attempt int) time.Duration {
	d := p.Delay
	if p.Multiplier > 1 {
		for i := 0; i < attempt; i++ {
			d = time.Duration(float64(d) * p.Multiplier)
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				return p.MaxDelay
			}
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so Do returns it at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: %s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do runs fn until it succeeds, returns a permanent error, the context ends
// or the policy is exhausted. The last error is wrapped in ExhaustedError;
// a permanent error is returned unwrapped.
func Do(ctx context.Context, p Policy, logger *slog.Logger, op string, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if ctx.Err() != nil {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}

		wait := p.wait(attempt)
		if logger != nil {
			logger.WarnContext(ctx, "retrying",
				"op", op,
				"attempt", attempt+1,
				"max_attempts", attempts,
				"backoff_ms", wait.Milliseconds(),
				"error", err)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return lastErr
		case <-t.C:
		}
	}
	return &ExhaustedError{Op: op, Attempts: attempts, Err: lastErr}
}

// Value is Do for functions returning a value.
func Value[T any](ctx context.Context, p Policy, logger *slog.Logger, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, logger, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
