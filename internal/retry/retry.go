// Package retry runs a fallible operation under a bounded attempt budget with
// a per-attempt timeout and a non-decreasing backoff schedule.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/media-service/internal/core"
)

var (
	// ErrBackoffDecreasing indicates a schedule whose delays shrink.
	ErrBackoffDecreasing = errors.New("backoff schedule must be non-decreasing")
	// ErrNoAttempts indicates a policy that allows zero attempts.
	ErrNoAttempts = errors.New("max attempts must be at least one")
)

// Policy is the retry budget of one operation.
type Policy struct {
	MaxAttempts       int
	PerAttemptTimeout time.Duration
	Backoff           []time.Duration
}

// Validate rejects unusable policies.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return ErrNoAttempts
	}

	for i := 1; i < len(p.Backoff); i++ {
		if p.Backoff[i] < p.Backoff[i-1] {
			return fmt.Errorf("%w: %v", ErrBackoffDecreasing, p.Backoff)
		}
	}

	return nil
}

// Delay returns the wait after the given failed attempt (1-based). The last
// schedule entry repeats once the schedule runs out.
func (p Policy) Delay(attempt int) time.Duration {
	if len(p.Backoff) == 0 || attempt < 1 {
		return 0
	}

	if attempt > len(p.Backoff) {
		return p.Backoff[len(p.Backoff)-1]
	}

	return p.Backoff[attempt-1]
}

// Budget is the longest Do can run under p: every attempt timing out plus
// every backoff between attempts. It is zero when attempts are unbounded.
func (p Policy) Budget() time.Duration {
	if p.PerAttemptTimeout <= 0 || p.MaxAttempts < 1 {
		return 0
	}

	budget := time.Duration(p.MaxAttempts) * p.PerAttemptTimeout
	for attempt := 1; attempt < p.MaxAttempts; attempt++ {
		budget += p.Delay(attempt)
	}

	return budget
}

// WithMaxAttempts returns a copy of p with a different attempt budget, ignoring non-positive values.
func (p Policy) WithMaxAttempts(n int) Policy {
	if n > 0 {
		p.MaxAttempts = n
	}

	return p
}

// WithTimeout returns a copy of p with a different per-attempt timeout, ignoring non-positive values.
func (p Policy) WithTimeout(d time.Duration) Policy {
	if d > 0 {
		p.PerAttemptTimeout = d
	}

	return p
}

// Attempt describes one provider call attempt.
type Attempt struct {
	Operation     string
	AttemptNumber int
	StartTime     time.Time
	Duration      time.Duration
	Err           error
}

// Stats summarizes a finished Do call.
type Stats struct {
	Attempts int
	Retries  int
	Elapsed  time.Duration
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Elapsed   time.Duration
	Last      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts in %s: %v", e.Operation, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option customizes a single Do call.
type Option func(*options)

type options struct {
	log       *logger.Logger
	sleep     SleepFunc
	now       func() time.Time
	onAttempt func(Attempt)
}

// WithLogger logs each failed attempt.
func WithLogger(log *logger.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithSleep replaces the backoff sleeper.
func WithSleep(sleep SleepFunc) Option {
	return func(o *options) {
		o.sleep = sleep
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// OnAttempt registers an observer called after every attempt.
func OnAttempt(fn func(Attempt)) Option {
	return func(o *options) {
		o.onAttempt = fn
	}
}

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
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

type result[T any] struct {
	value T
	err   error
}

// Do calls fn until it succeeds, returns a non-retryable error, or the budget
// runs out. Each attempt gets its own context bounded by PerAttemptTimeout; a
// late result from a timed-out attempt is discarded.
func Do[T any](ctx context.Context, operation string, policy Policy, fn func(ctx context.Context) (T, error), opts ...Option) (T, Stats, error) {
	var zero T

	o := options{log: nil, sleep: Sleep, now: time.Now, onAttempt: nil}
	for _, opt := range opts {
		opt(&o)
	}

	maxAttempts := max(policy.MaxAttempts, 1)
	start := o.now()
	stats := Stats{Attempts: 0, Retries: 0, Elapsed: 0}

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			stats.Elapsed = o.now().Sub(start)

			return zero, stats, ctx.Err()
		}

		stats.Attempts = attempt
		stats.Retries = attempt - 1
		attemptStart := o.now()

		value, err := runAttempt(ctx, policy.PerAttemptTimeout, fn)

		record := Attempt{
			Operation:     operation,
			AttemptNumber: attempt,
			StartTime:     attemptStart,
			Duration:      o.now().Sub(attemptStart),
			Err:           err,
		}
		if o.onAttempt != nil {
			o.onAttempt(record)
		}

		if err == nil {
			stats.Elapsed = o.now().Sub(start)

			return value, stats, nil
		}

		lastErr = err

		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			stats.Elapsed = o.now().Sub(start)

			return zero, stats, ctx.Err()
		}

		if o.log != nil {
			o.log.Warn("%s attempt %d/%d failed: %v", operation, attempt, maxAttempts, err)
		}

		if !core.IsRetryable(err) || attempt == maxAttempts {
			break
		}

		sleepErr := o.sleep(ctx, policy.Delay(attempt))
		if sleepErr != nil {
			stats.Elapsed = o.now().Sub(start)

			return zero, stats, sleepErr
		}
	}

	stats.Elapsed = o.now().Sub(start)

	if !core.IsRetryable(lastErr) {
		return zero, stats, lastErr
	}

	return zero, stats, &ExhaustedError{
		Operation: operation,
		Attempts:  stats.Attempts,
		Elapsed:   stats.Elapsed,
		Last:      lastErr,
	}
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so an abandoned attempt can still deliver and exit.
	done := make(chan result[T], 1)

	go func() {
		value, err := fn(attemptCtx)
		done <- result[T]{value: value, err: err}
	}()

	var timeoutC <-chan time.Time

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		timeoutC = timer.C
	}

	select {
	case res := <-done:
		return res.value, res.err
	case <-timeoutC:
		return zero, fmt.Errorf("%w: attempt exceeded %s", core.ErrGenerationTimeout, timeout)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
