// Package retry wraps node invocations with bounded retry and linear
// backoff. Only infrastructure failures (returned errors) are retried; an
// Error result is a final answer.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petal-labs/reflow/core"
)

// Func is one attempt. attempt is 1-indexed.
type Func func(ctx context.Context, attempt int) (core.Result, error)

// Sleeper waits between attempts. Sleep returns early with ctx.Err() when
// the context is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to the Sleeper interface.
type SleeperFunc func(ctx context.Context, d time.Duration) error

// Sleep calls f.
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

// TimerSleeper waits on a real timer.
type TimerSleeper struct{}

// Sleep waits for d or until ctx is done.
func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Stats describes a finished Run.
type Stats struct {
	Attempts  int
	Duration  time.Duration
	LastError error
}

// Executor runs a Func up to MaxAttempts times, waiting attempt*Delay after
// each failed attempt.
type Executor struct {
	MaxAttempts int
	Delay       time.Duration
	Sleeper     Sleeper
	Logger      *slog.Logger
	Now         func() time.Time

	// OnRetry is called before waiting for the next attempt.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// New creates an Executor from a retry policy.
func New(policy core.RetryPolicy) *Executor {
	return &Executor{
		MaxAttempts: policy.MaxAttempts,
		Delay:       policy.Delay,
	}
}

// Backoff returns the wait after the given failed attempt.
func (e *Executor) Backoff(attempt int) time.Duration {
	if e.Delay <= 0 || attempt <= 0 {
		return 0
	}
	return time.Duration(attempt) * e.Delay
}

// Run calls fn until it returns without error, the attempts are used up, or
// ctx is done. After the last failed attempt the error is returned wrapped
// with core.ErrExecutionFailed. Context errors and errors marked with
// Permanent are returned without further attempts.
func (e *Executor) Run(ctx context.Context, nodeID string, fn Func) (core.Result, Stats, error) {
	maxAttempts := e.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	sleeper := e.Sleeper
	if sleeper == nil {
		sleeper = TimerSleeper{}
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := e.Now
	if now == nil {
		now = time.Now
	}

	start := now()
	var stats Stats
	finish := func() Stats {
		stats.Duration = now().Sub(start)
		return stats
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			stats.LastError = err
			return core.Result{}, finish(), err
		}

		stats.Attempts = attempt
		res, err := fn(ctx, attempt)
		if err == nil {
			s := finish()
			logger.Debug("node attempt succeeded",
				"node_id", nodeID,
				"attempts", s.Attempts,
				"duration", s.Duration,
			)
			return res, s, nil
		}
		stats.LastError = err

		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return core.Result{}, finish(), err
		}
		if isPermanent(err) || attempt == maxAttempts {
			break
		}

		wait := e.Backoff(attempt)
		logger.Warn("node attempt failed, retrying",
			"node_id", nodeID,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"wait", wait,
			"error", err,
		)
		if e.OnRetry != nil {
			e.OnRetry(attempt, wait, err)
		}
		if err := sleeper.Sleep(ctx, wait); err != nil {
			stats.LastError = err
			return core.Result{}, finish(), err
		}
	}

	s := finish()
	logger.Error("node failed after retries",
		"node_id", nodeID,
		"attempts", s.Attempts,
		"duration", s.Duration,
		"error", s.LastError,
	)
	return core.Result{}, s, fmt.Errorf("%w: %s after %d attempts: %w",
		core.ErrExecutionFailed, nodeID, s.Attempts, unwrapPermanent(s.LastError))
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func unwrapPermanent(err error) error {
	var p *permanentError
	if errors.As(err, &p) {
		return p.err
	}
	return err
}
