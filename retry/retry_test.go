package retry

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/petal-labs/reflow/core"
)

// recordingSleeper records requested waits without sleeping.
type recordingSleeper struct {
	waits []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return ctx.Err()
}

func TestRun_AlwaysFailingInvokedMaxAttempts(t *testing.T) {
	sleeper := &recordingSleeper{}
	e := &Executor{MaxAttempts: 3, Delay: time.Second, Sleeper: sleeper}

	calls := 0
	boom := errors.New("connection reset")
	_, stats, err := e.Run(context.Background(), "n1", func(ctx context.Context, attempt int) (core.Result, error) {
		calls++
		return core.Result{}, boom
	})

	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !errors.Is(err, core.ErrExecutionFailed) {
		t.Errorf("Run() error = %v, want ErrExecutionFailed", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("Run() error = %v, want to wrap last error", err)
	}
	if stats.Attempts != 3 || stats.LastError != boom {
		t.Errorf("Stats = %+v", stats)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if !reflect.DeepEqual(sleeper.waits, want) {
		t.Errorf("waits = %v, want %v", sleeper.waits, want)
	}
}

func TestRun_SucceedsAfterTransientFailure(t *testing.T) {
	sleeper := &recordingSleeper{}
	var retried []int
	e := &Executor{
		MaxAttempts: 3,
		Delay:       10 * time.Millisecond,
		Sleeper:     sleeper,
		OnRetry:     func(attempt int, _ time.Duration, _ error) { retried = append(retried, attempt) },
	}

	res, stats, err := e.Run(context.Background(), "n1", func(ctx context.Context, attempt int) (core.Result, error) {
		if attempt == 1 {
			return core.Result{}, errors.New("transient")
		}
		return core.Success(attempt), nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Data() != 2 {
		t.Errorf("Data() = %v, want 2", res.Data())
	}
	if stats.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", stats.Attempts)
	}
	if !reflect.DeepEqual(retried, []int{1}) {
		t.Errorf("OnRetry attempts = %v, want [1]", retried)
	}
}

func TestRun_ErrorResultIsNotRetried(t *testing.T) {
	e := &Executor{MaxAttempts: 5, Sleeper: &recordingSleeper{}}
	calls := 0
	res, _, err := e.Run(context.Background(), "n1", func(ctx context.Context, attempt int) (core.Result, error) {
		calls++
		return core.Failure(core.CodeInvalidJSON, "bad output"), nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if res.Code() != core.CodeInvalidJSON {
		t.Errorf("Code() = %q", res.Code())
	}
}

func TestRun_PermanentStopsEarly(t *testing.T) {
	e := &Executor{MaxAttempts: 5, Sleeper: &recordingSleeper{}}
	calls := 0
	bad := errors.New("invalid api key")
	_, _, err := e.Run(context.Background(), "n1", func(ctx context.Context, attempt int) (core.Result, error) {
		calls++
		return core.Result{}, Permanent(bad)
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, bad) || !errors.Is(err, core.ErrExecutionFailed) {
		t.Errorf("Run() error = %v", err)
	}
}

func TestRun_ContextCanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		MaxAttempts: 5,
		Delay:       time.Hour,
		Sleeper: SleeperFunc(func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		}),
	}
	calls := 0
	_, _, err := e.Run(ctx, "n1", func(ctx context.Context, attempt int) (core.Result, error) {
		calls++
		return core.Result{}, errors.New("down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if errors.Is(err, core.ErrExecutionFailed) {
		t.Error("cancellation should not be reported as ExecutionFailed")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRun_ZeroAttemptsMeansOne(t *testing.T) {
	e := &Executor{Sleeper: &recordingSleeper{}}
	calls := 0
	_, _, _ = e.Run(context.Background(), "n1", func(ctx context.Context, attempt int) (core.Result, error) {
		calls++
		return core.Result{}, errors.New("x")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestTimerSleeper(t *testing.T) {
	if err := (TimerSleeper{}).Sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("Sleep() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := (TimerSleeper{}).Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep() error = %v, want context.Canceled", err)
	}
}

func TestBackoffIsLinear(t *testing.T) {
	e := New(core.RetryPolicy{MaxAttempts: 4, Delay: 500 * time.Millisecond})
	for attempt, want := range map[int]time.Duration{0: 0, 1: 500 * time.Millisecond, 3: 1500 * time.Millisecond} {
		if got := e.Backoff(attempt); got != want {
			t.Errorf("Backoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}
