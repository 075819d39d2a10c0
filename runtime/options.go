package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/petal-labs/reflow/core"
	"github.com/petal-labs/reflow/retry"
)

// DependencyFailurePolicy decides what happens to a node when one of its
// dependencies recorded an Error result.
type DependencyFailurePolicy string

const (
	// RunAnyway invokes the node with whatever successful upstream results
	// exist. Failed dependencies are absent from its upstream map.
	RunAnyway DependencyFailurePolicy = "run_anyway"

	// Skip records DEPENDENCY_FAILED for the node without invoking it.
	Skip DependencyFailurePolicy = "skip"
)

// ParseDependencyFailurePolicy converts a configuration string.
// The empty string selects RunAnyway.
func ParseDependencyFailurePolicy(s string) (DependencyFailurePolicy, error) {
	switch DependencyFailurePolicy(s) {
	case "", RunAnyway:
		return RunAnyway, nil
	case Skip:
		return Skip, nil
	}
	return "", fmt.Errorf("unknown dependency failure policy %q", s)
}

// Options controls execution behavior.
type Options struct {
	// Retry bounds infrastructure retries per node (default: 3 attempts, 1s step).
	Retry core.RetryPolicy

	// Sleeper waits between retries. If nil, a real timer is used.
	Sleeper retry.Sleeper

	// Evaluator enables the reflection gate. If nil, the first Success is accepted.
	Evaluator core.Evaluator

	// MaxRounds bounds reflection rounds (default: 5).
	MaxRounds int

	// StrictReflection turns exhausted reflection into an EXHAUSTED Error
	// result instead of returning the last output annotated as exhausted.
	StrictReflection bool

	// OnDependencyFailure selects the dependency failure policy (default: RunAnyway).
	OnDependencyFailure DependencyFailurePolicy

	// RunTimeout bounds the whole run. Zero means no deadline.
	RunTimeout time.Duration

	// NodeTimeout bounds each node, retries and reflection included.
	NodeTimeout time.Duration

	// Concurrency caps concurrently running nodes within a level. Zero means no cap.
	Concurrency int

	// ShouldRun selects which nodes are invoked. Nodes it rejects are
	// recorded as SKIPPED. If nil, every node runs.
	ShouldRun func(node core.NodeSpec, input any) bool

	// Now provides the current time (for testing). If nil, uses time.Now.
	Now func() time.Time

	// Logger receives structured logs. If nil, slog.Default() is used.
	Logger *slog.Logger

	// EventHandler receives events during execution.
	EventHandler EventHandler

	// EventEmitterDecorator wraps the internal event emitter.
	EventEmitterDecorator EventEmitterDecorator

	// EventBus distributes events to subscribers.
	EventBus EventPublisher
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		Retry:               core.DefaultRetryPolicy(),
		MaxRounds:           core.DefaultMaxRounds,
		OnDependencyFailure: RunAnyway,
	}
}

func (o Options) withDefaults() Options {
	if o.Retry.MaxAttempts <= 0 {
		o.Retry.MaxAttempts = core.DefaultRetryPolicy().MaxAttempts
	}
	if o.MaxRounds <= 0 {
		o.MaxRounds = core.DefaultMaxRounds
	}
	if o.OnDependencyFailure == "" {
		o.OnDependencyFailure = RunAnyway
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Sleeper == nil {
		o.Sleeper = retry.TimerSleeper{}
	}
	return o
}
