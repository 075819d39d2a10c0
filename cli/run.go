package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/petal-labs/reflow/bus"
	"github.com/petal-labs/reflow/core"
	"github.com/petal-labs/reflow/graph"
	"github.com/petal-labs/reflow/hydrate"
	"github.com/petal-labs/reflow/llmprovider"
	reflowotel "github.com/petal-labs/reflow/otel"
	"github.com/petal-labs/reflow/registry"
	"github.com/petal-labs/reflow/runtime"
)

const envStore = "REFLOW_STORE"

// newLLMClient creates provider clients for llm nodes. Tests replace it.
var newLLMClient hydrate.ClientFactory = llmprovider.NewClient

var errProviderClient = errors.New("creating provider client")

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a run definition",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	addRunFlags(cmd)
	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Bool("metrics", false, "Print collected metrics to stderr after the run")
	return cmd
}

// addRunFlags registers the flags shared by run and schedule.
func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("input", "i", "", "Input data as inline JSON")
	cmd.Flags().StringP("input-file", "f", "", "Input data from a JSON or YAML file")
	cmd.Flags().Duration("timeout", 0, "Run timeout (overrides the definition's timeout)")
	cmd.Flags().StringArray("provider-key", nil, "Set provider API key (repeatable, e.g. --provider-key anthropic=sk-...)")
	cmd.Flags().String("store", "", "SQLite DSN to persist run events (default: $"+envStore+")")
	cmd.Flags().String("otlp-endpoint", "", "Export spans to this OTLP/HTTP endpoint, e.g. http://localhost:4318")
	cmd.Flags().Bool("dry-run", false, "Run with placeholder output for llm nodes; no model is called")
	cmd.Flags().Bool("strict-reflection", false, "Fail nodes whose reflection rounds are exhausted")
	cmd.Flags().StringSlice("select", nil, "Run only these node ids, in this order")
}

func runRun(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	if format != "text" && format != "json" {
		return exitError(exitInputParse, "unknown format %q (use json or text)", format)
	}

	def, err := loadDefinition(cmd, args[0])
	if err != nil {
		return err
	}
	settings, err := readRunSettings(cmd, def)
	if err != nil {
		return err
	}

	eng, err := newEngine(cmd.Context(), def, settings, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.close(); err != nil {
			slog.Warn("closing run resources", "error", err)
		}
	}()

	result, runErr := eng.run(cmd.Context())
	if result != nil {
		if err := writeRunResult(cmd.OutOrStdout(), format, result); err != nil {
			return exitError(exitRuntime, "writing output: %v", err)
		}
	}
	if printMetrics, _ := cmd.Flags().GetBool("metrics"); printMetrics {
		if err := eng.tel.writeMetrics(cmd.ErrOrStderr()); err != nil {
			slog.Warn("collecting metrics", "error", err)
		}
	}
	return runOutcomeError(result, runErr, eng.opts.RunTimeout)
}

// runSettings are the per-invocation inputs of an engine.
type runSettings struct {
	input     any
	selectIDs []string
	dryRun    bool
	strict    bool
	timeout   time.Duration
	storeDSN  string
	otlp      string
	providers hydrate.ProviderMap
}

func readRunSettings(cmd *cobra.Command, def *graph.Definition) (runSettings, error) {
	flags := cmd.Flags()
	s := runSettings{}
	s.dryRun, _ = flags.GetBool("dry-run")
	s.strict, _ = flags.GetBool("strict-reflection")
	s.timeout, _ = flags.GetDuration("timeout")
	s.selectIDs, _ = flags.GetStringSlice("select")
	s.otlp, _ = flags.GetString("otlp-endpoint")
	s.storeDSN, _ = flags.GetString("store")
	if s.storeDSN == "" {
		s.storeDSN = strings.TrimSpace(os.Getenv(envStore))
	}

	input, err := readInput(cmd, def)
	if err != nil {
		return s, err
	}
	s.input = input

	providerFlags, _ := flags.GetStringArray("provider-key")
	flagMap, err := hydrate.ParseProviderFlags(providerFlags)
	if err != nil {
		return s, exitError(exitProvider, "invalid provider flag: %v", err)
	}
	s.providers, err = hydrate.ResolveProviders(flagMap)
	if err != nil {
		return s, exitError(exitProvider, "resolving providers: %v", err)
	}
	return s, nil
}

// readInput returns the entry payload from --input, --input-file, or the
// definition's own input, in that order.
func readInput(cmd *cobra.Command, def *graph.Definition) (any, error) {
	inputStr, _ := cmd.Flags().GetString("input")
	inputFile, _ := cmd.Flags().GetString("input-file")

	if inputStr != "" && inputFile != "" {
		return nil, exitError(exitInputParse, "cannot specify both --input and --input-file")
	}

	var input any
	switch {
	case inputStr != "":
		if err := json.Unmarshal([]byte(inputStr), &input); err != nil {
			return nil, exitError(exitInputParse, "parsing input JSON: %v", err)
		}
	case inputFile != "":
		data, err := os.ReadFile(inputFile) // #nosec G304 -- path from user CLI flag
		if err != nil {
			return nil, exitError(exitFileNotFound, "reading input file: %v", err)
		}
		if err := yaml.Unmarshal(data, &input); err != nil {
			return nil, exitError(exitInputParse, "parsing input file: %v", err)
		}
	default:
		input = def.Input
	}
	return input, nil
}

// engine is a ready-to-run coordinator with its event plumbing. One engine
// may execute many runs.
type engine struct {
	def   *graph.Definition
	coord *runtime.Coordinator
	opts  runtime.Options
	req   runtime.RunRequest
	tel   *telemetry

	bus       *bus.MemBus
	store     *bus.SQLiteEventStore
	persisted <-chan struct{}
}

func newEngine(ctx context.Context, def *graph.Definition, s runSettings, logger *slog.Logger) (*engine, error) {
	reg, evaluator, err := buildRegistry(def, s)
	if err != nil {
		return nil, err
	}

	tel, err := setupTelemetry(ctx, s.otlp)
	if err != nil {
		return nil, exitError(exitRuntime, "%v", err)
	}

	opts, err := runOptions(def, s)
	if err != nil {
		_ = tel.shutdown()
		return nil, exitError(exitValidation, "%v", err)
	}
	opts.Evaluator = evaluator
	opts.Logger = logger
	opts.EventHandler = runtime.MultiEventHandler(tel.tracing.Handle, tel.metrics.Handle)
	opts.EventEmitterDecorator = reflowotel.Decorator(tel.tracing)

	eng := &engine{
		def:  def,
		opts: opts,
		tel:  tel,
		req: runtime.RunRequest{
			Nodes:     def.Specs(),
			Select:    s.selectIDs,
			Input:     s.input,
			Objective: def.Objective,
			Terminal:  def.Terminal,
		},
	}

	if s.storeDSN != "" {
		store, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: s.storeDSN})
		if err != nil {
			_ = tel.shutdown()
			return nil, exitError(exitRuntime, "opening event store: %v", err)
		}
		eng.store = store
		eng.bus = bus.NewMemBus(bus.MemBusConfig{SubscriberBufferSize: 1024})
		sub := eng.bus.SubscribeAll()
		eng.persisted = bus.NewStoreSubscriber(store, logger).Consume(context.Background(), sub)
		eng.opts.EventBus = eng.bus
	}

	eng.coord = runtime.New(reg, eng.opts)
	return eng, nil
}

func (e *engine) run(ctx context.Context) (*runtime.RunResult, error) {
	return e.coord.Run(ctx, e.req)
}

// close flushes persisted events and telemetry.
func (e *engine) close() error {
	var errs []error
	if e.bus != nil {
		errs = append(errs, e.bus.Close())
		<-e.persisted
	}
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	errs = append(errs, e.tel.shutdown())
	return errors.Join(errs...)
}

// buildRegistry creates a work unit for every node. llm nodes call real
// providers unless s.dryRun is set.
func buildRegistry(def *graph.Definition, s runSettings) (*registry.Registry, core.Evaluator, error) {
	f := registry.NewFactory()
	var evaluator core.Evaluator

	if s.dryRun {
		hydrate.RegisterDryRun(f, s.providers)
	} else {
		clients := hydrate.NewClients(s.providers, func(name string, cfg hydrate.ProviderConfig, limiter *rate.Limiter) (core.LLMClient, error) {
			client, err := newLLMClient(name, cfg, limiter)
			if err != nil {
				return nil, fmt.Errorf("%w %q: %v", errProviderClient, name, err)
			}
			return client, nil
		})
		hydrate.RegisterLLM(f, clients)

		var err error
		evaluator, err = hydrate.NewEvaluator(def, clients)
		if err != nil {
			return nil, nil, exitError(exitProvider, "%v", err)
		}
	}

	reg, err := f.Build(def)
	switch {
	case err == nil:
	case errors.Is(err, hydrate.ErrProviderNotConfigured), errors.Is(err, errProviderClient):
		return nil, nil, exitError(exitProvider, "building nodes: %v", err)
	default:
		return nil, nil, exitError(exitValidation, "building nodes: %v", err)
	}
	return reg, evaluator, nil
}

func runOptions(def *graph.Definition, s runSettings) (runtime.Options, error) {
	opts := runtime.DefaultOptions()

	policy, err := def.RetryPolicy()
	if err != nil {
		return opts, err
	}
	runTimeout, nodeTimeout, err := def.Timeouts()
	if err != nil {
		return opts, err
	}
	depPolicy, err := runtime.ParseDependencyFailurePolicy(def.OnDependencyFailure)
	if err != nil {
		return opts, err
	}
	if s.timeout > 0 {
		runTimeout = s.timeout
	}

	opts.Retry = policy
	opts.MaxRounds = def.MaxRounds()
	opts.StrictReflection = s.strict
	opts.OnDependencyFailure = depPolicy
	opts.RunTimeout = runTimeout
	opts.NodeTimeout = nodeTimeout
	opts.Concurrency = def.Concurrency
	return opts, nil
}

// runOutcomeError maps the run outcome to an exit code.
func runOutcomeError(result *runtime.RunResult, runErr error, timeout time.Duration) error {
	switch {
	case errors.Is(runErr, context.DeadlineExceeded):
		return exitError(exitTimeout, "run timed out after %s", timeout)
	case runErr != nil:
		return exitError(exitRuntime, "run failed: %v", runErr)
	case result != nil && result.Output.IsError():
		return exitError(exitRuntime, "run failed: %s: %s", result.Output.Code(), result.Output.Message())
	}
	return nil
}
