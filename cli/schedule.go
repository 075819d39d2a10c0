package cli

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/petal-labs/reflow/schedule"
)

// NewScheduleCmd creates the "schedule" subcommand.
func NewScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule <file>",
		Short: "Run a definition on a cron schedule until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE:  runSchedule,
	}
	addRunFlags(cmd)
	cmd.Flags().String("cron", "", `Cron expression in UTC, e.g. "*/15 * * * *" or "@hourly"`)
	cmd.Flags().Int("max-runs", 0, "Stop after this many runs (0 = until interrupted)")
	return cmd
}

func runSchedule(cmd *cobra.Command, args []string) error {
	expr, _ := cmd.Flags().GetString("cron")
	maxRuns, _ := cmd.Flags().GetInt("max-runs")
	sched, err := schedule.ParseUTC(expr)
	if err != nil {
		return exitError(exitInputParse, "%v", err)
	}

	def, err := loadDefinition(cmd, args[0])
	if err != nil {
		return err
	}
	settings, err := readRunSettings(cmd, def)
	if err != nil {
		return err
	}

	logger := slog.Default()
	eng, err := newEngine(cmd.Context(), def, settings, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.close(); err != nil {
			logger.Warn("closing run resources", "error", err)
		}
	}()

	s, err := schedule.New(schedule.Config{
		Schedule: sched,
		MaxRuns:  maxRuns,
		Logger:   logger,
		Job: func(ctx context.Context) error {
			result, runErr := eng.run(ctx)
			if result != nil {
				logger.Info("scheduled run finished",
					"run_id", result.RunID,
					"status", runStatus(result),
					"failed_nodes", len(result.Failed()),
				)
			}
			return runOutcomeError(result, runErr, eng.opts.RunTimeout)
		},
	})
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("schedule started", "definition", def.ID, "cron", expr)
	err = s.Run(ctx)
	started, skipped := s.Stats()
	logger.Info("schedule stopped", "runs", started, "skipped", skipped)
	if err != nil && !errors.Is(err, context.Canceled) {
		return exitError(exitRuntime, "%v", err)
	}
	return nil
}
