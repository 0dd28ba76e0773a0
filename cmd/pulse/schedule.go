package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/pulse/internal/models"
	"github.com/zulandar/pulse/internal/pipeline"
	"github.com/zulandar/pulse/internal/schedule"
	"go.uber.org/zap"
)

func newScheduleCmd() *cobra.Command {
	var (
		configPath string
		expr       string
		now        bool
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run ingest and snapshot passes on a cron schedule",
		Long: `Fires 'pulse run' on the cron expression from schedule.cron (default
hourly). A firing that comes due while the previous run is still going is
skipped. Stops on SIGINT or SIGTERM after the current run finishes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchedule(cmd, configPath, expr, now)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&expr, "cron", "", "override schedule.cron")
	cmd.Flags().BoolVar(&now, "now", false, "run once immediately on start")
	return cmd
}

func runSchedule(cmd *cobra.Command, configPath, expr string, runNow bool) error {
	out := cmd.OutOrStdout()
	e, err := openEnv(configPath)
	if err != nil {
		return err
	}
	defer e.close()

	if expr == "" {
		expr = e.cfg.Schedule.Cron
	}
	runner, err := pipeline.Build(e.cfg, e.db, e.log)
	if err != nil {
		return err
	}
	s, err := schedule.New(schedule.Opts{
		Expr:       expr,
		Job:        scheduledRun(runner, e.log),
		RunOnStart: runNow,
		Logger:     e.log,
	})
	if err != nil {
		return err
	}

	next, err := schedule.Next(expr, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Scheduling runs on %q (next at %s UTC)\n", expr, formatTime(next))

	ctx, cancel := signalContext(cmd)
	defer cancel()
	return s.Run(ctx)
}

// scheduledRun adapts a pipeline run to a scheduled job. Partial failures
// are logged and do not stop the schedule.
func scheduledRun(runner *pipeline.Runner, log *zap.Logger) schedule.Job {
	return func(ctx context.Context) error {
		rep, err := runner.Run(ctx)
		if rep != nil {
			log.Info("scheduled run finished",
				zap.String("run_id", rep.RunID),
				zap.Int("succeeded", rep.Count(models.OutcomeSuccess)),
				zap.Int("skipped", rep.Count(models.OutcomeSkipped)),
				zap.Int("failed", rep.Count(models.OutcomeFailed)),
				zap.Duration("took", rep.FinishedAt.Sub(rep.StartedAt)))
		}
		var re *pipeline.RunError
		if errors.As(err, &re) {
			return nil
		}
		return err
	}
}
