package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/pulse/internal/config"
	"github.com/zulandar/pulse/internal/models"
	"github.com/zulandar/pulse/internal/pipeline"
)

func newRunCmd() *cobra.Command {
	var (
		configPath string
		mode       string
		jsonOut    bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one ingest and snapshot pass",
		Long: `Fetches new activity from every configured source, attributes it to
projects, and writes a fresh snapshot for each active project.

Each source and project gets an outcome line. The command exits non-zero
when any of them failed; other sources still run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, configPath, mode, jsonOut)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&mode, "mode", "", "override ingest.mode (incremental, full-refresh, none)")
	addJSONFlag(cmd, &jsonOut)
	return cmd
}

func runRun(cmd *cobra.Command, configPath, mode string, jsonOut bool) error {
	e, err := openEnv(configPath)
	if err != nil {
		return err
	}
	defer e.close()

	if mode != "" {
		switch mode {
		case config.ModeIncremental, config.ModeFullRefresh, config.ModeNone:
			e.cfg.Ingest.Mode = mode
		default:
			return fmt.Errorf("unknown --mode %q", mode)
		}
	}

	runner, err := pipeline.Build(e.cfg, e.db, e.log)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	rep, runErr := runner.Run(ctx)
	if rep != nil {
		if err := printReport(cmd, rep, jsonOut); err != nil {
			return err
		}
	}
	var re *pipeline.RunError
	if errors.As(runErr, &re) {
		return fmt.Errorf("run %s: %d outcome(s) failed: %s", re.RunID, len(re.Failed), strings.Join(re.Failed, ", "))
	}
	return runErr
}

type outcomeJSON struct {
	Stage      string `json:"stage"`
	SourceType string `json:"source_type,omitempty"`
	ProjectID  string `json:"project_id,omitempty"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Fetched    int    `json:"fetched"`
	Stored     int    `json:"stored"`
	Linked     int    `json:"linked"`
}

type reportJSON struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Outcomes   []outcomeJSON `json:"outcomes"`
}

func printReport(cmd *cobra.Command, rep *pipeline.Report, jsonOut bool) error {
	out := cmd.OutOrStdout()
	if wantJSON(cmd, jsonOut) {
		r := reportJSON{RunID: rep.RunID, StartedAt: rep.StartedAt, FinishedAt: rep.FinishedAt}
		for _, o := range rep.Outcomes {
			r.Outcomes = append(r.Outcomes, outcomeJSON{
				Stage:      o.Stage,
				SourceType: o.SourceType,
				ProjectID:  o.ProjectID,
				Status:     o.Status,
				Reason:     o.Reason,
				Fetched:    o.Fetched,
				Stored:     o.Stored,
				Linked:     o.Linked,
			})
		}
		return writeJSON(out, r)
	}
	fmt.Fprintf(out, "Run %s\n\n", rep.RunID)
	printOutcomes(out, rep.Outcomes)
	fmt.Fprintf(out, "\n%d succeeded, %d skipped, %d failed\n",
		rep.Count(models.OutcomeSuccess), rep.Count(models.OutcomeSkipped), rep.Count(models.OutcomeFailed))
	return nil
}

func printOutcomes(out io.Writer, outcomes []models.RunOutcome) {
	w := newTable(out)
	fmt.Fprintln(w, "STAGE\tSOURCE\tPROJECT\tSTATUS\tFETCHED\tSTORED\tLINKED\tREASON")
	for _, o := range outcomes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			o.Stage, orDash(o.SourceType), orDash(o.ProjectID), o.Status,
			o.Fetched, o.Stored, o.Linked, oneLine(o.Reason, 60))
	}
	w.Flush()
}
