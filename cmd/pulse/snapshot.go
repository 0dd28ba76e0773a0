package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/pulse/internal/pipeline"
	"github.com/zulandar/pulse/internal/snapshot"
)

func newSnapshotCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "snapshot <project-id>",
		Short: "Synthesize a status snapshot for one project",
		Long:  "Builds a snapshot from already-ingested events without fetching from any source.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshot(cmd, configPath, args[0])
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runSnapshot(cmd *cobra.Command, configPath, projectID string) error {
	out := cmd.OutOrStdout()
	e, err := openEnv(configPath)
	if err != nil {
		return err
	}
	defer e.close()

	runner, err := pipeline.Build(e.cfg, e.db, e.log)
	if err != nil {
		return err
	}
	snap, err := runner.Synthesize(cmd.Context(), projectID)
	if errors.Is(err, snapshot.ErrNoActivity) {
		fmt.Fprintf(out, "No activity for %s in the last %d days; no snapshot written.\n", projectID, e.cfg.Snapshot.WindowDays)
		return nil
	}
	if err != nil {
		return err
	}
	st, err := snapshot.Decode(snap)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Snapshot %s (%s, %d evidence rows)\n", snap.SnapshotID, snap.Strategy, len(snap.Evidence))
	fmt.Fprintf(out, "  %s\n", st.Headline)
	return nil
}
