package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/pulse/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	cmd.AddCommand(newDBResetCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the Pulse database",
		Long:  "Migrates all tables and views, then seeds projects and scopes from the config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	e, err := openEnv(configPath)
	if err != nil {
		return err
	}
	defer e.close()
	fmt.Fprintf(out, "Migrated %d tables (%s)\n", len(db.AllModels()), e.cfg.Store.Driver)

	if err := seed(cmd, e); err != nil {
		return err
	}
	fmt.Fprintln(out, "\nPulse database initialized successfully.")
	return nil
}

func seed(cmd *cobra.Command, e *env) error {
	out := cmd.OutOrStdout()
	if err := db.SeedProjects(e.db, e.cfg.Projects); err != nil {
		return err
	}
	fmt.Fprintf(out, "Seeded %d projects:", len(e.cfg.Projects))
	for _, p := range e.cfg.Projects {
		fmt.Fprintf(out, " %s", p.ID)
	}
	fmt.Fprintln(out)
	return nil
}

func newDBResetCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop and re-initialize the Pulse database",
		Long: `Drops every Pulse table and view, then re-creates them and seeds projects
from the config file. All ingested events, snapshots and checkpoints are lost.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBReset(cmd, configPath, yes)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	return cmd
}

func runDBReset(cmd *cobra.Command, configPath string, skipConfirm bool) error {
	out := cmd.OutOrStdout()

	e, err := openEnv(configPath)
	if err != nil {
		return err
	}
	defer e.close()

	if !skipConfirm && !confirmReset(cmd) {
		fmt.Fprintln(out, "Aborted.")
		return nil
	}

	if err := db.Reset(e.db); err != nil {
		return err
	}
	fmt.Fprintln(out, "Dropped all tables")

	if err := db.AutoMigrate(e.db); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	if err := seed(cmd, e); err != nil {
		return err
	}
	fmt.Fprintln(out, "\nPulse database reset successfully.")
	return nil
}

func confirmReset(cmd *cobra.Command) bool {
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "WARNING: This will permanently delete all Pulse data.")
	fmt.Fprintln(out, "This action cannot be undone.")
	fmt.Fprintln(out)
	fmt.Fprint(out, "Type \"yes\" to confirm: ")

	scanner := bufio.NewScanner(cmd.InOrStdin())
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()) == "yes"
	}
	return false
}
