package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/pulse/internal/delta"
	"github.com/zulandar/pulse/internal/pulse"
)

// queryFlags are shared by the read-only commands.
type queryFlags struct {
	configPath string
	jsonOut    bool
}

func (f *queryFlags) add(cmd *cobra.Command) {
	addConfigFlag(cmd, &f.configPath)
	addJSONFlag(cmd, &f.jsonOut)
}

func newProjectsCmd() *cobra.Command {
	var (
		f        queryFlags
		inactive bool
	)

	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List projects and their scopes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProjects(cmd, f, inactive)
		},
	}

	f.add(cmd)
	cmd.Flags().BoolVar(&inactive, "all", false, "include inactive projects")
	return cmd
}

func runProjects(cmd *cobra.Command, f queryFlags, inactive bool) error {
	e, err := openEnv(f.configPath)
	if err != nil {
		return err
	}
	defer e.close()

	projects, err := e.service().ListProjects(cmd.Context(), inactive)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if wantJSON(cmd, f.jsonOut) {
		return writeJSON(out, projects)
	}
	if len(projects) == 0 {
		fmt.Fprintln(out, "No projects. Add them to the config file and run 'pulse db init'.")
		return nil
	}
	w := newTable(out)
	fmt.Fprintln(w, "PROJECT\tNAME\tACTIVE\tSCOPES\tLAST SNAPSHOT")
	for _, p := range projects {
		scopes := make([]string, 0, len(p.Scopes))
		for _, s := range p.Scopes {
			scopes = append(scopes, s.SourceType+":"+s.Value)
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n",
			p.ProjectID, p.Name, p.IsActive, orDash(strings.Join(scopes, ", ")), formatTimePtr(p.LastSnapshotAt))
	}
	return w.Flush()
}

func newStatusCmd() *cobra.Command {
	var f queryFlags

	cmd := &cobra.Command{
		Use:   "status <project-id>",
		Short: "Show the latest status snapshot of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, f, args[0])
		},
	}

	f.add(cmd)
	return cmd
}

func runStatus(cmd *cobra.Command, f queryFlags, projectID string) error {
	e, err := openEnv(f.configPath)
	if err != nil {
		return err
	}
	defer e.close()

	p, err := e.service().GetPulse(cmd.Context(), projectID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if wantJSON(cmd, f.jsonOut) {
		return writeJSON(out, p)
	}
	fmt.Fprintf(out, "%s (%s)\n", p.Project.Name, p.Project.ProjectID)
	if p.SnapshotID == "" {
		fmt.Fprintln(out, "No snapshot yet. Run 'pulse run' first.")
		return nil
	}
	fmt.Fprintf(out, "Snapshot %s at %s (%s, window %s to %s)\n\n",
		p.SnapshotID, formatTimePtr(p.SnapshotAt), p.Strategy, formatTimePtr(p.WindowStart), formatTimePtr(p.WindowEnd))
	fmt.Fprintf(out, "%s\n", p.Headline)
	for _, sec := range p.Sections {
		fmt.Fprintf(out, "\n%s\n", strings.ToUpper(strings.ReplaceAll(sec.Name, "_", " ")))
		for _, it := range sec.Items {
			owner := ""
			if it.Owner != "" {
				owner = " [" + it.Owner + "]"
			}
			fmt.Fprintf(out, "  - %s%s (%d evidence)\n", oneLine(it.Text, 100), owner, len(it.Evidence))
		}
	}
	return nil
}

func newEventsCmd() *cobra.Command {
	var (
		f      queryFlags
		filter pulse.EventFilter
		since  string
		until  string
	)

	cmd := &cobra.Command{
		Use:   "events <project-id>",
		Short: "List a project's attributed events, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(cmd, f, args[0], filter, since, until)
		},
	}

	f.add(cmd)
	cmd.Flags().StringVar(&filter.SourceType, "source", "", "only events from this source (jira, slack, discord, github)")
	cmd.Flags().StringVar(&filter.Kind, "kind", "", "only events of this kind")
	cmd.Flags().StringVar(&since, "since", "", "only events after this time (RFC3339, YYYY-MM-DD or 7d/12h/30m)")
	cmd.Flags().StringVar(&until, "until", "", "only events up to this time")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", pulse.DefaultLimit, "page size")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "page offset")
	return cmd
}

// parseTime accepts the absolute and relative forms of delta.ParseSince.
func parseTime(flag, s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	v, err := delta.ParseSince(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", flag, err)
	}
	if v.SnapshotID != "" {
		return time.Time{}, fmt.Errorf("--%s %q is not a time", flag, s)
	}
	return v.Time, nil
}

func runEvents(cmd *cobra.Command, f queryFlags, projectID string, filter pulse.EventFilter, since, until string) error {
	now := time.Now()
	var err error
	if filter.Since, err = parseTime("since", since, now); err != nil {
		return err
	}
	if filter.Until, err = parseTime("until", until, now); err != nil {
		return err
	}

	e, err := openEnv(f.configPath)
	if err != nil {
		return err
	}
	defer e.close()

	page, err := e.service().GetEvents(cmd.Context(), projectID, filter)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if wantJSON(cmd, f.jsonOut) {
		return writeJSON(out, page)
	}
	w := newTable(out)
	fmt.Fprintln(w, "OCCURRED\tSOURCE\tKIND\tACTOR\tVIA\tTEXT")
	for _, ev := range page.Events {
		text := ev.Title
		if text == "" {
			text = ev.Text
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			formatTime(ev.OccurredAt), ev.SourceType, ev.Kind, orDash(ev.Actor), ev.AttributionType, oneLine(text, 70))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d-%d of %d\n", min(page.Offset+1, int(page.Total)), page.Offset+len(page.Events), page.Total)
	return nil
}

func newChangesCmd() *cobra.Command {
	var (
		f     queryFlags
		since string
	)

	cmd := &cobra.Command{
		Use:   "changes <project-id>",
		Short: "Show what changed in a project since a time or snapshot",
		Long: `Lists newly completed work, new and resolved blockers, decisions and other
activity since --since, which is an RFC3339 time, a date (YYYY-MM-DD), a
relative duration (7d, 12h, 30m) or a snapshot id.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChanges(cmd, f, args[0], since)
		},
	}

	f.add(cmd)
	cmd.Flags().StringVar(&since, "since", "7d", "time, date, relative duration or snapshot id")
	return cmd
}

func runChanges(cmd *cobra.Command, f queryFlags, projectID, since string) error {
	e, err := openEnv(f.configPath)
	if err != nil {
		return err
	}
	defer e.close()

	from, err := delta.ParseSince(since, time.Now())
	if err != nil {
		return err
	}
	cl, err := e.service().GetChanges(cmd.Context(), projectID, from)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if wantJSON(cmd, f.jsonOut) {
		return writeJSON(out, cl)
	}
	fmt.Fprintf(out, "Changes in %s from %s to %s (%d events)\n",
		cl.ProjectID, formatTime(cl.Since), formatTime(cl.Until), cl.Activity.Total)
	printItems(cmd, "Newly completed", cl.NewlyCompleted)
	printItems(cmd, "New blockers", cl.NewBlockers)
	if len(cl.ResolvedBlockers) > 0 {
		fmt.Fprintf(out, "\nResolved blockers\n")
		for _, rb := range cl.ResolvedBlockers {
			fmt.Fprintf(out, "  - %s: %s -> %s\n", rb.Subject, oneLine(rb.Blocker.Text, 50), oneLine(rb.Resolution.Text, 50))
		}
	}
	printItems(cmd, "Decisions", cl.NewDecisions)
	if n := len(cl.OtherActivity); n > 0 {
		fmt.Fprintf(out, "\nOther activity: %d events\n", n)
	}
	return nil
}

func printItems(cmd *cobra.Command, title string, items []delta.Item) {
	if len(items) == 0 {
		return
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\n%s\n", title)
	for _, it := range items {
		fmt.Fprintf(out, "  - %s %s: %s\n", formatTime(it.OccurredAt), it.Subject, oneLine(it.Text, 80))
	}
}

func newBlockersCmd() *cobra.Command {
	var f queryFlags

	cmd := &cobra.Command{
		Use:   "blockers <project-id>",
		Short: "List a project's open blockers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBlockers(cmd, f, args[0])
		},
	}

	f.add(cmd)
	return cmd
}

func runBlockers(cmd *cobra.Command, f queryFlags, projectID string) error {
	e, err := openEnv(f.configPath)
	if err != nil {
		return err
	}
	defer e.close()

	blockers, err := e.service().GetBlockers(cmd.Context(), projectID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if wantJSON(cmd, f.jsonOut) {
		return writeJSON(out, blockers)
	}
	if len(blockers) == 0 {
		fmt.Fprintln(out, "No open blockers.")
		return nil
	}
	for _, b := range blockers {
		fmt.Fprintf(out, "- %s [%s]\n", b, b.Origin)
	}
	return nil
}
