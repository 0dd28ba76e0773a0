// Package pipeline runs one ingestion and synthesis pass: every configured
// connector in turn, then a snapshot per active project.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/pulse/internal/attribution"
	"github.com/zulandar/pulse/internal/config"
	"github.com/zulandar/pulse/internal/connector"
	"github.com/zulandar/pulse/internal/logging"
	"github.com/zulandar/pulse/internal/models"
	"github.com/zulandar/pulse/internal/snapshot"
	"github.com/zulandar/pulse/internal/store"
)

// Opts configures a Runner.
type Opts struct {
	DB          *gorm.DB
	Config      *config.Config
	Connectors  map[string]connector.Connector
	SetupErrs   map[string]error // sources that could not be built
	Attributor  *attribution.Engine
	Synthesizer *snapshot.Synthesizer
	SkipSynth   bool
	Logger      *zap.Logger
	Now         func() time.Time
}

// Runner executes pipeline runs.
type Runner struct {
	db          *gorm.DB
	cfg         *config.Config
	connectors  map[string]connector.Connector
	setupErrs   map[string]error
	attributor  *attribution.Engine
	synthesizer *snapshot.Synthesizer
	skipSynth   bool
	now         func() time.Time
	log         *zap.Logger
}

// New creates a Runner. Missing attributor and synthesizer default to the
// deterministic-only engine and the heuristic strategy.
func New(opts Opts) *Runner {
	r := &Runner{
		db:          opts.DB,
		cfg:         opts.Config,
		connectors:  opts.Connectors,
		setupErrs:   opts.SetupErrs,
		attributor:  opts.Attributor,
		synthesizer: opts.Synthesizer,
		skipSynth:   opts.SkipSynth,
		now:         opts.Now,
		log:         logging.OrNop(opts.Logger).Named("pipeline"),
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.attributor == nil {
		r.attributor = attribution.New(attribution.Opts{DB: r.db, Logger: opts.Logger})
	}
	if r.synthesizer == nil {
		r.synthesizer = snapshot.New(snapshot.Opts{DB: r.db, Logger: opts.Logger, Now: r.now})
	}
	return r
}

// Report is the outcome of one run.
type Report struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcomes   []models.RunOutcome
}

// Count returns how many outcomes have the given status.
func (r *Report) Count(status string) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

// group is one checkpointed unit of ingestion: a project's scopes for one
// source, or the global watch list.
type group struct {
	projectID string
	scopes    []connector.Scope
}

// Run performs one pass. It returns a *RunError when any stage failed, and
// the context error when cancelled; the report is always returned.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	rep := &Report{RunID: uuid.NewString(), StartedAt: r.now().UTC()}
	log := r.log.With(zap.String("run_id", rep.RunID))
	log.Info("run started", zap.String("mode", r.cfg.Ingest.Mode))

	for _, src := range config.Sources {
		if err := ctx.Err(); err != nil {
			return r.finish(rep, log, err)
		}
		if err, ok := r.setupErrs[src]; ok {
			r.record(rep, log, models.RunOutcome{
				Stage: models.StageIngest, SourceType: src, Status: models.OutcomeFailed,
				Reason: reason(err), StartedAt: r.now(), FinishedAt: r.now(),
			})
			continue
		}
		conn, ok := r.connectors[src]
		if !ok {
			continue
		}
		r.ingestSource(ctx, rep, log, conn)
	}

	if !r.skipSynth {
		if err := r.synthesizeAll(ctx, rep, log); err != nil {
			return r.finish(rep, log, err)
		}
	}
	return r.finish(rep, log, ctx.Err())
}

func (r *Runner) finish(rep *Report, log *zap.Logger, err error) (*Report, error) {
	rep.FinishedAt = r.now().UTC()
	log.Info("run finished",
		zap.Int("success", rep.Count(models.OutcomeSuccess)),
		zap.Int("skipped", rep.Count(models.OutcomeSkipped)),
		zap.Int("failed", rep.Count(models.OutcomeFailed)),
		zap.Duration("elapsed", rep.FinishedAt.Sub(rep.StartedAt)))
	if err != nil {
		return rep, err
	}
	var failed []string
	for _, o := range rep.Outcomes {
		if o.Status != models.OutcomeFailed {
			continue
		}
		target := o.SourceType
		if o.ProjectID != "" {
			target += "/" + o.ProjectID
		}
		failed = append(failed, fmt.Sprintf("%s %s: %s", o.Stage, target, o.Reason))
	}
	if len(failed) > 0 {
		return rep, &RunError{RunID: rep.RunID, Failed: failed}
	}
	return rep, nil
}

// record stores an outcome in the report and in run_outcomes. A failed
// write is logged; the run continues.
func (r *Runner) record(rep *Report, log *zap.Logger, o models.RunOutcome) {
	o.RunID = rep.RunID
	if err := store.RecordOutcome(r.db, &o); err != nil {
		log.Error("record outcome", zap.Error(err))
	}
	rep.Outcomes = append(rep.Outcomes, o)

	fields := []zap.Field{
		zap.String("stage", o.Stage),
		zap.String("source", o.SourceType),
		zap.String("project", o.ProjectID),
		zap.String("status", o.Status),
		zap.Int("fetched", o.Fetched),
		zap.Int("stored", o.Stored),
		zap.Int("linked", o.Linked),
	}
	switch o.Status {
	case models.OutcomeFailed:
		log.Error("outcome", append(fields, zap.String("reason", o.Reason))...)
	case models.OutcomeSkipped:
		log.Warn("outcome", append(fields, zap.String("reason", o.Reason))...)
	default:
		log.Info("outcome", fields...)
	}
}

func (r *Runner) ingestSource(ctx context.Context, rep *Report, log *zap.Logger, conn connector.Connector) {
	src := conn.Source()
	started := r.now()
	if err := store.AcquireIngestLock(r.db, src, rep.RunID, r.cfg.Ingest.LockTimeout); err != nil {
		status := models.OutcomeFailed
		if errors.Is(err, store.ErrLockHeld) {
			status = models.OutcomeSkipped
		}
		r.record(rep, log, models.RunOutcome{
			Stage: models.StageIngest, SourceType: src, Status: status,
			Reason: reason(err), StartedAt: started, FinishedAt: r.now(),
		})
		return
	}
	defer func() {
		if err := store.ReleaseIngestLock(r.db, src, rep.RunID); err != nil {
			log.Error("release lock", zap.String("source", src), zap.Error(err))
		}
	}()

	groups, err := r.groups(src)
	if err != nil {
		r.record(rep, log, models.RunOutcome{
			Stage: models.StageIngest, SourceType: src, Status: models.OutcomeFailed,
			Reason: reason(err), StartedAt: started, FinishedAt: r.now(),
		})
		return
	}
	for _, g := range groups {
		if ctx.Err() != nil {
			return
		}
		r.record(rep, log, r.ingestGroup(ctx, conn, g))
	}
}

// groups returns the ingestion units for src: one per project holding
// scopes on that source, plus the global watch list.
func (r *Runner) groups(src string) ([]group, error) {
	scopes, err := store.ActiveScopes(r.db)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	byProject := make(map[string][]connector.Scope)
	for _, s := range scopes {
		if s.SourceType != src || s.ScopeKind == models.ScopeKeyword {
			continue
		}
		byProject[s.ProjectID] = append(byProject[s.ProjectID], connector.Scope{ProjectID: s.ProjectID, Kind: s.ScopeKind, Value: s.ScopeValue})
	}
	ids := make([]string, 0, len(byProject))
	for id := range byProject {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]group, 0, len(ids)+1)
	for _, id := range ids {
		out = append(out, group{projectID: id, scopes: byProject[id]})
	}
	if watch := r.watchList(src); len(watch) > 0 {
		out = append(out, group{projectID: models.GlobalProjectID, scopes: watch})
	}
	return out, nil
}

func (r *Runner) watchList(src string) []connector.Scope {
	var kind string
	var values []string
	switch src {
	case models.SourceSlack:
		kind, values = models.ScopeSlackChannel, r.cfg.Slack.WatchChannels
	case models.SourceDiscord:
		kind, values = models.ScopeDiscordChannel, r.cfg.Discord.WatchChannels
	}
	out := make([]connector.Scope, 0, len(values))
	for _, v := range values {
		out = append(out, connector.Scope{ProjectID: models.GlobalProjectID, Kind: kind, Value: v})
	}
	return out
}

// ingestGroup fetches, stores and attributes one group and advances its
// checkpoint over what was durably stored.
func (r *Runner) ingestGroup(ctx context.Context, conn connector.Connector, g group) models.RunOutcome {
	src := conn.Source()
	mode := r.cfg.Ingest.Mode
	out := models.RunOutcome{Stage: models.StageIngest, SourceType: src, ProjectID: g.projectID, StartedAt: r.now()}
	fail := func(err error) models.RunOutcome {
		out.Status = models.OutcomeFailed
		out.Reason = reason(err)
		out.FinishedAt = r.now()
		return out
	}

	req := connector.FetchRequest{
		ProjectID:  g.projectID,
		Scopes:     g.scopes,
		Mode:       mode,
		WindowDays: r.cfg.Ingest.WindowDays,
		Now:        r.now(),
	}
	if mode != config.ModeNone {
		cp, err := store.GetCheckpoint(r.db, g.projectID, src)
		if err != nil {
			return fail(err)
		}
		if cp != nil {
			req.Checkpoint = cp.LastIngestedAt
		}
	}

	events, err := conn.FetchSince(ctx, req)
	if err != nil {
		return fail(asConnectorError(src, err))
	}
	out.Fetched = len(events)
	store.SortEvents(events)

	res, writeErr := store.UpsertEvents(ctx, r.db, events, r.cfg.Ingest.BatchSize)
	out.Stored = res.Stored

	stored := committed(events, res.EventIDs)
	attr, err := r.attributor.Attribute(ctx, stored)
	out.Linked = attr.Linked
	if err != nil {
		// Linking failed, so the checkpoint stays put and the same
		// events are fetched again next run.
		return fail(err)
	}

	if mode != config.ModeNone {
		if err := store.AdvanceCheckpoint(r.db, g.projectID, src, res.MaxOccurredAt, r.now()); err != nil {
			return fail(err)
		}
	}
	if writeErr != nil {
		return fail(writeErr)
	}

	out.Status = models.OutcomeSuccess
	out.FinishedAt = r.now()
	if attr.Unattributed > 0 || attr.ClassifierErrors > 0 {
		out.Reason = fmt.Sprintf("%d unattributed, %d classifier errors", attr.Unattributed, attr.ClassifierErrors)
	}
	return out
}

func asConnectorError(src string, err error) error {
	var ce *connector.ConnectorError
	if errors.As(err, &ce) {
		return err
	}
	return connector.Wrap(src, "fetch", err)
}

func committed(events []models.Event, ids []string) []models.Event {
	if len(ids) == len(events) {
		return events
	}
	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	var out []models.Event
	for _, e := range events {
		if keep[e.EventID] {
			out = append(out, e)
			delete(keep, e.EventID)
		}
	}
	return out
}

func (r *Runner) synthesizeAll(ctx context.Context, rep *Report, log *zap.Logger) error {
	projects, err := store.ListProjects(r.db, false)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	for _, p := range projects {
		if err := ctx.Err(); err != nil {
			return err
		}
		started := r.now()
		o := models.RunOutcome{Stage: models.StageSynthesize, ProjectID: p.ProjectID, StartedAt: started}
		snap, err := r.synthesizer.Synthesize(ctx, p.ProjectID, r.cfg.Snapshot.WindowDays)
		switch {
		case errors.Is(err, snapshot.ErrNoActivity):
			o.Status, o.Reason = models.OutcomeSkipped, reason(err)
		case err != nil:
			o.Status, o.Reason = models.OutcomeFailed, reason(err)
		default:
			o.Status = models.OutcomeSuccess
			o.Stored = len(snap.Evidence)
			o.Reason = "snapshot " + snap.SnapshotID + " (" + snap.Strategy + ")"
		}
		o.FinishedAt = r.now()
		r.record(rep, log, o)
	}
	return nil
}

// Synthesize builds a snapshot for one project outside a full run, using
// the configured strategy and window.
func (r *Runner) Synthesize(ctx context.Context, projectID string) (*models.ProjectStatusSnapshot, error) {
	return r.synthesizer.Synthesize(ctx, projectID, r.cfg.Snapshot.WindowDays)
}
