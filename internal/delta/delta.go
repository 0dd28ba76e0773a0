// Package delta reports what changed for a project between two points in
// time, computed from stored events alone.
package delta

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/pulse/internal/logging"
	"github.com/zulandar/pulse/internal/models"
	"github.com/zulandar/pulse/internal/signal"
	"github.com/zulandar/pulse/internal/store"
)

// ErrSnapshotProject is returned when a since snapshot belongs to another
// project.
var ErrSnapshotProject = errors.New("delta: snapshot belongs to another project")

// Since is the exclusive lower bound of a changelog: a timestamp, or a
// snapshot whose snapshot_at is used.
type Since struct {
	Time       time.Time
	SnapshotID string
}

var relativeRe = regexp.MustCompile(`^(\d+)([dhm])$`)

// maxRelative caps relative ages so n*unit cannot overflow a Duration.
const maxRelative = 10 * 366 * 24 * time.Hour

var relativeUnits = map[string]time.Duration{"d": 24 * time.Hour, "h": time.Hour, "m": time.Minute}

// ParseSince reads an RFC 3339 time, a YYYY-MM-DD date, a relative age
// ("3d", "12h", "30m"), or otherwise a snapshot id. Relative ages beyond
// ten years are rejected.
func ParseSince(s string, now time.Time) (Since, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return Since{Time: t.UTC()}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return Since{Time: t.UTC()}, nil
	}
	if m := relativeRe.FindStringSubmatch(s); m != nil {
		unit := relativeUnits[m[2]]
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || n > int64(maxRelative/unit) {
			return Since{}, fmt.Errorf("delta: relative age %q exceeds 10 years", s)
		}
		return Since{Time: now.UTC().Add(-time.Duration(n) * unit)}, nil
	}
	return Since{SnapshotID: s}, nil
}

// Item is one event in a changelog bucket.
type Item struct {
	EventID    string    `json:"event_id"`
	Subject    string    `json:"subject"`
	OccurredAt time.Time `json:"occurred_at"`
	SourceType string    `json:"source_type"`
	Kind       string    `json:"event_kind"`
	Actor      string    `json:"actor,omitempty"`
	Text       string    `json:"text"`
	Permalink  string    `json:"permalink,omitempty"`
}

// ResolvedBlocker pairs a blocker with the event that cleared it.
type ResolvedBlocker struct {
	Subject    string `json:"subject"`
	Blocker    Item   `json:"blocker"`
	Resolution Item   `json:"resolution"`
}

// Activity counts the events in the window.
type Activity struct {
	Total    int            `json:"total"`
	BySource map[string]int `json:"by_source"`
	ByKind   map[string]int `json:"by_kind"`
}

// Changelog is the change set for (Since, Until].
type Changelog struct {
	ProjectID        string            `json:"project_id"`
	Since            time.Time         `json:"since"`
	Until            time.Time         `json:"until"`
	NewlyCompleted   []Item            `json:"newly_completed"`
	NewBlockers      []Item            `json:"new_blockers"`
	ResolvedBlockers []ResolvedBlocker `json:"resolved_blockers"`
	NewDecisions     []Item            `json:"new_decisions"`
	OtherActivity    []Item            `json:"other_activity"`
	Activity         Activity          `json:"activity"`
}

// Engine computes changelogs.
type Engine struct {
	db  *gorm.DB
	now func() time.Time
	log *zap.Logger
}

// New creates an Engine. now may be nil.
func New(db *gorm.DB, now func() time.Time, logger *zap.Logger) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{db: db, now: now, log: logging.OrNop(logger).Named("delta")}
}

// Diff returns the changelog of projectID over (since, until]. A zero until
// means now.
func (d *Engine) Diff(ctx context.Context, projectID string, since Since, until time.Time) (*Changelog, error) {
	db := d.db.WithContext(ctx)
	if _, err := store.GetProject(db, projectID); err != nil {
		return nil, err
	}
	from, err := d.resolve(db, projectID, since)
	if err != nil {
		return nil, err
	}
	if until.IsZero() {
		until = d.now()
	}
	from, until = store.Normalize(from), store.Normalize(until)
	if until.Before(from) {
		return nil, fmt.Errorf("delta: until %s is before since %s", until.Format(time.RFC3339), from.Format(time.RFC3339))
	}

	linked, _, err := store.ProjectEvents(db, projectID, store.EventQuery{To: until})
	if err != nil {
		return nil, fmt.Errorf("delta: %w", err)
	}
	events := make([]models.Event, len(linked))
	for i, le := range linked {
		events[i] = le.Event
	}
	store.SortEvents(events)

	cl := Compute(events, from, until)
	cl.ProjectID = projectID
	d.log.Debug("changelog computed",
		zap.String("project", projectID),
		zap.Time("since", from),
		zap.Time("until", until),
		zap.Int("history", len(events)),
		zap.Int("window", cl.Activity.Total))
	return cl, nil
}

func (d *Engine) resolve(db *gorm.DB, projectID string, since Since) (time.Time, error) {
	if since.SnapshotID == "" {
		return since.Time, nil
	}
	snap, err := store.GetSnapshot(db, since.SnapshotID)
	if err != nil {
		return time.Time{}, err
	}
	if snap.ProjectID != projectID {
		return time.Time{}, fmt.Errorf("%w: %s", ErrSnapshotProject, since.SnapshotID)
	}
	return snap.SnapshotAt, nil
}

// Compute builds the changelog for (since, until] from a project's events
// in ascending order. Events at or before since only establish the prior
// state; events after until are ignored.
func Compute(events []models.Event, since, until time.Time) *Changelog {
	cl := &Changelog{
		Since:    since,
		Until:    until,
		Activity: Activity{BySource: map[string]int{}, ByKind: map[string]int{}},
	}
	state := NewState()
	var window []models.Event
	for _, e := range events {
		if e.OccurredAt.After(until) {
			continue
		}
		if !e.OccurredAt.After(since) {
			state.Apply(e)
			continue
		}
		window = append(window, e)
	}

	openAtSince := make(map[string]bool, len(state.Open))
	for subj := range state.Open {
		openAtSince[subj] = true
	}
	completedAtSince := make(map[string]bool, len(state.Completed))
	for subj := range state.Completed {
		completedAtSince[subj] = true
	}

	placed := make(map[string]bool)
	completedSeen := make(map[string]bool)
	for _, e := range window {
		cl.Activity.Total++
		cl.Activity.BySource[e.SourceType]++
		cl.Activity.ByKind[e.EventKind]++

		step := state.Apply(e)
		if step.Resolved != nil {
			cl.ResolvedBlockers = append(cl.ResolvedBlockers, ResolvedBlocker{
				Subject:    step.Subject,
				Blocker:    item(step.Resolved.Opened, step.Subject),
				Resolution: item(e, step.Subject),
			})
			placed[e.EventID] = true
			placed[step.Resolved.Opened.EventID] = true
		}
		if step.Signals.Completed && !completedAtSince[step.Subject] && !completedSeen[step.Subject] {
			completedSeen[step.Subject] = true
			cl.NewlyCompleted = append(cl.NewlyCompleted, item(e, step.Subject))
			placed[e.EventID] = true
		}
		if step.Signals.Decision {
			cl.NewDecisions = append(cl.NewDecisions, item(e, step.Subject))
			placed[e.EventID] = true
		}
	}

	for _, e := range window {
		subj := signal.SubjectKey(e)
		if b, open := state.Open[subj]; open && b.Opened.EventID == e.EventID && !openAtSince[subj] {
			cl.NewBlockers = append(cl.NewBlockers, item(e, subj))
			placed[e.EventID] = true
		}
	}
	for _, e := range window {
		if !placed[e.EventID] {
			cl.OtherActivity = append(cl.OtherActivity, item(e, signal.SubjectKey(e)))
		}
	}
	return cl
}

func item(e models.Event, subject string) Item {
	return Item{
		EventID:    e.EventID,
		Subject:    subject,
		OccurredAt: e.OccurredAt,
		SourceType: e.SourceType,
		Kind:       e.EventKind,
		Actor:      e.ActorDisplay,
		Text:       signal.Summary(e),
		Permalink:  e.Permalink,
	}
}
