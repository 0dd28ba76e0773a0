// Package pulse implements the downstream read operations: project list,
// latest pulse, event feed, changelog and blockers.
package pulse

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/pulse/internal/delta"
	"github.com/zulandar/pulse/internal/logging"
	"github.com/zulandar/pulse/internal/models"
	"github.com/zulandar/pulse/internal/signal"
	"github.com/zulandar/pulse/internal/snapshot"
	"github.com/zulandar/pulse/internal/store"
)

// Event page limits.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// evidenceText caps event text in evidence listings.
const evidenceText = 300

// ErrProjectNotFound is returned for unknown project ids.
var ErrProjectNotFound = store.ErrProjectNotFound

// Opts configures a Service.
type Opts struct {
	DB         *gorm.DB
	WindowDays int // lookback for blocker detection without a snapshot
	Logger     *zap.Logger
	Now        func() time.Time
}

// Service answers read queries against the store.
type Service struct {
	db         *gorm.DB
	delta      *delta.Engine
	windowDays int
	now        func() time.Time
	log        *zap.Logger
}

// New creates a Service.
func New(opts Opts) *Service {
	s := &Service{
		db:         opts.DB,
		windowDays: opts.WindowDays,
		now:        opts.Now,
		log:        logging.OrNop(opts.Logger).Named("pulse"),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.windowDays <= 0 {
		s.windowDays = snapshot.DefaultWindowDays
	}
	s.delta = delta.New(opts.DB, s.now, opts.Logger)
	return s
}

// Scope is a project scope as shown to readers.
type Scope struct {
	SourceType string `json:"source_type"`
	Kind       string `json:"scope_kind"`
	Value      string `json:"scope_value"`
}

// Project summarizes one project.
type Project struct {
	ProjectID      string     `json:"project_id"`
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	IsActive       bool       `json:"is_active"`
	Scopes         []Scope    `json:"scopes"`
	LastSnapshotAt *time.Time `json:"last_snapshot_at,omitempty"`
}

// Evidence is an event cited by a snapshot or blocker.
type Evidence struct {
	EventID    string    `json:"event_id"`
	SourceType string    `json:"source_type"`
	Kind       string    `json:"event_kind"`
	OccurredAt time.Time `json:"occurred_at"`
	Actor      string    `json:"actor,omitempty"`
	Title      string    `json:"title,omitempty"`
	Text       string    `json:"text"`
	Permalink  string    `json:"permalink,omitempty"`
}

// Item is a status item with its evidence resolved.
type Item struct {
	Text     string     `json:"text"`
	Owner    string     `json:"owner,omitempty"`
	Evidence []Evidence `json:"evidence"`
}

// Section is one populated snapshot section.
type Section struct {
	Name  string `json:"name"`
	Items []Item `json:"items"`
}

// Pulse is the latest status of a project.
type Pulse struct {
	Project          Project        `json:"project"`
	SnapshotID       string         `json:"snapshot_id,omitempty"`
	SnapshotAt       *time.Time     `json:"snapshot_at,omitempty"`
	WindowStart      *time.Time     `json:"window_start,omitempty"`
	WindowEnd        *time.Time     `json:"window_end,omitempty"`
	Strategy         string         `json:"strategy,omitempty"`
	Headline         string         `json:"headline,omitempty"`
	HeadlineEvidence []Evidence     `json:"headline_evidence,omitempty"`
	Sections         []Section      `json:"sections"`
	Status           *models.Status `json:"-"`
}

func toProject(p models.Project, cp *models.ProjectCheckpoint) Project {
	out := Project{ProjectID: p.ProjectID, Name: p.Name, Description: p.Description, IsActive: p.IsActive, Scopes: []Scope{}}
	for _, s := range p.Scopes {
		out.Scopes = append(out.Scopes, Scope{SourceType: s.SourceType, Kind: s.ScopeKind, Value: s.ScopeValue})
	}
	if cp != nil {
		out.LastSnapshotAt = cp.LastSnapshotAt
	}
	return out
}

func toEvidence(e models.Event) Evidence {
	return Evidence{
		EventID:    e.EventID,
		SourceType: e.SourceType,
		Kind:       e.EventKind,
		OccurredAt: e.OccurredAt,
		Actor:      e.ActorDisplay,
		Title:      e.Title,
		Text:       signal.Truncate(e.Text, evidenceText),
		Permalink:  e.Permalink,
	}
}

// ListProjects returns the projects, active only unless includeInactive.
func (s *Service) ListProjects(ctx context.Context, includeInactive bool) ([]Project, error) {
	db := s.db.WithContext(ctx)
	projects, err := store.ListProjects(db, includeInactive)
	if err != nil {
		return nil, err
	}
	out := make([]Project, 0, len(projects))
	for _, p := range projects {
		cp, err := store.GetCheckpoint(db, p.ProjectID, models.SourceAll)
		if err != nil {
			return nil, err
		}
		out = append(out, toProject(p, cp))
	}
	return out, nil
}

func (s *Service) project(db *gorm.DB, projectID string) (Project, error) {
	p, err := store.GetProject(db, projectID)
	if err != nil {
		return Project{}, err
	}
	cp, err := store.GetCheckpoint(db, projectID, models.SourceAll)
	if err != nil {
		return Project{}, err
	}
	return toProject(*p, cp), nil
}

// GetPulse returns the latest snapshot of projectID with each section's
// evidence events resolved. A project without snapshots yields a Pulse
// with no snapshot fields set.
func (s *Service) GetPulse(ctx context.Context, projectID string) (*Pulse, error) {
	db := s.db.WithContext(ctx)
	proj, err := s.project(db, projectID)
	if err != nil {
		return nil, err
	}
	out := &Pulse{Project: proj, Sections: []Section{}}
	snap, err := store.LatestSnapshot(db, projectID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return out, nil
	}
	st, err := snapshot.Decode(snap)
	if err != nil {
		return nil, err
	}
	byID, err := s.events(db, snap.Evidence)
	if err != nil {
		return nil, err
	}

	out.SnapshotID = snap.SnapshotID
	out.SnapshotAt, out.WindowStart, out.WindowEnd = &snap.SnapshotAt, &snap.WindowStart, &snap.WindowEnd
	out.Strategy = snap.Strategy
	out.Headline = st.Headline
	out.HeadlineEvidence = resolve(st.HeadlineEvidence, byID)
	out.Status = st
	for _, name := range models.Sections {
		items := st.Section(name)
		if len(items) == 0 {
			continue
		}
		sec := Section{Name: name}
		for _, it := range items {
			sec.Items = append(sec.Items, Item{Text: it.Text, Owner: it.Owner, Evidence: resolve(it.EventIDs, byID)})
		}
		out.Sections = append(out.Sections, sec)
	}
	return out, nil
}

func (s *Service) events(db *gorm.DB, evidence []models.SnapshotEvidence) (map[string]models.Event, error) {
	ids := make([]string, 0, len(evidence))
	seen := make(map[string]bool)
	for _, ev := range evidence {
		if !seen[ev.EventID] {
			seen[ev.EventID] = true
			ids = append(ids, ev.EventID)
		}
	}
	events, err := store.GetEvents(db, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.Event, len(events))
	for _, e := range events {
		byID[e.EventID] = e
	}
	return byID, nil
}

func resolve(ids []string, byID map[string]models.Event) []Evidence {
	out := make([]Evidence, 0, len(ids))
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			out = append(out, toEvidence(e))
		}
	}
	return out
}

// EventFilter selects a page of a project's events.
type EventFilter struct {
	SourceType string
	Kind       string
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

// Event is an event together with how it was attributed.
type Event struct {
	Evidence
	ContainerID     string  `json:"container_id,omitempty"`
	ContainerName   string  `json:"container_name,omitempty"`
	AttributionType string  `json:"attribution_type"`
	Confidence      float64 `json:"confidence"`
	Rationale       string  `json:"rationale,omitempty"`
}

// EventPage is one page of events, newest first.
type EventPage struct {
	ProjectID string  `json:"project_id"`
	Total     int64   `json:"total"`
	Limit     int     `json:"limit"`
	Offset    int     `json:"offset"`
	Events    []Event `json:"events"`
}

// GetEvents returns a page of projectID's events, newest first. Limit
// defaults to DefaultLimit and is capped at MaxLimit.
func (s *Service) GetEvents(ctx context.Context, projectID string, f EventFilter) (*EventPage, error) {
	db := s.db.WithContext(ctx)
	if _, err := store.GetProject(db, projectID); err != nil {
		return nil, err
	}
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultLimit
	case f.Limit > MaxLimit:
		f.Limit = MaxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	rows, total, err := store.ProjectEvents(db, projectID, store.EventQuery{
		From:        f.Since,
		To:          f.Until,
		SourceType:  f.SourceType,
		Kind:        f.Kind,
		NewestFirst: true,
		Limit:       f.Limit,
		Offset:      f.Offset,
	})
	if err != nil {
		return nil, err
	}
	page := &EventPage{ProjectID: projectID, Total: total, Limit: f.Limit, Offset: f.Offset, Events: make([]Event, 0, len(rows))}
	for _, r := range rows {
		page.Events = append(page.Events, Event{
			Evidence:        toEvidence(r.Event),
			ContainerID:     r.ContainerID,
			ContainerName:   r.ContainerName,
			AttributionType: r.AttributionType,
			Confidence:      r.Confidence,
			Rationale:       r.Rationale,
		})
	}
	s.log.Debug("events query",
		zap.String("project", projectID),
		zap.String("source", f.SourceType),
		zap.String("kind", f.Kind),
		zap.Int("limit", f.Limit),
		zap.Int("offset", f.Offset),
		zap.Int64("hits", total))
	return page, nil
}

// GetChanges returns the changelog of projectID since a time or snapshot.
func (s *Service) GetChanges(ctx context.Context, projectID string, since delta.Since) (*delta.Changelog, error) {
	return s.delta.Diff(ctx, projectID, since, time.Time{})
}

// Blocker is an open blocker, from the latest snapshot or detected in
// events since.
type Blocker struct {
	Text         string     `json:"text"`
	Owner        string     `json:"owner,omitempty"`
	Origin       string     `json:"origin"` // "snapshot" or "detected"
	Subjects     []string   `json:"subjects"`
	LastActivity time.Time  `json:"last_activity"`
	Evidence     []Evidence `json:"evidence"`
}

// Blocker origins.
const (
	OriginSnapshot = "snapshot"
	OriginDetected = "detected"
)

// GetBlockers returns projectID's open blockers: those in the latest
// snapshot plus blockers detected in events and not already cited, minus
// any since resolved. Most recently active first.
func (s *Service) GetBlockers(ctx context.Context, projectID string) ([]Blocker, error) {
	db := s.db.WithContext(ctx)
	if _, err := store.GetProject(db, projectID); err != nil {
		return nil, err
	}
	snap, err := store.LatestSnapshot(db, projectID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	from := now.Add(-time.Duration(s.windowDays) * 24 * time.Hour)
	if snap != nil && snap.WindowStart.Before(from) {
		from = snap.WindowStart
	}
	linked, err := store.WindowEvents(db, projectID, from, now)
	if err != nil {
		return nil, err
	}
	events := make([]models.Event, len(linked))
	byID := make(map[string]models.Event, len(linked))
	for i, le := range linked {
		events[i] = le.Event
		byID[le.EventID] = le.Event
	}
	store.SortEvents(events)
	state := delta.Replay(events)

	var out []Blocker
	cited := make(map[string]bool)
	if snap != nil {
		st, err := snapshot.Decode(snap)
		if err != nil {
			return nil, err
		}
		snapEvents, err := s.events(db, snap.Evidence)
		if err != nil {
			return nil, err
		}
		for id, e := range snapEvents {
			if _, ok := byID[id]; !ok {
				byID[id] = e
			}
		}
		for _, it := range st.Blockers {
			b := Blocker{Text: it.Text, Owner: it.Owner, Origin: OriginSnapshot}
			open := false
			for _, id := range it.EventIDs {
				cited[id] = true
				e, ok := byID[id]
				if !ok {
					continue
				}
				subj := signal.SubjectKey(e)
				b.Subjects = appendUnique(b.Subjects, subj)
				b.Evidence = append(b.Evidence, toEvidence(e))
				if e.OccurredAt.After(b.LastActivity) {
					b.LastActivity = e.OccurredAt
				}
				if ob, ok := state.Open[subj]; ok {
					open = true
					if ob.LastActivity.After(b.LastActivity) {
						b.LastActivity = ob.LastActivity
					}
				} else if _, resolved := state.Resolved[subj]; !resolved {
					open = true
				}
			}
			if open {
				out = append(out, b)
			}
		}
	}

	for subj, ob := range state.Open {
		if cited[ob.Opened.EventID] {
			continue
		}
		out = append(out, Blocker{
			Text:         signal.Summary(ob.Opened),
			Owner:        signal.Owner(ob.Opened),
			Origin:       OriginDetected,
			Subjects:     []string{subj},
			LastActivity: ob.LastActivity,
			Evidence:     []Evidence{toEvidence(ob.Opened)},
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].Text < out[j].Text
	})
	if out == nil {
		out = []Blocker{}
	}
	return out, nil
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

// String renders a blocker on one line.
func (b Blocker) String() string {
	owner := b.Owner
	if owner == "" {
		owner = "unassigned"
	}
	return fmt.Sprintf("%s (%s, %s)", b.Text, owner, b.LastActivity.Format("2006-01-02"))
}
