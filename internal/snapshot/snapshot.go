// Package snapshot compresses a project's recent events into an
// evidence-linked status document.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/zulandar/pulse/internal/logging"
	"github.com/zulandar/pulse/internal/models"
	"github.com/zulandar/pulse/internal/signal"
	"github.com/zulandar/pulse/internal/store"
)

// DefaultWindowDays is the trailing window used when none is configured.
const DefaultWindowDays = 7

// maxHeadlineFallback is how many recent events back a headline when no
// section has items.
const maxHeadlineFallback = 5

// ErrNoActivity is returned when a project has no events in the window.
// Nothing is written.
var ErrNoActivity = errors.New("snapshot: no activity in window")

// sectionCaps bounds the number of items kept per section.
var sectionCaps = map[string]int{
	models.SectionProgress:  10,
	models.SectionBlockers:  5,
	models.SectionDecisions: 5,
	models.SectionNextSteps: 10,
	models.SectionRisks:     5,
}

// Input is what a Strategy synthesizes from.
type Input struct {
	Project models.Project
	Events  []models.Event // ascending by occurred_at, then event_id
}

// Draft is a strategy's status document before evidence checks.
type Draft struct {
	Status   models.Status
	Strategy string // strategy that actually produced the document
}

// Strategy turns a window of events into a status document.
type Strategy interface {
	Name() string
	Build(ctx context.Context, in Input) (*Draft, error)
}

// Opts configures a Synthesizer.
type Opts struct {
	DB       *gorm.DB
	Strategy Strategy // defaults to Heuristic
	Logger   *zap.Logger
	Now      func() time.Time // for tests
}

// Synthesizer builds and stores project snapshots.
type Synthesizer struct {
	db       *gorm.DB
	strategy Strategy
	now      func() time.Time
	log      *zap.Logger
}

// New creates a Synthesizer.
func New(opts Opts) *Synthesizer {
	s := &Synthesizer{
		db:       opts.DB,
		strategy: opts.Strategy,
		now:      opts.Now,
		log:      logging.OrNop(opts.Logger).Named("snapshot"),
	}
	if s.strategy == nil {
		s.strategy = Heuristic{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Synthesize builds a snapshot of projectID over the trailing windowDays
// and writes it, with its evidence and the project's last_snapshot_at, in
// one transaction. It returns ErrNoActivity when the window is empty.
func (s *Synthesizer) Synthesize(ctx context.Context, projectID string, windowDays int) (*models.ProjectStatusSnapshot, error) {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	project, err := store.GetProject(s.db, projectID)
	if err != nil {
		return nil, err
	}

	end := store.Normalize(s.now())
	start := end.Add(-time.Duration(windowDays) * 24 * time.Hour)
	linked, err := store.WindowEvents(s.db.WithContext(ctx), projectID, start, end)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	if len(linked) == 0 {
		return nil, ErrNoActivity
	}
	events := make([]models.Event, len(linked))
	for i, le := range linked {
		events[i] = le.Event
	}
	store.SortEvents(events)

	draft, err := s.strategy.Build(ctx, Input{Project: *project, Events: events})
	if err != nil {
		return nil, fmt.Errorf("snapshot: %s: %w", s.strategy.Name(), err)
	}
	status := finalize(draft.Status, project.Name, events)

	data, err := json.Marshal(status)
	if err != nil {
		return nil, fmt.Errorf("snapshot: encode status: %w", err)
	}
	snap := &models.ProjectStatusSnapshot{
		SnapshotID:  uuid.NewString(),
		ProjectID:   projectID,
		SnapshotAt:  end,
		WindowStart: start,
		WindowEnd:   end,
		Strategy:    draft.Strategy,
		StatusJSON:  datatypes.JSON(data),
	}
	if err := store.WriteSnapshot(s.db.WithContext(ctx), snap, evidenceRows(status)); err != nil {
		return nil, err
	}
	s.log.Info("snapshot written",
		zap.String("project", projectID),
		zap.String("snapshot_id", snap.SnapshotID),
		zap.String("strategy", snap.Strategy),
		zap.Int("events", len(events)),
		zap.Int("evidence", len(snap.Evidence)))
	return snap, nil
}

// finalize enforces the evidence rules on a draft: item evidence is
// restricted to window events, items left without evidence are dropped,
// sections are capped, and the headline cites the union of item evidence
// or, with no items, the most recent window events.
func finalize(st models.Status, projectName string, window []models.Event) models.Status {
	inWindow := make(map[string]bool, len(window))
	for _, e := range window {
		inWindow[e.EventID] = true
	}

	out := models.Status{Headline: st.Headline}
	var union []string
	seenUnion := make(map[string]bool)
	for _, sec := range models.Sections {
		var items []models.StatusItem
		for _, it := range st.Section(sec) {
			ids := filterIDs(it.EventIDs, inWindow)
			if len(ids) == 0 || it.Text == "" {
				continue
			}
			it.EventIDs = ids
			it.Text = signal.Truncate(it.Text, signal.MaxSummary)
			items = append(items, it)
			if len(items) == sectionCaps[sec] {
				break
			}
		}
		for _, it := range items {
			for _, id := range it.EventIDs {
				if !seenUnion[id] {
					seenUnion[id] = true
					union = append(union, id)
				}
			}
		}
		out.SetSection(sec, items)
	}

	if out.Headline == "" {
		out.Headline = Headline(projectName, len(out.Progress), len(out.Blockers), len(out.NextSteps))
	}
	if len(union) > 0 {
		sort.Strings(union)
		out.HeadlineEvidence = union
	} else {
		for i := len(window) - 1; i >= 0 && len(out.HeadlineEvidence) < maxHeadlineFallback; i-- {
			out.HeadlineEvidence = append(out.HeadlineEvidence, window[i].EventID)
		}
	}
	return out
}

func filterIDs(ids []string, allowed map[string]bool) []string {
	var out []string
	seen := make(map[string]bool)
	for _, id := range ids {
		if allowed[id] && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Headline renders the count summary line.
func Headline(projectName string, completed, blockers, inProgress int) string {
	var parts []string
	if completed > 0 {
		parts = append(parts, fmt.Sprintf("%d completed", completed))
	}
	if blockers > 0 {
		parts = append(parts, fmt.Sprintf("%d blocker(s)", blockers))
	}
	if inProgress > 0 {
		parts = append(parts, fmt.Sprintf("%d in progress", inProgress))
	}
	if len(parts) == 0 {
		return projectName + ": Activity in window"
	}
	line := projectName + ": " + parts[0]
	for _, p := range parts[1:] {
		line += "; " + p
	}
	return line
}

func evidenceRows(st models.Status) []models.SnapshotEvidence {
	var rows []models.SnapshotEvidence
	seen := make(map[[2]string]bool)
	add := func(section, id string) {
		k := [2]string{section, id}
		if !seen[k] {
			seen[k] = true
			rows = append(rows, models.SnapshotEvidence{EventID: id, Section: section})
		}
	}
	for _, id := range st.HeadlineEvidence {
		add(models.SectionHeadline, id)
	}
	for _, sec := range models.Sections {
		for _, it := range st.Section(sec) {
			for _, id := range it.EventIDs {
				add(sec, id)
			}
		}
	}
	return rows
}

// Decode parses a snapshot's status document.
func Decode(snap *models.ProjectStatusSnapshot) (*models.Status, error) {
	var st models.Status
	if err := json.Unmarshal(snap.StatusJSON, &st); err != nil {
		return nil, fmt.Errorf("snapshot: decode %s: %w", snap.SnapshotID, err)
	}
	return &st, nil
}
