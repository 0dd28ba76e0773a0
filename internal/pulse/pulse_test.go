package pulse

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/pulse/internal/config"
	"github.com/zulandar/pulse/internal/db"
	"github.com/zulandar/pulse/internal/delta"
	"github.com/zulandar/pulse/internal/models"
	"github.com/zulandar/pulse/internal/snapshot"
	"github.com/zulandar/pulse/internal/store"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Open(config.StoreConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "pulse.db")}, false)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close(gdb) })
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	inactive := false
	if err := db.SeedProjects(gdb, []config.ProjectConfig{
		{ID: "checkout", Name: "Checkout", Scopes: []config.ScopeConfig{
			{ID: "c1", Source: models.SourceSlack, Kind: models.ScopeSlackChannel, Value: "C1"},
		}},
		{ID: "legacy", Name: "Legacy", Active: &inactive},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return gdb
}

func insert(t *testing.T, gdb *gorm.DB, events ...models.Event) {
	t.Helper()
	if _, err := store.UpsertEvents(context.Background(), gdb, events, 0); err != nil {
		t.Fatalf("UpsertEvents: %v", err)
	}
	links := make([]models.EventProjectLink, len(events))
	for i, e := range events {
		links[i] = models.EventProjectLink{EventID: e.EventID, ProjectID: "checkout", AttributionType: models.AttributionScopeMatch, Confidence: 1, Rationale: "slack_channel C1"}
	}
	if _, err := store.UpsertLinks(gdb, links); err != nil {
		t.Fatalf("UpsertLinks: %v", err)
	}
}

func msg(id, parent, text string, at time.Time) models.Event {
	return models.Event{
		EventID:      id,
		SourceType:   models.SourceSlack,
		SourceRef:    "C1:" + id,
		ParentRef:    parent,
		OccurredAt:   at,
		IngestedAt:   at,
		ContainerID:  "C1",
		ActorDisplay: "Sam",
		EventKind:    models.KindMessage,
		Text:         text,
		Permalink:    "https://slack.com/archives/C1/p" + id,
	}
}

func snapshotAt(t *testing.T, gdb *gorm.DB, at time.Time) *models.ProjectStatusSnapshot {
	t.Helper()
	snap, err := snapshot.New(snapshot.Opts{DB: gdb, Now: func() time.Time { return at }}).Synthesize(context.Background(), "checkout", 7)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	return snap
}

func service(gdb *gorm.DB) *Service {
	return New(Opts{DB: gdb, Now: func() time.Time { return now }})
}

func TestListProjects(t *testing.T) {
	gdb := testDB(t)
	svc := service(gdb)

	active, err := svc.ListProjects(context.Background(), false)
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(active) != 1 || active[0].ProjectID != "checkout" || len(active[0].Scopes) != 1 {
		t.Errorf("active = %+v", active)
	}
	all, _ := svc.ListProjects(context.Background(), true)
	if len(all) != 2 {
		t.Errorf("all = %d projects, want 2", len(all))
	}
}

func TestGetPulse_ResolvesEvidence(t *testing.T) {
	gdb := testDB(t)
	svc := service(gdb)

	p, err := svc.GetPulse(context.Background(), "checkout")
	if err != nil {
		t.Fatalf("GetPulse without snapshot: %v", err)
	}
	if p.SnapshotID != "" || len(p.Sections) != 0 {
		t.Errorf("pulse without snapshot = %+v", p)
	}

	insert(t, gdb, msg("m1", "", "blocked on vendor approval, owner: Dana", now.Add(-2*time.Hour)))
	snap := snapshotAt(t, gdb, now.Add(-time.Hour))

	p, err = svc.GetPulse(context.Background(), "checkout")
	if err != nil {
		t.Fatalf("GetPulse: %v", err)
	}
	if p.SnapshotID != snap.SnapshotID || p.Headline != "Checkout: 1 blocker(s)" {
		t.Errorf("pulse = %+v", p)
	}
	if p.Project.LastSnapshotAt == nil {
		t.Error("last_snapshot_at not reported")
	}
	if len(p.Sections) != 1 || p.Sections[0].Name != models.SectionBlockers {
		t.Fatalf("sections = %+v", p.Sections)
	}
	item := p.Sections[0].Items[0]
	if item.Owner != "Dana" || len(item.Evidence) != 1 || item.Evidence[0].Permalink == "" {
		t.Errorf("item = %+v", item)
	}
	if len(p.HeadlineEvidence) != 1 || p.HeadlineEvidence[0].EventID != "m1" {
		t.Errorf("headline evidence = %+v", p.HeadlineEvidence)
	}
}

func TestGetPulse_UnknownProject(t *testing.T) {
	svc := service(testDB(t))
	if _, err := svc.GetPulse(context.Background(), "nope"); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("err = %v, want ErrProjectNotFound", err)
	}
	if _, err := svc.GetBlockers(context.Background(), "nope"); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("GetBlockers err = %v", err)
	}
	if _, err := svc.GetEvents(context.Background(), "nope", EventFilter{}); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("GetEvents err = %v", err)
	}
}

func TestGetEvents_PagingAndLimits(t *testing.T) {
	gdb := testDB(t)
	var events []models.Event
	for i := 0; i < 60; i++ {
		events = append(events, msg(fmt.Sprintf("m%02d", i), "", "update", now.Add(-time.Duration(60-i)*time.Minute)))
	}
	events[0].EventKind = models.KindComment
	insert(t, gdb, events...)
	svc := service(gdb)

	page, err := svc.GetEvents(context.Background(), "checkout", EventFilter{})
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if page.Total != 60 || page.Limit != DefaultLimit || len(page.Events) != DefaultLimit {
		t.Errorf("page total=%d limit=%d len=%d", page.Total, page.Limit, len(page.Events))
	}
	if page.Events[0].EventID != "m59" {
		t.Errorf("first event = %s, want newest m59", page.Events[0].EventID)
	}
	if page.Events[0].AttributionType != models.AttributionScopeMatch {
		t.Errorf("attribution = %q", page.Events[0].AttributionType)
	}

	page, _ = svc.GetEvents(context.Background(), "checkout", EventFilter{Limit: 1000, Offset: 55})
	if page.Limit != MaxLimit || len(page.Events) != 5 {
		t.Errorf("capped page limit=%d len=%d", page.Limit, len(page.Events))
	}

	page, _ = svc.GetEvents(context.Background(), "checkout", EventFilter{Kind: models.KindComment})
	if page.Total != 1 || page.Events[0].EventID != "m00" {
		t.Errorf("kind filter = %+v", page)
	}
}

func TestGetChanges(t *testing.T) {
	gdb := testDB(t)
	insert(t, gdb,
		msg("t1", "C1:t1", "deploy is stuck waiting on infra", now.Add(-48*time.Hour)),
		msg("t2", "C1:t1", "unblocked, infra fixed it", now.Add(-2*time.Hour)),
	)
	cl, err := service(gdb).GetChanges(context.Background(), "checkout", delta.Since{Time: now.Add(-24 * time.Hour)})
	if err != nil {
		t.Fatalf("GetChanges: %v", err)
	}
	if len(cl.ResolvedBlockers) != 1 || cl.ResolvedBlockers[0].Blocker.EventID != "t1" {
		t.Errorf("changelog = %+v", cl)
	}
}

func TestGetBlockers(t *testing.T) {
	gdb := testDB(t)
	insert(t, gdb,
		msg("a1", "C1:a1", "release is blocked on legal sign-off", now.Add(-72*time.Hour)),
		msg("b1", "C1:b1", "payments blocked on vendor approval, owner: Dana", now.Add(-70*time.Hour)),
	)
	snapshotAt(t, gdb, now.Add(-48*time.Hour))
	insert(t, gdb,
		msg("a2", "C1:a1", "legal cleared it, unblocked", now.Add(-24*time.Hour)),
		msg("c1", "C1:c1", "search index rebuild is stuck", now.Add(-3*time.Hour)),
	)

	blockers, err := service(gdb).GetBlockers(context.Background(), "checkout")
	if err != nil {
		t.Fatalf("GetBlockers: %v", err)
	}
	if len(blockers) != 2 {
		t.Fatalf("blockers = %+v, want 2", blockers)
	}
	if blockers[0].Origin != OriginDetected || blockers[0].Evidence[0].EventID != "c1" {
		t.Errorf("first blocker = %+v, want detected c1", blockers[0])
	}
	if blockers[1].Origin != OriginSnapshot || blockers[1].Owner != "Dana" {
		t.Errorf("second blocker = %+v, want snapshot blocker owned by Dana", blockers[1])
	}
}
