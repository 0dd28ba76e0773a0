package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/zulandar/pulse/internal/config"
	"github.com/zulandar/pulse/internal/db"
	"github.com/zulandar/pulse/internal/models"
)

var base = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Open(config.StoreConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "store.db")}, false)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close(gdb) })
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

func seedProject(t *testing.T, gdb *gorm.DB, id string, active bool) {
	t.Helper()
	p := models.Project{ProjectID: id, Name: id, CreatedAt: base, IsActive: active}
	if err := gdb.Create(&p).Error; err != nil {
		t.Fatalf("create project: %v", err)
	}
}

func event(id string, at time.Time, text string) models.Event {
	return models.Event{
		EventID:    "slack_" + id,
		SourceType: models.SourceSlack,
		SourceRef:  id,
		OccurredAt: at,
		EventKind:  models.KindMessage,
		Text:       text,
		RawJSON:    datatypes.JSON(`{}`),
	}
}

func link(eventID, projectID, typ string) models.EventProjectLink {
	return models.EventProjectLink{EventID: eventID, ProjectID: projectID, AttributionType: typ, Confidence: 1}
}

func TestUpsertEvents_Idempotent(t *testing.T) {
	gdb := testDB(t)
	ctx := context.Background()
	events := []models.Event{
		event("C1:3", base.Add(3*time.Minute), "third"),
		event("C1:1", base.Add(time.Minute), "first"),
		event("C1:2", base.Add(2*time.Minute), "second"),
	}

	for i := 0; i < 2; i++ {
		res, err := UpsertEvents(ctx, gdb, events, 2)
		if err != nil {
			t.Fatalf("UpsertEvents #%d: %v", i+1, err)
		}
		if res.Stored != 3 {
			t.Errorf("Stored = %d, want 3", res.Stored)
		}
		if !res.MaxOccurredAt.Equal(base.Add(3 * time.Minute)) {
			t.Errorf("MaxOccurredAt = %v", res.MaxOccurredAt)
		}
		if res.EventIDs[0] != "slack_C1:1" {
			t.Errorf("events should be written in ascending order, first = %s", res.EventIDs[0])
		}
	}

	var count int64
	gdb.Model(&models.Event{}).Count(&count)
	if count != 3 {
		t.Errorf("event count = %d, want 3 after re-ingest", count)
	}

	edited := event("C1:2", base.Add(2*time.Minute), "second (edited)")
	if _, err := UpsertEvents(ctx, gdb, []models.Event{edited}, 0); err != nil {
		t.Fatal(err)
	}
	got, err := GetEvents(gdb, []string{"slack_C1:2"})
	if err != nil || len(got) != 1 {
		t.Fatalf("GetEvents = %v, %v", got, err)
	}
	if got[0].Text != "second (edited)" {
		t.Errorf("Text = %q, want edited text", got[0].Text)
	}
}

func TestUpsertEvents_DuplicatesInInput(t *testing.T) {
	gdb := testDB(t)
	events := []models.Event{
		event("C1:1", base, "old"),
		event("C1:1", base, "new"),
	}
	res, err := UpsertEvents(context.Background(), gdb, events, 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stored != 1 {
		t.Errorf("Stored = %d, want 1", res.Stored)
	}
	got, _ := GetEvents(gdb, []string{"slack_C1:1"})
	if len(got) != 1 || got[0].Text != "new" {
		t.Errorf("got %+v, want last duplicate to win", got)
	}
}

func TestUpsertEvents_FailedChunkKeepsCommitted(t *testing.T) {
	gdb := testDB(t)
	e1 := event("C1:1", base.Add(time.Minute), "one")
	e2 := event("C1:2", base.Add(2*time.Minute), "two")
	// Same (source_type, source_ref) as e1 under a different id violates
	// the unique index and fails the second chunk.
	bad := event("C1:1", base.Add(3*time.Minute), "clash")
	bad.EventID = "slack_clash"

	res, err := UpsertEvents(context.Background(), gdb, []models.Event{e1, e2, bad}, 2)
	var swe *StoreWriteError
	if !errors.As(err, &swe) {
		t.Fatalf("err = %v, want *StoreWriteError", err)
	}
	if res.Stored != 2 {
		t.Errorf("Stored = %d, want 2 committed", res.Stored)
	}
	if !res.MaxOccurredAt.Equal(e2.OccurredAt) {
		t.Errorf("MaxOccurredAt = %v, want last committed %v", res.MaxOccurredAt, e2.OccurredAt)
	}
}

func TestUpsertEvents_ContextCancelled(t *testing.T) {
	gdb := testDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := UpsertEvents(ctx, gdb, []models.Event{event("C1:1", base, "x")}, 1)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if res.Stored != 0 {
		t.Errorf("Stored = %d, want 0", res.Stored)
	}
}

func TestProjectEvents_Filters(t *testing.T) {
	gdb := testDB(t)
	seedProject(t, gdb, "p1", true)
	var events []models.Event
	for i := 0; i < 5; i++ {
		events = append(events, event(fmt.Sprintf("C1:%d", i), base.Add(time.Duration(i)*time.Hour), "msg"))
	}
	jira := models.Event{
		EventID: "jira_PAY-1:comment:9", SourceType: models.SourceJira, SourceRef: "PAY-1:comment:9",
		OccurredAt: base.Add(90 * time.Minute), EventKind: models.KindComment, Text: "comment",
	}
	events = append(events, jira)
	if _, err := UpsertEvents(context.Background(), gdb, events, 0); err != nil {
		t.Fatal(err)
	}
	var links []models.EventProjectLink
	for _, e := range events {
		links = append(links, link(e.EventID, "p1", models.AttributionScopeMatch))
	}
	if _, err := UpsertLinks(gdb, links); err != nil {
		t.Fatal(err)
	}

	all, total, err := ProjectEvents(gdb, "p1", EventQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 6 || len(all) != 6 {
		t.Fatalf("total=%d len=%d, want 6", total, len(all))
	}
	if all[0].EventID != "slack_C1:0" || all[0].ProjectID != "p1" || all[0].AttributionType != models.AttributionScopeMatch {
		t.Errorf("first = %+v", all[0])
	}

	// [1h, 3h] inclusive.
	win, err := WindowEvents(gdb, "p1", base.Add(time.Hour), base.Add(3*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(win) != 4 {
		t.Errorf("window len = %d, want 4 (three slack + jira)", len(win))
	}

	// (1h, 3h] excludes the boundary event.
	excl, _, _ := ProjectEvents(gdb, "p1", EventQuery{From: base.Add(time.Hour), FromExclusive: true, To: base.Add(3 * time.Hour)})
	if len(excl) != 3 {
		t.Errorf("exclusive window len = %d, want 3", len(excl))
	}

	page, total, _ := ProjectEvents(gdb, "p1", EventQuery{SourceType: models.SourceSlack, NewestFirst: true, Limit: 2, Offset: 1})
	if total != 5 {
		t.Errorf("slack total = %d, want 5", total)
	}
	if len(page) != 2 || page[0].EventID != "slack_C1:3" {
		t.Errorf("page = %v", page)
	}

	kinds, _, _ := ProjectEvents(gdb, "p1", EventQuery{Kind: models.KindComment})
	if len(kinds) != 1 || kinds[0].EventID != jira.EventID {
		t.Errorf("kind filter = %v", kinds)
	}

	other, total, _ := ProjectEvents(gdb, "nobody", EventQuery{})
	if total != 0 || len(other) != 0 {
		t.Errorf("unlinked project should have no events")
	}
}

func TestUpsertLinks_ScopeMatchWins(t *testing.T) {
	gdb := testDB(t)
	seedProject(t, gdb, "p1", true)

	ai := link("e1", "p1", models.AttributionAIClassified)
	ai.Confidence = 0.6
	if _, err := UpsertLinks(gdb, []models.EventProjectLink{ai}); err != nil {
		t.Fatal(err)
	}
	if _, err := UpsertLinks(gdb, []models.EventProjectLink{link("e1", "p1", models.AttributionScopeMatch)}); err != nil {
		t.Fatal(err)
	}
	got, _ := EventLinks(gdb, "e1")
	if len(got) != 1 || got[0].AttributionType != models.AttributionScopeMatch || got[0].Confidence != 1 {
		t.Fatalf("links = %+v, want upgraded scope_match", got)
	}

	// An AI link never replaces the scope match.
	n, err := UpsertLinks(gdb, []models.EventProjectLink{ai})
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("affected = %d, want 0", n)
	}
	got, _ = EventLinks(gdb, "e1")
	if got[0].AttributionType != models.AttributionScopeMatch {
		t.Errorf("scope match overwritten: %+v", got[0])
	}

	linked, err := LinkedEventIDs(gdb, []string{"e1", "e2"})
	if err != nil {
		t.Fatal(err)
	}
	if !linked["e1"] || linked["e2"] {
		t.Errorf("LinkedEventIDs = %v", linked)
	}
}

func TestAdvanceCheckpoint_Monotonic(t *testing.T) {
	gdb := testDB(t)
	cp, err := GetCheckpoint(gdb, "p1", models.SourceSlack)
	if err != nil || cp != nil {
		t.Fatalf("GetCheckpoint on empty = %v, %v", cp, err)
	}

	later := base.Add(2 * time.Hour)
	if err := AdvanceCheckpoint(gdb, "p1", models.SourceSlack, later, base); err != nil {
		t.Fatal(err)
	}
	if err := AdvanceCheckpoint(gdb, "p1", models.SourceSlack, base, base.Add(3*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := AdvanceCheckpoint(gdb, "p1", models.SourceSlack, time.Time{}, base.Add(4*time.Hour)); err != nil {
		t.Fatal(err)
	}

	cp, err = GetCheckpoint(gdb, "p1", models.SourceSlack)
	if err != nil {
		t.Fatal(err)
	}
	if cp.LastIngestedAt == nil || !cp.LastIngestedAt.Equal(later) {
		t.Errorf("LastIngestedAt = %v, want %v (never regress)", cp.LastIngestedAt, later)
	}
	if cp.LastRunAt == nil || !cp.LastRunAt.Equal(base.Add(4*time.Hour)) {
		t.Errorf("LastRunAt = %v", cp.LastRunAt)
	}
}

func TestIngestLock(t *testing.T) {
	gdb := testDB(t)

	if err := AcquireIngestLock(gdb, "slack", "run-1", time.Minute); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	err := AcquireIngestLock(gdb, "slack", "run-2", time.Minute)
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second acquire = %v, want ErrLockHeld", err)
	}
	if err := AcquireIngestLock(gdb, "jira", "run-2", time.Minute); err != nil {
		t.Errorf("locks are per source: %v", err)
	}

	// Releasing with the wrong run id is a no-op.
	ReleaseIngestLock(gdb, "slack", "run-2")
	if err := AcquireIngestLock(gdb, "slack", "run-2", time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Errorf("lock should still be held, got %v", err)
	}

	if err := ReleaseIngestLock(gdb, "slack", "run-1"); err != nil {
		t.Fatal(err)
	}
	if err := AcquireIngestLock(gdb, "slack", "run-2", time.Minute); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
}

func TestIngestLock_StaleReclaimed(t *testing.T) {
	gdb := testDB(t)
	stale := models.IngestLock{SourceType: "slack", RunID: "old", AcquiredAt: Normalize(time.Now().Add(-time.Hour))}
	if err := gdb.Create(&stale).Error; err != nil {
		t.Fatal(err)
	}
	if err := AcquireIngestLock(gdb, "slack", "new", 30*time.Minute); err != nil {
		t.Fatalf("stale lock should be reclaimed: %v", err)
	}
}

func TestWriteSnapshot_Atomic(t *testing.T) {
	gdb := testDB(t)
	seedProject(t, gdb, "p1", true)

	snap := &models.ProjectStatusSnapshot{
		SnapshotID:  "s1",
		ProjectID:   "p1",
		SnapshotAt:  base,
		WindowStart: base.Add(-7 * 24 * time.Hour),
		WindowEnd:   base,
		Strategy:    "heuristic",
		StatusJSON:  datatypes.JSON(`{"headline":"p1: Activity in window"}`),
	}
	evidence := []models.SnapshotEvidence{
		{EventID: "e1", Section: models.SectionHeadline},
		{EventID: "e1", Section: models.SectionProgress},
	}
	if err := WriteSnapshot(gdb, snap, evidence); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	latest, err := LatestSnapshot(gdb, "p1")
	if err != nil || latest == nil {
		t.Fatalf("LatestSnapshot = %v, %v", latest, err)
	}
	if latest.SnapshotID != "s1" || len(latest.Evidence) != 2 {
		t.Errorf("latest = %s with %d evidence rows", latest.SnapshotID, len(latest.Evidence))
	}

	cp, _ := GetCheckpoint(gdb, "p1", models.SourceAll)
	if cp == nil || cp.LastSnapshotAt == nil || !cp.LastSnapshotAt.Equal(base) {
		t.Errorf("last_snapshot_at not recorded: %+v", cp)
	}

	// A duplicate snapshot id fails and leaves no partial evidence behind.
	dup := *snap
	dup.SnapshotAt = base.Add(time.Hour)
	err = WriteSnapshot(gdb, &dup, []models.SnapshotEvidence{{EventID: "e9", Section: models.SectionRisks}})
	var swe *StoreWriteError
	if !errors.As(err, &swe) {
		t.Fatalf("duplicate write = %v, want *StoreWriteError", err)
	}
	var n int64
	gdb.Model(&models.SnapshotEvidence{}).Where("event_id = ?", "e9").Count(&n)
	if n != 0 {
		t.Errorf("evidence from failed write persisted")
	}
	cp, _ = GetCheckpoint(gdb, "p1", models.SourceAll)
	if !cp.LastSnapshotAt.Equal(base) {
		t.Errorf("last_snapshot_at moved by failed write: %v", cp.LastSnapshotAt)
	}

	if none, err := LatestSnapshot(gdb, "p2"); err != nil || none != nil {
		t.Errorf("LatestSnapshot(p2) = %v, %v, want nil, nil", none, err)
	}
	if _, err := GetSnapshot(gdb, "missing"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("GetSnapshot(missing) = %v", err)
	}
	list, _ := ListSnapshots(gdb, "p1", 10)
	if len(list) != 1 {
		t.Errorf("ListSnapshots len = %d, want 1", len(list))
	}
}

func TestProjects(t *testing.T) {
	gdb := testDB(t)
	seedProject(t, gdb, "a", true)
	seedProject(t, gdb, "b", false)
	gdb.Create(&models.ProjectScope{ScopeID: "a1", ProjectID: "a", SourceType: "slack", ScopeKind: models.ScopeSlackChannel, ScopeValue: "C1", CreatedAt: base})
	gdb.Create(&models.ProjectScope{ScopeID: "b1", ProjectID: "b", SourceType: "slack", ScopeKind: models.ScopeSlackChannel, ScopeValue: "C2", CreatedAt: base})

	active, err := ListProjects(gdb, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ProjectID != "a" || len(active[0].Scopes) != 1 {
		t.Errorf("active projects = %+v", active)
	}
	all, _ := ListProjects(gdb, true)
	if len(all) != 2 {
		t.Errorf("all projects = %d, want 2", len(all))
	}

	scopes, err := ActiveScopes(gdb)
	if err != nil {
		t.Fatal(err)
	}
	if len(scopes) != 1 || scopes[0].ScopeID != "a1" {
		t.Errorf("ActiveScopes = %+v", scopes)
	}

	if _, err := GetProject(gdb, "zzz"); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("GetProject(zzz) = %v, want ErrProjectNotFound", err)
	}
}

func TestRecordOutcome(t *testing.T) {
	gdb := testDB(t)
	for _, status := range []string{models.OutcomeSuccess, models.OutcomeFailed} {
		o := &models.RunOutcome{RunID: "r1", Stage: models.StageIngest, SourceType: "jira", Status: status, StartedAt: base, FinishedAt: base}
		if err := RecordOutcome(gdb, o); err != nil {
			t.Fatal(err)
		}
	}
	got, err := RunOutcomes(gdb, "r1")
	if err != nil || len(got) != 2 || got[1].Status != models.OutcomeFailed {
		t.Errorf("RunOutcomes = %+v, %v", got, err)
	}
	recent, _ := RecentOutcomes(gdb, 1)
	if len(recent) != 1 || recent[0].Status != models.OutcomeFailed {
		t.Errorf("RecentOutcomes = %+v", recent)
	}
}

func TestNormalize(t *testing.T) {
	loc := time.FixedZone("X", 3600)
	in := time.Date(2025, 1, 1, 10, 0, 0, 123456789, loc)
	got := Normalize(in)
	if got.Location() != time.UTC || got.Nanosecond() != 123456000 {
		t.Errorf("Normalize = %v", got)
	}
	if !Normalize(time.Time{}).IsZero() {
		t.Error("zero time should stay zero")
	}
}
