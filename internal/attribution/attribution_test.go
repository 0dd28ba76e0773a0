package attribution

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/pulse/internal/config"
	"github.com/zulandar/pulse/internal/db"
	"github.com/zulandar/pulse/internal/llm"
	"github.com/zulandar/pulse/internal/models"
	"github.com/zulandar/pulse/internal/store"
)

var base = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Open(config.StoreConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "attr.db")}, false)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close(gdb) })
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

func seed(t *testing.T, gdb *gorm.DB) {
	t.Helper()
	err := db.SeedProjects(gdb, []config.ProjectConfig{
		{ID: "checkout", Name: "Checkout", Scopes: []config.ScopeConfig{
			{ID: "c1", Source: models.SourceSlack, Kind: models.ScopeSlackChannel, Value: "#eng-payments"},
			{ID: "c2", Source: models.SourceJira, Kind: models.ScopeJiraEpic, Value: "PAY-1"},
			{ID: "c3", Source: config.AnySource, Kind: models.ScopeKeyword, Value: "Vendor Approval"},
		}},
		{ID: "search", Name: "Search", Scopes: []config.ScopeConfig{
			{ID: "s1", Source: models.SourceGitHub, Kind: models.ScopeGitHubRepo, Value: "acme/search"},
			{ID: "s2", Source: models.SourceJira, Kind: models.ScopeJiraProject, Value: "SRCH"},
			{ID: "s3", Source: models.SourceDiscord, Kind: models.ScopeDiscordChannel, Value: "777"},
		}},
		{ID: "legacy", Name: "Legacy", Active: boolPtr(false), Scopes: []config.ScopeConfig{
			{ID: "l1", Source: models.SourceSlack, Kind: models.ScopeSlackChannel, Value: "C0PAYMENTS"},
		}},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func boolPtr(b bool) *bool { return &b }

func ev(id, source string, mutate func(*models.Event)) models.Event {
	e := models.Event{
		EventID:    id,
		SourceType: source,
		SourceRef:  id,
		OccurredAt: base,
		EventKind:  models.KindMessage,
	}
	if mutate != nil {
		mutate(&e)
	}
	return e
}

type fakeClassifier struct {
	matches []llm.Classification
	err     error
	calls   []string
}

func (f *fakeClassifier) Classify(_ context.Context, in llm.ClassifyInput) ([]llm.Classification, error) {
	f.calls = append(f.calls, in.Text)
	return f.matches, f.err
}

func TestScopeIndex_Match(t *testing.T) {
	gdb := testDB(t)
	seed(t, gdb)
	scopes, err := store.ActiveScopes(gdb)
	if err != nil {
		t.Fatal(err)
	}
	ix := NewScopeIndex(scopes)

	tests := []struct {
		name string
		e    models.Event
		want []string
	}{
		{"slack by name", ev("e1", models.SourceSlack, func(e *models.Event) { e.ContainerID = "C0PAYMENTS"; e.ContainerName = "Eng-Payments" }), []string{"checkout"}},
		{"inactive project ignored", ev("e2", models.SourceSlack, func(e *models.Event) { e.ContainerID = "C0PAYMENTS" }), nil},
		{"jira epic via parent", ev("e3", models.SourceJira, func(e *models.Event) { e.SourceRef = "PAY-2:comment:1"; e.ParentRef = "pay-1" }), []string{"checkout"}},
		{"jira epic itself", ev("e4", models.SourceJira, func(e *models.Event) { e.SourceRef = "PAY-1:status:3:0" }), []string{"checkout"}},
		{"jira project", ev("e5", models.SourceJira, func(e *models.Event) { e.SourceRef = "SRCH-9:comment:1"; e.ContainerID = "SRCH" }), []string{"search"}},
		{"github repo", ev("e6", models.SourceGitHub, func(e *models.Event) { e.ContainerID = "acme/search" }), []string{"search"}},
		{"discord channel", ev("e7", models.SourceDiscord, func(e *models.Event) { e.ContainerID = "777" }), []string{"search"}},
		{"keyword any source", ev("e8", models.SourceDiscord, func(e *models.Event) { e.ContainerID = "777"; e.Text = "still waiting on VENDOR approval" }), []string{"search", "checkout"}},
		{"slack scope does not match discord", ev("e9", models.SourceDiscord, func(e *models.Event) { e.ContainerName = "eng-payments" }), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ix.Match(tt.e)
			if len(got) != len(tt.want) {
				t.Fatalf("Match = %+v, want %v", got, tt.want)
			}
			for i, m := range got {
				if m.ProjectID != tt.want[i] || m.Rationale == "" {
					t.Errorf("match %d = %+v, want %s with rationale", i, m, tt.want[i])
				}
			}
		})
	}
}

func storeEvents(t *testing.T, gdb *gorm.DB, events ...models.Event) {
	t.Helper()
	if _, err := store.UpsertEvents(context.Background(), gdb, events, 0); err != nil {
		t.Fatalf("upsert events: %v", err)
	}
}

func TestAttribute_ScopeBeforeAI(t *testing.T) {
	gdb := testDB(t)
	seed(t, gdb)
	scoped := ev("slack_a", models.SourceSlack, func(e *models.Event) { e.ContainerID = "C1"; e.ContainerName = "eng-payments"; e.Text = "deploy" })
	loose := ev("slack_b", models.SourceSlack, func(e *models.Event) { e.ContainerID = "C9"; e.Text = "search index rebuild" })
	storeEvents(t, gdb, scoped, loose)

	fc := &fakeClassifier{matches: []llm.Classification{
		{ProjectID: "search", Confidence: 0.8, Rationale: "index work"},
		{ProjectID: "checkout", Confidence: 0.3},
		{ProjectID: "legacy", Confidence: 0.99},
	}}
	en := New(Opts{DB: gdb, Classifier: fc})

	res, err := en.Attribute(context.Background(), []models.Event{scoped, loose})
	if err != nil {
		t.Fatalf("Attribute: %v", err)
	}
	if res.ScopeMatched != 1 || res.AIClassified != 1 || res.Unattributed != 0 || res.Linked != 2 {
		t.Errorf("result = %+v", res)
	}
	if len(fc.calls) != 1 || fc.calls[0] != "search index rebuild" {
		t.Errorf("classifier calls = %v, want only the unmatched event", fc.calls)
	}

	links, _ := store.EventLinks(gdb, "slack_b")
	if len(links) != 1 || links[0].ProjectID != "search" || links[0].AttributionType != models.AttributionAIClassified || links[0].Confidence != 0.8 {
		t.Errorf("ai links = %+v", links)
	}
	links, _ = store.EventLinks(gdb, "slack_a")
	if len(links) != 1 || links[0].AttributionType != models.AttributionScopeMatch || links[0].Confidence != 1 {
		t.Errorf("scope links = %+v", links)
	}

	// Re-running is idempotent and does not re-ask the classifier.
	res, err = en.Attribute(context.Background(), []models.Event{scoped, loose})
	if err != nil {
		t.Fatal(err)
	}
	if len(fc.calls) != 1 {
		t.Errorf("already linked event re-sent to classifier")
	}
	var count int64
	gdb.Model(&models.EventProjectLink{}).Count(&count)
	if count != 2 {
		t.Errorf("links after rerun = %d, want 2", count)
	}
}

func TestAttribute_ScopeUpgradesAILink(t *testing.T) {
	gdb := testDB(t)
	seed(t, gdb)
	e := ev("slack_c", models.SourceSlack, func(e *models.Event) { e.ContainerID = "C9"; e.Text = "payments retro" })
	storeEvents(t, gdb, e)

	fc := &fakeClassifier{matches: []llm.Classification{{ProjectID: "checkout", Confidence: 0.7}}}
	if _, err := New(Opts{DB: gdb, Classifier: fc}).Attribute(context.Background(), []models.Event{e}); err != nil {
		t.Fatal(err)
	}

	// A later keyword hit turns the AI guess into a scope match.
	e.Text = "vendor approval retro"
	if _, err := New(Opts{DB: gdb}).Attribute(context.Background(), []models.Event{e}); err != nil {
		t.Fatal(err)
	}
	links, _ := store.EventLinks(gdb, "slack_c")
	if len(links) != 1 || links[0].AttributionType != models.AttributionScopeMatch {
		t.Errorf("links = %+v, want upgraded scope match", links)
	}
}

func TestAttribute_ClassifierFailureDegrades(t *testing.T) {
	gdb := testDB(t)
	seed(t, gdb)
	e := ev("slack_d", models.SourceSlack, func(e *models.Event) { e.Text = "lunch?" })
	storeEvents(t, gdb, e)

	fc := &fakeClassifier{err: errors.New("model unavailable")}
	res, err := New(Opts{DB: gdb, Classifier: fc}).Attribute(context.Background(), []models.Event{e})
	if err != nil {
		t.Fatalf("classifier failure must not be fatal: %v", err)
	}
	if res.ClassifierErrors != 1 || res.Unattributed != 1 || res.Linked != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestAttribute_NoClassifier(t *testing.T) {
	gdb := testDB(t)
	seed(t, gdb)
	e := ev("slack_e", models.SourceSlack, func(e *models.Event) { e.Text = "random" })
	storeEvents(t, gdb, e)
	res, err := New(Opts{DB: gdb}).Attribute(context.Background(), []models.Event{e})
	if err != nil || res.Unattributed != 1 {
		t.Errorf("res = %+v, err = %v", res, err)
	}
}
