package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testConfig = `
store:
  driver: sqlite
ingest:
  mode: incremental
projects:
  - id: checkout
    name: Checkout
    scopes:
      - kind: jira_project
        value: PAY
  - id: archive
    name: Archive
    active: false
`

// writeConfig writes testConfig with a temp-file store and returns its path.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DB_PATH", filepath.Join(dir, "pulse.db"))
	for _, k := range []string{"JIRA_BASE_URL", "JIRA_EMAIL", "JIRA_API_TOKEN", "AI_ENABLED", "INGEST_MODE", "SNAPSHOT_STRATEGY"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	path := filepath.Join(dir, "pulse.yaml")
	if err := os.WriteFile(path, []byte(testConfig), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCmd(t *testing.T, in string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetIn(strings.NewReader(in))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestDBCmd_Help(t *testing.T) {
	out, err := runCmd(t, "", "db", "--help")
	if err != nil {
		t.Fatalf("db --help failed: %v", err)
	}
	if !strings.Contains(out, "Database management") {
		t.Errorf("expected help to mention 'Database management', got: %s", out)
	}
	if !strings.Contains(out, "init") || !strings.Contains(out, "reset") {
		t.Errorf("expected help to list init and reset, got: %s", out)
	}
}

func TestDBInitCmd_MissingConfig(t *testing.T) {
	_, err := runCmd(t, "", "db", "init", "--config", "/nonexistent/pulse.yaml")
	if err == nil {
		t.Fatal("expected error for missing config")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %v, want a load config error", err)
	}
}

func TestDBInitCmd_SeedsProjects(t *testing.T) {
	path := writeConfig(t)

	out, err := runCmd(t, "", "db", "init", "-c", path)
	if err != nil {
		t.Fatalf("db init: %v", err)
	}
	if !strings.Contains(out, "Seeded 2 projects: checkout archive") {
		t.Errorf("unexpected init output: %s", out)
	}

	out, err = runCmd(t, "", "projects", "-c", path, "--all", "--json")
	if err != nil {
		t.Fatalf("projects: %v", err)
	}
	var projects []struct {
		ProjectID string `json:"project_id"`
		IsActive  bool   `json:"is_active"`
		Scopes    []struct {
			Value string `json:"scope_value"`
		} `json:"scopes"`
	}
	if err := json.Unmarshal([]byte(out), &projects); err != nil {
		t.Fatalf("decode projects: %v\n%s", err, out)
	}
	if len(projects) != 2 {
		t.Fatalf("got %d projects, want 2", len(projects))
	}
	byID := map[string]bool{}
	for _, p := range projects {
		byID[p.ProjectID] = p.IsActive
		if p.ProjectID == "checkout" && (len(p.Scopes) != 1 || p.Scopes[0].Value != "PAY") {
			t.Errorf("checkout scopes = %+v", p.Scopes)
		}
	}
	if !byID["checkout"] || byID["archive"] {
		t.Errorf("active flags = %v", byID)
	}
}

func TestDBResetCmd_AbortsWithoutConfirmation(t *testing.T) {
	path := writeConfig(t)
	if _, err := runCmd(t, "", "db", "init", "-c", path); err != nil {
		t.Fatalf("db init: %v", err)
	}

	out, err := runCmd(t, "no\n", "db", "reset", "-c", path)
	if err != nil {
		t.Fatalf("db reset: %v", err)
	}
	if !strings.Contains(out, "Aborted.") {
		t.Errorf("expected abort, got: %s", out)
	}
}

func TestDBResetCmd_Yes(t *testing.T) {
	path := writeConfig(t)
	if _, err := runCmd(t, "", "db", "init", "-c", path); err != nil {
		t.Fatalf("db init: %v", err)
	}

	out, err := runCmd(t, "", "db", "reset", "-c", path, "--yes")
	if err != nil {
		t.Fatalf("db reset: %v", err)
	}
	for _, want := range []string{"Dropped all tables", "Seeded 2 projects", "reset successfully"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got: %s", want, out)
		}
	}
}
