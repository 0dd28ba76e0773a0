package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envVars = []string{
	"DEBUG", "PULSE_DB_DRIVER", "DB_PATH", "PULSE_DB_DSN", "INGEST_MODE", "WINDOW_DAYS",
	"SNAPSHOT_STRATEGY", "AI_ENABLED", "AI_PROVIDER", "OPENAI_MODEL", "OPENAI_BASE_URL",
	"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "ANTHROPIC_MODEL", "JIRA_BASE_URL", "JIRA_EMAIL",
	"JIRA_API_TOKEN", "SLACK_BOT_TOKEN", "DISCORD_BOT_TOKEN", "GITHUB_TOKEN", "GITHUB_BASE_URL",
	"PULSE_API_HOST", "PULSE_API_PORT", "PULSE_SCHEDULE",
}

// clearEnv unsets every variable Parse reads and restores them afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envVars {
		if v, ok := os.LookupEnv(k); ok {
			os.Unsetenv(k)
			t.Cleanup(func() { os.Setenv(k, v) })
		}
	}
}

const fullYAML = `
debug: true
store:
  driver: sqlite
  path: /var/lib/pulse/pulse.db
ingest:
  mode: full-refresh
  window_days: 14
  batch_size: 250
  lock_timeout: 10m
snapshot:
  strategy: ai
ai:
  enabled: true
  provider: anthropic
  confidence_floor: 0.7
jira:
  base_url: https://acme.atlassian.net/
  email: bot@acme.io
slack:
  watch_channels: ["general"]
projects:
  - id: checkout
    name: Checkout
    description: Checkout revamp
    scopes:
      - kind: slack_channel
        value: C1
      - kind: jira_epic
        value: PAY-1
      - kind: keyword
        value: checkout
  - id: legacy
    name: Legacy
    active: false
    scopes:
      - kind: github_repo
        value: acme/legacy
`

func TestParse_FullConfig(t *testing.T) {
	clearEnv(t)
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !cfg.Debug {
		t.Error("Debug should be true")
	}
	if cfg.Store.Path != "/var/lib/pulse/pulse.db" {
		t.Errorf("Store.Path = %q", cfg.Store.Path)
	}
	if cfg.Ingest.Mode != ModeFullRefresh {
		t.Errorf("Ingest.Mode = %q, want %q", cfg.Ingest.Mode, ModeFullRefresh)
	}
	if cfg.Ingest.WindowDays != 14 {
		t.Errorf("Ingest.WindowDays = %d, want 14", cfg.Ingest.WindowDays)
	}
	if cfg.Snapshot.WindowDays != 14 {
		t.Errorf("Snapshot.WindowDays = %d, want inherited 14", cfg.Snapshot.WindowDays)
	}
	if cfg.Ingest.BatchSize != 250 {
		t.Errorf("Ingest.BatchSize = %d, want 250", cfg.Ingest.BatchSize)
	}
	if cfg.Ingest.LockTimeout != 10*time.Minute {
		t.Errorf("Ingest.LockTimeout = %v, want 10m", cfg.Ingest.LockTimeout)
	}
	if cfg.AI.Provider != ProviderAnthropic {
		t.Errorf("AI.Provider = %q", cfg.AI.Provider)
	}
	if cfg.AI.ConfidenceFloor != 0.7 {
		t.Errorf("AI.ConfidenceFloor = %v, want 0.7", cfg.AI.ConfidenceFloor)
	}
	if !cfg.UseAIStrategy() {
		t.Error("UseAIStrategy should be true with ai enabled and strategy ai")
	}
	if cfg.Jira.BaseURL != "https://acme.atlassian.net" {
		t.Errorf("Jira.BaseURL = %q, want trailing slash trimmed", cfg.Jira.BaseURL)
	}
	if len(cfg.Projects) != 2 {
		t.Fatalf("len(Projects) = %d, want 2", len(cfg.Projects))
	}

	co := cfg.Projects[0]
	if !co.IsActive() {
		t.Error("checkout should default to active")
	}
	if cfg.Projects[1].IsActive() {
		t.Error("legacy should be inactive")
	}
	if co.Scopes[0].Source != "slack" {
		t.Errorf("slack_channel scope source = %q, want slack", co.Scopes[0].Source)
	}
	if co.Scopes[1].Source != "jira" {
		t.Errorf("jira_epic scope source = %q, want jira", co.Scopes[1].Source)
	}
	if co.Scopes[2].Source != AnySource {
		t.Errorf("keyword scope source = %q, want %q", co.Scopes[2].Source, AnySource)
	}
	if co.Scopes[1].ID != "checkout:jira_epic:pay-1" {
		t.Errorf("derived scope ID = %q", co.Scopes[1].ID)
	}
}

func TestParse_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Parse([]byte(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"Store.Driver", cfg.Store.Driver, "sqlite"},
		{"Store.Path", cfg.Store.Path, "pulse.db"},
		{"Ingest.Mode", cfg.Ingest.Mode, ModeIncremental},
		{"Ingest.WindowDays", cfg.Ingest.WindowDays, 7},
		{"Ingest.BatchSize", cfg.Ingest.BatchSize, 100},
		{"Ingest.LockTimeout", cfg.Ingest.LockTimeout, 30 * time.Minute},
		{"Snapshot.Strategy", cfg.Snapshot.Strategy, StrategyHeuristic},
		{"AI.Provider", cfg.AI.Provider, ProviderOpenAI},
		{"AI.ConfidenceFloor", cfg.AI.ConfidenceFloor, 0.5},
		{"Jira.Timeout", cfg.Jira.Timeout, 30 * time.Second},
		{"Jira.PageSize", cfg.Jira.PageSize, 50},
		{"Slack.MaxRetries", cfg.Slack.MaxRetries, 3},
		{"API.Port", cfg.API.Port, 8000},
		{"Schedule.Cron", cfg.Schedule.Cron, "0 * * * *"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if cfg.UseAIStrategy() {
		t.Error("UseAIStrategy should be false by default")
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("INGEST_MODE", "none")
	t.Setenv("WINDOW_DAYS", "3")
	t.Setenv("AI_ENABLED", "true")
	t.Setenv("DB_PATH", "/tmp/env.db")
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-secret")
	t.Setenv("PULSE_API_PORT", "9100")
	t.Setenv("OPENAI_MODEL", "gpt-4.1")

	cfg, err := Parse([]byte("ingest:\n  mode: incremental\n  window_days: 30\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Ingest.Mode != ModeNone {
		t.Errorf("Ingest.Mode = %q, want env value none", cfg.Ingest.Mode)
	}
	if cfg.Ingest.WindowDays != 3 {
		t.Errorf("Ingest.WindowDays = %d, want 3", cfg.Ingest.WindowDays)
	}
	if !cfg.AI.Enabled {
		t.Error("AI.Enabled should come from AI_ENABLED")
	}
	if cfg.Store.Path != "/tmp/env.db" {
		t.Errorf("Store.Path = %q", cfg.Store.Path)
	}
	if cfg.Slack.Token != "xoxb-secret" {
		t.Errorf("Slack.Token = %q", cfg.Slack.Token)
	}
	if cfg.API.Port != 9100 {
		t.Errorf("API.Port = %d, want 9100", cfg.API.Port)
	}
	if cfg.AI.Model != "gpt-4.1" {
		t.Errorf("AI.Model = %q", cfg.AI.Model)
	}
}

func TestParse_SecretsIgnoredInYAML(t *testing.T) {
	clearEnv(t)
	cfg, err := Parse([]byte("slack:\n  token: leaked\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Slack.Token != "" {
		t.Errorf("Slack.Token = %q, secrets must only come from the environment", cfg.Slack.Token)
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad mode", "ingest:\n  mode: sometimes\n", "ingest.mode"},
		{"bad driver", "store:\n  driver: oracle\n", "store.driver"},
		{"mysql without dsn", "store:\n  driver: mysql\n", "PULSE_DB_DSN"},
		{"bad strategy", "snapshot:\n  strategy: magic\n", "snapshot.strategy"},
		{"bad floor", "ai:\n  confidence_floor: 1.5\n", "confidence_floor"},
		{"missing id", "projects:\n  - name: X\n", "projects[0].id is required"},
		{"missing name", "projects:\n  - id: x\n", "projects[0].name is required"},
		{"duplicate id", "projects:\n  - id: x\n    name: X\n  - id: x\n    name: Y\n", "duplicated"},
		{"unknown kind", "projects:\n  - id: x\n    name: X\n    scopes:\n      - kind: fax\n        value: 1\n", "unknown"},
		{"empty value", "projects:\n  - id: x\n    name: X\n    scopes:\n      - kind: jira_epic\n", "value is required"},
		{"source mismatch", "projects:\n  - id: x\n    name: X\n    scopes:\n      - kind: jira_epic\n        source: slack\n        value: A-1\n", "belongs to source jira"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want to contain %q", err, tt.want)
			}
		})
	}
}

func TestParse_MultipleErrorsJoined(t *testing.T) {
	clearEnv(t)
	_, err := Parse([]byte("ingest:\n  mode: x\nsnapshot:\n  strategy: y\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "; ") {
		t.Errorf("expected joined errors, got %q", err)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	clearEnv(t)
	_, err := Parse([]byte("projects: [unclosed"))
	if err == nil || !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("error = %v, want config: parse", err)
	}
}

func TestLoad_FromFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "pulse.yaml")
	if err := os.WriteFile(path, []byte(fullYAML), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Projects) != 2 {
		t.Errorf("len(Projects) = %d, want 2", len(cfg.Projects))
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %v, want config: read", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("GITHUB_TOKEN=ghp_fromfile\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("GITHUB_TOKEN") })

	LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env"))
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.GitHub.Token != "ghp_fromfile" {
		t.Errorf("GitHub.Token = %q, want value from .env", cfg.GitHub.Token)
	}
}

func TestSourcesInUse(t *testing.T) {
	clearEnv(t)
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatal(err)
	}
	got := strings.Join(cfg.SourcesInUse(), ",")
	if got != "jira,slack,github" {
		t.Errorf("SourcesInUse = %q, want jira,slack,github", got)
	}
}

func TestCheckCredentials(t *testing.T) {
	clearEnv(t)
	t.Setenv("JIRA_BASE_URL", "https://acme.atlassian.net")
	t.Setenv("DISCORD_BOT_TOKEN", "bot")
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatal(err)
	}

	err = cfg.CheckCredentials("jira")
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("CheckCredentials(jira) = %v, want *ConfigurationError", err)
	}
	if ce.Source != "jira" || strings.Join(ce.Missing, ",") != "JIRA_EMAIL,JIRA_API_TOKEN" {
		t.Errorf("ConfigurationError = %+v", ce)
	}
	if !strings.Contains(ce.Error(), "missing JIRA_EMAIL, JIRA_API_TOKEN") {
		t.Errorf("Error() = %q", ce.Error())
	}
	if err := cfg.CheckCredentials("discord"); err != nil {
		t.Errorf("CheckCredentials(discord) = %v, want nil", err)
	}
	if err := cfg.CheckCredentials("fax"); err == nil {
		t.Error("unknown source should error")
	}
}
