// Package config provides YAML-based configuration loading for Pulse with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/zulandar/pulse/internal/models"
)

// Ingest modes.
const (
	ModeIncremental = "incremental"
	ModeFullRefresh = "full-refresh"
	ModeNone        = "none"
)

// Snapshot strategies.
const (
	StrategyHeuristic = "heuristic"
	StrategyAI        = "ai"
)

// AI providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// AnySource is the source_type of scopes that apply to every source.
const AnySource = "*"

// Config is the top-level Pulse configuration, loaded from pulse.yaml.
// Secrets are only read from the environment.
type Config struct {
	Debug    bool            `yaml:"debug" env:"DEBUG"`
	Store    StoreConfig     `yaml:"store"`
	Ingest   IngestConfig    `yaml:"ingest"`
	Snapshot SnapshotConfig  `yaml:"snapshot"`
	AI       AIConfig        `yaml:"ai"`
	Jira     JiraConfig      `yaml:"jira"`
	Slack    SlackConfig     `yaml:"slack"`
	Discord  DiscordConfig   `yaml:"discord"`
	GitHub   GitHubConfig    `yaml:"github"`
	API      APIConfig       `yaml:"api"`
	Schedule ScheduleConfig  `yaml:"schedule"`
	Projects []ProjectConfig `yaml:"projects"`
}

// StoreConfig selects the relational backend.
type StoreConfig struct {
	Driver string `yaml:"driver" env:"PULSE_DB_DRIVER"`
	Path   string `yaml:"path" env:"DB_PATH"`
	DSN    string `yaml:"-" env:"PULSE_DB_DSN"`
}

// IngestConfig controls how connectors pull and store events.
type IngestConfig struct {
	Mode        string        `yaml:"mode" env:"INGEST_MODE"`
	WindowDays  int           `yaml:"window_days" env:"WINDOW_DAYS"`
	BatchSize   int           `yaml:"batch_size"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// SnapshotConfig controls status synthesis.
type SnapshotConfig struct {
	Strategy   string `yaml:"strategy" env:"SNAPSHOT_STRATEGY"`
	WindowDays int    `yaml:"window_days"`
}

// AIConfig holds settings for the optional AI capability.
type AIConfig struct {
	Enabled         bool          `yaml:"enabled" env:"AI_ENABLED"`
	Provider        string        `yaml:"provider" env:"AI_PROVIDER"`
	Model           string        `yaml:"model" env:"OPENAI_MODEL"`
	BaseURL         string        `yaml:"base_url" env:"OPENAI_BASE_URL"`
	OpenAIKey       string        `yaml:"-" env:"OPENAI_API_KEY"`
	AnthropicKey    string        `yaml:"-" env:"ANTHROPIC_API_KEY"`
	AnthropicModel  string        `yaml:"anthropic_model" env:"ANTHROPIC_MODEL"`
	ConfidenceFloor float64       `yaml:"confidence_floor"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxRetries      int           `yaml:"max_retries"`
}

// JiraConfig holds Jira Cloud connection settings.
type JiraConfig struct {
	BaseURL    string        `yaml:"base_url" env:"JIRA_BASE_URL"`
	Email      string        `yaml:"email" env:"JIRA_EMAIL"`
	APIToken   string        `yaml:"-" env:"JIRA_API_TOKEN"`
	PageSize   int           `yaml:"page_size"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// SlackConfig holds Slack connection settings. WatchChannels are ingested
// under the global checkpoint and attributed without a channel scope.
type SlackConfig struct {
	Token         string        `yaml:"-" env:"SLACK_BOT_TOKEN"`
	WatchChannels []string      `yaml:"watch_channels"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
}

// DiscordConfig holds Discord bot settings.
type DiscordConfig struct {
	Token         string        `yaml:"-" env:"DISCORD_BOT_TOKEN"`
	WatchChannels []string      `yaml:"watch_channels"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
}

// GitHubConfig holds GitHub connection settings. BaseURL is only set for
// GitHub Enterprise.
type GitHubConfig struct {
	Token      string        `yaml:"-" env:"GITHUB_TOKEN"`
	BaseURL    string        `yaml:"base_url" env:"GITHUB_BASE_URL"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// APIConfig holds settings for the read-only REST server.
type APIConfig struct {
	Host string `yaml:"host" env:"PULSE_API_HOST"`
	Port int    `yaml:"port" env:"PULSE_API_PORT"`
}

// ScheduleConfig holds the cron expression for scheduled runs.
type ScheduleConfig struct {
	Cron string `yaml:"cron" env:"PULSE_SCHEDULE"`
}

// ProjectConfig is a bootstrap project definition seeded by `pulse db init`.
type ProjectConfig struct {
	ID          string        `yaml:"id"`
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Active      *bool         `yaml:"active"`
	Scopes      []ScopeConfig `yaml:"scopes"`
}

// IsActive reports whether the project is active, defaulting to true.
func (p ProjectConfig) IsActive() bool {
	return p.Active == nil || *p.Active
}

// ScopeConfig binds a project to a source locator.
type ScopeConfig struct {
	ID     string `yaml:"id"`
	Source string `yaml:"source"`
	Kind   string `yaml:"kind"`
	Value  string `yaml:"value"`
}

// kindSources maps scope kinds to the source they belong to.
var kindSources = map[string]string{
	models.ScopeSlackChannel:   models.SourceSlack,
	models.ScopeDiscordChannel: models.SourceDiscord,
	models.ScopeJiraEpic:       models.SourceJira,
	models.ScopeJiraProject:    models.SourceJira,
	models.ScopeGitHubRepo:     models.SourceGitHub,
	models.ScopeKeyword:        AnySource,
}

// Sources lists the connector source types in run order.
var Sources = []string{models.SourceJira, models.SourceSlack, models.SourceDiscord, models.SourceGitHub}

// LoadDotEnv loads .env files into the process environment. Missing files
// are ignored; variables already set are never overwritten.
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		_ = godotenv.Load(p)
	}
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes, applies environment overrides and returns a
// validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: read env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Path == "" {
		c.Store.Path = "pulse.db"
	}
	if c.Ingest.Mode == "" {
		c.Ingest.Mode = ModeIncremental
	}
	if c.Ingest.WindowDays == 0 {
		c.Ingest.WindowDays = 7
	}
	if c.Ingest.BatchSize == 0 {
		c.Ingest.BatchSize = 100
	}
	if c.Ingest.LockTimeout == 0 {
		c.Ingest.LockTimeout = 30 * time.Minute
	}
	if c.Snapshot.Strategy == "" {
		c.Snapshot.Strategy = StrategyHeuristic
	}
	if c.Snapshot.WindowDays == 0 {
		c.Snapshot.WindowDays = c.Ingest.WindowDays
	}
	if c.AI.Provider == "" {
		c.AI.Provider = ProviderOpenAI
		if c.AI.OpenAIKey == "" && c.AI.AnthropicKey != "" {
			c.AI.Provider = ProviderAnthropic
		}
	}
	if c.AI.Model == "" {
		c.AI.Model = "gpt-4o-mini"
	}
	if c.AI.AnthropicModel == "" {
		c.AI.AnthropicModel = "claude-3-5-haiku-latest"
	}
	if c.AI.ConfidenceFloor == 0 {
		c.AI.ConfidenceFloor = 0.5
	}
	defaultNet(&c.AI.Timeout, &c.AI.MaxRetries)
	defaultNet(&c.Jira.Timeout, &c.Jira.MaxRetries)
	defaultNet(&c.Slack.Timeout, &c.Slack.MaxRetries)
	defaultNet(&c.Discord.Timeout, &c.Discord.MaxRetries)
	defaultNet(&c.GitHub.Timeout, &c.GitHub.MaxRetries)
	if c.Jira.PageSize == 0 {
		c.Jira.PageSize = 50
	}
	c.Jira.BaseURL = strings.TrimRight(c.Jira.BaseURL, "/")
	if c.API.Host == "" {
		c.API.Host = "127.0.0.1"
	}
	if c.API.Port == 0 {
		c.API.Port = 8000
	}
	if c.Schedule.Cron == "" {
		c.Schedule.Cron = "0 * * * *"
	}
	for i := range c.Projects {
		p := &c.Projects[i]
		for j := range p.Scopes {
			s := &p.Scopes[j]
			s.Kind = strings.ToLower(strings.TrimSpace(s.Kind))
			s.Value = strings.TrimSpace(s.Value)
			if s.Source == "" {
				s.Source = kindSources[s.Kind]
			}
			if s.ID == "" {
				s.ID = p.ID + ":" + s.Kind + ":" + strings.ToLower(s.Value)
			}
		}
	}
}

func defaultNet(timeout *time.Duration, retries *int) {
	if *timeout == 0 {
		*timeout = 30 * time.Second
	}
	if *retries == 0 {
		*retries = 3
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Store.Driver {
	case "sqlite":
	case "mysql":
		if c.Store.DSN == "" {
			errs = append(errs, "store.driver mysql requires PULSE_DB_DSN")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not sqlite or mysql", c.Store.Driver))
	}
	switch c.Ingest.Mode {
	case ModeIncremental, ModeFullRefresh, ModeNone:
	default:
		errs = append(errs, fmt.Sprintf("ingest.mode %q is not incremental, full-refresh or none", c.Ingest.Mode))
	}
	if c.Ingest.WindowDays < 0 {
		errs = append(errs, "ingest.window_days must be positive")
	}
	if c.Ingest.BatchSize < 0 {
		errs = append(errs, "ingest.batch_size must be positive")
	}
	switch c.Snapshot.Strategy {
	case StrategyHeuristic, StrategyAI:
	default:
		errs = append(errs, fmt.Sprintf("snapshot.strategy %q is not heuristic or ai", c.Snapshot.Strategy))
	}
	switch c.AI.Provider {
	case ProviderOpenAI, ProviderAnthropic:
	default:
		errs = append(errs, fmt.Sprintf("ai.provider %q is not openai or anthropic", c.AI.Provider))
	}
	if c.AI.ConfidenceFloor < 0 || c.AI.ConfidenceFloor > 1 {
		errs = append(errs, "ai.confidence_floor must be between 0 and 1")
	}

	seen := make(map[string]bool)
	for i, p := range c.Projects {
		if p.ID == "" {
			errs = append(errs, fmt.Sprintf("projects[%d].id is required", i))
		} else if seen[p.ID] {
			errs = append(errs, fmt.Sprintf("projects[%d].id %q is duplicated", i, p.ID))
		}
		seen[p.ID] = true
		if p.Name == "" {
			errs = append(errs, fmt.Sprintf("projects[%d].name is required", i))
		}
		for j, s := range p.Scopes {
			want, ok := kindSources[s.Kind]
			if !ok {
				errs = append(errs, fmt.Sprintf("projects[%d].scopes[%d].kind %q is unknown", i, j, s.Kind))
				continue
			}
			if s.Value == "" {
				errs = append(errs, fmt.Sprintf("projects[%d].scopes[%d].value is required", i, j))
			}
			if want != AnySource && s.Source != want {
				errs = append(errs, fmt.Sprintf("projects[%d].scopes[%d] kind %s belongs to source %s, not %s", i, j, s.Kind, want, s.Source))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SourcesInUse returns, in run order, the sources that some project scope or
// watch list refers to. Keyword scopes do not enable a source.
func (c *Config) SourcesInUse() []string {
	used := map[string]bool{
		models.SourceSlack:   len(c.Slack.WatchChannels) > 0,
		models.SourceDiscord: len(c.Discord.WatchChannels) > 0,
	}
	for _, p := range c.Projects {
		for _, s := range p.Scopes {
			if s.Source != AnySource {
				used[s.Source] = true
			}
		}
	}
	var out []string
	for _, src := range Sources {
		if used[src] {
			out = append(out, src)
		}
	}
	return out
}

// CheckCredentials returns a *ConfigurationError when the named source is
// missing required settings.
func (c *Config) CheckCredentials(source string) error {
	var missing []string
	switch source {
	case models.SourceJira:
		if c.Jira.BaseURL == "" {
			missing = append(missing, "JIRA_BASE_URL")
		}
		if c.Jira.Email == "" {
			missing = append(missing, "JIRA_EMAIL")
		}
		if c.Jira.APIToken == "" {
			missing = append(missing, "JIRA_API_TOKEN")
		}
	case models.SourceSlack:
		if c.Slack.Token == "" {
			missing = append(missing, "SLACK_BOT_TOKEN")
		}
	case models.SourceDiscord:
		if c.Discord.Token == "" {
			missing = append(missing, "DISCORD_BOT_TOKEN")
		}
	case models.SourceGitHub:
		if c.GitHub.Token == "" {
			missing = append(missing, "GITHUB_TOKEN")
		}
	case "ai":
		if c.AI.Provider == ProviderAnthropic && c.AI.AnthropicKey == "" {
			missing = append(missing, "ANTHROPIC_API_KEY")
		}
		if c.AI.Provider == ProviderOpenAI && c.AI.OpenAIKey == "" && c.AI.BaseURL == "" {
			missing = append(missing, "OPENAI_API_KEY")
		}
	default:
		return fmt.Errorf("config: unknown source %q", source)
	}
	if len(missing) > 0 {
		return &ConfigurationError{Source: source, Missing: missing}
	}
	return nil
}

// UseAIStrategy reports whether snapshots should be synthesized by the AI
// extractor.
func (c *Config) UseAIStrategy() bool {
	return c.AI.Enabled && c.Snapshot.Strategy == StrategyAI
}
