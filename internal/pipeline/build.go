package pipeline

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/pulse/internal/attribution"
	"github.com/zulandar/pulse/internal/config"
	"github.com/zulandar/pulse/internal/connector"
	"github.com/zulandar/pulse/internal/connector/discord"
	"github.com/zulandar/pulse/internal/connector/github"
	"github.com/zulandar/pulse/internal/connector/jira"
	"github.com/zulandar/pulse/internal/connector/slack"
	"github.com/zulandar/pulse/internal/llm"
	"github.com/zulandar/pulse/internal/logging"
	"github.com/zulandar/pulse/internal/models"
	"github.com/zulandar/pulse/internal/snapshot"
)

// NewConnector builds the connector for source from cfg. Missing
// credentials yield a *config.ConfigurationError.
func NewConnector(cfg *config.Config, source string, logger *zap.Logger) (connector.Connector, error) {
	if err := cfg.CheckCredentials(source); err != nil {
		return nil, err
	}
	switch source {
	case models.SourceJira:
		client, err := jira.NewClient(jira.ClientOpts{
			BaseURL:    cfg.Jira.BaseURL,
			Email:      cfg.Jira.Email,
			APIToken:   cfg.Jira.APIToken,
			Timeout:    cfg.Jira.Timeout,
			MaxRetries: cfg.Jira.MaxRetries,
			PageSize:   cfg.Jira.PageSize,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		return jira.New(client), nil
	case models.SourceSlack:
		return slack.New(slack.Opts{
			Token:      cfg.Slack.Token,
			Timeout:    cfg.Slack.Timeout,
			MaxRetries: cfg.Slack.MaxRetries,
			Logger:     logger,
		})
	case models.SourceDiscord:
		return discord.New(discord.Opts{
			Token:      cfg.Discord.Token,
			Timeout:    cfg.Discord.Timeout,
			MaxRetries: cfg.Discord.MaxRetries,
			Logger:     logger,
		})
	case models.SourceGitHub:
		return github.New(github.Opts{
			Token:      cfg.GitHub.Token,
			BaseURL:    cfg.GitHub.BaseURL,
			Timeout:    cfg.GitHub.Timeout,
			MaxRetries: cfg.GitHub.MaxRetries,
			Logger:     logger,
		})
	}
	return nil, fmt.Errorf("pipeline: no connector for source %q", source)
}

// Build wires a Runner from configuration: connectors for every source in
// use, the AI classifier and extractor when enabled, and the snapshot
// strategy. Sources that cannot be configured are recorded as failed on
// each run rather than failing the build.
func Build(cfg *config.Config, db *gorm.DB, logger *zap.Logger) (*Runner, error) {
	if cfg == nil || db == nil {
		return nil, fmt.Errorf("pipeline: config and db are required")
	}
	logger = logging.OrNop(logger)
	opts := Opts{
		DB:         db,
		Config:     cfg,
		Logger:     logger,
		Connectors: make(map[string]connector.Connector),
		SetupErrs:  make(map[string]error),
	}
	for _, src := range cfg.SourcesInUse() {
		conn, err := NewConnector(cfg, src, logger)
		if err != nil {
			opts.SetupErrs[src] = err
			continue
		}
		opts.Connectors[src] = conn
	}

	var classifier attribution.Classifier
	strategy := snapshot.Strategy(snapshot.Heuristic{})
	if cfg.AI.Enabled {
		completer, err := aiCompleter(cfg, logger)
		if err != nil {
			logger.Warn("ai disabled for this run", zap.Error(err))
		} else {
			classifier = llm.NewClassifier(completer)
			if cfg.UseAIStrategy() {
				strategy = snapshot.NewAI(llm.NewExtractor(completer), logger)
			}
		}
	}
	opts.Attributor = attribution.New(attribution.Opts{
		DB:              db,
		Classifier:      classifier,
		ConfidenceFloor: cfg.AI.ConfidenceFloor,
		Logger:          logger,
	})
	opts.Synthesizer = snapshot.New(snapshot.Opts{DB: db, Strategy: strategy, Logger: logger})
	return New(opts), nil
}

func aiCompleter(cfg *config.Config, logger *zap.Logger) (llm.Completer, error) {
	if err := cfg.CheckCredentials("ai"); err != nil {
		return nil, err
	}
	return llm.New(cfg.AI, logger)
}
