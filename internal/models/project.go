package models

import "time"

// Scope kinds recognized by the attribution engine.
const (
	ScopeSlackChannel   = "slack_channel"
	ScopeDiscordChannel = "discord_channel"
	ScopeJiraEpic       = "jira_epic"
	ScopeJiraProject    = "jira_project"
	ScopeGitHubRepo     = "github_repo"
	ScopeKeyword        = "keyword"
)

// GlobalProjectID keys checkpoints for watch lists that are not bound to a project.
const GlobalProjectID = "global"

// Project is a unit of work whose activity is aggregated into status snapshots.
type Project struct {
	ProjectID   string    `gorm:"column:project_id;primaryKey;size:64"`
	Name        string    `gorm:"not null"`
	Description string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"not null"`
	IsActive    bool      `gorm:"not null;index"`

	Scopes []ProjectScope `gorm:"foreignKey:ProjectID"`
}

// ProjectScope binds a project to a source-native locator such as a Slack
// channel or a Jira epic key.
type ProjectScope struct {
	ScopeID    string    `gorm:"column:scope_id;primaryKey;size:64"`
	ProjectID  string    `gorm:"size:64;not null;index:idx_scopes_project"`
	SourceType string    `gorm:"size:16;not null;index:idx_scopes_lookup,priority:1"`
	ScopeKind  string    `gorm:"size:32;not null;index:idx_scopes_lookup,priority:2"`
	ScopeValue string    `gorm:"size:255;not null;index:idx_scopes_lookup,priority:3"`
	CreatedAt  time.Time `gorm:"not null"`
}
