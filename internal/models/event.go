package models

import (
	"time"

	"gorm.io/datatypes"
)

// Source types.
const (
	SourceJira    = "jira"
	SourceSlack   = "slack"
	SourceDiscord = "discord"
	SourceGitHub  = "github"
)

// Event kinds.
const (
	KindMessage      = "message"
	KindComment      = "comment"
	KindStatusChange = "status_change"
	KindIssueUpdate  = "issue_update"
)

// Attribution methods.
const (
	AttributionScopeMatch   = "scope_match"
	AttributionAIClassified = "ai_classified"
)

// Event is a normalized activity record pulled from an external source.
// EventID is derived from SourceRef and stays stable across re-ingests.
type Event struct {
	EventID       string         `gorm:"column:event_id;primaryKey;size:160"`
	SourceType    string         `gorm:"size:16;not null;uniqueIndex:idx_events_source_ref,priority:1;index:idx_events_container,priority:1"`
	SourceRef     string         `gorm:"size:255;not null;uniqueIndex:idx_events_source_ref,priority:2"`
	OccurredAt    time.Time      `gorm:"not null;index:idx_events_time"`
	IngestedAt    time.Time      `gorm:"not null"`
	ContainerID   string         `gorm:"size:128;index:idx_events_container,priority:2"`
	ContainerName string         `gorm:"size:255"`
	ParentRef     string         `gorm:"size:255;index"`
	ActorID       string         `gorm:"size:128"`
	ActorDisplay  string         `gorm:"size:255"`
	EventKind     string         `gorm:"size:32;not null"`
	Title         string         `gorm:"size:512"`
	Text          string         `gorm:"type:text;not null"`
	Permalink     string         `gorm:"size:512"`
	RawJSON       datatypes.JSON `gorm:"column:raw_json"`
}

// EventProjectLink associates an event with a project. An event may have
// zero links (unattributed) or several (cross-cutting activity).
type EventProjectLink struct {
	EventID         string    `gorm:"column:event_id;primaryKey;size:160;index:idx_epl_event"`
	ProjectID       string    `gorm:"column:project_id;primaryKey;size:64;index:idx_epl_project"`
	AttributionType string    `gorm:"size:16;not null"`
	Confidence      float64   `gorm:"not null;default:1"`
	Rationale       string    `gorm:"size:512"`
	CreatedAt       time.Time `gorm:"not null"`
}

// LinkedEvent is an event as seen through one of its project links.
type LinkedEvent struct {
	Event
	ProjectID       string
	AttributionType string
	Confidence      float64
	Rationale       string
}
