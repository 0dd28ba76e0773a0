package models

import (
	"time"

	"gorm.io/datatypes"
)

// Snapshot sections. Evidence rows are keyed by section.
const (
	SectionHeadline  = "headline"
	SectionProgress  = "progress"
	SectionBlockers  = "blockers"
	SectionDecisions = "decisions"
	SectionNextSteps = "next_steps"
	SectionRisks     = "risks"
)

// Sections lists the item sections in document order.
var Sections = []string{SectionProgress, SectionBlockers, SectionDecisions, SectionNextSteps, SectionRisks}

// ProjectStatusSnapshot is an immutable point-in-time status document.
type ProjectStatusSnapshot struct {
	SnapshotID  string         `gorm:"column:snapshot_id;primaryKey;size:64"`
	ProjectID   string         `gorm:"size:64;not null;index:idx_snapshots_project_time,priority:1"`
	SnapshotAt  time.Time      `gorm:"not null;index:idx_snapshots_project_time,priority:2"`
	WindowStart time.Time      `gorm:"not null"`
	WindowEnd   time.Time      `gorm:"not null"`
	Strategy    string         `gorm:"size:16"`
	StatusJSON  datatypes.JSON `gorm:"column:status_json;not null"`
	CreatedAt   time.Time      `gorm:"not null"`

	Evidence []SnapshotEvidence `gorm:"foreignKey:SnapshotID"`
}

// SnapshotEvidence links a snapshot section back to an event that supports it.
type SnapshotEvidence struct {
	SnapshotID string    `gorm:"column:snapshot_id;primaryKey;size:64;index:idx_evidence_snapshot"`
	EventID    string    `gorm:"column:event_id;primaryKey;size:160;index:idx_evidence_event"`
	Section    string    `gorm:"primaryKey;size:16"`
	CreatedAt  time.Time `gorm:"not null"`
}

// TableName keeps the singular table name used by downstream readers.
func (SnapshotEvidence) TableName() string { return "snapshot_evidence" }

// StatusItem is one claim in a status document, with the events behind it.
type StatusItem struct {
	Text     string   `json:"text"`
	Owner    string   `json:"owner,omitempty"`
	EventIDs []string `json:"event_ids"`
}

// Status is the structured document stored in status_json.
type Status struct {
	Headline         string       `json:"headline,omitempty"`
	HeadlineEvidence []string     `json:"headline_event_ids,omitempty"`
	Progress         []StatusItem `json:"progress,omitempty"`
	Blockers         []StatusItem `json:"blockers,omitempty"`
	Decisions        []StatusItem `json:"decisions,omitempty"`
	NextSteps        []StatusItem `json:"next_steps,omitempty"`
	Risks            []StatusItem `json:"risks,omitempty"`
}

// Section returns the items stored under the named section.
func (s *Status) Section(name string) []StatusItem {
	switch name {
	case SectionProgress:
		return s.Progress
	case SectionBlockers:
		return s.Blockers
	case SectionDecisions:
		return s.Decisions
	case SectionNextSteps:
		return s.NextSteps
	case SectionRisks:
		return s.Risks
	}
	return nil
}

// SetSection replaces the items stored under the named section.
func (s *Status) SetSection(name string, items []StatusItem) {
	switch name {
	case SectionProgress:
		s.Progress = items
	case SectionBlockers:
		s.Blockers = items
	case SectionDecisions:
		s.Decisions = items
	case SectionNextSteps:
		s.NextSteps = items
	case SectionRisks:
		s.Risks = items
	}
}

// Empty reports whether no field of the document is populated.
func (s *Status) Empty() bool {
	if s.Headline != "" {
		return false
	}
	for _, sec := range Sections {
		if len(s.Section(sec)) > 0 {
			return false
		}
	}
	return true
}
