package models

import "time"

// SourceAll keys the project-wide checkpoint row that carries LastSnapshotAt.
const SourceAll = "all"

// ProjectCheckpoint records ingestion progress for a (project, source) pair.
// ProjectID is GlobalProjectID for unscoped watch lists.
type ProjectCheckpoint struct {
	ProjectID      string     `gorm:"column:project_id;primaryKey;size:64"`
	SourceType     string     `gorm:"primaryKey;size:16"`
	LastIngestedAt *time.Time // max occurred_at durably stored
	LastRunAt      *time.Time
	LastSnapshotAt *time.Time
	UpdatedAt      time.Time
}

// IngestLock serializes ingestion runs for one source type.
type IngestLock struct {
	SourceType string    `gorm:"primaryKey;size:16"`
	RunID      string    `gorm:"size:64;not null"`
	AcquiredAt time.Time `gorm:"not null;index"`
}

// Outcome statuses.
const (
	OutcomeSuccess = "success"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Run stages.
const (
	StageIngest     = "ingest"
	StageSynthesize = "synthesize"
)

// RunOutcome is one line of a run's per-source/per-project outcome log.
type RunOutcome struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	RunID      string    `gorm:"size:64;not null;index"`
	Stage      string    `gorm:"size:16;not null"`
	SourceType string    `gorm:"size:16"`
	ProjectID  string    `gorm:"size:64;index"`
	Status     string    `gorm:"size:16;not null"`
	Reason     string    `gorm:"type:text"`
	Fetched    int       `gorm:"default:0"`
	Stored     int       `gorm:"default:0"`
	Linked     int       `gorm:"default:0"`
	StartedAt  time.Time `gorm:"not null"`
	FinishedAt time.Time `gorm:"not null"`
}
