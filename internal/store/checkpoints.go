package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/pulse/internal/models"
)

// GetCheckpoint returns the checkpoint for (projectID, source), or nil when
// none has been recorded.
func GetCheckpoint(db *gorm.DB, projectID, source string) (*models.ProjectCheckpoint, error) {
	var cp models.ProjectCheckpoint
	err := db.Where("project_id = ? AND source_type = ?", projectID, source).First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get checkpoint %s/%s: %w", projectID, source, err)
	}
	return &cp, nil
}

// AdvanceCheckpoint moves last_ingested_at forward to ingestedAt and sets
// last_run_at. It never moves last_ingested_at backwards; a zero ingestedAt
// only records the run.
func AdvanceCheckpoint(db *gorm.DB, projectID, source string, ingestedAt, runAt time.Time) error {
	return updateCheckpoint(db, projectID, source, func(cp *models.ProjectCheckpoint) {
		if t := Normalize(ingestedAt); !t.IsZero() && (cp.LastIngestedAt == nil || t.After(*cp.LastIngestedAt)) {
			cp.LastIngestedAt = &t
		}
		if t := Normalize(runAt); !t.IsZero() {
			cp.LastRunAt = &t
		}
	})
}

// MarkSnapshot records the time of the latest snapshot for projectID.
func MarkSnapshot(db *gorm.DB, projectID string, at time.Time) error {
	return updateCheckpoint(db, projectID, models.SourceAll, func(cp *models.ProjectCheckpoint) {
		if t := Normalize(at); cp.LastSnapshotAt == nil || t.After(*cp.LastSnapshotAt) {
			cp.LastSnapshotAt = &t
		}
	})
}

func updateCheckpoint(db *gorm.DB, projectID, source string, apply func(*models.ProjectCheckpoint)) error {
	err := db.Transaction(func(tx *gorm.DB) error {
		var cp models.ProjectCheckpoint
		err := tx.Where("project_id = ? AND source_type = ?", projectID, source).First(&cp).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			cp = models.ProjectCheckpoint{ProjectID: projectID, SourceType: source}
			apply(&cp)
			cp.UpdatedAt = Normalize(time.Now())
			return tx.Create(&cp).Error
		case err != nil:
			return err
		}
		apply(&cp)
		cp.UpdatedAt = Normalize(time.Now())
		return tx.Save(&cp).Error
	})
	if err != nil {
		return &StoreWriteError{Op: fmt.Sprintf("checkpoint %s/%s", projectID, source), Err: err}
	}
	return nil
}
