package store

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/zulandar/pulse/internal/models"
)

// RecordOutcome appends one row to the run outcome log.
func RecordOutcome(db *gorm.DB, o *models.RunOutcome) error {
	o.StartedAt = Normalize(o.StartedAt)
	o.FinishedAt = Normalize(o.FinishedAt)
	if err := db.Create(o).Error; err != nil {
		return &StoreWriteError{Op: "record outcome", Err: err}
	}
	return nil
}

// RunOutcomes returns the outcomes recorded for runID, in insertion order.
func RunOutcomes(db *gorm.DB, runID string) ([]models.RunOutcome, error) {
	var out []models.RunOutcome
	if err := db.Where("run_id = ?", runID).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("store: run outcomes %s: %w", runID, err)
	}
	return out, nil
}

// RecentOutcomes returns the latest limit outcomes across runs, newest first.
func RecentOutcomes(db *gorm.DB, limit int) ([]models.RunOutcome, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []models.RunOutcome
	if err := db.Order("id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("store: recent outcomes: %w", err)
	}
	return out, nil
}
