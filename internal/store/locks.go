package store

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/pulse/internal/models"
)

// DefaultLockTimeout is how long an ingest lock is honored before it is
// considered abandoned.
const DefaultLockTimeout = 30 * time.Minute

// AcquireIngestLock takes the ingest lock for source on behalf of runID. A
// lock older than timeout is reclaimed. Returns an error wrapping ErrLockHeld
// when another run holds a live lock.
func AcquireIngestLock(db *gorm.DB, source, runID string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		now := Normalize(time.Now())
		if err := tx.Where("source_type = ? AND acquired_at < ?", source, now.Add(-timeout)).
			Delete(&models.IngestLock{}).Error; err != nil {
			return fmt.Errorf("expire stale lock: %w", err)
		}

		lock := models.IngestLock{SourceType: source, RunID: runID, AcquiredAt: now}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&lock)
		if res.Error != nil {
			return fmt.Errorf("create lock: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var holder models.IngestLock
			if err := tx.Where("source_type = ?", source).First(&holder).Error; err != nil {
				return fmt.Errorf("%w for %s", ErrLockHeld, source)
			}
			return fmt.Errorf("%w for %s by run %s since %s", ErrLockHeld, source, holder.RunID, holder.AcquiredAt.Format(time.RFC3339))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: acquire lock: %w", err)
	}
	return nil
}

// ReleaseIngestLock drops the lock for source if runID still holds it.
func ReleaseIngestLock(db *gorm.DB, source, runID string) error {
	if err := db.Where("source_type = ? AND run_id = ?", source, runID).
		Delete(&models.IngestLock{}).Error; err != nil {
		return fmt.Errorf("store: release lock %s: %w", source, err)
	}
	return nil
}
