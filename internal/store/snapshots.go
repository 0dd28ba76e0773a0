package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/pulse/internal/models"
)

// WriteSnapshot stores a snapshot, its evidence rows and the project's
// last_snapshot_at in a single transaction.
func WriteSnapshot(db *gorm.DB, snap *models.ProjectStatusSnapshot, evidence []models.SnapshotEvidence) error {
	snap.SnapshotAt = Normalize(snap.SnapshotAt)
	snap.WindowStart = Normalize(snap.WindowStart)
	snap.WindowEnd = Normalize(snap.WindowEnd)
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = Normalize(time.Now())
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(snap).Error; err != nil {
			return fmt.Errorf("create snapshot: %w", err)
		}
		if len(evidence) > 0 {
			for i := range evidence {
				evidence[i].SnapshotID = snap.SnapshotID
				if evidence[i].CreatedAt.IsZero() {
					evidence[i].CreatedAt = snap.CreatedAt
				}
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
				CreateInBatches(&evidence, DefaultBatchSize).Error; err != nil {
				return fmt.Errorf("create evidence: %w", err)
			}
		}
		return MarkSnapshot(tx, snap.ProjectID, snap.SnapshotAt)
	})
	if err != nil {
		return &StoreWriteError{Op: "write snapshot " + snap.SnapshotID, Err: err}
	}
	snap.Evidence = evidence
	return nil
}

// LatestSnapshot returns the most recent snapshot for projectID, or nil when
// the project has none.
func LatestSnapshot(db *gorm.DB, projectID string) (*models.ProjectStatusSnapshot, error) {
	var snap models.ProjectStatusSnapshot
	err := db.Where("project_id = ?", projectID).
		Order("snapshot_at DESC, created_at DESC").
		Preload("Evidence").
		First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest snapshot %s: %w", projectID, err)
	}
	return &snap, nil
}

// GetSnapshot returns a snapshot by id, with its evidence.
func GetSnapshot(db *gorm.DB, snapshotID string) (*models.ProjectStatusSnapshot, error) {
	var snap models.ProjectStatusSnapshot
	err := db.Where("snapshot_id = ?", snapshotID).Preload("Evidence").First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, snapshotID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get snapshot %s: %w", snapshotID, err)
	}
	return &snap, nil
}

// ListSnapshots returns a project's snapshots, newest first.
func ListSnapshots(db *gorm.DB, projectID string, limit int) ([]models.ProjectStatusSnapshot, error) {
	tx := db.Where("project_id = ?", projectID).Order("snapshot_at DESC, created_at DESC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var out []models.ProjectStatusSnapshot
	if err := tx.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("store: list snapshots %s: %w", projectID, err)
	}
	return out, nil
}
