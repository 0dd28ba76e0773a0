package store

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/pulse/internal/models"
)

// UpsertLinks writes attribution links and returns the number of rows
// inserted or changed. A scope match always wins: it upgrades an existing
// AI link on conflict, while an AI link never replaces an existing row.
func UpsertLinks(db *gorm.DB, links []models.EventProjectLink) (int64, error) {
	var scoped, classified []models.EventProjectLink
	now := Normalize(time.Now())
	for _, l := range links {
		if l.CreatedAt.IsZero() {
			l.CreatedAt = now
		}
		if l.AttributionType == models.AttributionScopeMatch {
			scoped = append(scoped, l)
		} else {
			classified = append(classified, l)
		}
	}

	var affected int64
	err := db.Transaction(func(tx *gorm.DB) error {
		if len(scoped) > 0 {
			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "event_id"}, {Name: "project_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"attribution_type", "confidence", "rationale"}),
			}).CreateInBatches(&scoped, DefaultBatchSize)
			if res.Error != nil {
				return res.Error
			}
			affected += res.RowsAffected
		}
		if len(classified) > 0 {
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&classified, DefaultBatchSize)
			if res.Error != nil {
				return res.Error
			}
			affected += res.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, &StoreWriteError{Op: "upsert links", Err: err}
	}
	return affected, nil
}

// LinkedEventIDs returns the subset of ids that already have at least one
// project link.
func LinkedEventIDs(db *gorm.DB, ids []string) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, chunk := range chunkStrings(ids, 500) {
		var found []string
		if err := db.Model(&models.EventProjectLink{}).
			Where("event_id IN ?", chunk).
			Distinct().Pluck("event_id", &found).Error; err != nil {
			return nil, fmt.Errorf("store: linked event ids: %w", err)
		}
		for _, id := range found {
			out[id] = true
		}
	}
	return out, nil
}

// EventLinks returns every link for the given event.
func EventLinks(db *gorm.DB, eventID string) ([]models.EventProjectLink, error) {
	var links []models.EventProjectLink
	if err := db.Where("event_id = ?", eventID).Order("project_id").Find(&links).Error; err != nil {
		return nil, fmt.Errorf("store: event links %s: %w", eventID, err)
	}
	return links, nil
}
