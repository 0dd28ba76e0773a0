package db

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/pulse/internal/config"
	"github.com/zulandar/pulse/internal/models"
)

// AllModels returns every GORM model managed by migrations.
func AllModels() []interface{} {
	return []interface{}{
		&models.Project{},
		&models.ProjectScope{},
		&models.Event{},
		&models.EventProjectLink{},
		&models.ProjectCheckpoint{},
		&models.ProjectStatusSnapshot{},
		&models.SnapshotEvidence{},
		&models.IngestLock{},
		&models.RunOutcome{},
	}
}

// views are recreated on every migration so column changes propagate.
var views = []struct {
	name string
	sql  string
}{
	{
		name: "v_project_latest_snapshot",
		sql: `SELECT s.project_id, p.name AS project_name, s.snapshot_id, s.snapshot_at,
	s.window_start, s.window_end, s.strategy, s.status_json
FROM project_status_snapshots s
JOIN projects p ON p.project_id = s.project_id
WHERE s.snapshot_at = (
	SELECT MAX(s2.snapshot_at) FROM project_status_snapshots s2 WHERE s2.project_id = s.project_id
)`,
	},
	{
		name: "v_project_events",
		sql: `SELECT l.project_id, l.attribution_type, l.confidence, l.rationale,
	e.event_id, e.source_type, e.source_ref, e.occurred_at, e.ingested_at,
	e.container_id, e.container_name, e.parent_ref, e.actor_id, e.actor_display,
	e.event_kind, e.title, e.text, e.permalink
FROM event_project_links l
JOIN events e ON e.event_id = l.event_id`,
	},
}

// AutoMigrate creates or updates all tables and views.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	for _, v := range views {
		if err := db.Exec("DROP VIEW IF EXISTS " + v.name).Error; err != nil {
			return fmt.Errorf("db: drop view %s: %w", v.name, err)
		}
		if err := db.Exec("CREATE VIEW " + v.name + " AS " + v.sql).Error; err != nil {
			return fmt.Errorf("db: create view %s: %w", v.name, err)
		}
	}
	return nil
}

// Reset drops every view and table. Data is lost.
func Reset(db *gorm.DB) error {
	for _, v := range views {
		if err := db.Exec("DROP VIEW IF EXISTS " + v.name).Error; err != nil {
			return fmt.Errorf("db: drop view %s: %w", v.name, err)
		}
	}
	all := AllModels()
	// Reverse order so dependents go first.
	for i := len(all) - 1; i >= 0; i-- {
		if err := db.Migrator().DropTable(all[i]); err != nil {
			return fmt.Errorf("db: drop table: %w", err)
		}
	}
	return nil
}

// SeedProjects upserts Project and ProjectScope rows from configuration.
// Only is_active, name and description change on an existing project.
func SeedProjects(db *gorm.DB, projects []config.ProjectConfig) error {
	now := time.Now().UTC()
	for _, pc := range projects {
		project := models.Project{
			ProjectID:   pc.ID,
			Name:        pc.Name,
			Description: pc.Description,
			CreatedAt:   now,
			IsActive:    pc.IsActive(),
		}
		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "description", "is_active"}),
		}).Create(&project)
		if result.Error != nil {
			return fmt.Errorf("db: seed project %q: %w", pc.ID, result.Error)
		}

		for _, sc := range pc.Scopes {
			scope := models.ProjectScope{
				ScopeID:    sc.ID,
				ProjectID:  pc.ID,
				SourceType: sc.Source,
				ScopeKind:  sc.Kind,
				ScopeValue: sc.Value,
				CreatedAt:  now,
			}
			result := db.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "scope_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"source_type", "scope_kind", "scope_value"}),
			}).Create(&scope)
			if result.Error != nil {
				return fmt.Errorf("db: seed scope %q for project %q: %w", sc.ID, pc.ID, result.Error)
			}
		}
	}
	return nil
}
