package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/zulandar/pulse/internal/models"
)

// ListProjects returns projects ordered by id, with their scopes.
func ListProjects(db *gorm.DB, includeInactive bool) ([]models.Project, error) {
	tx := db.Preload("Scopes").Order("project_id")
	if !includeInactive {
		tx = tx.Where("is_active = ?", true)
	}
	var out []models.Project
	if err := tx.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("store: list projects: %w", err)
	}
	return out, nil
}

// GetProject returns a project with its scopes, or an error wrapping
// ErrProjectNotFound.
func GetProject(db *gorm.DB, projectID string) (*models.Project, error) {
	var p models.Project
	err := db.Preload("Scopes").Where("project_id = ?", projectID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get project %s: %w", projectID, err)
	}
	return &p, nil
}

// ActiveScopes returns the scopes of every active project.
func ActiveScopes(db *gorm.DB) ([]models.ProjectScope, error) {
	var out []models.ProjectScope
	err := db.Joins("JOIN projects ON projects.project_id = project_scopes.project_id").
		Where("projects.is_active = ?", true).
		Order("project_scopes.project_id, project_scopes.scope_id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("store: active scopes: %w", err)
	}
	return out, nil
}
