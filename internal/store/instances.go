package store

import (
	"context"

	"github.com/vesaa/cloudmetrics/internal/apperr"
	"github.com/vesaa/cloudmetrics/internal/models"
	"gorm.io/gorm/clause"
)

// ListInstances returns the active instances ordered by name.
func (s *Store) ListInstances(ctx context.Context) ([]models.Instance, error) {
	out := []models.Instance{}
	err := s.db.WithContext(ctx).
		Where("status = ?", models.InstanceActive).
		Order("name ASC").Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, apperr.Storage("list instances", err)
	}
	return out, nil
}

// UpsertInstance creates or updates an instance row by id. Only the registry
// tooling (seed) calls this; the pipeline never does.
func (s *Store) UpsertInstance(ctx context.Context, inst models.Instance) error {
	if inst.Status == "" {
		inst.Status = models.InstanceActive
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "ip_address", "region", "status"}),
	}).Create(&inst).Error
	return apperr.Storage("upsert instance", err)
}
