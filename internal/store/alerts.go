package store

import (
	"context"
	"errors"
	"time"

	"github.com/vesaa/cloudmetrics/internal/apperr"
	"github.com/vesaa/cloudmetrics/internal/models"
	"gorm.io/gorm"
)

// CreateAlert inserts a new, unacknowledged alert and fills in its id.
func (s *Store) CreateAlert(ctx context.Context, a *models.Alert) error {
	a.ID = 0
	a.Acknowledged = false
	a.AcknowledgedAt = nil
	a.CreatedAt = a.CreatedAt.UTC()
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return apperr.Storage("create alert", err)
	}
	return nil
}

// ListAlerts returns up to limit alerts, newest first. Acknowledged alerts are
// left out unless includeAcknowledged is set.
func (s *Store) ListAlerts(ctx context.Context, limit int, includeAcknowledged bool) ([]models.Alert, error) {
	q := s.db.WithContext(ctx).Model(&models.Alert{})
	if !includeAcknowledged {
		q = q.Where("acknowledged = ?", false)
	}

	out := []models.Alert{}
	if err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, apperr.Storage("list alerts", err)
	}
	return out, nil
}

// GetAlert loads one alert by id.
func (s *Store) GetAlert(ctx context.Context, id uint) (*models.Alert, error) {
	var a models.Alert
	err := s.db.WithContext(ctx).First(&a, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("Alert not found")
	}
	if err != nil {
		return nil, apperr.Storage("get alert", err)
	}
	return &a, nil
}

// AcknowledgeAlert flips acknowledged to true and stamps acknowledged_at with
// at. Acknowledging an already acknowledged alert changes nothing and returns
// the stored row.
func (s *Store) AcknowledgeAlert(ctx context.Context, id uint, at time.Time) (*models.Alert, error) {
	var out models.Alert
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&out, id).Error; err != nil {
			return err
		}
		if out.Acknowledged {
			return nil
		}
		stamp := at.UTC()
		res := tx.Model(&models.Alert{}).
			Where("id = ? AND acknowledged = ?", id, false).
			Updates(map[string]any{"acknowledged": true, "acknowledged_at": stamp})
		if res.Error != nil {
			return res.Error
		}
		return tx.First(&out, id).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("Alert not found")
	}
	if err != nil {
		return nil, apperr.Storage("acknowledge alert", err)
	}
	return &out, nil
}
