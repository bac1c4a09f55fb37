package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vesaa/cloudmetrics/internal/models"
)

// Store is the alert persistence the service needs.
type Store interface {
	CreateAlert(ctx context.Context, a *models.Alert) error
	ListAlerts(ctx context.Context, limit int, includeAcknowledged bool) ([]models.Alert, error)
	AcknowledgeAlert(ctx context.Context, id uint, at time.Time) (*models.Alert, error)
}

// Service evaluates samples against fixed thresholds and stores the results.
type Service struct {
	store      Store
	thresholds models.Thresholds
	now        func() time.Time
	log        *slog.Logger
}

// NewService returns a Service using th for every instance.
func NewService(store Store, th models.Thresholds, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:      store,
		thresholds: th,
		now:        time.Now,
		log:        log.With("module", "alerting"),
	}
}

func (s *Service) Thresholds() models.Thresholds { return s.thresholds }

// Check evaluates m and persists each resulting draft. Only stored alerts are
// returned; the first storage failure aborts the rest of the instance's
// drafts.
func (s *Service) Check(ctx context.Context, m *models.Metric) ([]models.Alert, error) {
	drafts := Evaluate(m.InstanceID, m, s.thresholds)
	if len(drafts) == 0 {
		return nil, nil
	}

	out := make([]models.Alert, 0, len(drafts))
	for _, d := range drafts {
		a := d.Alert()
		a.CreatedAt = s.now()
		if err := s.store.CreateAlert(ctx, &a); err != nil {
			return out, fmt.Errorf("storing %s alert for %s: %w", d.Type, d.InstanceID, err)
		}
		s.log.Info("alert raised", "instance", d.InstanceID, "type", d.Type, "severity", d.Severity, "value", d.Value)
		out = append(out, a)
	}
	return out, nil
}

// List returns up to limit alerts, newest first.
func (s *Service) List(ctx context.Context, limit int, includeAcknowledged bool) ([]models.Alert, error) {
	return s.store.ListAlerts(ctx, limit, includeAcknowledged)
}

// Acknowledge marks alert id acknowledged. Acknowledging twice is a no-op that
// returns the stored alert.
func (s *Service) Acknowledge(ctx context.Context, id uint) (*models.Alert, error) {
	a, err := s.store.AcknowledgeAlert(ctx, id, s.now())
	if err != nil {
		return nil, err
	}
	s.log.Info("alert acknowledged", "id", id)
	return a, nil
}
