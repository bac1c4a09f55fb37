package store

import (
	"context"
	"database/sql"
	"math"
	"time"

	"github.com/vesaa/cloudmetrics/internal/apperr"
	"github.com/vesaa/cloudmetrics/internal/models"
)

// AppendMetric inserts one sample and fills in its id. A nil return means the
// row is committed.
func (s *Store) AppendMetric(ctx context.Context, m *models.Metric) error {
	m.ID = 0
	m.Timestamp = m.Timestamp.UTC()
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return apperr.Storage("append metric", err)
	}
	return nil
}

// QueryMetrics returns samples with start <= timestamp <= end, oldest first.
// An empty instanceID matches every instance.
func (s *Store) QueryMetrics(ctx context.Context, start, end time.Time, instanceID string) ([]models.Metric, error) {
	q := s.db.WithContext(ctx).
		Where("timestamp BETWEEN ? AND ?", start.UTC(), end.UTC())
	if instanceID != "" {
		q = q.Where("instance_id = ?", instanceID)
	}

	out := []models.Metric{}
	if err := q.Order("timestamp ASC").Order("id ASC").Find(&out).Error; err != nil {
		return nil, apperr.Storage("query metrics", err)
	}
	return out, nil
}

// LatestMetrics returns the most recent sample of every instance that has one,
// ordered by instance id.
func (s *Store) LatestMetrics(ctx context.Context) ([]models.Metric, error) {
	var rows []models.Metric
	err := s.db.WithContext(ctx).Raw(`
		SELECT m.* FROM metrics m
		JOIN (SELECT instance_id, MAX(timestamp) AS ts FROM metrics GROUP BY instance_id) latest
		  ON m.instance_id = latest.instance_id AND m.timestamp = latest.ts
		ORDER BY m.instance_id ASC, m.id DESC`).
		Scan(&rows).Error
	if err != nil {
		return nil, apperr.Storage("latest metrics", err)
	}

	// two rows can share the newest timestamp; keep the later insert
	out := make([]models.Metric, 0, len(rows))
	for _, r := range rows {
		if n := len(out); n > 0 && out[n-1].InstanceID == r.InstanceID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Aggregate summarizes samples with start <= timestamp <= end. Averages are
// rounded to two decimals; an empty range yields zeros.
func (s *Store) Aggregate(ctx context.Context, start, end time.Time) (models.MetricStats, error) {
	var row struct {
		AvgCPU          sql.NullFloat64 `gorm:"column:avg_cpu"`
		AvgMemory       sql.NullFloat64 `gorm:"column:avg_memory"`
		TotalRequests   sql.NullInt64   `gorm:"column:total_requests"`
		AvgResponseTime sql.NullFloat64 `gorm:"column:avg_response_time"`
		MaxCPU          sql.NullFloat64 `gorm:"column:max_cpu"`
		MaxMemory       sql.NullFloat64 `gorm:"column:max_memory"`
	}
	err := s.db.WithContext(ctx).Model(&models.Metric{}).
		Select(`AVG(cpu_usage) AS avg_cpu,
			AVG(memory_usage) AS avg_memory,
			SUM(request_count) AS total_requests,
			AVG(response_time) AS avg_response_time,
			MAX(cpu_usage) AS max_cpu,
			MAX(memory_usage) AS max_memory`).
		Where("timestamp BETWEEN ? AND ?", start.UTC(), end.UTC()).
		Scan(&row).Error
	if err != nil {
		return models.MetricStats{}, apperr.Storage("aggregate metrics", err)
	}

	return models.MetricStats{
		AvgCPU:          round2(row.AvgCPU.Float64),
		AvgMemory:       round2(row.AvgMemory.Float64),
		TotalRequests:   row.TotalRequests.Int64,
		AvgResponseTime: round2(row.AvgResponseTime.Float64),
		MaxCPU:          row.MaxCPU.Float64,
		MaxMemory:       row.MaxMemory.Float64,
	}, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
