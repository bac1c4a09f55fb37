package alerting

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vesaa/cloudmetrics/internal/apperr"
	"github.com/vesaa/cloudmetrics/internal/models"
	"github.com/vesaa/cloudmetrics/internal/store"
	"github.com/vesaa/cloudmetrics/internal/store/storetest"
)

func calm() *models.Metric {
	return &models.Metric{InstanceID: "i-a", CPUUsage: 10, MemoryUsage: 10, ResponseTime: 100}
}

func TestEvaluateCPU(t *testing.T) {
	tests := []struct {
		name      string
		cpu       float64
		want      int
		severity  models.Severity
		threshold float64
	}{
		{name: "critical supersedes warning", cpu: 95, want: 1, severity: models.SeverityCritical, threshold: 90},
		{name: "warning", cpu: 72, want: 1, severity: models.SeverityWarning, threshold: 70},
		{name: "below warning", cpu: 50, want: 0},
		{name: "exactly critical", cpu: 90, want: 1, severity: models.SeverityCritical, threshold: 90},
		{name: "exactly warning", cpu: 70, want: 1, severity: models.SeverityWarning, threshold: 70},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := calm()
			m.CPUUsage = tt.cpu
			got := Evaluate("i-a", m, models.DefaultThresholds())
			require.Len(t, got, tt.want)
			if tt.want == 0 {
				return
			}
			assert.Equal(t, models.AlertCPU, got[0].Type)
			assert.Equal(t, tt.severity, got[0].Severity)
			assert.Equal(t, tt.cpu, got[0].Value)
			assert.Equal(t, tt.threshold, got[0].Threshold)
			assert.Equal(t, "i-a", got[0].InstanceID)
		})
	}
}

func TestEvaluateAllTypesInOrder(t *testing.T) {
	m := &models.Metric{CPUUsage: 95, MemoryUsage: 80, ResponseTime: 1200}
	got := Evaluate("i-a", m, models.DefaultThresholds())
	require.Len(t, got, 3)

	assert.Equal(t, models.AlertCPU, got[0].Type)
	assert.Equal(t, "CPU usage critical: 95.0%", got[0].Message)

	assert.Equal(t, models.AlertMemory, got[1].Type)
	assert.Equal(t, models.SeverityWarning, got[1].Severity)
	assert.Equal(t, "Memory usage warning: 80.0%", got[1].Message)

	assert.Equal(t, models.AlertResponseTime, got[2].Type)
	assert.Equal(t, models.SeverityCritical, got[2].Severity)
	assert.Equal(t, "Response time critical: 1200ms", got[2].Message)
}

func TestMessageMatchesEvaluate(t *testing.T) {
	assert.Equal(t, "Memory usage warning: 78.4%", Message(models.AlertMemory, models.SeverityWarning, 78.4))
	assert.Equal(t, "Response time critical: 1200ms", Message(models.AlertResponseTime, models.SeverityCritical, 1200))

	m := &models.Metric{CPUUsage: 91.26}
	got := Evaluate("i-a", m, models.DefaultThresholds())
	require.Len(t, got, 1)
	assert.Equal(t, got[0].Message, Message(models.AlertCPU, models.SeverityCritical, 91.26))
}

func TestDraftAlert(t *testing.T) {
	d := Draft{InstanceID: "i-a", Type: models.AlertCPU, Severity: models.SeverityCritical, Value: 95, Threshold: 90, Message: "m"}
	a := d.Alert()
	require.NotNil(t, a.InstanceID)
	assert.Equal(t, "i-a", *a.InstanceID)
	assert.Equal(t, 95.0, *a.MetricValue)
	assert.Equal(t, 90.0, *a.Threshold)
	assert.False(t, a.Acknowledged)
	assert.Nil(t, a.AcknowledgedAt)
}

func newService(t *testing.T) (*Service, *store.Store) {
	st := storetest.New(t)
	s := NewService(st, models.DefaultThresholds(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, st
}

func TestCheckPersistsDrafts(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	m := calm()
	m.CPUUsage = 95
	m.ResponseTime = 600
	alerts, err := s.Check(ctx, m)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	for _, a := range alerts {
		assert.NotZero(t, a.ID)
		assert.False(t, a.Acknowledged)
		assert.True(t, a.CreatedAt.Equal(s.now()))
	}

	listed, err := s.List(ctx, 50, false)
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	none, err := s.Check(ctx, calm())
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAcknowledge(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	m := calm()
	m.MemoryUsage = 99
	alerts, err := s.Check(ctx, m)
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	acked, err := s.Acknowledge(ctx, alerts[0].ID)
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)
	require.NotNil(t, acked.AcknowledgedAt)

	again, err := s.Acknowledge(ctx, alerts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, acked.Acknowledged, again.Acknowledged)
	assert.True(t, acked.AcknowledgedAt.Equal(*again.AcknowledgedAt))

	_, err = s.Acknowledge(ctx, 99999)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}
