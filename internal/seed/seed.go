// Package seed fills an empty database with a demo fleet, backfilled history
// and a handful of alerts, so the dashboard has something to show before the
// scheduler has run for long.
package seed

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/vesaa/cloudmetrics/internal/alerting"
	"github.com/vesaa/cloudmetrics/internal/models"
	"gorm.io/gorm"
)

// DefaultInstances is the demo fleet.
var DefaultInstances = []models.Instance{
	{ID: "i-server-01", Name: "Web Server 1", Region: "us-east-1", IPAddress: "10.0.1.10", Status: models.InstanceActive},
	{ID: "i-server-02", Name: "Web Server 2", Region: "us-east-1", IPAddress: "10.0.1.11", Status: models.InstanceActive},
	{ID: "i-server-03", Name: "Web Server 3", Region: "us-west-2", IPAddress: "10.0.2.10", Status: models.InstanceActive},
}

// Options controls how much history is generated.
type Options struct {
	Days      int
	Step      time.Duration
	Alerts    int
	Instances []models.Instance
	Now       time.Time
	Seed      int64
}

// Result counts the rows written.
type Result struct {
	Instances int
	Metrics   int
	Alerts    int
}

type alertTemplate struct {
	typ       models.AlertType
	severity  models.Severity
	value     float64
	threshold float64
}

var alertTemplates = []alertTemplate{
	{models.AlertCPU, models.SeverityWarning, 75, 70},
	{models.AlertCPU, models.SeverityCritical, 92, 90},
	{models.AlertMemory, models.SeverityWarning, 78, 75},
	{models.AlertMemory, models.SeverityCritical, 96, 95},
	{models.AlertResponseTime, models.SeverityWarning, 650, 500},
	{models.AlertResponseTime, models.SeverityCritical, 1200, 1000},
}

type baseline struct {
	cpu, memory, requests, responseTime float64
}

// Run replaces the contents of the instances, metrics and alerts tables in
// one transaction.
func Run(ctx context.Context, db *gorm.DB, opts Options, log *slog.Logger) (Result, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("module", "seed")
	if opts.Days <= 0 {
		return Result{}, fmt.Errorf("days must be positive, got %d", opts.Days)
	}
	if opts.Step <= 0 {
		return Result{}, fmt.Errorf("step must be positive, got %s", opts.Step)
	}
	fleet := opts.Instances
	if len(fleet) == 0 {
		fleet = DefaultInstances
	}
	fleet = append([]models.Instance(nil), fleet...)
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	if opts.Seed == 0 {
		opts.Seed = opts.Now.UnixNano()
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	now := opts.Now.UTC()

	metrics := history(rng, fleet, now.Add(-time.Duration(opts.Days)*24*time.Hour), now, opts.Step)
	alerts := sampleAlerts(rng, fleet, now, opts.Days, opts.Alerts)

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range []any{&models.Alert{}, &models.Metric{}, &models.Instance{}} {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(m).Error; err != nil {
				return fmt.Errorf("clearing tables: %w", err)
			}
		}
		if err := tx.Create(&fleet).Error; err != nil {
			return fmt.Errorf("inserting instances: %w", err)
		}
		if len(metrics) > 0 {
			if err := tx.CreateInBatches(&metrics, 500).Error; err != nil {
				return fmt.Errorf("inserting metrics: %w", err)
			}
		}
		if len(alerts) > 0 {
			if err := tx.Create(&alerts).Error; err != nil {
				return fmt.Errorf("inserting alerts: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{Instances: len(fleet), Metrics: len(metrics), Alerts: len(alerts)}
	log.Info("database seeded", "instances", res.Instances, "metrics", res.Metrics, "alerts", res.Alerts)
	return res, nil
}

// history walks from start to end in step increments, one sample per
// instance per step, with load following the time of day.
func history(rng *rand.Rand, fleet []models.Instance, start, end time.Time, step time.Duration) []models.Metric {
	state := make([]baseline, len(fleet))
	for i := range state {
		state[i] = baseline{
			cpu:          30 + rng.Float64()*20,
			memory:       45 + rng.Float64()*15,
			requests:     float64(150 + rng.Intn(100)),
			responseTime: 80 + rng.Float64()*40,
		}
	}

	var out []models.Metric
	for ts := start; !ts.After(end); ts = ts.Add(step) {
		hour := ts.Hour()
		for i, inst := range fleet {
			b := &state[i]
			b.cpu = clamp(b.cpu+(rng.Float64()-0.5)*2, 25, 70)
			b.memory = clamp(b.memory+(rng.Float64()-0.5)*1, 35, 75)

			out = append(out, models.Metric{
				InstanceID:   inst.ID,
				CPUUsage:     round2(daily(rng, b.cpu, 15, 5, 98, hour)),
				MemoryUsage:  round2(daily(rng, b.memory, 10, 20, 95, hour)),
				RequestCount: int64(math.Floor(daily(rng, b.requests, 80, 10, 2000, hour))),
				ResponseTime: round2(daily(rng, b.responseTime, 40, 20, 800, hour)),
				Timestamp:    ts,
			})
		}
	}
	return out
}

// daily peaks around 12:00 and bottoms out around 00:00.
func daily(rng *rand.Rand, base, variance, min, max float64, hour int) float64 {
	hourFactor := math.Sin(float64(hour-6)*math.Pi/12) * 0.3
	noise := (rng.Float64() - 0.5) * variance
	return clamp(base+hourFactor*base+noise, min, max)
}

func sampleAlerts(rng *rand.Rand, fleet []models.Instance, now time.Time, days, n int) []models.Alert {
	window := time.Duration(days) * 24 * time.Hour
	out := make([]models.Alert, 0, n)
	for i := 0; i < n; i++ {
		tpl := alertTemplates[rng.Intn(len(alertTemplates))]
		inst := fleet[rng.Intn(len(fleet))]
		created := now.Add(-time.Duration(rng.Float64() * float64(window)))

		id := inst.ID
		threshold := tpl.threshold
		value := math.Max(threshold, round2(tpl.value+(rng.Float64()-0.5)*10))
		a := models.Alert{
			InstanceID:  &id,
			Type:        tpl.typ,
			Severity:    tpl.severity,
			Message:     alerting.Message(tpl.typ, tpl.severity, value),
			MetricValue: &value,
			Threshold:   &threshold,
			CreatedAt:   created,
		}
		if rng.Float64() > 0.6 {
			at := created.Add(time.Duration(rng.Float64() * float64(time.Hour)))
			a.Acknowledged = true
			a.AcknowledgedAt = &at
		}
		out = append(out, a)
	}
	return out
}

func clamp(v, min, max float64) float64 {
	return math.Max(min, math.Min(max, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
