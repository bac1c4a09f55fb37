// Package alerting turns samples into alerts. Evaluate is a pure rule over
// one sample; Service persists what it produces and owns acknowledgement.
package alerting

import (
	"fmt"

	"github.com/vesaa/cloudmetrics/internal/models"
)

// Draft is an alert that has not been stored yet.
type Draft struct {
	InstanceID string
	Type       models.AlertType
	Severity   models.Severity
	Message    string
	Value      float64
	Threshold  float64
}

type rule struct {
	typ      models.AlertType
	label    string
	format   string
	value    func(*models.Metric) float64
	warning  func(models.Thresholds) float64
	critical func(models.Thresholds) float64
}

// rules run in this order, which is also the order of the drafts.
var rules = []rule{
	{
		typ:      models.AlertCPU,
		label:    "CPU usage",
		format:   "%.1f%%",
		value:    func(m *models.Metric) float64 { return m.CPUUsage },
		warning:  func(t models.Thresholds) float64 { return t.CPUWarning },
		critical: func(t models.Thresholds) float64 { return t.CPUCritical },
	},
	{
		typ:      models.AlertMemory,
		label:    "Memory usage",
		format:   "%.1f%%",
		value:    func(m *models.Metric) float64 { return m.MemoryUsage },
		warning:  func(t models.Thresholds) float64 { return t.MemoryWarning },
		critical: func(t models.Thresholds) float64 { return t.MemoryCritical },
	},
	{
		typ:      models.AlertResponseTime,
		label:    "Response time",
		format:   "%.0fms",
		value:    func(m *models.Metric) float64 { return m.ResponseTime },
		warning:  func(t models.Thresholds) float64 { return t.ResponseTimeWarning },
		critical: func(t models.Thresholds) float64 { return t.ResponseTimeCritical },
	},
}

func (r rule) message(sev models.Severity, v float64) string {
	return fmt.Sprintf("%s %s: "+r.format, r.label, sev, v)
}

// Message renders the alert text for a metric type, e.g.
// "CPU usage critical: 95.0%". Unknown types fall back to the raw type name.
func Message(typ models.AlertType, sev models.Severity, value float64) string {
	for _, r := range rules {
		if r.typ == typ {
			return r.message(sev, value)
		}
	}
	return fmt.Sprintf("%s %s: %.2f", typ, sev, value)
}

// Evaluate checks m against th and returns at most one draft per metric type:
// critical when the value reaches the critical threshold, otherwise warning
// when it reaches the warning threshold.
func Evaluate(instanceID string, m *models.Metric, th models.Thresholds) []Draft {
	var out []Draft
	for _, r := range rules {
		v := r.value(m)
		var sev models.Severity
		var limit float64
		switch {
		case v >= r.critical(th):
			sev, limit = models.SeverityCritical, r.critical(th)
		case v >= r.warning(th):
			sev, limit = models.SeverityWarning, r.warning(th)
		default:
			continue
		}
		out = append(out, Draft{
			InstanceID: instanceID,
			Type:       r.typ,
			Severity:   sev,
			Message:    r.message(sev, v),
			Value:      v,
			Threshold:  limit,
		})
	}
	return out
}

// Alert materializes d as an unacknowledged alert row.
func (d Draft) Alert() models.Alert {
	id := d.InstanceID
	v, th := d.Value, d.Threshold
	return models.Alert{
		InstanceID:  &id,
		Type:        d.Type,
		Severity:    d.Severity,
		Message:     d.Message,
		MetricValue: &v,
		Threshold:   &th,
	}
}
