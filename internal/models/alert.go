package models

import "time"

// AlertType names the metric an alert was raised for.
type AlertType string

const (
	AlertCPU          AlertType = "cpu"
	AlertMemory       AlertType = "memory"
	AlertResponseTime AlertType = "response_time"
)

// Severity ranks an alert. Critical supersedes warning for the same metric.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a persisted threshold violation. The only mutation an alert ever
// sees is the one-way acknowledged false -> true transition.
type Alert struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	InstanceID *string   `gorm:"index;size:64" json:"instance_id"`
	Type       AlertType `gorm:"size:32;not null" json:"type"`
	Severity   Severity  `gorm:"size:16;not null" json:"severity"`
	Message    string    `gorm:"not null" json:"message"`

	MetricValue *float64 `json:"metric_value"`
	Threshold   *float64 `json:"threshold"`

	Acknowledged   bool       `gorm:"index;not null;default:false" json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at"`
	CreatedAt      time.Time  `gorm:"index" json:"created_at"`
}

// Thresholds holds the warning/critical pair for each alertable metric.
// Values are deployment configuration; nothing stores them per instance.
type Thresholds struct {
	CPUWarning           float64 `json:"cpu_warning"`
	CPUCritical          float64 `json:"cpu_critical"`
	MemoryWarning        float64 `json:"memory_warning"`
	MemoryCritical       float64 `json:"memory_critical"`
	ResponseTimeWarning  float64 `json:"response_time_warning"`
	ResponseTimeCritical float64 `json:"response_time_critical"`
}

// DefaultThresholds returns cpu 70/90, memory 75/95 and response time 500/1000 ms.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUWarning:           70,
		CPUCritical:          90,
		MemoryWarning:        75,
		MemoryCritical:       95,
		ResponseTimeWarning:  500,
		ResponseTimeCritical: 1000,
	}
}
