package models

import "time"

// Metric is one sample of an instance's telemetry. Rows are append-only:
// the pipeline inserts them and nothing updates or deletes them afterwards.
type Metric struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	InstanceID string `gorm:"index:idx_metrics_instance_ts,priority:1;size:64;not null" json:"instance_id"`

	CPUUsage     float64 `json:"cpu_usage"`     // percent 0-100
	MemoryUsage  float64 `json:"memory_usage"`  // percent 0-100
	RequestCount int64   `json:"request_count"` // requests in the sampling window
	ResponseTime float64 `json:"response_time"` // milliseconds

	Timestamp time.Time `gorm:"index;index:idx_metrics_instance_ts,priority:2;not null" json:"timestamp"`
}

// MetricUpdate is one element of a metrics:update broadcast.
type MetricUpdate struct {
	InstanceID   string    `json:"instanceId"`
	CPU          float64   `json:"cpu"`
	Memory       float64   `json:"memory"`
	Requests     int64     `json:"requests"`
	ResponseTime float64   `json:"responseTime"`
	Timestamp    time.Time `json:"timestamp"`
}

// CurrentMetric is the latest known sample of one instance, without its
// storage identity. The current snapshot maps instance id to this value.
type CurrentMetric struct {
	CPUUsage     float64   `json:"cpu_usage"`
	MemoryUsage  float64   `json:"memory_usage"`
	RequestCount int64     `json:"request_count"`
	ResponseTime float64   `json:"response_time"`
	Timestamp    time.Time `json:"timestamp"`
}

// MetricStats aggregates samples over a time range.
type MetricStats struct {
	AvgCPU          float64 `json:"avg_cpu"`
	AvgMemory       float64 `json:"avg_memory"`
	TotalRequests   int64   `json:"total_requests"`
	AvgResponseTime float64 `json:"avg_response_time"`
	MaxCPU          float64 `json:"max_cpu"`
	MaxMemory       float64 `json:"max_memory"`
}

// Update converts a stored sample into its broadcast shape.
func (m *Metric) Update() MetricUpdate {
	return MetricUpdate{
		InstanceID:   m.InstanceID,
		CPU:          m.CPUUsage,
		Memory:       m.MemoryUsage,
		Requests:     m.RequestCount,
		ResponseTime: m.ResponseTime,
		Timestamp:    m.Timestamp,
	}
}

// Current strips the identity fields off a sample.
func (m *Metric) Current() CurrentMetric {
	return CurrentMetric{
		CPUUsage:     m.CPUUsage,
		MemoryUsage:  m.MemoryUsage,
		RequestCount: m.RequestCount,
		ResponseTime: m.ResponseTime,
		Timestamp:    m.Timestamp,
	}
}
