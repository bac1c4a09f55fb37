// Package models defines GORM data models and wire DTOs for cloudmetrics.
package models

import "time"

// InstanceStatus is the lifecycle state recorded by the fleet registry.
type InstanceStatus string

const (
	InstanceActive   InstanceStatus = "active"
	InstanceInactive InstanceStatus = "inactive"
)

// Instance is a monitored host. Rows belong to the external fleet registry;
// the pipeline reads them and never creates or removes instances on its own.
type Instance struct {
	ID        string         `gorm:"primaryKey;size:64" json:"id"`
	Name      string         `gorm:"index;not null" json:"name"`
	IPAddress string         `gorm:"size:64" json:"ip_address"`
	Region    string         `gorm:"index;size:64" json:"region"`
	Status    InstanceStatus `gorm:"index;size:16;default:'active'" json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}
