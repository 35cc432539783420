package models

import (
	"fmt"
	"time"
)

// AlertType names a monitored condition.
type AlertType string

const (
	AlertTemperatureHigh AlertType = "TEMPERATURE_HIGH"
	AlertTemperatureLow  AlertType = "TEMPERATURE_LOW"
	AlertHumidityHigh    AlertType = "HUMIDITY_HIGH"
	AlertHumidityLow     AlertType = "HUMIDITY_LOW"
	AlertFeedLow         AlertType = "FEED_LOW"
	AlertDeviceOffline   AlertType = "DEVICE_OFFLINE"
	AlertMortalityHigh   AlertType = "MORTALITY_HIGH"
	AlertDiseaseReported AlertType = "DISEASE_REPORTED"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// AlertSource identifies what an alert is about: a device or a flock.
type AlertSource struct {
	DeviceID string
	FlockID  string
}

// DeviceSource returns the source for a device.
func DeviceSource(deviceID string) AlertSource { return AlertSource{DeviceID: deviceID} }

// FlockSource returns the source for a flock.
func FlockSource(flockID string) AlertSource { return AlertSource{FlockID: flockID} }

func (s AlertSource) String() string {
	if s.FlockID != "" {
		return "flock:" + s.FlockID
	}
	return "device:" + s.DeviceID
}

// AlertInfo is a raised alert. At most one unacknowledged alert exists per
// (source, type) at a time.
type AlertInfo struct {
	ID             string     `json:"id" gorm:"primaryKey"`
	DeviceID       *string    `json:"device_id,omitempty"`
	FlockID        *string    `json:"flock_id,omitempty"`
	Type           AlertType  `json:"type"`
	Severity       Severity   `json:"severity"`
	Message        string     `json:"message"`
	Value          *float64   `json:"value,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
	SyncState
}

func (AlertInfo) TableName() string { return string(EntityAlert) }

func (a *AlertInfo) RecordID() string      { return a.ID }
func (a *AlertInfo) SetRecordID(id string) { a.ID = id }
func (a *AlertInfo) Touched() time.Time    { return a.UpdatedAt }

// Source returns the alert's device or flock source.
func (a *AlertInfo) Source() AlertSource {
	var src AlertSource
	if a.DeviceID != nil {
		src.DeviceID = *a.DeviceID
	}
	if a.FlockID != nil {
		src.FlockID = *a.FlockID
	}
	return src
}

// Summary renders a one-line description suitable for a notification.
func (a *AlertInfo) Summary() string {
	return fmt.Sprintf("[%s] %s (%s): %s", a.Severity, a.Type, a.Source(), a.Message)
}

// AlertFilter narrows alert listings.
type AlertFilter struct {
	DeviceID   string
	FlockID    string
	ActiveOnly bool
	Since      time.Time
	Limit      int
}
