package models

import "time"

// DeviceConfig holds per-device settings; one row per device.
type DeviceConfig struct {
	DeviceID                 string            `json:"device_id" gorm:"primaryKey"`
	DisplayName              string            `json:"display_name"`
	Location                 string            `json:"location"`
	ReportingIntervalSeconds int64             `json:"reporting_interval_seconds"`
	CustomSettings           map[string]string `json:"custom_settings,omitempty" gorm:"serializer:json"`
	CreatedAt                time.Time         `json:"created_at"`
	UpdatedAt                time.Time         `json:"updated_at"`
	SyncState
}

func (DeviceConfig) TableName() string { return string(EntityDeviceConfig) }

func (d *DeviceConfig) RecordID() string      { return d.DeviceID }
func (d *DeviceConfig) SetRecordID(id string) { d.DeviceID = id }
func (d *DeviceConfig) Touched() time.Time    { return d.UpdatedAt }

// ReportingInterval is the expected spacing between device samples.
func (d *DeviceConfig) ReportingInterval() time.Duration {
	return time.Duration(d.ReportingIntervalSeconds) * time.Second
}
