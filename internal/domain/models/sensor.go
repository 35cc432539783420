package models

import (
	"fmt"
	"strings"
	"time"
)

// SensorKind is a measured quantity. Each kind is stored in its own table.
type SensorKind string

const (
	SensorTemperature      SensorKind = "TEMPERATURE"
	SensorHumidity         SensorKind = "HUMIDITY"
	SensorFeedLevel        SensorKind = "FEED_LEVEL"
	SensorWaterConsumption SensorKind = "WATER_CONSUMPTION"
	SensorLight            SensorKind = "LIGHT"
)

// SensorKinds lists every measured quantity.
var SensorKinds = []SensorKind{
	SensorTemperature,
	SensorHumidity,
	SensorFeedLevel,
	SensorWaterConsumption,
	SensorLight,
}

var sensorEntities = map[SensorKind]EntityType{
	SensorTemperature:      EntityTemperature,
	SensorHumidity:         EntityHumidity,
	SensorFeedLevel:        EntityFeedLevel,
	SensorWaterConsumption: EntityWaterConsumption,
	SensorLight:            EntityLight,
}

var defaultUnits = map[SensorKind]string{
	SensorTemperature:      "C",
	SensorHumidity:         "%",
	SensorFeedLevel:        "%",
	SensorWaterConsumption: "L",
	SensorLight:            "lux",
}

// ParseSensorKind accepts either the enum value or its lower-case path form
// ("feed_level", "temperature").
func ParseSensorKind(raw string) (SensorKind, error) {
	kind := SensorKind(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := sensorEntities[kind]; !ok {
		return "", fmt.Errorf("%w: unknown sensor kind %q", ErrInvalidInput, raw)
	}
	return kind, nil
}

// Entity returns the entity type (and table) holding readings of this kind.
func (k SensorKind) Entity() EntityType { return sensorEntities[k] }

// Table returns the table holding readings of this kind.
func (k SensorKind) Table() string { return string(sensorEntities[k]) }

// DefaultUnit is used when a sample arrives without a unit.
func (k SensorKind) DefaultUnit() string { return defaultUnits[k] }

// SensorKindForEntity maps a sensor table back to its kind.
func SensorKindForEntity(entity EntityType) (SensorKind, bool) {
	for kind, e := range sensorEntities {
		if e == entity {
			return kind, true
		}
	}
	return "", false
}

// SensorReading is a single device sample.
type SensorReading struct {
	ID        string     `json:"id" gorm:"primaryKey"`
	Kind      SensorKind `json:"kind" gorm:"-"`
	DeviceID  string     `json:"device_id"`
	Timestamp time.Time  `json:"timestamp"`
	Value     float64    `json:"value"`
	Unit      string     `json:"unit"`
	CreatedAt time.Time  `json:"created_at"`
	SyncState
}

func (r *SensorReading) RecordID() string      { return r.ID }
func (r *SensorReading) SetRecordID(id string) { r.ID = id }
func (r *SensorReading) Touched() time.Time    { return r.Timestamp }
